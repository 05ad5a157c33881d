package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type switchableNetwork struct {
	mu        sync.Mutex
	connected bool
}

func (n *switchableNetwork) Status(context.Context) NetworkStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NetworkStatus{Connected: n.connected, Type: "wifi"}
}

func (n *switchableNetwork) set(connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = connected
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("abc").ValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", token)

	_, err = StaticToken("").ValidToken(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
}

func TestMonitorNotifiesOnReconnect(t *testing.T) {
	network := &switchableNetwork{}
	monitor := NewMonitor(network, 10*time.Millisecond)

	notified := make(chan NetworkStatus, 8)
	unsubscribe := monitor.Subscribe(func(status NetworkStatus) { notified <- status })
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	// Offline polls produce no notifications.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, notified)

	network.set(true)
	select {
	case status := <-notified:
		require.True(t, status.Connected)
	case <-time.After(time.Second):
		t.Fatal("no notification after reconnect")
	}
}

func TestMonitorUnsubscribe(t *testing.T) {
	network := &switchableNetwork{}
	monitor := NewMonitor(network, 10*time.Millisecond)

	notified := make(chan NetworkStatus, 8)
	unsubscribe := monitor.Subscribe(func(status NetworkStatus) { notified <- status })
	unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	network.set(true)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, notified)
}
