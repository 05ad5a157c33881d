// Package guard holds the network-reachability and auth-token checks that
// gate every upload attempt. Both are small interfaces so tests (and fault
// injection) can swap implementations.
package guard

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var ErrNoToken = errors.New("no valid access token")

type NetworkStatus struct {
	Connected bool   `json:"isConnected"`
	Type      string `json:"type"`
}

// Network observes reachability of the remote storage backend.
type Network interface {
	Status(ctx context.Context) NetworkStatus
}

// TokenProvider returns a currently-valid bearer token, refreshing if the
// auth collaborator deems it near expiry. ErrNoToken when none is available.
type TokenProvider interface {
	ValidToken(ctx context.Context) (string, error)
}

// TokenFunc adapts the host app's token callback to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) ValidToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns the same token. Used by the daemon harness where
// credentials come from config rather than an interactive auth flow.
func StaticToken(token string) TokenProvider {
	return TokenFunc(func(context.Context) (string, error) {
		if token == "" {
			return "", ErrNoToken
		}
		return token, nil
	})
}

// HTTPNetwork probes reachability with a HEAD request against the storage
// endpoint.
type HTTPNetwork struct {
	URL    string
	Client *http.Client
}

func NewHTTPNetwork(url string) *HTTPNetwork {
	return &HTTPNetwork{
		URL:    url,
		Client: &http.Client{Timeout: 3 * time.Second},
	}
}

func (n *HTTPNetwork) Status(ctx context.Context) NetworkStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, n.URL, nil)
	if err != nil {
		return NetworkStatus{Connected: false}
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return NetworkStatus{Connected: false}
	}
	resp.Body.Close()
	return NetworkStatus{Connected: true, Type: "wifi"}
}

// Static is a fixed-answer Network, used in tests and fault injection.
type Static struct {
	Connected bool
	Type      string
}

func (s Static) Status(context.Context) NetworkStatus {
	return NetworkStatus{Connected: s.Connected, Type: s.Type}
}
