package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"consult-sync/pkg/chunkstore"
	"consult-sync/pkg/guard"
)

func TestRecoveryRunPromotesCrashBuffers(t *testing.T) {
	uploader := newFakeUploader()
	registry := newTestRegistry(t)
	store := chunkstore.New(t.TempDir())
	syncService := NewSyncService(registry, store, uploader, &flakyNetwork{}, guard.StaticToken("tok"), SyncServiceOptions{Format: testFormat()})

	createConsultation(t, registry, "crashed", false)
	require.NoError(t, store.SaveTempBuffer("crashed", []string{segment(1, 8), segment(2, 8)}))
	require.NoError(t, registry.PatchFields(context.Background(), "crashed", map[string]interface{}{"has_temp_buffer": true}))
	createConsultation(t, registry, "clean", false)

	recovery := NewRecovery(registry, syncService, nil)
	recovered, err := recovery.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"crashed"}, recovered)

	consultation, err := registry.GetByID(context.Background(), "crashed")
	require.NoError(t, err)
	require.False(t, consultation.HasTempBuffer)
	require.Len(t, consultation.Chunks, 1)

	clean, err := registry.GetByID(context.Background(), "clean")
	require.NoError(t, err)
	require.Empty(t, clean.Chunks)
}
