package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"consult-sync/constant"
	"consult-sync/entities"
)

func newTestRegistry(t *testing.T) ConsultationRegistry {
	t.Helper()
	registry, err := NewRegistry(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	return registry
}

func createConsultation(t *testing.T, registry ConsultationRegistry, sessionId string) *entities.Consultation {
	t.Helper()
	consultation := &entities.Consultation{
		SessionId: sessionId,
		UserId:    "user-1",
		Bucket:    "consultations",
	}
	require.NoError(t, registry.Create(context.Background(), consultation))
	return consultation
}

func addChunk(t *testing.T, registry ConsultationRegistry, sessionId string, index int, status constant.ChunkStatus) {
	t.Helper()
	path := "/tmp/" + entities.ChunkFileName(index)
	require.NoError(t, registry.AddChunk(context.Background(), sessionId, &entities.ChunkRecord{
		ChunkIndex:    index,
		ChunkOrder:    index,
		Status:        status,
		LocalFilePath: &path,
	}))
}

func TestCreateDerivesStoragePrefix(t *testing.T) {
	registry := newTestRegistry(t)
	createConsultation(t, registry, "s1")

	got, err := registry.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "consultations/user-1/s1", got.StoragePrefix)
	require.Equal(t, constant.SyncStatusLocal, got.SyncStatus)
	require.Equal(t, constant.SexUnset, got.Sex)
}

func TestGetByIDNotFound(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := registry.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddChunkMonotonicNextIndex(t *testing.T) {
	registry := newTestRegistry(t)
	createConsultation(t, registry, "s1")

	// Registration order must not matter: NextChunkIndex ends at
	// max(index)+1 and never decreases.
	for _, index := range []int{2, 0, 4, 1, 3} {
		addChunk(t, registry, "s1", index, constant.ChunkStatusPendingLocal)
	}

	got, err := registry.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 5, got.NextChunkIndex)
	require.Len(t, got.Chunks, 5)

	// Chunk storage paths come from the fixed prefix and stable index.
	require.Equal(t, "consultations/user-1/s1/chunk_0000.wav", got.Chunks[0].StoragePath)
}

func TestAddChunkRejectsNegativeIndex(t *testing.T) {
	registry := newTestRegistry(t)
	createConsultation(t, registry, "s1")
	err := registry.AddChunk(context.Background(), "s1", &entities.ChunkRecord{ChunkIndex: -1})
	require.Error(t, err)
}

func TestRecomputeSyncStatus(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []constant.ChunkStatus
		userFinalized bool
		want          constant.SyncStatus
	}{
		{"no chunks", nil, false, constant.SyncStatusLocal},
		{"no chunks finalized", nil, true, constant.SyncStatusLocal},
		{"all pending finalized", []constant.ChunkStatus{constant.ChunkStatusPendingLocal, constant.ChunkStatusPendingLocal, constant.ChunkStatusPendingLocal}, true, constant.SyncStatusLocal},
		{"two of three uploaded", []constant.ChunkStatus{constant.ChunkStatusUploaded, constant.ChunkStatusUploaded, constant.ChunkStatusPendingLocal}, true, constant.SyncStatusPartial},
		{"all uploaded finalized", []constant.ChunkStatus{constant.ChunkStatusUploaded, constant.ChunkStatusUploaded, constant.ChunkStatusUploaded}, true, constant.SyncStatusSynced},
		// All uploaded without the user stop falls through the partial
		// clause ("uploaded but not all") to local.
		{"all uploaded not finalized", []constant.ChunkStatus{constant.ChunkStatusUploaded, constant.ChunkStatusUploaded}, false, constant.SyncStatusLocal},
		{"one failed one uploaded", []constant.ChunkStatus{constant.ChunkStatusFailed, constant.ChunkStatusUploaded}, true, constant.SyncStatusPartial},
		{"all failed", []constant.ChunkStatus{constant.ChunkStatusFailed, constant.ChunkStatusFailed}, true, constant.SyncStatusLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newTestRegistry(t)
			createConsultation(t, registry, "s1")
			if tt.userFinalized {
				require.NoError(t, registry.PatchFields(context.Background(), "s1", map[string]interface{}{"user_finalized": true}))
			}
			for i, status := range tt.statuses {
				addChunk(t, registry, "s1", i, status)
			}

			got, err := registry.RecomputeSyncStatus(context.Background(), "s1")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRecomputePreservesDiscarded(t *testing.T) {
	registry := newTestRegistry(t)
	createConsultation(t, registry, "s1")
	addChunk(t, registry, "s1", 0, constant.ChunkStatusUploaded)
	require.NoError(t, registry.MarkDiscarded(context.Background(), "s1", "user request"))

	got, err := registry.RecomputeSyncStatus(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, constant.SyncStatusDiscarded, got)
}

func TestUpdateChunkStatusMergesExtraFields(t *testing.T) {
	registry := newTestRegistry(t)
	createConsultation(t, registry, "s1")
	addChunk(t, registry, "s1", 0, constant.ChunkStatusPendingLocal)

	err := registry.UpdateChunkStatus(context.Background(), "s1", 0, constant.ChunkStatusFailed, map[string]interface{}{
		"last_error": "local file unreadable: gone",
	})
	require.NoError(t, err)

	got, err := registry.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, constant.ChunkStatusFailed, got.Chunks[0].Status)
	require.NotNil(t, got.Chunks[0].LastError)
	require.Contains(t, *got.Chunks[0].LastError, "local file unreadable")
}

func TestGetActiveRecording(t *testing.T) {
	registry := newTestRegistry(t)

	active, err := registry.GetActiveRecording(context.Background())
	require.NoError(t, err)
	require.Nil(t, active)

	createConsultation(t, registry, "s1")
	createConsultation(t, registry, "s2")
	require.NoError(t, registry.PatchFields(context.Background(), "s1", map[string]interface{}{"user_finalized": true}))

	active, err = registry.GetActiveRecording(context.Background())
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, "s2", active.SessionId)

	require.NoError(t, registry.MarkDiscarded(context.Background(), "s2", ""))
	active, err = registry.GetActiveRecording(context.Background())
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestGetIncomplete(t *testing.T) {
	registry := newTestRegistry(t)
	createConsultation(t, registry, "local")

	createConsultation(t, registry, "partial")
	require.NoError(t, registry.PatchFields(context.Background(), "partial", map[string]interface{}{"user_finalized": true}))
	addChunk(t, registry, "partial", 0, constant.ChunkStatusUploaded)
	addChunk(t, registry, "partial", 1, constant.ChunkStatusPendingLocal)

	createConsultation(t, registry, "synced")
	require.NoError(t, registry.PatchFields(context.Background(), "synced", map[string]interface{}{"user_finalized": true}))
	addChunk(t, registry, "synced", 0, constant.ChunkStatusUploaded)

	createConsultation(t, registry, "discarded")
	require.NoError(t, registry.MarkDiscarded(context.Background(), "discarded", ""))

	incomplete, err := registry.GetIncomplete(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(incomplete))
	for _, c := range incomplete {
		ids = append(ids, c.SessionId)
	}
	require.ElementsMatch(t, []string{"local", "partial"}, ids)
}

func TestValidateResetsInterruptedUploads(t *testing.T) {
	registry := newTestRegistry(t)
	createConsultation(t, registry, "s1")
	addChunk(t, registry, "s1", 0, constant.ChunkStatusUploading)

	require.NoError(t, registry.Validate(context.Background()))

	got, err := registry.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, constant.ChunkStatusPendingLocal, got.Chunks[0].Status)
}
