package service

import (
	"context"
	"encoding/base64"
	"errors"
	"path"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"consult-sync/constant"
	"consult-sync/dto"
	"consult-sync/entities"
	"consult-sync/pkg/audiocodec"
	"consult-sync/pkg/chunkstore"
	"consult-sync/pkg/guard"
	"consult-sync/repository"
)

type fakeUploader struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]dto.ConsultationMetadata

	putErr       error
	emptyKey     bool
	metadataErr  error
	removed      []string
	metadataGone []string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		objects:  make(map[string][]byte),
		metadata: make(map[string]dto.ConsultationMetadata),
	}
}

func (f *fakeUploader) PutChunk(_ context.Context, objectName string, wavData []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	if f.emptyKey {
		return "", nil
	}
	f.objects[objectName] = wavData
	return objectName, nil
}

func (f *fakeUploader) RemoveChunk(_ context.Context, objectName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectName)
	f.removed = append(f.removed, objectName)
	return nil
}

func (f *fakeUploader) UpsertMetadata(_ context.Context, meta dto.ConsultationMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadataErr != nil {
		return f.metadataErr
	}
	f.metadata[meta.SessionId] = meta
	return nil
}

func (f *fakeUploader) RemoveMetadata(_ context.Context, storagePrefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionId, meta := range f.metadata {
		if meta.StoragePrefix == storagePrefix {
			delete(f.metadata, sessionId)
		}
	}
	f.metadataGone = append(f.metadataGone, storagePrefix)
	return nil
}

func (f *fakeUploader) objectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeUploader) hasObject(objectName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[objectName]
	return ok
}

func (f *fakeUploader) metadataFor(sessionId string) (dto.ConsultationMetadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.metadata[sessionId]
	return meta, ok
}

func (f *fakeUploader) setPutError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr = err
}

type flakyNetwork struct {
	mu        sync.Mutex
	connected bool
}

func (n *flakyNetwork) Status(context.Context) guard.NetworkStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return guard.NetworkStatus{Connected: n.connected, Type: "wifi"}
}

func (n *flakyNetwork) set(connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = connected
}

var errTokenExpired = errors.New("token expired")

func failingTokens() guard.TokenProvider {
	return guard.TokenFunc(func(context.Context) (string, error) {
		return "", errTokenExpired
	})
}

func newTestRegistry(t *testing.T) repository.ConsultationRegistry {
	t.Helper()
	registry, err := repository.NewRegistry(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	return registry
}

func createConsultation(t *testing.T, registry repository.ConsultationRegistry, sessionId string, userFinalized bool) *entities.Consultation {
	t.Helper()
	consultation := &entities.Consultation{
		SessionId:     sessionId,
		UserId:        "user-1",
		Bucket:        "consultations",
		UserFinalized: userFinalized,
	}
	require.NoError(t, registry.Create(context.Background(), consultation))
	return consultation
}

func segment(fill byte, samples int) string {
	raw := make([]byte, samples*2)
	for i := range raw {
		raw[i] = fill
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// writePendingChunk persists a chunk file and registers its record, the same
// save-then-record order the live path uses.
func writePendingChunk(t *testing.T, registry repository.ConsultationRegistry, store *chunkstore.Store, sessionId string, index int) string {
	t.Helper()
	localPath, err := store.SaveChunk(sessionId, index, []string{segment(byte(index), 8)})
	require.NoError(t, err)
	require.NoError(t, registry.AddChunk(context.Background(), sessionId, &entities.ChunkRecord{
		ChunkIndex:    index,
		ChunkOrder:    index,
		Status:        constant.ChunkStatusPendingLocal,
		LocalFilePath: &localPath,
		SizeBytes:     16,
	}))
	return localPath
}

func storagePathFor(userId, sessionId string, index int) string {
	return path.Join(entities.StoragePrefix(userId, sessionId), entities.ChunkFileName(index))
}

func testFormat() audiocodec.Format {
	return audiocodec.DefaultFormat()
}
