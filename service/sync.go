package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"consult-sync/constant"
	"consult-sync/dto"
	"consult-sync/entities"
	"consult-sync/pkg/audiocodec"
	"consult-sync/pkg/chunkstore"
	"consult-sync/pkg/guard"
	"consult-sync/repository"
)

// SyncService is the batch reconciliation path for finished sessions.
type SyncService struct {
	registry repository.ConsultationRegistry
	store    *chunkstore.Store
	uploader ChunkUploader
	network  guard.Network
	tokens   guard.TokenProvider

	maxParallel int
	format      audiocodec.Format
}

type SyncServiceOptions struct {
	MaxParallelUploads int
	Format             audiocodec.Format
}

func NewSyncService(
	registry repository.ConsultationRegistry,
	store *chunkstore.Store,
	uploader ChunkUploader,
	network guard.Network,
	tokens guard.TokenProvider,
	opts SyncServiceOptions,
) *SyncService {
	if opts.MaxParallelUploads < 1 {
		opts.MaxParallelUploads = constant.DefaultMaxParallelUploads
	}
	if opts.Format == (audiocodec.Format{}) {
		opts.Format = audiocodec.DefaultFormat()
	}
	return &SyncService{
		registry:    registry,
		store:       store,
		uploader:    uploader,
		network:     network,
		tokens:      tokens,
		maxParallel: opts.MaxParallelUploads,
		format:      opts.Format,
	}
}

// UploadPending pushes every non-uploaded chunk through a bounded worker
// pool. Chunks are independent: one failure never blocks another's success.
// Returns true only if zero failures remain.
func (s *SyncService) UploadPending(ctx context.Context, sessionId string) (bool, error) {
	consultation, err := s.registry.GetByID(ctx, sessionId)
	if err != nil {
		return false, err
	}

	pending := make([]entities.ChunkRecord, 0, len(consultation.Chunks))
	for _, chunk := range consultation.Chunks {
		if chunk.Status != constant.ChunkStatusUploaded {
			pending = append(pending, chunk)
		}
	}
	if len(pending) == 0 {
		return true, nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ChunkOrder < pending[j].ChunkOrder })

	// both guards up front: abort with no partial side effects
	if !s.network.Status(ctx).Connected {
		return false, errors.New("network unreachable")
	}
	if _, err := s.tokens.ValidToken(ctx); err != nil {
		return false, fmt.Errorf("no valid access token: %w", err)
	}

	jobs := make(chan entities.ChunkRecord, len(pending))
	for _, chunk := range pending {
		jobs <- chunk
	}
	close(jobs)

	var failures int
	var mu sync.Mutex
	var wg sync.WaitGroup
	workers := s.maxParallel
	if workers > len(pending) {
		workers = len(pending)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range jobs {
				if err := s.uploadChunk(ctx, sessionId, chunk); err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	return failures == 0, nil
}

func (s *SyncService) uploadChunk(ctx context.Context, sessionId string, chunk entities.ChunkRecord) error {
	logger := zerolog.Ctx(ctx).With().Str("session_id", sessionId).Int("chunk_index", chunk.ChunkIndex).Logger()

	if err := s.registry.UpdateChunkStatus(ctx, sessionId, chunk.ChunkIndex, constant.ChunkStatusUploading, nil); err != nil {
		return err
	}

	fail := func(cause error) error {
		logger.Error().Err(cause).Msg("chunk upload failed")
		if err := s.registry.UpdateChunkStatus(ctx, sessionId, chunk.ChunkIndex, constant.ChunkStatusFailed, map[string]interface{}{
			"last_error": cause.Error(),
		}); err != nil {
			logger.Error().Err(err).Msg("failed to record chunk failure")
		}
		return cause
	}

	if chunk.LocalFilePath == nil {
		return fail(errors.New("local file unreadable: no local file path recorded"))
	}
	lines, err := s.store.ReadChunk(*chunk.LocalFilePath)
	if err != nil {
		// terminal for this chunk, not for the session
		return fail(fmt.Errorf("local file unreadable: %w", err))
	}
	pcm, err := audiocodec.DecodeSegments(lines)
	if err != nil {
		return fail(fmt.Errorf("local file unreadable: %w", err))
	}
	wavData, err := audiocodec.EncodeWAV(pcm, s.format)
	if err != nil {
		return fail(err)
	}

	key, err := s.uploader.PutChunk(ctx, chunk.StoragePath, wavData)
	if err == nil && key == "" {
		err = ErrEmptyObjectKey
	}
	if err != nil {
		return fail(err)
	}

	// local file stays until finalize confirms the metadata write
	return s.registry.UpdateChunkStatus(ctx, sessionId, chunk.ChunkIndex, constant.ChunkStatusUploaded, map[string]interface{}{
		"last_error": nil,
	})
}

// Finalize upserts the remote metadata record, then prunes local files, then
// marks the consultation synced. Local files are deleted only after the
// metadata write is confirmed. Idempotent.
func (s *SyncService) Finalize(ctx context.Context, sessionId string) error {
	consultation, err := s.registry.GetByID(ctx, sessionId)
	if err != nil {
		return err
	}
	if consultation.SyncStatus == constant.SyncStatusDiscarded {
		return errors.Join(ErrNonRetryable, fmt.Errorf("session %s is discarded", sessionId))
	}

	if len(consultation.Chunks) == 0 {
		if err := s.registry.MarkDiscarded(ctx, sessionId, "no audio was recorded"); err != nil {
			return err
		}
		return errors.Join(ErrNonRetryable, fmt.Errorf("session %s has no chunks, marked discarded", sessionId))
	}

	for _, chunk := range consultation.Chunks {
		if chunk.Status != constant.ChunkStatusUploaded {
			return fmt.Errorf("chunk %d is %s, not uploaded", chunk.ChunkIndex, chunk.Status)
		}
	}

	now := time.Now()
	finishedAt := consultation.FinishedAt
	if finishedAt == nil {
		finishedAt = &now
	}
	meta := dto.ConsultationMetadata{
		SessionId:     consultation.SessionId,
		UserId:        consultation.UserId,
		Bucket:        consultation.Bucket,
		StoragePrefix: consultation.StoragePrefix,
		PatientName:   consultation.PatientName,
		GuardianName:  consultation.GuardianName,
		Sex:           consultation.Sex,
		DurationMs:    consultation.DurationMs,
		ChunkCount:    len(consultation.Chunks),
		Status:        constant.SyncStatusSynced,
		FinalizedAt:   finishedAt,
	}
	// on failure a later retry re-upserts without re-uploading anything
	if err := s.uploader.UpsertMetadata(ctx, meta); err != nil {
		return fmt.Errorf("metadata upsert failed: %w", err)
	}

	for _, chunk := range consultation.Chunks {
		if chunk.LocalFilePath == nil {
			continue
		}
		if err := s.store.DeleteChunk(*chunk.LocalFilePath); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int("chunk_index", chunk.ChunkIndex).Msg("failed to delete local chunk file")
		}
		if err := s.registry.UpdateChunkStatus(ctx, sessionId, chunk.ChunkIndex, constant.ChunkStatusUploaded, map[string]interface{}{
			"local_file_path": nil,
		}); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int("chunk_index", chunk.ChunkIndex).Msg("failed to clear local file path")
		}
	}
	if err := s.store.DeleteSessionDir(sessionId); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sessionId).Msg("failed to delete session directory")
	}

	updates := map[string]interface{}{
		"user_finalized": true,
		"last_error":     nil,
	}
	if consultation.FinishedAt == nil {
		updates["finished_at"] = now
	}
	if err := s.registry.PatchFields(ctx, sessionId, updates); err != nil {
		return err
	}
	if _, err := s.registry.RecomputeSyncStatus(ctx, sessionId); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("session_id", sessionId).Int("chunks", len(consultation.Chunks)).Msg("consultation finalized")
	return nil
}

// Discard drops a consultation: best-effort remote deletes (a missing token
// never blocks local cleanup), then local cleanup, then the discarded mark.
func (s *SyncService) Discard(ctx context.Context, sessionId string) error {
	consultation, err := s.registry.GetByID(ctx, sessionId)
	if err != nil {
		return err
	}

	if _, err := s.tokens.ValidToken(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sessionId).Msg("no token for remote delete, discarding locally only")
	} else {
		for _, chunk := range consultation.Chunks {
			if chunk.Status != constant.ChunkStatusUploaded {
				continue
			}
			if err := s.uploader.RemoveChunk(ctx, chunk.StoragePath); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Int("chunk_index", chunk.ChunkIndex).Msg("failed to delete remote chunk")
			}
		}
		if err := s.uploader.RemoveMetadata(ctx, consultation.StoragePrefix); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sessionId).Msg("failed to delete remote metadata")
		}
	}

	if err := s.store.DeleteSessionDir(sessionId); err != nil {
		return err
	}
	for _, chunk := range consultation.Chunks {
		if chunk.LocalFilePath == nil {
			continue
		}
		if err := s.registry.UpdateChunkStatus(ctx, sessionId, chunk.ChunkIndex, chunk.Status, map[string]interface{}{
			"local_file_path": nil,
		}); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int("chunk_index", chunk.ChunkIndex).Msg("failed to clear local file path")
		}
	}

	return s.registry.MarkDiscarded(ctx, sessionId, "")
}

// RecoverCrashedSession promotes a leftover temp buffer into a chunk at the
// session's next index. A missing or empty buffer only clears the flag.
func (s *SyncService) RecoverCrashedSession(ctx context.Context, sessionId string) error {
	consultation, err := s.registry.GetByID(ctx, sessionId)
	if err != nil {
		return err
	}
	if !consultation.HasTempBuffer || consultation.UserFinalized {
		return nil
	}

	lines, err := s.store.ReadTempBuffer(sessionId)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		if err := s.store.DeleteTempBuffer(sessionId); err != nil {
			return err
		}
		return s.registry.PatchFields(ctx, sessionId, map[string]interface{}{"has_temp_buffer": false})
	}

	index := consultation.NextChunkIndex
	localPath, err := s.store.SaveChunk(sessionId, index, lines)
	if err != nil {
		return err
	}

	var position int64
	for _, chunk := range consultation.Chunks {
		if end := chunk.StreamPosition + chunk.SizeBytes; end > position {
			position = end
		}
	}
	record := &entities.ChunkRecord{
		ChunkIndex:     index,
		ChunkOrder:     index,
		Status:         constant.ChunkStatusPendingLocal,
		LocalFilePath:  &localPath,
		SizeBytes:      decodedSize(lines),
		StreamPosition: position,
	}
	if err := s.registry.AddChunk(ctx, sessionId, record); err != nil {
		return err
	}
	if err := s.store.DeleteTempBuffer(sessionId); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("session_id", sessionId).Int("chunk_index", index).Int("segments", len(lines)).Msg("promoted crash buffer to chunk")
	return s.registry.PatchFields(ctx, sessionId, map[string]interface{}{"has_temp_buffer": false})
}

// AutoSync sweeps every incomplete consultation. Sessions still being
// recorded are never touched; one session's failure never aborts the sweep.
func (s *SyncService) AutoSync(ctx context.Context) []dto.SyncOutcome {
	consultations, err := s.registry.GetIncomplete(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("auto sync failed to list incomplete consultations")
		return nil
	}

	outcomes := make([]dto.SyncOutcome, 0, len(consultations))
	for _, consultation := range consultations {
		if !consultation.UserFinalized {
			continue
		}
		outcome := s.syncOne(ctx, consultation.SessionId)
		outcomes = append(outcomes, outcome)
		event := zerolog.Ctx(ctx).Info()
		if outcome.Error != "" {
			event = zerolog.Ctx(ctx).Warn().Str("error", outcome.Error)
		}
		event.
			Str("session_id", outcome.SessionId).
			Int("uploaded", outcome.Uploaded).
			Int("failed", outcome.Failed).
			Bool("finalized", outcome.Finalized).
			Msg("auto sync session outcome")
	}
	return outcomes
}

func (s *SyncService) syncOne(ctx context.Context, sessionId string) dto.SyncOutcome {
	outcome := dto.SyncOutcome{SessionId: sessionId}

	fail := func(err error) dto.SyncOutcome {
		outcome.Error = err.Error()
		if recErr := s.registry.RecordSweepError(ctx, sessionId, err); recErr != nil {
			zerolog.Ctx(ctx).Error().Err(recErr).Str("session_id", sessionId).Msg("failed to record sweep error")
		}
		return outcome
	}

	ok, err := s.UploadPending(ctx, sessionId)
	if err != nil {
		return fail(err)
	}

	consultation, err := s.registry.GetByID(ctx, sessionId)
	if err != nil {
		return fail(err)
	}
	for _, chunk := range consultation.Chunks {
		switch chunk.Status {
		case constant.ChunkStatusUploaded:
			outcome.Uploaded++
		case constant.ChunkStatusFailed:
			outcome.Failed++
		}
	}
	if !ok {
		return fail(fmt.Errorf("%d chunk(s) failed to upload", outcome.Failed))
	}

	if err := s.Finalize(ctx, sessionId); err != nil {
		if errors.Is(err, ErrNonRetryable) {
			outcome.Error = err.Error()
			return outcome
		}
		return fail(err)
	}
	outcome.Finalized = true
	return outcome
}
