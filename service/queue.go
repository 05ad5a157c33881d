package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"consult-sync/constant"
	"consult-sync/dto"
	"consult-sync/entities"
	"consult-sync/pkg/audiocodec"
	"consult-sync/pkg/chunkstore"
	"consult-sync/pkg/guard"
	"consult-sync/repository"
)

const queueDepth = 256

type UploadQueueOptions struct {
	ContinuousRetryDelay  time.Duration
	ImmediateRetryBackoff []time.Duration
	Format                audiocodec.Format
}

type uploadJob struct {
	// captured at enqueue time so a session switch mid-upload cannot
	// misattribute the chunk
	sessionId   string
	chunkIndex  int
	localPath   string
	storagePath string
}

// UploadQueue is the live upload pipeline: chunks are durable on local disk
// before Enqueue returns, the remote upload is best-effort behind that.
type UploadQueue struct {
	store    *chunkstore.Store
	registry repository.ConsultationRegistry
	uploader ChunkUploader
	network  guard.Network
	tokens   guard.TokenProvider
	opts     UploadQueueOptions

	mu            sync.Mutex
	sessionId     string
	storagePrefix string
	jobs          chan uploadJob
	halted        bool
	retryPending  bool
	retryTimer    *time.Timer
	inFlight      bool

	progress    dto.UploadProgress
	subscribers map[int]func(dto.UploadProgress)
	nextSubId   int
}

func NewUploadQueue(
	store *chunkstore.Store,
	registry repository.ConsultationRegistry,
	uploader ChunkUploader,
	network guard.Network,
	tokens guard.TokenProvider,
	opts UploadQueueOptions,
) *UploadQueue {
	if opts.ContinuousRetryDelay <= 0 {
		opts.ContinuousRetryDelay = constant.DefaultContinuousRetryDelay
	}
	if len(opts.ImmediateRetryBackoff) == 0 {
		opts.ImmediateRetryBackoff = []time.Duration{time.Second, 3 * time.Second, 8 * time.Second}
	}
	if opts.Format == (audiocodec.Format{}) {
		opts.Format = audiocodec.DefaultFormat()
	}
	return &UploadQueue{
		store:       store,
		registry:    registry,
		uploader:    uploader,
		network:     network,
		tokens:      tokens,
		opts:        opts,
		halted:      true,
		subscribers: make(map[int]func(dto.UploadProgress)),
	}
}

func (q *UploadQueue) SetSession(ctx context.Context, sessionId string) error {
	q.ClearSession(ctx)

	consultation, err := q.registry.GetByID(ctx, sessionId)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.sessionId = sessionId
	q.storagePrefix = consultation.StoragePrefix
	q.jobs = make(chan uploadJob, queueDepth)
	q.halted = false
	q.retryPending = false
	q.progress = dto.UploadProgress{SessionId: sessionId}
	jobs := q.jobs
	q.mu.Unlock()

	go q.run(ctx, jobs)
	return nil
}

// ClearSession detaches the queue. Dropped in-memory entries are already on
// disk, so they degrade to local persistence and the batch sweep picks them up.
func (q *UploadQueue) ClearSession(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted && q.jobs == nil {
		return
	}
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	q.retryPending = false
	q.halted = true
	if q.jobs != nil {
		close(q.jobs)
		q.jobs = nil
	}
	zerolog.Ctx(ctx).Debug().Str("session_id", q.sessionId).Msg("upload queue detached from session")
	q.sessionId = ""
	q.storagePrefix = ""
}

// Enqueue persists the chunk to disk and registers it before returning: once
// Enqueue returns, a process kill cannot lose the audio.
func (q *UploadQueue) Enqueue(ctx context.Context, chunk dto.FlushedChunk) error {
	localPath, err := q.store.SaveChunk(chunk.SessionId, chunk.ChunkIndex, chunk.Segments)
	if err != nil {
		return err
	}

	record := &entities.ChunkRecord{
		ChunkIndex:     chunk.ChunkIndex,
		ChunkOrder:     chunk.ChunkIndex,
		Status:         constant.ChunkStatusPendingLocal,
		LocalFilePath:  &localPath,
		SizeBytes:      decodedSize(chunk.Segments),
		StreamPosition: chunk.StreamPosition,
	}
	if err := q.registry.AddChunk(ctx, chunk.SessionId, record); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sessionId == chunk.SessionId {
		q.progress.Total++
	}

	// halted or cooling down: stays local, rediscovered by requeue or sweep
	if q.halted || q.retryPending || q.sessionId != chunk.SessionId {
		q.notifyLocked()
		return nil
	}

	job := uploadJob{
		sessionId:   chunk.SessionId,
		chunkIndex:  chunk.ChunkIndex,
		localPath:   localPath,
		storagePath: record.StoragePath,
	}
	select {
	case q.jobs <- job:
	default:
		zerolog.Ctx(ctx).Warn().Int("chunk_index", chunk.ChunkIndex).Msg("upload queue full, chunk left for batch sweep")
	}
	q.notifyLocked()
	return nil
}

func (q *UploadQueue) Subscribe(fn func(dto.UploadProgress)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSubId
	q.nextSubId++
	q.subscribers[id] = fn
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.subscribers, id)
	}
}

func (q *UploadQueue) Progress() dto.UploadProgress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progress
}

// WaitForDrain polls until the queue is empty and nothing is in flight. A
// false return is not an error: whatever remains is durable locally.
func (q *UploadQueue) WaitForDrain(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		empty := (q.jobs == nil || len(q.jobs) == 0) && !q.inFlight && !q.retryPending
		q.mu.Unlock()
		if empty {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *UploadQueue) run(ctx context.Context, jobs chan uploadJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			// in-flight from dequeue, or WaitForDrain misses a job in preflight
			q.setInFlight(job.sessionId, true)
			q.process(ctx, job)
			q.setInFlight(job.sessionId, false)
		}
	}
}

func (q *UploadQueue) process(ctx context.Context, job uploadJob) {
	logger := zerolog.Ctx(ctx).With().Str("session_id", job.sessionId).Int("chunk_index", job.chunkIndex).Logger()

	// the sweep may have uploaded this chunk since the job was queued
	record, err := q.chunkRecord(ctx, job)
	if err != nil {
		logger.Warn().Err(err).Msg("chunk record gone, skipping upload")
		return
	}
	if record == nil || record.Status == constant.ChunkStatusUploaded {
		return
	}

	// missing connectivity or auth is not a chunk failure: leave it
	// pending_local and retry the backlog after the cooldown
	if !q.network.Status(ctx).Connected {
		logger.Debug().Msg("network unreachable, scheduling cooldown retry")
		q.scheduleContinuousRetry(ctx)
		return
	}
	if _, err := q.tokens.ValidToken(ctx); err != nil {
		logger.Debug().Err(err).Msg("no valid token, scheduling cooldown retry")
		q.scheduleContinuousRetry(ctx)
		return
	}

	if err := q.registry.UpdateChunkStatus(ctx, job.sessionId, job.chunkIndex, constant.ChunkStatusUploading, nil); err != nil {
		logger.Error().Err(err).Msg("failed to mark chunk uploading")
		return
	}

	wavData, err := q.loadChunkWAV(job.localPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load chunk from disk")
		q.requeueLocal(ctx, job, err)
		return
	}

	uploadErr := q.uploadWithBackoff(ctx, job, wavData, &logger)
	if uploadErr != nil {
		logger.Warn().Err(uploadErr).Msg("chunk upload failed, falling back to cooldown retry")
		q.requeueLocal(ctx, job, uploadErr)
		q.scheduleContinuousRetry(ctx)
		return
	}

	if err := q.registry.UpdateChunkStatus(ctx, job.sessionId, job.chunkIndex, constant.ChunkStatusUploaded, map[string]interface{}{
		"local_file_path": nil,
		"last_error":      nil,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark chunk uploaded")
		return
	}
	// remote copy is authoritative now
	if err := q.store.DeleteChunk(job.localPath); err != nil {
		logger.Warn().Err(err).Msg("failed to delete local chunk file")
	}

	q.mu.Lock()
	if q.progress.SessionId == job.sessionId {
		q.progress.Uploaded++
	}
	q.notifyLocked()
	q.mu.Unlock()
	logger.Info().Msg("chunk uploaded")
}

func (q *UploadQueue) uploadWithBackoff(ctx context.Context, job uploadJob, wavData []byte, logger *zerolog.Logger) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		key, err := q.uploader.PutChunk(ctx, job.storagePath, wavData)
		if err == nil && key == "" {
			// success response without an object key is not a success
			err = ErrEmptyObjectKey
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= len(q.opts.ImmediateRetryBackoff) {
			return lastErr
		}
		delay := q.opts.ImmediateRetryBackoff[attempt]
		logger.Debug().Err(err).Dur("delay", delay).Int("attempt", attempt+1).Msg("upload attempt failed, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (q *UploadQueue) loadChunkWAV(localPath string) ([]byte, error) {
	lines, err := q.store.ReadChunk(localPath)
	if err != nil {
		return nil, err
	}
	pcm, err := audiocodec.DecodeSegments(lines)
	if err != nil {
		return nil, err
	}
	return audiocodec.EncodeWAV(pcm, q.opts.Format)
}

func (q *UploadQueue) requeueLocal(ctx context.Context, job uploadJob, cause error) {
	err := q.registry.UpdateChunkStatus(ctx, job.sessionId, job.chunkIndex, constant.ChunkStatusPendingLocal, map[string]interface{}{
		"last_error":  cause.Error(),
		"retry_count": gorm.Expr("retry_count + 1"),
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int("chunk_index", job.chunkIndex).Msg("failed to requeue chunk locally")
	}
}

// scheduleContinuousRetry arms the single cooldown timer; while it is pending
// new chunks stay local-only, and on fire the whole backlog is requeued.
func (q *UploadQueue) scheduleContinuousRetry(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted || q.retryPending {
		return
	}
	q.retryPending = true
	q.retryTimer = time.AfterFunc(q.opts.ContinuousRetryDelay, func() {
		q.requeuePending(ctx)
	})
}

func (q *UploadQueue) requeuePending(ctx context.Context) {
	q.mu.Lock()
	q.retryPending = false
	q.retryTimer = nil
	if q.halted {
		q.mu.Unlock()
		return
	}
	sessionId := q.sessionId
	q.mu.Unlock()

	consultation, err := q.registry.GetByID(ctx, sessionId)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionId).Msg("cooldown requeue failed to load session")
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted || q.sessionId != sessionId {
		return
	}
	requeued := 0
	for _, chunk := range consultation.Chunks {
		if chunk.Status != constant.ChunkStatusPendingLocal || chunk.LocalFilePath == nil {
			continue
		}
		job := uploadJob{
			sessionId:   sessionId,
			chunkIndex:  chunk.ChunkIndex,
			localPath:   *chunk.LocalFilePath,
			storagePath: chunk.StoragePath,
		}
		select {
		case q.jobs <- job:
			requeued++
		default:
		}
	}
	if requeued > 0 {
		zerolog.Ctx(ctx).Info().Str("session_id", sessionId).Int("chunks", requeued).Msg("requeued pending chunks after cooldown")
	}
}

func (q *UploadQueue) chunkRecord(ctx context.Context, job uploadJob) (*entities.ChunkRecord, error) {
	consultation, err := q.registry.GetByID(ctx, job.sessionId)
	if err != nil {
		return nil, err
	}
	for i := range consultation.Chunks {
		if consultation.Chunks[i].ChunkIndex == job.chunkIndex {
			return &consultation.Chunks[i], nil
		}
	}
	return nil, nil
}

func (q *UploadQueue) setInFlight(sessionId string, inFlight bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = inFlight
	if q.progress.SessionId == sessionId {
		if inFlight {
			q.progress.Uploading = 1
		} else {
			q.progress.Uploading = 0
		}
		q.notifyLocked()
	}
}

func (q *UploadQueue) notifyLocked() {
	snapshot := q.progress
	for _, fn := range q.subscribers {
		go fn(snapshot)
	}
}

func decodedSize(segments []string) int64 {
	var total int64
	for _, segment := range segments {
		pad := 0
		if strings.HasSuffix(segment, "==") {
			pad = 2
		} else if strings.HasSuffix(segment, "=") {
			pad = 1
		}
		total += int64(len(segment)/4*3 - pad)
	}
	return total
}
