package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"consult-sync/constant"
	"consult-sync/dto"
	"consult-sync/entities"
	"consult-sync/pkg/chunkstore"
	"consult-sync/repository"
)

// RecordingSession orchestrates one live recording, wiring capture events
// into the buffer manager and buffer flushes into the upload queue.
type RecordingSession struct {
	registry repository.ConsultationRegistry
	store    *chunkstore.Store
	queue    *UploadQueue
	buffer   *BufferManager
	sync     *SyncService

	drainTimeout time.Duration
	clock        func() time.Time

	mu          sync.Mutex
	sessionId   string
	startedAt   time.Time
	paused      bool
	pausedFor   time.Duration
	pausedAt    time.Time
	tempFlagged bool
}

type StartParams struct {
	UserId       string
	PatientName  string
	GuardianName string
	Sex          constant.Sex
	Bucket       string
}

func NewRecordingSession(
	registry repository.ConsultationRegistry,
	store *chunkstore.Store,
	queue *UploadQueue,
	buffer *BufferManager,
	syncService *SyncService,
	drainTimeout time.Duration,
) *RecordingSession {
	if drainTimeout <= 0 {
		drainTimeout = constant.DefaultDrainTimeout
	}
	return &RecordingSession{
		registry:     registry,
		store:        store,
		queue:        queue,
		buffer:       buffer,
		sync:         syncService,
		drainTimeout: drainTimeout,
		clock:        time.Now,
	}
}

// Start creates a new consultation and attaches the pipeline to it. A
// still-active prior session is force-finalized first.
func (r *RecordingSession) Start(ctx context.Context, params StartParams) (string, error) {
	active, err := r.registry.GetActiveRecording(ctx)
	if err != nil {
		return "", err
	}
	if active != nil {
		zerolog.Ctx(ctx).Warn().Str("session_id", active.SessionId).Msg("force-finalizing previous active session")
		if err := r.forceFinalize(ctx, active.SessionId); err != nil {
			return "", err
		}
	}

	sessionId := uuid.NewString()
	sex := params.Sex
	if sex == "" {
		sex = constant.SexUnset
	}
	consultation := &entities.Consultation{
		SessionId:     sessionId,
		UserId:        params.UserId,
		PatientName:   params.PatientName,
		GuardianName:  params.GuardianName,
		Sex:           sex,
		Bucket:        params.Bucket,
		StoragePrefix: entities.StoragePrefix(params.UserId, sessionId),
		SyncStatus:    constant.SyncStatusLocal,
		CreatedAt:     r.clock(),
	}
	if err := r.registry.Create(ctx, consultation); err != nil {
		return "", err
	}
	if _, err := r.store.EnsureSessionDir(sessionId); err != nil {
		return "", err
	}
	if err := r.queue.SetSession(ctx, sessionId); err != nil {
		return "", err
	}
	r.buffer.Begin(sessionId, 0, 0)

	r.mu.Lock()
	r.sessionId = sessionId
	r.startedAt = r.clock()
	r.paused = false
	r.pausedFor = 0
	r.tempFlagged = false
	r.mu.Unlock()

	zerolog.Ctx(ctx).Info().Str("session_id", sessionId).Msg("recording started")
	return sessionId, nil
}

// HandleAudio feeds one capture event into the buffer manager.
func (r *RecordingSession) HandleAudio(ctx context.Context, event dto.CaptureEvent) error {
	r.mu.Lock()
	sessionId := r.sessionId
	paused := r.paused
	needsFlag := !r.tempFlagged
	if needsFlag {
		r.tempFlagged = true
	}
	r.mu.Unlock()
	if sessionId == "" {
		return errors.New("no active recording")
	}
	if paused {
		return nil
	}

	if needsFlag {
		if err := r.registry.PatchFields(ctx, sessionId, map[string]interface{}{"has_temp_buffer": true}); err != nil {
			return err
		}
	}
	return r.buffer.Append(ctx, event.AudioData, event.Size)
}

func (r *RecordingSession) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionId == "" || r.paused {
		return
	}
	r.paused = true
	r.pausedAt = r.clock()
}

func (r *RecordingSession) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}
	r.paused = false
	r.pausedFor += r.clock().Sub(r.pausedAt)
}

// Stop flushes the partial buffer, waits a bounded time for the queue to
// drain, marks the consultation finished, and reconciles in the background.
func (r *RecordingSession) Stop(ctx context.Context) error {
	r.mu.Lock()
	sessionId := r.sessionId
	durationMs := int64(0)
	if sessionId != "" {
		elapsed := r.clock().Sub(r.startedAt) - r.pausedFor
		if r.paused {
			elapsed -= r.clock().Sub(r.pausedAt)
		}
		durationMs = elapsed.Milliseconds()
	}
	r.sessionId = ""
	r.mu.Unlock()
	if sessionId == "" {
		return errors.New("no active recording")
	}

	if err := r.buffer.FlushRemaining(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionId).Msg("failed to flush remaining buffer")
	}
	r.buffer.End()

	if !r.queue.WaitForDrain(ctx, r.drainTimeout) {
		zerolog.Ctx(ctx).Warn().Str("session_id", sessionId).Msg("queue did not drain before timeout, leaving rest to sweep")
	}
	r.queue.ClearSession(ctx)

	now := r.clock()
	if err := r.registry.PatchFields(ctx, sessionId, map[string]interface{}{
		"user_finalized":  true,
		"finished_at":     now,
		"duration_ms":     durationMs,
		"has_temp_buffer": false,
	}); err != nil {
		return err
	}
	if _, err := r.registry.RecomputeSyncStatus(ctx, sessionId); err != nil {
		return err
	}

	go r.reconcile(ctx, sessionId)

	zerolog.Ctx(ctx).Info().Str("session_id", sessionId).Int64("duration_ms", durationMs).Msg("recording stopped")
	return nil
}

func (r *RecordingSession) ActiveSessionId() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionId
}

// forceFinalize closes out a session that was still marked active.
func (r *RecordingSession) forceFinalize(ctx context.Context, sessionId string) error {
	r.queue.ClearSession(ctx)
	r.buffer.End()
	if err := r.sync.RecoverCrashedSession(ctx, sessionId); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sessionId).Msg("crash buffer recovery failed during force finalize")
	}
	if err := r.registry.PatchFields(ctx, sessionId, map[string]interface{}{
		"user_finalized":  true,
		"finished_at":     r.clock(),
		"has_temp_buffer": false,
	}); err != nil {
		return err
	}
	if _, err := r.registry.RecomputeSyncStatus(ctx, sessionId); err != nil {
		return err
	}
	go r.reconcile(ctx, sessionId)
	return nil
}

func (r *RecordingSession) reconcile(ctx context.Context, sessionId string) {
	ok, err := r.sync.UploadPending(ctx, sessionId)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sessionId).Msg("post-stop upload pending failed, sweep will retry")
		return
	}
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("session_id", sessionId).Msg("post-stop upload left failed chunks, sweep will retry")
		return
	}
	if err := r.sync.Finalize(ctx, sessionId); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sessionId).Msg("post-stop finalize failed, sweep will retry")
	}
}
