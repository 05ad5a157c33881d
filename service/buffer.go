package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"consult-sync/constant"
	"consult-sync/dto"
	"consult-sync/pkg/chunkstore"
)

type FlushFunc func(ctx context.Context, chunk dto.FlushedChunk) error

type BufferManagerOptions struct {
	FlushThresholdSegments int
	DiskCheckEverySegments int
	DiskLowThresholdBytes  int64
	OnFlush                FlushFunc
	OnLowDisk              func(freeBytes uint64)
	OnPersistError         func(err error)
}

// BufferManager accumulates live audio segments, persists the rolling temp
// buffer continuously, and emits a flush every threshold segments.
type BufferManager struct {
	store *chunkstore.Store
	opts  BufferManagerOptions

	mu             sync.Mutex
	sessionId      string
	segments       []string
	nextChunkIndex int
	anchor         int64 // stream byte offset of segments[0]
	position       int64 // current stream byte position
	sinceDiskCheck int

	// debounced persistence: one write in flight, dirty re-triggers once
	writing bool
	dirty   bool
	writeWg sync.WaitGroup
}

func NewBufferManager(store *chunkstore.Store, opts BufferManagerOptions) *BufferManager {
	if opts.FlushThresholdSegments <= 0 {
		opts.FlushThresholdSegments = constant.DefaultFlushThresholdSegments
	}
	if opts.DiskCheckEverySegments <= 0 {
		opts.DiskCheckEverySegments = constant.DefaultDiskCheckEverySegments
	}
	if opts.DiskLowThresholdBytes <= 0 {
		opts.DiskLowThresholdBytes = constant.DefaultDiskLowThresholdBytes
	}
	return &BufferManager{store: store, opts: opts}
}

func (b *BufferManager) Begin(sessionId string, startIndex int, startPosition int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionId = sessionId
	b.segments = nil
	b.nextChunkIndex = startIndex
	b.anchor = startPosition
	b.position = startPosition
	b.sinceDiskCheck = 0
	b.dirty = false
}

func (b *BufferManager) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

func (b *BufferManager) Append(ctx context.Context, segment string, sizeBytes int) error {
	b.mu.Lock()
	if b.sessionId == "" {
		b.mu.Unlock()
		return nil
	}
	b.segments = append(b.segments, segment)
	b.position += int64(sizeBytes)
	b.sinceDiskCheck++
	checkDisk := b.sinceDiskCheck >= b.opts.DiskCheckEverySegments
	if checkDisk {
		b.sinceDiskCheck = 0
	}

	if len(b.segments) >= b.opts.FlushThresholdSegments {
		chunk := b.takeChunkLocked()
		b.mu.Unlock()
		if checkDisk {
			b.checkDiskSpace(ctx)
		}
		return b.emit(ctx, chunk)
	}

	b.persistLocked()
	b.mu.Unlock()

	if checkDisk {
		b.checkDiskSpace(ctx)
	}
	return nil
}

// FlushRemaining emits whatever partial buffer remains as a final chunk.
func (b *BufferManager) FlushRemaining(ctx context.Context) error {
	b.mu.Lock()
	if b.sessionId == "" || len(b.segments) == 0 {
		b.mu.Unlock()
		return nil
	}
	chunk := b.takeChunkLocked()
	b.mu.Unlock()
	return b.emit(ctx, chunk)
}

func (b *BufferManager) End() {
	b.writeWg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionId = ""
	b.segments = nil
}

// caller holds b.mu
func (b *BufferManager) takeChunkLocked() dto.FlushedChunk {
	chunk := dto.FlushedChunk{
		SessionId:      b.sessionId,
		ChunkIndex:     b.nextChunkIndex,
		StreamPosition: b.anchor,
		Segments:       b.segments,
	}
	b.segments = nil
	b.nextChunkIndex++
	b.anchor = b.position
	return chunk
}

// emit hands the chunk to the flush callback, then deletes the temp buffer.
func (b *BufferManager) emit(ctx context.Context, chunk dto.FlushedChunk) error {
	if b.opts.OnFlush != nil {
		if err := b.opts.OnFlush(ctx, chunk); err != nil {
			b.reportPersistError(err)
			return err
		}
	}
	// a debounced write started before the flush must not land after the
	// delete and resurrect segments the chunk file already holds
	b.writeWg.Wait()
	if err := b.store.DeleteTempBuffer(chunk.SessionId); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", chunk.SessionId).Msg("failed to delete temp buffer after flush")
	}
	return nil
}

// persistLocked schedules a whole-buffer overwrite of the temp file: even an
// interrupted write leaves a complete prefix, never a torn tail. Caller holds
// b.mu.
func (b *BufferManager) persistLocked() {
	if b.writing {
		b.dirty = true
		return
	}
	b.writing = true
	sessionId := b.sessionId
	snapshot := append([]string(nil), b.segments...)

	b.writeWg.Add(1)
	go func() {
		defer b.writeWg.Done()
		for {
			if err := b.store.SaveTempBuffer(sessionId, snapshot); err != nil {
				b.reportPersistError(err)
			}
			b.mu.Lock()
			if b.dirty && b.sessionId == sessionId {
				b.dirty = false
				snapshot = append([]string(nil), b.segments...)
				b.mu.Unlock()
				continue
			}
			b.writing = false
			b.mu.Unlock()
			return
		}
	}()
}

func (b *BufferManager) checkDiskSpace(ctx context.Context) {
	free, err := b.store.FreeDiskBytes()
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to probe free disk space")
		return
	}
	if chunkstore.IsLow(free, b.opts.DiskLowThresholdBytes) && b.opts.OnLowDisk != nil {
		b.opts.OnLowDisk(free)
	}
}

func (b *BufferManager) reportPersistError(err error) {
	if b.opts.OnPersistError != nil {
		b.opts.OnPersistError(err)
	}
}
