package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"consult-sync/constant"
	"consult-sync/entities"
)

// ConsultationRegistry is the single source of truth for consultation and
// chunk state.
type ConsultationRegistry interface {
	GetDB() *gorm.DB
	Create(ctx context.Context, consultation *entities.Consultation) error
	GetByID(ctx context.Context, sessionId string) (*entities.Consultation, error)
	GetAll(ctx context.Context) ([]*entities.Consultation, error)
	GetByStatus(ctx context.Context, status constant.SyncStatus) ([]*entities.Consultation, error)
	GetIncomplete(ctx context.Context) ([]*entities.Consultation, error)
	GetActiveRecording(ctx context.Context) (*entities.Consultation, error)
	PatchFields(ctx context.Context, sessionId string, updates map[string]interface{}) error
	AddChunk(ctx context.Context, sessionId string, chunk *entities.ChunkRecord) error
	UpdateChunkStatus(ctx context.Context, sessionId string, chunkIndex int, status constant.ChunkStatus, extra map[string]interface{}) error
	MarkDiscarded(ctx context.Context, sessionId string, reason string) error
	RecordSweepError(ctx context.Context, sessionId string, sweepErr error) error
	RecomputeSyncStatus(ctx context.Context, sessionId string) (constant.SyncStatus, error)
	Validate(ctx context.Context) error
}

var ErrNotFound = errors.New("consultation not found")

type registry struct {
	db *gorm.DB
}

func NewRegistry(databasePath string) (ConsultationRegistry, error) {
	gormDB, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := gormDB.AutoMigrate(&entities.Consultation{}, &entities.ChunkRecord{}); err != nil {
		return nil, err
	}
	return &registry{db: gormDB}, nil
}

func (r *registry) GetDB() *gorm.DB {
	return r.db
}

func (r *registry) Create(ctx context.Context, consultation *entities.Consultation) error {
	if consultation.SessionId == "" {
		return errors.New("session id is required")
	}
	if consultation.StoragePrefix == "" {
		consultation.StoragePrefix = entities.StoragePrefix(consultation.UserId, consultation.SessionId)
	}
	if consultation.Sex == "" {
		consultation.Sex = constant.SexUnset
	}
	if consultation.SyncStatus == "" {
		consultation.SyncStatus = constant.SyncStatusLocal
	}
	return r.GetDB().WithContext(ctx).Create(consultation).Error
}

func (r *registry) GetByID(ctx context.Context, sessionId string) (*entities.Consultation, error) {
	consultation := &entities.Consultation{}
	err := r.GetDB().WithContext(ctx).
		Preload("Chunks", func(db *gorm.DB) *gorm.DB { return db.Order("chunk_order ASC") }).
		First(consultation, "session_id = ?", sessionId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionId)
		}
		return nil, err
	}
	return consultation, nil
}

func (r *registry) GetAll(ctx context.Context) ([]*entities.Consultation, error) {
	var consultations []*entities.Consultation
	err := r.GetDB().WithContext(ctx).
		Preload("Chunks", func(db *gorm.DB) *gorm.DB { return db.Order("chunk_order ASC") }).
		Order("created_at DESC").
		Find(&consultations).Error
	if err != nil {
		return nil, err
	}
	return consultations, nil
}

func (r *registry) GetByStatus(ctx context.Context, status constant.SyncStatus) ([]*entities.Consultation, error) {
	var consultations []*entities.Consultation
	err := r.GetDB().WithContext(ctx).
		Preload("Chunks", func(db *gorm.DB) *gorm.DB { return db.Order("chunk_order ASC") }).
		Where("sync_status = ?", status).
		Order("created_at DESC").
		Find(&consultations).Error
	if err != nil {
		return nil, err
	}
	return consultations, nil
}

func (r *registry) GetIncomplete(ctx context.Context) ([]*entities.Consultation, error) {
	var consultations []*entities.Consultation
	err := r.GetDB().WithContext(ctx).
		Preload("Chunks", func(db *gorm.DB) *gorm.DB { return db.Order("chunk_order ASC") }).
		Where("sync_status IN ?", []constant.SyncStatus{constant.SyncStatusLocal, constant.SyncStatusPartial}).
		Order("created_at DESC").
		Find(&consultations).Error
	if err != nil {
		return nil, err
	}
	return consultations, nil
}

// GetActiveRecording returns the consultation still being recorded, or nil.
func (r *registry) GetActiveRecording(ctx context.Context) (*entities.Consultation, error) {
	consultation := &entities.Consultation{}
	err := r.GetDB().WithContext(ctx).
		Preload("Chunks", func(db *gorm.DB) *gorm.DB { return db.Order("chunk_order ASC") }).
		Where("user_finalized = ? AND sync_status <> ?", false, constant.SyncStatusDiscarded).
		Order("created_at DESC").
		First(consultation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return consultation, nil
}

func (r *registry) PatchFields(ctx context.Context, sessionId string, updates map[string]interface{}) error {
	res := r.GetDB().WithContext(ctx).
		Model(&entities.Consultation{}).
		Where("session_id = ?", sessionId).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionId)
	}
	return nil
}

// AddChunk registers a chunk record and advances NextChunkIndex. The caller
// must have written the chunk file to disk first (save-then-record).
func (r *registry) AddChunk(ctx context.Context, sessionId string, chunk *entities.ChunkRecord) error {
	if chunk.ChunkIndex < 0 {
		return fmt.Errorf("chunk index %d is negative", chunk.ChunkIndex)
	}
	err := r.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		consultation := &entities.Consultation{}
		if err := tx.First(consultation, "session_id = ?", sessionId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, sessionId)
			}
			return err
		}

		if chunk.ID == uuid.Nil {
			chunk.ID = uuid.New()
		}
		chunk.SessionId = sessionId
		if chunk.Status == "" {
			chunk.Status = constant.ChunkStatusPendingLocal
		}
		if chunk.StoragePath == "" {
			chunk.StoragePath = entities.ChunkStoragePath(consultation.StoragePrefix, chunk.ChunkIndex)
		}
		if err := tx.Create(chunk).Error; err != nil {
			return err
		}

		if next := chunk.ChunkIndex + 1; next > consultation.NextChunkIndex {
			if err := tx.Model(consultation).Update("next_chunk_index", next).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = r.RecomputeSyncStatus(ctx, sessionId)
	return err
}

func (r *registry) UpdateChunkStatus(ctx context.Context, sessionId string, chunkIndex int, status constant.ChunkStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.GetDB().WithContext(ctx).
		Model(&entities.ChunkRecord{}).
		Where("session_id = ? AND chunk_index = ?", sessionId, chunkIndex).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chunk %d of session %s not found", chunkIndex, sessionId)
	}
	_, err := r.RecomputeSyncStatus(ctx, sessionId)
	return err
}

// Discarded is terminal; the recompute rule preserves it afterwards.
func (r *registry) MarkDiscarded(ctx context.Context, sessionId string, reason string) error {
	updates := map[string]interface{}{
		"sync_status":     constant.SyncStatusDiscarded,
		"has_temp_buffer": false,
	}
	if reason != "" {
		updates["last_error"] = reason
	}
	return r.PatchFields(ctx, sessionId, updates)
}

func (r *registry) RecordSweepError(ctx context.Context, sessionId string, sweepErr error) error {
	return r.GetDB().WithContext(ctx).
		Model(&entities.Consultation{}).
		Where("session_id = ?", sessionId).
		Updates(map[string]interface{}{
			"last_error":         sweepErr.Error(),
			"global_retry_count": gorm.Expr("global_retry_count + 1"),
		}).Error
}

// RecomputeSyncStatus rederives the consultation status from its chunks,
// evaluating the rule in a fixed order after every chunk mutation.
func (r *registry) RecomputeSyncStatus(ctx context.Context, sessionId string) (constant.SyncStatus, error) {
	consultation, err := r.GetByID(ctx, sessionId)
	if err != nil {
		return "", err
	}

	status := deriveSyncStatus(consultation)
	if status == consultation.SyncStatus {
		return status, nil
	}

	updates := map[string]interface{}{"sync_status": status}
	if status == constant.SyncStatusSynced {
		updates["last_synced_at"] = time.Now()
	}
	if err := r.PatchFields(ctx, sessionId, updates); err != nil {
		return "", err
	}
	return status, nil
}

func deriveSyncStatus(c *entities.Consultation) constant.SyncStatus {
	if c.SyncStatus == constant.SyncStatusDiscarded {
		return constant.SyncStatusDiscarded
	}
	if len(c.Chunks) == 0 {
		return constant.SyncStatusLocal
	}

	uploaded := 0
	pending := 0
	for _, chunk := range c.Chunks {
		switch chunk.Status {
		case constant.ChunkStatusUploaded:
			uploaded++
		case constant.ChunkStatusPendingLocal:
			pending++
		}
	}

	switch {
	case uploaded == len(c.Chunks) && c.UserFinalized:
		return constant.SyncStatusSynced
	case pending == len(c.Chunks):
		return constant.SyncStatusLocal
	case uploaded > 0 && uploaded < len(c.Chunks):
		return constant.SyncStatusPartial
	default:
		return constant.SyncStatusLocal
	}
}
