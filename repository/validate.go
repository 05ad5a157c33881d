package repository

import (
	"context"

	"github.com/rs/zerolog"

	"consult-sync/constant"
	"consult-sync/entities"
)

var knownChunkStatuses = []constant.ChunkStatus{
	constant.ChunkStatusPendingLocal,
	constant.ChunkStatusUploading,
	constant.ChunkStatusUploaded,
	constant.ChunkStatusFailed,
}

// Validate inspects persisted state after open and repairs what it can. A
// corrupt record is logged and dropped or normalized, never allowed to fail
// rehydration: the store starts empty before it starts crashing.
//
// Two normalizations matter for crash recovery: orphaned chunk rows (their
// consultation row is gone) are removed, and chunks stranded in "uploading"
// by a process kill are returned to "pending_local" so the sweep retries them.
func (r *registry) Validate(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	res := r.GetDB().WithContext(ctx).
		Where("session_id = ? OR user_id = ?", "", "").
		Delete(&entities.Consultation{})
	if res.Error != nil {
		logger.Error().Err(res.Error).Msg("failed to drop malformed consultation rows")
	} else if res.RowsAffected > 0 {
		logger.Warn().Int64("rows", res.RowsAffected).Msg("dropped malformed consultation rows")
	}

	res = r.GetDB().WithContext(ctx).
		Where("session_id NOT IN (?)", r.GetDB().Model(&entities.Consultation{}).Select("session_id")).
		Delete(&entities.ChunkRecord{})
	if res.Error != nil {
		logger.Error().Err(res.Error).Msg("failed to drop orphaned chunk rows")
	} else if res.RowsAffected > 0 {
		logger.Warn().Int64("rows", res.RowsAffected).Msg("dropped orphaned chunk rows")
	}

	res = r.GetDB().WithContext(ctx).
		Model(&entities.ChunkRecord{}).
		Where("status = ? OR status NOT IN ?", constant.ChunkStatusUploading, knownChunkStatuses).
		Update("status", constant.ChunkStatusPendingLocal)
	if res.Error != nil {
		logger.Error().Err(res.Error).Msg("failed to reset in-flight chunk rows")
	} else if res.RowsAffected > 0 {
		logger.Info().Int64("rows", res.RowsAffected).Msg("reset interrupted uploads to pending_local")
	}

	consultations, err := r.GetAll(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to rehydrate consultations")
		return nil
	}
	for _, consultation := range consultations {
		if _, err := r.RecomputeSyncStatus(ctx, consultation.SessionId); err != nil {
			logger.Error().Err(err).Str("session_id", consultation.SessionId).Msg("failed to recompute sync status")
		}
	}
	return nil
}
