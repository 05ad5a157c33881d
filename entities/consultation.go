package entities

import (
	"path"
	"time"

	"consult-sync/constant"
)

type Consultation struct {
	SessionId        string              `json:"session_id" gorm:"type:varchar(64);primary_key"`
	UserId           string              `json:"user_id" gorm:"type:varchar(64);not null;index:idx_consultations_user_id"`
	PatientName      string              `json:"patient_name" gorm:"type:varchar(255)"`
	GuardianName     string              `json:"guardian_name" gorm:"type:varchar(255)"`
	Sex              constant.Sex        `json:"sex" gorm:"type:varchar(10);not null;default:'unset'"`
	Bucket           string              `json:"bucket" gorm:"type:varchar(255);not null"`
	StoragePrefix    string              `json:"storage_prefix" gorm:"type:varchar(500);not null"`
	SyncStatus       constant.SyncStatus `json:"sync_status" gorm:"type:varchar(20);not null;default:'local';index:idx_consultations_sync_status"`
	NextChunkIndex   int                 `json:"next_chunk_index" gorm:"not null;default:0"`
	CreatedAt        time.Time           `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time           `json:"updated_at" gorm:"not null"`
	FinishedAt       *time.Time          `json:"finished_at"`
	LastSyncedAt     *time.Time          `json:"last_synced_at"`
	DurationMs       int64               `json:"duration_ms" gorm:"not null;default:0"`
	HasTempBuffer    bool                `json:"has_temp_buffer" gorm:"not null;default:false"`
	UserFinalized    bool                `json:"user_finalized" gorm:"not null;default:false"`
	LastError        *string             `json:"last_error" gorm:"type:text"`
	GlobalRetryCount int                 `json:"global_retry_count" gorm:"not null;default:0"`

	Chunks []ChunkRecord `json:"chunks" gorm:"foreignKey:SessionId;references:SessionId"`
}

func (Consultation) TableName() string {
	return "consultations"
}

// StoragePrefix derives the remote prefix for a session. It is computed once
// at creation time and stored; it must never be regenerated from mutable state.
func StoragePrefix(userId, sessionId string) string {
	return path.Join("consultations", userId, sessionId)
}
