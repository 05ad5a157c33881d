package entities

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"consult-sync/constant"
)

type ChunkRecord struct {
	ID             uuid.UUID            `json:"id" gorm:"type:uuid;primary_key"`
	SessionId      string               `json:"session_id" gorm:"type:varchar(64);not null;index:idx_chunk_records_session;uniqueIndex:unique_session_chunk_index,priority:1"`
	ChunkIndex     int                  `json:"chunk_index" gorm:"not null;uniqueIndex:unique_session_chunk_index,priority:2"`
	ChunkOrder     int                  `json:"chunk_order" gorm:"not null"`
	Status         constant.ChunkStatus `json:"status" gorm:"type:varchar(20);not null;check:status IN ('pending_local', 'uploading', 'uploaded', 'failed')"`
	StoragePath    string               `json:"storage_path" gorm:"type:varchar(500);not null"`
	LocalFilePath  *string              `json:"local_file_path" gorm:"type:varchar(500)"`
	SizeBytes      int64                `json:"size_bytes" gorm:"not null;default:0"`
	RetryCount     int                  `json:"retry_count" gorm:"not null;default:0"`
	StreamPosition int64                `json:"stream_position" gorm:"not null;default:0"`
	LastError      *string              `json:"last_error" gorm:"type:text"`
	CreatedAt      time.Time            `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time            `json:"updated_at" gorm:"not null"`
}

func (ChunkRecord) TableName() string {
	return "chunk_records"
}

// ChunkFileName is the canonical zero-padded name used both for the local
// file and the remote object.
func ChunkFileName(index int) string {
	return fmt.Sprintf("chunk_%04d.wav", index)
}

// ChunkStoragePath derives the remote object key for a chunk from the
// session's fixed prefix and the chunk's stable index.
func ChunkStoragePath(storagePrefix string, index int) string {
	return path.Join(storagePrefix, ChunkFileName(index))
}
