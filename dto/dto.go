package dto

import (
	"time"

	"consult-sync/constant"
)

// CaptureEvent is one audio segment emitted by the capture primitive.
type CaptureEvent struct {
	AudioData string `json:"audioData"` // base64-encoded PCM
	Position  int64  `json:"position"`  // byte offset within the overall stream
	Size      int    `json:"size"`      // decoded size in bytes
}

// FlushedChunk is a completed chunk handed from the buffer manager to the
// upload queue.
type FlushedChunk struct {
	SessionId      string   `json:"sessionId"`
	ChunkIndex     int      `json:"chunkIndex"`
	StreamPosition int64    `json:"streamPosition"`
	Segments       []string `json:"segments"`
}

// UploadProgress is a point-in-time snapshot of the live upload queue,
// consumed by UI listeners. It never gates correctness.
type UploadProgress struct {
	SessionId string `json:"sessionId"`
	Total     int    `json:"total"`
	Uploaded  int    `json:"uploaded"`
	Failed    int    `json:"failed"`
	Uploading int    `json:"uploading"`
}

// ConsultationMetadata is the remote metadata record, upserted by session id.
type ConsultationMetadata struct {
	SessionId     string              `json:"sessionId"`
	UserId        string              `json:"userId"`
	Bucket        string              `json:"bucket"`
	StoragePrefix string              `json:"storagePrefix"`
	PatientName   string              `json:"patientName"`
	GuardianName  string              `json:"guardianName"`
	Sex           constant.Sex        `json:"sex"`
	DurationMs    int64               `json:"durationMs"`
	ChunkCount    int                 `json:"chunkCount"`
	Status        constant.SyncStatus `json:"status"`
	FinalizedAt   *time.Time          `json:"finalizedAt"`
}

// SyncOutcome reports the result of one session's pass through the batch sweep.
type SyncOutcome struct {
	SessionId string `json:"sessionId"`
	Uploaded  int    `json:"uploaded"`
	Failed    int    `json:"failed"`
	Finalized bool   `json:"finalized"`
	Error     string `json:"error,omitempty"`
}
