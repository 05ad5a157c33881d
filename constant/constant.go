package constant

import "time"

type SyncStatus string

const (
	SyncStatusLocal     SyncStatus = "local"
	SyncStatusPartial   SyncStatus = "partial"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusDiscarded SyncStatus = "discarded"
)

func (s SyncStatus) String() string {
	return string(s)
}

type ChunkStatus string

const (
	ChunkStatusPendingLocal ChunkStatus = "pending_local"
	ChunkStatusUploading    ChunkStatus = "uploading"
	ChunkStatusUploaded     ChunkStatus = "uploaded"
	ChunkStatusFailed       ChunkStatus = "failed"
)

func (s ChunkStatus) String() string {
	return string(s)
}

type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
	SexUnset  Sex = "unset"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

// Engine tunable defaults.
const (
	DefaultFlushThresholdSegments = 30
	DefaultMaxParallelUploads     = 3
	DefaultDiskLowThresholdBytes  = 50 * 1024 * 1024
	DefaultDiskCheckEverySegments = 20
	DefaultContinuousRetryDelay   = 45 * time.Second
	DefaultDrainTimeout           = 15 * time.Second
	DefaultPreviewWindow          = 20 * time.Second
)

// Audio format defaults for the PCM stream coming off the capture primitive.
const (
	DefaultSampleRate = 16000
	DefaultBitDepth   = 16
	DefaultChannels   = 1
)
