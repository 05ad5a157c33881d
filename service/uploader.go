package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"consult-sync/dto"
)

const metadataObjectName = "consultation.json"

// ErrNonRetryable marks failures that must not be retried: the work itself is
// wrong, not the conditions around it.
var ErrNonRetryable = errors.New("non-retryable error")

// ErrEmptyObjectKey guards against false positives from the storage layer: an
// upload that "succeeds" without returning an object key did not succeed.
var ErrEmptyObjectKey = errors.New("upload returned empty object key")

// ChunkUploader is the remote storage surface the sync engine writes through.
// An interface so tests and fault injection can swap the backend.
type ChunkUploader interface {
	PutChunk(ctx context.Context, objectName string, wavData []byte) (string, error)
	RemoveChunk(ctx context.Context, objectName string) error
	UpsertMetadata(ctx context.Context, meta dto.ConsultationMetadata) error
	RemoveMetadata(ctx context.Context, storagePrefix string) error
}

type minioUploader struct {
	client *minio.Client
	bucket string
}

func NewMinioUploader(client *minio.Client, bucket string) ChunkUploader {
	return &minioUploader{client: client, bucket: bucket}
}

func (u *minioUploader) PutChunk(ctx context.Context, objectName string, wavData []byte) (string, error) {
	info, err := u.client.PutObject(ctx, u.bucket, objectName, bytes.NewReader(wavData), int64(len(wavData)), minio.PutObjectOptions{
		ContentType: "audio/wav",
	})
	if err != nil {
		return "", err
	}
	if info.Key == "" {
		return "", ErrEmptyObjectKey
	}
	return info.Key, nil
}

func (u *minioUploader) RemoveChunk(ctx context.Context, objectName string) error {
	err := u.client.RemoveObject(ctx, u.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("object", objectName).Msg("failed to remove remote chunk")
		return err
	}
	return nil
}

// UpsertMetadata writes the consultation's metadata record, keyed by session
// through its storage prefix. Overwriting the same key is the intended
// idempotent path here, unlike fresh chunk objects.
func (u *minioUploader) UpsertMetadata(ctx context.Context, meta dto.ConsultationMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}
	objectName := path.Join(meta.StoragePrefix, metadataObjectName)
	info, err := u.client.PutObject(ctx, u.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return err
	}
	if info.Key == "" {
		return ErrEmptyObjectKey
	}
	return nil
}

func (u *minioUploader) RemoveMetadata(ctx context.Context, storagePrefix string) error {
	objectName := path.Join(storagePrefix, metadataObjectName)
	if err := u.client.RemoveObject(ctx, u.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove metadata object %s: %w", objectName, err)
	}
	return nil
}
