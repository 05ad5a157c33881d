package config

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
)

// EnsureBucket verifies the target bucket exists, creating it if missing.
// The storage backend may not be reachable at startup, so the probe retries
// with exponential backoff before giving up.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	operation := func() (bool, error) {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("bucket", bucket).Msg("Failed to probe bucket. Retrying...")
			return false, err
		}
		return exists, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	maxRetries := uint(5)
	exists, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(maxRetries))
	if err != nil {
		return err
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("bucket", bucket).Msg("Failed to create bucket")
			return err
		}
		zerolog.Ctx(ctx).Info().Str("bucket", bucket).Msg("Created storage bucket")
	}

	return nil
}
