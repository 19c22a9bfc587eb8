package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Store keeps ciphertext chunks in an S3 bucket under chunks/<ref>.
// Orphaned chunks get a tombstone object so an external garbage collector can
// sweep them without the store blocking the cancelling upload.
type S3Store struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

// NewS3Store creates an S3-backed chunk store
func NewS3Store(ctx context.Context, region, bucket string, logger zerolog.Logger) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		logger: logger.With().Str("component", "blob").Str("bucket", bucket).Logger(),
	}, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, ref string, data []byte) error {
	key := chunkKey(ref)

	s.logger.Debug().Str("key", key).Int("size", len(data)).Msg("S3 PUT")

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	key := chunkKey(ref)

	s.logger.Debug().Str("key", key).Msg("S3 GET")

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return data, nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	key := chunkKey(ref)

	s.logger.Debug().Str("key", key).Msg("S3 DELETE")

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("S3 DeleteObject failed: %w", err)
	}
	return nil
}

// MarkOrphaned implements Store.
func (s *S3Store) MarkOrphaned(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		key := "orphaned/" + ref

		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &s.bucket,
			Key:    &key,
			Body:   bytes.NewReader(nil),
		})
		if err != nil {
			return fmt.Errorf("S3 orphan marker failed: %w", err)
		}
	}

	s.logger.Info().Int("count", len(refs)).Msg("Chunks marked orphaned")
	return nil
}

func chunkKey(ref string) string {
	return "chunks/" + ref
}
