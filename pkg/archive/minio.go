package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the connection settings of an S3-compatible archive.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinioArchive uploads files to an S3-compatible bucket.
type MinioArchive struct {
	id     string
	cfg    MinioConfig
	client *minio.Client
}

// NewMinioArchive connects to the endpoint and makes sure the bucket exists.
func NewMinioArchive(ctx context.Context, id string, cfg MinioConfig) (*MinioArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := client.BucketExists(ctx, cfg.Bucket)
		if existsErr != nil || !exists {
			return nil, classifyMinio(err)
		}
	} else {
		logger.Log.Info().Str("bucket", cfg.Bucket).Msg("Created archive bucket")
	}
	return &MinioArchive{id: id, cfg: cfg, client: client}, nil
}

func (m *MinioArchive) ID() string { return m.id }

func (m *MinioArchive) Add(ctx context.Context, item tasks.Item) (bool, error) {
	if _, err := checkLocal(item); err != nil {
		return false, err
	}
	name := ObjectName(m.cfg.Prefix, item)
	info, err := m.client.FPutObject(ctx, m.cfg.Bucket, name, item.FilePath, minio.PutObjectOptions{})
	if err != nil {
		return false, classifyMinio(err)
	}
	logger.Log.Debug().Str("object", info.Key).Int64("size", info.Size).Msg("Uploaded to bucket")
	return true, nil
}

func classifyMinio(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "QuotaExceeded", "XMinioStorageFull", "XMinioAdminBucketQuotaExceeded":
		return errors.Join(ErrQuotaExceeded, err)
	case "EntityTooLarge":
		return errors.Join(ErrFileTooLarge, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return errors.Join(ErrUnauthorized, err)
	case "IncompleteBody":
		return errors.Join(ErrPartialFile, err)
	}
	switch resp.StatusCode {
	case http.StatusInsufficientStorage:
		return errors.Join(ErrQuotaExceeded, err)
	case http.StatusRequestEntityTooLarge:
		return errors.Join(ErrFileTooLarge, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Join(ErrUnauthorized, err)
	}
	return errors.Join(ErrIO, err)
}
