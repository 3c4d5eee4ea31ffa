package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gcsUploadTimeout = 5 * time.Minute

// GCSConfig holds the settings of a cloud storage archive.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	Prefix          string
}

// GCSArchive uploads files to a cloud storage bucket.
type GCSArchive struct {
	id     string
	cfg    GCSConfig
	client *storage.Client
}

// NewGCSArchive creates the storage client. Without a credentials file the
// application default credentials are used.
func NewGCSArchive(ctx context.Context, id string, cfg GCSConfig) (*GCSArchive, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", errors.Join(ErrUnauthorized, err))
	}
	return &GCSArchive{id: id, cfg: cfg, client: client}, nil
}

func (g *GCSArchive) ID() string { return g.id }

func (g *GCSArchive) Add(ctx context.Context, item tasks.Item) (bool, error) {
	if _, err := checkLocal(item); err != nil {
		return false, err
	}
	f, err := os.Open(item.FilePath)
	if err != nil {
		return false, errors.Join(ErrFileNotFound, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, gcsUploadTimeout)
	defer cancel()

	w := g.client.Bucket(g.cfg.Bucket).Object(ObjectName(g.cfg.Prefix, item)).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return false, errors.Join(ErrPartialFile, classifyGCS(err))
	}
	if err := w.Close(); err != nil {
		return false, classifyGCS(err)
	}
	return true, nil
}

// Close releases the storage client.
func (g *GCSArchive) Close() error {
	return g.client.Close()
}

func classifyGCS(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return errors.Join(ErrIO, err)
	}
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "quotaExceeded", "storageQuotaExceeded":
			return errors.Join(ErrQuotaExceeded, err)
		}
	}
	switch gerr.Code {
	case http.StatusInsufficientStorage:
		return errors.Join(ErrQuotaExceeded, err)
	case http.StatusRequestEntityTooLarge:
		return errors.Join(ErrFileTooLarge, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Join(ErrUnauthorized, err)
	}
	return errors.Join(ErrIO, err)
}
