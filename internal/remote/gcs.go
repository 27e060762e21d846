package remote

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/errors"
)

// gcsChunkSize is the resumable-upload chunk size of the object writer.
// Retries inside the writer still restart the object from the first byte.
const gcsChunkSize = 4 * 1024 * 1024

// GCSTarget uploads recordings to a Google Cloud Storage bucket. Objects
// only become visible once the writer closes, so no temporary name is
// needed.
type GCSTarget struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSTarget creates a storage client using the credentials file, or
// application default credentials when none is set.
func NewGCSTarget(ctx context.Context, cfg conf.GCSTarget) (*GCSTarget, error) {
	if cfg.Bucket == "" {
		return nil, configError("gcs: bucket is required")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, configError("gcs: create client: " + err.Error())
	}
	return &GCSTarget{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name implements RecordingUploader.
func (t *GCSTarget) Name() string { return "gcs" }

// ObjectKey returns the object name for a call's recording.
func (t *GCSTarget) ObjectKey(compositeID, artifactPath string) string {
	return path.Join(t.prefix, ObjectName(compositeID, artifactPath))
}

// UploadRecording implements RecordingUploader.
func (t *GCSTarget) UploadRecording(ctx context.Context, compositeID, artifactPath string) error {
	const op = "upload_recording"

	src, err := os.Open(artifactPath) //nolint:gosec // G304: artifact path is owned by the engine
	if err != nil {
		return wrap(op, err)
	}
	defer src.Close()

	// Cancelling wctx discards the object instead of committing a partial one.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := t.client.Bucket(t.bucket).Object(t.ObjectKey(compositeID, artifactPath)).NewWriter(wctx)
	w.ContentType = ContentType(artifactPath)
	w.ChunkSize = gcsChunkSize
	w.Metadata = map[string]string{"composite-id": compositeID}

	if _, err := io.Copy(w, src); err != nil {
		cancel()
		_ = w.Close()
		return gcsError(ctx, "gcs: write object", err)
	}
	if err := w.Close(); err != nil {
		return gcsError(ctx, "gcs: commit object", err)
	}
	return nil
}

// Close releases the storage client.
func (t *GCSTarget) Close() error {
	return t.client.Close()
}

func gcsError(ctx context.Context, reason string, err error) error {
	const op = "upload_recording"
	if ctx.Err() != nil {
		return wrap(op, ctx.Err())
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		e := StatusError(op, apiErr.Code, reason+": "+apiErr.Message)
		e.Err = err
		return e
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return newError(ClassifyStatus(http.StatusNotFound), op, reason, http.StatusNotFound, err)
	}
	return Network(op, reason, err)
}
