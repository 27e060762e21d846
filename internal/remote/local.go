package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tphakala/callsync/internal/errors"
)

// LocalTarget copies recordings into a directory, typically a mounted
// network share watched by the remote system.
type LocalTarget struct {
	dir string
}

// NewLocalTarget returns a target writing into dir, creating it if needed.
func NewLocalTarget(dir string) (*LocalTarget, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.Newf("local upload path is required").
			Component("remote").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.New(err).
			Component("remote").
			Category(errors.CategoryFileIO).
			Context("dir", dir).
			Build()
	}
	return &LocalTarget{dir: dir}, nil
}

// Name implements RecordingUploader.
func (t *LocalTarget) Name() string { return "local" }

// UploadRecording implements RecordingUploader.
func (t *LocalTarget) UploadRecording(ctx context.Context, compositeID, artifactPath string) error {
	const op = "upload_recording"

	src, err := os.Open(artifactPath) //nolint:gosec // G304: artifact path is owned by the engine
	if err != nil {
		return wrap(op, err)
	}
	defer src.Close()

	dst := filepath.Join(t.dir, ObjectName(compositeID, artifactPath))
	tmp := filepath.Join(t.dir, tempUploadName+uuid.NewString())

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) //nolint:gosec // G304: name derived from a uuid
	if err != nil {
		return wrap(op, err)
	}

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: src})
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return wrap(op, err)
	}
	return nil
}

// ObjectName returns the remote file name for a call's recording: the
// composite id made filesystem-safe, with the artifact's extension.
func ObjectName(compositeID, artifactPath string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, compositeID)
	return strings.TrimLeft(safe, ".") + strings.ToLower(filepath.Ext(artifactPath))
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
