package remote

import (
	"context"
	"fmt"
	"net/textproto"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jlaffaye/ftp"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

const (
	defaultFTPPort       = 21
	defaultSSHPort       = 22
	defaultTargetTimeout = 30 * time.Second
	tempUploadName       = ".upload-"
)

// FTPTarget uploads recordings to an FTP server. Each upload uses its own
// connection and stores under a temporary name before renaming.
type FTPTarget struct {
	cfg conf.FTPTarget
	log logger.Logger
}

// NewFTPTarget validates cfg and returns the target.
func NewFTPTarget(cfg conf.FTPTarget, log logger.Logger) (*FTPTarget, error) {
	if cfg.Host == "" {
		return nil, configError("ftp: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultFTPPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTargetTimeout
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &FTPTarget{cfg: cfg, log: log.Module("ftp")}, nil
}

// Name implements RecordingUploader.
func (t *FTPTarget) Name() string { return "ftp" }

func (t *FTPTarget) connect(ctx context.Context) (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(t.cfg.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, Network("upload_recording", "ftp: connection failed", err)
	}
	if t.cfg.Username != "" {
		if err := conn.Login(t.cfg.Username, t.cfg.Password); err != nil {
			_ = conn.Quit()
			return nil, Rejected("upload_recording", "ftp: login failed", err)
		}
	}
	return conn, nil
}

// UploadRecording implements RecordingUploader.
func (t *FTPTarget) UploadRecording(ctx context.Context, compositeID, artifactPath string) error {
	const op = "upload_recording"

	file, err := os.Open(artifactPath) //nolint:gosec // G304: artifact path is owned by the engine
	if err != nil {
		return wrap(op, err)
	}
	defer file.Close()

	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	// Quitting the connection unblocks a transfer stuck on a dead server.
	stop := context.AfterFunc(ctx, func() { _ = conn.Quit() })
	defer func() {
		if stop() {
			if err := conn.Quit(); err != nil {
				t.log.Debug("ftp quit failed", logger.Error(err))
			}
		}
	}()

	if err := t.makeDirs(conn, t.cfg.Path); err != nil {
		return wrap(op, err)
	}

	remotePath := path.Join(t.cfg.Path, ObjectName(compositeID, artifactPath))
	tempPath := path.Join(t.cfg.Path, tempUploadName+uuid.NewString())

	if err := conn.Stor(tempPath, file); err != nil {
		_ = conn.Delete(tempPath)
		return t.transferError(ctx, op, "ftp: store failed", err)
	}
	if err := conn.Rename(tempPath, remotePath); err != nil {
		_ = conn.Delete(tempPath)
		return t.transferError(ctx, op, "ftp: rename failed", err)
	}
	return nil
}

// makeDirs creates every component of dir, ignoring ones that exist.
func (t *FTPTarget) makeDirs(conn *ftp.ServerConn, dir string) error {
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for part := range strings.SplitSeq(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		if err := conn.MakeDir(current); err != nil {
			// Most servers answer 550 for an existing directory.
			if _, lerr := conn.List(current); lerr != nil {
				return fmt.Errorf("ftp: create directory %s: %w", current, err)
			}
		}
	}
	return nil
}

func (t *FTPTarget) transferError(ctx context.Context, op, reason string, err error) error {
	if ctx.Err() != nil {
		return wrap(op, ctx.Err())
	}
	// 5xx replies are permanent refusals; 4xx ask the client to retry.
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code >= 500 {
		return Rejected(op, reason, err)
	}
	return Network(op, reason, err)
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("remote").
		Category(errors.CategoryConfiguration).
		Build()
}
