package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

// SFTPTarget uploads recordings over SSH. Each upload opens its own
// session, writes a temporary file and renames it into place.
type SFTPTarget struct {
	cfg     conf.SFTPTarget
	log     logger.Logger
	hostKey ssh.HostKeyCallback
}

// NewSFTPTarget validates cfg and loads the known_hosts file when set.
func NewSFTPTarget(cfg conf.SFTPTarget, log logger.Logger) (*SFTPTarget, error) {
	if cfg.Host == "" {
		return nil, configError("sftp: host is required")
	}
	if cfg.Username == "" {
		return nil, configError("sftp: username is required")
	}
	if cfg.KeyFile == "" && cfg.Password == "" {
		return nil, configError("sftp: a key file or password is required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSSHPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTargetTimeout
	}
	if cfg.Path == "" {
		cfg.Path = "."
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	log = log.Module("sftp")

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // G106: only without a known_hosts file, logged below
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, configError(fmt.Sprintf("sftp: load known hosts: %v", err))
		}
		hostKey = cb
	} else {
		log.Warn("sftp host key verification disabled; set known_hosts_file",
			logger.String("host", cfg.Host))
	}

	return &SFTPTarget{cfg: cfg, log: log, hostKey: hostKey}, nil
}

// Name implements RecordingUploader.
func (t *SFTPTarget) Name() string { return "sftp" }

func (t *SFTPTarget) authMethods() ([]ssh.AuthMethod, error) {
	if t.cfg.KeyFile != "" {
		key, err := os.ReadFile(t.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(t.cfg.Password)}, nil
}

func (t *SFTPTarget) connect(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	const op = "upload_recording"

	auth, err := t.authMethods()
	if err != nil {
		return nil, nil, Rejected(op, "sftp: credentials", err)
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, wrap(op, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            t.cfg.Username,
		Auth:            auth,
		HostKeyCallback: t.hostKey,
		Timeout:         t.cfg.Timeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, nil, Rejected(op, "sftp: ssh handshake", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, Network(op, "sftp: start subsystem", err)
	}
	return sshClient, client, nil
}

// UploadRecording implements RecordingUploader.
func (t *SFTPTarget) UploadRecording(ctx context.Context, compositeID, artifactPath string) error {
	const op = "upload_recording"

	src, err := os.Open(artifactPath) //nolint:gosec // G304: artifact path is owned by the engine
	if err != nil {
		return wrap(op, err)
	}
	defer src.Close()

	sshClient, client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	// Closing the SSH connection aborts a transfer when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = sshClient.Close() })
	defer func() {
		stop()
		_ = client.Close()
		_ = sshClient.Close()
	}()

	if err := client.MkdirAll(t.cfg.Path); err != nil {
		return t.transferError(ctx, "sftp: create directory", err)
	}

	remotePath := path.Join(t.cfg.Path, ObjectName(compositeID, artifactPath))
	tempPath := path.Join(t.cfg.Path, tempUploadName+uuid.NewString())

	dst, err := client.Create(tempPath)
	if err != nil {
		return t.transferError(ctx, "sftp: create file", err)
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = client.Remove(tempPath)
		return t.transferError(ctx, "sftp: write file", err)
	}

	if err := client.PosixRename(tempPath, remotePath); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		_ = client.Remove(remotePath)
		if err := client.Rename(tempPath, remotePath); err != nil {
			_ = client.Remove(tempPath)
			return t.transferError(ctx, "sftp: rename file", err)
		}
	}
	return nil
}

func (t *SFTPTarget) transferError(ctx context.Context, reason string, err error) error {
	const op = "upload_recording"
	if ctx.Err() != nil {
		return wrap(op, ctx.Err())
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxPermissionDenied, sftp.ErrSSHFxOpUnsupported, sftp.ErrSSHFxNoSuchFile:
			return Rejected(op, reason, err)
		}
	}
	return Network(op, reason, err)
}
