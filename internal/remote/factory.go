package remote

import (
	"context"
	"fmt"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/logger"
)

// NewHTTPClientFromSettings builds the REST client from the remote section.
func NewHTTPClientFromSettings(s *conf.RemoteSettings) (*HTTPClient, error) {
	return NewHTTPClient(HTTPConfig{
		BaseURL:   s.BaseURL,
		Token:     s.Token,
		Timeout:   s.Timeout,
		UserAgent: s.UserAgent,
	})
}

// NewRecordingUploader returns the uploader selected by upload.target. The
// http target reuses api, the client already used for metadata.
func NewRecordingUploader(ctx context.Context, s *conf.UploadSettings, api *HTTPClient, log logger.Logger) (RecordingUploader, error) {
	switch s.Target {
	case "", "http":
		if api == nil {
			return nil, configError("http upload target requires remote.base_url")
		}
		return api, nil
	case "local":
		t, err := NewLocalTarget(s.Local.Path)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "ftp":
		t, err := NewFTPTarget(s.FTP, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "sftp":
		t, err := NewSFTPTarget(s.SFTP, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "gcs":
		t, err := NewGCSTarget(ctx, s.GCS)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, configError(fmt.Sprintf("unsupported upload target %q", s.Target))
	}
}

