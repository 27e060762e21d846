package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/syncstatus"
)

const testBaseURL = "https://calls.example.com/api/v1"

func newMockClient(t *testing.T) (*HTTPClient, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	client, err := NewHTTPClient(HTTPConfig{
		BaseURL:   testBaseURL + "/",
		Token:     "secret-token",
		Transport: transport,
	})
	require.NoError(t, err)
	return client, transport
}

func testRecord() *entities.CallRecord {
	name := "Alice"
	return &entities.CallRecord{
		CompositeID:      "device:42",
		SystemID:         42,
		Source:           "device",
		PhoneNumber:      "+1 555 0100",
		NormalizedNumber: "+15550100",
		ContactName:      &name,
		CallType:         entities.CallIncoming,
		CallDate:         1700000000000,
		DurationSeconds:  95,
		MetadataVersion:  3,
	}
}

func kindOf(t *testing.T, err error) syncstatus.ErrorKind {
	t.Helper()
	var re *Error
	require.True(t, errors.As(err, &re), "expected *remote.Error, got %T: %v", err, err)
	return re.Kind
}

func TestNewHTTPClientValidation(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"", "   ", "ftp://calls.example.com", "calls.example.com", "https://"} {
		_, err := NewHTTPClient(HTTPConfig{BaseURL: base})
		require.Error(t, err, "base %q", base)
		assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	}

	client, err := NewHTTPClient(HTTPConfig{BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/calls/a%2Fb", client.callURL("a/b"))
	assert.Equal(t, "http", client.Name())
}

func TestPushMetadataSendsPayload(t *testing.T) {
	t.Parallel()
	client, transport := newMockClient(t)

	var got MetadataPayload
	transport.RegisterResponder(http.MethodPut, testBaseURL+"/calls/device:42",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.Equal(t, "3", req.Header.Get("X-Metadata-Version"))
			assert.Equal(t, defaultUserAgent, req.Header.Get("User-Agent"))
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
		})

	require.NoError(t, client.PushMetadata(t.Context(), testRecord()))
	assert.Equal(t, 1, transport.GetTotalCallCount())

	assert.Equal(t, "device:42", got.CompositeID)
	assert.Equal(t, "+15550100", got.NormalizedNumber)
	assert.Equal(t, "INCOMING", got.CallType)
	assert.Equal(t, int64(95), got.DurationSeconds)
	require.NotNil(t, got.ContactName)
	assert.Equal(t, "Alice", *got.ContactName)
	assert.Nil(t, got.CallNote)
	assert.False(t, got.HasRecording)
}

func TestPushMetadataClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   syncstatus.ErrorKind
		wantReason string
	}{
		{"json error field", http.StatusBadRequest, `{"error":"callDate is in the future"}`, syncstatus.KindRejected, "callDate is in the future"},
		{"json message field", http.StatusUnprocessableEntity, `{"message":"duplicate"}`, syncstatus.KindRejected, "duplicate"},
		{"plain text", http.StatusForbidden, "token revoked\n", syncstatus.KindRejected, "token revoked"},
		{"empty body", http.StatusNotFound, "", syncstatus.KindRejected, "Not Found"},
		{"rate limited", http.StatusTooManyRequests, "", syncstatus.KindNetwork, "Too Many Requests"},
		{"request timeout", http.StatusRequestTimeout, "", syncstatus.KindNetwork, "Request Timeout"},
		{"server error", http.StatusServiceUnavailable, "maintenance", syncstatus.KindNetwork, "maintenance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, transport := newMockClient(t)
			transport.RegisterResponder(http.MethodPut, testBaseURL+"/calls/device:42",
				httpmock.NewStringResponder(tt.status, tt.body))

			err := client.PushMetadata(t.Context(), testRecord())
			require.Error(t, err)

			var re *Error
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.wantKind, re.Kind)
			assert.Equal(t, tt.wantReason, re.Reason)
			assert.Equal(t, tt.status, re.StatusCode)
			assert.Equal(t, tt.wantKind.AutoRetryable(), IsTransientError(err))
		})
	}
}

func TestPushMetadataTransportFailure(t *testing.T) {
	t.Parallel()
	client, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPut, testBaseURL+"/calls/device:42",
		httpmock.NewErrorResponder(fmt.Errorf("dial tcp: connection refused")))

	err := client.PushMetadata(t.Context(), testRecord())
	require.Error(t, err)
	assert.Equal(t, syncstatus.KindNetwork, kindOf(t, err))
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestPushMetadataCancelled(t *testing.T) {
	t.Parallel()
	client, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPut, testBaseURL+"/calls/device:42",
		func(req *http.Request) (*http.Response, error) {
			return nil, req.Context().Err()
		})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := client.PushMetadata(ctx, testRecord())
	require.Error(t, err)
	assert.Equal(t, syncstatus.KindCancelled, kindOf(t, err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUploadRecordingStreamsFile(t *testing.T) {
	t.Parallel()
	client, transport := newMockClient(t)

	artifact := filepath.Join(t.TempDir(), "device_42.m4a")
	content := []byte("compressed audio bytes")
	require.NoError(t, os.WriteFile(artifact, content, 0o600))

	transport.RegisterResponder(http.MethodPut, testBaseURL+"/calls/device:42/recording",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "audio/mp4", req.Header.Get("Content-Type"))
			assert.Equal(t, "device_42.m4a", req.Header.Get("X-Recording-Filename"))
			assert.Equal(t, int64(len(content)), req.ContentLength)
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			assert.Equal(t, content, body)
			return httpmock.NewStringResponse(http.StatusCreated, ""), nil
		})

	require.NoError(t, client.UploadRecording(t.Context(), "device:42", artifact))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestUploadRecordingMissingArtifact(t *testing.T) {
	t.Parallel()
	client, transport := newMockClient(t)

	err := client.UploadRecording(t.Context(), "device:42", filepath.Join(t.TempDir(), "gone.m4a"))
	require.Error(t, err)
	assert.Equal(t, syncstatus.KindMissing, kindOf(t, err))
	assert.Zero(t, transport.GetTotalCallCount())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syncstatus.ErrorKind
	}{
		{"nil", nil, syncstatus.KindNone},
		{"cancelled", fmt.Errorf("put: %w", context.Canceled), syncstatus.KindCancelled},
		{"deadline", fmt.Errorf("put: %w", context.DeadlineExceeded), syncstatus.KindNetwork},
		{"missing file", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, syncstatus.KindMissing},
		{"permission", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}, syncstatus.KindRejected},
		{"unknown", fmt.Errorf("something odd"), syncstatus.KindNetwork},
		{"classified", Rejected("push_metadata", "bad", nil), syncstatus.KindRejected},
		{"wrapped classified", fmt.Errorf("outer: %w", Network("upload_recording", "reset", nil)), syncstatus.KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, syncstatus.KindNone, ClassifyStatus(http.StatusOK))
	assert.Equal(t, syncstatus.KindRejected, ClassifyStatus(http.StatusBadRequest))
	assert.Equal(t, syncstatus.KindRejected, ClassifyStatus(http.StatusConflict))
	assert.Equal(t, syncstatus.KindNetwork, ClassifyStatus(http.StatusTooManyRequests))
	assert.Equal(t, syncstatus.KindNetwork, ClassifyStatus(http.StatusRequestTimeout))
	assert.Equal(t, syncstatus.KindNetwork, ClassifyStatus(http.StatusInternalServerError))
	assert.Equal(t, syncstatus.KindNetwork, ClassifyStatus(http.StatusBadGateway))
}

func TestIsTransientError(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransientError(nil))
	assert.True(t, IsTransientError(fmt.Errorf("read tcp: connection reset by peer")))
	assert.True(t, IsTransientError(fmt.Errorf("ssh: handshake failed: EOF")))
	assert.True(t, IsTransientError(context.DeadlineExceeded))
	assert.False(t, IsTransientError(fmt.Errorf("550 permission denied")))
	assert.False(t, IsTransientError(Rejected("upload_recording", "quota exceeded", nil)))
	assert.True(t, IsTransientError(Network("upload_recording", "quota exceeded", nil)))
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := StatusError("push_metadata", http.StatusConflict, "stale version")
	assert.Equal(t, "push_metadata: stale version (HTTP 409)", err.Error())
	assert.True(t, errors.IsCategory(err, errors.CategoryRemote))
}

func TestLocalTargetUploadsAtomically(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "share", "recordings")
	target, err := NewLocalTarget(dest)
	require.NoError(t, err)
	assert.Equal(t, "local", target.Name())

	artifact := filepath.Join(t.TempDir(), "device_7.M4A")
	require.NoError(t, os.WriteFile(artifact, []byte("first"), 0o600))
	require.NoError(t, target.UploadRecording(t.Context(), "device:7", artifact))

	// A second upload replaces the first in full.
	require.NoError(t, os.WriteFile(artifact, []byte("second upload"), 0o600))
	require.NoError(t, target.UploadRecording(t.Context(), "device:7", artifact))

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not remain")
	assert.Equal(t, "device_7.m4a", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dest, "device_7.m4a"))
	require.NoError(t, err)
	assert.Equal(t, "second upload", string(data))
}

func TestLocalTargetCancelled(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	target, err := NewLocalTarget(dest)
	require.NoError(t, err)

	artifact := filepath.Join(t.TempDir(), "a.m4a")
	require.NoError(t, os.WriteFile(artifact, []byte("audio"), 0o600))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err = target.UploadRecording(ctx, "device:1", artifact)
	require.Error(t, err)
	assert.Equal(t, syncstatus.KindCancelled, kindOf(t, err))

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "device_42.m4a", ObjectName("device:42", "/tmp/x/device_42.M4A"))
	assert.Equal(t, "sim-2_9.wav", ObjectName("sim-2:9", "rec.wav"))
	assert.Equal(t, "_etc_passwd_1", ObjectName("../etc/passwd:1", "noext"))
}

func TestContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audio/mp4", ContentType("a.m4a"))
	assert.Equal(t, "audio/wav", ContentType("a.WAV"))
	assert.Equal(t, "audio/amr", ContentType("a.amr"))
	assert.Equal(t, "application/octet-stream", ContentType("a.bin"))
}

func TestTargetConstructorsValidate(t *testing.T) {
	t.Parallel()

	_, err := NewLocalTarget(" ")
	require.Error(t, err)

	_, err = NewFTPTarget(conf.FTPTarget{}, nil)
	require.Error(t, err)

	ftpTarget, err := NewFTPTarget(conf.FTPTarget{Host: "ftp.example.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultFTPPort, ftpTarget.cfg.Port)
	assert.Equal(t, defaultTargetTimeout, ftpTarget.cfg.Timeout)
	assert.Equal(t, "/", ftpTarget.cfg.Path)

	_, err = NewSFTPTarget(conf.SFTPTarget{Host: "h"}, nil)
	require.Error(t, err, "username required")
	_, err = NewSFTPTarget(conf.SFTPTarget{Host: "h", Username: "u"}, nil)
	require.Error(t, err, "credentials required")
	_, err = NewSFTPTarget(conf.SFTPTarget{
		Host: "h", Username: "u", Password: "p",
		KnownHostsFile: filepath.Join(t.TempDir(), "missing_known_hosts"),
	}, nil)
	require.Error(t, err, "unreadable known_hosts")

	sftpTarget, err := NewSFTPTarget(conf.SFTPTarget{Host: "h", Username: "u", Password: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultSSHPort, sftpTarget.cfg.Port)
	assert.Equal(t, "sftp", sftpTarget.Name())

	_, err = NewGCSTarget(t.Context(), conf.GCSTarget{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNewRecordingUploader(t *testing.T) {
	t.Parallel()

	api, _ := newMockClient(t)

	u, err := NewRecordingUploader(t.Context(), &conf.UploadSettings{Target: "http"}, api, nil)
	require.NoError(t, err)
	assert.Same(t, api, u)

	_, err = NewRecordingUploader(t.Context(), &conf.UploadSettings{Target: "http"}, nil, nil)
	require.Error(t, err)

	u, err = NewRecordingUploader(t.Context(), &conf.UploadSettings{
		Target: "local",
		Local:  conf.LocalTarget{Path: t.TempDir()},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", u.Name())

	u, err = NewRecordingUploader(t.Context(), &conf.UploadSettings{Target: "ftp"}, nil, nil)
	require.Error(t, err)
	assert.Nil(t, u)

	_, err = NewRecordingUploader(t.Context(), &conf.UploadSettings{Target: "s3"}, nil, nil)
	require.Error(t, err)
}
