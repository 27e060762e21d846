// Package importer loads device call-log exports into the record store.
//
// An export is either a JSON array of entries or JSON lines with one entry
// per line. Each entry maps onto one call record:
//
//	{"source": "phone", "systemId": 42, "number": "+1 555 0100",
//	 "name": "Alice", "type": 1, "date": 1714550400000, "duration": 30,
//	 "recording": "recordings/call_42.wav", "note": "callback"}
//
// type accepts the stored names (INCOMING, OUTGOING, MISSED, REJECTED) or
// the device codes. date accepts epoch milliseconds or an RFC 3339 string.
package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tphakala/callsync/internal/datastore/entities"
)

// Entry is one row of a call-log export.
type Entry struct {
	Source    string          `json:"source"`
	SystemID  int64           `json:"systemId"`
	Number    string          `json:"number"`
	Name      *string         `json:"name"`
	Type      json.RawMessage `json:"type"`
	Date      json.RawMessage `json:"date"`
	Duration  int64           `json:"duration"`
	Recording *string         `json:"recording"`
	Note      *string         `json:"note"`
}

// Record converts the entry to a call record. An empty source falls back to
// defaultSource; relative recording paths are resolved against baseDir.
func (e *Entry) Record(defaultSource, baseDir string) (*entities.CallRecord, error) {
	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = defaultSource
	}
	if source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if e.SystemID <= 0 {
		return nil, fmt.Errorf("systemId must be positive, got %d", e.SystemID)
	}

	callType, err := parseType(e.Type)
	if err != nil {
		return nil, err
	}
	date, err := parseDate(e.Date)
	if err != nil {
		return nil, err
	}
	if e.Duration < 0 {
		return nil, fmt.Errorf("duration must not be negative, got %d", e.Duration)
	}

	rec := &entities.CallRecord{
		Source:          source,
		SystemID:        e.SystemID,
		PhoneNumber:     strings.TrimSpace(e.Number),
		ContactName:     trimmed(e.Name),
		CallType:        callType,
		CallDate:        date,
		DurationSeconds: e.Duration,
		CallNote:        e.Note,
	}
	if p := trimmed(e.Recording); p != nil {
		path := *p
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		rec.LocalRecordingPath = &path
	}
	return rec, nil
}

func parseType(raw json.RawMessage) (entities.CallType, error) {
	s, err := scalar(raw)
	if err != nil {
		return "", fmt.Errorf("type: %w", err)
	}
	if s == "" {
		return "", fmt.Errorf("type is required")
	}
	return entities.ParseCallType(s)
}

func parseDate(raw json.RawMessage) (int64, error) {
	s, err := scalar(raw)
	if err != nil {
		return 0, fmt.Errorf("date: %w", err)
	}
	if s == "" {
		return 0, fmt.Errorf("date is required")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("date must not be negative, got %d", ms)
		}
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("date %q is neither epoch millis nor RFC 3339", s)
	}
	return t.UnixMilli(), nil
}

// scalar returns a JSON string or number as text. null and absent values
// give "".
func scalar(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", raw)
	}
	return n.String(), nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
