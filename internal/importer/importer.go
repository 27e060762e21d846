package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

const (
	// maxLineSize bounds a single JSON lines entry.
	maxLineSize = 1 << 20
	// maxProblems bounds the per-entry problems kept in a Result.
	maxProblems = 100
)

// Store is the part of the record store the importer writes to.
type Store interface {
	UpsertCall(ctx context.Context, rec *entities.CallRecord) (datastore.UpsertResult, error)
}

// Problem describes an entry that was skipped.
type Problem struct {
	Entry int // 1-based position in the export
	Err   error
}

// Result summarizes one import.
type Result struct {
	Read      int
	Inserted  int
	Updated   int
	Unchanged int
	// Invalid entries could not be decoded or converted.
	Invalid int
	// Rejected entries were refused by the store, e.g. a recording path
	// change on an uploaded recording.
	Rejected int
	Problems []Problem
	Duration time.Duration
}

// Skipped returns how many entries were not stored.
func (r *Result) Skipped() int {
	return r.Invalid + r.Rejected
}

func (r *Result) problem(entry int, err error) {
	if len(r.Problems) < maxProblems {
		r.Problems = append(r.Problems, Problem{Entry: entry, Err: err})
	}
}

// Importer upserts call-log exports into the store.
type Importer struct {
	store  Store
	source string
	log    logger.Logger
}

// New creates an importer. defaultSource is used for entries without a
// source of their own.
func New(store Store, defaultSource string, log logger.Logger) *Importer {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Importer{store: store, source: defaultSource, log: log.Module("importer")}
}

// ImportFile imports the export at path. Relative recording paths are
// resolved against the directory of the file.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("importer").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()

	res, err := im.Import(ctx, f, filepath.Dir(path))
	if err != nil {
		return res, err
	}
	im.log.Info("call log imported",
		logger.String("path", path),
		logger.Int("read", res.Read),
		logger.Int("inserted", res.Inserted),
		logger.Int("updated", res.Updated),
		logger.Int("unchanged", res.Unchanged),
		logger.Int("skipped", res.Skipped()),
		logger.Duration("duration", res.Duration))
	return res, nil
}

// Import reads an export from r. Entries that cannot be decoded or are
// refused by the store are counted and skipped. A malformed JSON array, a
// storage failure or cancellation stops the import and returns the partial
// result with the error.
func (im *Importer) Import(ctx context.Context, r io.Reader, baseDir string) (*Result, error) {
	start := time.Now()
	res := &Result{}
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	switch {
	case err == io.EOF:
		res.Duration = time.Since(start)
		return res, nil
	case err != nil:
		return res, readError(err)
	}

	if first == '[' {
		err = im.importArray(ctx, br, baseDir, res)
	} else {
		err = im.importLines(ctx, br, baseDir, res)
	}
	res.Duration = time.Since(start)
	return res, err
}

func (im *Importer) importArray(ctx context.Context, r io.Reader, baseDir string, res *Result) error {
	dec := json.NewDecoder(r)
	if _, err := dec.Token(); err != nil {
		return formatError(err)
	}
	for dec.More() {
		var e Entry
		err := dec.Decode(&e)
		res.Read++
		if err != nil {
			// The decoder skips a value of the wrong type; anything else
			// leaves it at an unknown position.
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &typeErr) {
				return formatError(err)
			}
			res.Invalid++
			res.problem(res.Read, err)
			continue
		}
		if err := im.storeEntry(ctx, &e, baseDir, res); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return formatError(err)
	}
	return nil
}

func (im *Importer) importLines(ctx context.Context, r io.Reader, baseDir string, res *Result) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		res.Read++
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			res.Invalid++
			res.problem(res.Read, err)
			continue
		}
		if err := im.storeEntry(ctx, &e, baseDir, res); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return readError(err)
	}
	return nil
}

// storeEntry converts and upserts one decoded entry. It returns an error only
// when the import has to stop.
func (im *Importer) storeEntry(ctx context.Context, e *Entry, baseDir string, res *Result) error {
	if err := ctx.Err(); err != nil {
		return errors.New(err).
			Component("importer").
			Category(errors.CategoryCancellation).
			Build()
	}

	rec, err := e.Record(im.source, baseDir)
	if err != nil {
		res.Invalid++
		res.problem(res.Read, err)
		return nil
	}

	result, err := im.store.UpsertCall(ctx, rec)
	switch {
	case err == nil:
	case refused(err):
		res.Rejected++
		res.problem(res.Read, err)
		im.log.Debug("entry refused by store",
			logger.String("composite_id", entities.CompositeID(rec.Source, rec.SystemID)),
			logger.Error(err))
		return nil
	default:
		return err
	}

	switch result {
	case datastore.UpsertInserted:
		res.Inserted++
	case datastore.UpsertUpdated:
		res.Updated++
	default:
		res.Unchanged++
	}
	return nil
}

// refused reports store errors caused by the entry rather than the store.
func refused(err error) bool {
	return errors.Is(err, datastore.ErrInvalidInput) ||
		errors.Is(err, datastore.ErrRecordingLocked) ||
		errors.Is(err, datastore.ErrRecordingRequired) ||
		errors.Is(err, datastore.ErrConflict)
}

// peekNonSpace returns the first byte after leading white space and a
// UTF-8 byte order mark without consuming it.
func peekNonSpace(br *bufio.Reader) (byte, error) {
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !isSpace(b) {
			return b, br.UnreadByte()
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func formatError(err error) error {
	return errors.New(fmt.Errorf("malformed call-log export: %w", err)).
		Component("importer").
		Category(errors.CategoryValidation).
		Build()
}

func readError(err error) error {
	return errors.New(err).
		Component("importer").
		Category(errors.CategoryFileIO).
		Build()
}
