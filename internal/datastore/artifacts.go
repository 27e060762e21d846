package datastore

import (
	"io/fs"
	"os"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

// RemoveOwnedArtifact deletes the compressed artifact of rec if it is a
// separate file from the recording. A missing file is not an error.
func RemoveOwnedArtifact(rec *entities.CallRecord) error {
	path := rec.OwnedArtifact()
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryFileIO).
			Context("composite_id", rec.CompositeID).
			Context("artifact", path).
			Build()
	}
	return nil
}

// dropArtifact removes an artifact orphaned by a committed change. Failures
// are logged only; the row no longer references the file.
func (s *Store) dropArtifact(orphan *entities.CallRecord) {
	if orphan == nil {
		return
	}
	if err := RemoveOwnedArtifact(orphan); err != nil {
		s.log.Warn("failed to remove orphaned artifact",
			logger.String("composite_id", orphan.CompositeID),
			logger.Error(err))
	}
}
