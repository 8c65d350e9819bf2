// Package artifacts decides whether a job's outputs already exist and are
// acceptable as-is, enabling skip-unless-forced semantics and cleanup of
// intermediate files.
package artifacts

import (
	"os"

	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

// Store performs the filesystem checks behind idempotent re-entrancy.
// Validity is determined purely by content checks (presence, non-zero
// size), so a crashed run self-heals on the next attempt without any
// in-progress markers.
type Store struct {
	log logger.Logger
}

func NewStore(log logger.Logger) *Store {
	return &Store{log: log}
}

// ExistsAndValid reports whether every path is present with non-zero size.
// A job without declared outputs is never considered done.
func (s *Store) ExistsAndValid(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	return len(s.Missing(paths)) == 0
}

// Missing returns the subset of paths that are absent or empty.
func (s *Store) Missing(paths []string) []string {
	var missing []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil || fi.Size() == 0 {
			missing = append(missing, p)
		}
	}
	return missing
}

// Invalidate removes prior outputs before a forced re-run.
func (s *Store) Invalidate(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %s", p)
		}
	}
	return nil
}

// RemovePartial deletes whatever a failed job left behind, so the next run
// never mistakes partial output for a valid artifact. Best effort.
func (s *Store) RemovePartial(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err == nil {
			s.log.Debugf("removed partial output %s", p)
		}
	}
}

// Cleanup deletes intermediate artifacts once nothing downstream needs
// them anymore.
func (s *Store) Cleanup(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing intermediate %s", p)
		}
		s.log.Debugf("removed intermediate %s", p)
	}
	return nil
}
