package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

// RepairReport lists what Repair changed.
type RepairReport struct {
	Dropped []string `json:"dropped,omitempty"`
	Indexed []string `json:"indexed,omitempty"`
	Corrupt []string `json:"corrupt,omitempty"`
	Evicted []string `json:"evicted,omitempty"`
}

// Repair reconciles the index with the stored snapshots. Index entries whose
// snapshot is gone are dropped and readable snapshots missing from the index
// are added back. Corrupt snapshots are reported and left in place.
func (s *Store) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport
	err := s.enqueue(ctx, "repair", func(ctx context.Context) error {
		if err := s.loadIndex(ctx); err != nil {
			return err
		}

		paths, err := s.backend.List(ctx, sessionDir+"/*.json")
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		onDisk := make(map[string]string, len(paths))
		for _, p := range paths {
			onDisk[strings.TrimSuffix(path.Base(p), ".json")] = p
		}

		for id := range s.index.Entries {
			if _, ok := onDisk[id]; !ok {
				delete(s.index.Entries, id)
				report.Dropped = append(report.Dropped, id)
			}
		}

		for id, p := range onDisk {
			if _, ok := s.index.Entries[id]; ok {
				continue
			}
			data, err := s.backend.ReadFile(ctx, p)
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			var snap types.SessionSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				s.log.Warn().Err(err).Str("path", p).Msg("skipping corrupt session")
				report.Corrupt = append(report.Corrupt, id)
				continue
			}
			snap.SessionID = id
			s.index.Entries[id] = entryFor(&snap)
			report.Indexed = append(report.Indexed, id)
		}

		report.Evicted = s.trim(ctx)
		s.log.Info().
			Int("dropped", len(report.Dropped)).
			Int("indexed", len(report.Indexed)).
			Int("corrupt", len(report.Corrupt)).
			Msg("repaired session index")
		return s.flushIndex(ctx)
	})
	return report, err
}
