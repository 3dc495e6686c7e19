package store

import (
	"context"
	"time"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
)

// DiscoveredUnit is one auto-discovered eligible unit.
type DiscoveredUnit struct {
	Unit         string               `json:"unit"`
	Source       enum.DiscoverySource `json:"source"`
	DiscoveredAt int64                `json:"discovered_at"`
}

// UpsertDiscoveredUnit records a unit sighting; re-discovery of a known
// unit refreshes its source and timestamp.
func (s *Store) UpsertDiscoveredUnit(ctx context.Context, unit string, source enum.DiscoverySource, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO discovered_units (unit, source, discovered_at) VALUES (?, ?, ?)
ON CONFLICT(unit) DO UPDATE SET source = excluded.source, discovered_at = excluded.discovered_at`,
		unit, string(source), now.Unix())
	return err
}

// ListDiscoveredUnits returns all discovered units sorted by name.
func (s *Store) ListDiscoveredUnits(ctx context.Context) ([]DiscoveredUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit, source, discovered_at FROM discovered_units ORDER BY unit`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DiscoveredUnit
	for rows.Next() {
		var u DiscoveredUnit
		var source string
		if err := rows.Scan(&u.Unit, &source, &u.DiscoveredAt); err != nil {
			return nil, err
		}
		u.Source = enum.DiscoverySource(source)
		out = append(out, u)
	}
	return out, rows.Err()
}
