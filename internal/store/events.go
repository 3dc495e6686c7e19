package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
)

// Event is one audit row: an HTTP exchange or a system event.
type Event struct {
	ID         int64          `json:"id"`
	RequestID  string         `json:"request_id"`
	TS         int64          `json:"ts"`
	Method     string         `json:"method,omitempty"`
	Path       string         `json:"path,omitempty"`
	Status     int            `json:"status"`
	Action     string         `json:"action"`
	DurationMS int64          `json:"duration_ms"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type eventInsert struct {
	ev   Event
	meta string
}

// RecordEvent appends an audit row. Best-effort by default: the row goes
// through a bounded queue and a full queue drops with a WARN. The insert is
// synchronous when audit-sync is configured or the action is "discovery";
// even then an insert failure never fails the caller's request.
func (s *Store) RecordEvent(ctx context.Context, ev Event) {
	if s.db == nil {
		return
	}
	if ev.TS == 0 {
		ev.TS = time.Now().Unix()
	}
	metaJSON := encodeMeta(ev.Meta)

	if s.auditSync || ev.Action == "discovery" {
		if err := s.insertEvent(ctx, ev, metaJSON); err != nil {
			logger.GetLogger(ctx).Warn("event insert failed",
				zap.String("action", ev.Action), zap.Error(err))
		}
		return
	}

	select {
	case <-s.closed:
	case s.events <- eventInsert{ev: ev, meta: metaJSON}:
	default:
		logger.GetLogger(ctx).Warn("event queue full, dropping audit row",
			zap.String("action", ev.Action), zap.String("request_id", ev.RequestID))
	}
}

func (s *Store) drainEvents() {
	defer s.wg.Done()
	for {
		select {
		case ins := <-s.events:
			if err := s.insertEvent(context.Background(), ins.ev, ins.meta); err != nil {
				logger.GetLogger(nil).Warn("async event insert failed", zap.Error(err))
			}
		case <-s.closed:
			// Flush whatever is still queued before the pool closes.
			for {
				select {
				case ins := <-s.events:
					if err := s.insertEvent(context.Background(), ins.ev, ins.meta); err != nil {
						logger.GetLogger(nil).Warn("async event insert failed", zap.Error(err))
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insertEvent(ctx context.Context, ev Event, metaJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO event_log (request_id, ts, method, path, status, action, duration_ms, meta)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.TS, nullable(ev.Method), nullable(ev.Path),
		ev.Status, ev.Action, ev.DurationMS, nullable(metaJSON))
	return err
}

// EventFilter narrows QueryEvents. Zero values mean "no constraint".
type EventFilter struct {
	RequestID  string
	PathPrefix string
	Status     int
	Action     string
	FromTS     int64
	ToTS       int64

	// Either Limit, or Page+PerPage.
	Limit   int
	Page    int
	PerPage int
}

// QueryEvents reads audit rows newest-first with the given filters.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	if s.db == nil {
		return nil, fmt.Errorf("db-unavailable")
	}

	var conds []string
	var args []any
	if f.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.PathPrefix != "" {
		conds = append(conds, "path LIKE ?")
		args = append(args, f.PathPrefix+"%")
	}
	if f.Status != 0 {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.FromTS != 0 {
		conds = append(conds, "ts >= ?")
		args = append(args, f.FromTS)
	}
	if f.ToTS != 0 {
		conds = append(conds, "ts <= ?")
		args = append(args, f.ToTS)
	}

	q := "SELECT id, request_id, ts, method, path, status, action, duration_ms, meta FROM event_log"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC"

	limit := f.Limit
	offset := 0
	if f.PerPage > 0 {
		limit = f.PerPage
		if f.Page > 1 {
			offset = (f.Page - 1) * f.PerPage
		}
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var method, path, meta *string
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.TS, &method, &path,
			&ev.Status, &ev.Action, &ev.DurationMS, &meta); err != nil {
			return nil, err
		}
		if method != nil {
			ev.Method = *method
		}
		if path != nil {
			ev.Path = *path
		}
		if meta != nil && *meta != "" {
			_ = json.Unmarshal([]byte(*meta), &ev.Meta)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastWebhookEvents aggregates the newest github-webhook event per unit.
func (s *Store) LastWebhookEvents(ctx context.Context) (map[string]Event, error) {
	events, err := s.QueryEvents(ctx, EventFilter{Action: "github-webhook", Limit: 500})
	if err != nil {
		return nil, err
	}
	out := make(map[string]Event)
	for _, ev := range events {
		unit, _ := ev.Meta["unit"].(string)
		if unit == "" {
			continue
		}
		if _, seen := out[unit]; !seen {
			out[unit] = ev
		}
	}
	return out, nil
}

func encodeMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
