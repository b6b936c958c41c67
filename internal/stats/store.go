package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so created_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one row of the delivery log.
type Record struct {
	ID         string    `json:"id"`
	DispatchID string    `json:"dispatch_id"`
	Processor  string    `json:"processor"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	ItemHash   string    `json:"item_hash"`
	ItemID     string    `json:"item_id"`
	Origin     string    `json:"origin,omitempty"`
	Duration   int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store appends delivery outcomes to the delivery_log table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts rec, assigning an id and timestamp when missing.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.Processor == "" {
		return fmt.Errorf("delivery record has no processor")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_log(id, dispatch_id, processor, outcome, reason, item_hash, item_id, origin, duration_ms, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.DispatchID, rec.Processor, rec.Outcome, nullString(rec.Reason), rec.ItemHash, rec.ItemID,
		nullString(rec.Origin), rec.Duration, rec.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

// Summaries aggregates the log into one Entry per processor. Only delivered
// and failed rows count, matching the live counters.
func (s *Store) Summaries(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT processor, outcome, COUNT(*), MAX(created_at)
FROM delivery_log
WHERE outcome IN ('delivered', 'failed')
GROUP BY processor, outcome;
`)
	if err != nil {
		return nil, fmt.Errorf("query delivery summaries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var (
			name, outcome, lastS string
			count                uint64
		)
		if err := rows.Scan(&name, &outcome, &count, &lastS); err != nil {
			return nil, fmt.Errorf("scan delivery summary: %w", err)
		}
		last, _ := time.Parse(timeLayout, lastS)
		e := out[name]
		if outcome == "delivered" {
			e.OKCount = count
			e.LastOKTime = last
		} else {
			e.ErrorCount = count
			e.LastErrorTime = last
		}
		out[name] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery summaries: %w", err)
	}
	_ = rows.Close()

	for name, e := range out {
		if e.ErrorCount == 0 {
			continue
		}
		var reason sql.NullString
		err := s.db.QueryRowContext(ctx, `
SELECT reason FROM delivery_log
WHERE processor = ? AND outcome = 'failed'
ORDER BY created_at DESC LIMIT 1;
`, name).Scan(&reason)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("query last failure of %q: %w", name, err)
		}
		e.LastErrorReason = reason.String
		out[name] = e
	}
	return out, nil
}

// Recent returns the newest records of one processor, newest first. An empty
// processor name returns records of all processors.
func (s *Store) Recent(ctx context.Context, processor string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
SELECT id, dispatch_id, processor, outcome, reason, item_hash, item_id, origin, duration_ms, created_at
FROM delivery_log`
	args := []any{}
	if processor != "" {
		q += ` WHERE processor = ?`
		args = append(args, processor)
	}
	q += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec            Record
			reason, origin sql.NullString
			createdS       string
		)
		if err := rows.Scan(&rec.ID, &rec.DispatchID, &rec.Processor, &rec.Outcome, &reason, &rec.ItemHash,
			&rec.ItemID, &origin, &rec.Duration, &createdS); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		rec.Reason = reason.String
		rec.Origin = origin.String
		if t, err := time.Parse(timeLayout, createdS); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_log WHERE created_at < ?;`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune delivery log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
