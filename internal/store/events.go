package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/decaynet/cloud/internal/core"
)

// EventRepository is the C1 surface consumed by ingestion, analysis, the
// orchestrator, and the kernel feeder.
type EventRepository interface {
	InsertEvents(ctx context.Context, tx *sql.Tx, events []core.Event) error
	EventsInWindow(ctx context.Context, start, end time.Time) ([]core.Event, error)
	IntervalsInWindow(ctx context.Context, start, end time.Time) ([]int64, error)
	IntervalStats(ctx context.Context, start, end time.Time) (*IntervalStats, error)
	CountInWindow(ctx context.Context, start, end time.Time) (int64, error)
	RecentEvents(ctx context.Context, limit int) ([]core.Event, error)
	ListEvents(ctx context.Context, opts ListOptions) ([]core.Event, error)
}

// IntervalStats is the single-round-trip aggregate over positive
// consecutive hw_timestamp_ns deltas in a window. All values are in
// nanoseconds.
type IntervalStats struct {
	Count     int64   `json:"count"`
	MeanNs    float64 `json:"mean_ns"`
	StddevNs  float64 `json:"stddev_ns"`
	MinNs     int64   `json:"min_ns"`
	MaxNs     int64   `json:"max_ns"`
	MedianNs  float64 `json:"median_ns"`
}

// ListOptions controls paginated event listings.
type ListOptions struct {
	Page     int // 1-based
	PageSize int
	// Optional window; required for deep pagination.
	Start *time.Time
	End   *time.Time
}

// maxDeepPages bounds offset pagination on the partitioned store: beyond
// this many pages a time window must be supplied so chunks can be pruned.
const maxDeepPages = 100

// EventStore is the Postgres-backed EventRepository.
type EventStore struct {
	db *DB
}

func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `id, batch_id, hw_timestamp_ns, sequence_number, rpi_timestamp_us,
	tdc_timestamp_ps, channel, whitened, server_received, network_delay_ms,
	source_address, quality_score`

// InsertEvents appends a slice of events inside the caller's transaction.
// The pipeline calls this repeatedly per batch (flush discipline), so the
// statement is built per call for the actual slice length.
func (s *EventStore) InsertEvents(ctx context.Context, tx *sql.Tx, events []core.Event) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO events (batch_id, hw_timestamp_ns, sequence_number,
		rpi_timestamp_us, tdc_timestamp_ps, channel, whitened, server_received,
		network_delay_ms, source_address, quality_score) VALUES `)

	args := make([]interface{}, 0, len(events)*11)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11))
		args = append(args,
			nullString(e.BatchID), e.HWTimestampNs, e.SequenceNumber,
			e.RPITimestampUs, e.TDCTimestampPs, e.Channel, e.Whitened,
			e.ServerReceived, e.NetworkDelayMs, nullString(e.SourceAddress),
			e.QualityScore)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// EventsInWindow returns events whose server_received lies in [start, end),
// ordered by hw_timestamp_ns ascending.
func (s *EventStore) EventsInWindow(ctx context.Context, start, end time.Time) ([]core.Event, error) {
	if !end.After(start) {
		return nil, core.InvalidInput("window inverted: start=%s end=%s", start, end)
	}

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE server_received >= $1 AND server_received < $2
		 ORDER BY hw_timestamp_ns ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("events in window: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// IntervalsInWindow computes the positive consecutive hw_timestamp_ns
// deltas inside the store via a lag window, so rows never leave the
// database. Zero and negative deltas are filtered.
func (s *EventStore) IntervalsInWindow(ctx context.Context, start, end time.Time) ([]int64, error) {
	if !end.After(start) {
		return nil, core.InvalidInput("window inverted: start=%s end=%s", start, end)
	}

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT delta FROM (
			SELECT hw_timestamp_ns,
			       hw_timestamp_ns - lag(hw_timestamp_ns) OVER (ORDER BY hw_timestamp_ns) AS delta
			FROM events
			WHERE server_received >= $1 AND server_received < $2
		 ) d WHERE delta > 0 ORDER BY hw_timestamp_ns ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("intervals in window: %w", err)
	}
	defer rows.Close()

	var intervals []int64
	for rows.Next() {
		var delta int64
		if err := rows.Scan(&delta); err != nil {
			return nil, err
		}
		intervals = append(intervals, delta)
	}
	return intervals, rows.Err()
}

// IntervalStats aggregates the same lag-window deltas in one round trip.
func (s *EventStore) IntervalStats(ctx context.Context, start, end time.Time) (*IntervalStats, error) {
	if !end.After(start) {
		return nil, core.InvalidInput("window inverted: start=%s end=%s", start, end)
	}

	row := s.db.sql.QueryRowContext(ctx,
		`SELECT count(delta), coalesce(avg(delta), 0), coalesce(stddev_pop(delta), 0),
		        coalesce(min(delta), 0), coalesce(max(delta), 0),
		        coalesce(percentile_cont(0.5) WITHIN GROUP (ORDER BY delta), 0)
		 FROM (
			SELECT hw_timestamp_ns - lag(hw_timestamp_ns) OVER (ORDER BY hw_timestamp_ns) AS delta
			FROM events
			WHERE server_received >= $1 AND server_received < $2
		 ) d WHERE delta > 0`, start, end)

	var stats IntervalStats
	if err := row.Scan(&stats.Count, &stats.MeanNs, &stats.StddevNs,
		&stats.MinNs, &stats.MaxNs, &stats.MedianNs); err != nil {
		return nil, fmt.Errorf("interval stats: %w", err)
	}
	return &stats, nil
}

// CountInWindow returns the number of events in [start, end).
func (s *EventStore) CountInWindow(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT count(*) FROM events WHERE server_received >= $1 AND server_received < $2`,
		start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count in window: %w", err)
	}
	return count, nil
}

// RecentEvents lists the most recent limit events by hw_timestamp_ns
// descending.
func (s *EventStore) RecentEvents(ctx context.Context, limit int) ([]core.Event, error) {
	if limit <= 0 {
		return nil, core.InvalidInput("limit must be positive, got %d", limit)
	}

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY hw_timestamp_ns DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListEvents pages through events. Deep offsets over the hypertable are
// rejected unless a window allows chunk pruning.
func (s *EventStore) ListEvents(ctx context.Context, opts ListOptions) ([]core.Event, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}

	windowed := opts.Start != nil && opts.End != nil
	if opts.Page > maxDeepPages && !windowed {
		return nil, core.InvalidInput("page %d exceeds %d; supply a time window for deep pagination",
			opts.Page, maxDeepPages)
	}

	offset := (opts.Page - 1) * opts.PageSize
	var (
		rows *sql.Rows
		err  error
	)
	if windowed {
		rows, err = s.db.sql.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events
			 WHERE server_received >= $1 AND server_received < $2
			 ORDER BY hw_timestamp_ns ASC LIMIT $3 OFFSET $4`,
			*opts.Start, *opts.End, opts.PageSize, offset)
	} else {
		rows, err = s.db.sql.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events
			 ORDER BY hw_timestamp_ns ASC LIMIT $1 OFFSET $2`,
			opts.PageSize, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]core.Event, error) {
	var events []core.Event
	for rows.Next() {
		var (
			e       core.Event
			batchID sql.NullString
			source  sql.NullString
		)
		if err := rows.Scan(&e.ID, &batchID, &e.HWTimestampNs, &e.SequenceNumber,
			&e.RPITimestampUs, &e.TDCTimestampPs, &e.Channel, &e.Whitened,
			&e.ServerReceived, &e.NetworkDelayMs, &source, &e.QualityScore); err != nil {
			return nil, err
		}
		e.BatchID = batchID.String
		e.SourceAddress = source.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
