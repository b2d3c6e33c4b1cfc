package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/emitter"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// ErrJournalFull is returned when the write buffer cannot take another event.
var ErrJournalFull = errors.New("storage: journal buffer full")

const (
	defaultJournalBuffer = 256
	maxJournalBatch      = 64
)

// Record is one journaled outbound event.
type Record struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Kind       string          `json:"kind"`
	URL        string          `json:"url,omitempty"`
	Summary    PageSummary     `json:"summary"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

type journalEntry struct {
	sessionID string
	event     browser.Event
	at        time.Time
	barrier   chan struct{}
}

// Journal is an event sink that appends outbound events to SQLite. Emit
// never waits on the database: events are queued for a single writer
// goroutine and rejected with ErrJournalFull when the queue is full.
type Journal struct {
	store   *Store
	logger  *observability.Logger
	entries chan journalEntry
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewJournal starts a journal writing to store.
func NewJournal(store *Store, buffer int, logger *observability.Logger) *Journal {
	if buffer <= 0 {
		buffer = defaultJournalBuffer
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	j := &Journal{
		store:   store,
		logger:  logger.WithComponent("journal"),
		entries: make(chan journalEntry, buffer),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Emit queues event for writing.
func (j *Journal) Emit(sessionID string, event browser.Event) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrStoreClosed
	}
	select {
	case j.entries <- journalEntry{sessionID: sessionID, event: event, at: j.now()}:
		return nil
	default:
		j.dropped.Add(1)
		return ErrJournalFull
	}
}

// Dropped reports how many events were rejected because the buffer was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Flush waits until every event queued before the call has been written.
func (j *Journal) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrStoreClosed
	}
	select {
	case j.entries <- journalEntry{barrier: barrier}:
		j.mu.RUnlock()
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		<-j.done
		return nil
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()
	<-j.done
	return nil
}

func (j *Journal) run() {
	defer close(j.done)
	batch := make([]journalEntry, 0, maxJournalBatch)
	for entry := range j.entries {
		batch = append(batch[:0], entry)
	fill:
		for len(batch) < maxJournalBatch {
			select {
			case next, ok := <-j.entries:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		j.write(batch)
	}
}

func (j *Journal) write(batch []journalEntry) {
	rows := make([]Record, 0, len(batch))
	var barriers []chan struct{}
	for _, entry := range batch {
		if entry.barrier != nil {
			barriers = append(barriers, entry.barrier)
			continue
		}
		rec, err := buildRecord(entry)
		if err != nil {
			j.logger.Warn("journal skipped event", slog.String("error", err.Error()))
			continue
		}
		rows = append(rows, rec)
	}

	if len(rows) > 0 {
		err := j.insert(rows)
		if isBusyError(err) {
			time.Sleep(50 * time.Millisecond)
			err = j.insert(rows)
		}
		if err != nil {
			j.logger.Error("journal write failed",
				slog.Int("events", len(rows)),
				slog.String("error", err.Error()),
			)
			observability.SinkErrors.WithLabelValues("journal").Add(float64(len(rows)))
		}
	}
	for _, b := range barriers {
		close(b)
	}
}

func (j *Journal) insert(rows []Record) error {
	tx, err := j.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO events
		(event_id, session_id, kind, url, payload, recorded_at, title, html_bytes, link_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.ID, r.SessionID, r.Kind, r.URL, string(r.Payload), r.RecordedAt.UnixMilli(),
			r.Summary.Title, r.Summary.HTMLBytes, r.Summary.LinkCount); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// buildRecord marshals an event for storage. Navigation bodies are replaced
// by their summary.
func buildRecord(entry journalEntry) (Record, error) {
	rec := Record{
		ID:         entry.event.EventID(),
		SessionID:  entry.sessionID,
		Kind:       string(entry.event.Kind()),
		RecordedAt: entry.at,
	}
	event := entry.event
	switch e := event.(type) {
	case browser.NavigationEvent:
		rec.URL = e.URL
		rec.Summary = Summarize(e.HTML)
		e.HTML = ""
		event = e
	case *browser.NavigationEvent:
		rec.URL = e.URL
		rec.Summary = Summarize(e.HTML)
		stripped := *e
		stripped.HTML = ""
		event = stripped
	case browser.LocationChangedEvent:
		rec.URL = e.URL
	case *browser.LocationChangedEvent:
		rec.URL = e.URL
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s: %w", rec.Kind, err)
	}
	rec.Payload = payload
	return rec, nil
}

// Events returns up to limit of the most recent events for sessionID in
// emission order. A non-positive limit returns every event.
func (j *Journal) Events(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	query := `SELECT seq, event_id, session_id, kind, url, payload, recorded_at, title, html_bytes, link_count
		FROM events WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			payload string
			at      int64
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.SessionID, &r.Kind, &r.URL, &payload, &at,
			&r.Summary.Title, &r.Summary.HTMLBytes, &r.Summary.LinkCount); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		r.RecordedAt = time.UnixMilli(at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Sessions lists session ids with journaled events.
func (j *Journal) Sessions(ctx context.Context) ([]string, error) {
	rows, err := j.store.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM events ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var _ emitter.Sink = (*Journal)(nil)
