// Package monitoring records per-request telemetry for the gateway.
//
// DESIGN: One row per proxied request in a local SQLite database. Recording
// is fire-and-forget through a buffered channel so the request path never
// blocks on disk; a full buffer drops events with a log line rather than
// stalling.
package monitoring

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// RequestEvent is one routed request's telemetry.
type RequestEvent struct {
	RequestID    string
	Timestamp    time.Time
	SessionID    string
	Model        string // decided "provider,model"
	Rule         string // routing rule that fired
	StatusCode   int
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Error        string
}

// Tracker persists request events. A nil or disabled tracker is a no-op.
type Tracker struct {
	db     *sql.DB
	events chan *RequestEvent
	done   chan struct{}
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	request_id    TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	session_id    TEXT,
	model         TEXT,
	rule          TEXT,
	status_code   INTEGER,
	input_tokens  INTEGER,
	output_tokens INTEGER,
	latency_ms    INTEGER,
	error         TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id);
`

// NewTracker opens (or creates) the telemetry database and starts the
// writer loop.
func NewTracker(dbPath string) (*Tracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	t := &Tracker{
		db:     db,
		events: make(chan *RequestEvent, 256),
		done:   make(chan struct{}),
	}
	go t.writeLoop()
	return t, nil
}

// RecordRequest queues one event. Safe for concurrent use; drops when the
// buffer is full.
func (t *Tracker) RecordRequest(ev *RequestEvent) {
	if t == nil {
		return
	}
	select {
	case t.events <- ev:
	default:
		log.Warn().Str("request_id", ev.RequestID).Msg("telemetry buffer full, dropping event")
	}
}

func (t *Tracker) writeLoop() {
	defer close(t.done)
	for ev := range t.events {
		_, err := t.db.Exec(
			`INSERT INTO requests (request_id, timestamp, session_id, model, rule, status_code, input_tokens, output_tokens, latency_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.RequestID, ev.Timestamp.Format(time.RFC3339Nano), ev.SessionID, ev.Model, ev.Rule,
			ev.StatusCode, ev.InputTokens, ev.OutputTokens, ev.LatencyMs, ev.Error,
		)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry write failed")
		}
	}
}

// Close drains pending events and closes the database.
func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	close(t.events)
	<-t.done
	return t.db.Close()
}
