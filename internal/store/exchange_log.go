package store

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/kristal-gateway/internal/hooks"
)

// Exchange statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 100

// Exchange is one logged query and its outcome.
type Exchange struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	ClientID  string    `json:"clientId"`
	KristalID string    `json:"kristalId,omitempty"`
	Query     string    `json:"query"`
	Response  string    `json:"response,omitempty"`
	Status    string    `json:"status"`
	ErrorKind string    `json:"errorKind,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMs int64     `json:"elapsedMs"`
	CreatedAt time.Time `json:"createdAt"`
}

// ExchangeLog appends query outcomes to the exchanges table.
type ExchangeLog struct {
	db  *DB
	now func() time.Time
}

// NewExchangeLog creates a log writing to db.
func NewExchangeLog(db *DB) *ExchangeLog {
	return &ExchangeLog{db: db, now: time.Now}
}

// Record appends e. A zero CreatedAt is stamped with the current time.
func (l *ExchangeLog) Record(ctx context.Context, e Exchange) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	res, err := l.db.sql.ExecContext(ctx,
		`INSERT INTO exchanges
			(session_id, client_id, kristal_id, query, response, status, error_kind, error, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.ClientID, e.KristalID, e.Query, e.Response,
		e.Status, e.ErrorKind, e.Error, e.ElapsedMs,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("recording exchange: %w", err)
	}
	return res.LastInsertId()
}

// History returns a session's exchanges, oldest first. limit <= 0 means
// DefaultHistoryLimit; the most recent entries win when the cap applies.
func (l *ExchangeLog) History(ctx context.Context, sessionID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := l.db.sql.QueryContext(ctx,
		`SELECT id, session_id, client_id, kristal_id, query, response, status, error_kind, error, elapsed_ms, created_at
		 FROM (
			SELECT * FROM exchanges WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	out := []Exchange{}
	for rows.Next() {
		var e Exchange
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.ClientID, &e.KristalID, &e.Query, &e.Response,
			&e.Status, &e.ErrorKind, &e.Error, &e.ElapsedMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			l.db.log.Debug().Err(err).Int64("id", e.ID).Str("createdAt", createdAt).Msg("unparseable exchange timestamp")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of logged exchanges for a session.
func (l *ExchangeLog) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := l.db.sql.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM exchanges WHERE session_id = ?", sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting exchanges: %w", err)
	}
	return n, nil
}

// Subscribe records every query_completed and query_failed event.
func (l *ExchangeLog) Subscribe(m *hooks.Manager) {
	m.On(hooks.EventQueryCompleted, "exchange-log", func(ctx context.Context, p hooks.Payload) error {
		_, err := l.Record(ctx, exchangeFrom(p, StatusOK))
		return err
	})
	m.On(hooks.EventQueryFailed, "exchange-log", func(ctx context.Context, p hooks.Payload) error {
		_, err := l.Record(ctx, exchangeFrom(p, StatusError))
		return err
	})
}

func exchangeFrom(p hooks.Payload, status string) Exchange {
	e := Exchange{
		SessionID: p.String("sessionId"),
		ClientID:  p.String("clientId"),
		KristalID: p.String("kristalId"),
		Query:     p.String("query"),
		Response:  p.String("response"),
		Status:    status,
		ErrorKind: p.String("kind"),
		Error:     p.String("error"),
	}
	switch v := p.Data["elapsedMs"].(type) {
	case int64:
		e.ElapsedMs = v
	case int:
		e.ElapsedMs = int64(v)
	case float64:
		e.ElapsedMs = int64(v)
	}
	return e
}
