package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// timestamps are stored as fixed-width UTC text so they sort and compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Logger writes and queries payment audit entries in a dedicated SQLite database.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	done    chan struct{}
	wg      sync.WaitGroup
	exclude map[string]bool
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	exc := make(map[string]bool)
	for _, v := range cfg.ExcludeTools {
		exc[v] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		done:    make(chan struct{}),
		exclude: exc,
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS payment_audit (
		event_id     TEXT PRIMARY KEY,
		event        TEXT NOT NULL,
		tool         TEXT NOT NULL,
		amount       TEXT NOT NULL DEFAULT '0',
		tx_reference TEXT,
		token_prefix TEXT,
		agent_id     TEXT,
		status_code  INTEGER,
		reason       TEXT,
		created_at   TEXT NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_payment_audit_tool ON payment_audit(tool)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_payment_audit_created ON payment_audit(created_at)`)
	return err
}

// Log inserts an audit entry. A nil Logger discards entries.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[entry.Tool] {
		return nil
	}
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO payment_audit
		(event_id, event, tool, amount, tx_reference, token_prefix, agent_id,
		 status_code, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, string(entry.Event), entry.Tool, entry.Amount.String(),
		entry.TxReference, TokenPrefix(entry.TokenPrefix), entry.AgentID,
		entry.StatusCode, entry.Reason, formatTime(entry.CreatedAt),
	)
	return err
}

// Query returns audit entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT event_id, event, tool, amount, tx_reference, token_prefix, agent_id,
		status_code, reason, created_at
		FROM payment_audit WHERE 1=1`
	var args []any

	if opts.EventID != "" {
		q += " AND event_id = ?"
		args = append(args, opts.EventID)
	}
	if opts.Event != "" {
		q += " AND event = ?"
		args = append(args, string(opts.Event))
	}
	if opts.Tool != "" {
		q += " AND tool = ?"
		args = append(args, opts.Tool)
	}
	if opts.AgentID != "" {
		q += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, formatTime(opts.Since))
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e                            models.AuditEntry
			event, amount, created       string
			txRef, prefix, agent, reason sql.NullString
			status                       sql.NullInt64
		)
		if err := rows.Scan(
			&e.EventID, &event, &e.Tool, &amount, &txRef, &prefix, &agent,
			&status, &reason, &created,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Event = models.AuditEvent(event)
		e.Amount, _ = decimal.NewFromString(amount)
		e.TxReference = txRef.String
		e.TokenPrefix = prefix.String
		e.AgentID = agent.String
		e.StatusCode = int(status.Int64)
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(tsLayout, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns event counts and amounts grouped by event and UTC day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event, substr(created_at, 1, 10) AS day, amount
		 FROM payment_audit ORDER BY day DESC, event`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var event, day, amount string
		if err := rows.Scan(&event, &day, &amount); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		v, _ := decimal.NewFromString(amount)
		n := len(stats)
		if n > 0 && stats[n-1].Day == day && string(stats[n-1].Event) == event {
			stats[n-1].Count++
			stats[n-1].Spent = stats[n-1].Spent.Add(v)
			continue
		}
		stats = append(stats, models.AuditStat{Event: models.AuditEvent(event), Day: day, Count: 1, Spent: v})
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM payment_audit WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	if l.cfg.RetentionDays <= 0 {
		<-l.done
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// TokenPrefix shortens a confirmation token to the 8 characters kept in the
// audit trail. Full tokens are never stored.
func TokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}
