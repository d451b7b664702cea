package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	json "github.com/goccy/go-json"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/scheduler"
)

const defaultPageSize = 256

// Option configures a SQL store.
type Option func(*SQLStore)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPageSize sets how many rows ListDue fetches per query.
func WithPageSize(n int) Option {
	return func(s *SQLStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// SQLStore keeps envelopes and states in a SQL database. It supports the
// sqlite3, postgres and mysql drivers.
type SQLStore struct {
	db       *sql.DB
	driver   string
	pageSize int
	logger   *slog.Logger
}

// OpenSQL opens the database, applies connection settings for the driver and
// creates the schema if needed.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	s := &SQLStore{
		driver:   driver,
		pageSize: defaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store", "driver", driver)

	var err error
	switch driver {
	case "sqlite3":
		dsn, err = sqliteDSN(dsn)
	case "mysql":
		dsn, err = mysqlDSN(dsn)
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, persistenceError("open", err)
	}

	switch driver {
	case "sqlite3":
		// SQLite supports only one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, persistenceError("ping", err)
	}

	s.db = db
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, persistenceError("init schema", err)
	}

	s.logger.Info("Store opened")
	return s, nil
}

func sqliteDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("sqlite3 store requires a database path")
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("failed to create directory for SQLite database: %w", err)
		}
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	return dsn, nil
}

// mysqlDSN makes UPDATE report matched rather than changed rows, so that
// PersistState can tell a missing state from an unchanged one.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func (s *SQLStore) schema() []string {
	var (
		key  = "TEXT"
		text = "TEXT"
	)
	if s.driver == "mysql" {
		key = "VARCHAR(64)"
		text = "MEDIUMTEXT"
	}
	domain := key
	if s.driver == "mysql" {
		domain = "VARCHAR(255)"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue_envelopes (
			id %[1]s PRIMARY KEY,
			sender %[2]s NOT NULL,
			recipients %[2]s NOT NULL,
			blob_ref %[2]s NOT NULL,
			non_bounce INTEGER NOT NULL,
			dsn_for %[2]s NOT NULL,
			created_at BIGINT NOT NULL
		)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue_states (
			id %[1]s PRIMARY KEY,
			envelope_id %[1]s NOT NULL,
			domain %[3]s NOT NULL,
			status VARCHAR(16) NOT NULL,
			pending %[2]s NOT NULL,
			delivered %[2]s NOT NULL,
			bounced %[2]s NOT NULL,
			attempts INTEGER NOT NULL,
			resolution_failures INTEGER NOT NULL,
			next_attempt BIGINT NOT NULL,
			last_failure %[2]s,
			expires_at BIGINT NOT NULL,
			delay_warned INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, key, text, domain),
		`CREATE INDEX idx_queue_states_due ON queue_states(status, next_attempt, id)`,
		`CREATE INDEX idx_queue_states_envelope ON queue_states(envelope_id)`,
	}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if strings.HasPrefix(stmt, "CREATE INDEX") && s.driver != "mysql" {
			stmt = strings.Replace(stmt, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.driver == "mysql" && isDuplicateIndex(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1061
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const stateColumns = `id, envelope_id, domain, status, pending, delivered, bounced, attempts,
	resolution_failures, next_attempt, last_failure, expires_at, delay_warned, created_at, updated_at`

// SaveEnvelope stores a new envelope and its states in one transaction.
func (s *SQLStore) SaveEnvelope(ctx context.Context, env *envelope.Envelope, states []scheduler.State) error {
	rcpts, err := json.Marshal(env.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("save envelope", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO queue_envelopes
		(id, sender, recipients, blob_ref, non_bounce, dsn_for, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		env.ID, env.Sender, string(rcpts), env.BlobRef, boolInt(env.NonBounceEligible), env.DSNFor, env.CreatedAt.UnixNano())
	if err != nil {
		return persistenceError("save envelope", err)
	}

	insert := s.rebind(`INSERT INTO queue_states (` + stateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, st := range states {
		args, err := stateArgs(st)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return persistenceError("save envelope", err)
		}
	}

	return persistenceError("save envelope", tx.Commit())
}

// Load returns an envelope by id.
func (s *SQLStore) Load(ctx context.Context, envelopeID string) (*envelope.Envelope, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, sender, recipients, blob_ref, non_bounce, dsn_for, created_at
		FROM queue_envelopes WHERE id = ?`), envelopeID)

	var (
		env       envelope.Envelope
		rcpts     string
		nonBounce int
		created   int64
	)
	err := row.Scan(&env.ID, &env.Sender, &rcpts, &env.BlobRef, &nonBounce, &env.DSNFor, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("envelope %s: %w", envelopeID, ErrNotFound)
	}
	if err != nil {
		return nil, persistenceError("load", err)
	}
	if err := json.Unmarshal([]byte(rcpts), &env.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients of envelope %s: %w", envelopeID, err)
	}
	env.NonBounceEligible = nonBounce != 0
	env.CreatedAt = time.Unix(0, created).UTC()
	return &env, nil
}

// PersistState overwrites a state. It returns ErrNotFound if the state no
// longer exists, for example because its envelope was deleted, and
// ErrTerminal if the stored state is already Delivered or Bounced.
func (s *SQLStore) PersistState(ctx context.Context, st scheduler.State) error {
	args, err := stateArgs(st)
	if err != nil {
		return err
	}
	// Move id to the WHERE clause.
	args = append(args[1:], args[0], string(scheduler.StatusDelivered), string(scheduler.StatusBounced))

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE queue_states SET
		envelope_id = ?, domain = ?, status = ?, pending = ?, delivered = ?, bounced = ?,
		attempts = ?, resolution_failures = ?, next_attempt = ?, last_failure = ?,
		expires_at = ?, delay_warned = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`), args...)
	if err != nil {
		return persistenceError("persist state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceError("persist state", err)
	}
	if n > 0 {
		return nil
	}
	cur, err := s.LoadState(ctx, st.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("state %s is %s: %w", st.ID, cur.Status, ErrTerminal)
}

// LoadState returns a state by id.
func (s *SQLStore) LoadState(ctx context.Context, id string) (scheduler.State, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+stateColumns+` FROM queue_states WHERE id = ?`), id)
	if err != nil {
		return scheduler.State{}, persistenceError("load state", err)
	}
	states, err := scanStates(rows)
	if err != nil {
		return scheduler.State{}, persistenceError("load state", err)
	}
	if len(states) == 0 {
		return scheduler.State{}, fmt.Errorf("state %s: %w", id, ErrNotFound)
	}
	return states[0], nil
}

// States returns the states of an envelope.
func (s *SQLStore) States(ctx context.Context, envelopeID string) ([]scheduler.State, error) {
	return s.List(ctx, Filter{EnvelopeID: envelopeID})
}

// List returns states matching the filter, ordered by next attempt.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]scheduler.State, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.EnvelopeID != "" {
		where = append(where, "envelope_id = ?")
		args = append(args, f.EnvelopeID)
	}

	query := `SELECT ` + stateColumns + ` FROM queue_states`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY next_attempt, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, persistenceError("list", err)
	}
	states, err := scanStates(rows)
	if err != nil {
		return nil, persistenceError("list", err)
	}
	return states, nil
}

// ListDue yields waiting states one page at a time using keyset pagination
// on (next_attempt, id). No rows are held open while the caller runs.
func (s *SQLStore) ListDue(ctx context.Context, before time.Time) iter.Seq2[scheduler.State, error] {
	return func(yield func(scheduler.State, error) bool) {
		first := s.rebind(`SELECT ` + stateColumns + ` FROM queue_states
			WHERE status IN (?, ?, ?) AND next_attempt <= ?
			ORDER BY next_attempt, id LIMIT ?`)
		next := s.rebind(`SELECT ` + stateColumns + ` FROM queue_states
			WHERE status IN (?, ?, ?) AND next_attempt <= ?
			AND (next_attempt > ? OR (next_attempt = ? AND id > ?))
			ORDER BY next_attempt, id LIMIT ?`)

		limit := before.UnixNano()
		waiting := []any{string(scheduler.StatusQueued), string(scheduler.StatusInFlight), string(scheduler.StatusDeferred)}

		var (
			lastTime int64
			lastID   string
			started  bool
		)
		for {
			var rows *sql.Rows
			var err error
			if !started {
				rows, err = s.db.QueryContext(ctx, first, append(waiting, limit, s.pageSize)...)
			} else {
				rows, err = s.db.QueryContext(ctx, next, append(waiting, limit, lastTime, lastTime, lastID, s.pageSize)...)
			}
			if err != nil {
				yield(scheduler.State{}, persistenceError("list due", err))
				return
			}
			page, err := scanStates(rows)
			if err != nil {
				yield(scheduler.State{}, persistenceError("list due", err))
				return
			}

			for _, st := range page {
				if !yield(st, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}

			tail := page[len(page)-1]
			lastTime, lastID, started = tail.NextAttempt.UnixNano(), tail.ID, true
		}
	}
}

// Delete removes an envelope and its states.
func (s *SQLStore) Delete(ctx context.Context, envelopeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM queue_states WHERE envelope_id = ?`), envelopeID); err != nil {
		return persistenceError("delete", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM queue_envelopes WHERE id = ?`), envelopeID); err != nil {
		return persistenceError("delete", err)
	}
	return persistenceError("delete", tx.Commit())
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func stateArgs(st scheduler.State) ([]any, error) {
	pending, err := json.Marshal(nonNil(st.Pending))
	if err != nil {
		return nil, fmt.Errorf("encode pending recipients: %w", err)
	}
	delivered, err := json.Marshal(nonNil(st.Delivered))
	if err != nil {
		return nil, fmt.Errorf("encode delivered recipients: %w", err)
	}
	bounced := []byte("[]")
	if len(st.Bounced) > 0 {
		if bounced, err = json.Marshal(st.Bounced); err != nil {
			return nil, fmt.Errorf("encode bounced recipients: %w", err)
		}
	}
	var lastFailure sql.NullString
	if st.LastFailure != nil {
		data, err := json.Marshal(st.LastFailure)
		if err != nil {
			return nil, fmt.Errorf("encode last failure: %w", err)
		}
		lastFailure = sql.NullString{String: string(data), Valid: true}
	}

	return []any{
		st.ID, st.EnvelopeID, st.Domain, string(st.Status),
		string(pending), string(delivered), string(bounced),
		st.Attempts, st.ResolutionFailures, st.NextAttempt.UnixNano(), lastFailure,
		st.ExpiresAt.UnixNano(), boolInt(st.DelayWarned), st.CreatedAt.UnixNano(), st.UpdatedAt.UnixNano(),
	}, nil
}

func scanStates(rows *sql.Rows) ([]scheduler.State, error) {
	defer rows.Close()

	var out []scheduler.State
	for rows.Next() {
		var (
			st                          scheduler.State
			status                      string
			pending, delivered, bounced string
			lastFailure                 sql.NullString
			next, expires, created, upd int64
			delayWarned                 int
		)
		err := rows.Scan(&st.ID, &st.EnvelopeID, &st.Domain, &status, &pending, &delivered, &bounced,
			&st.Attempts, &st.ResolutionFailures, &next, &lastFailure, &expires, &delayWarned, &created, &upd)
		if err != nil {
			return nil, err
		}

		st.Status = scheduler.Status(status)
		if err := json.Unmarshal([]byte(pending), &st.Pending); err != nil {
			return nil, fmt.Errorf("decode pending recipients of state %s: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(delivered), &st.Delivered); err != nil {
			return nil, fmt.Errorf("decode delivered recipients of state %s: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(bounced), &st.Bounced); err != nil {
			return nil, fmt.Errorf("decode bounced recipients of state %s: %w", st.ID, err)
		}
		if lastFailure.Valid {
			st.LastFailure = new(scheduler.Failure)
			if err := json.Unmarshal([]byte(lastFailure.String), st.LastFailure); err != nil {
				return nil, fmt.Errorf("decode last failure of state %s: %w", st.ID, err)
			}
		}
		if len(st.Pending) == 0 {
			st.Pending = nil
		}
		if len(st.Delivered) == 0 {
			st.Delivered = nil
		}
		if len(st.Bounced) == 0 {
			st.Bounced = nil
		}
		st.NextAttempt = time.Unix(0, next).UTC()
		st.ExpiresAt = time.Unix(0, expires).UTC()
		st.CreatedAt = time.Unix(0, created).UTC()
		st.UpdatedAt = time.Unix(0, upd).UTC()
		st.DelayWarned = delayWarned != 0

		out = append(out, st)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
