package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/fitjourney/subscriptions/internal/tiers"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and locates the backing database.
type Options struct {
	Driver  string // sqlite (default) or postgres
	DataDir string // sqlite: directory holding subscriptions.db
	DSN     string // postgres: connection string
}

// Registry stores user accounts and pending activations.
type Registry struct {
	db     *sql.DB
	driver string
}

// New opens the registry database and applies pending migrations.
func New(ctx context.Context, opts Options) (*Registry, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db      *sql.DB
		err     error
		dialect goose.Dialect
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(opts.DataDir)
		dialect = goose.DialectSQLite3
	case DriverPostgres:
		db, err = openPostgres(opts.DSN)
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	r := &Registry{db: db, driver: driver}
	if err := r.migrate(ctx, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func openSQLite(dir string) (*sql.DB, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("sqlite registry requires a data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "subscriptions.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres registry requires a DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func (r *Registry) migrate(ctx context.Context, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, r.db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(results) > 0 {
		log.Info().Str("driver", r.driver).Int("applied", len(results)).Msg("Registry migrations applied")
	}
	return nil
}

// Driver returns the database driver in use.
func (r *Registry) Driver() string {
	return r.driver
}

// Ping checks database connectivity (used by the readiness check).
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (r *Registry) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (r *Registry) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.rebind(query), args...)
}

func (r *Registry) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, r.rebind(query), args...)
}

func (r *Registry) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, r.rebind(query), args...)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, email, full_name, tier, status, period_start, period_end, sale_ref, created_at, updated_at`

// CreateUser inserts a new account. The email is normalized before storage.
// A duplicate email is reported as a conflict.
func (r *Registry) CreateUser(ctx context.Context, u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	u.Email = NormalizeEmail(u.Email)
	if u.Email == "" {
		return fmt.Errorf("create user: %w", internalerrors.ErrInvalidInput)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = StatusNone
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	existing, err := r.FindUserByEmail(ctx, u.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("user %q: %w", u.Email, internalerrors.ErrConflict)
	}

	_, err = r.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.FullName, string(u.Tier), string(u.Status),
		nullableTimeUnix(u.PeriodStart), nullableTimeUnix(u.PeriodEnd), u.SaleRef,
		u.CreatedAt.Unix(), u.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser retrieves an account by ID. It returns nil, nil when absent.
func (r *Registry) GetUser(ctx context.Context, id string) (*User, error) {
	row := r.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// FindUserByEmail retrieves an account by email, ignoring case. It returns
// nil, nil when absent.
func (r *Registry) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, NormalizeEmail(email))
	return scanUser(row)
}

// UpdateSubscription overwrites the subscription fields of an account.
func (r *Registry) UpdateSubscription(ctx context.Context, userID string, sub Subscription) error {
	res, err := r.exec(ctx, `
		UPDATE users SET
			tier = ?, status = ?, period_start = ?, period_end = ?, sale_ref = ?, updated_at = ?
		WHERE id = ?`,
		string(sub.Tier), string(sub.Status),
		sub.PeriodStart.UTC().Unix(), sub.PeriodEnd.UTC().Unix(), sub.SaleRef,
		time.Now().UTC().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q: %w", userID, internalerrors.ErrNotFound)
	}
	return nil
}

// ListUsers returns accounts, newest first. An empty status lists all.
func (r *Registry) ListUsers(ctx context.Context, status SubscriptionStatus) ([]*User, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = r.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id`)
	} else {
		rows, err = r.query(ctx, `SELECT `+userColumns+` FROM users WHERE status = ? ORDER BY created_at DESC, id`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

// CountUsersByStatus returns a map of status -> count.
func (r *Registry) CountUsersByStatus(ctx context.Context) (map[SubscriptionStatus]int, error) {
	rows, err := r.query(ctx, `SELECT status, COUNT(*) FROM users GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count users by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[SubscriptionStatus(status)] = count
	}
	return counts, rows.Err()
}

// ExpireSubscriptions flips every active account whose period ended before
// now to expired and returns the accounts it changed.
func (r *Registry) ExpireSubscriptions(ctx context.Context, now time.Time) ([]*User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.UTC().Unix()
	rows, err := tx.QueryContext(ctx, r.rebind(`SELECT `+userColumns+` FROM users
		WHERE status = ? AND period_end IS NOT NULL AND period_end < ?
		ORDER BY period_end, id`), string(StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("select expired users: %w", err)
	}
	expired, err := scanUsers(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	updatedAt := now.UTC()
	if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE users SET status = ?, updated_at = ?
		WHERE status = ? AND period_end IS NOT NULL AND period_end < ?`),
		string(StatusExpired), updatedAt.Unix(), string(StatusActive), cutoff); err != nil {
		return nil, fmt.Errorf("expire users: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire tx: %w", err)
	}

	for _, u := range expired {
		u.Status = StatusExpired
		u.UpdatedAt = updatedAt.Truncate(time.Second)
	}
	return expired, nil
}

// ---------------------------------------------------------------------------
// Pending activations
// ---------------------------------------------------------------------------

const pendingColumns = `id, email, tier, period_start, period_end, sale_ref, provider, raw_payload, activated, activated_at, created_at, updated_at`

// UpsertPendingActivation stores p keyed by email. A record that already
// exists for the email is overwritten and reset to unactivated; its ID and
// creation time are kept. p.ID is set to the stored record's ID.
func (r *Registry) UpsertPendingActivation(ctx context.Context, p *PendingActivation) error {
	if p == nil {
		return fmt.Errorf("pending activation is nil")
	}
	p.Email = NormalizeEmail(p.Email)
	if p.Email == "" {
		return fmt.Errorf("upsert pending activation: %w", internalerrors.ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Activated = false
	p.ActivatedAt = nil

	_, err := r.exec(ctx, `
		INSERT INTO pending_activations (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			tier = excluded.tier,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			sale_ref = excluded.sale_ref,
			provider = excluded.provider,
			raw_payload = excluded.raw_payload,
			activated = 0,
			activated_at = NULL,
			updated_at = excluded.updated_at`,
		p.ID, p.Email, string(p.Tier),
		p.PeriodStart.UTC().Unix(), p.PeriodEnd.UTC().Unix(),
		p.SaleRef, p.Provider, string(p.RawPayload),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert pending activation: %w", err)
	}

	var id string
	var createdAt int64
	if err := r.queryRow(ctx, `SELECT id, created_at FROM pending_activations WHERE email = ?`, p.Email).Scan(&id, &createdAt); err != nil {
		return fmt.Errorf("read back pending activation: %w", err)
	}
	p.ID = id
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return nil
}

// FindUnresolvedPending returns the unactivated pending record for email, or
// nil, nil when there is none.
func (r *Registry) FindUnresolvedPending(ctx context.Context, email string) (*PendingActivation, error) {
	row := r.queryRow(ctx, `SELECT `+pendingColumns+` FROM pending_activations
		WHERE email = ? AND activated = 0`, NormalizeEmail(email))
	return scanPending(row)
}

// GetPending retrieves a pending record by ID. It returns nil, nil when absent.
func (r *Registry) GetPending(ctx context.Context, id string) (*PendingActivation, error) {
	row := r.queryRow(ctx, `SELECT `+pendingColumns+` FROM pending_activations WHERE id = ?`, id)
	return scanPending(row)
}

// ListPending returns pending records, newest first. Activated records are
// included only when includeActivated is set.
func (r *Registry) ListPending(ctx context.Context, includeActivated bool) ([]*PendingActivation, error) {
	q := `SELECT ` + pendingColumns + ` FROM pending_activations`
	if !includeActivated {
		q += ` WHERE activated = 0`
	}
	q += ` ORDER BY created_at DESC, id`
	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list pending activations: %w", err)
	}
	defer rows.Close()

	var out []*PendingActivation
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPendingActivated records that the pending purchase has been applied.
func (r *Registry) MarkPendingActivated(ctx context.Context, id string, at time.Time) error {
	res, err := r.exec(ctx, `UPDATE pending_activations SET activated = 1, activated_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC().Unix(), time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark pending activated: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("pending activation %q: %w", id, internalerrors.ErrNotFound)
	}
	return nil
}

// DeletePending removes a pending record.
func (r *Registry) DeletePending(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM pending_activations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending activation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("pending activation %q: %w", id, internalerrors.ErrNotFound)
	}
	return nil
}

// CountUnresolvedPending returns the number of unactivated pending records.
func (r *Registry) CountUnresolvedPending(ctx context.Context) (int, error) {
	var n int
	if err := r.queryRow(ctx, `SELECT COUNT(*) FROM pending_activations WHERE activated = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending activations: %w", err)
	}
	return n, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var u User
	var tier, status string
	var periodStart, periodEnd sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&u.ID, &u.Email, &u.FullName, &tier, &status,
		&periodStart, &periodEnd, &u.SaleRef, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.Tier = tiers.Tier(tier)
	u.Status = SubscriptionStatus(status)
	u.PeriodStart = unixPtr(periodStart)
	u.PeriodEnd = unixPtr(periodEnd)
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &u, nil
}

func scanUsers(rows *sql.Rows) ([]*User, error) {
	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanPending(s scanner) (*PendingActivation, error) {
	var p PendingActivation
	var tier, raw string
	var periodStart, periodEnd, createdAt, updatedAt int64
	var activated int
	var activatedAt sql.NullInt64

	err := s.Scan(
		&p.ID, &p.Email, &tier, &periodStart, &periodEnd, &p.SaleRef, &p.Provider,
		&raw, &activated, &activatedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan pending activation: %w", err)
	}

	p.Tier = tiers.Tier(tier)
	p.PeriodStart = time.Unix(periodStart, 0).UTC()
	p.PeriodEnd = time.Unix(periodEnd, 0).UTC()
	if raw != "" && json.Valid([]byte(raw)) {
		p.RawPayload = json.RawMessage(raw)
	}
	p.Activated = activated != 0
	p.ActivatedAt = unixPtr(activatedAt)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
