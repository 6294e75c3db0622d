package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dialect carries the differences between the SQL backends.
type dialect struct {
	name     string
	timeType string
	// rebind rewrites '?' placeholders for the driver.
	rebind func(query string) string
	// timeArg converts a time for binding.
	timeArg func(t time.Time) any
}

const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteDialect = dialect{
	name:     "sqlite",
	timeType: "TEXT",
	rebind:   func(q string) string { return q },
	timeArg:  func(t time.Time) any { return t.UTC().Format(sqlTimeLayout) },
}

var postgresDialect = dialect{
	name:     "postgresql",
	timeType: "TIMESTAMPTZ",
	rebind: func(q string) string {
		var b strings.Builder
		n := 0
		for _, r := range q {
			if r == '?' {
				n++
				b.WriteString("$" + strconv.Itoa(n))
				continue
			}
			b.WriteRune(r)
		}
		return b.String()
	},
	timeArg: func(t time.Time) any { return t.UTC() },
}

// scanTime reads a timestamp stored as TIMESTAMPTZ or as fixed-layout TEXT.
type scanTime struct {
	t     *time.Time
	valid bool
}

func (s *scanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.valid = false
		return nil
	case time.Time:
		*s.t = v
	case string:
		t, err := time.Parse(sqlTimeLayout, v)
		if err != nil {
			return err
		}
		*s.t = t
	case []byte:
		t, err := time.Parse(sqlTimeLayout, string(v))
		if err != nil {
			return err
		}
		*s.t = t
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	s.valid = true
	return nil
}

// sqlStore implements Store over database/sql for SQLite and PostgreSQL.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &sqlStore{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	ts := s.d.timeType
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			plan TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			organization TEXT NOT NULL DEFAULT '',
			ciphertext TEXT NOT NULL,
			status TEXT NOT NULL,
			usage_source TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			scope_kind TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL CHECK (amount >= 0),
			period TEXT NOT NULL,
			mode TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			scope_kind TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			period TEXT NOT NULL,
			notification TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			enforce BOOLEAN NOT NULL,
			active BOOLEAN NOT NULL,
			last_notification_sent_at ` + ts + `,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reconciliation_findings (
			id TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL,
			day TEXT NOT NULL,
			local_cost DOUBLE PRECISION NOT NULL,
			upstream_cost DOUBLE PRECISION NOT NULL,
			deviation DOUBLE PRECISION NOT NULL,
			tolerance DOUBLE PRECISION NOT NULL,
			detected_at ` + ts + ` NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_budgets_scope ON budgets(scope_kind, scope_id)",
		"CREATE INDEX IF NOT EXISTS idx_alerts_scope ON alerts(scope_kind, scope_id)",
		"CREATE INDEX IF NOT EXISTS idx_findings_credential ON reconciliation_findings(credential_id, day)",
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate accounts schema (%s): %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(query), args...)
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func ensureTime(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

func affected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// --- users ---

func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	ensureID(&u.ID)
	ensureTime(&u.CreatedAt)
	if u.TokenHash == "" {
		return fmt.Errorf("%w user: token hash is required", ErrInvalid)
	}
	_, err := s.exec(ctx, `INSERT INTO users (id, name, plan, token_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Plan, u.TokenHash, s.d.timeArg(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

const userColumns = `id, name, plan, token_hash, created_at`

func (s *sqlStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Plan, &u.TokenHash, &scanTime{t: &u.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &u, nil
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *sqlStore) GetUserByTokenHash(ctx context.Context, hash string) (*User, error) {
	return s.scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE token_hash = ?`, hash))
}

// --- credentials ---

func (s *sqlStore) CreateCredential(ctx context.Context, c *Credential) error {
	ensureID(&c.ID)
	ensureTime(&c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.UsageSource == "" {
		c.UsageSource = SourceProxy
	}
	_, err := s.exec(ctx, `
		INSERT INTO credentials (id, user_id, project_id, provider, organization, ciphertext, status, usage_source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ProjectID, c.Provider, c.Organization, c.Ciphertext, string(c.Status), string(c.UsageSource),
		s.d.timeArg(c.CreatedAt), s.d.timeArg(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

const credentialColumns = `id, user_id, project_id, provider, organization, ciphertext, status, usage_source, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	err := row.Scan(&c.ID, &c.UserID, &c.ProjectID, &c.Provider, &c.Organization, &c.Ciphertext, &c.Status, &c.UsageSource,
		&scanTime{t: &c.CreatedAt}, &scanTime{t: &c.UpdatedAt})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	c, err := scanCredential(s.queryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential %s: %w", id, err)
	}
	return c, nil
}

func (s *sqlStore) ListActiveCredentials(ctx context.Context, q CredentialQuery) ([]Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE status = ?`
	args := []any{string(StatusActive)}
	if q.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, q.Provider)
	}
	if q.UsageSource != "" {
		query += ` AND usage_source = ?`
		args = append(args, string(q.UsageSource))
	}
	query += ` ORDER BY id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetCredentialStatus(ctx context.Context, id string, status CredentialStatus) error {
	res, err := s.exec(ctx, `UPDATE credentials SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.d.timeArg(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update credential %s: %w", id, err)
	}
	return affected(res, "credential", id)
}

// --- budgets and alerts ---

// scopeClause renders "(scope_kind = ? AND scope_id = ?) OR ..." for scopes.
func scopeClause(scopes []Scope) (string, []any) {
	parts := make([]string, len(scopes))
	args := make([]any, 0, len(scopes)*2)
	for i, sc := range scopes {
		parts[i] = "(scope_kind = ? AND scope_id = ?)"
		args = append(args, string(sc.Kind), sc.ID)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func (s *sqlStore) CreateBudget(ctx context.Context, b *Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	ensureID(&b.ID)
	ensureTime(&b.CreatedAt)
	_, err := s.exec(ctx, `
		INSERT INTO budgets (id, user_id, scope_kind, scope_id, amount, period, mode, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, string(b.Scope.Kind), b.Scope.ID, b.Amount, string(b.Period), string(b.Mode), b.Active,
		s.d.timeArg(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert budget: %w", err)
	}
	return nil
}

func (s *sqlStore) ListActiveBudgets(ctx context.Context, scopes []Scope) ([]Budget, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	clause, args := scopeClause(scopes)
	rows, err := s.query(ctx, `
		SELECT id, user_id, scope_kind, scope_id, amount, period, mode, active, created_at
		FROM budgets WHERE active = ? AND `+clause+` ORDER BY id`, append([]any{true}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer rows.Close()

	var out []Budget
	for rows.Next() {
		var b Budget
		if err := rows.Scan(&b.ID, &b.UserID, &b.Scope.Kind, &b.Scope.ID, &b.Amount, &b.Period, &b.Mode, &b.Active,
			&scanTime{t: &b.CreatedAt}); err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateAlert(ctx context.Context, a *Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	ensureID(&a.ID)
	ensureTime(&a.CreatedAt)
	var last any
	if a.LastNotificationSentAt != nil {
		last = s.d.timeArg(*a.LastNotificationSentAt)
	}
	_, err := s.exec(ctx, `
		INSERT INTO alerts (id, user_id, scope_kind, scope_id, metric, threshold, period, notification, secret,
			enforce, active, last_notification_sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, string(a.Scope.Kind), a.Scope.ID, string(a.Metric), a.Threshold, string(a.Period),
		a.Notification, a.Secret, a.Enforce, a.Active, last, s.d.timeArg(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *sqlStore) ListActiveAlerts(ctx context.Context, scopes []Scope) ([]Alert, error) {
	query := `
		SELECT id, user_id, scope_kind, scope_id, metric, threshold, period, notification, secret,
			enforce, active, last_notification_sent_at, created_at
		FROM alerts WHERE active = ?`
	args := []any{true}
	if scopes != nil {
		if len(scopes) == 0 {
			return nil, nil
		}
		clause, scopeArgs := scopeClause(scopes)
		query += " AND " + clause
		args = append(args, scopeArgs...)
	}
	query += " ORDER BY id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a    Alert
			last time.Time
		)
		lastScan := &scanTime{t: &last}
		if err := rows.Scan(&a.ID, &a.UserID, &a.Scope.Kind, &a.Scope.ID, &a.Metric, &a.Threshold, &a.Period,
			&a.Notification, &a.Secret, &a.Enforce, &a.Active, lastScan, &scanTime{t: &a.CreatedAt}); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if lastScan.valid {
			a.LastNotificationSentAt = &last
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkAlertNotified(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE alerts SET last_notification_sent_at = ? WHERE id = ?`, s.d.timeArg(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark alert %s notified: %w", id, err)
	}
	return affected(res, "alert", id)
}

// --- findings ---

func (s *sqlStore) InsertFinding(ctx context.Context, f *ReconciliationFinding) error {
	ensureID(&f.ID)
	ensureTime(&f.DetectedAt)
	_, err := s.exec(ctx, `
		INSERT INTO reconciliation_findings (id, credential_id, day, local_cost, upstream_cost, deviation, tolerance, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CredentialID, f.Day, f.LocalCost, f.UpstreamCost, f.Deviation, f.Tolerance, s.d.timeArg(f.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation finding: %w", err)
	}
	return nil
}

func (s *sqlStore) ListFindings(ctx context.Context, credentialID string) ([]ReconciliationFinding, error) {
	rows, err := s.query(ctx, `
		SELECT id, credential_id, day, local_cost, upstream_cost, deviation, tolerance, detected_at
		FROM reconciliation_findings WHERE credential_id = ? ORDER BY day, detected_at`, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationFinding
	for rows.Next() {
		var f ReconciliationFinding
		if err := rows.Scan(&f.ID, &f.CredentialID, &f.Day, &f.LocalCost, &f.UpstreamCost, &f.Deviation, &f.Tolerance,
			&scanTime{t: &f.DetectedAt}); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
