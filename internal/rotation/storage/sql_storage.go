package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/backup"
	"github.com/systmms/rotord/pkg/rotation"
)

// Dialect captures the differences between the supported SQL databases.
type Dialect struct {
	Name   string
	Driver string

	// numbered placeholders ($1) instead of ?
	numbered bool
}

var (
	// Postgres is the lib/pq dialect.
	Postgres = Dialect{Name: config.StatePostgres, Driver: "postgres", numbered: true}

	// MySQL is the go-sql-driver/mysql dialect.
	MySQL = Dialect{Name: config.StateMySQL, Driver: "mysql"}
)

// DialectFor returns the dialect for a state store type.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case config.StatePostgres:
		return Postgres, nil
	case config.StateMySQL:
		return MySQL, nil
	}
	return Dialect{}, fmt.Errorf("unsupported SQL dialect %q", name)
}

// rebind rewrites ? placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsert builds an insert-or-update statement keyed on key.
func (d Dialect) upsert(table, key string, cols ...string) string {
	all := append([]string{key}, cols...)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(all, ", "), marks)

	sets := make([]string, len(cols))
	for i, c := range cols {
		if d.numbered {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		} else {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
	}
	if d.numbered {
		q += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
	} else {
		q += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return d.rebind(q)
}

// isUniqueViolation reports duplicate key errors from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

// Schema returns the DDL for the dialect. Documents are stored as JSON text
// next to the columns queries filter on. jobs.active_class is the class ID
// while a job is non-terminal and NULL afterwards; its unique index is what
// makes CreateJobIfIdle atomic across replicas.
func (d Dialect) Schema() []string {
	text := "TEXT"
	if !d.numbered {
		text = "LONGTEXT"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS rotord_jobs (
			id VARCHAR(64) PRIMARY KEY,
			class_id VARCHAR(191) NOT NULL,
			active_class VARCHAR(191) NULL UNIQUE,
			state VARCHAR(32) NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			data ` + text + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS rotord_approvals (
			job_id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			data ` + text + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS rotord_snapshots (
			ref VARCHAR(64) PRIMARY KEY,
			class_id VARCHAR(191) NOT NULL,
			created_at BIGINT NOT NULL,
			data ` + text + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS rotord_classes (
			id VARCHAR(191) PRIMARY KEY,
			data ` + text + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS rotord_class_state (
			class_id VARCHAR(191) PRIMARY KEY,
			data ` + text + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS rotord_leases (
			name VARCHAR(191) PRIMARY KEY,
			holder VARCHAR(191) NOT NULL,
			expires_at BIGINT NOT NULL)`,
	}
}

// SQLStorage implements Storage on PostgreSQL or MySQL.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL connects to the database and creates missing tables.
func OpenSQL(dialectName, dsn string) (*SQLStorage, error) {
	dialect, err := DialectFor(dialectName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s state store: %w", dialect.Name, err)
	}
	s := NewSQLStorage(db, dialect)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStorage wraps an open database.
func NewSQLStorage(db *sql.DB, dialect Dialect) *SQLStorage {
	return &SQLStorage{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStorage) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate state store: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLStorage) Close() error { return s.db.Close() }

func (s *SQLStorage) q(query string) string { return s.dialect.rebind(query) }

func activeClass(job *rotation.Job) interface{} {
	if job.IsTerminal() {
		return nil
	}
	return job.ClassID
}

// Jobs

// CreateJobIfIdle inserts job unless its class has a non-terminal job.
func (s *SQLStorage) CreateJobIfIdle(ctx context.Context, job *rotation.Job) (bool, *rotation.Job, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, nil, err
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO rotord_jobs (id, class_id, active_class, state, archived, created_at, data) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.ClassID, activeClass(job), string(job.State), job.Archived, job.CreatedAt.UnixNano(), string(data))
	if err == nil {
		return true, job.Clone(), nil
	}
	if !isUniqueViolation(err) {
		return false, nil, fmt.Errorf("failed to insert job: %w", err)
	}

	existing, err := s.scanJob(s.db.QueryRowContext(ctx,
		s.q(`SELECT data FROM rotord_jobs WHERE active_class = ?`), job.ClassID))
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// SaveJob updates a job.
func (s *SQLStorage) SaveJob(ctx context.Context, job *rotation.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.dialect.upsert("rotord_jobs", "id", "class_id", "active_class", "state", "archived", "created_at", "data"),
		job.ID, job.ClassID, activeClass(job), string(job.State), job.Archived, job.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLStorage) scanJob(row *sql.Row) (*rotation.Job, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var job rotation.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJob reads a job.
func (s *SQLStorage) GetJob(ctx context.Context, id string) (*rotation.Job, error) {
	job, err := s.scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT data FROM rotord_jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", rotation.ErrJobNotFound, id)
	}
	return job, err
}

// ListJobs returns matching jobs ordered by creation time.
func (s *SQLStorage) ListJobs(ctx context.Context, filter rotation.JobFilter) ([]*rotation.Job, error) {
	query := `SELECT data FROM rotord_jobs WHERE 1 = 1`
	var args []interface{}
	if filter.ClassID != "" {
		query += ` AND class_id = ?`
		args = append(args, filter.ClassID)
	}
	if filter.NonTerminal {
		query += ` AND active_class IS NOT NULL`
	}
	if !filter.IncludeArchived {
		query += ` AND archived = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*rotation.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var job rotation.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if !filter.Matches(&job) {
			continue
		}
		jobs = append(jobs, &job)
		if filter.Limit > 0 && len(jobs) >= filter.Limit {
			break
		}
	}
	return jobs, rows.Err()
}

// Class state

// GetClassState returns the persisted state or an empty one.
func (s *SQLStorage) GetClassState(ctx context.Context, classID string) (*rotation.ClassState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM rotord_class_state WHERE class_id = ?`), classID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &rotation.ClassState{ClassID: classID}, nil
	}
	if err != nil {
		return nil, err
	}
	var st rotation.ClassState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveClassState writes class state.
func (s *SQLStorage) SaveClassState(ctx context.Context, st *rotation.ClassState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsert("rotord_class_state", "class_id", "data"), st.ClassID, string(data))
	return err
}

// Leases

// AcquireLease takes or renews a lease in one conditional statement per step,
// so two replicas racing for an expired lease cannot both win.
func (s *SQLStorage) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	expires := now.Add(ttl).UnixNano()

	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE rotord_leases SET holder = ?, expires_at = ? WHERE name = ? AND (holder = ? OR expires_at <= ?)`),
		holder, expires, name, holder, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}

	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO rotord_leases (name, holder, expires_at) VALUES (?, ?, ?)`),
		name, holder, expires)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
}

// ReleaseLease drops a lease held by holder.
func (s *SQLStorage) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM rotord_leases WHERE name = ? AND holder = ?`), name, holder)
	return err
}

// Approvals

// SaveApproval writes an approval request.
func (s *SQLStorage) SaveApproval(ctx context.Context, req *approval.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsert("rotord_approvals", "job_id", "status", "data"),
		req.JobID, string(req.Status), string(data))
	return err
}

// GetApproval reads an approval request.
func (s *SQLStorage) GetApproval(ctx context.Context, jobID string) (*approval.Request, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM rotord_approvals WHERE job_id = ?`), jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", approval.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	var req approval.Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ListApprovals returns requests with the given status, or all when empty.
func (s *SQLStorage) ListApprovals(ctx context.Context, status approval.Status) ([]*approval.Request, error) {
	query := `SELECT data FROM rotord_approvals`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*approval.Request
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var req approval.Request
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			return nil, err
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

// Snapshots

// SaveSnapshot writes a snapshot. The statement is committed before
// returning, which is the durability the database provides.
func (s *SQLStorage) SaveSnapshot(ctx context.Context, snap *backup.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsert("rotord_snapshots", "ref", "class_id", "created_at", "data"),
		snap.Ref, snap.ClassID, snap.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.Ref, err)
	}
	return nil
}

// GetSnapshot reads a snapshot.
func (s *SQLStorage) GetSnapshot(ctx context.Context, ref string) (*backup.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM rotord_snapshots WHERE ref = ?`), ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", backup.ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	var snap backup.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns the snapshots of a class, oldest first.
func (s *SQLStorage) ListSnapshots(ctx context.Context, classID string) ([]*backup.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT data FROM rotord_snapshots WHERE class_id = ? ORDER BY created_at`), classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*backup.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap backup.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot.
func (s *SQLStorage) DeleteSnapshot(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM rotord_snapshots WHERE ref = ?`), ref)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", backup.ErrNotFound, ref)
	}
	return nil
}

// Policies

// SaveClass writes a class policy.
func (s *SQLStorage) SaveClass(ctx context.Context, class policy.SecretClass) error {
	data, err := json.Marshal(class)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsert("rotord_classes", "id", "data"), class.ID, string(data))
	return err
}

// ListClasses returns every stored class policy.
func (s *SQLStorage) ListClasses(ctx context.Context) ([]policy.SecretClass, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM rotord_classes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.SecretClass
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c policy.SecretClass
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
