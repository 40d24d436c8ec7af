package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.HistoryRepository    = (*Repository)(nil)
	_ repository.RequestLogRepository = (*Repository)(nil)
	_ repository.BackupRepository     = (*Repository)(nil)
	_ repository.UserRepository       = (*Repository)(nil)
)

const deploymentColumns = `name, type, status, port, container_ref, directory, auto_backup, discoverable, error, created_at, updated_at`

// CreateDeployment inserts a new deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment required")
	}
	const query = `INSERT INTO deployments (name, type, status, port, container_ref, directory, auto_backup, discoverable, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		d.Name,
		string(d.Type),
		string(d.Status),
		intToNil(d.Port),
		stringToNil(d.ContainerRef),
		d.Directory,
		d.AutoBackup,
		d.Discoverable,
		stringToNil(d.Error),
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// UpdateDeployment overwrites the mutable columns of a deployment.
func (r *Repository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment required")
	}
	const query = `UPDATE deployments
		SET type = $2,
			status = $3,
			port = $4,
			container_ref = $5,
			directory = $6,
			auto_backup = $7,
			discoverable = $8,
			error = $9,
			updated_at = NOW()
		WHERE name = $1 RETURNING updated_at`
	err := r.pool.QueryRow(ctx, query,
		d.Name,
		string(d.Type),
		string(d.Status),
		intToNil(d.Port),
		stringToNil(d.ContainerRef),
		d.Directory,
		d.AutoBackup,
		d.Discoverable,
		stringToNil(d.Error),
	).Scan(&d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// GetDeployment fetches a deployment by name.
func (r *Repository) GetDeployment(ctx context.Context, name string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE name = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeployments returns every deployment ordered by name.
func (r *Repository) ListDeployments(ctx context.Context) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// DeleteDeployment removes a deployment record.
func (r *Repository) DeleteDeployment(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertHistory appends a deployment history entry.
func (r *Repository) InsertHistory(ctx context.Context, event domain.HistoryEvent) error {
	const query = `INSERT INTO deployment_history (id, deployment_name, kind, message, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, event.ID, event.DeploymentName, string(event.Kind), event.Message, event.DurationMS, event.CreatedAt)
	return err
}

// ListHistory returns the newest history entries for a deployment.
func (r *Repository) ListHistory(ctx context.Context, name string, limit int) ([]domain.HistoryEvent, error) {
	const query = `SELECT id, deployment_name, kind, message, duration_ms, created_at
		FROM deployment_history
		WHERE deployment_name = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, name, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.HistoryEvent, 0)
	for rows.Next() {
		var (
			event domain.HistoryEvent
			kind  string
		)
		if err := rows.Scan(&event.ID, &event.DeploymentName, &kind, &event.Message, &event.DurationMS, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Kind = domain.HistoryKind(kind)
		events = append(events, event)
	}
	return events, rows.Err()
}

// InsertRequestLog stores a proxied request record.
func (r *Repository) InsertRequestLog(ctx context.Context, entry domain.RequestLog) error {
	const query = `INSERT INTO request_logs (id, deployment_name, method, path, status, duration_ms, remote_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, entry.ID, entry.DeploymentName, entry.Method, entry.Path, entry.Status, entry.DurationMS, entry.RemoteAddr, entry.CreatedAt)
	return err
}

// ListRequestLogs returns the newest request records for a deployment.
func (r *Repository) ListRequestLogs(ctx context.Context, name string, limit int) ([]domain.RequestLog, error) {
	const query = `SELECT id, deployment_name, method, path, status, duration_ms, remote_addr, created_at
		FROM request_logs
		WHERE deployment_name = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, name, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.RequestLog, 0)
	for rows.Next() {
		var entry domain.RequestLog
		if err := rows.Scan(&entry.ID, &entry.DeploymentName, &entry.Method, &entry.Path, &entry.Status, &entry.DurationMS, &entry.RemoteAddr, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// InsertBackup records a completed backup archive.
func (r *Repository) InsertBackup(ctx context.Context, backup domain.Backup) error {
	const query = `INSERT INTO backups (id, deployment_name, path, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, backup.ID, backup.DeploymentName, backup.Path, backup.SizeBytes, backup.CreatedAt)
	return err
}

// ListBackups returns backups for a deployment, newest first.
func (r *Repository) ListBackups(ctx context.Context, name string) ([]domain.Backup, error) {
	const query = `SELECT id, deployment_name, path, size_bytes, created_at
		FROM backups WHERE deployment_name = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := make([]domain.Backup, 0)
	for rows.Next() {
		var b domain.Backup
		if err := rows.Scan(&b.ID, &b.DeploymentName, &b.Path, &b.SizeBytes, &b.CreatedAt); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetUserByUsername fetches a user by username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, username, password_hash, created_at FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d            domain.Deployment
		typ, status  string
		port         *int32
		containerRef *string
		errText      *string
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(&d.Name, &typ, &status, &port, &containerRef, &d.Directory, &d.AutoBackup, &d.Discoverable, &errText, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Type = domain.ProjectType(typ)
	d.Status = domain.DeploymentStatus(status)
	if port != nil {
		d.Port = int(*port)
	}
	if containerRef != nil {
		d.ContainerRef = *containerRef
	}
	if errText != nil {
		d.Error = *errText
	}
	d.CreatedAt = createdAt.UTC()
	d.UpdatedAt = updatedAt.UTC()
	return &d, nil
}

func intToNil(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}

func stringToNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
