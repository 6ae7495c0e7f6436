package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"sturdy-parent/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

type PoolConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(cfg PoolConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DB connection string: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnLifetime
	}
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (db *PostgresDB) GetEntitlement(ctx context.Context, userID string) (*models.Entitlement, error) {
	query := `
        SELECT user_id, plan, journal, scripts_used, period_start, period_end, updated_at
        FROM entitlements
        WHERE user_id = $1
    `

	var e models.Entitlement
	var plan string
	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&e.UserID, &plan, &e.Journal, &e.ScriptsUsed,
		&e.PeriodStart, &e.PeriodEnd, &e.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	e.Plan = models.PlanID(plan)

	return &e, nil
}

// ConsumeScript increments scripts_used in one statement, but only while the
// count is below limit. A nil limit means unlimited.
func (db *PostgresDB) ConsumeScript(ctx context.Context, userID string, limit *int) (int, error) {
	query := `
        UPDATE entitlements
        SET scripts_used = scripts_used + 1, updated_at = NOW()
        WHERE user_id = $1 AND ($2::int IS NULL OR scripts_used < $2::int)
        RETURNING scripts_used
    `

	var used int
	err := db.pool.QueryRow(ctx, query, userID, limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrQuotaExceeded
	}
	if err != nil {
		return 0, fmt.Errorf("failed to consume script: %w", err)
	}

	return used, nil
}

func (db *PostgresDB) ReleaseScript(ctx context.Context, userID string) error {
	query := `
        UPDATE entitlements
        SET scripts_used = GREATEST(scripts_used - 1, 0), updated_at = NOW()
        WHERE user_id = $1
    `

	_, err := db.pool.Exec(ctx, query, userID)
	return err
}

func (db *PostgresDB) UpsertEntitlement(ctx context.Context, e *models.Entitlement) error {
	query := `
        INSERT INTO entitlements (user_id, plan, journal, scripts_used, period_start, period_end, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO UPDATE
        SET plan = $2, journal = $3, scripts_used = $4, period_start = $5, period_end = $6, updated_at = $7
    `

	_, err := db.pool.Exec(ctx, query,
		e.UserID, string(e.Plan), e.Journal, e.ScriptsUsed,
		e.PeriodStart, e.PeriodEnd, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}

	return nil
}

func (db *PostgresDB) ResetUsage(ctx context.Context, userID string) error {
	query := `
        UPDATE entitlements
        SET scripts_used = 0, updated_at = NOW()
        WHERE user_id = $1
    `

	_, err := db.pool.Exec(ctx, query, userID)
	return err
}

func (db *PostgresDB) GetRole(ctx context.Context, userID string) (models.Role, error) {
	query := `SELECT role FROM user_roles WHERE user_id = $1`

	var role string
	err := db.pool.QueryRow(ctx, query, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RoleUser, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read role: %w", err)
	}

	return models.Role(role), nil
}

// FindUserIDByEmail looks the purchaser up in the auth provider's user table.
func (db *PostgresDB) FindUserIDByEmail(ctx context.Context, email string) (string, error) {
	query := `
        SELECT id::text
        FROM auth.users
        WHERE lower(email) = $1
        ORDER BY created_at
        LIMIT 1
    `

	var id string
	err := db.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))).Scan(&id)
	if err != nil {
		return "", mapErr(err)
	}

	return id, nil
}
