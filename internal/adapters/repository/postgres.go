package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/core/ports"
)

// querier is the subset of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRepository implements ports.Store and ports.APIKeyRepository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates and returns a new PostgresRepository instance.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// InTx runs fn inside a transaction, committing when fn returns nil and rolling
// back otherwise.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx ports.Tx) error) error {
	tx, errTx := r.db.BeginTx(ctx, nil)
	if errTx != nil {
		return errTx
	}
	defer func() {
		if errRollback := tx.Rollback(); errRollback != nil && !errors.Is(errRollback, sql.ErrTxDone) {
			log.Printf("failed to rollback transaction: %v", errRollback)
		}
	}()

	if err := fn(&txQueries{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// txQueries implements ports.Tx over a single *sql.Tx.
type txQueries struct {
	q querier
}

const keyColumns = `k.id, k.key_value, k.script_id, k.owner_id, k.type, k.status, k.max_devices, k.expires_at, k.note, k.last_activity_at, k.created_at`

func (t *txQueries) GetScriptOwner(ctx context.Context, scriptID string) (string, error) {
	var owner string
	errRow := t.q.QueryRowContext(ctx, `SELECT owner_id FROM scripts WHERE id = $1`, scriptID).Scan(&owner)
	if errors.Is(errRow, sql.ErrNoRows) {
		return "", nil
	}
	if errRow != nil {
		return "", errRow
	}
	return owner, nil
}

func (t *txQueries) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	query := `INSERT INTO license_keys (id, key_value, script_id, owner_id, type, status, max_devices, expires_at, note, last_activity_at, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := t.q.ExecContext(ctx, query, key.ID, key.KeyValue, key.ScriptID, key.OwnerID, key.Type, string(key.Status),
		key.MaxDevices, key.ExpiresAt, key.Note, key.LastActivityAt, key.CreatedAt)
	return err
}

func (t *txQueries) GetKeyByValueForUpdate(ctx context.Context, keyValue string) (*domain.LicenseKey, error) {
	query := `SELECT ` + keyColumns + `, s.title FROM license_keys k
	          JOIN scripts s ON s.id = k.script_id
	          WHERE k.key_value = $1 FOR UPDATE OF k`
	return scanKey(t.q.QueryRowContext(ctx, query, keyValue))
}

func (t *txQueries) GetKeyForUpdate(ctx context.Context, keyID string, ownerID string) (*domain.LicenseKey, error) {
	query := `SELECT ` + keyColumns + `, s.title FROM license_keys k
	          JOIN scripts s ON s.id = k.script_id
	          WHERE k.id = $1 AND k.owner_id = $2 FOR UPDATE OF k`
	return scanKey(t.q.QueryRowContext(ctx, query, keyID, ownerID))
}

func scanKey(row *sql.Row) (*domain.LicenseKey, error) {
	var k domain.LicenseKey
	errRow := row.Scan(&k.ID, &k.KeyValue, &k.ScriptID, &k.OwnerID, &k.Type, &k.Status, &k.MaxDevices,
		&k.ExpiresAt, &k.Note, &k.LastActivityAt, &k.CreatedAt, &k.ScriptTitle)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	return &k, nil
}

func (t *txQueries) ListKeys(ctx context.Context, ownerID string, scriptID string) ([]domain.LicenseKey, error) {
	query := `SELECT ` + keyColumns + `, s.title,
	                 (SELECT COUNT(*) FROM key_devices d WHERE d.key_id = k.id) AS device_count
	          FROM license_keys k JOIN scripts s ON s.id = k.script_id
	          WHERE k.owner_id = $1`

	var rows *sql.Rows
	var errQuery error
	if scriptID != "" {
		query += " AND k.script_id = $2 ORDER BY k.created_at DESC"
		rows, errQuery = t.q.QueryContext(ctx, query, ownerID, scriptID)
	} else {
		query += " ORDER BY k.created_at DESC"
		rows, errQuery = t.q.QueryContext(ctx, query, ownerID)
	}
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var keys []domain.LicenseKey
	for rows.Next() {
		var k domain.LicenseKey
		if errScan := rows.Scan(&k.ID, &k.KeyValue, &k.ScriptID, &k.OwnerID, &k.Type, &k.Status, &k.MaxDevices,
			&k.ExpiresAt, &k.Note, &k.LastActivityAt, &k.CreatedAt, &k.ScriptTitle, &k.DeviceCount); errScan != nil {
			return nil, errScan
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (t *txQueries) UpdateKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error {
	_, err := t.q.ExecContext(ctx, `UPDATE license_keys SET status = $1 WHERE id = $2`, string(status), keyID)
	return err
}

func (t *txQueries) TouchKey(ctx context.Context, keyID string, status domain.KeyStatus, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `UPDATE license_keys SET status = $1, last_activity_at = $2 WHERE id = $3`, string(status), at, keyID)
	return err
}

func (t *txQueries) ExpireOverdueKeys(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE license_keys SET status = 'expired'
	          WHERE status IN ('unused', 'active') AND expires_at IS NOT NULL AND expires_at < $1`
	res, err := t.q.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *txQueries) CountLiveKeys(ctx context.Context, ownerID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM license_keys WHERE owner_id = $1 AND status IN ('unused', 'active')`
	if err := t.q.QueryRowContext(ctx, query, ownerID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *txQueries) ListDevices(ctx context.Context, keyID string) ([]domain.KeyDevice, error) {
	query := `SELECT id, key_id, hwid, last_seen_at, created_at FROM key_devices WHERE key_id = $1 ORDER BY created_at`
	rows, errQuery := t.q.QueryContext(ctx, query, keyID)
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var devices []domain.KeyDevice
	for rows.Next() {
		var d domain.KeyDevice
		if errScan := rows.Scan(&d.ID, &d.KeyID, &d.HWID, &d.LastSeenAt, &d.CreatedAt); errScan != nil {
			return nil, errScan
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (t *txQueries) CreateDevice(ctx context.Context, device *domain.KeyDevice) error {
	query := `INSERT INTO key_devices (id, key_id, hwid, last_seen_at, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := t.q.ExecContext(ctx, query, device.ID, device.KeyID, device.HWID, device.LastSeenAt, device.CreatedAt)
	return err
}

func (t *txQueries) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `UPDATE key_devices SET last_seen_at = $1 WHERE id = $2`, at, deviceID)
	return err
}

func (t *txQueries) EnsurePlan(ctx context.Context, plan *domain.UserPlan) error {
	query := `INSERT INTO user_plans (user_id, plan_type, started_at, expires_at) VALUES ($1, $2, $3, $4)
	          ON CONFLICT (user_id) DO NOTHING`
	_, err := t.q.ExecContext(ctx, query, plan.UserID, string(plan.PlanType), plan.StartedAt, plan.ExpiresAt)
	return err
}

func (t *txQueries) GetPlanForUpdate(ctx context.Context, userID string) (*domain.UserPlan, error) {
	query := `SELECT user_id, plan_type, started_at, expires_at FROM user_plans WHERE user_id = $1 FOR UPDATE`
	var p domain.UserPlan
	errRow := t.q.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &p.PlanType, &p.StartedAt, &p.ExpiresAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	return &p, nil
}

func (t *txQueries) UpdatePlan(ctx context.Context, plan *domain.UserPlan) error {
	query := `UPDATE user_plans SET plan_type = $1, started_at = $2, expires_at = $3 WHERE user_id = $4`
	_, err := t.q.ExecContext(ctx, query, string(plan.PlanType), plan.StartedAt, plan.ExpiresAt, plan.UserID)
	return err
}

func (t *txQueries) EnsureMaximums(ctx context.Context, m *domain.UserMaximums) error {
	query := `INSERT INTO user_maximums (user_id, maximum_obfuscation, maximum_keys, maximum_deployments, maximum_devices_per_key, maximums_reset_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (user_id) DO NOTHING`
	_, err := t.q.ExecContext(ctx, query, m.UserID, m.MaximumObfuscation, m.MaximumKeys, m.MaximumDeployments, m.MaximumDevicesPerKey, m.MaximumsResetAt)
	return err
}

func (t *txQueries) GetMaximumsForUpdate(ctx context.Context, userID string) (*domain.UserMaximums, error) {
	query := `SELECT user_id, maximum_obfuscation, maximum_keys, maximum_deployments, maximum_devices_per_key, maximums_reset_at
	          FROM user_maximums WHERE user_id = $1 FOR UPDATE`
	var m domain.UserMaximums
	errRow := t.q.QueryRowContext(ctx, query, userID).Scan(&m.UserID, &m.MaximumObfuscation, &m.MaximumKeys,
		&m.MaximumDeployments, &m.MaximumDevicesPerKey, &m.MaximumsResetAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	return &m, nil
}

// UpdateMaximums writes only the fields set on update.
func (t *txQueries) UpdateMaximums(ctx context.Context, userID string, update domain.MaximumsUpdate) error {
	if update.Empty() {
		return nil
	}
	var sets []string
	var args []any
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.MaximumObfuscation != nil {
		set("maximum_obfuscation", *update.MaximumObfuscation)
	}
	if update.MaximumKeys != nil {
		set("maximum_keys", *update.MaximumKeys)
	}
	if update.MaximumDeployments != nil {
		set("maximum_deployments", *update.MaximumDeployments)
	}
	if update.MaximumDevicesPerKey != nil {
		set("maximum_devices_per_key", *update.MaximumDevicesPerKey)
	}
	if update.MaximumsResetAt != nil {
		set("maximums_reset_at", *update.MaximumsResetAt)
	}
	args = append(args, userID)
	query := fmt.Sprintf("UPDATE user_maximums SET %s WHERE user_id = $%d", strings.Join(sets, ", "), len(args))
	_, err := t.q.ExecContext(ctx, query, args...)
	return err
}

func (r *PostgresRepository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := `SELECT id, user_id, name, key_hash, key_prefix, active, created_at, expires_at FROM developer_api_keys WHERE key_hash = $1`
	var k domain.APIKey
	errRow := r.db.QueryRowContext(ctx, query, keyHash).Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Active, &k.CreatedAt, &k.ExpiresAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	return &k, nil
}

func (r *PostgresRepository) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	query := `INSERT INTO developer_api_keys (id, user_id, name, key_hash, key_prefix, active, created_at, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query, key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Active, key.CreatedAt, key.ExpiresAt)
	return err
}

func (r *PostgresRepository) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	query := `SELECT id, user_id, name, key_hash, key_prefix, active, created_at, expires_at FROM developer_api_keys
	          WHERE user_id = $1 ORDER BY created_at DESC`
	rows, errQuery := r.db.QueryContext(ctx, query, userID)
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var keys []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if errScan := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Active, &k.CreatedAt, &k.ExpiresAt); errScan != nil {
			return nil, errScan
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, userID string, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE developer_api_keys SET active = FALSE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrAPIKeyNotFound
	}
	return nil
}
