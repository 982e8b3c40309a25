package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	syncdomain "possync/internal/domain/sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"
)

// SyncRepository реализация репозитория синхронизации для PostgreSQL
type SyncRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// querier общий интерфейс пула и транзакции
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// NewSyncRepository создает новый репозиторий синхронизации
func NewSyncRepository(pool *pgxpool.Pool, log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		pool: pool,
		log:  log.With("component", "sync_repository"),
	}
}

func (r *SyncRepository) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

func (r *SyncRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InTx выполняет fn в транзакции; вложенный вызов переиспользует текущую
func (r *SyncRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// LockOperation берет транзакционную advisory-блокировку на (user_id, local_id):
// параллельные повторы одной операции обрабатываются строго по очереди
func (r *SyncRepository) LockOperation(ctx context.Context, userID, localID string) error {
	const query = `SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`

	if _, err := r.db(ctx).Exec(ctx, query, userID, localID); err != nil {
		r.log.Error("failed to lock operation", "user_id", userID, "local_id", localID, "error", err)
		return fmt.Errorf("lock operation: %w", err)
	}
	return nil
}

func (r *SyncRepository) GetAppliedOperation(ctx context.Context, userID, localID string) (*syncdomain.AppliedOperation, error) {
	const query = `
		SELECT user_id, local_id, status, server_id, conflict_id, payload_hash, updated_at, applied_at
		FROM applied_operations
		WHERE user_id = $1 AND local_id = $2`

	var op syncdomain.AppliedOperation
	var updatedAt *time.Time
	err := r.db(ctx).QueryRow(ctx, query, userID, localID).Scan(
		&op.UserID, &op.LocalID, &op.Status, &op.ServerID, &op.ConflictID, &op.PayloadHash, &updatedAt, &op.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, syncdomain.ErrOperationNotFound
		}
		r.log.Error("failed to get applied operation", "user_id", userID, "local_id", localID, "error", err)
		return nil, fmt.Errorf("get applied operation: %w", err)
	}

	op.AppliedAt = op.AppliedAt.UTC()
	op.UpdatedAt = utcPtr(updatedAt)
	return &op, nil
}

func (r *SyncRepository) SaveAppliedOperation(ctx context.Context, op *syncdomain.AppliedOperation) error {
	const query = `
		INSERT INTO applied_operations
			(user_id, local_id, status, server_id, conflict_id, payload_hash, updated_at, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db(ctx).Exec(ctx, query,
		op.UserID, op.LocalID, op.Status, op.ServerID, op.ConflictID, op.PayloadHash, op.UpdatedAt, op.AppliedAt,
	)
	if err != nil {
		r.log.Error("failed to save applied operation", "user_id", op.UserID, "local_id", op.LocalID, "error", err)
		return fmt.Errorf("save applied operation: %w", err)
	}
	return nil
}

const entityColumns = `id, user_id, entity_type, data, created_at, updated_at, deleted_at`

// LockEntity блокирует строку сущности (SELECT ... FOR UPDATE) до конца транзакции
func (r *SyncRepository) LockEntity(ctx context.Context, userID string, entityType syncdomain.EntityType, entityID string) (*syncdomain.Entity, error) {
	const query = `
		SELECT ` + entityColumns + `
		FROM entities
		WHERE id = $1 AND user_id = $2 AND entity_type = $3
		FOR UPDATE`

	e, err := scanEntity(r.db(ctx).QueryRow(ctx, query, entityID, userID, entityType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, syncdomain.ErrEntityNotFound
		}
		r.log.Error("failed to lock entity", "entity_id", entityID, "user_id", userID, "error", err)
		return nil, fmt.Errorf("lock entity: %w", err)
	}
	return e, nil
}

func (r *SyncRepository) InsertEntity(ctx context.Context, entity *syncdomain.Entity) error {
	const query = `
		INSERT INTO entities (id, user_id, entity_type, data, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db(ctx).Exec(ctx, query,
		entity.ID, entity.UserID, entity.Type, []byte(entity.Data),
		entity.CreatedAt, entity.UpdatedAt, entity.DeletedAt,
	)
	if err != nil {
		r.log.Error("failed to insert entity", "entity_id", entity.ID, "user_id", entity.UserID, "error", err)
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (r *SyncRepository) UpdateEntity(ctx context.Context, entity *syncdomain.Entity) error {
	const query = `
		UPDATE entities
		SET data = $1, updated_at = $2, deleted_at = $3
		WHERE id = $4 AND user_id = $5`

	result, err := r.db(ctx).Exec(ctx, query,
		[]byte(entity.Data), entity.UpdatedAt, entity.DeletedAt, entity.ID, entity.UserID,
	)
	if err != nil {
		r.log.Error("failed to update entity", "entity_id", entity.ID, "user_id", entity.UserID, "error", err)
		return fmt.Errorf("update entity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return syncdomain.ErrEntityNotFound
	}
	return nil
}

func (r *SyncRepository) DeleteEntity(ctx context.Context, userID string, entityType syncdomain.EntityType, entityID string, deletedAt time.Time) error {
	const query = `
		UPDATE entities
		SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND user_id = $3 AND entity_type = $4`

	result, err := r.db(ctx).Exec(ctx, query, deletedAt, entityID, userID, entityType)
	if err != nil {
		r.log.Error("failed to delete entity", "entity_id", entityID, "user_id", userID, "error", err)
		return fmt.Errorf("delete entity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return syncdomain.ErrEntityNotFound
	}
	return nil
}

func (r *SyncRepository) ListChangedSince(ctx context.Context, userID string, since time.Time) ([]syncdomain.Entity, error) {
	const query = `
		SELECT ` + entityColumns + `
		FROM entities
		WHERE user_id = $1 AND updated_at > $2 AND deleted_at IS NULL
		ORDER BY updated_at`

	rows, err := r.db(ctx).Query(ctx, query, userID, since)
	if err != nil {
		r.log.Error("failed to list changed entities", "user_id", userID, "since", since, "error", err)
		return nil, fmt.Errorf("list changed entities: %w", err)
	}
	defer rows.Close()

	var entities []syncdomain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func (r *SyncRepository) ListDeletedSince(ctx context.Context, userID string, since time.Time) ([]string, error) {
	const query = `
		SELECT id
		FROM entities
		WHERE user_id = $1 AND deleted_at > $2
		ORDER BY deleted_at`

	rows, err := r.db(ctx).Query(ctx, query, userID, since)
	if err != nil {
		r.log.Error("failed to list deleted entities", "user_id", userID, "since", since, "error", err)
		return nil, fmt.Errorf("list deleted entities: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect deleted ids: %w", err)
	}
	return ids, nil
}

const conflictColumns = `id, conflict_type, entity_id, entity_type, local_id, user_id, device_id,
		local_data, server_data, base_updated_at, server_updated_at, detected_at,
		resolution_strategy, resolved_data, resolved_at`

func (r *SyncRepository) SaveConflict(ctx context.Context, c *syncdomain.Conflict) error {
	const query = `
		INSERT INTO conflicts (` + conflictColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db(ctx).Exec(ctx, query,
		c.ID, c.Type, c.EntityID, c.EntityType, c.LocalID, c.UserID, c.DeviceID,
		nullJSON(c.LocalData), nullJSON(c.ServerData), c.BaseUpdatedAt, c.ServerUpdatedAt, c.DetectedAt,
		c.ResolutionStrategy, nullJSON(c.ResolvedData), c.ResolvedAt,
	)
	if err != nil {
		r.log.Error("failed to save conflict", "conflict_id", c.ID, "user_id", c.UserID, "error", err)
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

func (r *SyncRepository) GetConflict(ctx context.Context, conflictID string) (*syncdomain.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = $1`
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		query += ` FOR UPDATE`
	}

	c, err := scanConflict(r.db(ctx).QueryRow(ctx, query, conflictID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, syncdomain.ErrConflictNotFound
		}
		r.log.Error("failed to get conflict", "conflict_id", conflictID, "error", err)
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

func (r *SyncRepository) ListConflicts(ctx context.Context, filter syncdomain.ConflictFilter) ([]syncdomain.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE user_id = $1`
	args := []any{filter.UserID}
	argIndex := 2

	if !filter.IncludeResolved {
		query += " AND resolved_at IS NULL"
	}
	if filter.DeviceID != "" {
		query += fmt.Sprintf(" AND device_id = $%d", argIndex)
		args = append(args, filter.DeviceID)
		argIndex++
	}
	if filter.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIndex)
		args = append(args, filter.EntityType)
		argIndex++
	}
	if filter.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIndex)
		args = append(args, filter.EntityID)
		argIndex++
	}

	query += " ORDER BY detected_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		r.log.Error("failed to list conflicts", "user_id", filter.UserID, "error", err)
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []syncdomain.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

func (r *SyncRepository) CountPendingConflicts(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM conflicts WHERE user_id = $1 AND resolved_at IS NULL`

	var count int
	if err := r.db(ctx).QueryRow(ctx, query, userID).Scan(&count); err != nil {
		r.log.Error("failed to count conflicts", "user_id", userID, "error", err)
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return count, nil
}

// MarkConflictResolved записывает разрешение один раз; повторная запись отклоняется
func (r *SyncRepository) MarkConflictResolved(ctx context.Context, conflictID string, strategy syncdomain.ResolutionStrategy, resolvedData []byte, resolvedAt time.Time) error {
	const query = `
		UPDATE conflicts
		SET resolution_strategy = $1, resolved_data = $2, resolved_at = $3
		WHERE id = $4 AND resolved_at IS NULL`

	result, err := r.db(ctx).Exec(ctx, query, strategy, nullJSON(resolvedData), resolvedAt, conflictID)
	if err != nil {
		r.log.Error("failed to resolve conflict", "conflict_id", conflictID, "error", err)
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetConflict(ctx, conflictID); err != nil {
			return err
		}
		return syncdomain.ErrConflictResolved
	}
	return nil
}

func (r *SyncRepository) TouchDevice(ctx context.Context, d *syncdomain.DeviceInfo) error {
	const query = `
		INSERT INTO devices (id, user_id, last_sync_time, last_force_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			last_sync_time = EXCLUDED.last_sync_time,
			last_force_time = EXCLUDED.last_force_time,
			updated_at = EXCLUDED.updated_at
		WHERE devices.user_id = EXCLUDED.user_id`

	_, err := r.db(ctx).Exec(ctx, query,
		d.ID, d.UserID, nullTime(d.LastSyncTime), nullTime(d.LastForceTime), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		r.log.Error("failed to touch device", "device_id", d.ID, "error", err)
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (r *SyncRepository) GetDevice(ctx context.Context, deviceID string) (*syncdomain.DeviceInfo, error) {
	const query = `
		SELECT id, user_id, last_sync_time, last_force_time, created_at, updated_at
		FROM devices
		WHERE id = $1`

	d, err := scanDevice(r.db(ctx).QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, syncdomain.ErrDeviceNotFound
		}
		r.log.Error("failed to get device", "device_id", deviceID, "error", err)
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (r *SyncRepository) ListUserDevices(ctx context.Context, userID string) ([]syncdomain.DeviceInfo, error) {
	const query = `
		SELECT id, user_id, last_sync_time, last_force_time, created_at, updated_at
		FROM devices
		WHERE user_id = $1
		ORDER BY last_sync_time DESC NULLS LAST`

	rows, err := r.db(ctx).Query(ctx, query, userID)
	if err != nil {
		r.log.Error("failed to list devices", "user_id", userID, "error", err)
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []syncdomain.DeviceInfo
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func scanEntity(row pgx.Row) (*syncdomain.Entity, error) {
	var e syncdomain.Entity
	var data []byte
	if err := row.Scan(&e.ID, &e.UserID, &e.Type, &data, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt); err != nil {
		return nil, err
	}
	e.Data = data
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.DeletedAt = utcPtr(e.DeletedAt)
	return &e, nil
}

func scanConflict(row pgx.Row) (*syncdomain.Conflict, error) {
	var c syncdomain.Conflict
	var localData, serverData, resolvedData []byte
	err := row.Scan(
		&c.ID, &c.Type, &c.EntityID, &c.EntityType, &c.LocalID, &c.UserID, &c.DeviceID,
		&localData, &serverData, &c.BaseUpdatedAt, &c.ServerUpdatedAt, &c.DetectedAt,
		&c.ResolutionStrategy, &resolvedData, &c.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.LocalData = localData
	c.ServerData = serverData
	c.ResolvedData = resolvedData
	c.BaseUpdatedAt = utcPtr(c.BaseUpdatedAt)
	c.ServerUpdatedAt = c.ServerUpdatedAt.UTC()
	c.DetectedAt = c.DetectedAt.UTC()
	c.ResolvedAt = utcPtr(c.ResolvedAt)
	return &c, nil
}

func scanDevice(row pgx.Row) (*syncdomain.DeviceInfo, error) {
	var d syncdomain.DeviceInfo
	var lastSync, lastForce *time.Time
	if err := row.Scan(&d.ID, &d.UserID, &lastSync, &lastForce, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if lastSync != nil {
		d.LastSyncTime = lastSync.UTC()
	}
	if lastForce != nil {
		d.LastForceTime = lastForce.UTC()
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullJSON пустой json.RawMessage пишется как SQL NULL
func nullJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
