// Package queue хранит локальные мутации кассы до их применения на сервере.
package queue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"possync/internal/domain/sync"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/exp/slog"
)

const defaultBatchLimit = 100

const schema = `
	CREATE TABLE IF NOT EXISTS operations (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		local_id         TEXT    NOT NULL UNIQUE,
		entity_type      TEXT    NOT NULL,
		entity_id        TEXT    NOT NULL DEFAULT '',
		entity_ref       TEXT    NOT NULL DEFAULT '',
		kind             TEXT    NOT NULL,
		payload          TEXT,
		base_updated_at  INTEGER,
		client_timestamp INTEGER NOT NULL,
		priority         INTEGER NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL,
		status           TEXT    NOT NULL,
		scheduled_at     INTEGER NOT NULL,
		error_message    TEXT    NOT NULL DEFAULT '',
		conflict_id      TEXT    NOT NULL DEFAULT '',
		server_id        TEXT    NOT NULL DEFAULT '',
		updated_at       INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_operations_entity_ref ON operations(entity_ref);
`

const columns = `seq, local_id, entity_type, entity_id, entity_ref, kind, payload, base_updated_at,
	client_timestamp, priority, retry_count, max_retries, status, scheduled_at,
	error_message, conflict_id, server_id, updated_at`

// Config параметры очереди
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Now источник времени; подменяется в тестах
	Now func() time.Time
}

// DefaultConfig 10 попыток, задержки 5s..300s
func DefaultConfig() Config {
	return Config{
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffMax,
		Now:         time.Now,
	}
}

// Queue надежная очередь операций поверх SQLite
type Queue struct {
	db  *sql.DB
	cfg Config
	log *slog.Logger
}

// New создает очередь и таблицу operations, если ее еще нет
func New(ctx context.Context, db *sql.DB, cfg Config, log *slog.Logger) (*Queue, error) {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ошибка инициализации очереди: %w", err)
	}

	return &Queue{
		db:  db,
		cfg: cfg,
		log: log.With("component", "operation_queue"),
	}, nil
}

func (q *Queue) now() time.Time {
	return q.cfg.Now().UTC()
}

// Enqueue сохраняет новую операцию. Пустые поля заполняются значениями по умолчанию,
// повторный local_id отклоняется с ErrDuplicateOperation
func (q *Queue) Enqueue(ctx context.Context, op *Operation) error {
	if !op.EntityType.Valid() {
		return fmt.Errorf("%w: неизвестный тип сущности %q", ErrInvalidOperation, op.EntityType)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: неизвестный вид операции %q", ErrInvalidOperation, op.Kind)
	}

	if op.LocalID == "" {
		op.LocalID = uuid.NewString()
	}
	if op.Kind == sync.OpCreate {
		op.EntityRef = op.LocalID
		op.EntityID = ""
	} else if op.EntityID == "" && op.EntityRef == "" {
		return fmt.Errorf("%w: для %s нужен entity_id или entity_ref", ErrInvalidOperation, op.Kind)
	}
	if op.Kind != sync.OpDelete {
		if _, err := sync.DecodePayload(op.EntityType, op.Payload); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOperation, err)
		}
	}

	now := q.now()
	if op.ClientTimestamp.IsZero() {
		op.ClientTimestamp = now
	}
	if op.Priority <= 0 {
		op.Priority = DefaultPriority(op.EntityType)
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.cfg.MaxRetries
	}
	op.Status = StatusPending
	op.RetryCount = 0
	op.ScheduledAt = op.ClientTimestamp
	op.UpdatedAt = now

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	if op.Kind != sync.OpCreate && op.EntityID == "" {
		if err := q.resolveRef(ctx, tx, op); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations (local_id, entity_type, entity_id, entity_ref, kind, payload,
			base_updated_at, client_timestamp, priority, retry_count, max_retries, status,
			scheduled_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.LocalID, op.EntityType, op.EntityID, op.EntityRef, op.Kind, nullPayload(op.Payload),
		nullMicro(op.BaseUpdatedAt), micro(op.ClientTimestamp), op.Priority, op.RetryCount,
		op.MaxRetries, op.Status, micro(op.ScheduledAt), micro(op.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.LocalID)
		}
		return fmt.Errorf("ошибка сохранения операции: %w", err)
	}
	op.seq, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	q.log.Debug("Операция поставлена в очередь",
		"local_id", op.LocalID, "entity_type", op.EntityType, "kind", op.Kind)
	return nil
}

// resolveRef сверяет операцию с CREATE, заведшим сущность: после синхронизации
// подставляет серверный id, после окончательной ошибки отклоняет операцию
func (q *Queue) resolveRef(ctx context.Context, tx *sql.Tx, op *Operation) error {
	creates, err := q.createsByID(ctx, tx, []string{op.EntityRef})
	if err != nil {
		return err
	}
	create, ok := creates[op.EntityRef]
	if !ok {
		return nil
	}

	switch create.Status {
	case StatusFailed:
		return fmt.Errorf("%w: %s", ErrDependencyFailed, op.EntityRef)
	case StatusSynced:
		op.EntityID = create.ServerID
	}
	return nil
}

// createsByID операции CREATE с заданными local_id
func (q *Queue) createsByID(ctx context.Context, tx querier, ids []string) (map[string]Operation, error) {
	result := make(map[string]Operation, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, sync.OpCreate)
	for _, id := range ids {
		args = append(args, id)
	}

	ops, err := q.query(ctx, tx, `
		SELECT `+columns+` FROM operations
		WHERE kind = ? AND local_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		result[op.LocalID] = op
	}
	return result, nil
}

// failOrphans переводит в FAILED ожидающие операции, чей CREATE уже не будет применен
func (q *Queue) failOrphans(ctx context.Context, tx *sql.Tx, unfinished []Operation, now time.Time) ([]Operation, error) {
	pendingCreates := make(map[string]bool)
	refs := make([]string, 0)
	for _, op := range unfinished {
		if op.Kind == sync.OpCreate {
			pendingCreates[op.LocalID] = true
		}
	}
	for _, op := range unfinished {
		if op.Kind != sync.OpCreate && op.EntityID == "" && !pendingCreates[op.EntityRef] {
			refs = append(refs, op.EntityRef)
		}
	}
	if len(refs) == 0 {
		return unfinished, nil
	}

	creates, err := q.createsByID(ctx, tx, refs)
	if err != nil {
		return nil, err
	}

	kept := unfinished[:0]
	for _, op := range unfinished {
		if op.Kind == sync.OpCreate || op.EntityID != "" || pendingCreates[op.EntityRef] {
			kept = append(kept, op)
			continue
		}

		create, ok := creates[op.EntityRef]
		if ok && create.Status == StatusSynced && create.ServerID != "" {
			op.EntityID = create.ServerID
			op.UpdatedAt = now
			if err := saveState(ctx, tx, &op); err != nil {
				return nil, err
			}
			kept = append(kept, op)
			continue
		}

		op.Status = StatusFailed
		op.ErrorMessage = fmt.Sprintf("%v: %s", ErrDependencyFailed, op.EntityRef)
		op.UpdatedAt = now
		if err := saveState(ctx, tx, &op); err != nil {
			return nil, err
		}
		q.log.Warn("Операция без создающей операции отменена", "local_id", op.LocalID, "entity_ref", op.EntityRef)
	}
	return kept, nil
}

// NextBatch выбирает готовые к отправке операции и переводит их в IN_FLIGHT.
// По каждой сущности берется только самая ранняя незавершенная операция;
// операции над еще не созданной на сервере сущностью ждут своего CREATE
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	unfinished, err := q.query(ctx, tx, `
		SELECT `+columns+` FROM operations
		WHERE status IN (?, ?)
		ORDER BY seq`, StatusPending, StatusInFlight)
	if err != nil {
		return nil, err
	}

	now := q.now()
	unfinished, err = q.failOrphans(ctx, tx, unfinished, now)
	if err != nil {
		return nil, err
	}

	unsyncedCreates := make([]string, 0)
	for i := range unfinished {
		if unfinished[i].Kind == sync.OpCreate {
			unsyncedCreates = append(unsyncedCreates, unfinished[i].LocalID)
		}
	}

	seen := make(map[string]bool, len(unfinished))
	candidates := make([]*Operation, 0)
	for i := range unfinished {
		op := &unfinished[i]
		key := op.entityKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		if op.Status != StatusPending || op.ScheduledAt.After(now) {
			continue
		}
		if op.Kind != sync.OpCreate && op.EntityID == "" {
			continue
		}
		if referencesAny(op.Payload, unsyncedCreates, op.LocalID) {
			continue
		}
		candidates = append(candidates, op)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ClientTimestamp.Equal(b.ClientTimestamp) {
			return a.ClientTimestamp.Before(b.ClientTimestamp)
		}
		return a.seq < b.seq
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	batch := make([]Operation, 0, len(candidates))
	for _, op := range candidates {
		op.Status = StatusInFlight
		op.UpdatedAt = now
		if err := saveState(ctx, tx, op); err != nil {
			return nil, err
		}
		batch = append(batch, *op)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return batch, nil
}

// MarkSynced фиксирует успешное применение. updatedAt новое серверное время записи:
// им продвигается base_updated_at следующих операций той же сущности.
// Для CREATE в той же транзакции подставляется серверный id в зависимые операции
func (q *Queue) MarkSynced(ctx context.Context, localID, serverID string, updatedAt *time.Time) error {
	return q.transition(ctx, localID, []Status{StatusInFlight}, func(tx *sql.Tx, op *Operation, now time.Time) error {
		op.Status = StatusSynced
		op.ServerID = serverID
		op.ErrorMessage = ""

		if updatedAt != nil {
			entityID := op.EntityID
			if entityID == "" {
				entityID = serverID
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE operations SET base_updated_at = ?, updated_at = ?
				WHERE status = ? AND seq > ? AND entity_type = ?
				  AND ((entity_ref != '' AND entity_ref = ?) OR (entity_id != '' AND entity_id = ?))`,
				micro(*updatedAt), micro(now), StatusPending, op.seq, op.EntityType, op.EntityRef, entityID,
			)
			if err != nil {
				return fmt.Errorf("ошибка обновления базовой версии: %w", err)
			}
		}

		if op.Kind == sync.OpCreate {
			if _, err := q.rewrite(ctx, tx, op.LocalID, serverID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkConflict переводит операцию в CONFLICT до ручного разрешения
func (q *Queue) MarkConflict(ctx context.Context, localID, conflictID, message string) error {
	return q.transition(ctx, localID, []Status{StatusInFlight}, func(_ *sql.Tx, op *Operation, _ time.Time) error {
		op.Status = StatusConflict
		op.ConflictID = conflictID
		op.ErrorMessage = message
		return nil
	})
}

// MarkFailed учитывает временную ошибку: возвращает операцию в PENDING с задержкой
// или, если попытки исчерпаны, переводит в FAILED. Возвращает новый статус
func (q *Queue) MarkFailed(ctx context.Context, localID string, cause error) (Status, error) {
	var status Status
	err := q.transition(ctx, localID, []Status{StatusInFlight}, func(tx *sql.Tx, op *Operation, now time.Time) error {
		op.RetryCount++
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}

		if op.RetryCount < op.MaxRetries {
			op.Status = StatusPending
			op.ScheduledAt = now.Add(Backoff(op.RetryCount, q.cfg.BackoffBase, q.cfg.BackoffMax))
			op.ErrorMessage = msg
			status = op.Status
			return nil
		}

		op.Status = StatusFailed
		op.ErrorMessage = fmt.Sprintf("%v: %s", ErrMaxRetriesExceeded, msg)
		status = op.Status
		q.log.Warn("Операция исчерпала попытки", "local_id", op.LocalID, "retries", op.RetryCount)
		return q.cascadeFailure(ctx, tx, op, now)
	})
	return status, err
}

// MarkRejected переводит отклоненную сервером операцию в FAILED без повторов
func (q *Queue) MarkRejected(ctx context.Context, localID, message string) error {
	return q.transition(ctx, localID, []Status{StatusInFlight}, func(tx *sql.Tx, op *Operation, now time.Time) error {
		op.Status = StatusFailed
		op.ErrorMessage = message
		return q.cascadeFailure(ctx, tx, op, now)
	})
}

// Requeue возвращает FAILED операцию в очередь с обнуленным счетчиком попыток
func (q *Queue) Requeue(ctx context.Context, localID string) error {
	return q.transition(ctx, localID, []Status{StatusFailed}, func(_ *sql.Tx, op *Operation, now time.Time) error {
		op.Status = StatusPending
		op.RetryCount = 0
		op.ScheduledAt = now
		op.ErrorMessage = ""
		return nil
	})
}

// RecoverInFlight возвращает в PENDING операции, отправка которых прервалась падением процесса
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, micro(q.now()), StatusInFlight,
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка восстановления операций: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Info("Незавершенные операции возвращены в очередь", "count", n)
	}
	return int(n), nil
}

// RewriteReferences подставляет серверный id вместо local_id созданной сущности:
// в entity_id зависимых операций и в строковые значения их payload
func (q *Queue) RewriteReferences(ctx context.Context, localID, serverID string) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	n, err := q.rewrite(ctx, tx, localID, serverID, q.now())
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return n, nil
}

func (q *Queue) rewrite(ctx context.Context, tx *sql.Tx, localID, serverID string, now time.Time) (int, error) {
	if localID == "" || serverID == "" || localID == serverID {
		return 0, nil
	}

	ops, err := q.query(ctx, tx, `
		SELECT `+columns+` FROM operations
		WHERE status IN (?, ?)
		  AND ((entity_ref = ? AND entity_id = '') OR instr(payload, ?) > 0)`,
		StatusPending, StatusFailed, localID, quoted(localID))
	if err != nil {
		return 0, err
	}

	for i := range ops {
		op := &ops[i]
		if op.EntityRef == localID && op.EntityID == "" {
			op.EntityID = serverID
		}
		op.Payload = replaceJSONString(op.Payload, localID, serverID)
		op.UpdatedAt = now
		if err := saveState(ctx, tx, op); err != nil {
			return 0, err
		}
	}

	if len(ops) > 0 {
		q.log.Debug("Ссылки на созданную сущность обновлены", "local_id", localID, "server_id", serverID, "operations", len(ops))
	}
	return len(ops), nil
}

// Get возвращает операцию по local_id
func (q *Queue) Get(ctx context.Context, localID string) (*Operation, error) {
	ops, err := q.query(ctx, q.db, `SELECT `+columns+` FROM operations WHERE local_id = ?`, localID)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	return &ops[0], nil
}

// List возвращает операции в порядке создания
func (q *Queue) List(ctx context.Context, filter Filter) ([]Operation, error) {
	query := `SELECT ` + columns + ` FROM operations WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, filter.EntityType)
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return q.query(ctx, q.db, query, args...)
}

// Counts считает операции по статусам
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var counts Counts

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("ошибка подсчета операций: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("ошибка чтения счетчиков: %w", err)
		}
		switch status {
		case StatusPending:
			counts.Pending = n
		case StatusInFlight:
			counts.InFlight = n
		case StatusSynced:
			counts.Synced = n
		case StatusConflict:
			counts.Conflict = n
		case StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// transition проверяет допустимость перехода и сохраняет изменения, сделанные fn
func (q *Queue) transition(ctx context.Context, localID string, from []Status, fn func(tx *sql.Tx, op *Operation, now time.Time) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	ops, err := q.query(ctx, tx, `SELECT `+columns+` FROM operations WHERE local_id = ?`, localID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	op := &ops[0]
	if !slices.Contains(from, op.Status) {
		return fmt.Errorf("%w: %s в статусе %s", ErrInvalidTransition, localID, op.Status)
	}

	now := q.now()
	if err := fn(tx, op, now); err != nil {
		return err
	}
	op.UpdatedAt = now
	if err := saveState(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// cascadeFailure переводит в FAILED операции, которые зависят от несозданной сущности
func (q *Queue) cascadeFailure(ctx context.Context, tx *sql.Tx, failed *Operation, now time.Time) error {
	if failed.Kind != sync.OpCreate {
		return nil
	}

	roots := []string{failed.LocalID}
	for len(roots) > 0 {
		root := roots[0]
		roots = roots[1:]

		deps, err := q.query(ctx, tx, `
			SELECT `+columns+` FROM operations
			WHERE status = ? AND local_id != ? AND (entity_ref = ? OR instr(payload, ?) > 0)`,
			StatusPending, root, root, quoted(root))
		if err != nil {
			return err
		}

		for i := range deps {
			dep := &deps[i]
			dep.Status = StatusFailed
			dep.ErrorMessage = fmt.Sprintf("зависит от операции %s, которая завершилась ошибкой", root)
			dep.UpdatedAt = now
			if err := saveState(ctx, tx, dep); err != nil {
				return err
			}
			if dep.Kind == sync.OpCreate {
				roots = append(roots, dep.LocalID)
			}
		}
		if len(deps) > 0 {
			q.log.Warn("Зависимые операции отменены", "root", root, "count", len(deps))
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (q *Queue) query(ctx context.Context, db querier, query string, args ...any) ([]Operation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди: %w", err)
	}
	defer rows.Close()

	ops := make([]Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди: %w", err)
	}
	return ops, nil
}

func scanOperation(rows *sql.Rows) (*Operation, error) {
	var (
		op                                      Operation
		payload                                 sql.NullString
		base                                    sql.NullInt64
		clientTimestamp, scheduledAt, updatedAt int64
	)
	err := rows.Scan(&op.seq, &op.LocalID, &op.EntityType, &op.EntityID, &op.EntityRef, &op.Kind,
		&payload, &base, &clientTimestamp, &op.Priority, &op.RetryCount, &op.MaxRetries,
		&op.Status, &scheduledAt, &op.ErrorMessage, &op.ConflictID, &op.ServerID, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения операции: %w", err)
	}

	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if base.Valid {
		t := fromMicro(base.Int64)
		op.BaseUpdatedAt = &t
	}
	op.ClientTimestamp = fromMicro(clientTimestamp)
	op.ScheduledAt = fromMicro(scheduledAt)
	op.UpdatedAt = fromMicro(updatedAt)
	return &op, nil
}

// saveState сохраняет изменяемые поля операции
func saveState(ctx context.Context, tx *sql.Tx, op *Operation) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE operations SET
			entity_id = ?, payload = ?, base_updated_at = ?, retry_count = ?, status = ?,
			scheduled_at = ?, error_message = ?, conflict_id = ?, server_id = ?, updated_at = ?
		WHERE local_id = ?`,
		op.EntityID, nullPayload(op.Payload), nullMicro(op.BaseUpdatedAt), op.RetryCount, op.Status,
		micro(op.ScheduledAt), op.ErrorMessage, op.ConflictID, op.ServerID, micro(op.UpdatedAt),
		op.LocalID,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения операции %s: %w", op.LocalID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// referencesAny сообщает, упоминает ли payload local_id одной из несинхронизированных операций CREATE
func referencesAny(payload json.RawMessage, localIDs []string, self string) bool {
	if len(payload) == 0 {
		return false
	}
	for _, id := range localIDs {
		if id == self {
			continue
		}
		if bytes.Contains(payload, []byte(quoted(id))) {
			return true
		}
	}
	return false
}

// replaceJSONString заменяет строковые значения, в точности равные old
func replaceJSONString(payload json.RawMessage, old, replacement string) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return payload
	}

	var walk func(v any) any
	walk = func(v any) any {
		switch val := v.(type) {
		case string:
			if val == old {
				return replacement
			}
			return val
		case map[string]any:
			for k, item := range val {
				val[k] = walk(item)
			}
			return val
		case []any:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		default:
			return v
		}
	}

	out, err := json.Marshal(walk(doc))
	if err != nil {
		return payload
	}
	return out
}

func quoted(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func micro(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicro(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicro(t *time.Time) any {
	if t == nil {
		return nil
	}
	return micro(*t)
}

func nullPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
