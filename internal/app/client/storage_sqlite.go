package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"possync/internal/domain/sync"

	"github.com/google/uuid"
)

const (
	metaDeltaCursor = "delta_cursor"
	metaDeviceID    = "device_id"
)

// LocalEntity локальная копия сущности. До синхронизации CREATE ключом служит его local_id
type LocalEntity struct {
	ID   string          `json:"id"`
	Type sync.EntityType `json:"entity_type"`
	Data json.RawMessage `json:"data"`
	// ServerUpdatedAt последний известный серверный updated_at; nil, пока сервер не подтвердил запись
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
	ModifiedAt      time.Time  `json:"modified_at"`
}

// Synced сообщает, известна ли сущность серверу
func (e *LocalEntity) Synced() bool {
	return e.ServerUpdatedAt != nil
}

// EntityStore локальное хранилище сущностей и метаданных синхронизации в SQLite
type EntityStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewEntityStore(ctx context.Context, db *sql.DB) (*EntityStore, error) {
	store := &EntityStore{db: db, now: time.Now}

	if err := store.initTables(ctx); err != nil {
		return nil, fmt.Errorf("ошибка инициализации таблиц: %w", err)
	}
	return store, nil
}

func (s *EntityStore) initTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			data TEXT NOT NULL,
			server_updated_at INTEGER,
			modified_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);

		CREATE TABLE IF NOT EXISTS sync_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// Upsert сохраняет локальное изменение сущности
func (s *EntityStore) Upsert(ctx context.Context, e *LocalEntity) error {
	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = s.now().UTC()
	}
	return upsertEntity(ctx, s.db, e)
}

// Get возвращает сущность по ключу
func (s *EntityStore) Get(ctx context.Context, id string) (*LocalEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, data, server_updated_at, modified_at
		FROM entities WHERE id = ?`, id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return e, nil
}

// List возвращает сущности, опционально только заданного типа
func (s *EntityStore) List(ctx context.Context, entityType sync.EntityType) ([]LocalEntity, error) {
	query := "SELECT id, entity_type, data, server_updated_at, modified_at FROM entities"
	var args []any
	if entityType != "" {
		query += " WHERE entity_type = ?"
		args = append(args, entityType)
	}
	query += " ORDER BY modified_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения записей: %w", err)
	}
	defer rows.Close()

	var entities []LocalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения записи: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// Delete удаляет сущность; отсутствие записи не ошибка
func (s *EntityStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	return nil
}

// Rekey переносит сущность с local_id на выданный сервером id.
// Если дельта уже принесла запись с серверным id, локальная копия просто удаляется
func (s *EntityStore) Rekey(ctx context.Context, localID, serverID string) error {
	if localID == serverID {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM entities WHERE id = ?)", serverID).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки существования записи: %w", err)
	}

	if exists {
		_, err = tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", localID)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE entities SET id = ? WHERE id = ?", serverID, localID)
	}
	if err != nil {
		return fmt.Errorf("ошибка смены ключа записи: %w", err)
	}

	return tx.Commit()
}

// Confirm запоминает серверный updated_at после успешного применения операции
func (s *EntityStore) Confirm(ctx context.Context, id string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE entities SET server_updated_at = ? WHERE id = ?", updatedAt.UTC().UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("ошибка подтверждения записи: %w", err)
	}
	return nil
}

// ApplyDelta применяет дельту и сдвигает курсор в одной транзакции.
// Повторное применение той же дельты дает тот же результат
func (s *EntityStore) ApplyDelta(ctx context.Context, delta *sync.DeltaResponse) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	for _, id := range delta.DeletedIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
			return fmt.Errorf("ошибка удаления записи %s: %w", id, err)
		}
	}

	for _, update := range delta.Updates {
		if update.ID == "" || (len(update.Data) > 0 && !json.Valid(update.Data)) {
			return fmt.Errorf("некорректная запись в дельте: %q", update.ID)
		}
		updatedAt := update.UpdatedAt.UTC()
		e := &LocalEntity{
			ID:              update.ID,
			Type:            update.Type,
			Data:            update.Data,
			ServerUpdatedAt: &updatedAt,
			ModifiedAt:      updatedAt,
		}
		if err := upsertEntity(ctx, tx, e); err != nil {
			return err
		}
	}

	if !delta.ServerTime.IsZero() {
		if err := setMeta(ctx, tx, metaDeltaCursor, delta.ServerTime.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Cursor возвращает server_time последней примененной дельты; нулевое время, если дельт еще не было
func (s *EntityStore) Cursor(ctx context.Context) (time.Time, error) {
	value, err := getMeta(ctx, s.db, metaDeltaCursor)
	if err != nil || value == "" {
		return time.Time{}, err
	}

	cursor, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("ошибка разбора курсора: %w", err)
	}
	return cursor, nil
}

// DeviceID возвращает id устройства, при первом вызове генерирует и сохраняет его
func (s *EntityStore) DeviceID(ctx context.Context) (string, error) {
	id, err := getMeta(ctx, s.db, metaDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := setMeta(ctx, s.db, metaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func upsertEntity(ctx context.Context, db execer, e *LocalEntity) error {
	var serverUpdatedAt sql.NullInt64
	if e.ServerUpdatedAt != nil {
		serverUpdatedAt = sql.NullInt64{Int64: e.ServerUpdatedAt.UTC().UnixMicro(), Valid: true}
	}

	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, data, server_updated_at, modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type = excluded.entity_type,
			data = excluded.data,
			server_updated_at = COALESCE(excluded.server_updated_at, entities.server_updated_at),
			modified_at = excluded.modified_at`,
		e.ID, e.Type, string(data), serverUpdatedAt, e.ModifiedAt.UTC().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения записи %s: %w", e.ID, err)
	}
	return nil
}

func scanEntity(row scanner) (*LocalEntity, error) {
	var (
		e               LocalEntity
		data            string
		serverUpdatedAt sql.NullInt64
		modifiedAt      int64
	)
	if err := row.Scan(&e.ID, &e.Type, &data, &serverUpdatedAt, &modifiedAt); err != nil {
		return nil, err
	}

	e.Data = json.RawMessage(data)
	e.ModifiedAt = time.UnixMicro(modifiedAt).UTC()
	if serverUpdatedAt.Valid {
		t := time.UnixMicro(serverUpdatedAt.Int64).UTC()
		e.ServerUpdatedAt = &t
	}
	return &e, nil
}

func getMeta(ctx context.Context, db execer, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ошибка чтения %s: %w", key, err)
	}
	return value, nil
}

func setMeta(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("ошибка сохранения %s: %w", key, err)
	}
	return nil
}
