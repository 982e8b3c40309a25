package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"possync/internal/app/client/config"
	"possync/internal/app/client/queue"
	"possync/internal/domain/sync"
	"possync/internal/infrastructure/storage/sqlite"

	"golang.org/x/exp/slog"
)

// App клиент кассы: локальные записи, очередь операций и синхронизация
type App struct {
	config   *config.Config
	log      *slog.Logger
	db       *sql.DB
	queue    *queue.Queue
	store    *EntityStore
	http     *HTTPClient
	tokens   FileTokenSource
	conn     *ProbeConnectivity
	sync     *Orchestrator
	deviceID string
}

// StatusReport локальное и серверное состояние синхронизации
type StatusReport struct {
	DeviceID string               `json:"device_id"`
	Online   bool                 `json:"online"`
	State    State                `json:"state"`
	Queue    queue.Counts         `json:"queue"`
	Cursor   *time.Time           `json:"cursor,omitempty"`
	Server   *sync.StatusResponse `json:"server,omitempty"`
}

func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	db, err := sqlite.Open(cfg.DataPath)
	if err != nil {
		return nil, err
	}

	app := &App{
		config: cfg,
		log:    log,
		db:     db,
		tokens: FileTokenSource{Path: cfg.TokenPath},
	}

	app.queue, err = queue.New(ctx, db, queue.Config{
		MaxRetries:  cfg.Sync.MaxRetries,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
	}, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	app.store, err = NewEntityStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	app.deviceID = cfg.DeviceID
	if app.deviceID == "" {
		if app.deviceID, err = app.store.DeviceID(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	// Операции, оставшиеся IN_FLIGHT после падения, возвращаются в очередь
	if _, err := app.queue.RecoverInFlight(ctx); err != nil {
		db.Close()
		return nil, err
	}

	app.http = NewHTTPClient(cfg.BaseURL(), app.deviceID, app.tokens, log)
	app.conn = NewProbeConnectivity(app.http, cfg.Sync.ProbeInterval, log)
	app.sync = NewOrchestrator(app.queue, app.store, app.http, app.conn, OrchestratorConfig{
		DeviceID:     app.deviceID,
		UserID:       cfg.UserID,
		BatchSize:    cfg.Sync.BatchSize,
		BatchTimeout: cfg.Sync.BatchTimeout,
		Interval:     cfg.Sync.Interval,
	}, log)

	return app, nil
}

// Close закрывает локальную базу
func (a *App) Close() error {
	return a.db.Close()
}

// DeviceID id устройства, под которым клиент ходит на сервер
func (a *App) DeviceID() string {
	return a.deviceID
}

// Orchestrator оркестратор синхронизации, например для подписки на события
func (a *App) Orchestrator() *Orchestrator {
	return a.sync
}

// SaveToken сохраняет bearer-токен
func (a *App) SaveToken(token string) error {
	return a.tokens.Save(token)
}

// Run фоновая синхронизация: проба сети и проходы по таймеру до отмены контекста.
// Запуск считается выходом кассы на передний план и сразу ставит проход
func (a *App) Run(ctx context.Context) error {
	a.sync.Trigger(ReasonForeground)

	var wg gosync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.conn.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sync.Run(ctx)
	}()

	a.log.Info("Клиент запущен",
		"server", a.config.ServerAddress,
		"device_id", a.deviceID,
		"env", a.config.Env,
	)

	wg.Wait()
	a.log.Info("Клиент завершил работу")
	return nil
}

// ==================== Record Operations ====================

// CreateRecord заводит сущность локально и ставит CREATE в очередь
func (a *App) CreateRecord(ctx context.Context, entityType sync.EntityType, data json.RawMessage) (*queue.Operation, error) {
	op := &queue.Operation{
		EntityType: entityType,
		Kind:       sync.OpCreate,
		Payload:    data,
	}
	if err := a.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	if err := a.store.Upsert(ctx, &LocalEntity{ID: op.LocalID, Type: entityType, Data: op.Payload}); err != nil {
		return nil, err
	}

	a.afterMutation()
	return op, nil
}

// UpdateRecord накладывает patch на локальные данные и ставит UPDATE с полным снимком
func (a *App) UpdateRecord(ctx context.Context, id string, patch json.RawMessage) (*queue.Operation, error) {
	entity, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged, err := mergeJSON(entity.Data, patch)
	if err != nil {
		return nil, err
	}

	op := a.operationFor(entity, sync.OpUpdate)
	op.Payload = merged
	if err := a.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	entity.Data = op.Payload
	entity.ModifiedAt = time.Time{}
	if err := a.store.Upsert(ctx, entity); err != nil {
		return nil, err
	}

	a.afterMutation()
	return op, nil
}

// DeleteRecord удаляет сущность локально и ставит DELETE в очередь
func (a *App) DeleteRecord(ctx context.Context, id string) (*queue.Operation, error) {
	entity, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	op := a.operationFor(entity, sync.OpDelete)
	if err := a.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	if err := a.store.Delete(ctx, id); err != nil {
		return nil, err
	}

	a.afterMutation()
	return op, nil
}

// Records локальные сущности, опционально одного типа
func (a *App) Records(ctx context.Context, entityType sync.EntityType) ([]LocalEntity, error) {
	return a.store.List(ctx, entityType)
}

// Record локальная сущность по id
func (a *App) Record(ctx context.Context, id string) (*LocalEntity, error) {
	return a.store.Get(ctx, id)
}

// operationFor ссылается на сущность серверным id, если он уже есть, иначе через local_id ее CREATE
func (a *App) operationFor(entity *LocalEntity, kind sync.OpKind) *queue.Operation {
	op := &queue.Operation{
		EntityType: entity.Type,
		Kind:       kind,
	}
	if entity.Synced() {
		op.EntityID = entity.ID
		op.BaseUpdatedAt = entity.ServerUpdatedAt
	} else {
		op.EntityRef = entity.ID
	}
	return op
}

func (a *App) afterMutation() {
	if a.conn.IsOnline() {
		a.sync.Trigger(ReasonMutation)
	}
}

// ==================== Sync Operations ====================

// Sync проверяет сеть и выполняет проход синхронизации.
// force дополнительно отмечает принудительную синхронизацию на сервере
func (a *App) Sync(ctx context.Context, force bool) (*SyncResult, error) {
	if !a.conn.Probe(ctx) {
		return nil, ErrOffline
	}

	if force {
		resp, err := a.http.ForceSync(ctx)
		if err != nil {
			return nil, err
		}
		a.log.Info("Принудительная синхронизация", "pending_conflicts", resp.PendingConflicts)
		return a.sync.ForceSync(ctx)
	}
	return a.sync.Sync(ctx, ReasonManual)
}

// Status состояние очереди, курсора и, если сервер доступен, серверный статус
func (a *App) Status(ctx context.Context) (*StatusReport, error) {
	counts, err := a.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		DeviceID: a.deviceID,
		State:    a.sync.State(),
		Queue:    counts,
	}

	cursor, err := a.store.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	if !cursor.IsZero() {
		report.Cursor = &cursor
	}

	report.Online = a.conn.Probe(ctx)
	if report.Online {
		server, err := a.http.Status(ctx)
		if err != nil && !errors.Is(err, ErrTokenNotFound) && !errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		report.Server = server
	}
	return report, nil
}

// Operations операции очереди по фильтру
func (a *App) Operations(ctx context.Context, filter queue.Filter) ([]queue.Operation, error) {
	return a.queue.List(ctx, filter)
}

// Retry возвращает операцию FAILED в очередь
func (a *App) Retry(ctx context.Context, localID string) error {
	return a.queue.Requeue(ctx, localID)
}

// Conflicts конфликты пользователя на сервере
func (a *App) Conflicts(ctx context.Context, q ConflictQuery) ([]sync.Conflict, error) {
	return a.http.ListConflicts(ctx, q)
}

// ResolveConflict разрешает конфликт и сразу подтягивает дельту с результатом
func (a *App) ResolveConflict(ctx context.Context, conflictID string, strategy sync.ResolutionStrategy, merged json.RawMessage) (*sync.ResolveConflictResponse, error) {
	resp, err := a.http.ResolveConflict(ctx, conflictID, sync.ResolveConflictRequest{
		Strategy:   strategy,
		MergedData: merged,
	})
	if err != nil {
		return nil, err
	}

	if _, err := a.sync.Sync(ctx, ReasonManual); err != nil && !errors.Is(err, ErrOffline) {
		a.log.Warn("Не удалось синхронизироваться после разрешения конфликта", "error", err)
	}
	return resp, nil
}

// Devices устройства пользователя
func (a *App) Devices(ctx context.Context) ([]sync.DeviceInfo, error) {
	return a.http.Devices(ctx)
}

// mergeJSON накладывает поля patch на объект base
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, fmt.Errorf("ошибка разбора локальных данных: %w", err)
		}
	}

	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, fmt.Errorf("%w: данные должны быть JSON-объектом", queue.ErrInvalidOperation)
	}
	for k, v := range changes {
		fields[k] = v
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации данных: %w", err)
	}
	return merged, nil
}
