package client

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"possync/internal/app/client/queue"
	"possync/internal/domain/sync"

	"golang.org/x/exp/slog"
)

// State состояние оркестратора
type State string

const (
	StateIdle    State = "IDLE"
	StateSyncing State = "SYNCING"
	StateError   State = "ERROR"
)

// Reason причина запуска прохода синхронизации
type Reason string

const (
	ReasonPeriodic     Reason = "periodic"
	ReasonConnectivity Reason = "connectivity"
	ReasonManual       Reason = "manual"
	ReasonForeground   Reason = "foreground"
	ReasonMutation     Reason = "mutation"
)

// Transport сторона протокола, которая нужна оркестратору
type Transport interface {
	PushBatch(ctx context.Context, req sync.BatchSyncRequest) (*sync.BatchSyncResponse, error)
	PullDelta(ctx context.Context, since time.Time) (*sync.DeltaResponse, error)
}

// SyncResult итог одного прохода
type SyncResult struct {
	Reason       Reason        `json:"reason"`
	Batches      int           `json:"batches"`
	Pushed       int           `json:"pushed"`
	Synced       int           `json:"synced"`
	Conflicts    int           `json:"conflicts"`
	AutoResolved int           `json:"auto_resolved"`
	Failed       int           `json:"failed"`
	Rejected     int           `json:"rejected"`
	Pulled       int           `json:"pulled"`
	Deleted      int           `json:"deleted"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
}

// SyncStats накопленная статистика синхронизации
type SyncStats struct {
	TotalSyncs      int           `json:"total_syncs"`
	SuccessfulSyncs int           `json:"successful_syncs"`
	FailedSyncs     int           `json:"failed_syncs"`
	TotalPushed     int           `json:"total_pushed"`
	TotalPulled     int           `json:"total_pulled"`
	TotalConflicts  int           `json:"total_conflicts"`
	TotalFailed     int           `json:"total_failed"`
	LastSuccessful  time.Time     `json:"last_successful,omitempty"`
	LastFailed      time.Time     `json:"last_failed,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	AvgSyncDuration time.Duration `json:"avg_sync_duration"`
}

// Event уведомление подписчиков о смене состояния
type Event struct {
	State        State
	Reason       Reason
	Counts       queue.Counts
	LastConflict *sync.Conflict
	LastError    error
	Result       *SyncResult
}

// OrchestratorConfig параметры оркестратора
type OrchestratorConfig struct {
	DeviceID     string
	UserID       string
	BatchSize    int
	BatchTimeout time.Duration
	Interval     time.Duration
	Now          func() time.Time
}

// Orchestrator выгружает очередь пакетами, разбирает исходы и подтягивает дельту.
// Одновременно выполняется не больше одного прохода
type Orchestrator struct {
	queue     *queue.Queue
	store     *EntityStore
	transport Transport
	conn      Connectivity
	cfg       OrchestratorConfig
	log       *slog.Logger
	triggers  chan Reason

	mu           gosync.Mutex
	state        State
	rerun        bool
	lastErr      error
	lastConflict *sync.Conflict
	stats        SyncStats
	subs         map[int]func(Event)
	nextSubID    int
}

func NewOrchestrator(q *queue.Queue, store *EntityStore, transport Transport, conn Connectivity, cfg OrchestratorConfig, log *slog.Logger) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 60 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		queue:     q,
		store:     store,
		transport: transport,
		conn:      conn,
		cfg:       cfg,
		log:       log.With("component", "sync_orchestrator"),
		triggers:  make(chan Reason, 1),
		state:     StateIdle,
		subs:      make(map[int]func(Event)),
	}
}

// State текущее состояние
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats возвращает копию статистики
func (o *Orchestrator) Stats() SyncStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Subscribe подписывает на события; возвращает функцию отписки
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSubID
	o.nextSubID++
	o.subs[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// Trigger просит Run выполнить проход. Повторные запросы до начала прохода схлопываются
func (o *Orchestrator) Trigger(reason Reason) {
	select {
	case o.triggers <- reason:
	default:
	}
}

// ForceSync ручной запуск прохода
func (o *Orchestrator) ForceSync(ctx context.Context) (*SyncResult, error) {
	o.log.Info("Запуск принудительной синхронизации")
	return o.Sync(ctx, ReasonManual)
}

// Run обслуживает таймер, возврат сети и Trigger до отмены контекста
func (o *Orchestrator) Run(ctx context.Context) {
	unsubscribe := o.conn.OnChange(func(online bool) {
		if online {
			o.Trigger(ReasonConnectivity)
		}
	})
	defer unsubscribe()

	o.log.Info("Запуск автоматической синхронизации", "interval", o.cfg.Interval)

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("Автоматическая синхронизация остановлена")
			return
		case <-ticker.C:
			o.runOnce(ctx, ReasonPeriodic)
		case reason := <-o.triggers:
			o.runOnce(ctx, reason)
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, reason Reason) {
	_, err := o.Sync(ctx, reason)
	switch {
	case err == nil, errors.Is(err, ErrOffline), errors.Is(err, ErrSyncInProgress), errors.Is(err, context.Canceled):
	default:
		o.log.Error("Ошибка синхронизации", "reason", reason, "error", err)
	}
}

// Sync выполняет проход синхронизации. Если проход уже идет, запрос
// превращается в флаг повторного прохода и возвращается ErrSyncInProgress
func (o *Orchestrator) Sync(ctx context.Context, reason Reason) (*SyncResult, error) {
	o.mu.Lock()
	if o.state == StateSyncing {
		o.rerun = true
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.state = StateSyncing
	o.mu.Unlock()

	o.emit(ctx, Event{State: StateSyncing, Reason: reason})

	for {
		result, err := o.pass(ctx, reason)
		o.updateStats(result, err)

		o.mu.Lock()
		again := o.rerun && err == nil
		o.rerun = false
		if again {
			o.mu.Unlock()
			continue
		}

		o.state = StateIdle
		if err != nil && !errors.Is(err, ErrOffline) {
			o.state = StateError
		}
		o.lastErr = err
		event := Event{State: o.state, Reason: reason, LastConflict: o.lastConflict, LastError: err, Result: result}
		o.mu.Unlock()

		o.emit(ctx, event)
		return result, err
	}
}

// pass один проход: выгрузка очереди пакетами, затем одна дельта
func (o *Orchestrator) pass(ctx context.Context, reason Reason) (*SyncResult, error) {
	result := &SyncResult{Reason: reason, StartTime: o.cfg.Now()}
	defer func() {
		result.Duration = o.cfg.Now().Sub(result.StartTime)
	}()

	for {
		if !o.conn.IsOnline() {
			return result, ErrOffline
		}

		batch, err := o.queue.NextBatch(ctx, o.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("ошибка выборки пакета: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if err := o.pushBatch(ctx, batch, result); err != nil {
			return result, err
		}
	}

	if !o.conn.IsOnline() {
		return result, ErrOffline
	}
	if err := o.pull(ctx, result); err != nil {
		return result, err
	}

	o.log.Info("Синхронизация завершена",
		"reason", reason,
		"pushed", result.Pushed,
		"synced", result.Synced,
		"conflicts", result.Conflicts,
		"failed", result.Failed+result.Rejected,
		"pulled", result.Pulled,
	)
	return result, nil
}

func (o *Orchestrator) pushBatch(ctx context.Context, batch []queue.Operation, result *SyncResult) error {
	// Исходы фиксируются и после отмены ctx, иначе операции застрянут в IN_FLIGHT
	bookCtx := context.WithoutCancel(ctx)

	sent := make([]queue.Operation, 0, len(batch))
	req := sync.BatchSyncRequest{
		DeviceID:   o.cfg.DeviceID,
		UserID:     o.cfg.UserID,
		Operations: make([]sync.OperationDTO, 0, len(batch)),
	}
	for _, op := range batch {
		dto, err := op.ToDTO()
		if err != nil {
			o.reject(bookCtx, op.LocalID, err.Error(), result)
			continue
		}
		req.Operations = append(req.Operations, dto)
		sent = append(sent, op)
	}
	if len(sent) == 0 {
		return nil
	}

	pushCtx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	resp, err := o.transport.PushBatch(pushCtx, req)
	cancel()
	if err == nil && resp.Status == sync.StatusError {
		err = fmt.Errorf("%w: %s", ErrBatchRejected, resp.Error)
	}

	result.Batches++
	result.Pushed += len(sent)

	if err != nil {
		o.log.Warn("Пакет не доставлен", "operations", len(sent), "error", err)
		for _, op := range sent {
			o.fail(bookCtx, op.LocalID, err, result)
		}
		return fmt.Errorf("ошибка отправки пакета: %w", err)
	}

	results := make(map[string]sync.OperationResult, len(resp.Results))
	for _, r := range resp.Results {
		results[r.LocalID] = r
	}
	opErrors := make(map[string]sync.OperationError, len(resp.Errors))
	for _, e := range resp.Errors {
		opErrors[e.LocalID] = e
	}
	conflicts := make(map[string]sync.Conflict, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		conflicts[c.ID] = c
	}

	for _, op := range sent {
		r, ok := results[op.LocalID]
		if !ok {
			if _, found := opErrors[op.LocalID]; !found {
				o.fail(bookCtx, op.LocalID, ErrMissingResult, result)
				continue
			}
			r.Status = sync.ResultError
		}

		switch r.Status {
		case sync.ResultSuccess:
			o.applySuccess(bookCtx, op, r, result)
			if r.ConflictID != "" {
				result.AutoResolved++
			}
		case sync.ResultConflict:
			conflict, found := conflicts[r.ConflictID]
			message := "conflict"
			if found {
				message = string(conflict.Type)
				o.mu.Lock()
				o.lastConflict = &conflict
				o.mu.Unlock()
			}
			if err := o.queue.MarkConflict(bookCtx, op.LocalID, r.ConflictID, message); err != nil {
				o.log.Error("Не удалось отметить конфликт", "local_id", op.LocalID, "error", err)
			}
			result.Conflicts++
		default:
			e := opErrors[op.LocalID]
			if e.Code == sync.CodeInternal || e.Code == "" {
				o.fail(bookCtx, op.LocalID, fmt.Errorf("%s: %s", e.Code, e.Message), result)
			} else {
				o.reject(bookCtx, op.LocalID, e.Code+": "+e.Message, result)
			}
		}
	}
	return nil
}

// applySuccess фиксирует успех в очереди и сверяет локальную копию сущности
func (o *Orchestrator) applySuccess(ctx context.Context, op queue.Operation, r sync.OperationResult, result *SyncResult) {
	if err := o.queue.MarkSynced(ctx, op.LocalID, r.ServerID, r.UpdatedAt); err != nil {
		o.log.Error("Не удалось отметить операцию", "local_id", op.LocalID, "error", err)
		return
	}
	result.Synced++

	entityID := op.EntityID
	if op.Kind == sync.OpCreate && r.ServerID != "" {
		if err := o.store.Rekey(ctx, op.LocalID, r.ServerID); err != nil {
			o.log.Warn("Не удалось сменить ключ записи", "local_id", op.LocalID, "server_id", r.ServerID, "error", err)
		}
		entityID = r.ServerID
	}

	if op.Kind != sync.OpDelete && r.UpdatedAt != nil && entityID != "" {
		if err := o.store.Confirm(ctx, entityID, *r.UpdatedAt); err != nil {
			o.log.Warn("Не удалось подтвердить запись", "entity_id", entityID, "error", err)
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, localID string, cause error, result *SyncResult) {
	status, err := o.queue.MarkFailed(ctx, localID, cause)
	if err != nil {
		o.log.Error("Не удалось отметить ошибку операции", "local_id", localID, "error", err)
		return
	}
	if status == queue.StatusFailed {
		o.log.Warn("Операция исчерпала попытки", "local_id", localID, "error", cause)
		o.dropFailedCreate(ctx, localID)
	}
	result.Failed++
}

func (o *Orchestrator) reject(ctx context.Context, localID, message string, result *SyncResult) {
	o.log.Warn("Операция отклонена сервером", "local_id", localID, "error", message)
	if err := o.queue.MarkRejected(ctx, localID, message); err != nil {
		o.log.Error("Не удалось отметить отклонение", "local_id", localID, "error", err)
		return
	}
	o.dropFailedCreate(ctx, localID)
	result.Rejected++
}

// dropFailedCreate убирает локальную запись, которую сервер так и не создал.
// Сама операция остается в очереди в FAILED и может быть повторена
func (o *Orchestrator) dropFailedCreate(ctx context.Context, localID string) {
	op, err := o.queue.Get(ctx, localID)
	if err != nil || op.Kind != sync.OpCreate || op.Status != queue.StatusFailed {
		return
	}
	if err := o.store.Delete(ctx, localID); err != nil {
		o.log.Warn("Не удалось удалить несозданную запись", "local_id", localID, "error", err)
	}
}

func (o *Orchestrator) pull(ctx context.Context, result *SyncResult) error {
	cursor, err := o.store.Cursor(ctx)
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()

	delta, err := o.transport.PullDelta(pullCtx, cursor)
	if err == nil && delta.Status == sync.StatusError {
		err = fmt.Errorf("ошибка сервера: %s", delta.Error)
	}
	if err != nil {
		return fmt.Errorf("ошибка получения дельты: %w", err)
	}

	if err := o.store.ApplyDelta(ctx, delta); err != nil {
		return fmt.Errorf("ошибка применения дельты: %w", err)
	}

	result.Pulled += len(delta.Updates)
	result.Deleted += len(delta.DeletedIDs)
	return nil
}

func (o *Orchestrator) updateStats(result *SyncResult, err error) {
	if errors.Is(err, ErrOffline) && result.Pushed == 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.stats.TotalSyncs++
	if err == nil {
		o.stats.SuccessfulSyncs++
		o.stats.LastSuccessful = o.cfg.Now()
	} else {
		o.stats.FailedSyncs++
		o.stats.LastFailed = o.cfg.Now()
		o.stats.LastError = err.Error()
	}

	o.stats.TotalPushed += result.Pushed
	o.stats.TotalPulled += result.Pulled
	o.stats.TotalConflicts += result.Conflicts
	o.stats.TotalFailed += result.Failed + result.Rejected

	n := time.Duration(o.stats.TotalSyncs)
	o.stats.AvgSyncDuration = (o.stats.AvgSyncDuration*(n-1) + result.Duration) / n
}

func (o *Orchestrator) emit(ctx context.Context, event Event) {
	counts, err := o.queue.Counts(ctx)
	if err == nil {
		event.Counts = counts
	}

	o.mu.Lock()
	subs := make([]func(Event), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}
