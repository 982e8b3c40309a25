package sync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"possync/internal/ctxkeys"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/slog"
)

const (
	defaultMaxBatchSize  = 100
	defaultDeltaOverlap  = 5 * time.Second
	defaultConflictLimit = 100
	maxConflictLimit     = 1000
)

// Servicer интерфейс сервиса синхронизации
type Servicer interface {
	// ProcessBatch применяет пакет операций клиента; операции обрабатываются независимо
	ProcessBatch(ctx context.Context, req BatchSyncRequest) (*BatchSyncResponse, error)

	// GetDelta возвращает изменения сущностей после курсора
	GetDelta(ctx context.Context, deviceID string, since time.Time) (*DeltaResponse, error)

	// GetStatus возвращает серверное время и число неразрешенных конфликтов
	GetStatus(ctx context.Context, deviceID string) (*StatusResponse, error)

	// ForceSync запускает серверный проход сверки для устройства
	ForceSync(ctx context.Context, deviceID string) (*ForceSyncResponse, error)

	// ListConflicts возвращает конфликты пользователя
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]Conflict, error)

	// ResolveConflict разрешает конфликт выбранной стратегией
	ResolveConflict(ctx context.Context, conflictID string, req ResolveConflictRequest) (*ResolveConflictResponse, error)

	// ListDevices возвращает устройства пользователя
	ListDevices(ctx context.Context) ([]DeviceInfo, error)

	// Ping проверяет, что сервис может обслуживать запросы
	Ping(ctx context.Context) error
}

// Service реализация сервиса синхронизации
type Service struct {
	repo     Repository
	notifier Notifier
	log      *slog.Logger
	config   *ServiceConfig
}

// DefaultServiceConfig конфигурация по умолчанию
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MaxBatchSize:   defaultMaxBatchSize,
		ConflictPolicy: PolicyServerWins,
		DeltaOverlap:   defaultDeltaOverlap,
		Now:            time.Now,
	}
}

// NewService создает новый сервис синхронизации
func NewService(repo Repository, notifier Notifier, log *slog.Logger, config *ServiceConfig) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaultMaxBatchSize
	}
	if config.ConflictPolicy == "" {
		config.ConflictPolicy = PolicyServerWins
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	return &Service{
		repo:     repo,
		notifier: notifier,
		log:      log.With(slog.String("component", "sync_service")),
		config:   config,
	}
}

// outcome результат обработки одной операции
type outcome struct {
	result   OperationResult
	conflict *Conflict
	opErr    *OperationError
	changed  string
}

// ProcessBatch обрабатывает пакет операций
func (s *Service) ProcessBatch(ctx context.Context, req BatchSyncRequest) (*BatchSyncResponse, error) {
	userID, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if req.DeviceID == "" {
		return nil, ErrDeviceRequired
	}
	if req.UserID != "" && req.UserID != userID {
		return nil, ErrUserMismatch
	}
	if len(req.Operations) > s.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d operations, limit %d", ErrBatchTooLarge, len(req.Operations), s.config.MaxBatchSize)
	}

	start := time.Now()
	response := &BatchSyncResponse{
		Status:    StatusOk,
		Results:   make([]OperationResult, 0, len(req.Operations)),
		Conflicts: []Conflict{},
		Errors:    []OperationError{},
	}

	var changed []string
	for _, dto := range req.Operations {
		out := s.processOperation(ctx, userID, req.DeviceID, dto)

		response.Results = append(response.Results, out.result)
		switch out.result.Status {
		case ResultSuccess:
			response.SuccessCount++
		case ResultConflict:
			response.ConflictCount++
			if out.conflict != nil {
				response.Conflicts = append(response.Conflicts, *out.conflict)
			}
		case ResultError:
			response.ErrorCount++
			if out.opErr != nil {
				response.Errors = append(response.Errors, *out.opErr)
			}
		}
		if out.changed != "" {
			changed = append(changed, out.changed)
		}
	}

	s.touchDevice(ctx, userID, req.DeviceID, func(d *DeviceInfo, now time.Time) {
		d.LastSyncTime = now
	})

	if len(changed) > 0 {
		if err := s.notifier.EntitiesChanged(ctx, userID, changed); err != nil {
			s.log.Warn("Failed to publish entity changes", "user_id", userID, "error", err)
		}
	}

	response.ProcessingTimeMs = time.Since(start).Milliseconds()

	s.log.Info("Batch processed",
		"user_id", userID,
		"device_id", req.DeviceID,
		"operations", len(req.Operations),
		"success", response.SuccessCount,
		"conflicts", response.ConflictCount,
		"errors", response.ErrorCount,
	)

	return response, nil
}

// processOperation обрабатывает одну операцию в собственной транзакции
func (s *Service) processOperation(ctx context.Context, userID, deviceID string, dto OperationDTO) outcome {
	op, err := dto.ToOperation()
	if err != nil {
		return s.errorOutcome(dto.LocalID, newValidationError(CodeInvalidPayload, "%v", err))
	}

	payload, err := ValidateOperation(op)
	if err != nil {
		return s.errorOutcome(op.LocalID, err)
	}

	hash := fingerprint(op, payload)

	var out outcome
	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOperation(ctx, userID, op.LocalID); err != nil {
			return err
		}

		applied, err := s.repo.GetAppliedOperation(ctx, userID, op.LocalID)
		switch {
		case err == nil:
			out, err = s.replay(ctx, applied, hash)
			return err
		case !errors.Is(err, ErrOperationNotFound):
			return fmt.Errorf("get applied operation: %w", err)
		}

		out, err = s.apply(ctx, userID, deviceID, op, payload, hash)
		return err
	})
	if err != nil {
		return s.errorOutcome(op.LocalID, err)
	}

	return out
}

// apply классифицирует операцию и фиксирует ее исход
func (s *Service) apply(ctx context.Context, userID, deviceID string, op Operation, payload Payload, hash string) (outcome, error) {
	now := s.now()
	applied := &AppliedOperation{
		UserID:      userID,
		LocalID:     op.LocalID,
		Status:      ResultSuccess,
		PayloadHash: hash,
		AppliedAt:   now,
	}

	if op.Kind == OpCreate {
		data, err := json.Marshal(payload)
		if err != nil {
			return outcome{}, fmt.Errorf("marshal payload: %w", err)
		}
		entity := &Entity{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      op.EntityType,
			Data:      data,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.InsertEntity(ctx, entity); err != nil {
			return outcome{}, fmt.Errorf("insert entity: %w", err)
		}
		applied.ServerID = entity.ID
		applied.UpdatedAt = &now
		if err := s.repo.SaveAppliedOperation(ctx, applied); err != nil {
			return outcome{}, fmt.Errorf("save applied operation: %w", err)
		}
		return outcome{
			result:  OperationResult{LocalID: op.LocalID, Status: ResultSuccess, ServerID: entity.ID, UpdatedAt: &now},
			changed: entity.ID,
		}, nil
	}

	current, err := s.repo.LockEntity(ctx, userID, op.EntityType, op.EntityID)
	if err != nil {
		if !errors.Is(err, ErrEntityNotFound) {
			return outcome{}, fmt.Errorf("lock entity: %w", err)
		}
		current = nil
	}

	applied.ServerID = op.EntityID
	detection := Detect(op, current)
	result := OperationResult{LocalID: op.LocalID, Status: ResultSuccess, ServerID: op.EntityID}

	var changed string
	var conflict *Conflict

	switch detection.Decision {
	case DecisionNoop:
		s.log.Debug("Operation targets missing entity, treated as no-op",
			"local_id", op.LocalID, "entity_id", op.EntityID)

	case DecisionApply:
		if err := s.mutate(ctx, op, payload, current, now); err != nil {
			return outcome{}, err
		}
		changed = op.EntityID
		result.UpdatedAt = &now
		applied.UpdatedAt = &now

	case DecisionConflict:
		conflict = &Conflict{
			ID:              uuid.NewString(),
			Type:            detection.ConflictType,
			EntityID:        op.EntityID,
			EntityType:      op.EntityType,
			LocalID:         op.LocalID,
			UserID:          userID,
			DeviceID:        deviceID,
			ServerData:      current.Data,
			BaseUpdatedAt:   op.BaseUpdatedAt,
			ServerUpdatedAt: current.UpdatedAt,
			DetectedAt:      now,
		}
		if payload != nil {
			conflict.LocalData, err = json.Marshal(payload)
			if err != nil {
				return outcome{}, fmt.Errorf("marshal payload: %w", err)
			}
		}

		if s.config.ConflictPolicy == PolicyClientWins {
			if err := s.mutate(ctx, op, payload, current, now); err != nil {
				return outcome{}, err
			}
			strategy := ResolutionClientWins
			conflict.ResolutionStrategy = &strategy
			conflict.ResolvedData = conflict.LocalData
			conflict.ResolvedAt = &now
			changed = op.EntityID
			result.ConflictID = conflict.ID
			result.UpdatedAt = &now
			applied.ConflictID = conflict.ID
			applied.UpdatedAt = &now
		} else {
			result.Status = ResultConflict
			result.ConflictID = conflict.ID
			applied.Status = ResultConflict
			applied.ConflictID = conflict.ID
		}

		if err := s.repo.SaveConflict(ctx, conflict); err != nil {
			return outcome{}, fmt.Errorf("save conflict: %w", err)
		}

		s.log.Info("Conflict detected",
			"conflict_id", conflict.ID,
			"type", conflict.Type,
			"entity_id", conflict.EntityID,
			"policy", s.config.ConflictPolicy,
		)
	}

	if err := s.repo.SaveAppliedOperation(ctx, applied); err != nil {
		return outcome{}, fmt.Errorf("save applied operation: %w", err)
	}

	out := outcome{result: result, changed: changed}
	if result.Status == ResultConflict {
		out.conflict = conflict
	}
	return out, nil
}

// mutate применяет UPDATE или DELETE к заблокированной записи
func (s *Service) mutate(ctx context.Context, op Operation, payload Payload, current *Entity, now time.Time) error {
	if op.Kind == OpDelete {
		if err := s.repo.DeleteEntity(ctx, current.UserID, current.Type, current.ID, now); err != nil {
			return fmt.Errorf("delete entity: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	updated := *current
	updated.Data = data
	updated.UpdatedAt = now
	if err := s.repo.UpdateEntity(ctx, &updated); err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return nil
}

// replay возвращает исход уже примененной операции, не применяя ее повторно
func (s *Service) replay(ctx context.Context, applied *AppliedOperation, hash string) (outcome, error) {
	if applied.PayloadHash != hash {
		return outcome{}, newValidationError(CodeLocalIDReused,
			"local_id %s was already applied with different content", applied.LocalID)
	}

	result := OperationResult{
		LocalID:    applied.LocalID,
		Status:     applied.Status,
		ServerID:   applied.ServerID,
		ConflictID: applied.ConflictID,
		UpdatedAt:  applied.UpdatedAt,
		Replayed:   true,
	}

	if applied.Status != ResultConflict {
		return outcome{result: result}, nil
	}

	conflict, err := s.repo.GetConflict(ctx, applied.ConflictID)
	if err != nil {
		return outcome{}, fmt.Errorf("get conflict for replay: %w", err)
	}
	return outcome{result: result, conflict: conflict}, nil
}

func (s *Service) errorOutcome(localID string, err error) outcome {
	opErr := &OperationError{LocalID: localID}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		opErr.Code = vErr.Code
		opErr.Message = vErr.Message
	} else {
		s.log.Error("Failed to process operation", "local_id", localID, "error", err)
		opErr.Code = CodeInternal
		opErr.Message = err.Error()
	}

	return outcome{
		result: OperationResult{LocalID: localID, Status: ResultError},
		opErr:  opErr,
	}
}

// GetDelta возвращает изменения после курсора
func (s *Service) GetDelta(ctx context.Context, deviceID string, since time.Time) (*DeltaResponse, error) {
	userID, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	// Время фиксируется до чтения: изменения, закоммиченные позже, попадут в следующую дельту
	serverTime := s.now().Add(-s.config.DeltaOverlap)
	if serverTime.Before(since) {
		serverTime = since
	}

	updates, err := s.repo.ListChangedSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	deleted, err := s.repo.ListDeletedSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list deletions: %w", err)
	}

	if deviceID != "" {
		s.touchDevice(ctx, userID, deviceID, func(d *DeviceInfo, now time.Time) {
			d.LastSyncTime = now
		})
	}

	if updates == nil {
		updates = []Entity{}
	}
	if deleted == nil {
		deleted = []string{}
	}

	return &DeltaResponse{
		Status:     StatusOk,
		Updates:    updates,
		DeletedIDs: deleted,
		ServerTime: serverTime,
	}, nil
}

// GetStatus возвращает текущий статус синхронизации
func (s *Service) GetStatus(ctx context.Context, deviceID string) (*StatusResponse, error) {
	userID, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	pending, err := s.repo.CountPendingConflicts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}

	response := &StatusResponse{
		Status:           StatusOk,
		ServerTime:       s.now(),
		PendingConflicts: pending,
	}

	if deviceID != "" {
		device, err := s.repo.GetDevice(ctx, deviceID)
		switch {
		case err == nil && device.UserID == userID:
			last := device.LastSyncTime
			response.LastSyncTime = &last
		case err != nil && !errors.Is(err, ErrDeviceNotFound):
			s.log.Warn("Failed to get device", "device_id", deviceID, "error", err)
		}
	}

	return response, nil
}

// ForceSync фиксирует запрос принудительной синхронизации и оповещает устройство
func (s *Service) ForceSync(ctx context.Context, deviceID string) (*ForceSyncResponse, error) {
	userID, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}

	s.touchDevice(ctx, userID, deviceID, func(d *DeviceInfo, now time.Time) {
		d.LastForceTime = now
	})

	pending, err := s.repo.CountPendingConflicts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}

	notified := true
	if err := s.notifier.ForceSync(ctx, userID, deviceID); err != nil {
		s.log.Warn("Failed to publish force sync", "device_id", deviceID, "error", err)
		notified = false
	}

	return &ForceSyncResponse{
		Status:           StatusOk,
		ServerTime:       s.now(),
		PendingConflicts: pending,
		Notified:         notified,
	}, nil
}

// ListConflicts возвращает конфликты пользователя
func (s *Service) ListConflicts(ctx context.Context, filter ConflictFilter) ([]Conflict, error) {
	userID, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	filter.UserID = userID
	if filter.Limit <= 0 {
		filter.Limit = defaultConflictLimit
	}
	if filter.Limit > maxConflictLimit {
		filter.Limit = maxConflictLimit
	}

	conflicts, err := s.repo.ListConflicts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	return conflicts, nil
}

// ResolveConflict разрешает конфликт. Разрешение окончательное
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, req ResolveConflictRequest) (*ResolveConflictResponse, error) {
	userID, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, req.Strategy)
	}

	var response *ResolveConflictResponse
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		conflict, err := s.repo.GetConflict(ctx, conflictID)
		if err != nil {
			return err
		}
		if conflict.UserID != userID {
			return ErrConflictNotFound
		}
		if conflict.Resolved() {
			return ErrConflictResolved
		}

		now := s.now()
		var resolvedData json.RawMessage
		var entity *Entity

		switch req.Strategy {
		case ResolutionServerWins:
			resolvedData = conflict.ServerData

		case ResolutionClientWins:
			resolvedData = conflict.LocalData
			entity, err = s.applyResolution(ctx, conflict, conflict.LocalData, conflict.Type == ConflictDeleteUpdate, now)
			if err != nil {
				return err
			}

		case ResolutionManual:
			if isNullJSON(req.MergedData) {
				return ErrMergedDataMissing
			}
			payload, err := DecodePayload(conflict.EntityType, req.MergedData)
			if err != nil {
				return err
			}
			resolvedData, err = json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshal merged data: %w", err)
			}
			entity, err = s.applyResolution(ctx, conflict, resolvedData, false, now)
			if err != nil {
				return err
			}
		}

		if err := s.repo.MarkConflictResolved(ctx, conflict.ID, req.Strategy, resolvedData, now); err != nil {
			return err
		}

		strategy := req.Strategy
		conflict.ResolutionStrategy = &strategy
		conflict.ResolvedData = resolvedData
		conflict.ResolvedAt = &now

		response = &ResolveConflictResponse{
			Status:   StatusOk,
			Conflict: conflict,
			Entity:   entity,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if response.Entity != nil {
		if err := s.notifier.EntitiesChanged(ctx, userID, []string{response.Entity.ID}); err != nil {
			s.log.Warn("Failed to publish entity changes", "user_id", userID, "error", err)
		}
	}

	s.log.Info("Conflict resolved", "conflict_id", conflictID, "strategy", req.Strategy)
	return response, nil
}

// applyResolution переносит выбранные данные на серверную запись, сдвигая updated_at
func (s *Service) applyResolution(ctx context.Context, c *Conflict, data json.RawMessage, deleteEntity bool, now time.Time) (*Entity, error) {
	current, err := s.repo.LockEntity(ctx, c.UserID, c.EntityType, c.EntityID)
	if err != nil && !errors.Is(err, ErrEntityNotFound) {
		return nil, fmt.Errorf("lock entity: %w", err)
	}

	if deleteEntity {
		if current == nil || current.Deleted() {
			return nil, nil
		}
		if err := s.repo.DeleteEntity(ctx, c.UserID, c.EntityType, c.EntityID, now); err != nil {
			return nil, fmt.Errorf("delete entity: %w", err)
		}
		current.DeletedAt = &now
		current.UpdatedAt = now
		return current, nil
	}

	if current == nil {
		entity := &Entity{
			ID:        c.EntityID,
			UserID:    c.UserID,
			Type:      c.EntityType,
			Data:      data,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.InsertEntity(ctx, entity); err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
		return entity, nil
	}

	current.Data = data
	current.UpdatedAt = now
	current.DeletedAt = nil
	if err := s.repo.UpdateEntity(ctx, current); err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	return current, nil
}

// ListDevices возвращает устройства пользователя
func (s *Service) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	userID, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	devices, err := s.repo.ListUserDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}
	if devices == nil {
		devices = []DeviceInfo{}
	}
	return devices, nil
}

func (s *Service) touchDevice(ctx context.Context, userID, deviceID string, update func(d *DeviceInfo, now time.Time)) {
	now := s.now()

	device, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, ErrDeviceNotFound) {
			s.log.Warn("Failed to get device", "device_id", deviceID, "error", err)
			return
		}
		device = &DeviceInfo{ID: deviceID, UserID: userID, CreatedAt: now}
	}
	if device.UserID != userID {
		s.log.Warn("Device belongs to another user", "device_id", deviceID)
		return
	}

	update(device, now)
	device.UpdatedAt = now
	if err := s.repo.TouchDevice(ctx, device); err != nil {
		s.log.Warn("Failed to update device", "device_id", deviceID, "error", err)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	return nil
}

func (s *Service) now() time.Time {
	return s.config.Now().UTC().Truncate(time.Microsecond)
}

// fingerprint хеш содержимого операции для проверки повторов по local_id
func fingerprint(op Operation, payload Payload) string {
	h, _ := blake2b.New256(nil)

	fmt.Fprintf(h, "%s|%s|%s|", op.Kind, op.EntityType, op.EntityID)
	if op.BaseUpdatedAt != nil {
		h.Write([]byte(op.BaseUpdatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)))
	}
	h.Write([]byte("|"))
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			h.Write(data)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
