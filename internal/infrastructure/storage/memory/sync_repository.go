package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	syncdomain "possync/internal/domain/sync"

	"golang.org/x/exp/slog"
)

// SyncRepository хранилище синхронизации в памяти.
// Используется, когда DATABASE_URI не задан, и в тестах сервиса.
// Транзакции сериализуются; при ошибке состояние откатывается к снимку.
type SyncRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
	log  *slog.Logger
}

type state struct {
	entities  map[string]syncdomain.Entity
	applied   map[string]syncdomain.AppliedOperation
	conflicts map[string]syncdomain.Conflict
	devices   map[string]syncdomain.DeviceInfo
}

func newState() *state {
	return &state{
		entities:  make(map[string]syncdomain.Entity),
		applied:   make(map[string]syncdomain.AppliedOperation),
		conflicts: make(map[string]syncdomain.Conflict),
		devices:   make(map[string]syncdomain.DeviceInfo),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.entities {
		c.entities[k] = v
	}
	for k, v := range s.applied {
		c.applied[k] = v
	}
	for k, v := range s.conflicts {
		c.conflicts[k] = v
	}
	for k, v := range s.devices {
		c.devices[k] = v
	}
	return c
}

type txKey struct{}

// NewSyncRepository создает пустое хранилище
func NewSyncRepository(log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		st:  newState(),
		log: log.With("component", "memory_sync_repository"),
	}
}

func (r *SyncRepository) Ping(context.Context) error {
	return nil
}

func (r *SyncRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	snapshot := r.st.clone()
	r.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		r.mu.Lock()
		r.st = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

// LockOperation в памяти блокировка обеспечивается сериализацией InTx
func (r *SyncRepository) LockOperation(ctx context.Context, userID, localID string) error {
	return nil
}

func (r *SyncRepository) GetAppliedOperation(ctx context.Context, userID, localID string) (*syncdomain.AppliedOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.st.applied[appliedKey(userID, localID)]
	if !ok {
		return nil, syncdomain.ErrOperationNotFound
	}
	return &op, nil
}

func (r *SyncRepository) SaveAppliedOperation(ctx context.Context, op *syncdomain.AppliedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.st.applied[appliedKey(op.UserID, op.LocalID)] = *op
	return nil
}

func (r *SyncRepository) LockEntity(ctx context.Context, userID string, entityType syncdomain.EntityType, entityID string) (*syncdomain.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.st.entities[entityID]
	if !ok || e.UserID != userID || e.Type != entityType {
		return nil, syncdomain.ErrEntityNotFound
	}
	return &e, nil
}

func (r *SyncRepository) InsertEntity(ctx context.Context, entity *syncdomain.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.st.entities[entity.ID] = *entity
	return nil
}

func (r *SyncRepository) UpdateEntity(ctx context.Context, entity *syncdomain.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.st.entities[entity.ID]; !ok {
		return syncdomain.ErrEntityNotFound
	}
	r.st.entities[entity.ID] = *entity
	return nil
}

func (r *SyncRepository) DeleteEntity(ctx context.Context, userID string, entityType syncdomain.EntityType, entityID string, deletedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.st.entities[entityID]
	if !ok || e.UserID != userID || e.Type != entityType {
		return syncdomain.ErrEntityNotFound
	}
	e.DeletedAt = &deletedAt
	e.UpdatedAt = deletedAt
	r.st.entities[entityID] = e
	return nil
}

func (r *SyncRepository) ListChangedSince(ctx context.Context, userID string, since time.Time) ([]syncdomain.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []syncdomain.Entity
	for _, e := range r.st.entities {
		if e.UserID == userID && !e.Deleted() && e.UpdatedAt.After(since) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

func (r *SyncRepository) ListDeletedSince(ctx context.Context, userID string, since time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var deleted []syncdomain.Entity
	for _, e := range r.st.entities {
		if e.UserID == userID && e.Deleted() && e.DeletedAt.After(since) {
			deleted = append(deleted, e)
		}
	}
	sort.Slice(deleted, func(i, j int) bool {
		return deleted[i].DeletedAt.Before(*deleted[j].DeletedAt)
	})

	ids := make([]string, 0, len(deleted))
	for _, e := range deleted {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (r *SyncRepository) SaveConflict(ctx context.Context, conflict *syncdomain.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.st.conflicts[conflict.ID] = *conflict
	return nil
}

func (r *SyncRepository) GetConflict(ctx context.Context, conflictID string) (*syncdomain.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.st.conflicts[conflictID]
	if !ok {
		return nil, syncdomain.ErrConflictNotFound
	}
	return &c, nil
}

func (r *SyncRepository) ListConflicts(ctx context.Context, filter syncdomain.ConflictFilter) ([]syncdomain.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []syncdomain.Conflict
	for _, c := range r.st.conflicts {
		if c.UserID != filter.UserID {
			continue
		}
		if !filter.IncludeResolved && c.Resolved() {
			continue
		}
		if filter.DeviceID != "" && c.DeviceID != filter.DeviceID {
			continue
		}
		if filter.EntityType != "" && c.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && c.EntityID != filter.EntityID {
			continue
		}
		result = append(result, c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DetectedAt.After(result[j].DetectedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *SyncRepository) CountPendingConflicts(ctx context.Context, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, c := range r.st.conflicts {
		if c.UserID == userID && !c.Resolved() {
			count++
		}
	}
	return count, nil
}

func (r *SyncRepository) MarkConflictResolved(ctx context.Context, conflictID string, strategy syncdomain.ResolutionStrategy, resolvedData []byte, resolvedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.st.conflicts[conflictID]
	if !ok {
		return syncdomain.ErrConflictNotFound
	}
	if c.Resolved() {
		return syncdomain.ErrConflictResolved
	}

	c.ResolutionStrategy = &strategy
	c.ResolvedData = resolvedData
	c.ResolvedAt = &resolvedAt
	r.st.conflicts[conflictID] = c
	return nil
}

func (r *SyncRepository) TouchDevice(ctx context.Context, device *syncdomain.DeviceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.st.devices[device.ID] = *device
	return nil
}

func (r *SyncRepository) GetDevice(ctx context.Context, deviceID string) (*syncdomain.DeviceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.st.devices[deviceID]
	if !ok {
		return nil, syncdomain.ErrDeviceNotFound
	}
	return &d, nil
}

func (r *SyncRepository) ListUserDevices(ctx context.Context, userID string) ([]syncdomain.DeviceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []syncdomain.DeviceInfo
	for _, d := range r.st.devices {
		if d.UserID == userID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSyncTime.After(result[j].LastSyncTime)
	})
	return result, nil
}

func appliedKey(userID, localID string) string {
	return userID + "\x00" + localID
}
