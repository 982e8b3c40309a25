package sync

import (
	"context"
	"time"
)

// Repository хранилище сервера синхронизации.
//
// Все методы, кроме InTx, работают внутри транзакции, если ctx получен из InTx.
type Repository interface {
	// InTx выполняет fn в одной транзакции; ошибка fn откатывает изменения
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Идемпотентность
	LockOperation(ctx context.Context, userID, localID string) error
	GetAppliedOperation(ctx context.Context, userID, localID string) (*AppliedOperation, error)
	SaveAppliedOperation(ctx context.Context, op *AppliedOperation) error

	// Сущности. LockEntity блокирует строку до конца транзакции и возвращает ErrEntityNotFound,
	// если записи никогда не было; удаленная запись возвращается с DeletedAt.
	LockEntity(ctx context.Context, userID string, entityType EntityType, entityID string) (*Entity, error)
	InsertEntity(ctx context.Context, entity *Entity) error
	UpdateEntity(ctx context.Context, entity *Entity) error
	DeleteEntity(ctx context.Context, userID string, entityType EntityType, entityID string, deletedAt time.Time) error
	ListChangedSince(ctx context.Context, userID string, since time.Time) ([]Entity, error)
	ListDeletedSince(ctx context.Context, userID string, since time.Time) ([]string, error)

	// Конфликты
	SaveConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, conflictID string) (*Conflict, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]Conflict, error)
	CountPendingConflicts(ctx context.Context, userID string) (int, error)
	MarkConflictResolved(ctx context.Context, conflictID string, strategy ResolutionStrategy, resolvedData []byte, resolvedAt time.Time) error

	// Устройства
	TouchDevice(ctx context.Context, device *DeviceInfo) error
	GetDevice(ctx context.Context, deviceID string) (*DeviceInfo, error)
	ListUserDevices(ctx context.Context, userID string) ([]DeviceInfo, error)

	// Ping проверяет доступность хранилища
	Ping(ctx context.Context) error
}

// Notifier сообщает подписчикам о событиях синхронизации
type Notifier interface {
	EntitiesChanged(ctx context.Context, userID string, entityIDs []string) error
	ForceSync(ctx context.Context, userID, deviceID string) error
}

// NopNotifier ничего не публикует
type NopNotifier struct{}

func (NopNotifier) EntitiesChanged(context.Context, string, []string) error { return nil }
func (NopNotifier) ForceSync(context.Context, string, string) error         { return nil }
