package sync

import (
	"encoding/json"
	"time"
)

// EntityType тип бизнес-сущности, изменения которой синхронизируются
type EntityType string

const (
	EntityProduct       EntityType = "PRODUCT"
	EntitySale          EntityType = "SALE"
	EntityStockMovement EntityType = "STOCK_MOVEMENT"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityProduct, EntitySale, EntityStockMovement:
		return true
	}
	return false
}

// OpKind вид мутации
type OpKind string

const (
	OpCreate OpKind = "CREATE"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ConflictType классификация конфликта
type ConflictType string

const (
	ConflictVersionMismatch ConflictType = "VERSION_MISMATCH"
	ConflictDeleteUpdate    ConflictType = "DELETE_UPDATE"
)

// ResolutionStrategy способ разрешения конфликта
type ResolutionStrategy string

const (
	ResolutionServerWins ResolutionStrategy = "SERVER_WINS"
	ResolutionClientWins ResolutionStrategy = "CLIENT_WINS"
	ResolutionManual     ResolutionStrategy = "MANUAL"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionServerWins, ResolutionClientWins, ResolutionManual:
		return true
	}
	return false
}

// ResultStatus исход обработки одной операции пакета
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultConflict ResultStatus = "conflict"
	ResultError    ResultStatus = "error"
)

// ConflictPolicy политика по умолчанию для обнаруженных конфликтов
type ConflictPolicy string

const (
	// PolicyServerWins оставляет серверную запись, конфликт ждет ручного разрешения
	PolicyServerWins ConflictPolicy = "server_wins"
	// PolicyClientWins применяет данные клиента и сразу закрывает конфликт как CLIENT_WINS
	PolicyClientWins ConflictPolicy = "client_wins"
)

// Operation одна мутация, присланная клиентом
type Operation struct {
	LocalID         string
	EntityType      EntityType
	EntityID        string
	Kind            OpKind
	Payload         json.RawMessage
	BaseUpdatedAt   *time.Time
	ClientTimestamp time.Time
}

// Entity авторитетная серверная запись сущности
type Entity struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      EntityType      `json:"entity_type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// Deleted сообщает, что запись удалена (tombstone)
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// AppliedOperation запись журнала идемпотентности: исход уже обработанной операции
type AppliedOperation struct {
	UserID      string       `json:"user_id"`
	LocalID     string       `json:"local_id"`
	Status      ResultStatus `json:"status"`
	ServerID    string       `json:"server_id,omitempty"`
	ConflictID  string       `json:"conflict_id,omitempty"`
	PayloadHash string       `json:"payload_hash"`
	UpdatedAt   *time.Time   `json:"updated_at,omitempty"`
	AppliedAt   time.Time    `json:"applied_at"`
}

// Conflict конфликт синхронизации
type Conflict struct {
	ID                 string              `json:"conflict_id"`
	Type               ConflictType        `json:"conflict_type"`
	EntityID           string              `json:"entity_id"`
	EntityType         EntityType          `json:"entity_type"`
	LocalID            string              `json:"local_id"`
	UserID             string              `json:"user_id"`
	DeviceID           string              `json:"device_id"`
	LocalData          json.RawMessage     `json:"local_data,omitempty"`
	ServerData         json.RawMessage     `json:"server_data,omitempty"`
	BaseUpdatedAt      *time.Time          `json:"base_updated_at,omitempty"`
	ServerUpdatedAt    time.Time           `json:"server_updated_at"`
	DetectedAt         time.Time           `json:"detected_at"`
	ResolutionStrategy *ResolutionStrategy `json:"resolution_strategy,omitempty"`
	ResolvedData       json.RawMessage     `json:"resolved_data,omitempty"`
	ResolvedAt         *time.Time          `json:"resolved_at,omitempty"`
}

// Resolved сообщает, что конфликт закрыт
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// ConflictFilter параметры выборки конфликтов
type ConflictFilter struct {
	UserID          string
	DeviceID        string
	EntityType      EntityType
	EntityID        string
	IncludeResolved bool
	Limit           int
}

// DeviceInfo информация об устройстве
type DeviceInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	LastSyncTime  time.Time `json:"last_sync_time"`
	LastForceTime time.Time `json:"last_force_time,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ServiceConfig конфигурация сервиса синхронизации
type ServiceConfig struct {
	MaxBatchSize   int            `json:"max_batch_size"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy"`
	// DeltaOverlap насколько server_time в дельте отстает от момента чтения,
	// чтобы не потерять транзакции, закоммиченные во время выборки
	DeltaOverlap time.Duration `json:"delta_overlap"`
	// Now источник серверного времени; подменяется в тестах
	Now func() time.Time `json:"-"`
}
