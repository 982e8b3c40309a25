package queue

import (
	"encoding/json"
	"time"

	"possync/internal/domain/sync"
)

// Status состояние операции в очереди
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInFlight Status = "IN_FLIGHT"
	StatusSynced   Status = "SYNCED"
	StatusConflict Status = "CONFLICT"
	StatusFailed   Status = "FAILED"
)

// Operation одна локальная мутация, ожидающая отправки на сервер
type Operation struct {
	LocalID    string          `json:"local_id"`
	EntityType sync.EntityType `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	// EntityRef local_id операции CREATE, которая завела сущность на устройстве
	EntityRef       string          `json:"entity_ref,omitempty"`
	Kind            sync.OpKind     `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	BaseUpdatedAt   *time.Time      `json:"base_updated_at,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	Priority        int             `json:"priority"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	Status          Status          `json:"status"`
	ScheduledAt     time.Time       `json:"scheduled_at"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ConflictID      string          `json:"conflict_id,omitempty"`
	ServerID        string          `json:"server_id,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`

	seq int64
}

// entityKey ключ сущности для упорядочивания операций.
// До получения серверного id сущность опознается по local_id своего CREATE
func (o *Operation) entityKey() string {
	if o.EntityID != "" {
		return string(o.EntityType) + ":" + o.EntityID
	}
	return string(o.EntityType) + "@" + o.EntityRef
}

// ToDTO переводит операцию в формат протокола
func (o *Operation) ToDTO() (sync.OperationDTO, error) {
	return sync.OperationToDTO(sync.Operation{
		LocalID:         o.LocalID,
		EntityType:      o.EntityType,
		EntityID:        o.EntityID,
		Kind:            o.Kind,
		Payload:         o.Payload,
		BaseUpdatedAt:   o.BaseUpdatedAt,
		ClientTimestamp: o.ClientTimestamp,
	})
}

// Counts количество операций по состояниям
type Counts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Synced   int `json:"synced"`
	Conflict int `json:"conflict"`
	Failed   int `json:"failed"`
}

// Unfinished операции, которые еще будут отправлены
func (c Counts) Unfinished() int {
	return c.Pending + c.InFlight
}

// Filter условия выборки для List
type Filter struct {
	Status     Status
	EntityType sync.EntityType
	Limit      int
}

// DefaultPriority приоритет по типу сущности: продажи уходят первыми
func DefaultPriority(entityType sync.EntityType) int {
	switch entityType {
	case sync.EntitySale:
		return 1
	case sync.EntityStockMovement:
		return 2
	default:
		return 3
	}
}
