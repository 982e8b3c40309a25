package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	StatusOk    = "Ok"
	StatusError = "Error"
)

// OperationDTO операция в теле POST /sync/batch
type OperationDTO struct {
	LocalID         string          `json:"local_id" doc:"Client generated idempotency key"`
	EntityType      EntityType      `json:"entity_type" doc:"PRODUCT, SALE or STOCK_MOVEMENT"`
	EntityID        string          `json:"entity_id,omitempty" doc:"Server id, empty for CREATE"`
	Kind            OpKind          `json:"kind" doc:"CREATE, UPDATE or DELETE"`
	Payload         json.RawMessage `json:"payload,omitempty" doc:"Entity field snapshot"`
	BaseUpdatedAt   *time.Time      `json:"base_updated_at,omitempty" doc:"Last server updated_at known to the client"`
	ClientTimestamp time.Time       `json:"client_timestamp,omitempty" format:"date-time"`
}

// ToOperation переводит DTO в доменную операцию
func (d OperationDTO) ToOperation() (Operation, error) {
	op := Operation{
		LocalID:         d.LocalID,
		EntityType:      d.EntityType,
		EntityID:        d.EntityID,
		Kind:            d.Kind,
		BaseUpdatedAt:   d.BaseUpdatedAt,
		ClientTimestamp: d.ClientTimestamp,
	}
	if !isNullJSON(d.Payload) {
		if !json.Valid(d.Payload) {
			return op, fmt.Errorf("payload is not valid JSON")
		}
		op.Payload = d.Payload
	}
	return op, nil
}

// OperationToDTO обратное преобразование, используется клиентом.
// Payload уходит как есть: разбор в map превратил бы большие целые во float64
func OperationToDTO(op Operation) (OperationDTO, error) {
	dto := OperationDTO{
		LocalID:         op.LocalID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Kind:            op.Kind,
		BaseUpdatedAt:   op.BaseUpdatedAt,
		ClientTimestamp: op.ClientTimestamp,
	}
	if !isNullJSON(op.Payload) {
		if !json.Valid(op.Payload) {
			return dto, fmt.Errorf("payload of %s is not valid JSON", op.LocalID)
		}
		dto.Payload = op.Payload
	}
	return dto, nil
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// BatchSyncRequest тело POST /sync/batch
type BatchSyncRequest struct {
	DeviceID   string         `json:"device_id" minLength:"1"`
	UserID     string         `json:"user_id,omitempty"`
	Operations []OperationDTO `json:"operations" maxItems:"1000"`
}

// OperationResult исход одной операции
type OperationResult struct {
	LocalID    string       `json:"local_id"`
	Status     ResultStatus `json:"status"`
	ServerID   string       `json:"server_id,omitempty"`
	ConflictID string       `json:"conflict_id,omitempty"`
	// UpdatedAt новый updated_at записи, если операция ее изменила
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Replayed  bool       `json:"replayed,omitempty"`
}

// OperationError ошибка валидации или сервера по одной операции
type OperationError struct {
	LocalID string `json:"local_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchSyncResponse ответ POST /sync/batch
type BatchSyncResponse struct {
	Status           string            `json:"status"`
	Error            string            `json:"error,omitempty"`
	SuccessCount     int               `json:"success_count"`
	ErrorCount       int               `json:"error_count"`
	ConflictCount    int               `json:"conflict_count"`
	Results          []OperationResult `json:"results"`
	Conflicts        []Conflict        `json:"conflicts"`
	Errors           []OperationError  `json:"errors"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
}

// DeltaResponse ответ GET /sync/delta
type DeltaResponse struct {
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Updates    []Entity  `json:"updates"`
	DeletedIDs []string  `json:"deleted_ids"`
	ServerTime time.Time `json:"server_time"`
}

// StatusResponse ответ GET /sync/status
type StatusResponse struct {
	Status           string     `json:"status"`
	Error            string     `json:"error,omitempty"`
	ServerTime       time.Time  `json:"server_time"`
	PendingConflicts int        `json:"pending_conflicts"`
	LastSyncTime     *time.Time `json:"last_sync_time,omitempty"`
}

// ForceSyncResponse ответ POST /sync/force
type ForceSyncResponse struct {
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	ServerTime       time.Time `json:"server_time"`
	PendingConflicts int       `json:"pending_conflicts"`
	Notified         bool      `json:"notified"`
}

// ListConflictsResponse ответ GET /sync/conflicts
type ListConflictsResponse struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Data   []Conflict `json:"data"`
}

// ResolveConflictRequest тело POST /sync/conflicts/{conflict_id}/resolve
type ResolveConflictRequest struct {
	Strategy   ResolutionStrategy `json:"strategy" enum:"SERVER_WINS,CLIENT_WINS,MANUAL"`
	MergedData json.RawMessage    `json:"merged_data,omitempty"`
}

// ResolveConflictResponse ответ на разрешение конфликта
type ResolveConflictResponse struct {
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Conflict *Conflict `json:"conflict,omitempty"`
	Entity   *Entity   `json:"entity,omitempty"`
}

// DevicesResponse ответ GET /sync/devices
type DevicesResponse struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Data   []DeviceInfo `json:"data"`
}
