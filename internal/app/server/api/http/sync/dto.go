package sync

import (
	"possync/internal/domain/sync"
)

type batchSyncInput struct {
	Body sync.BatchSyncRequest
}

type batchSyncOutput struct {
	Body sync.BatchSyncResponse
}

type getDeltaInput struct {
	Since    string `query:"since" doc:"Cursor from the previous delta (RFC 3339), empty for a full pull" example:"2024-03-01T09:00:00Z"`
	DeviceID string `header:"X-Device-ID" doc:"Caller device"`
}

type getDeltaOutput struct {
	Body sync.DeltaResponse
}

type getStatusInput struct {
	DeviceID string `header:"X-Device-ID" doc:"Caller device"`
}

type getStatusOutput struct {
	Body sync.StatusResponse
}

type forceSyncInput struct {
	DeviceID string `header:"X-Device-ID" doc:"Caller device"`
}

type forceSyncOutput struct {
	Body sync.ForceSyncResponse
}

type listConflictsInput struct {
	DeviceID        string `query:"device_id" doc:"Only conflicts raised by this device"`
	EntityType      string `query:"entity_type" doc:"PRODUCT, SALE or STOCK_MOVEMENT"`
	EntityID        string `query:"entity_id"`
	IncludeResolved bool   `query:"include_resolved" doc:"Include already resolved conflicts"`
	Limit           int    `query:"limit" minimum:"0" maximum:"1000" default:"100"`
}

type listConflictsOutput struct {
	Body sync.ListConflictsResponse
}

type resolveConflictInput struct {
	ConflictID string `path:"conflict_id"`
	Body       sync.ResolveConflictRequest
}

type resolveConflictOutput struct {
	Body sync.ResolveConflictResponse
}

type getDevicesInput struct{}

type getDevicesOutput struct {
	Body sync.DevicesResponse
}
