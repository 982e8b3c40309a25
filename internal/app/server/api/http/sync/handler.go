package sync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"possync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

type Handler struct {
	service    sync.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service sync.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log.With("component", "sync_handler"),
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.batchSyncOp(), h.batchSync)
	huma.Register(api, h.getDeltaOp(), h.getDelta)
	huma.Register(api, h.getStatusOp(), h.getStatus)
	huma.Register(api, h.forceSyncOp(), h.forceSync)
	huma.Register(api, h.listConflictsOp(), h.listConflicts)
	huma.Register(api, h.resolveConflictOp(), h.resolveConflict)
	huma.Register(api, h.getDevicesOp(), h.getDevices)
}

func (h *Handler) batchSync(ctx context.Context, input *batchSyncInput) (*batchSyncOutput, error) {
	response, err := h.service.ProcessBatch(ctx, input.Body)
	if err != nil {
		if herr := statusError(err); herr != nil {
			return nil, herr
		}
		h.log.Error("batch sync failed", "device_id", input.Body.DeviceID, "error", err)
		return &batchSyncOutput{
			Body: sync.BatchSyncResponse{
				Status: sync.StatusError,
				Error:  err.Error(),
			},
		}, nil
	}

	return &batchSyncOutput{
		Body: *response,
	}, nil
}

func (h *Handler) getDelta(ctx context.Context, input *getDeltaInput) (*getDeltaOutput, error) {
	var since time.Time
	if input.Since != "" {
		parsed, err := time.Parse(time.RFC3339Nano, input.Since)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("invalid since cursor: " + err.Error())
		}
		since = parsed.UTC()
	}

	response, err := h.service.GetDelta(ctx, input.DeviceID, since)
	if err != nil {
		if herr := statusError(err); herr != nil {
			return nil, herr
		}
		h.log.Error("delta failed", "device_id", input.DeviceID, "error", err)
		return &getDeltaOutput{
			Body: sync.DeltaResponse{
				Status: sync.StatusError,
				Error:  err.Error(),
			},
		}, nil
	}

	return &getDeltaOutput{
		Body: *response,
	}, nil
}

func (h *Handler) getStatus(ctx context.Context, input *getStatusInput) (*getStatusOutput, error) {
	response, err := h.service.GetStatus(ctx, input.DeviceID)
	if err != nil {
		if herr := statusError(err); herr != nil {
			return nil, herr
		}
		return &getStatusOutput{
			Body: sync.StatusResponse{
				Status: sync.StatusError,
				Error:  err.Error(),
			},
		}, nil
	}

	return &getStatusOutput{
		Body: *response,
	}, nil
}

func (h *Handler) forceSync(ctx context.Context, input *forceSyncInput) (*forceSyncOutput, error) {
	response, err := h.service.ForceSync(ctx, input.DeviceID)
	if err != nil {
		if herr := statusError(err); herr != nil {
			return nil, herr
		}
		return &forceSyncOutput{
			Body: sync.ForceSyncResponse{
				Status: sync.StatusError,
				Error:  err.Error(),
			},
		}, nil
	}

	return &forceSyncOutput{
		Body: *response,
	}, nil
}

func (h *Handler) listConflicts(ctx context.Context, input *listConflictsInput) (*listConflictsOutput, error) {
	filter := sync.ConflictFilter{
		DeviceID:        input.DeviceID,
		EntityType:      sync.EntityType(input.EntityType),
		EntityID:        input.EntityID,
		IncludeResolved: input.IncludeResolved,
		Limit:           input.Limit,
	}
	if filter.EntityType != "" && !filter.EntityType.Valid() {
		return nil, huma.Error422UnprocessableEntity("unknown entity_type " + input.EntityType)
	}

	conflicts, err := h.service.ListConflicts(ctx, filter)
	if err != nil {
		if herr := statusError(err); herr != nil {
			return nil, herr
		}
		return &listConflictsOutput{
			Body: sync.ListConflictsResponse{
				Status: sync.StatusError,
				Error:  err.Error(),
			},
		}, nil
	}

	return &listConflictsOutput{
		Body: sync.ListConflictsResponse{
			Status: sync.StatusOk,
			Data:   conflicts,
		},
	}, nil
}

func (h *Handler) resolveConflict(ctx context.Context, input *resolveConflictInput) (*resolveConflictOutput, error) {
	response, err := h.service.ResolveConflict(ctx, input.ConflictID, input.Body)
	if err != nil {
		if herr := statusError(err); herr != nil {
			return nil, herr
		}
		h.log.Error("resolve conflict failed", "conflict_id", input.ConflictID, "error", err)
		return &resolveConflictOutput{
			Body: sync.ResolveConflictResponse{
				Status: sync.StatusError,
				Error:  err.Error(),
			},
		}, nil
	}

	return &resolveConflictOutput{
		Body: *response,
	}, nil
}

func (h *Handler) getDevices(ctx context.Context, _ *getDevicesInput) (*getDevicesOutput, error) {
	devices, err := h.service.ListDevices(ctx)
	if err != nil {
		if herr := statusError(err); herr != nil {
			return nil, herr
		}
		return &getDevicesOutput{
			Body: sync.DevicesResponse{
				Status: sync.StatusError,
				Error:  err.Error(),
			},
		}, nil
	}

	return &getDevicesOutput{
		Body: sync.DevicesResponse{
			Status: sync.StatusOk,
			Data:   devices,
		},
	}, nil
}

// statusError переводит ошибки запроса в HTTP-статус; nil для внутренних ошибок
func statusError(err error) error {
	switch {
	case errors.Is(err, sync.ErrNotAuthenticated):
		return huma.Error401Unauthorized("Unauthorized")
	case errors.Is(err, sync.ErrUserMismatch):
		return huma.Error403Forbidden(err.Error())
	case errors.Is(err, sync.ErrBatchTooLarge):
		return huma.NewError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, sync.ErrConflictNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, sync.ErrConflictResolved):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, sync.ErrDeviceRequired),
		errors.Is(err, sync.ErrInvalidStrategy),
		errors.Is(err, sync.ErrMergedDataMissing),
		errors.Is(err, sync.ErrValidation):
		return huma.Error422UnprocessableEntity(err.Error())
	}
	return nil
}
