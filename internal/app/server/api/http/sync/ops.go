package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

var bearer = []map[string][]string{{"bearer": {}}}

func (h *Handler) batchSyncOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-batch",
		Method:      http.MethodPost,
		Path:        "/sync/batch",
		Summary:     "Push a batch of queued operations",
		Description: "Each operation is processed independently; the response carries one result per operation",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) getDeltaOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-delta",
		Method:      http.MethodGet,
		Path:        "/sync/delta",
		Summary:     "Pull changes since a cursor",
		Description: "Returns records changed and deleted after since, plus the next cursor in server_time",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) getStatusOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Sync status",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) forceSyncOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-force",
		Method:      http.MethodPost,
		Path:        "/sync/force",
		Summary:     "Request an immediate sync for the caller device",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) listConflictsOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-list-conflicts",
		Method:      http.MethodGet,
		Path:        "/sync/conflicts",
		Summary:     "List conflicts",
		Description: "Unresolved conflicts of the caller, newest first",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) resolveConflictOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/sync/conflicts/{conflict_id}/resolve",
		Summary:     "Resolve a conflict",
		Description: "SERVER_WINS, CLIENT_WINS or MANUAL with merged_data. A conflict is resolved at most once",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) getDevicesOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-devices",
		Method:      http.MethodGet,
		Path:        "/sync/devices",
		Summary:     "List devices of the caller",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}
