package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"possync/internal/domain/sync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func newTestHTTPClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "dev-1", StaticToken("tok"), slog.Default())
}

func TestHTTPClient_PushBatch(t *testing.T) {
	client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync/batch", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "dev-1", r.Header.Get("X-Device-ID"))

		var req sync.BatchSyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dev-1", req.DeviceID)
		require.Len(t, req.Operations, 1)

		_, _ = w.Write([]byte(`{"$schema":"http://x/schemas/BatchSyncResponse.json","status":"Ok","success_count":1,
			"results":[{"local_id":"l1","status":"success","server_id":"srv-1","updated_at":"2024-03-01T09:00:00Z"}]}`))
	})

	resp, err := client.PushBatch(context.Background(), sync.BatchSyncRequest{
		Operations: []sync.OperationDTO{{LocalID: "l1", EntityType: sync.EntityProduct, Kind: sync.OpCreate}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "srv-1", resp.Results[0].ServerID)
	require.NotNil(t, resp.Results[0].UpdatedAt)
	assert.True(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Equal(*resp.Results[0].UpdatedAt))
}

func TestHTTPClient_PushBatchErrorBody(t *testing.T) {
	client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"Error","error":"database down"}`))
	})

	_, err := client.PushBatch(context.Background(), sync.BatchSyncRequest{})
	assert.ErrorIs(t, err, ErrBatchRejected)
	assert.Contains(t, err.Error(), "database down")
}

func TestHTTPClient_StatusCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		body      string
		wantErr   error
		transient bool
		message   string
	}{
		{name: "unauthorized", code: http.StatusUnauthorized, body: `{"status":"Error","error":"Unauthorized"}`, wantErr: ErrUnauthorized},
		{name: "server error", code: http.StatusInternalServerError, wantErr: ErrTransientNetwork, transient: true},
		{name: "bad gateway", code: http.StatusBadGateway, wantErr: ErrTransientNetwork, transient: true},
		{name: "validation", code: http.StatusUnprocessableEntity, body: `{"title":"Unprocessable Entity","status":422,"detail":"invalid since cursor"}`, message: "invalid since cursor"},
		{name: "forbidden", code: http.StatusForbidden, body: `{"title":"Forbidden","status":403,"detail":"user_id mismatch"}`, message: "user_id mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Status(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.code, statusErr.Code)
			assert.Equal(t, tt.message, statusErr.Message)
		})
	}
}

func TestHTTPClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewHTTPClient(srv.URL, "dev-1", StaticToken("tok"), slog.Default())
	err := client.Health(context.Background())
	assert.ErrorIs(t, err, ErrTransientNetwork)
}

func TestHTTPClient_PullDelta(t *testing.T) {
	since := time.Date(2024, 3, 1, 9, 0, 0, 123000, time.UTC)

	client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/delta", r.URL.Path)
		assert.Equal(t, "2024-03-01T09:00:00.000123Z", r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{"status":"Ok","updates":[{"id":"e1","entity_type":"PRODUCT","data":{"name":"Milk"},
			"updated_at":"2024-03-01T09:01:00Z","created_at":"2024-03-01T09:01:00Z"}],"deleted_ids":["e2"],
			"server_time":"2024-03-01T09:02:00Z"}`))
	})

	delta, err := client.PullDelta(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, delta.Updates, 1)
	assert.Equal(t, "e1", delta.Updates[0].ID)
	assert.JSONEq(t, `{"name":"Milk"}`, string(delta.Updates[0].Data))
	assert.Equal(t, []string{"e2"}, delta.DeletedIDs)
}

func TestHTTPClient_PullDeltaFullWithoutCursor(t *testing.T) {
	client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("since"))
		_, _ = w.Write([]byte(`{"status":"Ok","updates":[],"deleted_ids":[],"server_time":"2024-03-01T09:02:00Z"}`))
	})

	_, err := client.PullDelta(context.Background(), time.Time{})
	require.NoError(t, err)
}

func TestHTTPClient_ConflictsAndResolve(t *testing.T) {
	client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/conflicts":
			assert.Equal(t, "SALE", r.URL.Query().Get("entity_type"))
			assert.Equal(t, "true", r.URL.Query().Get("include_resolved"))
			_, _ = w.Write([]byte(`{"status":"Ok","data":[{"conflict_id":"c1","conflict_type":"VERSION_MISMATCH"}]}`))
		case "/sync/conflicts/c1/resolve":
			var req sync.ResolveConflictRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, sync.ResolutionServerWins, req.Strategy)
			_, _ = w.Write([]byte(`{"status":"Ok","conflict":{"conflict_id":"c1","resolution_strategy":"SERVER_WINS"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	conflicts, err := client.ListConflicts(context.Background(), ConflictQuery{EntityType: sync.EntitySale, IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, sync.ConflictVersionMismatch, conflicts[0].Type)

	resp, err := client.ResolveConflict(context.Background(), "c1", sync.ResolveConflictRequest{Strategy: sync.ResolutionServerWins})
	require.NoError(t, err)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, "c1", resp.Conflict.ID)
}

func TestHTTPClient_MissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent without a token")
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "dev-1", FileTokenSource{Path: filepath.Join(t.TempDir(), "token")}, slog.Default())
	_, err := client.Devices(context.Background())
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestFileTokenSource(t *testing.T) {
	source := FileTokenSource{Path: filepath.Join(t.TempDir(), "token")}

	_, err := source.Token()
	assert.ErrorIs(t, err, ErrTokenNotFound)

	require.NoError(t, source.Save("  abc.def.ghi\n"))
	token, err := source.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}
