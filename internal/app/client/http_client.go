package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"possync/internal/domain/sync"

	"golang.org/x/exp/slog"
)

const (
	userAgent      = "PosSync-Client/1.0"
	deviceIDHeader = "X-Device-ID"
)

// TokenSource выдает bearer-токен для запросов к /sync/*
type TokenSource interface {
	Token() (string, error)
}

// StaticToken токен, заданный напрямую
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrTokenNotFound
	}
	return string(t), nil
}

// FileTokenSource читает токен из файла при каждом запросе,
// поэтому `possync token` подхватывается без перезапуска
type FileTokenSource struct {
	Path string
}

func (f FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("ошибка чтения токена: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrTokenNotFound
	}
	return token, nil
}

// Save записывает токен с правами только для владельца
func (f FileTokenSource) Save(token string) error {
	if err := os.WriteFile(f.Path, []byte(strings.TrimSpace(token)), 0600); err != nil {
		return fmt.Errorf("ошибка сохранения токена: %w", err)
	}
	return nil
}

// ConflictQuery параметры GET /sync/conflicts
type ConflictQuery struct {
	EntityType      sync.EntityType
	EntityID        string
	DeviceID        string
	IncludeResolved bool
	Limit           int
}

// HTTPClient транспорт протокола синхронизации поверх HTTP
type HTTPClient struct {
	client   *http.Client
	log      *slog.Logger
	baseURL  string
	deviceID string
	tokens   TokenSource
}

func NewHTTPClient(baseURL, deviceID string, tokens TokenSource, log *slog.Logger) *HTTPClient {
	client := &http.Client{
		Timeout: 90 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 10,
		},
	}

	return &HTTPClient{
		client:   client,
		log:      log.With("component", "http_client"),
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		tokens:   tokens,
	}
}

// Health проверяет доступность сервера; используется пробой соединения
func (h *HTTPClient) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	return h.do(ctx, http.MethodGet, "/health", nil, nil, &resp, false)
}

// PushBatch отправляет пакет операций
func (h *HTTPClient) PushBatch(ctx context.Context, req sync.BatchSyncRequest) (*sync.BatchSyncResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = h.deviceID
	}

	var resp sync.BatchSyncResponse
	if err := h.do(ctx, http.MethodPost, "/sync/batch", nil, req, &resp, true); err != nil {
		return nil, err
	}
	if resp.Status == sync.StatusError {
		return nil, fmt.Errorf("%w: %s", ErrBatchRejected, resp.Error)
	}
	return &resp, nil
}

// PullDelta забирает изменения после курсора; нулевой since означает полную выгрузку
func (h *HTTPClient) PullDelta(ctx context.Context, since time.Time) (*sync.DeltaResponse, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var resp sync.DeltaResponse
	if err := h.do(ctx, http.MethodGet, "/sync/delta", query, nil, &resp, true); err != nil {
		return nil, err
	}
	if resp.Status == sync.StatusError {
		return nil, fmt.Errorf("ошибка сервера: %s", resp.Error)
	}
	return &resp, nil
}

// Status получает серверный статус синхронизации устройства
func (h *HTTPClient) Status(ctx context.Context) (*sync.StatusResponse, error) {
	var resp sync.StatusResponse
	if err := h.do(ctx, http.MethodGet, "/sync/status", nil, nil, &resp, true); err != nil {
		return nil, err
	}
	if resp.Status == sync.StatusError {
		return nil, fmt.Errorf("ошибка сервера: %s", resp.Error)
	}
	return &resp, nil
}

// ForceSync отмечает принудительную синхронизацию на сервере
func (h *HTTPClient) ForceSync(ctx context.Context) (*sync.ForceSyncResponse, error) {
	var resp sync.ForceSyncResponse
	if err := h.do(ctx, http.MethodPost, "/sync/force", nil, nil, &resp, true); err != nil {
		return nil, err
	}
	if resp.Status == sync.StatusError {
		return nil, fmt.Errorf("ошибка сервера: %s", resp.Error)
	}
	return &resp, nil
}

// ListConflicts получает конфликты пользователя
func (h *HTTPClient) ListConflicts(ctx context.Context, q ConflictQuery) ([]sync.Conflict, error) {
	query := url.Values{}
	if q.EntityType != "" {
		query.Set("entity_type", string(q.EntityType))
	}
	if q.EntityID != "" {
		query.Set("entity_id", q.EntityID)
	}
	if q.DeviceID != "" {
		query.Set("device_id", q.DeviceID)
	}
	if q.IncludeResolved {
		query.Set("include_resolved", "true")
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}

	var resp sync.ListConflictsResponse
	if err := h.do(ctx, http.MethodGet, "/sync/conflicts", query, nil, &resp, true); err != nil {
		return nil, err
	}
	if resp.Status == sync.StatusError {
		return nil, fmt.Errorf("ошибка сервера: %s", resp.Error)
	}
	return resp.Data, nil
}

// ResolveConflict разрешает конфликт на сервере
func (h *HTTPClient) ResolveConflict(ctx context.Context, conflictID string, req sync.ResolveConflictRequest) (*sync.ResolveConflictResponse, error) {
	var resp sync.ResolveConflictResponse
	path := "/sync/conflicts/" + url.PathEscape(conflictID) + "/resolve"
	if err := h.do(ctx, http.MethodPost, path, nil, req, &resp, true); err != nil {
		return nil, err
	}
	if resp.Status == sync.StatusError {
		return nil, fmt.Errorf("ошибка сервера: %s", resp.Error)
	}
	return &resp, nil
}

// Devices получает список устройств пользователя
func (h *HTTPClient) Devices(ctx context.Context) ([]sync.DeviceInfo, error) {
	var resp sync.DevicesResponse
	if err := h.do(ctx, http.MethodGet, "/sync/devices", nil, nil, &resp, true); err != nil {
		return nil, err
	}
	if resp.Status == sync.StatusError {
		return nil, fmt.Errorf("ошибка сервера: %s", resp.Error)
	}
	return resp.Data, nil
}

func (h *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, result any, auth bool) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ошибка маршалинга тела запроса: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	target := h.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.deviceID != "" {
		req.Header.Set(deviceIDHeader, h.deviceID)
	}
	if auth {
		token, err := h.tokens.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	h.log.Debug("Отправка запроса", "method", method, "url", req.URL.String())

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: ошибка чтения ответа: %v", ErrTransientNetwork, err)
	}

	h.log.Debug("Получен ответ", "status", resp.StatusCode, "bytes", len(data))

	if err := statusToError(resp.StatusCode, data); err != nil {
		return err
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("ошибка парсинга ответа: %w", err)
		}
	}
	return nil
}

// statusToError переводит HTTP-статус в ошибку клиента.
// Тело ошибки бывает двух видов: {status,error} от middleware и problem+json от huma
func statusToError(code int, body []byte) error {
	if code < http.StatusBadRequest {
		return nil
	}

	var errResp struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	message := ""
	if err := json.Unmarshal(body, &errResp); err == nil {
		switch {
		case errResp.Error != "":
			message = errResp.Error
		case errResp.Detail != "":
			message = errResp.Detail
		default:
			message = errResp.Title
		}
	}

	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= http.StatusInternalServerError, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: статус %d %s", ErrTransientNetwork, code, message)
	default:
		return &StatusError{Code: code, Message: message}
	}
}

// IsTransient сообщает, имеет ли смысл повторить запрос позже
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, context.DeadlineExceeded)
}
