// Package ctxkeys содержит ключи контекста, общие для транспорта и доменных сервисов.
package ctxkeys

import "context"

// Key тип ключей контекста приложения.
type Key string

const (
	KeyUserID   Key = "user_id"
	KeyDeviceID Key = "device_id"
)

// WithUserID кладет идентификатор аутентифицированного пользователя в контекст
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, KeyUserID, userID)
}

// UserID возвращает идентификатор пользователя из контекста
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(KeyUserID).(string)
	return userID, ok && userID != ""
}

// WithDeviceID кладет идентификатор устройства в контекст
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, KeyDeviceID, deviceID)
}

// DeviceID возвращает идентификатор устройства из контекста
func DeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(KeyDeviceID).(string)
	return deviceID, ok && deviceID != ""
}
