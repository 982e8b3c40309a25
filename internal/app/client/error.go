package client

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork сеть, таймаут или 5xx: повтор с задержкой может помочь
	ErrTransientNetwork = errors.New("сервер временно недоступен")
	ErrUnauthorized     = errors.New("требуется аутентификация. Выполните: possync token")
	ErrOffline          = errors.New("нет соединения с сервером")
	ErrSyncInProgress   = errors.New("синхронизация уже выполняется")
	ErrBatchRejected    = errors.New("сервер отклонил пакет")
	ErrMissingResult    = errors.New("сервер не вернул результат операции")
	ErrRecordNotFound   = errors.New("запись не найдена")
	ErrTokenNotFound    = errors.New("токен не найден. Выполните: possync token")
)

// StatusError ответ сервера с кодом 4xx, который не лечится повтором
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ошибка сервера: статус %d", e.Code)
	}
	return fmt.Sprintf("ошибка сервера (%d): %s", e.Code, e.Message)
}
