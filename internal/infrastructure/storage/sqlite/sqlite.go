// Package sqlite открывает локальную базу клиента: очередь операций, сущности и курсор.
package sqlite

import (
	"database/sql"
	"fmt"

	// Драйвер регистрируется через blank import
	_ "github.com/mattn/go-sqlite3"
)

const dsnParams = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// Open открывает файл базы с единственным соединением
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы данных: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}
	return db, nil
}
