package migration

import (
	"errors"
	"testing"

	"possync/internal/app/server/config"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockMigrator мок для интерфейса Migrator
type MockMigrator struct {
	mock.Mock
}

func (m *MockMigrator) Up() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMigrator) Down() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMigrator) Close() (error, error) {
	args := m.Called()
	return args.Error(0), args.Error(1)
}

func testConfig() *config.DBConfig {
	return &config.DBConfig{DatabaseURI: "postgres://localhost/possync", Migrations: "migrations"}
}

func TestMigration_Up_Success(t *testing.T) {
	mockM := new(MockMigrator)
	mockM.On("Up").Return(nil)
	mockM.On("Close").Return(nil, nil)

	var gotSource, gotDB string
	engine := func(source, db string) (Migrator, error) {
		gotSource, gotDB = source, db
		return mockM, nil
	}

	err := NewMigration(testConfig(), engine).Up()

	assert.NoError(t, err)
	assert.Equal(t, "file://migrations", gotSource)
	assert.Equal(t, "postgres://localhost/possync", gotDB)
	mockM.AssertExpectations(t)
}

func TestMigration_Up_NoChange(t *testing.T) {
	mockM := new(MockMigrator)

	// ErrNoChange не считается ошибкой
	mockM.On("Up").Return(migrate.ErrNoChange)
	mockM.On("Close").Return(nil, nil)

	engine := func(source, db string) (Migrator, error) {
		return mockM, nil
	}

	assert.NoError(t, NewMigration(testConfig(), engine).Up())
}

func TestMigration_Up_Failure(t *testing.T) {
	mockM := new(MockMigrator)
	mockM.On("Up").Return(errors.New("syntax error"))
	mockM.On("Close").Return(nil, errors.New("connection closed"))

	engine := func(source, db string) (Migrator, error) {
		return mockM, nil
	}

	err := NewMigration(testConfig(), engine).Up()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
	assert.Contains(t, err.Error(), "connection closed")
}

func TestMigration_Down(t *testing.T) {
	mockM := new(MockMigrator)
	mockM.On("Down").Return(nil)
	mockM.On("Close").Return(nil, nil)

	engine := func(source, db string) (Migrator, error) {
		return mockM, nil
	}

	assert.NoError(t, NewMigration(testConfig(), engine).Down())
	mockM.AssertExpectations(t)
}

func TestMigration_Up_EngineError(t *testing.T) {
	// Ошибка на этапе создания мигратора
	engine := func(source, db string) (Migrator, error) {
		return nil, errors.New("engine crash")
	}

	err := NewMigration(testConfig(), engine).Up()

	assert.Error(t, err)
	assert.Equal(t, "engine crash", err.Error())
}
