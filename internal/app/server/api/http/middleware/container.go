package middleware

import (
	"github.com/danielgtaylor/huma/v2"
)

// Container копит мидлвари для следующей группы операций
type Container struct {
	huma.Middlewares
}

// NewContainer создает пустой контейнер
func NewContainer() *Container {
	return &Container{
		Middlewares: make(huma.Middlewares, 0),
	}
}

// Add добавляет мидлварь в конец цепочки
func (mc *Container) Add(middleware ...func(ctx huma.Context, next func(huma.Context))) {
	mc.Middlewares = append(mc.Middlewares, middleware...)
}

// GetAllAndClear возвращает накопленные мидлвари и очищает контейнер
func (mc *Container) GetAllAndClear() huma.Middlewares {
	result := mc.Middlewares
	mc.Middlewares = nil
	return result
}
