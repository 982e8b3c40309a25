package health

import "time"

type Input struct{}

// Output ответ проверки готовности
type Output struct {
	Body Response
}

type Response struct {
	Status     string    `json:"status" example:"OK" doc:"Health status of the service"`
	ServerTime time.Time `json:"server_time" doc:"Current server time, UTC"`
}
