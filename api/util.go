package api

import (
	"context"
	"time"

	uuid "github.com/satori/go.uuid"
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}

func newUUID() string {
	return uuid.NewV4().String()
}
