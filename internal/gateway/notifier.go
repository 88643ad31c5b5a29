package gateway

import (
	"context"
	"log/slog"
	"time"
)

// LogNotifier writes notifications to a structured logger. It stands in
// for a push/email channel in local deployments and demos.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the notification and reports immediate delivery.
func (n LogNotifier) Notify(_ context.Context, req NotifyRequest) (NotifyResult, error) {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("user notification",
		"run_id", req.RunID,
		"user_id", req.UserID,
		"title", req.Title,
		"body", req.Body,
	)
	return NotifyResult{Status: StatusSuccess, Delivery: "log", At: time.Now().UTC()}, nil
}
