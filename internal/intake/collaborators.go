package intake

import (
	"context"

	"jubee/internal/domain"
)

// GenerateRequest is the frozen input handed to a Generator. It is a copy;
// generators may keep it.
type GenerateRequest struct {
	SessionID string
	Tool      string
	Fields    domain.Fields
	Seed      domain.Fields
	Documents map[string][]domain.DocumentRef
}

// Generator produces the result payload at the terminal stage. It may block;
// the session calls it off its own lock and honours ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (domain.ResultPayload, error)
}

type GeneratorFunc func(ctx context.Context, req GenerateRequest) (domain.ResultPayload, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (domain.ResultPayload, error) {
	return f(ctx, req)
}

type NotificationKind string

const (
	// NotifyToast is a transient user-facing message that never enters the log.
	NotifyToast NotificationKind = "toast"
	// NotifyUpdate signals that the session snapshot changed.
	NotifyUpdate NotificationKind = "update"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Notification struct {
	SessionID string           `json:"session_id"`
	Kind      NotificationKind `json:"kind"`
	Level     Level            `json:"level,omitempty"`
	Message   string           `json:"message,omitempty"`
	Status    domain.Status    `json:"status,omitempty"`
	Stage     string           `json:"stage,omitempty"`
}

// Notifier receives toast-equivalent messages and change signals. It is
// called without the session lock held.
type Notifier interface {
	Notify(Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
