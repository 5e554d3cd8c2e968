// Package notify fans session notifications out to in-process subscribers
// (SSE streams, the engine's persistence hook) over a watermill channel.
package notify

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jubee/internal/intake"
)

const Topic = "jubee.session.notifications"

// Bus implements intake.Notifier by publishing every notification.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, zerologAdapter{logger: logger}),
		logger: logger,
	}
}

func (b *Bus) Notify(n intake.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		b.logger.Error().Err(err).Str("session_id", n.SessionID).Msg("encode notification")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("session_id", n.SessionID)
	msg.Metadata.Set("kind", string(n.Kind))
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		b.logger.Warn().Err(err).Str("session_id", n.SessionID).Msg("publish notification")
	}
}

// Subscribe streams notifications until ctx is done. An empty sessionID
// receives every session's notifications.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan intake.Notification, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan intake.Notification, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			msg.Ack()
			if sessionID != "" && msg.Metadata.Get("session_id") != sessionID {
				continue
			}
			var n intake.Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				b.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("decode notification")
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// zerologAdapter routes watermill's internal logging through zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{logger: a.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
