package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mirrorcast/internal/core/domain"
	"mirrorcast/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultQueueSize      = 64
	defaultPublishTimeout = 2 * time.Second
)

// Event is a session event as it travels over the bus.
type Event struct {
	domain.SessionEvent
	InstanceID string `json:"instance_id"`
}

// Publisher is the part of a redis client the bus publishes through.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type EventBusConfig struct {
	Channel        string
	InstanceID     string
	QueueSize      int
	PublishTimeout time.Duration
	Breaker        circuitbreaker.Config
}

// EventBus mirrors session lifecycle events to a redis channel so other
// processes can follow the receiver. Publishing happens on its own
// goroutine; OnSessionEvent never blocks the caller.
type EventBus struct {
	publisher Publisher
	cfg       EventBusConfig
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.SugaredLogger

	queue chan Event
}

func NewEventBus(publisher Publisher, cfg EventBusConfig, logger *zap.SugaredLogger) *EventBus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}

	bus := &EventBus{
		publisher: publisher,
		cfg:       cfg,
		breaker:   circuitbreaker.New(cfg.Breaker),
		logger:    logger,
		queue:     make(chan Event, cfg.QueueSize),
	}
	bus.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("event bus circuit changed",
			"from", from.String(),
			"to", to.String(),
			"channel", cfg.Channel,
		)
	})
	return bus
}

func (eb *EventBus) OnSessionEvent(event domain.SessionEvent) {
	select {
	case eb.queue <- Event{SessionEvent: event, InstanceID: eb.cfg.InstanceID}:
	default:
		eb.logger.Warnw("event bus queue full, dropping event",
			"type", event.Type,
			"session_generation", event.Generation,
		)
	}
}

// Run publishes queued events until ctx is done.
func (eb *EventBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.queue:
			if err := eb.Publish(ctx, event); err != nil {
				eb.logger.Warnw("failed to publish session event",
					"type", event.Type,
					"session_generation", event.Generation,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return eb.breaker.Execute(ctx, func() error {
		pubCtx, cancel := context.WithTimeout(ctx, eb.cfg.PublishTimeout)
		defer cancel()
		if err := eb.publisher.Publish(pubCtx, eb.cfg.Channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		eb.logger.Debugw("published event",
			"type", event.Type,
			"session_generation", event.Generation,
		)
		return nil
	})
}

// Subscribe calls handler for every event on channel until ctx is done.
func Subscribe(ctx context.Context, client redis.UniversalClient, channel string, logger *zap.SugaredLogger, handler func(Event)) error {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			handler(event)
		}
	}
}

func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("event without type")
	}
	return event, nil
}

// BreakerState reports the publishing circuit for health checks.
func (eb *EventBus) BreakerState() circuitbreaker.State {
	return eb.breaker.GetState()
}
