package realtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orderhub/internal/logging"
	"orderhub/internal/metrics"
	"orderhub/internal/model"
)

const NoClientsMessage = "No clients in room"

// Transport is one push endpoint. Hub implements it.
type Transport interface {
	Name() string
	HasMembers(room string) bool
	Broadcast(ctx context.Context, room, event string, payload any) (<-chan model.AckResult, func(), error)
}

type Options struct {
	// AckType labels the synthesized results; defaults to the event name.
	AckType    string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Dispatcher emits events and waits for acknowledgements with bounded retry.
type Dispatcher struct {
	defaults Options
	log      *zap.Logger
}

func NewDispatcher(defaults Options, log *zap.Logger) *Dispatcher {
	if defaults.Timeout <= 0 {
		defaults.Timeout = 5 * time.Second
	}
	return &Dispatcher{defaults: defaults, log: logging.OrNop(log)}
}

// Defaults returns the configured emission options.
func (d *Dispatcher) Defaults() Options { return d.defaults }

// Emit is EmitWithAck with the configured defaults.
func (d *Dispatcher) Emit(ctx context.Context, t Transport, room, event string, payload any) model.AckResult {
	return d.EmitWithAck(ctx, t, room, event, payload, d.defaults)
}

// EmitWithAck multicasts event to room and waits up to opts.Timeout for the
// first acknowledgement. A missing or negative ack is retried opts.Retries
// times, sleeping RetryDelay*n before retry n. An empty room returns at once.
// The result is never an error: exhaustion yields Received=false.
func (d *Dispatcher) EmitWithAck(ctx context.Context, t Transport, room, event string, payload any, opts Options) model.AckResult {
	if opts.Timeout <= 0 {
		opts.Timeout = d.defaults.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	ackType := opts.AckType
	if ackType == "" {
		ackType = event
	}
	log := d.log.With(zap.String("transport", t.Name()), zap.String("room", room), zap.String("event", event))
	notReceived := func(msg, outcome string) model.AckResult {
		metrics.DispatchAcks.WithLabelValues(t.Name(), event, outcome).Inc()
		return model.AckResult{Type: ackType, Received: false, Message: msg}
	}

	if !t.HasMembers(room) {
		log.Debug("no clients in room")
		return notReceived(NoClientsMessage, "no_clients")
	}

	attempts := opts.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := opts.RetryDelay * time.Duration(attempt-1)
			if err := sleep(ctx, delay); err != nil {
				return notReceived(err.Error(), "canceled")
			}
			if !t.HasMembers(room) {
				return notReceived(NoClientsMessage, "no_clients")
			}
		}
		metrics.DispatchAttempts.WithLabelValues(t.Name(), event).Inc()
		ch, cancel, err := t.Broadcast(ctx, room, event, payload)
		if err != nil {
			log.Error("broadcast failed", zap.Error(err))
			return notReceived(err.Error(), "error")
		}
		res, ok := waitAck(ctx, ch, opts.Timeout)
		cancel()
		if ok && res.Received {
			if res.Type == "" {
				res.Type = ackType
			}
			metrics.DispatchAcks.WithLabelValues(t.Name(), event, "received").Inc()
			log.Debug("acknowledged", zap.Int("attempt", attempt))
			return res
		}
		if ctx.Err() != nil {
			return notReceived(ctx.Err().Error(), "canceled")
		}
		log.Info("no acknowledgement", zap.Int("attempt", attempt), zap.Int("of", attempts))
	}
	return notReceived(fmt.Sprintf("No acknowledgement after %d attempts", attempts), "exhausted")
}

func waitAck(ctx context.Context, ch <-chan model.AckResult, timeout time.Duration) (model.AckResult, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, true
	case <-timer.C:
		return model.AckResult{}, false
	case <-ctx.Done():
		return model.AckResult{}, false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
