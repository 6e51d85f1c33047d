package connectors

import (
	"context"
	"log/slog"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// PollFunc yields new events since the last poll.
type PollFunc func(ctx context.Context) ([]ecs.RawEvent, error)

// backoffCap is the exponential backoff ceiling for polling connectors that
// error repeatedly.
const backoffCap = 5 * time.Minute

// PollingConnector wraps a PollFunc in a loop obeying PollInterval, with
// exponential backoff (capped) on consecutive poll errors, mirroring
// original_source's PollingConnector.stream().
type PollingConnector struct {
	*Base
	poll PollFunc
	log  *slog.Logger
}

// NewPollingConnector constructs a polling connector.
func NewPollingConnector(cfg Config, poll PollFunc, connectFn, disconnectFn, healthFn func(ctx context.Context) error, logger *slog.Logger) *PollingConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingConnector{
		Base: NewBase(cfg, connectFn, disconnectFn, healthFn),
		poll: poll,
		log:  logger.With("component", "connectors.polling", "name", cfg.Name),
	}
}

// Stream loops while the connector is running, calling poll() and sleeping
// PollInterval between iterations. Errors increment the error metric and
// back off exponentially (capped) rather than stopping the connector.
func (p *PollingConnector) Stream(ctx context.Context, sink func(ecs.RawEvent) error) error {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if p.State() == StatePaused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Config().PollInterval):
				continue
			}
		}
		if p.State() != StateRunning {
			return nil
		}

		events, err := p.poll(ctx)
		if err != nil {
			p.RecordError(err)
			p.log.Error("poll failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		backoff = time.Second

		for _, ev := range events {
			if !p.ShouldIncludeSource(ev.Source) {
				continue
			}
			p.RecordEvent(rawEventSize(ev))
			if err := sink(ev); err != nil {
				p.RecordError(err)
				continue
			}
			p.RecordProcessed()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Config().PollInterval):
		}
	}
}

func rawEventSize(ev ecs.RawEvent) int {
	switch v := ev.Data.(type) {
	case []byte:
		return len(v)
	case string:
		return len(v)
	default:
		return 0
	}
}

// StreamingConnector delivers events pushed in by an external source
// (webhook listener, socket); PushFunc is supplied by the concrete
// implementation and is expected to block, calling sink per event, until
// ctx is cancelled.
type StreamingConnector struct {
	*Base
	push func(ctx context.Context, sink func(ecs.RawEvent) error) error
	log  *slog.Logger
}

// NewStreamingConnector constructs a push-based connector.
func NewStreamingConnector(cfg Config, push func(ctx context.Context, sink func(ecs.RawEvent) error) error, connectFn, disconnectFn, healthFn func(ctx context.Context) error, logger *slog.Logger) *StreamingConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingConnector{
		Base: NewBase(cfg, connectFn, disconnectFn, healthFn),
		push: push,
		log:  logger.With("component", "connectors.streaming", "name", cfg.Name),
	}
}

func (s *StreamingConnector) Stream(ctx context.Context, sink func(ecs.RawEvent) error) error {
	wrapped := func(ev ecs.RawEvent) error {
		if !s.ShouldIncludeSource(ev.Source) {
			return nil
		}
		s.RecordEvent(rawEventSize(ev))
		if err := sink(ev); err != nil {
			s.RecordError(err)
			return err
		}
		s.RecordProcessed()
		return nil
	}
	if err := s.push(ctx, wrapped); err != nil {
		s.log.Error("stream ended", "error", err)
		return err
	}
	return nil
}
