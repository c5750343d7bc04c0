package classes

import (
	"context"
	"log/slog"
	"time"

	"classes-api/internal/jobs"
	"classes-api/internal/notify"
)

const publishTimeout = 5 * time.Second

// EventRecorder counts publish attempts. *metrics.Recorder satisfies it.
type EventRecorder interface {
	ObserveEvent(name string, err error)
}

// Publisher turns mutation outcomes into bus events. Publishing is best
// effort: failures are logged and counted, never returned.
type Publisher struct {
	bus      notify.Bus
	logger   *slog.Logger
	recorder EventRecorder
}

// NewPublisher returns a publisher for bus. A nil bus yields a publisher that
// drops everything.
func NewPublisher(bus notify.Bus, logger *slog.Logger, recorder EventRecorder) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, logger: logger, recorder: recorder}
}

type deletedPayload struct {
	ID string `json:"id"`
}

// Outcome publishes name for one mutation of id. On success the event carries
// result; on failure it carries {id, error}.
func (p *Publisher) Outcome(ctx context.Context, tenant, name, id string, result any, err error) {
	if p == nil || p.bus == nil {
		return
	}
	var payload any = result
	if err != nil {
		payload = notify.Failure{ID: id, Error: err.Error()}
	}
	event, encodeErr := notify.NewEvent(tenant, name, payload)
	if encodeErr != nil {
		p.logger.Error("failed to encode event", "tenant", tenant, "event", name, "id", id, "error", encodeErr)
		p.observe(name, encodeErr)
		return
	}

	// Events for a mutation that already happened must not be lost because the
	// client went away.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	publishErr := p.bus.Publish(publishCtx, event)
	if publishErr != nil {
		p.logger.Warn("failed to publish event", "tenant", tenant, "event", name, "id", id, "error", publishErr)
	}
	p.observe(name, publishErr)
}

func (p *Publisher) observe(name string, err error) {
	if p.recorder != nil {
		p.recorder.ObserveEvent(name, err)
	}
}

// BatchDeleteObserver maps every batch delete item outcome to exactly one
// delete event.
func (p *Publisher) BatchDeleteObserver() jobs.Observer {
	return func(ctx context.Context, tenant, item string, err error) {
		p.Outcome(ctx, tenant, notify.EventDelete, item, deletedPayload{ID: item}, err)
	}
}
