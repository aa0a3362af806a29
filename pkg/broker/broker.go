// Package broker wraps NATS JetStream for the two durable streams the
// orchestrator depends on: JOBS (work-queue semantics, one job delivered
// to exactly one worker at a time) and EVENTS (limits-policy fan-out feed
// for the events hub). It carries OTel trace context through NATS headers
// itself (headerCarrier) and adds the JetStream stream/consumer
// plumbing and reconnect handling the teacher's engine/ingest package
// only partially exercised (core NATS pub/sub, manual Reply-based ack).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// headerCarrier adapts nats.Msg headers for OTel's TextMapCarrier,
// grounded on pkg/natsutil's natsHeaderCarrier, reimplemented here
// since JetStream's PublishMsg/pull-Fetch path carries trace context
// the same way core pub/sub does in that package, but through a
// different client type (JetStreamContext, not *nats.Conn) that
// natsutil's generic helpers aren't shaped for.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

const (
	// JobsStream is the durable work-queue stream jobs are published to.
	JobsStream = "JOBS"
	// JobsSubject is the single subject within JobsStream all job types
	// share; the job envelope's Type field discriminates.
	JobsSubject = "jobs.dispatch"
	// JobsConsumer is the durable pull consumer name workers bind to.
	JobsConsumer = "jobs-worker"

	// EventsStream is the fan-out stream for lifecycle events.
	EventsStream = "EVENTS"
	// EventsSubject is the single subject within EventsStream.
	EventsSubject = "events.publish"

	// AckWait is set far longer than any single stage's expected runtime
	// so redelivery only happens on worker crash, not slow AI calls
	// (spec §5: at-least-once delivery, no duplicate concurrent processing).
	AckWait = 24 * time.Hour
)

// Broker owns the JetStream context and streams used by the orchestrator.
type Broker struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *slog.Logger
}

// Connect dials NATS and ensures the JOBS/EVENTS streams exist.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Broker, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url, nats.Name("loreweaver"))
	if err != nil {
		return nil, fmt.Errorf("broker: connect: %w", domain.ErrBrokerUnavailable)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: jetstream context: %w", err)
	}
	b := &Broker{nc: nc, js: js, log: log}
	if err := b.EnsureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// EnsureStreams creates JOBS (work-queue retention) and EVENTS (limits
// retention) if they do not already exist. Idempotent.
func (b *Broker) EnsureStreams() error {
	if _, err := b.js.StreamInfo(JobsStream); err != nil {
		_, err := b.js.AddStream(&nats.StreamConfig{
			Name:      JobsStream,
			Subjects:  []string{JobsSubject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("broker: create jobs stream: %w", err)
		}
	}
	if _, err := b.js.StreamInfo(EventsStream); err != nil {
		_, err := b.js.AddStream(&nats.StreamConfig{
			Name:      EventsStream,
			Subjects:  []string{EventsSubject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("broker: create events stream: %w", err)
		}
	}
	return nil
}

// PublishJob publishes a job envelope to the jobs stream, with trace
// context propagated through NATS headers the same way pkg/natsutil
// does for core pub/sub subjects.
func (b *Broker) PublishJob(ctx context.Context, job domain.Job) error {
	msg := nats.NewMsg(JobsSubject)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: encode job: %w", err)
	}
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	if _, err := b.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("broker: publish job: %w", domain.ErrBrokerUnavailable)
	}
	return nil
}

// PublishEvent publishes an event to the events stream, with trace context
// propagated through NATS headers the same way pkg/natsutil does for core
// pub/sub subjects.
func (b *Broker) PublishEvent(ctx context.Context, ev domain.Event) error {
	msg := nats.NewMsg(EventsSubject)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: encode event: %w", err)
	}
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	if _, err := b.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("broker: publish event: %w", domain.ErrBrokerUnavailable)
	}
	return nil
}

// JobHandler processes a single job. Returning nil acks the message;
// any error leaves it unacked for redelivery after AckWait. Declared as
// an alias (not a defined type) so *Broker satisfies engine/orchestrator's
// Broker interface, whose Consume signature is spelled out inline rather
// than importing this package.
type JobHandler = func(ctx context.Context, job domain.Job) error

// EventHandler receives one decoded event from the events stream.
type EventHandler func(ev domain.Event)

// SubscribeEvents binds an ephemeral push consumer against the events
// stream and delivers every event to handler until ctx is cancelled. The
// API process uses this to feed its in-process events.Hub (spec §4.6);
// each API replica gets its own ephemeral subscription rather than
// sharing a durable consumer, since every replica's SSE clients need the
// full fan-out, not a work-queue split.
func (b *Broker) SubscribeEvents(ctx context.Context, handler EventHandler) error {
	sub, err := b.js.Subscribe(EventsSubject, func(msg *nats.Msg) {
		var ev domain.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn("broker: malformed event, dropping", "error", err)
			return
		}
		handler(ev)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("broker: subscribe events: %w", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

// Consume binds a durable pull consumer with MaxAckPending=1 so at most
// one job is in flight at a time across the whole worker fleet (spec §5:
// single JetStream consumer, manual ack, no duplicate concurrent
// processing of the same job). It blocks until ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, handler JobHandler) error {
	sub, err := b.js.PullSubscribe(JobsSubject, JobsConsumer,
		nats.AckExplicit(),
		nats.AckWait(AckWait),
		nats.MaxAckPending(1),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("broker: pull subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			b.log.Warn("broker: fetch failed", "error", err)
			continue
		}
		for _, msg := range msgs {
			var job domain.Job
			if err := json.Unmarshal(msg.Data, &job); err != nil {
				b.log.Error("broker: malformed job, acking to drop", "error", err)
				_ = msg.Ack()
				continue
			}
			jobCtx := otel.GetTextMapPropagator().Extract(ctx, (*headerCarrier)(msg))
			if err := handler(jobCtx, job); err != nil {
				b.log.Error("broker: job handler failed, leaving unacked", "error", err, "job_type", job.Type, "work_id", job.WorkID)
				continue
			}
			_ = msg.Ack()
		}
	}
}

// Reconnect re-dials NATS with exponential backoff.
func Reconnect(ctx context.Context, url string, log *slog.Logger) (*Broker, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 10 * time.Minute

	var b *Broker
	operation := func() error {
		conn, err := Connect(ctx, url, log)
		if err != nil {
			return err
		}
		b = conn
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("broker: reconnect: %w", err)
	}
	return b, nil
}

// Close drains the underlying connection.
func (b *Broker) Close() {
	b.nc.Close()
}
