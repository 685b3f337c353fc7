package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/metrics"
)

// TopicAnalyze carries pageviews waiting for the deferred pass
const TopicAnalyze = "fraud.analyze"

// AnalyzeMessage is the payload published for each pageview
type AnalyzeMessage struct {
	PageviewID int64     `json:"pageview_id"`
	TenantID   int64     `json:"tenant_id"`
	NotBefore  time.Time `json:"not_before"`
}

// EventLoader reloads a pageview when its job runs
type EventLoader interface {
	LoadEvent(ctx context.Context, id int64) (fraud.Event, error)
}

type QueueOptions struct {
	// Delay between ingestion and the deferred pass, giving engagement
	// telemetry time to arrive
	Delay      time.Duration
	MaxRetries int
}

// Queue delays and runs the deferred analysis of single pageviews. It is
// in-memory; the sweeper picks up whatever a restart drops.
type Queue struct {
	pubsub  *gochannel.GoChannel
	loader  EventLoader
	engine  Engine
	opts    QueueOptions
	logger  watermill.LoggerAdapter
	now     func() time.Time
	log     zerolog.Logger
	handled chan int64
}

func NewQueue(loader EventLoader, engine Engine, opts QueueOptions) *Queue {
	logger := watermill.NewSlogLogger(logging.NewSlogLogger())
	return &Queue{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 1024,
		}, logger),
		loader: loader,
		engine: engine,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		log:    logging.With("jobs"),
	}
}

// ScheduleAnalysis publishes the pageview for analysis after the delay
func (q *Queue) ScheduleAnalysis(_ context.Context, pageviewID, tenantID int64) error {
	payload, err := json.Marshal(AnalyzeMessage{
		PageviewID: pageviewID,
		TenantID:   tenantID,
		NotBefore:  q.now().Add(q.opts.Delay),
	})
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := q.pubsub.Publish(TopicAnalyze, msg); err != nil {
		return fmt.Errorf("publish analyze job: %w", err)
	}
	return nil
}

// Serve consumes jobs until ctx is done
func (q *Queue) Serve(ctx context.Context) error {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, q.logger)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	router.AddMiddleware(
		q.giveUp,
		middleware.Recoverer,
		middleware.Retry{
			MaxRetries:      q.opts.MaxRetries,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			Logger:          q.logger,
		}.Middleware,
	)
	router.AddConsumerHandler("fraud-analyze", TopicAnalyze, q.pubsub, q.handle)

	q.log.Info().Dur("delay", q.opts.Delay).Msg("deferred analysis queue started")
	return router.Run(ctx)
}

func (q *Queue) String() string {
	return "fraud-analyze-queue"
}

// handle waits until the job is due, then runs the deferred pass and the
// block check. Jobs for deleted pageviews are dropped.
func (q *Queue) handle(msg *message.Message) error {
	var job AnalyzeMessage
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		metrics.DeferredJobs.WithLabelValues("invalid").Inc()
		q.log.Error().Err(err).Str("message", msg.UUID).Msg("dropping malformed analyze job")
		return nil
	}

	ctx := msg.Context()
	if wait := job.NotBefore.Sub(q.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	err := q.run(ctx, job)
	switch {
	case errors.Is(err, fraud.ErrNotFound):
		metrics.DeferredJobs.WithLabelValues("missing").Inc()
	case err != nil:
		return fmt.Errorf("pageview %d: %w", job.PageviewID, err)
	default:
		metrics.DeferredJobs.WithLabelValues("done").Inc()
	}

	if q.handled != nil {
		q.handled <- job.PageviewID
	}
	return nil
}

// giveUp acks jobs that still fail after the retries, since a nacked
// message would be redelivered forever. The sweeper retries them later.
func (q *Queue) giveUp(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		msgs, err := h(msg)
		if err == nil || msg.Context().Err() != nil {
			return msgs, err
		}
		metrics.DeferredJobs.WithLabelValues("error").Inc()
		q.log.Error().Err(err).Str("message", msg.UUID).Msg("deferred analysis failed")
		return nil, nil
	}
}

func (q *Queue) run(ctx context.Context, job AnalyzeMessage) error {
	ev, err := q.loader.LoadEvent(ctx, job.PageviewID)
	if err != nil {
		return err
	}
	if _, err := q.engine.AnalyzePageview(ctx, ev); err != nil {
		return err
	}
	_, err = q.engine.CheckAndBlock(ctx, ev.TenantID, ev.IP)
	return err
}
