// Package daemon wraps repeated single-shot ExecutionLifecycle runs
// behind a cron schedule or a NATS subscription, grounded in the
// teacher orchestrator's cron.Scheduler.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kosmos-sh/execore/internal/lifecycle"
)

var propagator = propagation.TraceContext{}

// Runner is the one call a front door needs: run the recipe once,
// restart=true, never prompting.
type Runner func(ctx context.Context) error

// FrontDoor serializes cron and NATS triggers behind one atomic running
// flag so two fires of either kind never overlap -- at most one
// execution runs per process at a time. mu guards only Start/Stop.
type FrontDoor struct {
	run Runner

	mu      sync.Mutex
	running int32

	cron *cron.Cron
	nc   *nats.Conn
	sub  *nats.Subscription

	dropped      metric.Int64Counter
	triggerCount metric.Int64Counter
}

// New builds a FrontDoor around run. meter may be nil in tests.
func New(run Runner, meter metric.Meter) *FrontDoor {
	fd := &FrontDoor{run: run}
	if meter != nil {
		fd.dropped, _ = meter.Int64Counter("execore_frontdoor_dropped_total")
		fd.triggerCount, _ = meter.Int64Counter("execore_frontdoor_triggers_total")
	}
	return fd
}

// fire runs the recipe if no other fire is in progress, otherwise drops
// it -- front doors never queue overlapping fires.
func (fd *FrontDoor) fire(ctx context.Context, source string) {
	if !atomic.CompareAndSwapInt32(&fd.running, 0, 1) {
		slog.Warn("daemon: dropping overlapping fire", "source", source)
		if fd.dropped != nil {
			fd.dropped.Add(ctx, 1)
		}
		return
	}
	defer atomic.StoreInt32(&fd.running, 0)

	if fd.triggerCount != nil {
		fd.triggerCount.Add(ctx, 1)
	}
	if err := fd.run(ctx); err != nil {
		slog.Error("daemon: run failed", "source", source, "error", err)
	}
}

// StartCron registers expr (standard 5-field cron syntax) and starts
// the scheduler.
func (fd *FrontDoor) StartCron(expr string) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	c := cron.New()
	if _, err := c.AddFunc(expr, func() { fd.fire(context.Background(), "cron") }); err != nil {
		return err
	}
	c.Start()
	fd.cron = c
	slog.Info("daemon: cron front door started", "expr", expr)
	return nil
}

// StartNATS connects to url and subscribes to subject, triggering one
// run per message.
func (fd *FrontDoor) StartNATS(url, subject string) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	nc, err := nats.Connect(url)
	if err != nil {
		return err
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		carrier := propagation.HeaderCarrier(msg.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("execore-daemon")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		fd.fire(ctx, "nats:"+subject)
	})
	if err != nil {
		nc.Close()
		return err
	}
	fd.nc = nc
	fd.sub = sub
	slog.Info("daemon: nats front door started", "subject", subject)
	return nil
}

// Stop tears down whichever front doors were started.
func (fd *FrontDoor) Stop() {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if fd.cron != nil {
		<-fd.cron.Stop().Done()
	}
	if fd.sub != nil {
		_ = fd.sub.Unsubscribe()
	}
	if fd.nc != nil {
		fd.nc.Close()
	}
}

// RunOnce wraps a lifecycle.Lifecycle + lifecycle.Config into a Runner,
// always forcing restart=true and promptConfirm=false -- an unattended
// front door can never block on a terminal prompt.
func RunOnce(lc *lifecycle.Lifecycle, cfg lifecycle.Config) Runner {
	cfg.Restart = true
	cfg.PromptConfirm = false
	return func(ctx context.Context) error {
		plan, err := lc.Start(ctx, cfg)
		if err != nil {
			return err
		}
		_, err = lc.Run(ctx, plan, cfg.DryRun)
		return err
	}
}
