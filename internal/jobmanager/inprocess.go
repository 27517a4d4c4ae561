package jobmanager

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kosmos-sh/execore/internal/model"
	"github.com/kosmos-sh/execore/internal/resilience"
)

// InProcess is a concrete JobManager standing in for a real DRM: a fixed
// worker pool executes tasks locally via a TaskExecutor registry, and
// completions flow back through a channel so worker goroutines never
// touch scheduler state directly.
type InProcess struct {
	ready      chan *model.Task
	done       chan *model.Task
	executors  map[string]TaskExecutor
	defaultTag string
	breaker    *resilience.CircuitBreaker

	mu      sync.Mutex
	running map[int64]*model.Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	tracer       trace.Tracer
	submitCount  metric.Int64Counter
	rejectCount  metric.Int64Counter
	exitDuration metric.Float64Histogram
}

// Option configures an InProcess JobManager at construction time.
type Option func(*InProcess)

// WithExecutor registers a TaskExecutor for a tool kind.
func WithExecutor(kind string, executor TaskExecutor) Option {
	return func(jm *InProcess) { jm.executors[kind] = executor }
}

// WithCircuitBreaker wraps Submit with a breaker protecting the DRM
// submission path.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(jm *InProcess) { jm.breaker = cb }
}

// NewInProcess builds an InProcess JobManager with the given worker
// concurrency (GOMAXPROCS when workers <= 0) and queue depth.
func NewInProcess(workers, queueDepth int, meter metric.Meter, opts ...Option) *InProcess {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())

	submitCount, _ := meter.Int64Counter("execore_jobmanager_submitted_total")
	rejectCount, _ := meter.Int64Counter("execore_jobmanager_rejected_total")
	exitDuration, _ := meter.Float64Histogram("execore_jobmanager_task_duration_ms")

	jm := &InProcess{
		ready:        make(chan *model.Task, queueDepth),
		done:         make(chan *model.Task, queueDepth),
		executors:    make(map[string]TaskExecutor),
		running:      make(map[int64]*model.Task),
		ctx:          ctx,
		cancel:       cancel,
		tracer:       otel.Tracer("execore-jobmanager"),
		submitCount:  submitCount,
		rejectCount:  rejectCount,
		exitDuration: exitDuration,
	}
	for _, opt := range opts {
		opt(jm)
	}
	if _, ok := jm.executors["shell"]; !ok {
		jm.executors["shell"] = NewShellExecutor()
	}

	for i := 0; i < workers; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	return jm
}

func (jm *InProcess) worker() {
	defer jm.wg.Done()
	for {
		select {
		case <-jm.ctx.Done():
			return
		case task, ok := <-jm.ready:
			if !ok {
				return
			}
			jm.runOne(task)
		}
	}
}

func (jm *InProcess) runOne(task *model.Task) {
	ctx, span := jm.tracer.Start(jm.ctx, "jobmanager.execute",
		trace.WithAttributes(
			attribute.Int64("task_id", task.ID),
			attribute.String("tool_kind", task.ToolKind),
		),
	)
	defer span.End()

	executor, ok := jm.executors[task.ToolKind]
	if !ok {
		executor, ok = jm.executors["shell"]
	}
	if !ok {
		executor = NoopExecutor{}
	}

	start := time.Now()
	profile, err := executor.Execute(ctx, task)
	jm.exitDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("tool_kind", task.ToolKind)))

	if err != nil {
		profile = map[string]any{"exit_status": -1, "error": err.Error()}
		span.RecordError(err)
	}

	jm.mu.Lock()
	delete(jm.running, task.ID)
	jm.mu.Unlock()

	task.Profile = profile

	select {
	case jm.done <- task:
	case <-jm.ctx.Done():
	}
}

// Submit implements JobManager.
func (jm *InProcess) Submit(ctx context.Context, task *model.Task) error {
	if jm.breaker != nil && !jm.breaker.Allow() {
		jm.rejectCount.Add(ctx, 1)
		return fmt.Errorf("jobmanager: drm submission circuit open, rejecting task %d", task.ID)
	}

	jm.mu.Lock()
	jm.running[task.ID] = task
	jm.mu.Unlock()

	select {
	case jm.ready <- task:
		jm.submitCount.Add(ctx, 1)
		if jm.breaker != nil {
			jm.breaker.RecordResult(true)
		}
		return nil
	default:
		jm.mu.Lock()
		delete(jm.running, task.ID)
		jm.mu.Unlock()
		if jm.breaker != nil {
			jm.breaker.RecordResult(false)
		}
		jm.rejectCount.Add(ctx, 1)
		return fmt.Errorf("jobmanager: submission queue full, rejecting task %d", task.ID)
	}
}

// RunningTasks implements JobManager.
func (jm *InProcess) RunningTasks() []*model.Task {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	out := make([]*model.Task, 0, len(jm.running))
	for _, t := range jm.running {
		out = append(out, t)
	}
	return out
}

// GetFinishedTasks implements JobManager.
func (jm *InProcess) GetFinishedTasks(ctx context.Context, atLeastOne bool) ([]*model.Task, error) {
	var out []*model.Task

	if atLeastOne {
		select {
		case t, ok := <-jm.done:
			if !ok {
				return out, nil
			}
			out = append(out, t)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for {
		select {
		case t, ok := <-jm.done:
			if !ok {
				return out, nil
			}
			out = append(out, t)
		default:
			return out, nil
		}
	}
}

// Terminate implements JobManager. Idempotent.
func (jm *InProcess) Terminate() {
	jm.once.Do(func() {
		slog.Info("jobmanager: terminating, cancelling in-flight tasks")
		jm.cancel()
	})
}

// Wait blocks until every worker goroutine has exited. Useful in tests
// and in the CLI's shutdown path after Terminate.
func (jm *InProcess) Wait() {
	jm.wg.Wait()
}
