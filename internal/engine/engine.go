// Package engine fans a username search out across the site catalog.
//
// Each site becomes one task. A task runs the fast-path status probe and,
// unless that probe proves absence, renders the profile page in its own
// session and hands the captured artifacts to the evaluator. Tasks share an
// engine-wide pool of K slots, so at most K rendering sessions are ever live.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/handleprobe/internal/heuristic"
	"github.com/JakeFAU/handleprobe/internal/metrics"
	"github.com/JakeFAU/handleprobe/internal/probe"
	"github.com/JakeFAU/handleprobe/internal/render"
)

// Defaults applied by New when Config fields are unset.
const (
	DefaultConcurrency = 4
	DefaultTaskTimeout = 30 * time.Second
)

// Task stages reported in logs and the task duration histogram.
const (
	stageFastPath = "fastpath"
	stageRender   = "render"
	stageEvaluate = "evaluate"
	stagePanic    = "panic"
)

// Config tunes the orchestrator.
type Config struct {
	// Concurrency is the engine-wide worker pool size K.
	Concurrency int
	// TaskTimeout bounds a single site task.
	TaskTimeout time.Duration
	// SearchTimeout bounds a whole search. Zero leaves only per-task bounds.
	SearchTimeout time.Duration
	// Session is passed to every rendering session acquire.
	Session probe.SessionConfig
}

// Dependencies are the collaborators and immutable snapshots the engine runs on.
type Dependencies struct {
	Sites     []probe.Site
	Rules     probe.RuleTable
	Status    probe.StatusProber
	Sessions  probe.SessionManager
	Content   probe.ContentProber
	Evaluator probe.Evaluator
	// Tracer defaults to the global OpenTelemetry provider.
	Tracer trace.TracerProvider
}

const tracerName = "github.com/JakeFAU/handleprobe/internal/engine"

// Engine is the probe orchestrator. It is safe for concurrent searches.
type Engine struct {
	cfg       Config
	sites     []probe.Site
	rules     probe.RuleTable
	status    probe.StatusProber
	sessions  probe.SessionManager
	content   probe.ContentProber
	evaluator probe.Evaluator
	logger    *zap.Logger
	tracer    trace.Tracer

	slots      *semaphore.Weighted
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New validates the dependencies and builds an Engine. The site list is
// copied; callers that reload catalogs build a new Engine.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	if deps.Status == nil {
		return nil, errors.New("status prober is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if deps.Content == nil {
		return nil, errors.New("content prober is required")
	}
	if deps.Evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.GetTracerProvider()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		sites:      append([]probe.Site(nil), deps.Sites...),
		rules:      deps.Rules,
		status:     deps.Status,
		sessions:   deps.Sessions,
		content:    deps.Content,
		evaluator:  deps.Evaluator,
		logger:     logger,
		tracer:     deps.Tracer.Tracer(tracerName),
		slots:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Sites returns the number of sites each search fans out to.
func (e *Engine) Sites() int {
	return len(e.sites)
}

type taskResult struct {
	decision probe.Decision
	stage    string
	err      error
}

// SearchUsername probes every site for the username and returns the URLs
// with a Found verdict, in no particular order. Per-site failures,
// timeouts and inconclusive verdicts are logged and omitted.
func (e *Engine) SearchUsername(ctx context.Context, username string) ([]string, error) {
	if e.isClosed() {
		return nil, probe.ErrEngineUnavailable
	}
	username = strings.TrimSpace(username)
	if username == "" {
		metrics.ObserveSearch("invalid")
		return nil, fmt.Errorf("%w: username must not be blank", probe.ErrInvalidInput)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopLink := context.AfterFunc(e.baseCtx, cancel)
	defer stopLink()
	if e.cfg.SearchTimeout > 0 {
		var cancelSearch context.CancelFunc
		ctx, cancelSearch = context.WithTimeout(ctx, e.cfg.SearchTimeout)
		defer cancelSearch()
	}

	searchID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "handleprobe.search", trace.WithAttributes(
		attribute.String("search_id", searchID),
		attribute.Int("sites", len(e.sites)),
	))
	defer span.End()
	logger := e.logger.With(zap.String("search_id", searchID), zap.String("username", username))
	logger.Info("search started", zap.Int("sites", len(e.sites)))
	start := time.Now()

	var (
		mu    sync.Mutex
		found = make([]string, 0)
	)
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, site := range e.sites {
		task := probe.Task{
			ID:       uuid.NewString(),
			Username: username,
			Site:     site,
			URL:      probe.BuildURL(site.URLPattern, username),
		}
		g.Go(func() error {
			res, ok := e.runTask(ctx, task, logger)
			if ok && res.err == nil && res.decision.Verdict == probe.VerdictFound {
				mu.Lock()
				found = append(found, task.URL)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("found", len(found)))

	switch {
	case e.isClosed():
		metrics.ObserveSearch("aborted")
		span.SetStatus(codes.Error, "engine closed")
		logger.Warn("search aborted by engine shutdown", zap.Int("found", len(found)))
		return found, probe.ErrEngineUnavailable
	case parent.Err() != nil:
		metrics.ObserveSearch("canceled")
		span.SetStatus(codes.Error, "canceled")
		logger.Warn("search canceled", zap.Int("found", len(found)), zap.Error(parent.Err()))
		return found, fmt.Errorf("search canceled: %w", parent.Err())
	case ctx.Err() != nil:
		metrics.ObserveSearch("timeout")
		logger.Warn("search deadline reached", zap.Int("found", len(found)))
	default:
		metrics.ObserveSearch("ok")
	}
	logger.Info("search finished",
		zap.Int("found", len(found)),
		zap.Duration("duration", time.Since(start)),
	)
	return found, nil
}

// runTask holds a pool slot for the lifetime of the task. The orchestrator
// stops waiting at the task deadline, but the slot and any session are only
// released when the task goroutine itself returns.
func (e *Engine) runTask(ctx context.Context, task probe.Task, searchLogger *zap.Logger) (taskResult, bool) {
	logger := searchLogger.With(
		zap.String("task_id", task.ID),
		zap.String("site", task.Site.Name),
		zap.String("url", task.URL),
	)
	if err := e.slots.Acquire(ctx, 1); err != nil {
		logger.Debug("task skipped, no slot before deadline", zap.Error(err))
		return taskResult{}, false
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		e.slots.Release(1)
		return taskResult{}, false
	}
	e.inflight.Add(1)
	e.mu.RUnlock()

	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	done := make(chan taskResult, 1)
	go func() {
		defer e.inflight.Done()
		defer e.slots.Release(1)
		defer cancel()
		done <- e.execute(taskCtx, task, logger)
	}()

	select {
	case res := <-done:
		return res, true
	case <-taskCtx.Done():
		select {
		case res := <-done:
			return res, true
		default:
		}
		metrics.IncAbandoned()
		logger.Warn("task abandoned", zap.Duration("timeout", e.cfg.TaskTimeout), zap.Error(taskCtx.Err()))
		return taskResult{}, false
	}
}

func (e *Engine) execute(ctx context.Context, task probe.Task, logger *zap.Logger) (res taskResult) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "handleprobe.task", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("site", task.Site.Name),
	))
	res.stage = stageFastPath
	defer func() {
		if r := recover(); r != nil {
			res = taskResult{stage: stagePanic, err: fmt.Errorf("task panic: %v", r)}
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		metrics.ObserveTask(res.stage, time.Since(start))
		span.SetAttributes(attribute.String("stage", res.stage))
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		} else {
			span.SetAttributes(
				attribute.String("verdict", string(res.decision.Verdict)),
				attribute.String("rule", res.decision.Rule),
			)
		}
		span.End()
	}()

	status := e.status.ProbeStatus(ctx, task.URL)
	if status.Err != nil {
		logger.Debug("fast path failed", zap.Error(status.Err))
	}
	if status.Verdict == probe.VerdictNotFound {
		res.decision = probe.Decision{Verdict: probe.VerdictNotFound, Rule: heuristic.RuleStatus}
		e.observe(logger, res.decision, zap.Int("status", status.StatusCode))
		return res
	}
	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	res.stage = stageRender
	var artifacts probe.Artifacts
	err := render.WithSession(ctx, e.sessions, e.cfg.Session, func(session probe.Session) error {
		var probeErr error
		artifacts, probeErr = e.content.ProbeContent(ctx, session, task.Site, task.URL)
		return probeErr
	})
	if err != nil {
		res.err = err
		logger.Warn("content probe failed", zap.Error(err))
		return res
	}

	res.stage = stageEvaluate
	decision := e.evaluator.Evaluate(task.Site, task.Username, artifacts)
	res.decision = heuristic.ApplyDefault(decision, e.rules.For(task.Site.Name))
	e.observe(logger, res.decision, zap.String("final_url", artifacts.FinalURL))
	return res
}

func (e *Engine) observe(logger *zap.Logger, d probe.Decision, fields ...zap.Field) {
	metrics.ObserveVerdict(string(d.Verdict), d.Rule)
	fields = append(fields, zap.String("verdict", string(d.Verdict)), zap.String("rule", d.Rule))
	if d.Verdict == probe.VerdictFound {
		logger.Info("account found", fields...)
		return
	}
	logger.Debug("site decided", fields...)
}

// Ready reports probe.ErrEngineUnavailable once Close has begun.
func (e *Engine) Ready() error {
	if e.isClosed() {
		return probe.ErrEngineUnavailable
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close cancels outstanding searches, waits for in-flight tasks until ctx
// expires, then force-closes the session manager when it supports closing.
// Later searches fail with probe.ErrEngineUnavailable. Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.baseCancel()

		drained := make(chan struct{})
		go func() {
			e.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			e.logger.Warn("shutdown grace period expired, forcing session teardown", zap.Error(ctx.Err()))
		}

		if closer, ok := e.sessions.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				e.closeErr = fmt.Errorf("close session manager: %w", err)
			}
		}
		e.logger.Info("engine closed")
	})
	return e.closeErr
}
