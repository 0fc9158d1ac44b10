// Package client runs the fetch-client side of the coordination protocol: request work, render
// targets with a FetchEngine, and deliver or report the results.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/protocol"
)

// ErrAborted is returned by Run when the loop gives up.
var ErrAborted = errors.New("client aborted")

// Transport performs one request/response exchange with the coordination server.
type Transport interface {
	Do(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// EngineFactory builds a fresh fetch engine. It is called at start and after every engine crash.
type EngineFactory func() (crawler.FetchEngine, error)

// Action is the loop's decision after each step.
type Action int

// Loop actions.
const (
	ActionContinue Action = iota
	ActionRestart
	ActionAbort
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionRestart:
		return "restart"
	case ActionAbort:
		return "abort"
	case ActionTerminate:
		return "terminate"
	default:
		return "continue"
	}
}

// Config tunes the loop.
type Config struct {
	Username               string
	Password               string
	Backoff                time.Duration
	MaxConsecutiveFailures int
	BatchSize              int
	// FetchesPerMinute paces fetches; zero disables pacing.
	FetchesPerMinute float64
}

// Loop drives one fetch client.
type Loop struct {
	transport Transport
	newEngine EngineFactory
	cfg       Config
	limiter   *ratelimit.Limiter
	logger    *zap.Logger

	engine   crawler.FetchEngine
	failures int
}

// New validates cfg and returns a Loop.
func New(transport Transport, newEngine EngineFactory, cfg Config, logger *zap.Logger) (*Loop, error) {
	if transport == nil || newEngine == nil {
		return nil, errors.New("client: transport and engine factory are required")
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		transport: transport,
		newEngine: newEngine,
		cfg:       cfg,
		limiter:   ratelimit.New(ratelimit.Config{PerMinute: cfg.FetchesPerMinute}),
		logger:    logger,
	}, nil
}

// Run logs in and works until the server says TERMINATE, the loop aborts, or ctx ends.
// Cancellation is not an error.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.startEngine(ctx); err != nil {
		l.observe(ActionAbort)
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	defer l.closeEngine()

	for {
		action, err := l.step(ctx)
		if ctx.Err() != nil {
			l.logger.Info("client stopped")
			return nil
		}
		l.observe(action)
		switch action {
		case ActionTerminate:
			l.logger.Info("server reports no work left")
			return nil
		case ActionAbort:
			l.logger.Error("client aborting", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
}

// step performs one REQUEST_WORK round and handles every target granted.
func (l *Loop) step(ctx context.Context) (Action, error) {
	resp, err := l.exchange(ctx, protocol.Request{Type: protocol.RequestWork, BatchSize: l.cfg.BatchSize})
	if err != nil {
		return ActionAbort, err
	}
	switch resp.Status {
	case protocol.StatusTerminate:
		return ActionTerminate, nil
	case protocol.StatusRetry:
		l.logger.Debug("no work available, backing off", zap.Duration("backoff", l.cfg.Backoff))
		return ActionContinue, l.sleep(ctx, l.cfg.Backoff)
	case protocol.StatusOK:
	default:
		return ActionAbort, fmt.Errorf("work request rejected: %s %s", resp.Status, resp.Message)
	}
	if len(resp.TargetIDs) == 0 {
		return ActionContinue, l.sleep(ctx, l.cfg.Backoff)
	}

	for _, id := range resp.TargetIDs {
		action, err := l.handleTarget(ctx, id)
		if ctx.Err() != nil {
			return ActionContinue, ctx.Err()
		}
		switch action {
		case ActionAbort:
			return ActionAbort, err
		case ActionRestart:
			l.observe(ActionRestart)
			if err := l.restartEngine(ctx); err != nil {
				return ActionAbort, err
			}
		}
	}
	return ActionContinue, nil
}

func (l *Loop) handleTarget(ctx context.Context, id string) (Action, error) {
	logger := l.logger.With(zap.String("target_id", id))
	if err := l.limiter.Wait(ctx); err != nil {
		return ActionContinue, err
	}

	payload, fetchErr := l.engine.Fetch(ctx, id)
	if ctx.Err() != nil {
		return ActionContinue, ctx.Err()
	}
	if fetchErr == nil {
		resp, err := l.exchange(ctx, protocol.Request{Type: protocol.DeliverResult, TargetID: id, Payload: payload})
		if err != nil {
			return ActionAbort, err
		}
		if resp.Status != protocol.StatusOK {
			return ActionAbort, fmt.Errorf("delivery of %s rejected: %s %s", id, resp.Status, resp.Message)
		}
		l.failures = 0
		logger.Info("target delivered", zap.Int("bytes", payload.Size()))
		return ActionContinue, nil
	}

	kind, partial := crawler.ClassifyFetchError(fetchErr)
	if kind == crawler.FetchEngineFatal {
		logger.Warn("fetch engine crashed", zap.Error(fetchErr))
		if err := l.report(ctx, id, partial); err != nil {
			return ActionAbort, err
		}
		return ActionRestart, nil
	}

	l.failures++
	logger.Warn("fetch failed", zap.Error(fetchErr), zap.Int("consecutive_failures", l.failures))
	if l.failures >= l.cfg.MaxConsecutiveFailures {
		return ActionAbort, fmt.Errorf("%d consecutive fetch failures, last: %w", l.failures, fetchErr)
	}
	if err := l.report(ctx, id, partial); err != nil {
		return ActionAbort, err
	}
	return ActionContinue, nil
}

func (l *Loop) report(ctx context.Context, id string, partial crawler.Payload) error {
	resp, err := l.exchange(ctx, protocol.Request{Type: protocol.ReportFailure, TargetID: id, Payload: partial})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("failure report for %s rejected: %s %s", id, resp.Status, resp.Message)
	}
	return nil
}

// exchange retries transport failures until it gets an answer or ctx ends.
func (l *Loop) exchange(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	for {
		resp, err := l.transport.Do(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, protocol.ErrTransport) {
			return protocol.Response{}, err
		}
		l.logger.Warn("server unreachable, retrying",
			zap.String("request", string(req.Type)),
			zap.Duration("backoff", l.cfg.Backoff),
			zap.Error(err))
		if err := l.sleep(ctx, l.cfg.Backoff); err != nil {
			return protocol.Response{}, err
		}
	}
}

func (l *Loop) startEngine(ctx context.Context) error {
	engine, err := l.newEngine()
	if err != nil {
		return fmt.Errorf("create fetch engine: %w", err)
	}
	if err := engine.Login(ctx, l.cfg.Username, l.cfg.Password); err != nil {
		_ = engine.Close()
		return fmt.Errorf("login: %w", err)
	}
	l.engine = engine
	return nil
}

func (l *Loop) restartEngine(ctx context.Context) error {
	l.closeEngine()
	l.logger.Info("restarting fetch engine")
	return l.startEngine(ctx)
}

func (l *Loop) closeEngine() {
	if l.engine == nil {
		return
	}
	if err := l.engine.Close(); err != nil {
		l.logger.Warn("close fetch engine", zap.Error(err))
	}
	l.engine = nil
}

func (l *Loop) observe(a Action) {
	metrics.ObserveClientAction(a.String())
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
