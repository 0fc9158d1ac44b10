// Package server runs the coordination listener, the ingestion worker and the optional lease
// sweeper as one unit with an ordered shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// ConnHandler answers one connection and closes it.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Runner is a long-running component that drains before returning once ctx ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Config controls the listener and shutdown.
type Config struct {
	Addr            string
	MaxConnections  int
	ShutdownTimeout time.Duration
	// LeaseTimeout returns reservations older than this to Pending. Zero disables the sweeper.
	LeaseTimeout time.Duration
	LeaseSweep   time.Duration
}

// Server accepts coordination connections.
type Server struct {
	cfg       Config
	handler   ConnHandler
	worker    Runner
	reclaimer crawler.LeaseReclaimer
	clock     crawler.Clock
	logger    *zap.Logger

	mu sync.Mutex
	ln net.Listener
}

// New constructs a Server. reclaimer may be nil.
func New(
	cfg Config,
	handler ConnHandler,
	worker Runner,
	reclaimer crawler.LeaseReclaimer,
	clock crawler.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.LeaseSweep <= 0 {
		cfg.LeaseSweep = cfg.LeaseTimeout / 2
	}
	return &Server{
		cfg:       cfg,
		handler:   handler,
		worker:    worker,
		reclaimer: reclaimer,
		clock:     clock,
		logger:    logger,
	}
}

// Listen binds the listener. Run calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run serves until ctx ends. Shutdown stops accepting, waits for open connections, then cancels
// the worker and waits for it to drain. Each wait is bounded by ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("coordination server listening", zap.String("addr", s.Addr().String()))

	workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorker()
	workerDone := make(chan error, 1)
	go func() { workerDone <- s.worker.Run(workerCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serve(gctx) })
	if s.reclaimer != nil && s.cfg.LeaseTimeout > 0 {
		g.Go(func() error {
			s.sweep(gctx)
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info("stopping ingestion worker")
	cancelWorker()
	select {
	case werr := <-workerDone:
		if werr != nil {
			s.logger.Error("ingestion worker stopped with error", zap.Error(werr))
			err = errors.Join(err, werr)
		}
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("ingestion worker did not drain before shutdown timeout")
	}
	s.logger.Info("coordination server stopped")
	return err
}

func (s *Server) serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	sem := semaphore.NewWeighted(int64(s.cfg.MaxConnections))
	connCtx := context.WithoutCancel(ctx)
	var conns sync.WaitGroup
	var serveErr error

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		conn, err := ln.Accept()
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("listener closed: %w", err)
				break
			}
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			defer sem.Release(1)
			s.handler.ServeConn(connCtx, conn)
		}()
	}

	done := make(chan struct{})
	go func() {
		conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("open connections did not finish before shutdown timeout")
	}
	return serveErr
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LeaseSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.reclaimer.ReclaimExpired(ctx, s.clock.Now().Add(-s.cfg.LeaseTimeout))
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("lease sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				s.logger.Info("reclaimed expired reservations", zap.Int("targets", n))
			}
		}
	}
}
