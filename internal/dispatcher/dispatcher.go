// Package dispatcher answers coordination requests from fetch clients.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/protocol"
	"github.com/JakeFAU/harvester/internal/stats"
	"github.com/JakeFAU/harvester/internal/worker"
)

// Backlog is the ingestion side of a delivery.
type Backlog interface {
	Submit(ctx context.Context, h crawler.CaptureHandle) error
	PendingCount() int
}

// Config tunes request handling.
type Config struct {
	// MaxBatchSize caps REQUEST_WORK batches. Larger requests are clamped.
	MaxBatchSize int
	// ConnTimeout bounds one request/response exchange. Zero disables the deadline.
	ConnTimeout time.Duration
	Frame       protocol.FrameOptions
}

// Handler implements the coordination request semantics.
type Handler struct {
	frontier crawler.Frontier
	captures crawler.CaptureStore
	backlog  Backlog
	barrier  *worker.Barrier
	stats    *stats.Registry
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Handler. barrier must be the one shared with the ingestion worker.
func New(
	frontier crawler.Frontier,
	captures crawler.CaptureStore,
	backlog Backlog,
	barrier *worker.Barrier,
	registry *stats.Registry,
	cfg Config,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	return &Handler{
		frontier: frontier,
		captures: captures,
		backlog:  backlog,
		barrier:  barrier,
		stats:    registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// ServeConn reads one request from conn, answers it and closes conn.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	origin := stats.Origin(conn.RemoteAddr())
	logger := h.logger.With(zap.String("origin", origin))

	if h.cfg.ConnTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(h.cfg.ConnTimeout))
	}

	var req protocol.Request
	if err := protocol.ReadFrame(conn, &req, h.cfg.Frame); err != nil {
		if errors.Is(err, protocol.ErrProtocol) {
			logger.Warn("malformed request", zap.Error(err))
			metrics.ObserveRequest("MALFORMED", string(protocol.StatusError), 0)
			h.reply(conn, protocol.Errorf("malformed request: %v", err), logger)
			return
		}
		logger.Warn("read request failed", zap.Error(err))
		return
	}

	resp := h.Handle(ctx, origin, req)
	h.reply(conn, resp, logger)
}

func (h *Handler) reply(conn net.Conn, resp protocol.Response, logger *zap.Logger) {
	if err := protocol.WriteFrame(conn, resp, h.cfg.Frame); err != nil {
		logger.Warn("write response failed", zap.String("status", string(resp.Status)), zap.Error(err))
	}
}

// Handle answers req on behalf of origin. Invalid requests get ERROR and change nothing.
func (h *Handler) Handle(ctx context.Context, origin string, req protocol.Request) protocol.Response {
	start := time.Now()
	resp := h.handle(ctx, origin, req)
	resp.RequestID = req.RequestID
	metrics.ObserveRequest(string(req.Type), string(resp.Status), time.Since(start))
	return resp
}

func (h *Handler) handle(ctx context.Context, origin string, req protocol.Request) protocol.Response {
	logger := h.logger.With(
		zap.String("origin", origin),
		zap.String("request_type", string(req.Type)),
		zap.String("request_id", req.RequestID),
	)
	if err := req.Validate(); err != nil {
		logger.Warn("rejecting request", zap.Error(err))
		return protocol.Errorf("%v", err)
	}
	if req.Type == protocol.RequestStatistics {
		return h.statistics(ctx, logger)
	}

	h.stats.Touch(origin)
	switch req.Type {
	case protocol.RequestWork:
		return h.requestWork(ctx, req, logger)
	case protocol.DeliverResult:
		return h.deliverResult(ctx, origin, req, logger)
	case protocol.ReportFailure:
		return h.reportFailure(ctx, origin, req, logger)
	default:
		return protocol.Errorf("unsupported request type %q", req.Type)
	}
}

func (h *Handler) statistics(ctx context.Context, logger *zap.Logger) protocol.Response {
	snap, err := h.Statistics(ctx)
	if err != nil {
		logger.Error("statistics unavailable", zap.Error(err))
		return protocol.Errorf("statistics unavailable")
	}
	return protocol.Response{Status: protocol.StatusOK, Statistics: &snap}
}

// Statistics returns a snapshot of server, frontier and per-client counters.
func (h *Handler) Statistics(ctx context.Context) (crawler.ServerStatistics, error) {
	counts, err := h.frontier.Counts(ctx)
	if err != nil {
		return crawler.ServerStatistics{}, fmt.Errorf("count frontier: %w", err)
	}
	metrics.SetFrontier(counts)
	return h.stats.Snapshot(h.backlog.PendingCount(), counts), nil
}

func (h *Handler) requestWork(ctx context.Context, req protocol.Request, logger *zap.Logger) protocol.Response {
	n := min(req.BatchSize, h.cfg.MaxBatchSize)
	targets, err := h.frontier.ReserveNext(ctx, n)
	if err != nil {
		logger.Error("reserve targets failed", zap.Error(err))
		return protocol.Errorf("reserve failed")
	}
	if len(targets) > 0 {
		ids := make([]string, len(targets))
		for i, t := range targets {
			ids[i] = t.ID
		}
		metrics.ObserveReserved(len(ids))
		logger.Info("reserved targets", zap.Strings("target_ids", ids))
		return protocol.Response{Status: protocol.StatusOK, TargetIDs: ids}
	}

	var (
		counts  crawler.StateCounts
		pending int
	)
	err = h.barrier.Settled(func() error {
		var err error
		counts, err = h.frontier.Counts(ctx)
		pending = h.backlog.PendingCount()
		return err
	})
	if err != nil {
		logger.Error("count frontier failed", zap.Error(err))
		return protocol.Response{Status: protocol.StatusRetry, Message: "frontier unavailable"}
	}
	metrics.SetFrontier(counts)
	if counts.Pending == 0 && counts.Reserved == 0 && pending == 0 {
		logger.Info("frontier exhausted, asking client to terminate")
		return protocol.Response{Status: protocol.StatusTerminate}
	}
	logger.Debug("no work available, asking client to retry",
		zap.Int("reserved", counts.Reserved),
		zap.Int("ingest_pending", pending),
	)
	return protocol.Response{Status: protocol.StatusRetry}
}

func (h *Handler) deliverResult(
	ctx context.Context,
	origin string,
	req protocol.Request,
	logger *zap.Logger,
) protocol.Response {
	logger = logger.With(zap.String("target_id", req.TargetID))
	handle, err := h.captures.Write(ctx, req.TargetID, req.Payload)
	if err != nil {
		logger.Error("store capture failed", zap.Error(err))
		metrics.ObserveDelivery("storage_error")
		return protocol.Errorf("capture not stored")
	}

	err = h.barrier.Handoff(func() error {
		if err := h.frontier.MarkCrawled(ctx, req.TargetID); err != nil {
			return fmt.Errorf("mark crawled: %w", err)
		}
		if err := h.backlog.Submit(ctx, handle); err != nil {
			// The capture stays unprocessed in the index and is picked up on the next start.
			logger.Warn("submit capture failed", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		logger.Error("delivery rejected", zap.Error(err))
		metrics.ObserveDelivery("rejected")
		return protocol.Errorf("delivery rejected: %v", err)
	}

	h.stats.RecordCompleted(origin)
	metrics.ObserveDelivery("crawled")
	logger.Info("capture delivered", zap.Int("bytes", req.Payload.Size()), zap.String("blob_uri", handle.BlobURI))
	return protocol.Response{Status: protocol.StatusOK}
}

func (h *Handler) reportFailure(
	ctx context.Context,
	origin string,
	req protocol.Request,
	logger *zap.Logger,
) protocol.Response {
	logger = logger.With(zap.String("target_id", req.TargetID))
	if len(req.Payload) > 0 {
		if uri, err := h.captures.WriteDiagnostic(ctx, req.TargetID, req.Payload); err != nil {
			logger.Warn("archive partial capture failed", zap.Error(err))
		} else {
			logger.Info("archived partial capture", zap.String("blob_uri", uri))
		}
	}

	if err := h.frontier.MarkFailed(ctx, req.TargetID); err != nil {
		logger.Error("mark failed rejected", zap.Error(err))
		metrics.ObserveDelivery("rejected")
		return protocol.Errorf("failure report rejected: %v", err)
	}

	h.stats.RecordFailed(origin)
	metrics.ObserveDelivery("failed")
	logger.Info("target failed")
	return protocol.Response{Status: protocol.StatusOK}
}
