// Package worker implements the capture ingestion loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/queue/memory"
)

// Config controls Worker behavior.
type Config struct {
	// ExpandLanguages lists the languages whose friends are added to the frontier.
	// Empty expands every profile.
	ExpandLanguages []string
	// Topic receives an IngestEvent per processed capture. Empty disables publishing.
	Topic string
}

// Worker consumes capture handles and runs Load, Extract, persist, enqueue and MarkProcessed.
type Worker struct {
	queue     *memory.Queue
	barrier   *Barrier
	frontier  crawler.Frontier
	captures  crawler.CaptureStore
	extractor crawler.Extractor
	entities  crawler.EntityStore
	publisher crawler.Publisher
	clock     crawler.Clock
	ids       *uuid.Generator
	expand    map[string]struct{}
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher and entities may be nil.
func New(
	frontier crawler.Frontier,
	captures crawler.CaptureStore,
	extractor crawler.Extractor,
	entities crawler.EntityStore,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	expand := make(map[string]struct{}, len(cfg.ExpandLanguages))
	for _, lang := range cfg.ExpandLanguages {
		if lang = strings.ToLower(strings.TrimSpace(lang)); lang != "" {
			expand[lang] = struct{}{}
		}
	}
	return &Worker{
		queue:     memory.NewQueue(),
		barrier:   &Barrier{},
		frontier:  frontier,
		captures:  captures,
		extractor: extractor,
		entities:  entities,
		publisher: publisher,
		clock:     clock,
		ids:       uuid.New(),
		expand:    expand,
		cfg:       cfg,
		logger:    logger,
	}
}

// Barrier returns the barrier shared with the dispatcher.
func (w *Worker) Barrier() *Barrier {
	return w.barrier
}

// Submit queues a stored capture for ingestion.
func (w *Worker) Submit(ctx context.Context, h crawler.CaptureHandle) error {
	if err := w.queue.Enqueue(ctx, h); err != nil {
		return fmt.Errorf("submit %s: %w", h.TargetID, err)
	}
	metrics.SetIngestPending(w.queue.Pending())
	return nil
}

// PendingCount returns queued handles plus the one being processed, if any.
func (w *Worker) PendingCount() int {
	return w.queue.Pending()
}

// Seed queues every unprocessed capture. When only is non-empty, captures for other targets are
// skipped.
func (w *Worker) Seed(ctx context.Context, only ...string) (int, error) {
	handles, err := w.captures.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read unprocessed captures: %w", err)
	}
	var filter map[string]struct{}
	if len(only) > 0 {
		filter = make(map[string]struct{}, len(only))
		for _, id := range only {
			filter[id] = struct{}{}
		}
	}
	n := 0
	for _, h := range handles {
		if filter != nil {
			if _, ok := filter[h.TargetID]; !ok {
				continue
			}
		}
		if err := w.Submit(ctx, h); err != nil {
			return n, err
		}
		n++
	}
	w.logger.Info("seeded ingestion queue", zap.Int("captures", n))
	return n, nil
}

// Run processes handles until ctx is cancelled and the queue has drained. An item already
// dequeued is always finished.
func (w *Worker) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.queue.Close)
	defer stop()

	work := context.WithoutCancel(ctx)
	for {
		h, err := w.queue.Dequeue(work)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) {
				w.logger.Info("ingestion worker drained")
				return nil
			}
			return fmt.Errorf("dequeue capture: %w", err)
		}
		w.process(work, h)
	}
}

func (w *Worker) process(ctx context.Context, h crawler.CaptureHandle) {
	logger := w.logger.With(zap.String("target_id", h.TargetID), zap.String("blob_uri", h.BlobURI))
	defer func() {
		_ = w.barrier.Handoff(func() error {
			w.queue.Done()
			return nil
		})
		metrics.SetIngestPending(w.queue.Pending())
	}()

	record, err := w.captures.Load(ctx, h)
	if err != nil {
		logger.Error("load capture failed", zap.Error(err))
		metrics.ObserveIngest("load_failed")
		return
	}

	profile, err := w.extractor.Extract(ctx, record)
	if err != nil {
		logger.Error("extract profile failed", zap.Error(err))
		metrics.ObserveIngest("extract_failed")
		return
	}
	if profile.ID == "" {
		profile.ID = record.TargetID
	}
	if profile.CapturedAt.IsZero() {
		profile.CapturedAt = record.CapturedAt
	}

	if w.entities != nil {
		if err := w.entities.SaveProfile(ctx, profile); err != nil {
			logger.Error("persist profile failed", zap.Error(err))
			metrics.ObserveIngest("persist_failed")
			return
		}
	}

	friends := profile.FriendIDs()
	enqueued := 0
	if len(friends) > 0 && w.shouldExpand(profile.Language) {
		err := w.barrier.Handoff(func() error {
			n, err := w.frontier.Enqueue(ctx, friends)
			enqueued = n
			return err
		})
		if err != nil {
			logger.Error("enqueue friends failed", zap.Int("friends", len(friends)), zap.Error(err))
			metrics.ObserveIngest("enqueue_failed")
			return
		}
		metrics.ObserveDiscovered(enqueued)
	}

	if err := w.captures.MarkProcessed(ctx, h); err != nil {
		logger.Error("mark processed failed", zap.Error(err))
		metrics.ObserveIngest("mark_failed")
		return
	}
	metrics.ObserveIngest("ok")
	logger.Debug("capture ingested",
		zap.String("language", profile.Language),
		zap.Int("friends_found", len(friends)),
		zap.Int("friends_enqueued", enqueued),
	)

	w.publishEvent(ctx, crawler.IngestEvent{
		TargetID:        profile.ID,
		Language:        profile.Language,
		FriendsFound:    len(friends),
		FriendsEnqueued: enqueued,
		ProcessedAt:     w.clock.Now(),
	}, logger)
}

func (w *Worker) shouldExpand(language string) bool {
	if len(w.expand) == 0 {
		return true
	}
	_, ok := w.expand[strings.ToLower(language)]
	return ok
}

func (w *Worker) publishEvent(ctx context.Context, event crawler.IngestEvent, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	event.EventID = w.ids.MustID()
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish ingest event failed", zap.Error(err))
		return
	}
	logger.Debug("ingest event published", zap.String("message_id", id))
}
