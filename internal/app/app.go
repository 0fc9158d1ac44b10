// Package app builds the coordination server's long-lived services from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"

	gcsclient "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/capture"
	"github.com/JakeFAU/harvester/internal/capture/pgindex"
	"github.com/JakeFAU/harvester/internal/capture/sqlindex"
	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/database"
	"github.com/JakeFAU/harvester/internal/dispatcher"
	"github.com/JakeFAU/harvester/internal/extract"
	frontiermem "github.com/JakeFAU/harvester/internal/frontier/memory"
	frontierpg "github.com/JakeFAU/harvester/internal/frontier/postgres"
	frontiersqlite "github.com/JakeFAU/harvester/internal/frontier/sqlite"
	"github.com/JakeFAU/harvester/internal/graph"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/protocol"
	pubkafka "github.com/JakeFAU/harvester/internal/publisher/kafka"
	pubmem "github.com/JakeFAU/harvester/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/harvester/internal/server"
	"github.com/JakeFAU/harvester/internal/stats"
	"github.com/JakeFAU/harvester/internal/storage"
	"github.com/JakeFAU/harvester/internal/storage/gcs"
	"github.com/JakeFAU/harvester/internal/storage/local"
	storagemem "github.com/JakeFAU/harvester/internal/storage/memory"
	storagepg "github.com/JakeFAU/harvester/internal/storage/postgres"
	"github.com/JakeFAU/harvester/internal/worker"
)

// App holds the shared services of one coordination process. It is built once by the serve
// and reprocess commands and passed down explicitly.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	frontier  crawler.Frontier
	captures  *capture.Store
	entities  *storage.Fanout
	publisher crawler.Publisher
	worker    *worker.Worker
	stats     *stats.Registry
	handler   *dispatcher.Handler

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// builder carries state shared while components are constructed.
type builder struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	pool   *pgxpool.Pool
}

func (b *builder) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if b.pool != nil {
		return b.pool, nil
	}
	pool, err := database.NewPool(ctx, database.PoolConfig{
		DSN:      b.cfg.DB.DSN,
		MaxConns: b.cfg.DB.MaxConns,
		MinConns: b.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return pool, nil
}

// New builds every component named by cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	logger = logging.OrNop(logger)
	b := &builder{cfg: cfg, logger: logger, clock: system.New()}
	a = &App{cfg: cfg, logger: logger, clock: b.clock}
	defer func() {
		if err != nil {
			_ = a.Close()
			if b.pool != nil {
				b.pool.Close()
			}
		}
	}()

	logger.Info("initializing services",
		zap.String("frontier", cfg.Frontier.Provider),
		zap.String("capture_index", cfg.Capture.Index),
		zap.String("storage", cfg.Storage.Provider),
		zap.Strings("entities", cfg.Ingest.Entities),
		zap.String("publisher", cfg.Publisher.Provider))

	if a.frontier, err = b.frontier(ctx); err != nil {
		return nil, err
	}
	a.addCloser("frontier", a.frontier.Close)

	index, err := b.captureIndex(ctx)
	if err != nil {
		return nil, err
	}
	a.addCloser("capture index", index.Close)

	blobs, closeBlobs, err := b.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	if closeBlobs != nil {
		a.addCloser("blob store", closeBlobs)
	}

	a.captures, err = capture.New(blobs, index, sha256.New(), b.clock, capture.Config{
		Prefix:           cfg.Capture.Prefix,
		DiagnosticPrefix: cfg.Capture.DiagnosticPrefix,
	}, logger.Named("capture"))
	if err != nil {
		return nil, err
	}

	a.entities, err = b.entityStores(ctx)
	a.addCloser("entity stores", a.entities.Close)
	if err != nil {
		return nil, err
	}

	pub, closePub, err := b.publisher(ctx)
	if err != nil {
		return nil, err
	}
	a.publisher = pub
	if closePub != nil {
		a.addCloser("publisher", closePub)
	}

	extractor, err := b.extractor()
	if err != nil {
		return nil, err
	}

	var entities crawler.EntityStore
	if a.entities.Len() > 0 {
		entities = a.entities
	}
	a.worker = worker.New(a.frontier, a.captures, extractor, entities, a.publisher, b.clock, worker.Config{
		ExpandLanguages: cfg.Ingest.ExpandLanguages,
		Topic:           cfg.Publisher.Topic,
	}, logger.Named("worker"))

	a.stats = stats.New(b.clock)
	a.handler = dispatcher.New(a.frontier, a.captures, a.worker, a.worker.Barrier(), a.stats, dispatcher.Config{
		MaxBatchSize: cfg.Server.MaxBatchSize,
		ConnTimeout:  cfg.ConnTimeout(),
		Frame:        FrameOptions(cfg),
	}, logger.Named("dispatcher"))

	if b.pool != nil {
		pool := b.pool
		a.closers = append([]closer{{name: "postgres pool", fn: func() error { pool.Close(); return nil }}}, a.closers...)
	}
	return a, nil
}

// FrameOptions derives the wire framing limits from cfg.
func FrameOptions(cfg config.Config) protocol.FrameOptions {
	return protocol.FrameOptions{
		CompressThreshold: cfg.Server.CompressThreshold,
		MaxFrameSize:      cfg.Server.MaxFrameBytes,
	}
}

// OpenFrontier opens only the configured frontier, for commands that do not serve.
func OpenFrontier(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.Frontier, error) {
	b := &builder{cfg: cfg, logger: logging.OrNop(logger), clock: system.New()}
	f, err := b.frontier(ctx)
	if err != nil && b.pool != nil {
		b.pool.Close()
	}
	return f, err
}

func (b *builder) frontier(ctx context.Context) (crawler.Frontier, error) {
	logger := b.logger.Named("frontier")
	switch b.cfg.Frontier.Provider {
	case "sqlite":
		f, err := frontiersqlite.Open(ctx, b.cfg.Frontier.SQLitePath, b.cfg.Frontier.Table, b.clock, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite frontier: %w", err)
		}
		return f, nil
	case "postgres":
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		f, err := frontierpg.New(ctx, pool, b.cfg.Frontier.Table, b.clock, logger, false)
		if err != nil {
			return nil, fmt.Errorf("open postgres frontier: %w", err)
		}
		return f, nil
	case "memory":
		return frontiermem.New(b.clock)
	default:
		return nil, fmt.Errorf("unknown frontier provider: %s", b.cfg.Frontier.Provider)
	}
}

func (b *builder) captureIndex(ctx context.Context) (crawler.CaptureIndex, error) {
	switch b.cfg.Capture.Index {
	case "sqlite":
		idx, err := sqlindex.Open(ctx, b.cfg.Capture.SQLitePath, b.cfg.Capture.Table)
		if err != nil {
			return nil, fmt.Errorf("open sqlite capture index: %w", err)
		}
		return idx, nil
	case "postgres":
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		idx, err := pgindex.New(ctx, pool, b.cfg.Capture.Table, false)
		if err != nil {
			return nil, fmt.Errorf("open postgres capture index: %w", err)
		}
		return idx, nil
	case "memory":
		return capture.NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown capture index: %s", b.cfg.Capture.Index)
	}
}

func (b *builder) blobStore(ctx context.Context) (crawler.BlobStore, func() error, error) {
	switch b.cfg.Storage.Provider {
	case "local":
		store, err := local.New(local.Config{BaseDir: b.cfg.Storage.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open local blob store: %w", err)
		}
		return store, nil, nil
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: b.cfg.Storage.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("open gcs blob store: %w", err)
		}
		return store, client.Close, nil
	case "memory":
		return storagemem.NewBlobStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider: %s", b.cfg.Storage.Provider)
	}
}

func (b *builder) entityStores(ctx context.Context) (*storage.Fanout, error) {
	fanout := storage.NewFanout()
	for _, name := range b.cfg.Ingest.Entities {
		switch name {
		case "postgres":
			pool, err := b.postgres(ctx)
			if err != nil {
				return fanout, err
			}
			store, err := storagepg.NewProfileStore(ctx, pool, storagepg.ProfileStoreConfig{
				ProfileTable: b.cfg.DB.ProfileTable,
				FriendTable:  b.cfg.DB.FriendTable,
			}, false)
			if err != nil {
				return fanout, fmt.Errorf("open postgres profile store: %w", err)
			}
			fanout.Add(name, store)
		case "graph":
			store, err := graph.Open(ctx, graph.Config{
				URI:      b.cfg.Graph.URI,
				Username: b.cfg.Graph.Username,
				Password: b.cfg.Graph.Password,
				Database: b.cfg.Graph.Database,
			})
			if err != nil {
				return fanout, fmt.Errorf("open graph store: %w", err)
			}
			fanout.Add(name, store)
		case "memory":
			fanout.Add(name, storagemem.NewProfileStore())
		default:
			return fanout, fmt.Errorf("unknown entity store: %s", name)
		}
	}
	return fanout, nil
}

func (b *builder) publisher(ctx context.Context) (crawler.Publisher, func() error, error) {
	switch b.cfg.Publisher.Provider {
	case "", "none":
		return nil, nil, nil
	case "memory":
		return pubmem.New(), nil, nil
	case "pubsub":
		p, err := pubsubpub.Dial(ctx, b.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "kafka":
		p, err := pubkafka.New(b.cfg.Publisher.KafkaBrokers, uuid.New())
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown publisher provider: %s", b.cfg.Publisher.Provider)
	}
}

func (b *builder) extractor() (*extract.Extractor, error) {
	detector, err := extract.NewLinguaDetector(b.cfg.Ingest.CandidateLanguages)
	if err != nil {
		return nil, fmt.Errorf("build language detector: %w", err)
	}
	sel := b.cfg.Ingest
	return extract.New(extract.Selectors{
		Name:       sel.NameSelector,
		Friend:     sel.FriendSelector,
		FriendAttr: sel.FriendAttr,
		Field:      sel.FieldSelector,
		FieldAttr:  sel.FieldAttr,
		Text:       sel.TextSelector,
	}, detector)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Frontier exposes the frontier.
func (a *App) Frontier() crawler.Frontier { return a.frontier }

// Worker exposes the ingestion worker.
func (a *App) Worker() *worker.Worker { return a.worker }

// Handler exposes the coordination request handler.
func (a *App) Handler() *dispatcher.Handler { return a.handler }

// Seed adds ids to the frontier and returns how many were new.
func (a *App) Seed(ctx context.Context, ids []string) (int, error) {
	added, err := a.frontier.Enqueue(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("seed frontier: %w", err)
	}
	a.logger.Info("frontier seeded", zap.Int("submitted", len(ids)), zap.Int("added", added))
	return added, nil
}

// Serve queues unprocessed captures, then runs the coordination listener and, when enabled,
// the ops HTTP server until ctx ends. Listener bind failures are returned immediately.
func (a *App) Serve(ctx context.Context) error {
	queued, err := a.worker.Seed(ctx)
	if err != nil {
		return fmt.Errorf("queue unprocessed captures: %w", err)
	}
	a.logger.Info("unprocessed captures queued", zap.Int("count", queued))

	var reclaimer crawler.LeaseReclaimer
	if r, ok := a.frontier.(crawler.LeaseReclaimer); ok && a.cfg.LeaseTimeout() > 0 {
		reclaimer = r
	}
	srv := server.New(server.Config{
		Addr:            a.cfg.ListenAddr(),
		MaxConnections:  a.cfg.Server.MaxConnections,
		ShutdownTimeout: a.cfg.ShutdownTimeout(),
		LeaseTimeout:    a.cfg.LeaseTimeout(),
		LeaseSweep:      a.cfg.LeaseSweep(),
	}, a.handler, a.worker, reclaimer, a.clock, a.logger.Named("server"))
	if err := srv.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if a.cfg.Metrics.Enabled {
		ops := api.NewServer(a.handler, a.frontier, a.logger.Named("api"))
		addr := fmt.Sprintf(":%d", a.cfg.Metrics.Port)
		g.Go(func() error { return ops.ListenAndServe(gctx, addr) })
	}
	return g.Wait()
}

// Reprocess runs the ingestion pipeline over unprocessed captures without the listener. When
// ids are given only their captures are processed. It returns once every queued capture has
// been handled.
func (a *App) Reprocess(ctx context.Context, ids []string) (int, error) {
	queued, err := a.worker.Seed(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("queue unprocessed captures: %w", err)
	}
	a.logger.Info("reprocessing captures", zap.Int("count", queued))
	done, cancel := context.WithCancel(ctx)
	cancel()
	if err := a.worker.Run(done); err != nil {
		return queued, fmt.Errorf("reprocess: %w", err)
	}
	return queued, nil
}

// Close releases every component in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
