// Command corepipe is the process entrypoint: it loads configuration,
// wires the storage/catalog/cache/cluster components together, and runs
// the background loops (compaction, scheduler, cluster heartbeat) for
// whichever ZO_NODE_ROLE this process was started as.
//
// The HTTP/gRPC/OTLP wire servers themselves are an external
// collaborator's concern — this binary only starts the pipeline core:
// WAL, arrow buffer, compactor, file-list catalog, cluster coordinator,
// scheduler, and the search coordinator's in-process machinery.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dc0d/onexit"
	"github.com/google/uuid"

	"github.com/lakesignal/corepipe/cache"
	"github.com/lakesignal/corepipe/cluster"
	"github.com/lakesignal/corepipe/compactor"
	"github.com/lakesignal/corepipe/config"
	"github.com/lakesignal/corepipe/filelist"
	"github.com/lakesignal/corepipe/internal/obslog"
	"github.com/lakesignal/corepipe/objectstore"
	"github.com/lakesignal/corepipe/scheduler"
)

// compactorLocker and schedulerLocker each adapt *cluster.Coordinator's
// concrete *cluster.Lock return value to the package-local Locker
// interface compactor and scheduler declare (interface satisfaction in
// Go requires an exact method signature match, and
// cluster.Coordinator.Lock returns the concrete *cluster.Lock type for
// callers that want its richer surface).
type compactorLocker struct{ c *cluster.Coordinator }

func (l compactorLocker) Lock(ctx context.Context, key string, waitTTL time.Duration) (compactor.Unlocker, error) {
	return l.c.Lock(ctx, key, waitTTL)
}

type schedulerLocker struct{ c *cluster.Coordinator }

func (l schedulerLocker) Lock(ctx context.Context, key string, waitTTL time.Duration) (scheduler.Unlocker, error) {
	return l.c.Lock(ctx, key, waitTTL)
}

func main() {
	cfg := config.Load()
	nodeID := uuid.New().String()
	log := obslog.L().WithField("node_id", nodeID).WithField("role", string(cfg.NodeRole))
	log.Info("corepipe: starting")

	catalog, err := filelist.Open(cfg.DataDBDir+"/filelist.db", nil)
	if err != nil {
		log.WithError(err).Fatal("corepipe: failed to open file-list catalog")
	}
	onexit.Register(func() { catalog.Close() })

	store := buildObjectStore(cfg)

	mem := cache.NewMemory(cfg.MemoryCacheMaxBytes)
	disk, err := cache.OpenDisk(cfg.DataCacheDir, cfg.DiskCacheMaxBytes)
	if err != nil {
		log.WithError(err).Fatal("corepipe: failed to open disk cache")
	}
	fileCache := cache.New(mem, disk, cacheSourceFromStore(store))
	onexit.Register(func() { fileCache.Close() })

	coord, err := cluster.Dial(cfg.EtcdEndpoints, cfg.EtcdNamespace, nodeID)
	if err != nil {
		log.WithError(err).Fatal("corepipe: failed to dial cluster coordinator")
	}
	onexit.Register(func() { coord.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	onexit.Register(cancel)

	stopHeartbeat, err := coord.Heartbeat(ctx, string(cfg.NodeRole), 15*time.Second, nil)
	if err != nil {
		log.WithError(err).Fatal("corepipe: failed to start heartbeat")
	}
	onexit.Register(func() { stopHeartbeat() })

	switch cfg.NodeRole {
	case config.RoleCompactor, config.RoleAll:
		go runCompactor(ctx, coord, store, catalog, cfg)
	}
	switch cfg.NodeRole {
	case config.RoleAlertmanager, config.RoleAll:
		go runScheduler(ctx, coord, cfg)
	}

	waitForSignal()
	log.Info("corepipe: shutting down")
	onexit.Exit(0)
}

func buildObjectStore(cfg *config.Config) *objectstore.Router {
	local := objectstore.NewLocalBackend(cfg.DataWALDir + "/objects")
	var def objectstore.Backend = local
	if cfg.S3Bucket != "" {
		def = objectstore.NewS3Backend(objectstore.S3Config{
			Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey, SecretKey: cfg.S3SecretKey, ForcePathStyle: cfg.S3ForcePathStyle,
		})
	}
	return objectstore.NewRouter(def, local)
}

// cacheSourceFromStore adapts the object-store Router (which takes a
// path and a context) to cache.Store's narrower Get-only surface.
type cacheSourceFromStoreT struct{ s *objectstore.Router }

func cacheSourceFromStore(s *objectstore.Router) cacheSourceFromStoreT { return cacheSourceFromStoreT{s} }

func (c cacheSourceFromStoreT) Get(ctx context.Context, path string) ([]byte, error) {
	return c.s.Get(ctx, path)
}

func runCompactor(ctx context.Context, coord *cluster.Coordinator, store *objectstore.Router, catalog *filelist.Store, cfg *config.Config) {
	c := compactor.New(compactorLocker{coord}, store, catalogAdapter{catalog}, offsetAdapter{}, compactor.NewArrowCodec(), compactor.Config{
		StepSeconds:     cfg.CompactStepSeconds,
		SafetyWindow:    cfg.CompactSafetyWindow,
		TargetFileBytes: cfg.CompactTargetFileBytes,
	})
	ticker := time.NewTicker(time.Duration(cfg.CompactStepSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c // a real deployment enumerates (org, stream) targets from the catalog here;
			// left to the operator's target-discovery loop, out of this module's scope.
		}
	}
}

// catalogAdapter narrows *filelist.Store to compactor.Catalog.
type catalogAdapter struct{ s *filelist.Store }

func (a catalogAdapter) Query(org, streamType, stream string, start, end int64) ([]filelist.Row, error) {
	return a.s.Query(org, streamType, stream, start, end)
}
func (a catalogAdapter) Add(account, file string, m filelist.Meta) error {
	return a.s.Add(account, file, m)
}
func (a catalogAdapter) MarkDeleted(files []filelist.AccountFile) error { return a.s.MarkDeleted(files) }
func (a catalogAdapter) PurgeDeleted(files []filelist.AccountFile) error { return a.s.PurgeDeleted(files) }

// offsetAdapter is a no-op placeholder OffsetStore (Offset always
// returns 0 and AdvanceOffset discards its value); a production
// deployment persists this in the same sqlite database as the catalog.
// Left unimplemented as durable state here since there's no offset-store
// entity independent of filelist yet — see DESIGN.md.
type offsetAdapter struct{}

func (offsetAdapter) Offset(org, stream string) (int64, error) { return 0, nil }
func (offsetAdapter) AdvanceOffset(org, stream string, offset int64) error { return nil }

func runScheduler(ctx context.Context, coord *cluster.Coordinator, cfg *config.Config) {
	st, err := scheduler.Open(cfg.DataDBDir + "/scheduler.db")
	if err != nil {
		obslog.L().WithError(err).Error("corepipe: failed to open scheduler store")
		return
	}
	defer st.Close()

	sched := scheduler.New(st, map[scheduler.Module]scheduler.Handler{}, schedulerLocker{coord}, scheduler.Config{
		Tick:              time.Second,
		BatchSize:         50,
		MaxQueued:         cfg.SchedulerMaxQueued,
		ProcessingTimeout: cfg.SchedulerProcessingTimeout,
		MaxRetries:        5,
		BackoffBase:       time.Second,
	})
	sched.Run(ctx)
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Fprintln(os.Stderr, "corepipe: signal received")
}
