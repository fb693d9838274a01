// Command vaultfsd starts the storage engine: it loads configuration,
// wires IdMap, BufferPool, MetaCache, PathArena, FolderStore, FileStore,
// TrashStore, ShareStore, and SearchIndex into a Coordinator, and runs
// until it receives SIGINT or SIGTERM. Grounded on the teacher's
// cmd/dittofs main (signal.Notify-based graceful shutdown, a cancellable
// root context handed to every long-running component).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/pkg/bufpool"
	"github.com/vaultfs/vaultfs/pkg/config"
	"github.com/vaultfs/vaultfs/pkg/coordinator"
	"github.com/vaultfs/vaultfs/pkg/filestore"
	"github.com/vaultfs/vaultfs/pkg/folderstore"
	"github.com/vaultfs/vaultfs/pkg/idmap"
	idmapbadger "github.com/vaultfs/vaultfs/pkg/idmap/badger"
	"github.com/vaultfs/vaultfs/pkg/metacache"
	"github.com/vaultfs/vaultfs/pkg/metrics"
	"github.com/vaultfs/vaultfs/pkg/patharena"
	"github.com/vaultfs/vaultfs/pkg/searchindex"
	"github.com/vaultfs/vaultfs/pkg/sharestore"
	"github.com/vaultfs/vaultfs/pkg/trashstore"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults to ~/.config/vaultfs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("vaultfs storage engine starting, root=%s", cfg.Storage.Root)

	ids, err := openIdMap(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open id map: %v", err)
	}
	defer func() { _ = ids.Close(context.Background()) }()

	cache := metacache.New(cfg.Storage.MetaCache.TTL, cfg.Storage.MetaCache.SweepInterval, 64)
	defer cache.Close()

	arena := patharena.New(cfg.Storage.Root)
	pool := bufpool.New(cfg.Storage.BufferPool.SizeClasses, cfg.Storage.BufferPool.MaxFreePerClass)

	folders := folderstore.New(ids, cache, arena)

	thresh := filestore.Thresholds{
		SmallMax:         cfg.Storage.FileStore.SmallFileThreshold,
		MediumMax:        cfg.Storage.FileStore.MediumFileThreshold,
		LargeChunkSize:   4 << 20,
		LargeParallelism: cfg.Storage.FileStore.LargeFileParallelism,
		SmallTimeout:     cfg.Storage.FileStore.OperationTimeout,
		MediumTimeout:    cfg.Storage.FileStore.OperationTimeout,
	}
	files := filestore.New(ids, cache, arena, pool, thresh)

	trash, err := trashstore.Open(ctx, filepath.Join(cfg.Storage.Root, ".trash", "trash_index.json"),
		trashstore.Config{
			RetentionPeriod: cfg.Storage.TrashStore.RetentionPeriod,
			ScanInterval:    cfg.Storage.TrashStore.ScanInterval,
			ScanBatchSize:   cfg.Storage.TrashStore.ScanBatchSize,
			DryRun:          cfg.Storage.TrashStore.DryRun,
		},
		ids, arena,
		func(ctx context.Context, e *trashstore.Entry) error {
			if e.IsFolder {
				return folders.DeletePhysical(ctx, e.ItemID)
			}
			return files.DeletePhysical(ctx, e.ItemID)
		},
		func(ctx context.Context, folderID string) bool {
			_, err := folders.Get(ctx, folderID)
			return err == nil
		},
		func(ctx context.Context, ownerUserID string) (string, string, error) {
			home, err := folders.CreateRoot(ctx, ownerUserID)
			if err != nil {
				return "", "", err
			}
			p, err := folders.Path(ctx, home.ID)
			if err != nil {
				return "", "", err
			}
			return home.ID, p, nil
		})
	if err != nil {
		log.Fatalf("failed to open trash store: %v", err)
	}
	trash.Start()
	defer func() { _ = trash.Stop(context.Background()) }()

	shares, err := sharestore.Open(ctx, filepath.Join(cfg.Storage.Root, ".shares", "shares.bin"), trash.IsTrashed)
	if err != nil {
		log.Fatalf("failed to open share store: %v", err)
	}

	index := searchindex.New(cfg.Storage.SearchIndex.ResultCacheTTL, cfg.Storage.SearchIndex.MaxResultCacheEntries)

	coord := coordinator.New(folders, files, trash, shares, index)
	coord.SetUploadRateLimit(cfg.Server.UploadRateLimit.RequestsPerSecond, cfg.Server.UploadRateLimit.Burst)
	coord.SetShareFolderWritePolicy(cfg.Storage.ShareStore.AllowFolderWrite)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		files.SetMetrics(metrics.NewFileStoreMetrics())
		trash.SetMetrics(metrics.NewTrashMetrics())
		shares.SetMetrics(metrics.NewShareMetrics())
		index.SetMetrics(metrics.NewSearchMetrics())

		port := metricsPort(cfg.Metrics.Address)
		srv := metrics.NewServer(metrics.ServerConfig{Port: port})
		go func() {
			if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("metrics server error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("vaultfs storage engine is running. Press Ctrl+C to stop.")
	<-sigCh
	logger.Info("shutdown signal received, stopping background workers...")
	cancel()
}

// metricsPort extracts the TCP port from a "host:port" address, falling
// back to the metrics server's own default (9090) if address is
// unparseable or bare.
func metricsPort(address string) int {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func openIdMap(ctx context.Context, cfg *config.Config) (idmap.IdMap, error) {
	switch cfg.Storage.IdMap.Type {
	case "badger":
		dir, _ := cfg.Storage.IdMap.Badger["dir"].(string)
		if dir == "" {
			dir = filepath.Join(cfg.Storage.Root, ".idmap", "badger")
		}
		return idmapbadger.Open(ctx, dir)
	default:
		mapPath := filepath.Join(cfg.Storage.Root, ".idmap", "id_map.json")
		return idmap.Open(ctx, mapPath, cfg.Storage.IdMap.DebounceInterval, cfg.Storage.IdMap.MaxPendingOps)
	}
}
