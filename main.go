package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tiercache/internal/cache"
	"tiercache/internal/common/logging"
	"tiercache/internal/config"
	"tiercache/internal/redis"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.MustNewZapLogger(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: logging.OutputFromEnv(),
		Name:   "tiercache",
	})
	logging.SetGlobalLogger(logger)
	defer logging.Sync()

	manager, err := buildManager(cfg)
	if err != nil {
		logging.Error("failed to build cache manager", err)
		os.Exit(1)
	}

	logging.Info("cache engine started",
		logging.Any("tiers", manager.Tiers()),
		logging.Int("l1_capacity", cfg.L1Capacity),
		logging.String("l3_root", cfg.L3RootDir),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Info("shutting down")
	if err := manager.Shutdown(); err != nil {
		logging.Error("shutdown finished with errors", err)
	}
}

// buildManager constructs each configured tier and composes them. A tier
// whose backend is unreachable fails construction unless degraded mode is
// allowed, in which case the engine runs without it and says so.
func buildManager(cfg *config.Config) (*cache.Manager, error) {
	stores := map[cache.Tier]cache.Store{
		cache.TierL1: cache.NewMemoryStore(cfg.L1Capacity, cfg.L1DefaultTTL, cfg.L1Eviction),
	}

	if cfg.L2Enabled {
		client, err := redis.NewClient(&redis.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			if !cfg.AllowDegraded {
				return nil, err
			}
			logging.Warn("L2 backend unreachable, running degraded without it", logging.Err(err))
		} else {
			stores[cache.TierL2] = cache.NewRedisStore(client, cfg.L2KeyPrefix, cfg.L2DefaultTTL)
		}
	}

	if cfg.L3Enabled {
		disk, err := cache.NewDiskStore(cfg.L3RootDir, cfg.L3DefaultTTL, cfg.L3SweepInterval)
		if err != nil {
			if !cfg.AllowDegraded {
				return nil, err
			}
			logging.Warn("L3 directory unusable, running degraded without it", logging.Err(err))
		} else {
			stores[cache.TierL3] = disk
		}
	}

	return cache.NewManager(stores)
}
