// Command signond is the credential daemon's process entrypoint: it wires
// together the encrypted volume, the credentials store, the signal bus,
// the UI dialog client and the daemon registry, then serves the client
// transport's loopback HTTP+SSE API until a shutdown signal arrives.
//
// The boot sequence and graceful-shutdown handling follow the teacher's
// cmd/main.go: read configuration from the environment, bring up storage
// before the HTTP listener, start the listener in a goroutine, and wait on
// SIGINT/SIGTERM to drain in-flight requests before tearing storage down.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/cache"
	"github.com/cuemby/signond/internal/config"
	"github.com/cuemby/signond/internal/credentialsdb"
	"github.com/cuemby/signond/internal/cryptovolume"
	"github.com/cuemby/signond/internal/daemon"
	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/logger"
	"github.com/cuemby/signond/internal/transport"
	"github.com/cuemby/signond/internal/uiclient"
)

func main() {
	logger.Initialize(getEnv("SSO_LOG_LEVEL", "info"), getEnv("SSO_LOG_PRETTY", "false") == "true")
	log := logger.Daemon()

	cfgPath := os.Getenv("SSO_CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	volume, err := mountSecretsVolume(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bring up encrypted credentials volume")
	}
	if volume != nil {
		defer func() {
			if err := volume.Unmount(context.Background()); err != nil {
				log.Error().Err(err).Msg("error unmounting credentials volume")
			}
		}()
	}

	db, err := credentialsdb.New(credentialsdb.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open credentials store")
	}

	blobCache, err := cache.NewCache(cache.Config{
		Host:     cfg.CacheHost,
		Port:     cfg.CachePort,
		Password: cfg.CachePassword,
		DB:       cfg.CacheDB,
		Enabled:  cfg.CacheEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise write-behind blob cache")
	}
	db = db.WithBlobCache(blobCache)

	bus, err := events.NewBus(events.Config{
		URL:      cfg.NatsURL,
		User:     cfg.NatsUser,
		Password: cfg.NatsPassword,
	}, cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start signal bus")
	}
	defer bus.Close()

	var ui *uiclient.Client
	if cfg.UIAddr != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), cfg.PluginStartTimeout)
		ui, err = uiclient.Dial(dialCtx, cfg.UIAddr)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("UI dialog process unavailable at startup; continuing without it")
		}
	}

	// The built-in static resolver treats the caller's X-Signond-Service
	// header as its application-id; a deployment with a platform peer-
	// credential resolver (systemd unit, SELinux context) would supply
	// its own Resolver here instead of nil.
	gate := aclgate.New(nil)

	d := daemon.New(cfg, db, gate, bus, ui)
	d.StartSweeper()
	defer d.StopSweeper()

	router := transport.NewRouter(d)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,

		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("client transport listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("client transport listener failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("client transport did not shut down cleanly")
	}
}

// mountSecretsVolume brings up the encrypted filesystem backing the
// credentials store before CredentialsDB opens, per the startup ordering
// in §6. When secure storage is disabled it mounts nothing and returns a
// nil volume. Otherwise the LUKS passphrase is read from SSO_MASTER_KEY
// (hex-encoded); when no key is configured, a random per-process key is
// generated instead, matching how a fresh /var/lib deployment bootstraps
// itself on first run.
func mountSecretsVolume(cfg config.Config) (*cryptovolume.Volume, error) {
	if !cfg.SecureStorage {
		return nil, nil
	}

	key, err := loadOrGenerateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	volume := cryptovolume.New(cfg.StoragePath, cfg.MountPath, cfg.FilesystemName, cfg.FilesystemType)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := os.Stat(cfg.StoragePath); os.IsNotExist(err) {
		if err := volume.Setup(ctx, key, cfg.StorageSizeMB); err != nil {
			return nil, fmt.Errorf("setup credentials volume: %w", err)
		}
		return volume, nil
	}

	if err := volume.Mount(ctx, key); err != nil {
		return nil, fmt.Errorf("mount credentials volume: %w", err)
	}
	return volume, nil
}

func loadOrGenerateMasterKey() ([]byte, error) {
	if raw := os.Getenv("SSO_MASTER_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("SSO_MASTER_KEY must be hex-encoded: %w", err)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	logger.Daemon().Warn().
		Msg("SSO_MASTER_KEY not set; generated an ephemeral key for this process only, volume will be unreadable after restart")
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
