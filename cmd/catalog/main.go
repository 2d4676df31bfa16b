package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"Freshka/internal/auth"
	"Freshka/internal/catalog"
	"Freshka/internal/config"
	"Freshka/internal/storage"
	"Freshka/pkg/kit"
)

const startupTimeout = 15 * time.Second

func main() {
	service := "catalog"

	cfg, err := config.Load(getenv("CATALOG_CONFIG", config.DefaultConfigPath), getenv("CATALOG_ENV_FILE", ".env"))
	if err != nil {
		kit.NewLogger(service, "info").Fatal("config", zap.Error(err))
	}

	log := kit.NewLogger(service, cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	store, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		log.Fatal("storage open failed", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := catalog.NewService(store, catalog.Options{
		CatalogKey:       cfg.Storage.CatalogKey,
		PlaceholderImage: cfg.Catalog.PlaceholderImage,
		PublicBaseURL:    cfg.Catalog.PublicBaseURL,
		Log:              log,
		Registry:         reg,
	})

	if err := seed(ctx, svc, cfg.Storage.SeedFile, log); err != nil {
		log.Fatal("seed failed", zap.String("file", cfg.Storage.SeedFile), zap.Error(err))
	}

	var tokens *auth.TokenMaker
	if cfg.Admin.TokenSecret != "" {
		tokens = auth.NewTokenMaker(cfg.Admin.TokenSecret)
	}
	guard := auth.NewGuard(auth.Credentials{
		User:         cfg.Admin.User,
		Password:     cfg.Admin.Password,
		PasswordHash: cfg.Admin.PasswordHash,
	}, tokens)
	if !guard.Configured() {
		log.Warn("admin credentials not set, admin routes will refuse every request")
	}

	s := &catalog.Server{
		Svc:            svc,
		Log:            log,
		Guard:          guard,
		GuardProducts:  cfg.Admin.GuardProducts,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		TokenTTL:       cfg.TokenTTL(),
	}

	h := catalog.NewHandler(s, catalog.HTTPDeps{
		Log:            log,
		Service:        service,
		Registry:       reg,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsToken:   cfg.Metrics.Token,
		APIPrefix:      cfg.Server.APIPrefix,
	})

	log.Info("catalog ready",
		zap.String("driver", cfg.Storage.Driver),
		zap.String("key", cfg.Storage.CatalogKey),
		zap.Bool("guard_products", cfg.Admin.GuardProducts),
	)

	if err := kit.RunHTTPServer(":"+cfg.Server.Port, h, log); err != nil {
		log.Error("http server stopped", zap.Error(err))
	}
}

func seed(ctx context.Context, svc *catalog.Service, file string, log *zap.Logger) error {
	if file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("seed file not found", zap.String("file", file))
		return nil
	}
	if err != nil {
		return err
	}
	applied, err := svc.Seed(ctx, data)
	if err != nil {
		return err
	}
	if !applied {
		log.Debug("catalog already present, seed skipped", zap.String("file", file))
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
