package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/storelane/backend/internal/api"
	"github.com/storelane/backend/internal/blob"
	"github.com/storelane/backend/internal/commerce"
	"github.com/storelane/backend/internal/config"
	"github.com/storelane/backend/internal/crypto"
	"github.com/storelane/backend/internal/database"
	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/events"
	"github.com/storelane/backend/internal/handlers"
	"github.com/storelane/backend/internal/health"
	"github.com/storelane/backend/internal/ingress"
	"github.com/storelane/backend/internal/jobs"
	"github.com/storelane/backend/internal/registry"
)

func main() {
	log.Println("🔥 Starting Storelane ingest backend...")

	// .env is optional; real deployments inject the environment directly
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	overrides, err := config.NewManager(cfg, os.Getenv("TENANT_OVERRIDES_FILE"))
	if err != nil {
		log.Fatalf("Tenant overrides: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureRegistrySchema(ctx); err != nil {
		log.Fatalf("Registry schema: %v", err)
	}

	reg := registry.New(db, cfg.CredentialCacheTTL)
	slugs, err := reg.ListTenantSlugs(ctx)
	if err != nil {
		log.Fatalf("Listing tenants: %v", err)
	}
	for _, slug := range slugs {
		if err := db.EnsureTenantSchema(ctx, slug); err != nil {
			log.Fatalf("Tenant schema %s: %v", slug, err)
		}
	}
	slog.Info("Tenant schemas ready", "tenants", len(slugs))

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Sealer: %v", err)
	}

	// --- Optional infrastructure ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, rate limiting degrades to local windows", "err", err)
			rdb = nil
		}
	}

	var emitter events.Emitter
	bus := events.NewBus()
	emitter = bus
	if cfg.GCPProject != "" && cfg.PubSubTopic != "" {
		if pb, err := events.NewPubSubBus(cfg.GCPProject, cfg.PubSubTopic); err != nil {
			slog.Warn("Pub/Sub unavailable, outcomes stay in-process", "err", err)
		} else {
			defer pb.Close()
			bus = pb.Bus
			emitter = pb
		}
	}

	var store blob.Store
	if cfg.GCSBucket != "" {
		gcs, err := blob.NewGCSStore(ctx, cfg.GCSBucket, os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
		if err != nil {
			log.Fatalf("GCS: %v", err)
		}
		defer gcs.Close()
		store = gcs
	} else {
		store = blob.NewLocalStore(os.Getenv("BLOB_DIR"))
		slog.Info("Using local blob store")
	}

	// --- Jobs ---
	pool := jobs.NewPool(4)
	handlers.RegisterJobs(pool, &handlers.JobDeps{
		DB:      db,
		Blob:    store,
		Emitter: emitter,
	})
	var dispatcherJobs jobs.Dispatcher = pool
	if cfg.GCPProject != "" {
		cd, err := jobs.NewCloudDispatcher(cfg.GCPProject, cfg.TasksLocation, cfg.TasksQueue,
			cfg.PublicBaseURL, cfg.InternalJobsToken, pool)
		if err != nil {
			slog.Warn("Cloud Tasks unavailable, using in-process pool", "err", err)
		} else {
			dispatcherJobs = cd
		}
	}
	defer dispatcherJobs.Shutdown()

	listTenants := func(ctx context.Context) ([]jobs.Tenant, error) {
		refs, err := reg.ListTenants(ctx)
		if err != nil {
			return nil, err
		}
		tenants := make([]jobs.Tenant, len(refs))
		for i, ref := range refs {
			tenants[i] = jobs.Tenant{ID: ref.TenantID, Slug: ref.TenantSlug}
		}
		return tenants, nil
	}
	flusher := jobs.NewFlusher(db, dispatcherJobs, listTenants, 0)
	flusher.Start()
	defer flusher.Stop()

	// --- Dispatch fabric ---
	dispatchReg := dispatch.NewRegistry(db)
	handlers.RegisterAll(dispatchReg, &handlers.Deps{
		Registry:  reg,
		Blob:      store,
		Overrides: overrides,
	})

	// --- HTTP surface ---
	webhookPipe := ingress.NewWebhookPipeline(cfg, db, reg, sealer, dispatchReg, emitter)
	mailPipe := ingress.NewMailPipeline(cfg, db, reg, sealer, dispatchReg, emitter,
		ingress.NewRateLimiter(rdb), overrides)
	oauth := commerce.NewOAuth(db, cfg.CommerceClientID, cfg.CommerceClientSecret)
	client := commerce.NewClient(cfg.CommerceAPIVersion)
	healthSvc := health.New(db, reg, dispatchReg, emitter, overrides)

	server := api.NewServer(cfg, webhookPipe, mailPipe, oauth, client, sealer, reg,
		healthSvc, bus, pool)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server: %v", err)
	}
	log.Println("🔌 Shut down cleanly")
}
