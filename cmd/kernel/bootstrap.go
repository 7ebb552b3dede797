package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
	redislib "github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite" // Lite Mode driver

	"github.com/Mindburn-Labs/kernel/pkg/api"
	"github.com/Mindburn-Labs/kernel/pkg/audit"
	"github.com/Mindburn-Labs/kernel/pkg/auditpolicy"
	"github.com/Mindburn-Labs/kernel/pkg/auth"
	"github.com/Mindburn-Labs/kernel/pkg/config"
	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/Mindburn-Labs/kernel/pkg/domain"
	"github.com/Mindburn-Labs/kernel/pkg/idempotency"
	"github.com/Mindburn-Labs/kernel/pkg/manifest"
	"github.com/Mindburn-Labs/kernel/pkg/observability"
	"github.com/Mindburn-Labs/kernel/pkg/schema"
	"github.com/Mindburn-Labs/kernel/pkg/upgrade"
)

// components is the fully wired set of dependencies a running Kernel
// process needs, assembled once at startup and handed to the HTTP server
// and streaming worker alike.
type components struct {
	cfg       *config.Config
	obs       *observability.Provider
	db        *sql.DB // nil in Lite Mode
	signer    crypto.Signer
	audit     audit.Store
	manifests manifest.Registry
	domains   domain.Store
	idemStore idempotency.Store
	idemCache *idempotency.ResponseCache
	upgrades  *upgrade.Engine
	server    *api.Server
}

// bootstrap wires every Kernel component from cfg, selecting Lite Mode
// (in-process SQLite, no Redis) whenever DatabaseURL is unset, matching the
// teacher binary's degraded-mode fallback for local development.
func bootstrap(ctx context.Context, cfg *config.Config) (*components, error) {
	obs, err := observability.New(&observability.Config{
		ServiceName:  "kernel",
		LogLevel:     cfg.LogLevel,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: observability: %w", err)
	}

	signer, err := buildSigner(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: signer: %w", err)
	}

	policy, err := auditpolicy.Compile(cfg.AuditPolicyCEL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: audit policy: %w", err)
	}

	var db *sql.DB
	var auditStore audit.Store
	var manifestReg manifest.Registry
	var domainStore domain.Store
	var idemStore idempotency.Store

	if cfg.LiteMode {
		liteDB, err := sql.Open("sqlite", "file:kernel-lite.db?cache=shared")
		if err != nil {
			return nil, fmt.Errorf("bootstrap: open lite db: %w", err)
		}
		liteDB.SetMaxOpenConns(1) // SQLite single-writer discipline
		sqliteStore := audit.NewSQLiteStore(liteDB, signer, policy)
		if err := sqliteStore.Init(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: init lite audit schema: %w", err)
		}
		db = liteDB
		auditStore = sqliteStore
		manifestReg = manifest.NewMemoryRegistry()
		domainStore = domain.NewMemoryStore()
		idemStore = idempotency.NewMemoryStore()
	} else {
		pgDB, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: open postgres: %w", err)
		}
		pgAudit := audit.NewPostgresStore(pgDB, signer, policy)
		if err := pgAudit.Init(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: init audit schema: %w", err)
		}
		pgManifests := manifest.NewPostgresRegistry(pgDB)
		if err := pgManifests.Init(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: init manifest schema: %w", err)
		}
		pgDomains := domain.NewPostgresStore(pgDB)
		if err := pgDomains.Init(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: init domain schema: %w", err)
		}
		pgIdem := idempotency.NewPostgresStore(pgDB)
		if err := pgIdem.Init(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: init idempotency schema: %w", err)
		}
		db = pgDB
		auditStore = pgAudit
		manifestReg = pgManifests
		domainStore = pgDomains
		idemStore = pgIdem
	}

	var idemCache *idempotency.ResponseCache
	if !cfg.LiteMode && cfg.RedisURL != "" {
		opts, err := redislib.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: parse redis url: %w", err)
		}
		idemCache = idempotency.NewResponseCache(redislib.NewClient(opts), idempotency.DefaultTTL)
	}

	approverKeys, err := buildApproverRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: approver registry: %w", err)
	}
	upgradeEngine := upgrade.NewEngine(auditStore, manifestReg, signer, approverKeys)

	validator, err := schema.NewValidator(cfg.SchemaDir)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: schema validator: %w", err)
	}

	devAuth, err := auth.DevMiddleware(cfg.RequireSigningProxy)
	if err != nil {
		obs.Logger().Warn("dev principal deriver disabled", "reason", err)
		devAuth = nil
	}

	server := &api.Server{
		Signer:         signer,
		AuditStore:     auditStore,
		ManifestReg:    manifestReg,
		DomainStore:    domainStore,
		UpgradeEngine:  upgradeEngine,
		Validator:      validator,
		IdempotencyDB:  idemStore,
		ResponseCache:  idemCache,
		RateLimiter:    api.NewPrincipalRateLimiter(20, 40),
		DevAuth:        devAuth,
		IdempotencyTTL: idempotency.DefaultTTL,
		BodyLimit:      cfg.IdempotencyResponseBodyLimit,
		Tracer:         obs.Tracer(),
	}

	return &components{
		cfg:       cfg,
		obs:       obs,
		db:        db,
		signer:    signer,
		audit:     auditStore,
		manifests: manifestReg,
		domains:   domainStore,
		idemStore: idemStore,
		idemCache: idemCache,
		upgrades:  upgradeEngine,
		server:    server,
	}, nil
}

// buildSigner selects the Signer variant per §4.2 via crypto.Select: a
// configured KMS proxy takes priority, then a local Ed25519 key, then the
// HMAC dev fallback, and last a freshly generated Ed25519 key.
// REQUIRE_SIGNING_PROXY refuses every fallback and requires a configured
// proxy endpoint.
func buildSigner(_ context.Context, cfg *config.Config) (crypto.Signer, error) {
	selectCfg := crypto.SelectConfig{
		RequireSigningProxy: cfg.RequireSigningProxy,
		KMSEndpoint:         cfg.KernelKMSEndpoint,
		KMSAPIKey:           cfg.SigningProxyAPIKey,
		KMSTimeoutMS:        cfg.KMSTimeoutMS,
		LocalSignerKeyB64:   cfg.KernelSignerKeyB64,
		DevHMACSecret:       cfg.DevHMACSigningSecret,
	}

	if cfg.KernelClientCert != "" && cfg.KernelClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.KernelClientCert, cfg.KernelClientKey)
		if err != nil {
			return nil, fmt.Errorf("load kms client cert: %w", err)
		}
		selectCfg.ClientCert = &cert
	}

	return crypto.Select(selectCfg)
}

// buildApproverRegistry loads the upgrade quorum's approver public keys. An
// unconfigured registry file is not an error — it simply means no upgrade
// can ever reach quorum, which is the safe default for a fresh deployment.
func buildApproverRegistry(cfg *config.Config) (*crypto.Registry, error) {
	if cfg.ApproverRegistryFile == "" {
		return crypto.ParseRegistry([]byte(`{}`))
	}
	return crypto.LoadRegistryFile(cfg.ApproverRegistryFile)
}

// Close releases the resources bootstrap acquired.
func (c *components) Close() {
	if c.db != nil {
		_ = c.db.Close()
	}
	if c.obs != nil {
		_ = c.obs.Shutdown(context.Background())
	}
}
