package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/canopyworks/custody/internal/audit"
	"github.com/canopyworks/custody/internal/conversion"
	"github.com/canopyworks/custody/internal/events"
	"github.com/canopyworks/custody/internal/gateway"
	"github.com/canopyworks/custody/internal/identity"
	"github.com/canopyworks/custody/internal/ledger"
	"github.com/canopyworks/custody/internal/logger"
	"github.com/canopyworks/custody/internal/packaging"
	"github.com/canopyworks/custody/internal/seed"
	"github.com/canopyworks/custody/internal/server"
	"github.com/canopyworks/custody/internal/socket"
	"github.com/canopyworks/custody/internal/store"
	memorystore "github.com/canopyworks/custody/internal/store/memory"
	postgresstore "github.com/canopyworks/custody/internal/store/postgres"
	sqlitestore "github.com/canopyworks/custody/internal/store/sqlite"
	"github.com/canopyworks/custody/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"CUSTODY_LISTEN"`
	Cert   string `help:"path to TLS cert file, plain HTTP when empty" default:"" env:"CUSTODY_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"CUSTODY_TLS_KEY"`

	CORSOrigins []string `name:"cors-origins" help:"allowed CORS and websocket origins" default:"https://localhost" env:"CUSTODY_CORS_ORIGINS"`

	// Scan handshake
	SessionSecret    string        `help:"HMAC secret for scan session tokens, at least 32 bytes" required:"" env:"CUSTODY_SESSION_SECRET"`
	ScanTimeout      time.Duration `help:"how long a scan session stays open" default:"30s" env:"CUSTODY_SCAN_TIMEOUT"`
	SessionRetention time.Duration `help:"how long finished sessions are kept" default:"2m" env:"CUSTODY_SESSION_RETENTION"`
	SweepInterval    time.Duration `help:"how often overdue sessions are expired" default:"15s" env:"CUSTODY_SWEEP_INTERVAL"`

	// Identity
	MembersFile          string        `help:"YAML member roster applied at startup" type:"path" env:"CUSTODY_MEMBERS_FILE"`
	IdentityDirectoryURL string        `name:"identity-directory-url" help:"resolve badges against this member directory instead of the local roster" env:"CUSTODY_IDENTITY_DIRECTORY_URL"`
	IdentityCacheDir     string        `help:"disk cache for directory lookups, in memory when empty" type:"path" env:"CUSTODY_IDENTITY_CACHE_DIR"`
	IdentityTimeout      time.Duration `help:"directory lookup timeout" default:"5s" env:"CUSTODY_IDENTITY_TIMEOUT"`

	// Packaging
	MinPackageSize string `help:"smallest package weight accepted" default:"5" env:"CUSTODY_MIN_PACKAGE_SIZE"`

	// Telemetry
	Tracing          bool          `help:"enable OpenTelemetry export" default:"false" env:"CUSTODY_TRACING"`
	TraceSampleRatio float64       `help:"fraction of traces sampled" default:"1" env:"CUSTODY_TRACE_SAMPLE_RATIO"`
	MetricInterval   time.Duration `help:"metric export interval" default:"30s" env:"CUSTODY_METRIC_INTERVAL"`

	// Store configuration
	StoreType     string             `help:"ledger store type" default:"memory" env:"CUSTODY_STORE_TYPE" enum:"memory,sqlite,postgres"`
	SQLitePath    string             `name:"sqlite-path" help:"SQLite database path" default:"custody.db" type:"path" env:"CUSTODY_SQLITE_PATH"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`

	Audit AuditFlags `embed:"" prefix:"audit-"`
	NATS  NATSFlags  `embed:"" prefix:"nats-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString   string        `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	ConnectRetry time.Duration `help:"how long to retry an unreachable server at startup" default:"30s" env:"CUSTODY_POSTGRES_CONNECT_RETRY"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"CUSTODY_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (s *PostgresStoreFlags) poolConfig() *postgresstore.PoolConfig {
	return &postgresstore.PoolConfig{
		ConnString:      s.ConnString,
		MaxConns:        s.MaxConns,
		MinConns:        s.MinConns,
		MaxConnLifetime: s.MaxConnLifetime,
		MaxConnIdleTime: s.MaxConnIdleTime,
		ConnectRetry:    s.ConnectRetry,
		AutoMigrate:     s.AutoMigrate,
	}
}

// AuditFlags configures the background archive exporter.
type AuditFlags struct {
	Sink      string        `help:"where audit archives are shipped" default:"none" enum:"none,file,s3" env:"CUSTODY_AUDIT_SINK"`
	Dir       string        `help:"archive directory for the file sink" default:"audit-archive" type:"path" env:"CUSTODY_AUDIT_DIR"`
	Interval  time.Duration `help:"export interval" default:"5m" env:"CUSTODY_AUDIT_INTERVAL"`
	BatchSize int           `help:"maximum entries per archive" default:"5000" env:"CUSTODY_AUDIT_BATCH_SIZE"`

	S3Bucket    string `name:"s3-bucket" help:"S3 bucket" env:"CUSTODY_AUDIT_S3_BUCKET"`
	S3Prefix    string `name:"s3-prefix" help:"S3 key prefix" default:"audit/" env:"CUSTODY_AUDIT_S3_PREFIX"`
	S3Region    string `name:"s3-region" help:"S3 region, from the AWS environment when empty" env:"CUSTODY_AUDIT_S3_REGION"`
	S3Endpoint  string `name:"s3-endpoint" help:"S3 compatible endpoint" env:"CUSTODY_AUDIT_S3_ENDPOINT"`
	S3PathStyle bool   `name:"s3-path-style" help:"use path style addressing" env:"CUSTODY_AUDIT_S3_PATH_STYLE"`
}

func (a *AuditFlags) sink(ctx context.Context) (audit.Sink, error) {
	switch a.Sink {
	case "file":
		return audit.NewFileSink(a.Dir)
	case "s3":
		return audit.NewS3Sink(ctx, audit.S3Config{
			Bucket:    a.S3Bucket,
			Prefix:    a.S3Prefix,
			Region:    a.S3Region,
			Endpoint:  a.S3Endpoint,
			PathStyle: a.S3PathStyle,
		})
	default:
		return nil, nil
	}
}

// NATSFlags configures ledger event publishing. Publishing is off without a URL.
type NATSFlags struct {
	URL           string        `name:"url" help:"NATS server URL" env:"CUSTODY_NATS_URL"`
	Stream        string        `help:"JetStream stream name" default:"CUSTODY_LEDGER" env:"CUSTODY_NATS_STREAM"`
	SubjectPrefix string        `help:"subject prefix for ledger events" default:"custody.ledger" env:"CUSTODY_NATS_SUBJECT_PREFIX"`
	MaxAge        time.Duration `help:"stream retention" default:"720h" env:"CUSTODY_NATS_MAX_AGE"`
	ConnectWait   time.Duration `help:"how long to retry the initial connect" default:"30s" env:"CUSTODY_NATS_CONNECT_WAIT"`
}

func (c *ServeCmd) Validate() error {
	if len(c.SessionSecret) < 32 {
		return errors.New("session secret must be at least 32 bytes (256 bits) for HMAC-SHA256")
	}
	if c.StoreType == "postgres" {
		if err := c.PostgresStore.validate(); err != nil {
			return err
		}
	}
	if c.Audit.Sink == "s3" && c.Audit.S3Bucket == "" {
		return errors.New("--audit-s3-bucket is required for the s3 audit sink")
	}
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS certificate and key must be given together (--cert and --key)")
	}
	if _, err := c.minPackageSize(); err != nil {
		return err
	}
	return nil
}

func (c *ServeCmd) minPackageSize() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.MinPackageSize)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("min package size must be a positive decimal, got %q", c.MinPackageSize)
	}
	return d, nil
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	logger := logger.Setup(globals.Debug)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		logger.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName:    "custody-server",
			Version:        globals.Version,
			SampleRatio:    c.TraceSampleRatio,
			MetricInterval: c.MetricInterval,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	ledgerStore, memberStore, closeStores, err := c.openStores(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	if c.MembersFile != "" {
		roster, err := seed.Load(c.MembersFile)
		if err != nil {
			return err
		}
		res, err := seed.Apply(ctx, memberStore, roster)
		if err != nil {
			return fmt.Errorf("failed to apply member roster: %w", err)
		}
		logger.Info().Int("created", res.Created).Int("credentials", res.Credentials).Int("disabled", res.Disabled).
			Str("file", c.MembersFile).Msg("Member roster applied")
	}

	var ledgerOpts []ledger.Option
	if c.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(ctx, events.NATSConfig{
			URL:           c.NATS.URL,
			StreamName:    c.NATS.Stream,
			SubjectPrefix: c.NATS.SubjectPrefix,
			MaxAge:        c.NATS.MaxAge,
			ConnectWait:   c.NATS.ConnectWait,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		ledgerOpts = append(ledgerOpts, ledger.WithPublisher(pub))
	}

	minSize, err := c.minPackageSize()
	if err != nil {
		return err
	}
	allocator := packaging.NewAllocator(minSize)
	svc := ledger.New(ledgerStore, ledgerOpts...)

	resolver, err := c.resolver(memberStore)
	if err != nil {
		return err
	}

	hub := socket.NewHub(originChecker(c.CORSOrigins))
	gw, err := gateway.New(memorystore.NewSessionStore(), resolver, gateway.Config{
		Secret:      []byte(c.SessionSecret),
		Issuer:      gateway.DefaultIssuer,
		ScanTimeout: c.ScanTimeout,
		Retention:   c.SessionRetention,
	}, gateway.WithObserver(hub.Publish))
	if err != nil {
		return err
	}
	go gw.RunSweeper(ctx, c.SweepInterval)

	sink, err := c.Audit.sink(ctx)
	if err != nil {
		return fmt.Errorf("failed to create audit sink: %w", err)
	}
	if sink != nil {
		exporter := audit.NewExporter(svc.Audit(), sink,
			audit.WithInterval(c.Audit.Interval),
			audit.WithBatchSize(c.Audit.BatchSize))
		go func() {
			if err := exporter.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Audit exporter stopped")
			}
		}()
	}

	srv := server.NewServer(server.Config{
		Ledger:         svc,
		Engine:         conversion.New(svc, allocator),
		Allocator:      allocator,
		Gateway:        gw,
		Hub:            hub,
		AllowedOrigins: c.CORSOrigins,
	})

	httpServer := configureHTTPServer(c.Listen, srv.Handler(logger))
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown HTTP server")
		}
	}()

	logger.Info().Str("addr", c.Listen).Str("store", c.StoreType).Bool("tls", c.Cert != "").Msg("Starting HTTP server")
	if c.Cert != "" {
		err = httpServer.ListenAndServeTLS(c.Cert, c.Key)
	} else {
		err = httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info().Msg("Server stopped")
		return nil
	}
	return err
}

// openStores returns the ledger and member stores for the configured backend.
// Members live in PostgreSQL when it is the ledger store and in memory
// otherwise, reseeded from the roster at each start.
func (c *ServeCmd) openStores(ctx context.Context, logger zerolog.Logger) (store.LedgerStore, store.MemberStore, func(), error) {
	switch c.StoreType {
	case "postgres":
		pool, err := postgresstore.NewPool(ctx, c.PostgresStore.poolConfig())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		logger.Info().Msg("Using PostgreSQL stores with shared connection pool")
		return postgresstore.NewLedgerStore(pool), postgresstore.NewMemberStore(pool), pool.Close, nil

	case "sqlite":
		st, err := sqlitestore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		logger.Info().Str("path", st.Path()).Msg("Using SQLite ledger store")
		closeFn := func() {
			if err := st.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close sqlite store")
			}
		}
		return st, memorystore.NewMemberStore(), closeFn, nil

	default:
		logger.Info().Msg("Using in-memory stores")
		return memorystore.NewLedgerStore(), memorystore.NewMemberStore(), func() {}, nil
	}
}

func (c *ServeCmd) resolver(members store.MemberStore) (identity.Resolver, error) {
	if c.IdentityDirectoryURL == "" {
		return identity.NewStoreResolver(members), nil
	}

	client := identity.NewCachingHTTPClient(c.IdentityCacheDir, c.IdentityTimeout)
	r, err := identity.NewDirectoryResolver(c.IdentityDirectoryURL, client)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", c.IdentityDirectoryURL).Msg("Resolving badges against member directory")
	return r, nil
}

// originChecker accepts websocket upgrades from the allowed origins, or from
// clients that send no Origin header.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}
