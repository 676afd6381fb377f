// Package app wires every component (A-M) into a running patrolwire
// process: it owns infrastructure setup (database, Redis, metrics) and the
// HTTP/worker composition root.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/patrolwire/patrolwire/internal/audit"
	"github.com/patrolwire/patrolwire/internal/config"
	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/internal/platform"
	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/internal/telemetry"
	"github.com/patrolwire/patrolwire/pkg/advisor"
	"github.com/patrolwire/patrolwire/pkg/alert"
	"github.com/patrolwire/patrolwire/pkg/approval"
	"github.com/patrolwire/patrolwire/pkg/assignment"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/correlation"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/idempotency"
	"github.com/patrolwire/patrolwire/pkg/incident"
	"github.com/patrolwire/patrolwire/pkg/kpi"
	"github.com/patrolwire/patrolwire/pkg/notify"
	"github.com/patrolwire/patrolwire/pkg/ratelimit"
	"github.com/patrolwire/patrolwire/pkg/remediation"
	"github.com/patrolwire/patrolwire/pkg/runbook"
	"github.com/patrolwire/patrolwire/pkg/sla"
	"github.com/patrolwire/patrolwire/pkg/tenant"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting patrolwire",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewRegistry()
	st := store.NewPostgresStore(db)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, st, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, st, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// deps bundles the domain services shared between the API and worker
// processes so both modes build them identically.
type deps struct {
	tenants    *tenant.Store
	settings   *tenant.SettingsStore
	users      *user.Store
	incidents  *incident.Store
	alerts     *alert.Store
	runbooks   *runbook.Store
	approvals  *approval.Store
	executions *remediation.Store
	bus        *eventbus.Bus
	limiter    *ratelimit.Limiter
	guard      *idempotency.Guard
	correlator *correlation.Engine
	ranker     *assignment.Ranker
	assigner   *assignment.Assigner
	dispatcher *remediation.Dispatcher
	monitor    *sla.Monitor
	calc       *kpi.Calculator
	notifier   notify.Notifier
	consumer   *notify.Consumer
	advisorSvc *advisor.Advisor

	auditWriter *audit.Writer
	authSvc     *auth.Service

	correlationInterval time.Duration
	escalationInterval  time.Duration
}

func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, rdb *redis.Client) (*deps, error) {
	d := &deps{}

	d.tenants = tenant.NewStore(st)
	d.settings = tenant.NewSettingsStore(st)
	d.users = user.NewStore(st)
	d.incidents = incident.NewStore(st)
	d.alerts = alert.NewStore(st)
	d.runbooks = runbook.NewStore(st)
	d.approvals = approval.NewStore(st)
	d.executions = remediation.NewStore(st)

	d.bus = eventbus.New(logger)
	d.limiter = ratelimit.New(st, rdb)
	d.guard = idempotency.New(d.alerts, rdb, st)

	d.correlator = correlation.New(d.incidents, d.alerts, d.tenants, d.settings, d.bus, logger)
	d.ranker = assignment.NewRanker(d.users, d.incidents)
	d.assigner = assignment.NewAssigner(d.incidents, d.bus)

	executor, err := buildExecutor(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building remediation executor: %w", err)
	}
	d.dispatcher = remediation.NewDispatcher(d.executions, d.runbooks, d.approvals, d.incidents, d.tenants, executor, d.bus, logger)

	d.monitor = sla.NewMonitor(d.incidents, d.approvals, d.tenants, d.bus, logger)
	d.calc = kpi.NewCalculator(d.incidents, d.alerts)

	if cfg.SlackBotToken != "" {
		d.notifier = notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel)
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		d.notifier = notify.NewLogNotifier(logger)
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN not set), logging instead")
	}
	d.consumer = notify.NewConsumer(d.notifier, d.bus, logger)

	if cfg.AnthropicAPIKey != "" {
		d.advisorSvc = advisor.New(cfg.AnthropicAPIKey)
		logger.Info("decision advisor enabled")
	} else {
		logger.Info("decision advisor disabled (ANTHROPIC_API_KEY not set)")
	}

	d.auditWriter = audit.NewWriter(st, logger)

	accessTTL, err := time.ParseDuration(cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing access token ttl %q: %w", cfg.AccessTokenTTL, err)
	}
	refreshTTL, err := time.ParseDuration(cfg.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing refresh token ttl %q: %w", cfg.RefreshTokenTTL, err)
	}
	signer, err := auth.NewTokenSigner(cfg.JWTSigningKey, accessTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token signer: %w", err)
	}
	refreshStore := auth.NewRefreshStore(st)
	d.authSvc = auth.NewService(signer, refreshStore, d.users, refreshTTL)

	d.correlationInterval, err = time.ParseDuration(cfg.CorrelationInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing correlation interval %q: %w", cfg.CorrelationInterval, err)
	}
	d.escalationInterval, err = time.ParseDuration(cfg.EscalationScanInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing escalation scan interval %q: %w", cfg.EscalationScanInterval, err)
	}

	return d, nil
}

// buildExecutor constructs the SSM-backed remediation executor (component
// H) from the ambient AWS credential chain, with the region taken from
// config. The dispatcher passes the tenant's AWSIntegration account and
// region to Send, but the SSM executor does not use them: every command goes
// through this one client.
func buildExecutor(ctx context.Context, cfg *config.Config) (remediation.Executor, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := ssm.NewFromConfig(awsCfg)
	return remediation.NewSSMExecutor(client), nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	d, err := buildDeps(ctx, cfg, logger, st, rdb)
	if err != nil {
		return err
	}

	d.auditWriter.Start(ctx)
	defer d.auditWriter.Close()

	srv := httpserver.NewServer(cfg, logger, st, rdb, metricsReg, d.authSvc)

	// --- Public routes (no identity required) ---

	authHandler := auth.NewHandler(d.authSvc, d.auditWriter, logger)
	srv.Router.Mount("/api/auth", authHandler.Routes())

	webhookHandler := alert.NewHandler(d.alerts, d.tenants, d.settings, d.limiter, d.guard, d.bus)
	srv.Router.Mount("/webhooks/alerts", webhookHandler.WebhookRoutes())

	fanout := eventbus.NewFanout(d.bus, logger)
	srv.Router.Get("/ws", fanout.ServeWS)

	// --- Authenticated routes ---

	srv.APIRouter.Mount("/alerts", webhookHandler.Routes())

	tenantHandler := tenant.NewHandler(d.tenants, d.auditWriter)
	srv.APIRouter.Mount("/tenants", tenantHandler.Routes())

	userHandler := user.NewHandler(d.users, d.auditWriter)
	srv.APIRouter.Mount("/users", userHandler.Routes())

	runbookHandler := runbook.NewHandler(d.runbooks, d.auditWriter)
	srv.APIRouter.Mount("/runbooks", runbookHandler.Routes())

	approvalHandler := approval.NewHandler(d.approvals, d.bus, d.auditWriter)
	srv.APIRouter.Mount("/approval-requests", approvalHandler.Routes())

	kpiHandler := kpi.NewHandler(d.calc)
	srv.APIRouter.Mount("/metrics", kpiHandler.Routes())

	auditHandler := audit.NewHandler(st)
	srv.APIRouter.Mount("/audit-logs", auditHandler.Routes())

	correlationHandler := correlation.NewHandler(d.correlator, d.alerts)
	assignmentHandler := assignment.NewHandler(d.ranker, d.assigner, d.incidents, d.auditWriter)
	remediationHandler := remediation.NewHandler(d.dispatcher, d.executions, d.runbooks, d.auditWriter)
	incidentHandler := incident.NewHandler(d.incidents)

	var advisorHandler *advisor.Handler
	if d.advisorSvc != nil {
		advisorHandler = advisor.NewHandler(d.advisorSvc, d.incidents)
	}

	srv.APIRouter.Route("/incidents", func(r chi.Router) {
		r.Get("/", incidentHandler.HandleList)
		r.Get("/{id}", incidentHandler.HandleGet)
		r.Post("/correlate", correlationHandler.HandleCorrelate)
		r.Get("/{id}/candidates", assignmentHandler.HandleCandidates)
		r.Post("/{id}/assign", assignmentHandler.HandleAssign)
		r.Post("/{id}/execute-runbook", remediationHandler.HandleExecute)
		if advisorHandler != nil {
			r.Post("/{id}/advise", advisorHandler.HandleAdvise)
		}
	})
	srv.APIRouter.Get("/remediation-executions/{id}", remediationHandler.HandleGet)

	// --- Background workers ---

	go d.correlator.Run(ctx, d.correlationInterval)
	go d.monitor.Run(ctx, d.escalationInterval)
	go d.dispatcher.Run(ctx)
	go d.consumer.Run(ctx)

	shutdownTimeout, err := time.ParseDuration(cfg.ShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parsing shutdown timeout %q: %w", cfg.ShutdownTimeout, err)
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, rdb *redis.Client) error {
	d, err := buildDeps(ctx, cfg, logger, st, rdb)
	if err != nil {
		return err
	}

	d.auditWriter.Start(ctx)
	defer d.auditWriter.Close()

	logger.Info("worker started")

	go d.correlator.Run(ctx, d.correlationInterval)
	go d.dispatcher.Run(ctx)
	go d.consumer.Run(ctx)
	d.monitor.Run(ctx, d.escalationInterval)

	return nil
}
