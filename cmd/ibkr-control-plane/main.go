// Command ibkr-control-plane runs the order-proposal lifecycle engine:
// HTTP surface, broker connection manager, reconciliation loop, and
// safety gate, wired together the way services/payoutd/main.go wires
// its processor, attestor, and admin server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/alerting"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/audit"
	auditbackup "github.com/Moodaro/ibkr-ai-broker-sub001/internal/audit/backup"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/brokerconn"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/config"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/featureflags"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/httpapi"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/httpapi/auth"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/instrument"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/killswitch"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/lifecycle"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/liveguard"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/marketdata"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/obslog"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/policy"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/reconcile"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/safety"
	telemetry "github.com/Moodaro/ibkr-ai-broker-sub001/internal/telemetry/otel"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/telemetry/perfmon"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/volatility"
)

const defaultAccountID = "DU0000000"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfgPath := os.Getenv("TRADECTL_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/tradectl.yaml"
	}
	if _, err := os.Stat(cfgPath); err != nil {
		cfgPath = ""
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obslog.Setup("ibkr-control-plane", cfg.Environment)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "ibkr-control-plane",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	brokerFile, err := config.LoadBrokerConnectionFile(cfg.Broker.ConnectionConfigPath)
	if err != nil {
		return fmt.Errorf("load broker connection config: %w", err)
	}

	dataDir := os.Getenv("TRADECTL_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	flagStore, err := featureflags.Load(os.Getenv("TRADECTL_FEATURE_FLAGS_FILE"), filepath.Join(dataDir, "flags.leveldb"))
	if err != nil {
		return fmt.Errorf("load feature flags: %w", err)
	}
	defer flagStore.Close()

	kill, err := killswitch.Open(filepath.Join(dataDir, "killswitch.bolt"))
	if err != nil {
		return fmt.Errorf("open kill switch: %w", err)
	}
	defer kill.Close()

	descriptor, err := policy.LoadDescriptor(cfg.Policy.DescriptorPath)
	if err != nil {
		return fmt.Errorf("load policy descriptor: %w", err)
	}
	policyEvaluator := policy.NewEvaluator(descriptor)

	fakeBroker := broker.NewFake(defaultAccountID, 1_000_000)
	connManager := brokerconn.NewManager(brokerFile.ToManagerConfig(), fakeBroker, logger)

	store := lifecycle.NewStore(cfg.Store.MaxProposals, cfg.Store.TokenTTL.Duration)
	approvalSvc := lifecycle.NewApprovalService(store)

	perf := perfmon.NewMonitor(1000, 24*time.Hour)
	reconciler := reconcile.NewReconciler(fakeBroker)
	reconRegistry := newReconciliationRegistry()

	notifier := alerting.NewNotifier(alerting.Config{
		WebhookURL:     cfg.Alerting.WebhookURL,
		RatePerMinute:  cfg.Alerting.RatePerMinute,
		DailyLossLimit: cfg.Alerting.DailyLossLimit,
	})

	var backupMgr *auditbackup.Manager
	var auditSink lifecycle.AuditSink
	if cfg.Audit.PostgresDSN != "" {
		sink, err := audit.Open(cfg.Audit.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		auditSink = sink

		backupMgr, err = auditbackup.NewManager(
			filepath.Join(dataDir, "audit-snapshot.db"),
			cfg.Audit.BackupDir,
			cfg.Audit.RetentionDays,
		)
		if err != nil {
			return fmt.Errorf("init audit backup manager: %w", err)
		}
		go runBackupLoop(backupMgr, cfg.Audit.BackupEvery.Duration, logger)
	}

	safetyChecker := safety.NewChecker()
	safetyChecker.FeatureFlags = flagsHealthAdapter{flagStore}
	safetyChecker.Statistics = perf
	safetyChecker.KillSwitch = kill
	safetyChecker.Alerting = notifier
	safetyChecker.Reconciliation = reconRegistry
	if backupMgr != nil {
		safetyChecker.AuditBackup = backupMgr
	}

	submitter := lifecycle.NewOrderSubmitter(store, approvalSvc, fakeBroker, auditSink)
	liveValidator := liveguard.NewValidator(liveguard.Config{Enabled: flagStore.Current().LiveTradingMode}, safetyChecker)

	mdCache := marketdata.NewCache(5*time.Second, 300*time.Second, 1000)
	mdProvider := marketdata.NewCachedProvider(fakeBrokerMarketData{fakeBroker}, mdCache, time.Now)

	instrumentCache, err := instrument.OpenCache(filepath.Join(dataDir, "instruments.sqlite"))
	if err != nil {
		return fmt.Errorf("open instrument cache: %w", err)
	}
	defer instrumentCache.Close()
	instrumentResolver := instrument.NewResolver(instrumentCache)

	historicalVol := volatility.NewHistoricalProvider(volBarSource{mdProvider}, 0, time.Now)
	mockVol := volatility.NewMockProvider(0.20, 0.15, time.Now)
	volatilitySvc := volatility.NewService(historicalVol, mockVol, time.Hour, time.Now)

	approvalAPI := &approvalAdapter{
		store:   store,
		service: approvalSvc,
		flags:   flagStore.AsLifecycleFlags(),
		kill:    kill.AsLifecycleKillSwitch(),
		policy:  policyEvaluator,
	}

	orderAPI := &orderAdapter{
		submitter: submitter,
		validator: liveValidator,
		store:     store,
	}

	var authenticator *auth.Authenticator
	if secret := os.Getenv("TRADECTL_JWT_SECRET"); secret != "" {
		authenticator = auth.NewAuthenticator(auth.Config{
			Enabled:       true,
			HMACSecret:    secret,
			Issuer:        "ibkr-control-plane",
			Audience:      "ibkr-control-plane-dashboard",
			OptionalPaths: []string{"/healthz"},
		}, logger)
	}

	handler := httpapi.New(httpapi.Config{
		Approvals:      approvalAPI,
		Reconciliation: reconRegistry,
		MarketData:     mdProvider,
		Orders:         orderAPI,
		Instruments:    instrumentResolver,
		Volatility:     volatilitySvc,
		Authenticator:  authenticator,
		Log:            logger,
		Now:            time.Now,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runReconciliationLoop(stopCtx, reconciler, reconRegistry, notifier, defaultAccountID, logger)
	go func() {
		if err := connManager.Connect(stopCtx); err != nil && stopCtx.Err() == nil {
			logger.Warn("broker connect failed", "error", err)
		}
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("ibkr-control-plane listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

type flagsHealthAdapter struct{ store *featureflags.Store }

func (a flagsHealthAdapter) Healthy() bool {
	_ = a.store.Current()
	return true
}

// approvalAdapter implements httpapi.ApprovalAPI by closing over the
// collaborators lifecycle.ApprovalService needs on every call.
type approvalAdapter struct {
	store   *lifecycle.Store
	service *lifecycle.ApprovalService
	flags   lifecycle.FeatureFlags
	kill    lifecycle.KillSwitch
	policy  lifecycle.PolicyChecker
}

func (a *approvalAdapter) ListPending(limit int) []lifecycle.OrderProposal {
	return a.store.ListPending(limit)
}

func (a *approvalAdapter) RequestApproval(proposalID string, now time.Time) (lifecycle.OrderProposal, *lifecycle.ApprovalToken, error) {
	return a.service.RequestApproval(proposalID, a.flags, a.kill, a.policy, now)
}

func (a *approvalAdapter) GrantApproval(proposalID, reason string, now time.Time) (lifecycle.OrderProposal, lifecycle.ApprovalToken, error) {
	return a.service.GrantApproval(proposalID, reason, now)
}

func (a *approvalAdapter) DenyApproval(proposalID, reason string, now time.Time) (lifecycle.OrderProposal, error) {
	return a.service.DenyApproval(proposalID, reason, now)
}

// orderAdapter implements httpapi.OrderAPI, gating live orders through
// the Live Guard before the Order Submitter ever consumes a token.
type orderAdapter struct {
	submitter *lifecycle.OrderSubmitter
	validator *liveguard.Validator
	store     *lifecycle.Store
}

func (o *orderAdapter) SubmitOrder(ctx context.Context, proposalID, tokenID, correlationID string, inst broker.Instrument, estimatedPrice float64, now time.Time) (broker.OpenOrder, error) {
	p, err := o.store.Get(proposalID)
	if err != nil {
		return broker.OpenOrder{}, err
	}
	intent, err := lifecycle.ParseIntent(p.IntentJSON)
	if err != nil {
		return broker.OpenOrder{}, fmt.Errorf("order: parse intent: %w", err)
	}
	if ok, reason := o.validator.ValidateForLive(intent.Symbol, intent.Quantity, estimatedPrice, false); !ok && reason != "Live trading is not enabled" {
		return broker.OpenOrder{}, fmt.Errorf("order: live guard rejected submission: %s", reason)
	}
	return o.submitter.SubmitOrder(ctx, proposalID, tokenID, correlationID, inst, now)
}

// reconciliationRegistry caches the most recent reconciliation Result
// per account for the status endpoint; the reconciliation loop is the
// sole writer. It also satisfies safety.ReconciliationSource.
type reconciliationRegistry struct {
	mu      sync.RWMutex
	last    map[string]reconcile.Result
	lastErr string
	lastRun time.Time
}

func newReconciliationRegistry() *reconciliationRegistry {
	return &reconciliationRegistry{last: make(map[string]reconcile.Result)}
}

func (r *reconciliationRegistry) record(accountID string, result reconcile.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[accountID] = result
	r.lastRun = result.Timestamp
	if result.HasCriticalDiscrepancies() {
		r.lastErr = "critical discrepancies detected"
	} else {
		r.lastErr = ""
	}
}

func (r *reconciliationRegistry) LastResult(accountID string) (reconcile.Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result, ok := r.last[accountID]
	return result, ok
}

// LastRunHealthy satisfies safety.ReconciliationSource.
func (r *reconciliationRegistry) LastRunHealthy() (bool, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastRun.IsZero() {
		return false, "reconciliation has not run yet", nil
	}
	if r.lastErr != "" {
		return false, r.lastErr, nil
	}
	return true, "", nil
}

func runReconciliationLoop(ctx context.Context, reconciler *reconcile.Reconciler, reg *reconciliationRegistry, notifier *alerting.Notifier, accountID string, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := reconciler.Reconcile(ctx, accountID, nil, nil, 0)
			reg.record(accountID, result)
			if result.HasCriticalDiscrepancies() {
				notifier.Send(ctx, "reconciliation_discrepancy", alerting.SeverityCritical,
					"critical reconciliation discrepancy detected", map[string]any{"account_id": accountID}, false)
			}
			logger.Info("reconciliation run complete", "account_id", accountID, "reconciled", result.IsReconciled, "discrepancies", len(result.Discrepancies))
		}
	}
}

func runBackupLoop(mgr *auditbackup.Manager, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = 24 * time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		path, err := mgr.CreateBackup(time.Now())
		if err != nil {
			logger.Warn("audit backup failed", "error", err)
			continue
		}
		logger.Info("audit backup created", "path", path)
		if _, err := mgr.CleanupOldBackups(time.Now()); err != nil {
			logger.Warn("audit backup cleanup failed", "error", err)
		}
	}
}

// fakeBrokerMarketData adapts broker.Broker's snapshot retrieval to
// marketdata.Provider; the IBKR adapter will implement GetBars directly
// once historical bar retrieval is wired to a real gateway connection.
type fakeBrokerMarketData struct {
	brk broker.Broker
}

func (f fakeBrokerMarketData) GetSnapshot(instrument broker.Instrument) (broker.MarketSnapshot, error) {
	return f.brk.GetMarketSnapshot(context.Background(), instrument)
}

func (f fakeBrokerMarketData) GetBars(instrument broker.Instrument, timeframe string, start, end time.Time, limit int, rthOnly bool) ([]marketdata.Bar, error) {
	return nil, fmt.Errorf("marketdata: historical bars not available from the paper broker")
}

// volBarSource adapts marketdata.CachedProvider's GetBars (which also
// takes a useCache flag) to volatility.BarSource, always reading through
// the cache.
type volBarSource struct {
	p *marketdata.CachedProvider
}

func (v volBarSource) GetBars(instrument broker.Instrument, timeframe string, start, end time.Time, limit int, rthOnly bool) ([]marketdata.Bar, error) {
	return v.p.GetBars(instrument, timeframe, start, end, limit, rthOnly, true)
}
