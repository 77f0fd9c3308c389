// Package app assembles the access-control components from configuration. cmd/server and
// cmd/worker share it so both processes run the same store, keys and event fan-out.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"docgate/internal/anomaly"
	"docgate/internal/audit"
	auditrepo "docgate/internal/audit/repository"
	"docgate/internal/blocking"
	blockrepo "docgate/internal/blocking/repository"
	"docgate/internal/config"
	"docgate/internal/db"
	"docgate/internal/gate"
	"docgate/internal/notify"
	"docgate/internal/security"
	"docgate/internal/session"
	sessionrepo "docgate/internal/session/repository"
	"docgate/internal/store/memory"
	telemetryotel "docgate/internal/telemetry/otel"
	"docgate/internal/token"
	tokenrepo "docgate/internal/token/repository"
)

// App holds the wired components of one process.
type App struct {
	Config *config.Config

	// DB is nil with the memory driver.
	DB        *sql.DB
	Telemetry *telemetryotel.Providers
	Events    notify.Broadcaster
	// Policy is the anomaly response policy: ANOMALY_POLICY_FILE or the embedded default.
	Policy *anomaly.OPAPolicy

	Ledger   *audit.Ledger
	Tokens   *token.Service
	Sessions *session.Registry
	Tracker  *blocking.Tracker
	Scorer   *anomaly.Scorer
	Gate     *gate.Gate
	Admin    *gate.Admin

	closers []func(context.Context) error
}

type repos struct {
	tx       db.TxRunner
	audit    auditrepo.Repository
	grants   tokenrepo.Repository
	blocks   blockrepo.Repository
	sessions sessionrepo.Repository
}

// New opens the store and builds every component. serviceName labels exported telemetry.
// Call Close when done.
func New(ctx context.Context, cfg *config.Config, serviceName string) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	r, err := a.openStore()
	if err != nil {
		return nil, err
	}

	master := []byte(cfg.MasterSecret)
	tokenKey, err := security.DeriveKey(master, security.PurposeCapabilityToken)
	if err != nil {
		return nil, fmt.Errorf("app: token key: %w", err)
	}
	auditKey, err := security.DeriveKey(master, security.PurposeAuditChecksum)
	if err != nil {
		return nil, fmt.Errorf("app: audit key: %w", err)
	}

	a.Telemetry, err = telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: serviceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("app: telemetry: %w", err)
	}
	a.Telemetry.SetGlobal()
	a.closers = append(a.closers, a.Telemetry.Shutdown)
	a.Events = a.broadcaster()

	a.Policy, err = anomaly.LoadOPAPolicy(ctx, cfg.AnomalyPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("app: anomaly policy: %w", err)
	}

	a.Ledger = audit.NewLedger(r.audit, auditKey, cfg.StoreTimeout)
	a.Tokens = token.NewService(tokenKey, r.grants, token.NewStaticCatalog(cfg.ResourceIDList()), a.Ledger, cfg.TokenSettings())
	a.Sessions = session.NewRegistry(r.sessions, r.tx, a.Tokens, a.Ledger, a.Events, cfg.SessionSettings())
	a.Tracker = blocking.NewTracker(r.blocks, r.tx, a.Ledger, a.Events, cfg.BlockSettings())

	a.Scorer = anomaly.NewScorer(a.Ledger, a.Sessions, a.Sessions, a.Policy, a.Ledger, a.Events, cfg.AnomalySettings())

	metrics, err := telemetryotel.NewDecisionMetrics(a.Telemetry.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("app: decision metrics: %w", err)
	}
	a.Gate = gate.New(a.Tracker, a.Sessions, a.Tokens, a.Ledger, metrics, gate.Settings{TokenTTL: cfg.TokenTTL})
	a.Admin = gate.NewAdmin(a.Tracker, a.Sessions, a.Ledger, a.Scorer, a.Ledger, a.Events)

	ok = true
	return a, nil
}

func (a *App) openStore() (repos, error) {
	switch a.Config.StoreDriver {
	case config.DriverPostgres:
		conn, err := db.Open(a.Config.DatabaseURL)
		if err != nil {
			return repos{}, fmt.Errorf("app: database: %w", err)
		}
		a.DB = conn
		a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
		return repos{
			tx:       db.NewTxRunner(conn),
			audit:    auditrepo.NewPostgresRepository(conn),
			grants:   tokenrepo.NewPostgresRepository(conn),
			blocks:   blockrepo.NewPostgresRepository(conn),
			sessions: sessionrepo.NewPostgresRepository(conn),
		}, nil
	case config.DriverMemory:
		log.Printf("app: using in-memory store; state is lost on exit")
		st := memory.New()
		return repos{tx: st, audit: st.Audit(), grants: st.Grants(), blocks: st.Blocking(), sessions: st.Sessions()}, nil
	default:
		return repos{}, fmt.Errorf("app: unknown store driver %q", a.Config.StoreDriver)
	}
}

// broadcaster fans events out to Kafka (or Loki directly when no broker is set) and to the
// OTel log pipeline. Alerts are rate limited per type.
func (a *App) broadcaster() notify.Broadcaster {
	cfg := a.Config
	var sinks notify.Multi
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		k := notify.NewKafkaBroadcaster(brokers, cfg.EventsKafkaTopic)
		a.closers = append(a.closers, func(context.Context) error { return k.Close() })
		sinks = append(sinks, notify.NewAsync(k))
	} else if l := notify.NewLokiBroadcaster(cfg.LokiURL); l != nil {
		sinks = append(sinks, notify.NewAsync(l))
	}
	if cfg.OTelEndpoint != "" {
		sinks = append(sinks, notify.NewOTelBroadcaster(a.Telemetry.LoggerProvider))
	}
	if len(sinks) == 0 {
		return notify.Nop{}
	}
	if cfg.AlertRatePerMinute > 0 {
		return notify.NewRateLimited(sinks, cfg.AlertRatePerMinute)
	}
	return sinks
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Drain waits for in-flight async broadcasts before Close.
func Drain() {
	time.Sleep(notify.ShutdownDrainDuration)
}
