// Worker runs periodic maintenance (block and session sweeps, grant cleanup, anomaly scan,
// audit retention and integrity verification). With KAFKA_BROKERS and LOKI_URL set it also
// relays events from Kafka to Loki.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docgate/internal/anomaly"
	"docgate/internal/app"
	"docgate/internal/config"
	"docgate/internal/jobs"
	"docgate/internal/notify"
	"docgate/internal/notify/loki"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "docgate-worker")
	if err != nil {
		log.Fatalf("%v", err)
	}

	verifier := jobs.NewVerifier(a.Ledger, a.Ledger, a.Events, cfg.VerifyBatchSize)
	runner := jobs.NewRunner(
		jobs.BlockSweep(a.Tracker, cfg.SweepInterval),
		jobs.SessionSweep(a.Sessions, cfg.SweepInterval),
		jobs.GrantSweep(a.Tokens, cfg.SweepInterval),
		jobs.AnomalyScan(anomaly.NewScanner(a.Scorer), cfg.ScanInterval),
		jobs.AuditRetention(a.Ledger, cfg.AuditRetention, cfg.SweepInterval),
		verifier.Job(cfg.VerifyInterval),
	)
	wait := runner.Start(ctx)
	log.Printf("worker: running jobs (store %s)", cfg.StoreDriver)

	relayDone := make(chan struct{})
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 && cfg.LokiURL != "" {
		reader := notify.NewKafkaReader(brokers, cfg.EventsKafkaTopic, cfg.KafkaGroupID)
		go func() {
			defer close(relayDone)
			defer reader.Close()
			log.Printf("worker: relaying %s (group %s) to %s", cfg.EventsKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)
			notify.Relay(ctx, reader, loki.NewClient(cfg.LokiURL, nil))
		}()
	} else {
		close(relayDone)
	}

	<-ctx.Done()
	log.Println("worker: shutting down...")
	wait()
	<-relayDone
	app.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		log.Printf("worker: shutdown: %v", err)
	}
	log.Println("worker: stopped")
}
