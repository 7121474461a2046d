// Package main is the entry point for the cidd peer: every peer in a group
// runs the same binary in the same role, acting as leader for at most one
// group at a time and as follower always.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cidd/internal/config"
	"cidd/internal/coordination"
	"cidd/internal/discovery"
	"cidd/internal/election"
	"cidd/internal/envelope"
	"cidd/internal/executor"
	"cidd/internal/executor/runtime"
	"cidd/internal/logger"
	"cidd/internal/notify"
	"cidd/internal/observability"
	"cidd/internal/queue"
	"cidd/internal/rpc"
	"cidd/internal/scanner"
	"cidd/internal/store/postgres"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logg := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	if *migrateFlag {
		logg.Info("running database migrations")
		if err := postgres.Migrate(db.DB()); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
	}

	shutdownTracer, err := observability.Init(ctx, "cidd-peer", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Error("failed to shutdown metrics", "error", err)
		}
	}()

	mailer := notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.AdminEmail)
	chat := notify.NewWebhookChatNotifier(cfg.ChatWebhookURL, cfg.ChatRoomID, cfg.ChatToken)

	elect := election.New(coordination.New(db), election.Config{
		GroupName:           cfg.GroupName,
		SelfURI:             cfg.SelfURI,
		Tyrant:              cfg.Tyrant,
		LeaseTTL:            cfg.LeaseTTL,
		ElectionInterval:    cfg.ElectionInterval,
		TyrantRenewInterval: cfg.TyrantRenewInterval,
	}, logg)

	env := envelope.New(db, db, db, mailer, cfg.SelfURI, elect.LeaderURI)

	q := queue.New()
	var mu sync.Mutex

	rt, err := selectRuntime(cfg)
	if err != nil {
		log.Fatalf("failed to select runtime: %v", err)
	}

	taskRunner := executor.NewTaskRunner(rt, db, db, cfg.LogPollingInterval, logg)
	exec := executor.New(db, taskRunner, env, mailer, chat,
		executor.NewGitSourceSync(), executor.NewManifestDependencyInstaller(),
		executor.Config{WorkDirRoot: cfg.WorkDir, GUIBaseURL: cfg.GUIBaseURL, BucketTimeout: cfg.BucketTimeout},
		logg,
	)

	rpcClient := rpc.NewClient()
	scan := scanner.New(db, q, env, rpcClient, cfg.SelfURI, &mu, logg)

	scanCtx, cancelScan := context.WithCancel(context.Background())
	cancelScan()
	var scanWG sync.WaitGroup

	elect.OnBecomeLeader = func() {
		scanCtx, cancelScan = context.WithCancel(ctx)
		scanWG.Add(1)
		go func() {
			defer scanWG.Done()
			runScanLoop(scanCtx, scan, cfg.ScanInterval)
		}()
	}
	elect.OnLoseLeadership = func() {
		cancelScan()
		scanWG.Wait()
		q.Reset()
	}

	dir := discovery.New(db, cfg.GroupName)
	if err := dir.Publish(ctx, cfg.SelfURI); err != nil {
		logg.Error("failed to publish peer directory entry", "error", err)
	}

	rpcServer := rpc.New(
		rpc.Config{
			Addr:               fmt.Sprintf(":%d", cfg.HTTPPort),
			BackOffSeconds:     int(cfg.AssignmentBackoff.Seconds()),
			RequestorRateLimit: cfg.RPCRateLimit,
			RequestorRateBurst: cfg.RPCRateBurst,
		},
		&mu, q, db, db, elect.IsLeader, exec, logg,
	)

	go func() {
		logg.Info("assignment rpc listening", "addr", fmt.Sprintf(":%d", cfg.HTTPPort))
		if err := rpcServer.Run(ctx); err != nil {
			logg.Error("rpc server stopped", "error", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		logg.Info("metrics listening", "addr", ":6162")
		if err := http.ListenAndServe(":6162", mux); err != nil {
			logg.Error("metrics server error", "error", err)
		}
	}()

	go elect.Run(ctx)
	go runFollowerLoop(ctx, rpcClient, exec, elect, cfg, logg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down peer")
	cancel()
	cancelScan()
	scanWG.Wait()

	if err := dir.Clear(context.Background(), cfg.SelfURI); err != nil {
		logg.Error("failed to clear peer directory entry", "error", err)
	}
}

func selectRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "docker":
		return runtime.NewDockerRuntime()
	case "kubernetes":
		return runtime.NewKubernetesRuntime(runtime.KubernetesConfig{})
	default:
		return runtime.NewExecRuntime(cfg.WorkDir), nil
	}
}

// runScanLoop ticks the Project Scanner on cfg.ScanInterval until ctx is
// cancelled, which happens the instant this peer loses leadership.
func runScanLoop(ctx context.Context, scan *scanner.Scanner, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	scan.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan.Scan(ctx)
		}
	}
}

// runFollowerLoop is the strictly sequential poll loop: ask the known
// leader for the next bucket, run it to completion, repeat. There is no
// worker pool here - one bucket is processed at a time per peer, by design.
func runFollowerLoop(ctx context.Context, client *rpc.Client, exec *executor.Executor, elect *election.Election, cfg *config.Config, logg *slog.Logger) {
	hostname, _ := os.Hostname()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		leaderURI := elect.LeaderURI()
		if leaderURI == "" {
			sleep(ctx, cfg.AssignmentBackoff)
			continue
		}

		resp, err := client.NextBucket(ctx, leaderURI, cfg.SelfURI, hostname)
		if err != nil {
			logg.Error("assignment rpc failed", "leader_uri", leaderURI, "error", err)
			sleep(ctx, cfg.AssignmentBackoff)
			continue
		}

		if resp.BucketID == "" {
			backoff := time.Duration(resp.BackOffSeconds) * time.Second
			if backoff <= 0 {
				backoff = cfg.AssignmentBackoff
			}
			sleep(ctx, backoff)
			continue
		}

		exec.ProcessBucket(ctx, resp.BucketID)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
