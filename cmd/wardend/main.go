// Command wardend is Warden's entrypoint: it loads configuration, wires
// every collaborator package together, and serves the webhook/admin/metrics
// HTTP surface until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/localops/warden/internal/config"
	"github.com/localops/warden/internal/httpapi"
	"github.com/localops/warden/pkg/agent"
	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/hostmonitor"
	"github.com/localops/warden/pkg/hostresolve"
	"github.com/localops/warden/pkg/learning"
	"github.com/localops/warden/pkg/llm"
	"github.com/localops/warden/pkg/logs"
	"github.com/localops/warden/pkg/metrics"
	"github.com/localops/warden/pkg/monitoring"
	"github.com/localops/warden/pkg/notify"
	"github.com/localops/warden/pkg/orchestrator"
	"github.com/localops/warden/pkg/queue"
	"github.com/localops/warden/pkg/sshexec"
	"github.com/localops/warden/pkg/store"
	"github.com/localops/warden/pkg/store/memstore"
	"github.com/localops/warden/pkg/store/postgres"
	"github.com/localops/warden/pkg/store/rediscache"
	"github.com/localops/warden/pkg/suppressor"
	"github.com/localops/warden/pkg/validator"
)

// Exit codes per the operator-facing contract: 0 clean shutdown, 1 runtime
// startup failure, 2 invalid configuration.
const (
	exitOK            = 0
	exitStartupFailed = 1
	exitConfigInvalid = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/warden/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		return exitConfigInvalid
	}

	log := newLogger(cfg.Logging)
	log.WithField("config", *configPath).Info("starting wardend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	st, closeStore, err := buildStore(ctx, *cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize persistent store")
		return exitStartupFailed
	}
	defer closeStore()

	policyData, err := validator.LoadPolicyData(cfg.Policy.DataPath)
	if err != nil {
		log.WithError(err).Error("failed to load policy data")
		return exitStartupFailed
	}
	regoSource, err := os.ReadFile(cfg.Policy.RegoPath)
	if err != nil {
		log.WithError(err).Error("failed to read policy module")
		return exitStartupFailed
	}
	initialValidator, err := validator.New(ctx, string(regoSource), policyData)
	if err != nil {
		log.WithError(err).Error("failed to compile policy module")
		return exitStartupFailed
	}
	cmdValidator := newLiveValidator(initialValidator)

	policyWatcher, err := config.WatchPolicy([]string{cfg.Policy.RegoPath, cfg.Policy.DataPath}, log, func(path string) {
		log.WithField("path", path).Info("policy source changed, reloading")
		data, err := validator.LoadPolicyData(cfg.Policy.DataPath)
		if err != nil {
			log.WithError(err).Warn("failed to reload policy data, keeping previous version")
			return
		}
		src, err := os.ReadFile(cfg.Policy.RegoPath)
		if err != nil {
			log.WithError(err).Warn("failed to reload policy module, keeping previous version")
			return
		}
		reloaded, err := validator.New(ctx, string(src), data)
		if err != nil {
			log.WithError(err).Warn("failed to recompile policy module, keeping previous version")
			return
		}
		cmdValidator.store(reloaded)
	})
	if err != nil {
		log.WithError(err).Error("failed to start policy watcher")
		return exitStartupFailed
	}
	defer policyWatcher.Stop()

	sup := suppressor.New(suppressorConfig(cfg.Suppressor), clk)

	hostEntries := hostEntriesFrom(cfg.Hosts)
	resolver := hostresolve.New(hostEntries)
	pinger := hostresolve.NewTCPPinger(hostEntries)
	hosts := hostmonitor.New(log, clk, pinger)

	le := learning.New(st, clk, cfg.Learning.SignatureLabels)

	exec := sshexec.New(log, clk, hosts)

	monClient := monitoring.New(cfg.Monitoring.BaseURL, log, clk)
	logClient := logs.New(cfg.Logs.BaseURL)

	provider, err := buildLLMProvider(ctx, cfg.LLM)
	if err != nil {
		log.WithError(err).Error("failed to initialize LLM provider")
		return exitStartupFailed
	}

	reasoningAgent := agent.New(provider, cmdValidator, exec, monClient, logClient, clk, log, agent.Config{
		MaxSteps:    cfg.Agent.MaxSteps,
		MaxDuration: cfg.Agent.MaxDuration,
	})

	sink, err := buildNotifySink(cfg.Notify, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize notification sink")
		return exitStartupFailed
	}

	degraded := queue.New(log, clk)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	orch := orchestrator.New(
		st, sup, hosts, le, reasoningAgent, cmdValidator, exec, monClient, resolver, sink, degraded, m, clk, log,
		orchestrator.Config{
			MaxAttempts:        cfg.Orchestrator.MaxAttempts,
			AttemptWindow:      cfg.Orchestrator.AttemptWindow,
			EscalationCooldown: cfg.Orchestrator.EscalationCooldown,
			DedupCooldown:      cfg.Orchestrator.DedupCooldown,
			VerifyDeadline:     cfg.Orchestrator.VerifyDeadline,
			DiagnosticHeads:    policyData.DiagnosticHeadSet(),
		},
	)

	webhookHandler := httpapi.NewWebhookHandler(orch, httpapi.BasicAuth{
		User:     cfg.WebhookAuth.User,
		Password: cfg.WebhookAuth.Password,
	}, log)
	adminHandler := httpapi.NewAdminHandler(st, clk, orch)
	router := httpapi.Router(webhookHandler, adminHandler, reg, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.WebhookPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("serving HTTP")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hosts.RunPingLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("wardend exited with error")
		return exitStartupFailed
	}

	log.Info("wardend stopped cleanly")
	return exitOK
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func buildStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (store.Store, func(), error) {
	var base store.Store
	closeFn := func() {}

	switch cfg.Store.Backend {
	case "postgres":
		pgCfg := postgres.Config{
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			User:     cfg.Store.User,
			Password: cfg.Store.Password,
			Database: cfg.Store.Database,
			SSLMode:  cfg.Store.SSLMode,
		}
		db, err := postgres.Connect(ctx, pgCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := postgres.Migrate(db.DB); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		base = postgres.New(db)
		closeFn = func() { db.Close() }
	default:
		base = memstore.New()
	}

	if cfg.Cache.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		cached := rediscache.New(base, rdb, log)
		prevClose := closeFn
		closeFn = func() {
			prevClose()
			rdb.Close()
		}
		return cached, closeFn, nil
	}

	return base, closeFn, nil
}

func buildLLMProvider(ctx context.Context, cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BedrockRegion))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		return llm.NewBedrockProvider(client, cfg.BedrockModel), nil
	default:
		return llm.NewAnthropicProvider(cfg.AnthropicKey, anthropic.Model(cfg.AnthropicModel), cfg.MaxTokens), nil
	}
}

func buildNotifySink(cfg config.NotifyConfig, log *logrus.Logger) (notify.Sink, error) {
	switch cfg.Mode {
	case "bot_token":
		return notify.NewBotToken(cfg.BotToken, cfg.Channel, log), nil
	default:
		return notify.NewWebhook(cfg.WebhookURL, log), nil
	}
}

func suppressorConfig(cfg config.SuppressorConfig) suppressor.Config {
	pairs := make([]suppressor.CascadePair, 0, len(cfg.CascadePairs))
	for _, p := range cfg.CascadePairs {
		pairs = append(pairs, suppressor.CascadePair{A: p.A, B: p.B, Root: p.Root})
	}
	return suppressor.Config{CascadePairs: pairs, DependsOn: cfg.DependsOn}
}

// liveValidator lets the policy watcher swap in a freshly-compiled
// *validator.Validator without racing in-flight Validate calls.
type liveValidator struct {
	current atomic.Pointer[validator.Validator]
}

func newLiveValidator(v *validator.Validator) *liveValidator {
	lv := &liveValidator{}
	lv.current.Store(v)
	return lv
}

func (lv *liveValidator) store(v *validator.Validator) { lv.current.Store(v) }

func (lv *liveValidator) Validate(ctx context.Context, command string, vctx validator.Context) (validator.Decision, error) {
	return lv.current.Load().Validate(ctx, command, vctx)
}

func hostEntriesFrom(hosts []config.HostEntry) []hostresolve.HostEntry {
	out := make([]hostresolve.HostEntry, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, hostresolve.HostEntry{
			Name:        h.Name,
			Address:     h.Address,
			User:        h.User,
			KeyPath:     h.KeyPath,
			IsLocalhost: h.IsLocalhost,
		})
	}
	return out
}
