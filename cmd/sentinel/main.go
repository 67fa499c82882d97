package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/pipeline-sentinel/internal/archive"
	"github.com/p-blackswan/pipeline-sentinel/internal/completion"
	"github.com/p-blackswan/pipeline-sentinel/internal/config"
	"github.com/p-blackswan/pipeline-sentinel/internal/dedupe"
	"github.com/p-blackswan/pipeline-sentinel/internal/dispatch"
	"github.com/p-blackswan/pipeline-sentinel/internal/engine"
	ghclient "github.com/p-blackswan/pipeline-sentinel/internal/github"
	"github.com/p-blackswan/pipeline-sentinel/internal/health"
	"github.com/p-blackswan/pipeline-sentinel/internal/ingest"
	"github.com/p-blackswan/pipeline-sentinel/internal/k8s"
	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/notify"
	"github.com/p-blackswan/pipeline-sentinel/internal/ops"
	"github.com/p-blackswan/pipeline-sentinel/internal/poll"
	"github.com/p-blackswan/pipeline-sentinel/internal/remediation"
	"github.com/p-blackswan/pipeline-sentinel/internal/retry"
	"github.com/p-blackswan/pipeline-sentinel/internal/rules"
	"github.com/p-blackswan/pipeline-sentinel/internal/state"
	"github.com/p-blackswan/pipeline-sentinel/pkg/tokenstore"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("namespace", cfg.Namespace).
		Dur("poll_interval", cfg.PollInterval).
		Str("ops_addr", cfg.OpsListenAddr).
		Msg("starting pipeline sentinel")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Kubernetes client (watch + logs) and REST config for remediation
	kubeClient, err := k8s.NewClient(k8s.Config{KubeconfigPath: cfg.KubeconfigPath}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init k8s client")
	}
	restConfig, err := k8s.BuildRESTConfig(cfg.KubeconfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build REST config")
	}

	// Slack notification (optional)
	var notifier *notify.Notifier
	if cfg.SlackEnabled() {
		notifier = notify.New(cfg.SlackBotToken, cfg.SlackChannel, cfg.SlackAllowedChannelList(), logger)
		logger.Info().Str("channel", cfg.SlackChannel).Msg("slack notifications enabled")
	} else {
		logger.Info().Msg("slack not configured, skipping")
	}

	// Archiving
	sink, err := archive.NewFileSink(cfg.ArchiveDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init archive sink")
	}
	var lossNotifier archive.Notifier
	if notifier != nil {
		lossNotifier = notifier
	}
	archiver := archive.New(kubeClient, sink, cfg.RetentionFor, retry.Config{
		MaxAttempts: cfg.ArchiveRetryAttempts,
		BaseDelay:   cfg.ArchiveRetryBase,
		MaxDelay:    cfg.ArchiveRetryBase * 8,
		Jitter:      true,
	}, lossNotifier, m, logger)

	// Remediation dispatch
	submitter, err := remediation.New(restConfig, cfg.RemediationNamespace, cfg.RemediationAgent, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init remediation submitter")
	}
	dispatcher := dispatch.New(submitter, cfg.MaxConcurrentSubmissions, m, logger)

	// State, rules, engine
	store := state.NewStore()
	ruleCfg := rules.DefaultConfig()
	ruleCfg.StaleProgressThreshold = cfg.StaleProgressThreshold
	ruleCfg.ApprovalLoopThreshold = cfg.ApprovalLoopThreshold
	ruleCfg.RestartThreshold = cfg.RestartThreshold
	ruleCfg.StuckUnitThreshold = cfg.StuckUnitThreshold
	ruleCfg.StepTimeouts = cfg.StepTimeouts
	evaluator := rules.NewEvaluator(ruleCfg, logger)
	checker := completion.New(cfg.ExpectedBehaviorsDir, m, logger)
	tracker := dedupe.NewTracker()

	var dispatchNotifier engine.DispatchNotifier
	if notifier != nil {
		dispatchNotifier = notifier
	}
	eng := engine.New(runCtx, store, evaluator, tracker, archiver, sink, checker, dispatcher, dispatchNotifier, m, logger)

	// Producers
	ingestor := ingest.New(kubeClient, cfg.Namespace, cfg.PodLabelSelector, eng, m, logger)

	var poller *poll.Poller
	if cfg.GitHubRepository != "" && (cfg.GitHubAppEnabled() || cfg.GitHubToken != "") {
		owner, repo, err := cfg.SplitRepository()
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid repository")
		}

		var gh *ghclient.Client
		if cfg.GitHubAppEnabled() {
			gh, err = ghclient.NewAppClient(cfg.GitHubAppID, cfg.GitHubInstallationID, cfg.GitHubPrivateKeyPath, tokenstore.NewMemoryStore(), logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to init GitHub App client")
			}
		} else {
			gh = ghclient.NewTokenClient(cfg.GitHubToken, logger)
		}

		fetcher := poll.NewGitHubFetcher(gh, owner, repo, logger)
		poller = poll.New(fetcher, store, eng, cfg.PollInterval, m, logger)
		logger.Info().Str("repository", cfg.GitHubRepository).Msg("PR polling enabled")
	} else {
		logger.Warn().Msg("GitHub not configured, PR-based rules will not fire")
	}

	// Ops API
	healthChecker := health.NewChecker(logger)
	healthChecker.Register("kubernetes", health.Dependency(kubeClient.Ping))
	healthChecker.Register("archive_dir", health.DirWritable(cfg.ArchiveDir))
	opsServer := ops.NewServer(cfg.OpsListenAddr, eng, dispatcher, store, healthChecker, m, logger)

	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("ops server stopped")
		}
	}()
	go dispatcher.Run(runCtx)
	go ingestor.Run(runCtx)
	if poller != nil {
		go poller.Run(runCtx)
	}

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Drain in-flight archive writes before releasing the watch; log
	// archival is the one path that cannot be abandoned.
	eng.Drain()
	cancel()

	if err := opsServer.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("ops server shutdown error")
	}
	logger.Info().Msg("sentinel stopped")
}
