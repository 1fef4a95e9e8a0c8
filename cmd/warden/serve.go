package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/activity"
	"github.com/wardenhq/warden/internal/agent"
	"github.com/wardenhq/warden/internal/approvals"
	"github.com/wardenhq/warden/internal/channels/telegram"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/guardrails"
	"github.com/wardenhq/warden/internal/interceptor"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/phone"
	"github.com/wardenhq/warden/internal/proactive"
	"github.com/wardenhq/warden/internal/reviewer"
	"github.com/wardenhq/warden/internal/scheduler"
	"github.com/wardenhq/warden/internal/sdk/anthropic"
	"github.com/wardenhq/warden/internal/shield"
)

const defaultConfigPath = "warden.yaml"

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the warden runtime",
		Long: `Start the runtime: the gating pipeline, the approval broker, the
HTTP/WebSocket gateway, and (when configured) the scheduler, the chat
bot channel, phone verification, and the proactive follow-up loop.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  warden serve

  # Start with a custom config and debug logging
  warden serve --config /etc/warden/warden.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	engineOpts := []guardrails.Option{guardrails.WithLogger(logger)}
	if cfg.Guardrails.DefaultStrategy != "" || cfg.Guardrails.DefaultChannel != "" {
		engineOpts = append(engineOpts, guardrails.WithDefaults(
			guardrails.Strategy(cfg.Guardrails.DefaultStrategy),
			guardrails.Channel(cfg.Guardrails.DefaultChannel),
		))
	}
	engine, err := guardrails.NewEngine(cfg.Guardrails.RulesPath, engineOpts...)
	if err != nil {
		return fmt.Errorf("guardrails engine: %w", err)
	}

	store, err := activity.NewStore(cfg.Audit.Path, activity.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("activity store: %w", err)
	}

	broker := approvals.NewBroker(
		approvals.WithLogger(logger),
		approvals.WithPendingGauge(metrics.PendingApprovals),
	)
	hub := gateway.NewHub()

	svc := interceptor.Services{
		Engine:   engine,
		Broker:   broker,
		Activity: store,
		Emitter:  hub,
		Metrics:  metrics,
		Logger:   logger,
	}

	if cfg.Shield.Endpoint != "" {
		apiKey := cfg.Shield.APIKey
		shieldClient, err := shield.NewClient(cfg.Shield.Endpoint,
			shield.TokenProviderFunc(func(ctx context.Context) (shield.Token, error) {
				return shield.Token{Value: apiKey, ExpiresOn: time.Now().Add(time.Hour)}, nil
			}),
			shield.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("shield client: %w", err)
		}
		svc.Shield = shieldClient
	}

	client, err := anthropic.New(anthropic.Config{
		APIKey:       cfg.Anthropic.APIKey,
		BaseURL:      cfg.Anthropic.BaseURL,
		DefaultModel: cfg.Anthropic.Model,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("anthropic client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("anthropic client start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Stop(stopCtx)
	}()

	if cfg.Reviewer.Model != "" {
		svc.Reviewer = reviewer.New(client, cfg.Reviewer.Model,
			reviewer.WithTimeout(cfg.ReviewerTimeout()),
			reviewer.WithLogger(logger),
		)
	}

	var phoneWebhook http.Handler
	if cfg.Phone.TargetNumber != "" {
		provider, err := phone.NewTwilioProvider(phone.TwilioConfig{
			AccountSID: cfg.Phone.AccountSID,
			AuthToken:  cfg.Phone.AuthToken,
			From:       cfg.Phone.FromNumber,
			PublicURL:  cfg.Phone.PublicURL,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("twilio provider: %w", err)
		}
		svc.Phone = phone.NewVerifier(provider, cfg.Phone.TargetNumber, phone.WithLogger(logger))
		phoneWebhook = provider.Webhook()
	}

	// The bot adapter feeds the services passed to the agent, so it is
	// built first; its inbound handler is attached after the agent exists.
	var adapter *telegram.Adapter
	var notify func(ctx context.Context, text string) error
	if cfg.Telegram.Token != "" {
		adapter, err = telegram.NewAdapter(telegram.Config{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
			Logger: logger,
		}, broker)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		notify = adapter.Send
		svc.Notify = adapter.Send
	}

	ag := agent.New(client, svc, agent.Config{
		Model: cfg.Anthropic.Model,
	}, agent.WithLogger(logger), agent.WithSessionGauge(metrics.ActiveSessions))
	defer ag.Shutdown()

	var followups *proactive.Loop
	if adapter != nil {
		adapter.OnMessage(func(msgCtx context.Context, text string) {
			if followups != nil {
				followups.TouchUserActivity()
			}
			reply, err := ag.RunOneShot(msgCtx, text, guardrails.ContextBotProcessor)
			if err != nil {
				logger.Error("bot turn failed", "error", err)
				reply = "Sorry, that request failed."
			}
			if err := adapter.Send(msgCtx, reply); err != nil {
				logger.Error("bot reply failed", "error", err)
			}
		})
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
	}

	var tasks *scheduler.TaskStore
	var sched *scheduler.Scheduler
	if cfg.Scheduler.TasksPath != "" {
		tasks, err = scheduler.NewTaskStore(cfg.Scheduler.TasksPath)
		if err != nil {
			return fmt.Errorf("task store: %w", err)
		}
		sched = scheduler.New(tasks,
			func(runCtx context.Context, task scheduler.Task) (string, error) {
				result, err := ag.RunOneShot(runCtx, task.Prompt, guardrails.ContextScheduler)
				if err != nil {
					metrics.ScheduledRuns.WithLabelValues("error").Inc()
					return "", err
				}
				metrics.ScheduledRuns.WithLabelValues("success").Inc()
				return result, nil
			},
			notify,
			scheduler.WithInterval(cfg.SchedulerInterval()),
			scheduler.WithLogger(logger),
		)
		go sched.Start(ctx)
	}

	if cfg.Proactive.Enabled && notify != nil {
		followups = proactive.New(proactive.Config{
			MaxPerDay:      cfg.Proactive.MaxPerDay,
			PreferredStart: cfg.Proactive.PreferredStart,
			PreferredEnd:   cfg.Proactive.PreferredEnd,
		}, func(genCtx context.Context) (string, error) {
			return ag.RunOneShot(genCtx, proactivePrompt, guardrails.ContextScheduler)
		}, notify, proactive.WithLogger(logger))
		go followups.Start(ctx)
	}

	server := gateway.NewServer(gateway.Config{
		Addr:         cfg.Server.ListenAddr,
		Agent:        ag,
		Activity:     store,
		Engine:       engine,
		Broker:       broker,
		Tasks:        tasks,
		Sched:        sched,
		Hub:          hub,
		Metrics:      metrics,
		Gatherer:     reg,
		JWTSecret:    cfg.Auth.JWTSecret,
		Logger:       logger,
		PhoneWebhook: phoneWebhook,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()
	logger.Info("warden started", "addr", cfg.Server.ListenAddr, "version", version)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return nil
}

// proactivePrompt asks the model for an unprompted follow-up; the loop
// gates length and the NO_FOLLOWUP sentinel.
const proactivePrompt = `Review your recent conversations and decide whether a short,
genuinely useful follow-up message to the user is warranted. If nothing
is worth saying, reply with exactly NO_FOLLOWUP.`
