package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/validlab/slotd/internal/observability"
	"github.com/validlab/slotd/internal/server"
	"github.com/validlab/slotd/pkg/notify"
	"github.com/validlab/slotd/pkg/slot"
	"github.com/validlab/slotd/pkg/supervisor"
	"github.com/validlab/slotd/pkg/testlog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the slot supervisor and HTTP API",
	Long: `Run the supervisor daemon: rehydrate slots from the snapshot file,
serve the HTTP API, and supervise launched test scripts until interrupted.

Slots that were running when a previous instance died are reported as failed;
a live process cannot be recovered across a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Override server.host")
	serveCmd.Flags().Int("port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := observability.Logger

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	store := slot.NewStore(cfg.Data.File)
	reg, err := slot.NewRegistry(cfg.Slots.Count, store, log)
	if err != nil {
		return err
	}

	var sinks []notify.Sink
	if cfg.Notify.TelegramEnabled() {
		sinks = append(sinks, notify.NewTelegramSink(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatIDs, cfg.Notify.Timeout))
		log.Info("Telegram notifications enabled")
	}
	if cfg.Notify.WebhookEnabled() {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.Webhook.URL, cfg.Notify.Timeout))
		log.Info("Webhook notifications enabled", zap.String("url", cfg.Notify.Webhook.URL))
	}
	dispatcher := notify.NewDispatcher(log, cfg.Notify.Timeout, sinks...)

	sup := supervisor.New(reg, dispatcher, testlog.NewManager(cfg.Logs.Dir), supervisor.Config{
		LogDir:       cfg.Logs.Dir,
		DashboardURL: cfg.DashboardURL,
	}, log)

	srv := server.New(server.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsEnabled:  cfg.Metrics.Enabled,
	}, reg, sup, log)

	log.Info("slotd starting",
		zap.Int("slots", cfg.Slots.Count),
		zap.String("data_file", cfg.Data.File),
		zap.String("log_dir", cfg.Logs.Dir),
		zap.Int("notification_sinks", dispatcher.Sinks()))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Start(ctx)

	// Running scripts are left alive on purpose: they are independent
	// processes and a restarted slotd reports them as orphaned. Flush the
	// snapshot so the restart sees the latest state.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		if ferr := reg.Flush(); ferr != nil {
			log.Warn("Final snapshot flush failed", zap.Error(ferr))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-flushCtx.Done():
		log.Warn("Final snapshot flush timed out")
	}

	return err
}
