package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/speechchat/pkg/configutil"
	"github.com/harunnryd/speechchat/pkg/errorsx"
	"github.com/harunnryd/speechchat/pkg/logging"
	"github.com/harunnryd/speechchat/pkg/redact"
	"github.com/harunnryd/speechchat/pkg/runner"
	"github.com/harunnryd/speechchat/pkg/speechchat"
)

func main() {
	configPath := flag.String("config", "configs/speechchat.yaml", "path to the YAML config")
	noConsole := flag.Bool("no_console", false, "disable the stdin gesture console")
	flag.Parse()

	if err := run(*configPath, !*noConsole); err != nil {
		fmt.Fprintln(os.Stderr, "speechchat:", err)
		os.Exit(1)
	}
}

func run(configPath string, console bool) error {
	cfg, err := speechchat.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	reg := speechchat.NewProviderRegistry()
	registerProviders(reg)

	engine, err := speechchat.NewEngine(speechchat.EngineOptions{
		Config:    cfg,
		Providers: reg,
		Logger:    logger,
		OnError: func(err error) {
			logger.Error("dictation_error",
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.Reason(err))))
		},
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drainTimeout := configutil.MillisValue(&cfg.Shutdown.DrainTimeoutMS, 10*time.Second)
	lr := runner.NewLifecycleRunner(engine, runner.Hooks{
		OnStart: func(ctx context.Context) error {
			if err := engine.Start(ctx); err != nil {
				return err
			}
			if console {
				go runConsole(ctx, engine, os.Stdin, os.Stdout, stop)
			}
			return nil
		},
		OnStop: func() {
			logger.Info("speechchat_stopped", slog.String("conversation_id", cfg.ConversationID))
		},
	}, runner.Options{
		Title:        "SPEECHCHAT",
		BannerOut:    os.Stdout,
		DrainTimeout: drainTimeout,
	})

	if err := lr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
