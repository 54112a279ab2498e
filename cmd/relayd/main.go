// Command relayd runs the marketplace chat and presence relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"marketrelay/internal/app"
	"marketrelay/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file; MARKETRELAY_* variables override it")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(app.NewLogger(cfg.Log, os.Stderr))

	application, err := app.NewApplication(cfg)
	if err != nil {
		slog.Error("[MAIN] failed to create application", "error", err)
		os.Exit(1)
	}

	if err := application.Start(context.Background()); err != nil {
		slog.Error("[MAIN] failed to start application", "error", err)
		os.Exit(1)
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.HTTP.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				slog.Info("[MAIN] graceful shutdown initiated")
				return application.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	slog.Info("[MAIN] exited", "code", exitCode)
	os.Exit(exitCode)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
