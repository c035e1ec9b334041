package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/urfave/cli/v3"
	"golang.org/x/exp/slog"

	"obsws/client/impl"
	"obsws/client/internal"
)

type Env struct {
	Host     string `env:"OBS_HOST,default=localhost"`
	Port     int    `env:"OBS_PORT,default=4455"`
	Password string `env:"OBS_PASSWORD"`
	UseTLS   bool   `env:"OBS_TLS,default=false"`
}

const pollInterval = 20 * time.Millisecond

func doMain(ctx context.Context, logger *slog.Logger, env Env) error {
	client := internal.NewClient(logger, impl.NewTCP(logger), impl.NewTLS(logger))

	cfg := internal.Config{
		Host:          env.Host,
		Port:          env.Port,
		UseTLS:        env.UseTLS,
		Password:      env.Password,
		AutoReconnect: true,
		OnEvent: func(evt internal.Event) {
			logger.Info("event", slog.String("id", evt.ID), slog.String("payload", evt.Payload))
		},
		OnStatus: func(status internal.Status) {
			logger.Info("status changed", slog.String("status", status.String()))
		},
		OnError: func(code internal.ErrorCode) {
			logger.Warn("client error", slog.String("code", code.String()))
		},
	}

	// A failed first attempt is not fatal, the reconnect timer keeps trying.
	if err := client.Begin(cfg); err != nil {
		logger.Error("initial connection failed", err)
	}

	defer client.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sc:
			logger.Warn("shutdown signal", slog.String("signal", sig.String()))
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			client.Poll()
		}
	}
}

func main() {
	handler := slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(handler.NewTextHandler(os.Stdout))

	cmd := &cli.Command{
		Name:  "obsws",
		Usage: "watch an OBS Studio instance over obs-websocket v5",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "OBS host, overrides OBS_HOST"},
			&cli.IntFlag{Name: "port", Usage: "obs-websocket port, overrides OBS_PORT"},
			&cli.StringFlag{Name: "password", Usage: "obs-websocket password, overrides OBS_PASSWORD"},
			&cli.BoolFlag{Name: "tls", Usage: "connect with TLS, overrides OBS_TLS"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env := Env{}
			if err := envconfig.Process(ctx, &env); err != nil {
				return err
			}

			if cmd.IsSet("host") {
				env.Host = cmd.String("host")
			}

			if cmd.IsSet("port") {
				env.Port = int(cmd.Int("port"))
			}

			if cmd.IsSet("password") {
				env.Password = cmd.String("password")
			}

			if cmd.IsSet("tls") {
				env.UseTLS = cmd.Bool("tls")
			}

			return doMain(ctx, logger, env)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to start", err)
		os.Exit(1)
	}
}
