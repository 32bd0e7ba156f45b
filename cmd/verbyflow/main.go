package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verbyflow/verbyflow-core/internal/config"
	"github.com/verbyflow/verbyflow-core/internal/conversation"
	"github.com/verbyflow/verbyflow-core/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		createName  string
		joinID      string
		speak       bool
	)

	flag.StringVar(&configPath, "config", "verbyflow.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&createName, "create", "", "Create a session with the given name and start a conversation")
	flag.StringVar(&joinID, "join", "", "Join an existing session and start a conversation")
	flag.BoolVar(&speak, "speak", false, "Take the speaker role when the conversation starts")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var opts []runtime.Option
	if createName != "" {
		opts = append(opts, runtime.WithAutoCreate(createName))
	}
	if joinID != "" {
		opts = append(opts, runtime.WithAutoJoin(joinID))
	}
	if speak {
		opts = append(opts, runtime.WithRole(conversation.RoleSpeaker))
	}

	rt := runtime.New(cfg, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
