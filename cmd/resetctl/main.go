package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/habitlevel/internal/app"
	"github.com/habitlevel/internal/config"
	"github.com/habitlevel/internal/logger"
)

var CLI struct {
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"warn" env:"LOG_LEVEL"`
	JSON     bool   `help:"Print results as JSON."`

	Sweep    SweepCmd    `cmd:"" help:"Run one reset sweep over every user now."`
	Trigger  TriggerCmd  `cmd:"" help:"Reset a single user if their local day has rolled over."`
	Status   StatusCmd   `cmd:"" help:"Show local time and reset state for every user."`
	Complete CompleteCmd `cmd:"" help:"Record or undo a completion for today."`
	Seed     SeedCmd     `cmd:"" help:"Create a demo user with a few habits."`
}

// Context 是各子命令共享的运行环境
type Context struct {
	Ctx  context.Context
	App  *app.App
	JSON bool
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("resetctl"),
		kong.Description("Operate the habitlevel daily reset and completion ledger."),
		kong.UsageOnError(),
	)

	if err := logger.Init(logger.Config{Level: CLI.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	err = kctx.Run(&Context{Ctx: ctx, App: application, JSON: CLI.JSON})
	application.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
