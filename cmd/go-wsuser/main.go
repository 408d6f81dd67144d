package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/a-essam23/go-wsuser/internal/auth"
	"github.com/a-essam23/go-wsuser/internal/mailer"
	"github.com/a-essam23/go-wsuser/internal/server"
	"github.com/a-essam23/go-wsuser/internal/store"
	"github.com/a-essam23/go-wsuser/pkg/config"
	"github.com/a-essam23/go-wsuser/pkg/logging"
	"github.com/a-essam23/go-wsuser/pkg/state"
)

func main() {
	logger := logging.New(slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	if len(os.Args) > 1 && os.Args[1] == "adduser" {
		if err := runAddUser(cfg, os.Args[2:]); err != nil {
			logger.Error("adduser failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := mailer.New(mailer.Config{
		Host:     cfg.Mailer.Host,
		Port:     cfg.Mailer.Port,
		Username: cfg.Mailer.Username,
		Password: cfg.Mailer.Password,
		From:     cfg.Mailer.From,
		Debug:    cfg.Mailer.Debug,
	}, logger)

	app, err := server.NewApp(logger, ctx, cfg, notifier)
	if err != nil {
		logger.Error("Failed to assemble application", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

// runAddUser seeds an account from the command line, skipping the security
// code exchange.
func runAddUser(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	email := fs.String("email", "", "account email address")
	password := fs.String("password", "", "account password, at least 6 characters")
	name := fs.String("name", "", "display name, derived from the email when empty")
	orgs := fs.String("organizations", "", "comma separated organization list")
	roles := fs.String("roles", "user", "comma separated role list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("both -email and -password are required")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := auth.AddUser(st, *email, *password, *name, splitList(*orgs), splitList(*roles)); err != nil {
		return err
	}
	fmt.Println("user created:", *email)
	return nil
}

func openStore(cfg *config.Config) (state.Store, error) {
	switch cfg.Store.Driver {
	case "", "json":
		return store.NewJSONStore(cfg.Store.Path, slog.Default())
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path, slog.Default())
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
