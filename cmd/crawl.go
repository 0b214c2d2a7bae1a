package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/kursfetch/kursfetch/internal/auth"
	"github.com/kursfetch/kursfetch/internal/config"
	"github.com/kursfetch/kursfetch/internal/crawler"
	"github.com/kursfetch/kursfetch/internal/logging"
	"github.com/kursfetch/kursfetch/internal/session"
	"github.com/kursfetch/kursfetch/internal/terminal"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a portal starting at the given listing page.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), args[0])
		},
	}
}

func runCrawl(parent context.Context, startURL string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := cfgFile
	if path == "" {
		if _, err := os.Stat(config.DefaultPath()); err == nil {
			path = config.DefaultPath()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := logging.New(verbose || cfg.Logging.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failure is unactionable

	conductor := terminal.NewConductor(terminal.NewPrettyRenderer(os.Stdout))

	sess, err := session.New(
		session.Config{
			UserAgent:  cfg.Portal.UserAgent,
			CookiePath: filepath.Join(cfg.Output.Dir, cfg.Output.CookieFile),
			LoginURL:   cfg.Portal.LoginURL,
			Timeout:    time.Duration(cfg.Crawler.TimeoutSeconds) * time.Second,
		},
		conductor,
		func(client auth.Doer) auth.Authenticator {
			return auth.NewFormAuthenticator(client, auth.FormConfig{
				LoginURL:     cfg.Portal.LoginURL,
				FormSelector: cfg.Portal.FormSelector,
				UserField:    cfg.Portal.UserField,
				PassField:    cfg.Portal.PassField,
				Username:     cfg.Portal.Username,
				Password:     cfg.Portal.Password,
				UserAgent:    cfg.Portal.UserAgent,
				PasswordFunc: promptPassword(conductor, cfg.Portal.Username),
			}, logger)
		},
		logger,
	)
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())

	// The output dir must exist before the session saves cookies into it.
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	c, err := crawler.New(crawler.Config{
		OutputDir:      cfg.Output.Dir,
		Concurrency:    cfg.Crawler.Concurrency,
		MaxDepth:       cfg.Crawler.MaxDepth,
		QueueDepth:     cfg.Crawler.QueueDepth,
		FileExtensions: cfg.Crawler.FileExtensions,
		Reserved:       []string{cfg.Output.CookieFile},
	}, sess, conductor, logger)
	if err != nil {
		return err
	}

	if err := conductor.Start(ctx); err != nil {
		return err
	}
	_, runErr := c.Run(ctx, startURL)
	if err := conductor.Stop(context.Background()); err != nil {
		logger.Warn("could not stop terminal rendering", zap.Error(err))
	}
	return runErr
}

// promptPassword asks for the user's password on the raw terminal, with live
// rendering paused so the prompt is not painted over.
func promptPassword(conductor *terminal.Conductor, username string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		var password string
		err := conductor.ExclusiveOutput(ctx, func() error {
			fmt.Fprintf(os.Stderr, "Password for %s: ", username)
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = string(raw)
			return nil
		})
		return password, err
	}
}
