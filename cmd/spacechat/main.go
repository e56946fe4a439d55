package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"spacechat/internal/config"
	"spacechat/internal/constants"
	"spacechat/internal/database"
	"spacechat/internal/models"
	"spacechat/internal/retry"
	"spacechat/internal/service"
	"spacechat/internal/session"
	"spacechat/internal/tracing"
	"spacechat/pkg/api"
	"spacechat/pkg/cable"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose       = flag.BoolP("verbose", "v", false, "Enable verbose logging (includes message content)")
	configPath    = flag.StringP("config", "c", "config.json", "Path to configuration file (.json or .yaml)")
	conversations = flag.StringArray("conversation", nil, "Conversation to open on startup (repeatable)")
	statusAddr    = flag.String("status-addr", "", "Listen address for the status server (overrides server.addr)")
	noStatus      = flag.Bool("no-status", false, "Do not start the status server")
	interactive   = flag.BoolP("interactive", "i", false, "Send lines read from stdin to the first conversation")
	version       = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("spacechat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting spacechat")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := validateSession(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	applyLogLevel(logger, cfg.LogLevel, *verbose)
	if *verbose {
		logger.Info("Verbose logging enabled - message content will be logged")
	}

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	var cache service.Cache
	if cfg.Cache.Enabled {
		db, err := openCache(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		cache = db
		logger.WithFields(logrus.Fields{
			"path":      cfg.Cache.Path,
			"encrypted": db.Encrypted(),
		}).Info("Offline cache enabled")
	}

	sessions := session.NewProvider(logger)

	apiClient := api.NewClientWithOptions(cfg.API.BaseURL, sessions, api.Options{
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second},
		UserAgent:  cfg.API.UserAgent,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.API.RetryBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(constants.DefaultAPIRetryMaxBackoff) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  cfg.API.MaxRetries,
			Jitter:       true,
		},
		Logger: logger,
	})

	messenger := service.NewMessenger(service.Options{
		Config:   cfg,
		API:      apiClient,
		Dialer:   cable.NewWebsocketDialer(),
		Sessions: sessions,
		Cache:    cache,
		Logger:   logger,
		Verbose:  *verbose,
	})
	messenger.Start(ctx)
	defer messenger.Stop()

	if err := sessions.Login(session.Session{
		UserID:    cfg.Session.UserID,
		FirstName: cfg.Session.FirstName,
		Token:     cfg.Session.Token,
	}); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sessions.Logout()

	messenger.OnUnreadChange(func(count int) {
		logger.WithField("count", count).Info("Unread count changed")
	})

	var opened []*service.Conversation
	for _, id := range *conversations {
		conv, err := messenger.Open(ctx, id)
		if err != nil {
			logger.WithError(err).WithField("conversation_id", id).Warn("Failed to open conversation")
			continue
		}
		opened = append(opened, conv)
	}
	logger.WithField("count", len(opened)).Info("Conversations opened")

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(c *models.Config) {
		applyLogLevel(logger, c.LogLevel, *verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	if *interactive {
		if len(opened) == 0 {
			logger.Warn("Interactive mode needs at least one --conversation")
		} else {
			go readInput(ctx, os.Stdin, opened[0], logger)
		}
	}

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	var server *Server
	if !*noStatus {
		addr := cfg.Server.Addr
		if *statusAddr != "" {
			addr = *statusAddr
		}
		server = NewServer(messenger, logger)
		go func() {
			if err := server.Start(addr); err != nil {
				serverErrCh <- fmt.Errorf("server error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
	}

	logger.Info("Shutdown completed")
	return nil
}

func validateSession(cfg *models.Config) error {
	if strings.TrimSpace(cfg.Session.UserID) == "" {
		return fmt.Errorf("session user id is required (session.user_id or SPACECHAT_USER_ID)")
	}
	if strings.TrimSpace(cfg.Session.Token) == "" {
		return fmt.Errorf("session token is required (SPACECHAT_TOKEN)")
	}
	return nil
}

// applyLogLevel keeps debug output behind --verbose since it carries
// message content.
func applyLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	if configured == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func openCache(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Cache.Path)
		if initErr != nil {
			logger.Warnf("Failed to open cache database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database after retries: %w", err)
	}
	return db, nil
}

// readInput sends each non-empty line to conv. Lines starting with "/" are
// commands: /refresh, /read <message id>, /retry.
func readInput(ctx context.Context, in io.Reader, conv *service.Conversation, logger *logrus.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handleInput(ctx, line, conv); err != nil {
			logger.WithError(err).Warn("Input failed")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Debug("Stopped reading input")
	}
}

func handleInput(ctx context.Context, line string, conv *service.Conversation) error {
	if !strings.HasPrefix(line, "/") {
		_, err := conv.Send(ctx, line)
		return err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/refresh":
		return conv.Refresh(ctx)
	case "/read":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /read <message id>")
		}
		conv.MarkRead(ctx, fields[1])
		return nil
	case "/retry":
		conv.RetryConnection()
		return nil
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}
