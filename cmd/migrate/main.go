package main

import (
	"context"
	"fmt"
	"os"

	"spacechat/internal/constants"
	"spacechat/internal/database"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	dbPath := flag.String("db", constants.DefaultCachePath, "Path to the cache database file")
	purge := flag.Bool("purge", false, "Remove all cached messages and unread counts")
	forget := flag.StringArray("forget", nil, "Remove the cached snapshot of a conversation (repeatable)")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(context.Background(), *dbPath, *purge, *forget, logger); err != nil {
		logger.Fatalf("Cache maintenance failed: %v", err)
	}
}

func run(ctx context.Context, dbPath string, purge bool, forget []string, logger *logrus.Logger) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("cache database not found: %s", dbPath)
	}

	// Opening applies any pending migrations
	db, err := database.New(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path":      dbPath,
		"version":   version,
		"encrypted": db.Encrypted(),
	}).Info("Cache schema is up to date")

	for _, id := range forget {
		if err := db.DeleteSnapshot(ctx, id); err != nil {
			return fmt.Errorf("forget conversation %s: %w", id, err)
		}
		logger.WithField("conversation_id", id).Info("Cached conversation removed")
	}

	if purge {
		if err := db.Purge(ctx); err != nil {
			return fmt.Errorf("purge cache: %w", err)
		}
		logger.Info("Cache purged")
	}
	return nil
}
