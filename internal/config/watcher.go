package config

import (
	"context"
	"os"
	"sync"
	"time"

	"spacechat/internal/constants"
	"spacechat/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls the configuration file and notifies subscribers when it changes
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		interval:   constants.ConfigWatchIntervalSec * time.Second,
		logger:     logger,
		callbacks:  make([]func(*models.Config), 0),
	}
}

// Start loads the configuration and blocks, polling for changes until ctx is done
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Debug("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				lastModTime = stat.ModTime()
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback to be called when configuration changes
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded")
	cw.logConfigChanges(oldConfig, newConfig)

	for _, callback := range callbacks {
		func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}
}

// Only the settings that take effect without a restart are reported
func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Messaging.FocusedPollSec != new.Messaging.FocusedPollSec ||
		old.Messaging.BackgroundPollSec != new.Messaging.BackgroundPollSec {
		cw.logger.WithFields(logrus.Fields{
			"focused_sec":    new.Messaging.FocusedPollSec,
			"background_sec": new.Messaging.BackgroundPollSec,
		}).Info("Poll intervals changed")
	}

	if old.Unread.PollIntervalSec != new.Unread.PollIntervalSec {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Unread.PollIntervalSec,
			"new": new.Unread.PollIntervalSec,
		}).Info("Unread poll interval changed")
	}
}
