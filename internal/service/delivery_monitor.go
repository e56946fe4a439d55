package service

import (
	"context"
	"sync"
	"time"

	"spacechat/internal/constants"
	"spacechat/internal/metrics"

	"github.com/sirupsen/logrus"
)

// StalePendingCounter reports placeholders still waiting for confirmation
type StalePendingCounter interface {
	StalePending(threshold time.Duration) int
}

// DeliveryMonitor periodically reports sends that were accepted for live
// delivery but never echoed back
type DeliveryMonitor struct {
	store          StalePendingCounter
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewDeliveryMonitor(store StalePendingCounter, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	if checkInterval <= 0 {
		checkInterval = time.Duration(constants.DefaultPendingCheckSec) * time.Second
	}
	if staleThreshold <= 0 {
		staleThreshold = time.Duration(constants.DefaultPendingStaleSec) * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &DeliveryMonitor{
		store:          store,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Debug("Starting delivery monitor")

	m.wg.Add(1)
	go m.loop(ctx, m.stopCh)
}

func (m *DeliveryMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
	metrics.SetGauge(metrics.MessagesStale, 0, nil, "Sends waiting too long for confirmation")
}

func (m *DeliveryMonitor) loop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.checkStaleMessages()
		}
	}
}

func (m *DeliveryMonitor) checkStaleMessages() int {
	count := m.store.StalePending(m.staleThreshold)
	metrics.SetGauge(metrics.MessagesStale, float64(count), nil, "Sends waiting too long for confirmation")
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_count": count,
			"threshold":   m.staleThreshold,
		}).Warn("Messages still pending without delivery confirmation")
	}
	return count
}
