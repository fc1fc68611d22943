package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/logging"
)

const (
	// DefaultQueueSize is the maximum number of events that can be queued.
	DefaultQueueSize = 100

	drainTimeout = 5 * time.Second
)

// Manager coordinates notification delivery across multiple providers.
// It uses an async bounded queue to prevent blocking rotation operations.
type Manager struct {
	providers []NotificationProvider
	queue     chan RotationEvent
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	done      chan struct{}
	logger    *logging.Logger

	droppedCount int64
	droppedMu    sync.Mutex
}

// NewManager creates a new notification manager with the specified queue size.
// If queueSize is 0, DefaultQueueSize is used.
func NewManager(queueSize int, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		providers: make([]NotificationProvider, 0),
		queue:     make(chan RotationEvent, queueSize),
		done:      make(chan struct{}),
		logger:    logger.With("notify"),
	}
}

// NewFromConfig builds a manager with every configured webhook and the
// PagerDuty sink. A nil config yields a manager with no providers.
func NewFromConfig(cfg *config.NotificationConfig, logger *logging.Logger) (*Manager, error) {
	if cfg == nil {
		return NewManager(0, logger), nil
	}
	m := NewManager(cfg.QueueSize, logger)
	for i := range cfg.Webhooks {
		p, err := CreateWebhookProvider(&cfg.Webhooks[i])
		if err != nil {
			return nil, fmt.Errorf("webhook %q: %w", cfg.Webhooks[i].Name, err)
		}
		m.RegisterProvider(p)
	}
	if cfg.PagerDuty != nil {
		p, err := CreatePagerDutyProvider(cfg.PagerDuty)
		if err != nil {
			return nil, fmt.Errorf("pagerduty: %w", err)
		}
		m.RegisterProvider(p)
	}
	return m, nil
}

// RegisterProvider adds a notification provider to the manager.
func (m *Manager) RegisterProvider(provider NotificationProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []NotificationProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]NotificationProvider, len(m.providers))
	copy(providers, m.providers)
	return providers
}

// Start begins the background notification worker goroutine.
// Events sent before Start are discarded.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop gracefully shuts down the notification manager.
// It waits for pending notifications to be processed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Send queues a rotation event for notification delivery.
// If the queue is full the event is dropped and counted.
// This method never blocks - notifications are best-effort.
func (m *Manager) Send(event RotationEvent) {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return
	}
	m.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()

		incrementDroppedCounter()
		m.logger.Warn("notification queue full, dropped %s event for job %s", event.Type, event.JobID)
	}
}

// DroppedCount returns the number of events that were dropped due to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-m.done:
			m.drainQueue()
			return
		case event, ok := <-m.queue:
			if !ok {
				return
			}
			m.dispatchEvent(ctx, event)
		}
	}
}

// drainQueue delivers whatever is still queued, each with a short deadline.
func (m *Manager) drainQueue() {
	for {
		select {
		case event, ok := <-m.queue:
			if !ok {
				return
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatchEvent(drainCtx, event)
			cancel()
		default:
			return
		}
	}
}

// dispatchEvent sends an event to all providers that support it.
func (m *Manager) dispatchEvent(ctx context.Context, event RotationEvent) {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	for _, provider := range providers {
		if !provider.SupportsEvent(event.Type) {
			continue
		}

		if err := provider.Send(ctx, event); err != nil {
			m.logger.Warn("%s: failed to deliver %s event for job %s: %v", provider.Name(), event.Type, event.JobID, err)
		}
	}
}
