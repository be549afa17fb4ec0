// Package monitor drives the ingestion pipeline: it enumerates devices at
// startup, then applies the live kernel event stream to the registry,
// forwarding every resulting delta to the history log and the notification
// bus. All per-event failures are contained here; nothing recoverable ever
// terminates the loop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meliorisse/cordwatch/pkg/identity"
	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
	"github.com/meliorisse/cordwatch/pkg/registry"
)

// ErrSubscriptionLost indicates the kernel event source went away while
// monitoring was supposed to continue. Fatal to the loop: the supervisor
// must restart rather than let a silently frozen monitor report
// "all stable".
var ErrSubscriptionLost = errors.New("device event subscription lost")

// DeviceSource is the external enumeration/subscription capability. List
// reports currently attached devices as Added events; Watch delivers the
// live stream until the context is canceled or the source fails.
type DeviceSource interface {
	List(ctx context.Context) ([]models.RawEvent, error)
	Watch(ctx context.Context) (<-chan models.RawEvent, error)
}

// Recorder consumes connection events for the history log.
type Recorder interface {
	Record(event models.ConnectionEvent)
}

// Publisher fans registry deltas out to observers.
type Publisher interface {
	Publish(delta models.Delta)
}

// Monitor owns the single ingestion goroutine. The devpath index is only
// touched from that goroutine and needs no locking.
type Monitor struct {
	source   DeviceSource
	registry *registry.Registry
	history  Recorder
	bus      Publisher
	logger   logger.Logger

	// Ephemeral kernel path → identity. Kernel remove events carry only
	// the path, so without this table a disconnect cannot be correlated
	// back to its device.
	pathIndex map[string]models.IdentityKey

	now  func() time.Time
	done chan struct{}
}

// New wires the pipeline. History and bus may be nil in tests.
func New(source DeviceSource, reg *registry.Registry, hist Recorder, bus Publisher, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Monitor{
		source:    source,
		registry:  reg,
		history:   hist,
		bus:       bus,
		logger:    log,
		pathIndex: make(map[string]models.IdentityKey),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Run enumerates current devices, then blocks on the live event stream
// until the context is canceled, Stop is called, or the subscription is
// lost. Events are processed strictly in arrival order.
func (m *Monitor) Run(ctx context.Context) error {
	devices, err := m.source.List(ctx)
	if err != nil {
		return fmt.Errorf("initial device enumeration failed: %w", err)
	}

	for i := range devices {
		m.handleEvent(&devices[i])
	}

	m.logger.Info().Int("devices", len(devices)).Msg("Initial enumeration complete")

	events, err := m.source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("device event subscription failed: %w", err)
	}

	m.logger.Info().Msg("Monitoring started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Context canceled, stopping monitor")

			return ctx.Err()
		case <-m.done:
			m.logger.Info().Msg("Received done signal, stopping monitor")

			return nil
		case event, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				m.logger.Error().Msg("Event stream closed unexpectedly")

				return ErrSubscriptionLost
			}

			m.handleEvent(&event)
		}
	}
}

// Stop requests a cooperative shutdown of a running monitor.
func (m *Monitor) Stop() {
	close(m.done)
}

func (m *Monitor) handleEvent(event *models.RawEvent) {
	switch event.Kind {
	case models.EventAdded, models.EventBound:
		m.handleAttach(event)
	case models.EventRemoved, models.EventUnbound:
		m.handleDetach(event)
	default:
		m.logger.Debug().
			Str("kind", string(event.Kind)).
			Str("dev_path", event.DevPath).
			Msg("Ignoring unrecognized event kind")
	}
}

func (m *Monitor) handleAttach(event *models.RawEvent) {
	desc, err := identity.Normalize(event)
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("dev_path", event.DevPath).
			Msg("Skipping malformed event")

		return
	}

	key := identity.Resolve(&desc)
	m.pathIndex[event.DevPath] = key

	delta := m.registry.ApplyConnected(key, &desc, m.now())
	m.dispatch(delta)
}

func (m *Monitor) handleDetach(event *models.RawEvent) {
	key, ok := m.pathIndex[event.DevPath]
	if !ok {
		// Remove events usually carry only the path, but fall back to the
		// attribute bag when the kernel included one.
		if desc, err := identity.Normalize(event); err == nil {
			key = identity.Resolve(&desc)
			ok = true
		}
	}

	if !ok {
		m.logger.Warn().
			Str("dev_path", event.DevPath).
			Msg("Detach for unindexed device path, likely a missed add event")

		return
	}

	// Unbind leaves the device attached; only a remove evicts the path
	// mapping and transitions the record.
	if event.Kind == models.EventUnbound {
		m.logger.Debug().
			Str("device", key.String()).
			Str("dev_path", event.DevPath).
			Msg("Driver unbound")

		return
	}

	delete(m.pathIndex, event.DevPath)

	delta, applied := m.registry.ApplyDisconnected(key, m.now())
	if applied {
		m.dispatch(delta)
	}
}

// dispatch records the history entry derived from the delta and publishes
// the delta, in that order.
func (m *Monitor) dispatch(delta models.Delta) {
	if m.history != nil {
		if event, ok := historyEvent(delta); ok {
			m.history.Record(event)
		}
	}

	if m.bus != nil {
		m.bus.Publish(delta)
	}
}

func historyEvent(delta models.Delta) (models.ConnectionEvent, bool) {
	event := models.ConnectionEvent{
		Key:       delta.Key,
		Timestamp: delta.Timestamp,
	}

	switch delta.Kind {
	case models.DeltaCreated, models.DeltaReconnected:
		event.Type = models.ConnectionConnected
		if delta.Device.CurrentSpeedMbps != nil {
			event.SpeedMbps = *delta.Device.CurrentSpeedMbps
		}
	case models.DeltaUpdated:
		if !delta.SpeedChanged {
			// Duplicate notification with nothing new; not history.
			return models.ConnectionEvent{}, false
		}

		event.Type = models.ConnectionSpeedChanged
		if delta.Device.CurrentSpeedMbps != nil {
			event.SpeedMbps = *delta.Device.CurrentSpeedMbps
		}
	case models.DeltaDisconnected:
		event.Type = models.ConnectionDisconnected
	default:
		return models.ConnectionEvent{}, false
	}

	return event, true
}
