// Package registry is the single authority over logical device records. It
// applies connect/disconnect transitions under mutual exclusion, detects
// link downgrades against each device's historical best speed, and serves
// point-in-time snapshots to readers without blocking writers.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/meliorisse/cordwatch/pkg/identity"
	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
)

// Registry owns the live IdentityKey → LogicalDevice mapping. All apply
// operations are linearizable; reads return cloned records so callers can
// never mutate registry state through a snapshot.
type Registry struct {
	mu      sync.RWMutex
	devices map[models.IdentityKey]*models.LogicalDevice
	logger  logger.Logger
}

// New creates an empty registry.
func New(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Registry{
		devices: make(map[models.IdentityKey]*models.LogicalDevice),
		logger:  log,
	}
}

// ApplyConnected transitions the record for key to Connected, creating it
// on first observation. The best-speed high-water mark only ever rises; a
// duplicate add for an already-connected key is treated as a speed update,
// not an error.
func (r *Registry) ApplyConnected(key models.IdentityKey, desc *models.DeviceDescriptor, ts time.Time) models.Delta {
	speed := desc.SpeedMbps

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[key]
	if !ok {
		record := &models.LogicalDevice{
			Key:              key,
			DisplayName:      identity.FriendlyName(desc),
			BestSpeedMbps:    speed,
			CurrentSpeedMbps: &speed,
			State:            models.StateConnected,
			FirstSeen:        ts,
			LastSeen:         ts,
		}
		r.devices[key] = record

		r.logger.Info().
			Str("device", key.String()).
			Int("speed_mbps", speed).
			Msg("New device registered")

		return models.Delta{
			Kind:         models.DeltaCreated,
			Key:          key,
			Device:       *cloneDevice(record),
			SpeedChanged: true,
			Timestamp:    ts,
		}
	}

	kind := models.DeltaReconnected
	if existing.State == models.StateConnected {
		// Duplicate kernel notification; idempotent by policy.
		kind = models.DeltaUpdated
	}

	speedChanged := existing.CurrentSpeedMbps == nil || *existing.CurrentSpeedMbps != speed

	existing.State = models.StateConnected
	existing.CurrentSpeedMbps = &speed
	existing.LastSeen = ts
	existing.DisplayName = identity.FriendlyName(desc)

	if speed > existing.BestSpeedMbps {
		existing.BestSpeedMbps = speed
	}

	existing.Downgraded = speed < existing.BestSpeedMbps

	if existing.Downgraded {
		r.logger.Warn().
			Str("device", key.String()).
			Int("speed_mbps", speed).
			Int("best_speed_mbps", existing.BestSpeedMbps).
			Msg("Link downgrade detected")
	}

	return models.Delta{
		Kind:         kind,
		Key:          key,
		Device:       *cloneDevice(existing),
		SpeedChanged: speedChanged,
		Timestamp:    ts,
	}
}

// ApplyDisconnected transitions the record for key to Disconnected,
// clearing the current speed and preserving the best-speed mark. A
// disconnect for an unknown key indicates a missed add event; it is logged
// and reported with ok=false, never an error that could stop the loop.
func (r *Registry) ApplyDisconnected(key models.IdentityKey, ts time.Time) (models.Delta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[key]
	if !ok {
		r.logger.Warn().
			Str("device", key.String()).
			Msg("Disconnect for unknown device, likely a missed add event")

		return models.Delta{}, false
	}

	if existing.State == models.StateDisconnected {
		r.logger.Debug().
			Str("device", key.String()).
			Msg("Duplicate disconnect ignored")

		return models.Delta{}, false
	}

	existing.State = models.StateDisconnected
	existing.CurrentSpeedMbps = nil
	existing.Downgraded = false
	existing.LastSeen = ts

	return models.Delta{
		Kind:      models.DeltaDisconnected,
		Key:       key,
		Device:    *cloneDevice(existing),
		Timestamp: ts,
	}, true
}

// Get retrieves a cloned record by key.
func (r *Registry) Get(key models.IdentityKey) (*models.LogicalDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.devices[key]
	if !ok {
		return nil, false
	}

	return cloneDevice(record), true
}

// Snapshot returns a consistent point-in-time copy of every record,
// ordered by last-seen time descending. Safe to call concurrently with
// apply operations.
func (r *Registry) Snapshot() []models.LogicalDevice {
	r.mu.RLock()

	out := make([]models.LogicalDevice, 0, len(r.devices))
	for _, record := range r.devices {
		out = append(out, *cloneDevice(record))
	}

	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}

		return out[i].Key.String() < out[j].Key.String()
	})

	return out
}

// Len reports the number of records, connected or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}

func cloneDevice(record *models.LogicalDevice) *models.LogicalDevice {
	clone := *record

	if record.CurrentSpeedMbps != nil {
		speed := *record.CurrentSpeedMbps
		clone.CurrentSpeedMbps = &speed
	}

	return &clone
}
