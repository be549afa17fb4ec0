// Package identity converts raw kernel events into normalized device
// descriptors and derives stable identity keys from them.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/meliorisse/cordwatch/pkg/models"
)

// ErrMalformedEvent indicates a raw event missing the attributes required
// to describe a device. Callers skip the event and keep the loop running.
var ErrMalformedEvent = errors.New("malformed device event")

// Normalize validates a raw event's attribute bag and produces an immutable
// DeviceDescriptor. Vendor ID, product ID, and port path are required; a
// missing or unparseable speed degrades to 0 (unknown) rather than failing.
// Pure function, no side effects.
func Normalize(event *models.RawEvent) (models.DeviceDescriptor, error) {
	if event == nil || event.Attrs == nil {
		return models.DeviceDescriptor{}, fmt.Errorf("%w: no attributes", ErrMalformedEvent)
	}

	vendorID := strings.TrimSpace(event.Attrs[models.AttrVendorID])
	if vendorID == "" {
		return models.DeviceDescriptor{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, models.AttrVendorID)
	}

	productID := strings.TrimSpace(event.Attrs[models.AttrProductID])
	if productID == "" {
		return models.DeviceDescriptor{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, models.AttrProductID)
	}

	portPath := strings.TrimSpace(event.Attrs[models.AttrPortPath])
	if portPath == "" {
		return models.DeviceDescriptor{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, models.AttrPortPath)
	}

	desc := models.DeviceDescriptor{
		VendorID:   strings.ToLower(vendorID),
		ProductID:  strings.ToLower(productID),
		PortPath:   portPath,
		SpeedMbps:  parseSpeed(event.Attrs[models.AttrSpeedMbps]),
		USBVersion: strings.TrimSpace(event.Attrs[models.AttrUSBVersion]),
		Vendor:     strings.TrimSpace(event.Attrs[models.AttrVendor]),
		Model:      strings.TrimSpace(event.Attrs[models.AttrModel]),
	}

	if serial := strings.TrimSpace(event.Attrs[models.AttrSerial]); serial != "" {
		desc.Serial = &serial
	}

	return desc, nil
}

// parseSpeed reads the negotiated speed attribute. The kernel reports some
// low-speed devices with fractional values ("1.5"); those round down.
func parseSpeed(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}

	if mbps, err := strconv.Atoi(raw); err == nil && mbps >= 0 {
		return mbps
	}

	if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 {
		return int(f)
	}

	return 0
}
