// Package usbsource implements the device enumeration and subscription
// capabilities on Linux, scanning sysfs for attached devices and receiving
// kernel uevents over a netlink socket.
package usbsource

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
)

// DefaultSysfsPath is where the kernel exposes the USB device tree.
const DefaultSysfsPath = "/sys/bus/usb/devices"

// Source reads USB device state from sysfs and kernel uevents.
type Source struct {
	sysfsRoot string
	logger    logger.Logger
}

// New creates a source rooted at the standard sysfs path.
func New(log logger.Logger) *Source {
	return NewWithRoot(DefaultSysfsPath, log)
}

// NewWithRoot creates a source against an alternate sysfs root, used by
// tests.
func NewWithRoot(root string, log logger.Logger) *Source {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Source{sysfsRoot: root, logger: log}
}

// List scans sysfs and reports every attached physical device as an Added
// event. Hub root entries (usb1, usb2, ...) and interface nodes (1-1:1.0)
// are skipped so each physical plug appears exactly once.
func (s *Source) List(_ context.Context) ([]models.RawEvent, error) {
	entries, err := os.ReadDir(s.sysfsRoot)
	if err != nil {
		return nil, err
	}

	var events []models.RawEvent

	for _, entry := range entries {
		name := entry.Name()

		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		entryPath := filepath.Join(s.sysfsRoot, name)

		event := models.RawEvent{
			Kind:    models.EventAdded,
			DevPath: devPathFor(entryPath),
			Attrs:   readDeviceAttrs(entryPath, name),
		}

		events = append(events, event)
	}

	return events, nil
}

// readDeviceAttrs reads the per-device sysfs attribute files. Attributes a
// device does not expose are simply absent from the bag; the normalizer
// decides what is required.
func readDeviceAttrs(entryPath, sysName string) map[string]string {
	attrs := map[string]string{
		models.AttrPortPath: sysName,
	}

	files := map[string]string{
		"idVendor":     models.AttrVendorID,
		"idProduct":    models.AttrProductID,
		"serial":       models.AttrSerial,
		"speed":        models.AttrSpeedMbps,
		"version":      models.AttrUSBVersion,
		"manufacturer": models.AttrVendor,
		"product":      models.AttrModel,
		"bDeviceClass": models.AttrDeviceClass,
	}

	for file, key := range files {
		if value := readAttr(entryPath, file); value != "" {
			attrs[key] = value
		}
	}

	return attrs
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// devPathFor resolves a sysfs bus entry (usually a symlink into
// /sys/devices) to the kernel DEVPATH form used by uevents, so startup
// enumeration and live events correlate on the same path.
func devPathFor(entryPath string) string {
	resolved, err := filepath.EvalSymlinks(entryPath)
	if err != nil {
		return entryPath
	}

	return strings.TrimPrefix(resolved, "/sys")
}
