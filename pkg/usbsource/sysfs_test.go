package usbsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
)

func writeSysfsDevice(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	for file, value := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(value+"\n"), 0o644))
	}
}

func TestListScansPhysicalDevices(t *testing.T) {
	root := t.TempDir()

	writeSysfsDevice(t, root, "1-2", map[string]string{
		"idVendor":     "0951",
		"idProduct":    "1666",
		"serial":       "ABC123",
		"speed":        "5000",
		"version":      "3.00",
		"manufacturer": "Kingston",
		"product":      "DataTraveler",
	})

	// Root hubs and interface nodes must be skipped.
	writeSysfsDevice(t, root, "usb1", map[string]string{"idVendor": "1d6b"})
	writeSysfsDevice(t, root, "1-2:1.0", map[string]string{"bInterfaceClass": "08"})

	source := NewWithRoot(root, logger.NewTestLogger())

	events, err := source.List(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, models.EventAdded, event.Kind)
	assert.Equal(t, "0951", event.Attrs[models.AttrVendorID])
	assert.Equal(t, "1666", event.Attrs[models.AttrProductID])
	assert.Equal(t, "ABC123", event.Attrs[models.AttrSerial])
	assert.Equal(t, "1-2", event.Attrs[models.AttrPortPath])
	assert.Equal(t, "5000", event.Attrs[models.AttrSpeedMbps])
	assert.Equal(t, "Kingston", event.Attrs[models.AttrVendor])
}

func TestListToleratesSparseAttributes(t *testing.T) {
	root := t.TempDir()

	writeSysfsDevice(t, root, "2-1", map[string]string{
		"idVendor":  "1d6b",
		"idProduct": "0002",
	})

	source := NewWithRoot(root, logger.NewTestLogger())

	events, err := source.List(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, hasSerial := events[0].Attrs[models.AttrSerial]
	assert.False(t, hasSerial)
	assert.Equal(t, "2-1", events[0].Attrs[models.AttrPortPath])
}

func TestParseUEvent(t *testing.T) {
	payload := []byte("add@/devices/pci0000:00/0000:00:14.0/usb1/1-2\x00" +
		"ACTION=add\x00" +
		"DEVPATH=/devices/pci0000:00/0000:00:14.0/usb1/1-2\x00" +
		"SUBSYSTEM=usb\x00" +
		"DEVTYPE=usb_device\x00" +
		"BUSNUM=001\x00" +
		"DEVNUM=004\x00")

	ev, ok := parseUEvent(payload)
	require.True(t, ok)

	assert.Equal(t, "add", ev.action)
	assert.Equal(t, "/devices/pci0000:00/0000:00:14.0/usb1/1-2", ev.devPath)
	assert.True(t, ev.isUSBDevice())
	assert.Equal(t, "1-2", ev.sysName())

	kind, ok := ev.kind()
	require.True(t, ok)
	assert.Equal(t, models.EventAdded, kind)
}

func TestParseUEventRejectsUdevMessages(t *testing.T) {
	_, ok := parseUEvent([]byte("libudev\x00binary-payload"))
	assert.False(t, ok)
}

func TestParseUEventRejectsGarbage(t *testing.T) {
	_, ok := parseUEvent([]byte("no-separator-here"))
	assert.False(t, ok)
}

func TestUEventInterfaceEventsFiltered(t *testing.T) {
	payload := []byte("add@/devices/pci0000:00/usb1/1-2/1-2:1.0\x00" +
		"SUBSYSTEM=usb\x00" +
		"DEVTYPE=usb_interface\x00")

	ev, ok := parseUEvent(payload)
	require.True(t, ok)
	assert.False(t, ev.isUSBDevice())
}

func TestUEventKinds(t *testing.T) {
	tests := []struct {
		action string
		want   models.EventKind
		ok     bool
	}{
		{"add", models.EventAdded, true},
		{"remove", models.EventRemoved, true},
		{"bind", models.EventBound, true},
		{"unbind", models.EventUnbound, true},
		{"change", "", false},
	}

	for _, tt := range tests {
		ev := uevent{action: tt.action}

		kind, ok := ev.kind()
		assert.Equal(t, tt.ok, ok, "action=%s", tt.action)

		if tt.ok {
			assert.Equal(t, tt.want, kind, "action=%s", tt.action)
		}
	}
}
