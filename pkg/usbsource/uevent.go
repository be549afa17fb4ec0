package usbsource

import (
	"strings"

	"github.com/meliorisse/cordwatch/pkg/models"
)

// uevent is one parsed kernel notification.
type uevent struct {
	action  string
	devPath string
	props   map[string]string
}

// parseUEvent decodes a kernel uevent payload: an "action@devpath" header
// followed by NUL-separated KEY=VALUE pairs. Udev-forwarded messages carry
// a "libudev" magic header instead and are rejected; we listen to the raw
// kernel group only.
func parseUEvent(data []byte) (uevent, bool) {
	fields := strings.Split(string(data), "\x00")
	if len(fields) == 0 {
		return uevent{}, false
	}

	header := fields[0]
	if strings.HasPrefix(header, "libudev") {
		return uevent{}, false
	}

	at := strings.IndexByte(header, '@')
	if at <= 0 {
		return uevent{}, false
	}

	ev := uevent{
		action:  header[:at],
		devPath: header[at+1:],
		props:   make(map[string]string),
	}

	for _, field := range fields[1:] {
		if field == "" {
			continue
		}

		if eq := strings.IndexByte(field, '='); eq > 0 {
			ev.props[field[:eq]] = field[eq+1:]
		}
	}

	return ev, true
}

// isUSBDevice filters to physical device events, excluding interface-level
// notifications for the same plug.
func (e *uevent) isUSBDevice() bool {
	return e.props["SUBSYSTEM"] == "usb" && e.props["DEVTYPE"] == "usb_device"
}

// kind maps the uevent action to the event kinds the pipeline understands.
func (e *uevent) kind() (models.EventKind, bool) {
	switch e.action {
	case "add":
		return models.EventAdded, true
	case "remove":
		return models.EventRemoved, true
	case "bind":
		return models.EventBound, true
	case "unbind":
		return models.EventUnbound, true
	}

	return "", false
}

// sysName extracts the topology name (e.g. "1-2.3") from a DEVPATH.
func (e *uevent) sysName() string {
	if idx := strings.LastIndexByte(e.devPath, '/'); idx >= 0 {
		return e.devPath[idx+1:]
	}

	return e.devPath
}
