// Package speed renders negotiated USB link speeds and protocol versions
// as human-readable labels.
package speed

import (
	"fmt"
	"strings"
)

// marketing maps exact signaling rates to their standard names.
var marketing = map[int][2]string{
	1:     {"1.5 Mbps", "USB 1.1 Low Speed"},
	12:    {"12 Mbps", "USB 1.1 Full Speed"},
	480:   {"480 Mbps", "USB 2.0 High Speed"},
	5000:  {"5 Gbps", "USB 3.2 Gen 1 (SuperSpeed)"},
	10000: {"10 Gbps", "USB 3.2 Gen 2 (SuperSpeed+)"},
	20000: {"20 Gbps", "USB 3.2 Gen 2x2 (SuperSpeed+ 20G)"},
	40000: {"40 Gbps", "USB4 Gen 3x2"},
	80000: {"80 Gbps", "USB4 Gen 4 (USB4 v2)"},
}

// Format converts a raw Mbps value to a display string and, when the rate
// matches a standard signaling rate, its USB marketing label. Zero means
// the speed was never observed.
func Format(mbps int) (display, label string) {
	if mbps <= 0 {
		return "Unknown", ""
	}

	if m, ok := marketing[mbps]; ok {
		return m[0], m[1]
	}

	if mbps >= 1000 {
		return fmt.Sprintf("%g Gbps", float64(mbps)/1000), ""
	}

	return fmt.Sprintf("%d Mbps", mbps), ""
}

// versionLabels maps sysfs protocol version prefixes to friendly names.
// The kernel reports the protocol version, not the negotiated speed.
var versionLabels = []struct {
	prefix string
	label  string
}{
	{"1.1", "USB 1.1"},
	{"2.0", "USB 2.0"},
	{"2.1", "USB 2.1"},
	{"3.0", "USB 3.0"},
	{"3.1", "USB 3.1"},
	{"3.2", "USB 3.2"},
	{"4.0", "USB4"},
}

// VersionLabel maps a sysfs version string such as "3.00" to a friendly
// protocol name.
func VersionLabel(version string) string {
	v := strings.TrimSpace(version)
	if v == "" {
		return "Unknown"
	}

	for _, entry := range versionLabels {
		if strings.HasPrefix(v, entry.prefix) {
			return entry.label
		}
	}

	return "USB " + v
}
