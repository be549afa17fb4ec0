package identity

import (
	"fmt"
	"strings"

	"github.com/meliorisse/cordwatch/pkg/models"
)

// Resolve derives the stable identity key for a descriptor. The policy is
// tiered, first match wins:
//
//  1. A non-empty serial number identifies the device outright; serials
//     survive port and cable changes.
//  2. Otherwise vendor:product plus the physical port path. This trades
//     false negatives (the same device on a new port looks new) for zero
//     false positives in practice.
//
// A serial-less device swapped for an identical model on the same port is
// indistinguishable under tier 2. That is a known limit of the heuristic,
// kept intentionally.
//
// Resolve is deterministic and total: the same descriptor always yields the
// same key, and missing data degrades identity quality without ever
// blocking resolution.
func Resolve(desc *models.DeviceDescriptor) models.IdentityKey {
	if desc.Serial != nil {
		if serial := strings.TrimSpace(*desc.Serial); serial != "" {
			return models.SerialKey(serial)
		}
	}

	return models.PortKey(desc.VendorID, desc.ProductID, desc.PortPath)
}

// FriendlyName builds a human-readable display name for a descriptor.
// Underscores in udev-reported vendor/model strings become spaces; devices
// reporting neither get a vid:pid placeholder.
func FriendlyName(desc *models.DeviceDescriptor) string {
	name := strings.TrimSpace(desc.Vendor + " " + desc.Model)
	if name == "" {
		name = fmt.Sprintf("USB Device (%s:%s)", desc.VendorID, desc.ProductID)
	}

	return strings.ReplaceAll(name, "_", " ")
}
