/*
 * Copyright 2026 Cord ID Monitor Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"fmt"
	"time"
)

// DeviceDescriptor is an immutable normalized snapshot of one observed
// device. Equality is structural; descriptors are never mutated after the
// normalizer produces them.
type DeviceDescriptor struct {
	VendorID   string  `json:"vendor_id"`
	ProductID  string  `json:"product_id"`
	Serial     *string `json:"serial,omitempty"`
	PortPath   string  `json:"port_path"`
	SpeedMbps  int     `json:"speed_mbps"`
	USBVersion string  `json:"usb_version,omitempty"`
	Vendor     string  `json:"vendor,omitempty"`
	Model      string  `json:"model,omitempty"`
}

// HasSerial reports whether the descriptor carries a usable serial number.
func (d *DeviceDescriptor) HasSerial() bool {
	return d.Serial != nil && *d.Serial != ""
}

// IdentityKeyKind discriminates the two identity tiers.
type IdentityKeyKind string

const (
	// KeyKindSerial identifies a device by its serial number. Stable
	// across any port or cable.
	KeyKindSerial IdentityKeyKind = "serial"

	// KeyKindPort identifies a serial-less device by vendor:product plus
	// the physical port it is attached to. Stable only while the device
	// stays on the same port.
	KeyKindPort IdentityKeyKind = "port"
)

// IdentityKey is the stable identifier for a physical device across
// reconnections. It is a plain comparable value, usable as a map key.
type IdentityKey struct {
	Kind      IdentityKeyKind `json:"kind"`
	Serial    string          `json:"serial,omitempty"`
	VendorID  string          `json:"vendor_id,omitempty"`
	ProductID string          `json:"product_id,omitempty"`
	PortPath  string          `json:"port_path,omitempty"`
}

// SerialKey builds the serial-tier identity key.
func SerialKey(serial string) IdentityKey {
	return IdentityKey{Kind: KeyKindSerial, Serial: serial}
}

// PortKey builds the fallback identity key for serial-less devices.
func PortKey(vendorID, productID, portPath string) IdentityKey {
	return IdentityKey{
		Kind:      KeyKindPort,
		VendorID:  vendorID,
		ProductID: productID,
		PortPath:  portPath,
	}
}

// String renders the key in the canonical persisted form, e.g.
// "serial:ABC123" or "port:1d6b:0002:1-1.2".
func (k IdentityKey) String() string {
	if k.Kind == KeyKindSerial {
		return fmt.Sprintf("serial:%s", k.Serial)
	}

	return fmt.Sprintf("port:%s:%s:%s", k.VendorID, k.ProductID, k.PortPath)
}

// ConnectionState is the live state of a logical device.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// LogicalDevice is the durable per-identity record tracked by the registry.
// BestSpeedMbps is a monotonic high-water mark; CurrentSpeedMbps is set iff
// the device is connected.
type LogicalDevice struct {
	Key              IdentityKey     `json:"key"`
	DisplayName      string          `json:"display_name"`
	BestSpeedMbps    int             `json:"best_speed_mbps"`
	CurrentSpeedMbps *int            `json:"current_speed_mbps,omitempty"`
	State            ConnectionState `json:"state"`
	FirstSeen        time.Time       `json:"first_seen"`
	LastSeen         time.Time       `json:"last_seen"`
	Downgraded       bool            `json:"downgraded"`
}

// Connected reports whether the device is currently attached.
func (d *LogicalDevice) Connected() bool {
	return d.State == StateConnected
}
