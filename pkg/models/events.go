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

import "time"

// EventKind is the action reported by the kernel for a device node.
type EventKind string

const (
	EventAdded   EventKind = "add"
	EventRemoved EventKind = "remove"
	EventBound   EventKind = "bind"
	EventUnbound EventKind = "unbind"
)

// Attribute bag keys populated by the device source.
const (
	AttrVendorID    = "vendor_id"
	AttrProductID   = "product_id"
	AttrSerial      = "serial"
	AttrPortPath    = "port_path"
	AttrSpeedMbps   = "speed_mbps"
	AttrUSBVersion  = "usb_version"
	AttrVendor      = "vendor"
	AttrModel       = "model"
	AttrDeviceClass = "device_class"
)

// RawEvent is a transient kernel device event as delivered by the
// enumeration or subscription capability. DevPath is the kernel-assigned
// node path; it is ephemeral and must never be treated as an identity.
type RawEvent struct {
	Kind    EventKind         `json:"kind"`
	DevPath string            `json:"dev_path"`
	Attrs   map[string]string `json:"attrs"`
}

// ConnectionEventType classifies a history log entry.
type ConnectionEventType string

const (
	ConnectionConnected    ConnectionEventType = "connected"
	ConnectionDisconnected ConnectionEventType = "disconnected"
	ConnectionSpeedChanged ConnectionEventType = "speed_changed"
)

// ConnectionEvent is one append-only history log entry. Entries are never
// mutated or deleted by the core.
type ConnectionEvent struct {
	Key       IdentityKey         `json:"key"`
	Timestamp time.Time           `json:"timestamp"`
	Type      ConnectionEventType `json:"type"`
	SpeedMbps int                 `json:"speed_mbps"`
}

// DeltaKind is the primary state transition a registry apply produced.
type DeltaKind string

const (
	DeltaCreated      DeltaKind = "created"
	DeltaReconnected  DeltaKind = "reconnected"
	DeltaUpdated      DeltaKind = "updated"
	DeltaDisconnected DeltaKind = "disconnected"
)

// Delta describes what changed in the registry as a result of applying one
// event. Device is a post-apply snapshot; observers never receive a live
// pointer into registry state.
type Delta struct {
	Kind         DeltaKind     `json:"kind"`
	Key          IdentityKey   `json:"key"`
	Device       LogicalDevice `json:"device"`
	SpeedChanged bool          `json:"speed_changed"`
	Timestamp    time.Time     `json:"timestamp"`
}
