/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package protocol

import (
	"fmt"
	"strings"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
)

// NetShieldLevel is the content filtering level applied by the gateway.
type NetShieldLevel int

const (
	NETSHIELD_OFF             NetShieldLevel = 0
	NETSHIELD_MALWARE         NetShieldLevel = 1
	NETSHIELD_ADS_AND_MALWARE NetShieldLevel = 2
)

// NATType selects the gateway NAT behavior.
type NATType int

const (
	NAT_TYPE_STRICT   NATType = 0
	NAT_TYPE_MODERATE NATType = 1
)

// FeatureSet is the set of control channel features desired by the
// application. It is sent to the gateway over the control channel and, in
// CBOR form, to the privileged helper when refreshing certificates.
type FeatureSet struct {
	NetShield      NetShieldLevel `cbor:"1,keyasint" json:"netshield-level" yaml:"netShield"`
	VPNAccelerator bool           `cbor:"2,keyasint" json:"split-tcp" yaml:"vpnAccelerator"`
	Jailed         bool           `cbor:"3,keyasint,omitempty" json:"jail,omitempty" yaml:"jailed"`
	NATType        NATType        `cbor:"4,keyasint" json:"randomized-nat" yaml:"natType"`
	SafeMode       *bool          `cbor:"5,keyasint,omitempty" json:"safe-mode,omitempty" yaml:"safeMode,omitempty"`
	Bouncing       string         `cbor:"6,keyasint,omitempty" json:"bouncing,omitempty" yaml:"bouncing,omitempty"`
}

// DefaultFeatureSet is used when the application has not set features.
func DefaultFeatureSet() FeatureSet {
	return FeatureSet{
		NetShield:      NETSHIELD_OFF,
		VPNAccelerator: true,
		NATType:        NAT_TYPE_STRICT,
	}
}

// Validate checks enumerated values.
func (features FeatureSet) Validate() error {
	if features.NetShield < NETSHIELD_OFF || features.NetShield > NETSHIELD_ADS_AND_MALWARE {
		return errors.Tracef("invalid NetShield level: %d", features.NetShield)
	}
	if features.NATType != NAT_TYPE_STRICT && features.NATType != NAT_TYPE_MODERATE {
		return errors.Tracef("invalid NAT type: %d", features.NATType)
	}
	return nil
}

// WithJailed returns a copy of features with Jailed set.
func (features FeatureSet) WithJailed(jailed bool) FeatureSet {
	features.Jailed = jailed
	return features
}

// Equal compares all fields, including SafeMode by value.
func (features FeatureSet) Equal(other FeatureSet) bool {
	safeModeEqual := (features.SafeMode == nil) == (other.SafeMode == nil) &&
		(features.SafeMode == nil || *features.SafeMode == *other.SafeMode)
	return safeModeEqual &&
		features.NetShield == other.NetShield &&
		features.VPNAccelerator == other.VPNAccelerator &&
		features.Jailed == other.Jailed &&
		features.NATType == other.NATType &&
		features.Bouncing == other.Bouncing
}

// UsernameSuffix returns the feature suffixes appended to the username of
// username/password protocols, which have no control channel at connect
// time. For example, "+f2+nst" requests NetShield level 2 with VPN
// Accelerator disabled.
func (features FeatureSet) UsernameSuffix() string {
	var b strings.Builder
	fmt.Fprintf(&b, "+f%d", features.NetShield)
	if !features.VPNAccelerator {
		b.WriteString("+nst")
	}
	if features.NATType == NAT_TYPE_MODERATE {
		b.WriteString("+nr")
	}
	if features.SafeMode != nil && !*features.SafeMode {
		b.WriteString("+sm")
	}
	if features.Bouncing != "" {
		b.WriteString("+b:" + features.Bouncing)
	}
	return b.String()
}
