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
	"sort"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
)

// Platform selects a PlatformProfile. The running platform is fixed at
// build time by CurrentPlatform; every profile is compiled on every
// platform so all of them can be tested.
type Platform string

const (
	PLATFORM_IOS   Platform = "ios"
	PLATFORM_MACOS Platform = "macos"
)

// PlatformProfile is the static, platform specific protocol policy used by
// negotiation.
//
// Priorities is a total order: lower values win and no two protocols share a
// value. Deprecated protocols are never negotiated, neither as a probe
// winner nor as a fallback. HardcodedFallback is used when remote config
// enables no protocol at all.
type PlatformProfile struct {
	Platform          Platform
	Priorities        map[VPNProtocol]int
	Deprecated        VPNProtocols
	HardcodedFallback VPNProtocol
}

var platformProfiles = map[Platform]*PlatformProfile{

	PLATFORM_IOS: {
		Platform: PLATFORM_IOS,
		Priorities: map[VPNProtocol]int{
			VPN_PROTOCOL_WIREGUARD_UDP: 0,
			VPN_PROTOCOL_WIREGUARD_TCP: 1,
			VPN_PROTOCOL_WIREGUARD_TLS: 2,
			VPN_PROTOCOL_OPENVPN_UDP:   3,
			VPN_PROTOCOL_OPENVPN_TCP:   4,
			VPN_PROTOCOL_IKEV2:         5,
		},
		Deprecated: VPNProtocols{
			VPN_PROTOCOL_OPENVPN_UDP,
			VPN_PROTOCOL_OPENVPN_TCP,
			VPN_PROTOCOL_IKEV2,
		},
		HardcodedFallback: VPN_PROTOCOL_WIREGUARD_UDP,
	},

	PLATFORM_MACOS: {
		Platform: PLATFORM_MACOS,
		Priorities: map[VPNProtocol]int{
			VPN_PROTOCOL_WIREGUARD_UDP: 0,
			VPN_PROTOCOL_IKEV2:         1,
			VPN_PROTOCOL_WIREGUARD_TCP: 2,
			VPN_PROTOCOL_WIREGUARD_TLS: 3,
			VPN_PROTOCOL_OPENVPN_UDP:   4,
			VPN_PROTOCOL_OPENVPN_TCP:   5,
		},
		Deprecated: VPNProtocols{
			VPN_PROTOCOL_OPENVPN_UDP,
			VPN_PROTOCOL_OPENVPN_TCP,
		},
		HardcodedFallback: VPN_PROTOCOL_IKEV2,
	},
}

func init() {
	for _, profile := range platformProfiles {
		err := profile.Validate()
		if err != nil {
			panic(errors.Trace(err))
		}
	}
}

// GetPlatformProfile returns the profile for platform.
func GetPlatformProfile(platform Platform) (*PlatformProfile, error) {
	profile, ok := platformProfiles[platform]
	if !ok {
		return nil, errors.Tracef("unknown platform: %s", platform)
	}
	return profile, nil
}

// CurrentPlatformProfile returns the profile selected at build time.
func CurrentPlatformProfile() *PlatformProfile {
	return platformProfiles[CurrentPlatform]
}

// Validate checks the total order and fallback invariants.
func (profile *PlatformProfile) Validate() error {

	seen := make(map[int]VPNProtocol)
	for _, p := range SupportedVPNProtocols {
		priority, ok := profile.Priorities[p]
		if !ok {
			return errors.Tracef("%s: missing priority for %s", profile.Platform, p)
		}
		if other, ok := seen[priority]; ok {
			return errors.Tracef(
				"%s: %s and %s share priority %d", profile.Platform, p, other, priority)
		}
		seen[priority] = p
	}

	if len(profile.Priorities) != len(SupportedVPNProtocols) {
		return errors.Tracef("%s: unexpected priority entries", profile.Platform)
	}

	err := profile.Deprecated.Validate()
	if err != nil {
		return errors.Trace(err)
	}

	if !profile.HardcodedFallback.IsValid() ||
		profile.IsDeprecated(profile.HardcodedFallback) {
		return errors.Tracef(
			"%s: invalid hardcoded fallback %s", profile.Platform, profile.HardcodedFallback)
	}

	return nil
}

// Priority returns the priority of p. Unknown protocols sort last.
func (profile *PlatformProfile) Priority(p VPNProtocol) int {
	priority, ok := profile.Priorities[p]
	if !ok {
		return int(^uint(0) >> 1)
	}
	return priority
}

func (profile *PlatformProfile) IsDeprecated(p VPNProtocol) bool {
	return profile.Deprecated.Contains(p)
}

// Usable filters protocols down to the non-deprecated ones and returns them
// ordered by priority.
func (profile *PlatformProfile) Usable(protocols VPNProtocols) VPNProtocols {
	usable := make(VPNProtocols, 0, len(protocols))
	for _, p := range protocols {
		if p.IsValid() && !profile.IsDeprecated(p) && !usable.Contains(p) {
			usable = append(usable, p)
		}
	}
	profile.SortByPriority(usable)
	return usable
}

// SortByPriority sorts protocols in place, best first.
func (profile *PlatformProfile) SortByPriority(protocols VPNProtocols) {
	sort.SliceStable(protocols, func(i, j int) bool {
		return profile.Priority(protocols[i]) < profile.Priority(protocols[j])
	})
}
