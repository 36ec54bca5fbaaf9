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
	"github.com/fxamacker/cbor/v2"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
)

// VPNProtocol identifies one protocol and transport combination. Values are
// the names used by the backend remote config and server catalog.
type VPNProtocol string

const (
	VPN_PROTOCOL_IKEV2         VPNProtocol = "IKEv2"
	VPN_PROTOCOL_OPENVPN_UDP   VPNProtocol = "OpenVPNUDP"
	VPN_PROTOCOL_OPENVPN_TCP   VPNProtocol = "OpenVPNTCP"
	VPN_PROTOCOL_WIREGUARD_UDP VPNProtocol = "WireGuardUDP"
	VPN_PROTOCOL_WIREGUARD_TCP VPNProtocol = "WireGuardTCP"
	VPN_PROTOCOL_WIREGUARD_TLS VPNProtocol = "WireGuardTLS"
)

// ProtocolFamily groups protocols by how availability is probed.
type ProtocolFamily string

const (
	PROTOCOL_FAMILY_DATAGRAM_HANDSHAKE ProtocolFamily = "datagram-handshake"
	PROTOCOL_FAMILY_STREAM_HANDSHAKE   ProtocolFamily = "stream-handshake"
	PROTOCOL_FAMILY_TUNNEL_NATIVE_UDP  ProtocolFamily = "tunnel-native-udp"
	PROTOCOL_FAMILY_TUNNEL_NATIVE_TCP  ProtocolFamily = "tunnel-native-tcp"
	PROTOCOL_FAMILY_TUNNEL_NATIVE_TLS  ProtocolFamily = "tunnel-native-tls"
	PROTOCOL_FAMILY_LEGACY_IKE         ProtocolFamily = "legacy-ike"
)

// Transport names expected by the platform tunnel layer.
const (
	TRANSPORT_UDP = "udp"
	TRANSPORT_TCP = "tcp"
	TRANSPORT_TLS = "tls"
	TRANSPORT_IKE = "ike"
)

// SupportedVPNProtocols lists every protocol in a stable order.
var SupportedVPNProtocols = VPNProtocols{
	VPN_PROTOCOL_WIREGUARD_UDP,
	VPN_PROTOCOL_WIREGUARD_TCP,
	VPN_PROTOCOL_WIREGUARD_TLS,
	VPN_PROTOCOL_OPENVPN_UDP,
	VPN_PROTOCOL_OPENVPN_TCP,
	VPN_PROTOCOL_IKEV2,
}

// ParseVPNProtocol maps a backend protocol name to a VPNProtocol.
func ParseVPNProtocol(name string) (VPNProtocol, error) {
	p := VPNProtocol(name)
	if !p.IsValid() {
		return "", errors.Tracef("unknown VPN protocol: %s", name)
	}
	return p, nil
}

// IsValid reports whether p is one of SupportedVPNProtocols.
func (p VPNProtocol) IsValid() bool {
	return SupportedVPNProtocols.Contains(p)
}

// Family returns the probing family of p. Family panics for invalid values,
// which would indicate a missing case here when adding a protocol.
func (p VPNProtocol) Family() ProtocolFamily {
	switch p {
	case VPN_PROTOCOL_OPENVPN_UDP:
		return PROTOCOL_FAMILY_DATAGRAM_HANDSHAKE
	case VPN_PROTOCOL_OPENVPN_TCP:
		return PROTOCOL_FAMILY_STREAM_HANDSHAKE
	case VPN_PROTOCOL_WIREGUARD_UDP:
		return PROTOCOL_FAMILY_TUNNEL_NATIVE_UDP
	case VPN_PROTOCOL_WIREGUARD_TCP:
		return PROTOCOL_FAMILY_TUNNEL_NATIVE_TCP
	case VPN_PROTOCOL_WIREGUARD_TLS:
		return PROTOCOL_FAMILY_TUNNEL_NATIVE_TLS
	case VPN_PROTOCOL_IKEV2:
		return PROTOCOL_FAMILY_LEGACY_IKE
	}
	panic("unknown VPN protocol: " + string(p))
}

// Transport returns the wire transport the platform tunnel layer expects.
func (p VPNProtocol) Transport() string {
	switch p.Family() {
	case PROTOCOL_FAMILY_DATAGRAM_HANDSHAKE, PROTOCOL_FAMILY_TUNNEL_NATIVE_UDP:
		return TRANSPORT_UDP
	case PROTOCOL_FAMILY_STREAM_HANDSHAKE, PROTOCOL_FAMILY_TUNNEL_NATIVE_TCP:
		return TRANSPORT_TCP
	case PROTOCOL_FAMILY_TUNNEL_NATIVE_TLS:
		return TRANSPORT_TLS
	}
	return TRANSPORT_IKE
}

func (p VPNProtocol) IsWireGuard() bool {
	return p == VPN_PROTOCOL_WIREGUARD_UDP ||
		p == VPN_PROTOCOL_WIREGUARD_TCP ||
		p == VPN_PROTOCOL_WIREGUARD_TLS
}

func (p VPNProtocol) IsOpenVPN() bool {
	return p == VPN_PROTOCOL_OPENVPN_UDP || p == VPN_PROTOCOL_OPENVPN_TCP
}

// VPNProtocols is a list of protocols.
type VPNProtocols []VPNProtocol

func (protocols VPNProtocols) Contains(p VPNProtocol) bool {
	for _, protocol := range protocols {
		if protocol == p {
			return true
		}
	}
	return false
}

// Validate returns an error when the list contains an unknown protocol.
func (protocols VPNProtocols) Validate() error {
	for _, p := range protocols {
		if !p.IsValid() {
			return errors.Tracef("invalid VPN protocol: %s", p)
		}
	}
	return nil
}

// PruneInvalid returns a copy of the list with unknown protocols removed.
// Remote config may name protocols a newer backend supports.
func (protocols VPNProtocols) PruneInvalid() VPNProtocols {
	pruned := make(VPNProtocols, 0, len(protocols))
	for _, p := range protocols {
		if p.IsValid() {
			pruned = append(pruned, p)
		}
	}
	return pruned
}

// Strings returns the protocol names, for logging.
func (protocols VPNProtocols) Strings() []string {
	names := make([]string, len(protocols))
	for i, p := range protocols {
		names[i] = string(p)
	}
	return names
}

// CBOREncoding is the canonical CBOR mode used for all payloads handed to
// the privileged helper. CTAP2 canonical encoding makes the bytes stable
// for identical inputs.
var CBOREncoding cbor.EncMode

func init() {
	encOptions := cbor.CTAP2EncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	CBOREncoding, err = encOptions.EncMode()
	if err != nil {
		panic(errors.Trace(err))
	}
}
