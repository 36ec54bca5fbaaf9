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

package parameters

import (
	"encoding/json"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

// SmartProtocolConfig is the remote protocol enablement config: one flag
// per protocol, keyed by backend protocol name.
type SmartProtocolConfig struct {
	OpenVPNUDP   bool `json:"OpenVPNUDP" yaml:"OpenVPNUDP"`
	OpenVPNTCP   bool `json:"OpenVPNTCP" yaml:"OpenVPNTCP"`
	IKEv2        bool `json:"IKEv2" yaml:"IKEv2"`
	WireGuardUDP bool `json:"WireGuardUDP" yaml:"WireGuardUDP"`
	WireGuardTCP bool `json:"WireGuardTCP" yaml:"WireGuardTCP"`
	WireGuardTLS bool `json:"WireGuardTLS" yaml:"WireGuardTLS"`
}

// ParseSmartProtocolConfig decodes a remote config document. Unknown keys
// are ignored.
func ParseSmartProtocolConfig(data []byte) (*SmartProtocolConfig, error) {
	var config SmartProtocolConfig
	err := json.Unmarshal(data, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &config, nil
}

// Enabled reports the flag for p.
func (config *SmartProtocolConfig) Enabled(p protocol.VPNProtocol) bool {
	switch p {
	case protocol.VPN_PROTOCOL_OPENVPN_UDP:
		return config.OpenVPNUDP
	case protocol.VPN_PROTOCOL_OPENVPN_TCP:
		return config.OpenVPNTCP
	case protocol.VPN_PROTOCOL_IKEV2:
		return config.IKEv2
	case protocol.VPN_PROTOCOL_WIREGUARD_UDP:
		return config.WireGuardUDP
	case protocol.VPN_PROTOCOL_WIREGUARD_TCP:
		return config.WireGuardTCP
	case protocol.VPN_PROTOCOL_WIREGUARD_TLS:
		return config.WireGuardTLS
	}
	return false
}

// ToParameters converts the config to SmartProtocol parameter values. A nil
// config, meaning the remote config was absent or could not be fetched,
// disables every protocol so that negotiation uses the platform fallback
// only.
func (config *SmartProtocolConfig) ToParameters() map[string]interface{} {
	applyParameters := make(map[string]interface{})
	for _, p := range protocol.SupportedVPNProtocols {
		applyParameters[SmartProtocolParameter(p)] = config != nil && config.Enabled(p)
	}
	return applyParameters
}

// ApplySmartProtocolConfig replaces the current parameters with
// localParameters overlaid by the remote config. Invalid remote values are
// skipped.
func (p *Parameters) ApplySmartProtocolConfig(
	tag string,
	localParameters map[string]interface{},
	config *SmartProtocolConfig) error {

	_, err := p.Set(tag, true, localParameters, config.ToParameters())
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
