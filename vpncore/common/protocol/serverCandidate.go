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
	"encoding/base64"
	"net"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"golang.org/x/crypto/curve25519"
)

// ServerCandidate describes one server entry point. Values are read from
// the server catalog and are not modified after loading, so a candidate may
// be shared by concurrent probes.
type ServerCandidate struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	EntryIP    string `json:"entryIp" yaml:"entryIp"`
	ExitIP     string `json:"exitIp,omitempty" yaml:"exitIp,omitempty"`
	ServerName string `json:"serverName,omitempty" yaml:"serverName,omitempty"`

	// SupportedProtocols is the set of protocols the server accepts.
	SupportedProtocols VPNProtocols `json:"supportedProtocols" yaml:"supportedProtocols"`

	// EntryIPOverrides replaces EntryIP for specific protocols.
	EntryIPOverrides map[VPNProtocol]string `json:"entryIpOverrides,omitempty" yaml:"entryIpOverrides,omitempty"`

	// Ports replaces the default port list for specific protocols.
	Ports map[VPNProtocol][]int `json:"ports,omitempty" yaml:"ports,omitempty"`

	// X25519PublicKey is the base64 server public key used by the native
	// WireGuard ping.
	X25519PublicKey string `json:"x25519PublicKey,omitempty" yaml:"x25519PublicKey,omitempty"`
}

// Validate checks the fields needed for probing. Unknown protocols in
// SupportedProtocols are not an error; they are ignored by Supports.
func (server *ServerCandidate) Validate() error {

	if net.ParseIP(server.EntryIP) == nil {
		return errors.Tracef("server %s: invalid entry IP: %q", server.ID, server.EntryIP)
	}

	for p, ip := range server.EntryIPOverrides {
		if net.ParseIP(ip) == nil {
			return errors.Tracef("server %s: invalid %s entry IP: %q", server.ID, p, ip)
		}
	}

	for p, ports := range server.Ports {
		for _, port := range ports {
			if port <= 0 || port > 65535 {
				return errors.Tracef("server %s: invalid %s port: %d", server.ID, p, port)
			}
		}
	}

	if server.X25519PublicKey != "" {
		_, err := server.PublicKey()
		if err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// Supports reports whether the server advertises p.
func (server *ServerCandidate) Supports(p VPNProtocol) bool {
	return server.SupportedProtocols.Contains(p)
}

// EntryIPFor returns the address to probe and connect to for p.
func (server *ServerCandidate) EntryIPFor(p VPNProtocol) string {
	if ip, ok := server.EntryIPOverrides[p]; ok && ip != "" {
		return ip
	}
	return server.EntryIP
}

// PortsFor returns the server's port override for p, or defaultPorts when
// there is none.
func (server *ServerCandidate) PortsFor(p VPNProtocol, defaultPorts []int) []int {
	if ports, ok := server.Ports[p]; ok && len(ports) > 0 {
		return ports
	}
	return defaultPorts
}

// PublicKey decodes X25519PublicKey.
func (server *ServerCandidate) PublicKey() ([]byte, error) {
	if server.X25519PublicKey == "" {
		return nil, errors.Tracef("server %s: missing public key", server.ID)
	}
	key, err := base64.StdEncoding.DecodeString(server.X25519PublicKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(key) != curve25519.PointSize {
		return nil, errors.Tracef("server %s: invalid public key length: %d", server.ID, len(key))
	}
	return key, nil
}
