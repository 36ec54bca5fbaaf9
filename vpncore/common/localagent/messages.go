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

/*

Package localagent implements the control channel client that runs over an
established tunnel to the gateway's local agent endpoint.

The channel is a mutually authenticated TLS connection carrying newline
delimited JSON objects. The client sends "features-set" and "status-get"
messages; the gateway sends "status" and "error" messages. A Connection
reports everything it observes as a stream of typed events and reconnects
with exponential backoff on its own.

*/
package localagent

import (
	"encoding/json"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

// Connection state names. These are the strings reported in StateChanged
// events and by Connection.State.
const (
	STATE_CONNECTING               = "Connecting"
	STATE_CONNECTED                = "Connected"
	STATE_SOFT_JAILED              = "SoftJailed"
	STATE_HARD_JAILED              = "HardJailed"
	STATE_CONNECTION_ERROR         = "ConnectionError"
	STATE_SERVER_UNREACHABLE       = "ServerUnreachable"
	STATE_WAITING_FOR_NETWORK      = "WaitingForNetwork"
	STATE_SERVER_CERTIFICATE_ERROR = "ServerCertificateError"
	STATE_CLIENT_CERTIFICATE_ERROR = "ClientCertificateError"
	STATE_DISCONNECTED             = "Disconnected"
)

// Gateway status state values.
const (
	gatewayStateConnected  = "connected"
	gatewayStateSoftJailed = "soft-jailed"
	gatewayStateHardJailed = "hard-jailed"
)

func stateFromGateway(state string) (string, bool) {
	switch state {
	case gatewayStateConnected:
		return STATE_CONNECTED, true
	case gatewayStateSoftJailed:
		return STATE_SOFT_JAILED, true
	case gatewayStateHardJailed:
		return STATE_HARD_JAILED, true
	}
	return "", false
}

// Event is one of StateChanged, ErrorOccurred, LogEmitted or
// StatusReceived.
type Event interface {
	isEvent()
}

type StateChanged struct {
	State string
}

type ErrorOccurred struct {
	Code        int
	Description string
}

type LogEmitted struct {
	Message string
}

type StatusReceived struct {
	Status Status
}

func (StateChanged) isEvent()   {}
func (ErrorOccurred) isEvent()  {}
func (LogEmitted) isEvent()     {}
func (StatusReceived) isEvent() {}

// Status is the most recent status reported by the gateway.
type Status struct {
	State             string
	Features          *protocol.FeatureSet
	FeatureStatistics *FeatureStatistics
	ConnectionDetails *ConnectionDetails
}

// FeatureStatistics holds counters reported when statistics are requested.
type FeatureStatistics struct {
	NetShield NetShieldStatistics `json:"netshield"`
}

type NetShieldStatistics struct {
	MalwareBlocked  *int64 `json:"DNSBL/1b,omitempty"`
	AdsBlocked      *int64 `json:"DNSBL/2a,omitempty"`
	TrackersBlocked *int64 `json:"DNSBL/2b,omitempty"`
	BytesSaved      int64  `json:"bytes-saved"`
}

type ConnectionDetails struct {
	DeviceIP      string `json:"device_ip,omitempty"`
	DeviceCountry string `json:"device_country,omitempty"`
	ServerIPv4    string `json:"server_ipv4,omitempty"`
	ExitIP        string `json:"exit_ip,omitempty"`
}

// message is the JSON object framing. Exactly one field is set.
type message struct {
	Status      *statusMessage       `json:"status,omitempty"`
	Error       *errorMessage        `json:"error,omitempty"`
	FeaturesSet *protocol.FeatureSet `json:"features-set,omitempty"`
	StatusGet   *statusGetMessage    `json:"status-get,omitempty"`
}

type statusMessage struct {
	State              string               `json:"state"`
	Features           *protocol.FeatureSet `json:"features,omitempty"`
	Reason             *errorMessage        `json:"reason,omitempty"`
	FeaturesStatistics *FeatureStatistics   `json:"features-statistics,omitempty"`
	ConnectionDetails  *ConnectionDetails   `json:"connection-details,omitempty"`
}

type errorMessage struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

type statusGetMessage struct {
	FeaturesStatistics bool `json:"features-statistics"`
}

func encodeMessage(m message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return append(data, '\n'), nil
}

func decodeMessage(line []byte) (message, error) {
	var m message
	err := json.Unmarshal(line, &m)
	if err != nil {
		return message{}, errors.Trace(err)
	}
	if m.Status == nil && m.Error == nil && m.FeaturesSet == nil && m.StatusGet == nil {
		return message{}, errors.TraceNew("empty message")
	}
	return m, nil
}
