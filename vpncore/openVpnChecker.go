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

package vpncore

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"net"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/prng"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

const (
	// P_CONTROL_HARD_RESET_CLIENT_V2, key id 0.
	openVPNHardResetClientV2 = 7 << 3

	openVPNSessionIDSize = 8
	openVPNHMACKeySize   = 64
)

// openVPNPinger emulates the first packet of an OpenVPN tls-auth handshake
// and reports whether the server answers it. In stream mode the packet is
// sent over TCP with a 2 byte length prefix; otherwise it is sent as a
// single UDP datagram.
type openVPNPinger struct {
	logger      common.Logger
	params      *parameters.Parameters
	vpnProtocol protocol.VPNProtocol
	stream      bool
	dial        dialFunc
}

func newOpenVPNPinger(
	logger common.Logger,
	params *parameters.Parameters,
	vpnProtocol protocol.VPNProtocol,
	stream bool) *openVPNPinger {

	return &openVPNPinger{
		logger:      logger,
		params:      params,
		vpnProtocol: vpnProtocol,
		stream:      stream,
		dial:        defaultDial,
	}
}

func (pinger *openVPNPinger) Ping(
	ctx context.Context,
	server *protocol.ServerCandidate,
	port int,
	timeout time.Duration) bool {

	p := pinger.params.Get()

	entryIP := server.EntryIPFor(pinger.vpnProtocol)
	if entryIP == "" {
		pinger.logger.WithTraceFields(common.LogFields{
			"protocol": pinger.vpnProtocol,
			"server":   server.ID,
		}).Warning("missing entry IP")
		return false
	}

	packet, err := makeOpenVPNHandshake(
		p.String(parameters.OpenVPNStaticKey),
		prng.Bytes(openVPNSessionIDSize),
		time.Now(),
		pinger.stream)
	if err != nil {
		pinger.logger.WithTraceFields(common.LogFields{
			"protocol": pinger.vpnProtocol,
			"error":    err,
		}).Error("make handshake failed")
		return false
	}

	maxResponseBytes := p.Int(parameters.ProbeMaxResponseBytes)

	network := "udp"
	if pinger.stream {
		network = "tcp"
	}
	address := probeAddress(entryIP, port)

	result := probeConn(
		ctx,
		timeout,
		func(ctx context.Context) (net.Conn, error) {
			return pinger.dial(ctx, network, address)
		},
		func(conn net.Conn) bool {
			_, err := conn.Write(packet)
			if err != nil {
				return false
			}
			response := make([]byte, maxResponseBytes)
			n, err := conn.Read(response)
			return err == nil && n > 0
		})

	pinger.logger.WithTraceFields(common.LogFields{
		"protocol":  pinger.vpnProtocol,
		"address":   address,
		"available": result,
	}).Debug("ping")

	return result
}

// makeOpenVPNHandshake returns a hard reset packet authenticated with
// HMAC-SHA512 keyed by the last 64 bytes of the hex encoded static key:
//
//	opcode | session id | hmac | replay packet id | timestamp | ack count | message packet id
//
// The HMAC covers the replay packet id, timestamp, opcode, session id, ack
// count and message packet id, in that order. The ack count and message
// packet id are zero.
func makeOpenVPNHandshake(
	staticKeyHex string,
	sessionID []byte,
	timestamp time.Time,
	includeLength bool) ([]byte, error) {

	if len(sessionID) != openVPNSessionIDSize {
		return nil, errors.Tracef("invalid session id length: %d", len(sessionID))
	}

	staticKey, err := hex.DecodeString(staticKeyHex)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(staticKey) < openVPNHMACKeySize {
		return nil, errors.Tracef("static key too short: %d", len(staticKey))
	}
	hmacKey := staticKey[len(staticKey)-openVPNHMACKeySize:]

	var packetID [4]byte
	binary.BigEndian.PutUint32(packetID[:], 1)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], uint32(timestamp.Unix()))
	var trailer [5]byte

	mac := hmac.New(sha512.New, hmacKey)
	mac.Write(packetID[:])
	mac.Write(ts[:])
	mac.Write([]byte{openVPNHardResetClientV2})
	mac.Write(sessionID)
	mac.Write(trailer[:])
	digest := mac.Sum(nil)

	packet := make([]byte, 0, 2+1+len(sessionID)+len(digest)+len(packetID)+len(ts)+len(trailer))
	if includeLength {
		packet = append(packet, 0, 0)
	}
	packet = append(packet, openVPNHardResetClientV2)
	packet = append(packet, sessionID...)
	packet = append(packet, digest...)
	packet = append(packet, packetID[:]...)
	packet = append(packet, ts[:]...)
	packet = append(packet, trailer[:]...)

	if includeLength {
		binary.BigEndian.PutUint16(packet, uint16(len(packet)-2))
	}

	return packet, nil
}
