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
	"encoding/binary"
	"net"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/prng"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

const (
	ikeHeaderSize       = 28
	ikeVersion2         = 0x20
	ikeExchangeSAInit   = 34
	ikeFlagInitiator    = 0x08
	ikePayloadNone      = 0
	ikePayloadSA        = 33
	ikePayloadKE        = 34
	ikePayloadNonce     = 40
	ikeProtocolIKE      = 1
	ikeTransformENCR    = 1
	ikeTransformPRF     = 2
	ikeTransformINTEG   = 3
	ikeTransformDH      = 4
	ikeENCRAESCBC       = 12
	ikePRFHMACSHA256    = 5
	ikeINTEGSHA256128   = 12
	ikeDHCurve25519     = 31
	ikeAttributeKeySize = 0x800e
	ikeKeyExchangeSize  = 32
	ikeNonceSize        = 32
)

// ikev2Pinger sends an IKE_SA_INIT request offering a single common
// proposal and reports whether the responder answers with any datagram.
// A responder that rejects the proposal still answers with a notify, which
// is enough to show that the port is reachable.
type ikev2Pinger struct {
	logger common.Logger
	dial   dialFunc
}

func newIKEv2Pinger(logger common.Logger) *ikev2Pinger {
	return &ikev2Pinger{
		logger: logger,
		dial:   defaultDial,
	}
}

func (pinger *ikev2Pinger) Ping(
	ctx context.Context,
	server *protocol.ServerCandidate,
	port int,
	timeout time.Duration) bool {

	entryIP := server.EntryIPFor(protocol.VPN_PROTOCOL_IKEV2)
	if entryIP == "" {
		return false
	}
	address := probeAddress(entryIP, port)

	request := makeIKESAInit(
		prng.Bytes(8), prng.Bytes(ikeKeyExchangeSize), prng.Bytes(ikeNonceSize))

	result := probeConn(
		ctx,
		timeout,
		func(ctx context.Context) (net.Conn, error) {
			return pinger.dial(ctx, "udp", address)
		},
		func(conn net.Conn) bool {
			_, err := conn.Write(request)
			if err != nil {
				return false
			}
			response := make([]byte, 1500)
			n, err := conn.Read(response)
			return err == nil && n > 0
		})

	pinger.logger.WithTraceFields(common.LogFields{
		"address":   address,
		"available": result,
	}).Debug("ping")

	return result
}

// makeIKESAInit builds an IKE_SA_INIT request with SA, KE and Nonce
// payloads. The SA payload holds one proposal: AES-CBC-256, HMAC-SHA2-256
// PRF, HMAC-SHA2-256-128 integrity and Curve25519.
func makeIKESAInit(initiatorSPI, keyExchange, nonce []byte) []byte {

	transform := func(last bool, transformType uint8, transformID uint16, attributes []byte) []byte {
		b := make([]byte, 8, 8+len(attributes))
		if !last {
			b[0] = 3
		}
		binary.BigEndian.PutUint16(b[2:], uint16(8+len(attributes)))
		b[4] = transformType
		binary.BigEndian.PutUint16(b[6:], transformID)
		return append(b, attributes...)
	}

	keySize := make([]byte, 4)
	binary.BigEndian.PutUint16(keySize, ikeAttributeKeySize)
	binary.BigEndian.PutUint16(keySize[2:], 256)

	var transforms []byte
	transforms = append(transforms, transform(false, ikeTransformENCR, ikeENCRAESCBC, keySize)...)
	transforms = append(transforms, transform(false, ikeTransformPRF, ikePRFHMACSHA256, nil)...)
	transforms = append(transforms, transform(false, ikeTransformINTEG, ikeINTEGSHA256128, nil)...)
	transforms = append(transforms, transform(true, ikeTransformDH, ikeDHCurve25519, nil)...)

	proposal := make([]byte, 8, 8+len(transforms))
	binary.BigEndian.PutUint16(proposal[2:], uint16(8+len(transforms)))
	proposal[4] = 1
	proposal[5] = ikeProtocolIKE
	proposal[7] = 4
	proposal = append(proposal, transforms...)

	payload := func(next uint8, body []byte) []byte {
		b := make([]byte, 4, 4+len(body))
		b[0] = next
		binary.BigEndian.PutUint16(b[2:], uint16(4+len(body)))
		return append(b, body...)
	}

	keBody := make([]byte, 4, 4+len(keyExchange))
	binary.BigEndian.PutUint16(keBody, ikeDHCurve25519)
	keBody = append(keBody, keyExchange...)

	var body []byte
	body = append(body, payload(ikePayloadKE, proposal)...)
	body = append(body, payload(ikePayloadNonce, keBody)...)
	body = append(body, payload(ikePayloadNone, nonce)...)

	header := make([]byte, ikeHeaderSize, ikeHeaderSize+len(body))
	copy(header, initiatorSPI)
	header[16] = ikePayloadSA
	header[17] = ikeVersion2
	header[18] = ikeExchangeSAInit
	header[19] = ikeFlagInitiator
	binary.BigEndian.PutUint32(header[24:], uint32(ikeHeaderSize+len(body)))

	return append(header, body...)
}
