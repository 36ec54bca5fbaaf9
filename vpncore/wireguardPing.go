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
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	utls "github.com/Psiphon-Labs/utls"
	"github.com/flynn/noise"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/prng"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/tai64n"
)

const (
	wireGuardMessageInitiation     = 1
	wireGuardInitiationSize        = 148
	wireGuardInitiationNoiseOffset = 8
	wireGuardInitiationMAC1Offset  = 116
	wireGuardMACSize               = 16
	wireGuardConstruction          = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	wireGuardLabelMAC1             = "mac1----"
)

// WireGuardPinger is the default NativePinger. It sends a WireGuard
// handshake initiation from a throwaway static key and reports whether the
// server replies. Over TCP and TLS, messages are framed with a 2 byte big
// endian length.
type WireGuardPinger struct {
	params *parameters.Parameters
	dial   dialFunc
}

func NewWireGuardPinger(params *parameters.Parameters) *WireGuardPinger {
	return &WireGuardPinger{
		params: params,
		dial:   defaultDial,
	}
}

func (pinger *WireGuardPinger) Ping(
	ctx context.Context,
	transport string,
	address string,
	serverPublicKey []byte,
	timeout time.Duration) (bool, error) {

	initiation, err := makeWireGuardInitiation(serverPublicKey, prng.Uint64())
	if err != nil {
		return false, errors.Trace(err)
	}

	var network string
	var message []byte
	var wrapTLS bool

	switch transport {
	case protocol.TRANSPORT_UDP:
		network = "udp"
		message = initiation
	case protocol.TRANSPORT_TCP, protocol.TRANSPORT_TLS:
		network = "tcp"
		message = make([]byte, 2, 2+len(initiation))
		binary.BigEndian.PutUint16(message, uint16(len(initiation)))
		message = append(message, initiation...)
		wrapTLS = transport == protocol.TRANSPORT_TLS
	default:
		return false, errors.Tracef("unsupported transport: %s", transport)
	}

	serverName := pinger.params.Get().String(parameters.WireGuardTLSServerName)

	dial := func(ctx context.Context) (net.Conn, error) {
		conn, err := pinger.dial(ctx, network, address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !wrapTLS {
			return conn, nil
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		tlsConn := utls.UClient(
			conn,
			&utls.Config{
				ServerName:         serverName,
				InsecureSkipVerify: true,
			},
			utls.HelloChrome_Auto)
		err = tlsConn.Handshake()
		if err != nil {
			conn.Close()
			return nil, errors.Trace(err)
		}
		return tlsConn, nil
	}

	result := probeConn(
		ctx,
		timeout,
		dial,
		func(conn net.Conn) bool {
			_, err := conn.Write(message)
			if err != nil {
				return false
			}
			response := make([]byte, wireGuardInitiationSize)
			n, err := conn.Read(response)
			return err == nil && n > 0
		})

	return result, nil
}

// makeWireGuardInitiation builds a handshake initiation message for the
// responder with the given static public key. The initiator static key is
// generated for each message. mac2 is left zero, as no cookie is held.
func makeWireGuardInitiation(serverPublicKey []byte, senderIndex uint64) ([]byte, error) {

	if len(serverPublicKey) != curve25519.PointSize {
		return nil, errors.Tracef("invalid public key length: %d", len(serverPublicKey))
	}

	staticPrivateKey := make([]byte, curve25519.ScalarSize)
	_, err := rand.Read(staticPrivateKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	staticPublicKey, err := curve25519.X25519(staticPrivateKey, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Trace(err)
	}

	handshake, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noise.NewCipherSuite(
			noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s),
		Random:                rand.Reader,
		Pattern:               noise.HandshakeIK,
		Initiator:             true,
		Prologue:              []byte(wireGuardConstruction),
		PresharedKey:          make([]byte, 32),
		PresharedKeyPlacement: 2,
		StaticKeypair: noise.DHKey{
			Private: staticPrivateKey,
			Public:  staticPublicKey,
		},
		PeerStatic: serverPublicKey,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	timestamp := tai64n.Now()

	message := make([]byte, wireGuardInitiationNoiseOffset, wireGuardInitiationSize)
	message[0] = wireGuardMessageInitiation
	binary.LittleEndian.PutUint32(message[4:], uint32(senderIndex))

	message, _, _, err = handshake.WriteMessage(message, timestamp[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(message) != wireGuardInitiationMAC1Offset {
		return nil, errors.Tracef("unexpected handshake length: %d", len(message))
	}

	mac1Key := blake2s.Sum256(append([]byte(wireGuardLabelMAC1), serverPublicKey...))
	mac, err := blake2s.New128(mac1Key[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	mac.Write(message)
	message = mac.Sum(message)

	// mac2
	message = append(message, make([]byte, wireGuardMACSize)...)

	return message, nil
}
