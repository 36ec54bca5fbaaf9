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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	std_errors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/require"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
	"github.com/vpnkit/vpn-connection-core/vpncore/internal/testutils"
	"golang.org/x/crypto/blake2s"
)

func newTestParameters(t *testing.T, applyParameters map[string]interface{}) *parameters.Parameters {
	params, err := parameters.NewParameters(nil)
	if err != nil {
		t.Fatalf("NewParameters failed: %s", err)
	}
	if applyParameters != nil {
		_, err = params.Set("test", false, applyParameters)
		if err != nil {
			t.Fatalf("Set failed: %s", err)
		}
	}
	return params
}

func newTestServer(ports map[protocol.VPNProtocol][]int, publicKey []byte) *protocol.ServerCandidate {
	server := &protocol.ServerCandidate{
		ID:                 "test-server",
		Name:               "TEST#1",
		EntryIP:            "127.0.0.1",
		SupportedProtocols: append(protocol.VPNProtocols(nil), protocol.SupportedVPNProtocols...),
		Ports:              ports,
	}
	if publicKey != nil {
		server.X25519PublicKey = base64.StdEncoding.EncodeToString(publicKey)
	}
	return server
}

// startTCPResponder records the first read on each accepted connection and
// answers with reply. With an empty reply, connections are held open and
// never answered.
func startTCPResponder(t *testing.T, reply []byte) (int, <-chan []byte) {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}

	received := make(chan []byte, 16)
	done := make(chan struct{})

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buffer := make([]byte, 4096)
				n, err := conn.Read(buffer)
				if err != nil {
					return
				}
				select {
				case received <- append([]byte(nil), buffer[:n]...):
				default:
				}
				if len(reply) > 0 {
					_, _ = conn.Write(reply)
					return
				}
				<-done
			}()
		}
	}()

	t.Cleanup(func() {
		close(done)
		listener.Close()
	})

	return listener.Addr().(*net.TCPAddr).Port, received
}

// startUDPResponder records each datagram and answers with reply, when not
// empty.
func startUDPResponder(t *testing.T, reply []byte) (int, <-chan []byte) {

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %s", err)
	}

	received := make(chan []byte, 16)

	go func() {
		buffer := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFrom(buffer)
			if err != nil {
				return
			}
			select {
			case received <- append([]byte(nil), buffer[:n]...):
			default:
			}
			if len(reply) > 0 {
				_, _ = conn.WriteTo(reply, addr)
			}
		}
	}()

	t.Cleanup(func() { conn.Close() })

	return conn.LocalAddr().(*net.UDPAddr).Port, received
}

// closedPort returns a loopback port with no listener.
func closedPort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

func receive(t *testing.T, received <-chan []byte) []byte {
	select {
	case data := <-received:
		return data
	case <-time.After(5 * time.Second):
		t.Fatalf("nothing received")
	}
	return nil
}

func TestOpenVPNHandshake(t *testing.T) {

	params := newTestParameters(t, nil)
	staticKeyHex := params.Get().String(parameters.OpenVPNStaticKey)
	staticKey, _ := hex.DecodeString(staticKeyHex)

	sessionID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	timestamp := time.Unix(1700000000, 0)

	packet, err := makeOpenVPNHandshake(staticKeyHex, sessionID, timestamp, false)
	if err != nil {
		t.Fatalf("makeOpenVPNHandshake failed: %s", err)
	}

	if len(packet) != 86 {
		t.Fatalf("unexpected packet length: %d", len(packet))
	}
	if packet[0] != openVPNHardResetClientV2 {
		t.Fatalf("unexpected opcode: %x", packet[0])
	}
	if !bytes.Equal(packet[1:9], sessionID) {
		t.Fatalf("unexpected session id: %x", packet[1:9])
	}
	if binary.BigEndian.Uint32(packet[73:77]) != 1 {
		t.Fatalf("unexpected packet id")
	}
	if binary.BigEndian.Uint32(packet[77:81]) != uint32(timestamp.Unix()) {
		t.Fatalf("unexpected timestamp")
	}
	if !bytes.Equal(packet[81:], make([]byte, 5)) {
		t.Fatalf("unexpected trailer: %x", packet[81:])
	}

	mac := hmac.New(sha512.New, staticKey[len(staticKey)-64:])
	mac.Write(packet[73:81])
	mac.Write(packet[0:9])
	mac.Write(packet[81:])
	if !hmac.Equal(mac.Sum(nil), packet[9:73]) {
		t.Fatalf("unexpected hmac")
	}

	streamPacket, err := makeOpenVPNHandshake(staticKeyHex, sessionID, timestamp, true)
	if err != nil {
		t.Fatalf("makeOpenVPNHandshake failed: %s", err)
	}
	if binary.BigEndian.Uint16(streamPacket) != 86 || !bytes.Equal(streamPacket[2:], packet) {
		t.Fatalf("unexpected stream packet: %x", streamPacket)
	}

	_, err = makeOpenVPNHandshake("00ff", sessionID, timestamp, false)
	if err == nil {
		t.Fatalf("short static key accepted")
	}
	_, err = makeOpenVPNHandshake("not hex", sessionID, timestamp, false)
	if err == nil {
		t.Fatalf("invalid static key accepted")
	}
	_, err = makeOpenVPNHandshake(staticKeyHex, sessionID[:4], timestamp, false)
	if err == nil {
		t.Fatalf("short session id accepted")
	}
}

func TestIKESAInit(t *testing.T) {

	spi := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	request := makeIKESAInit(spi, make([]byte, 32), make([]byte, 32))

	if len(request) != 152 {
		t.Fatalf("unexpected request length: %d", len(request))
	}
	if !bytes.Equal(request[0:8], spi) || !bytes.Equal(request[8:16], make([]byte, 8)) {
		t.Fatalf("unexpected SPIs: %x", request[0:16])
	}
	if request[16] != ikePayloadSA ||
		request[17] != ikeVersion2 ||
		request[18] != ikeExchangeSAInit ||
		request[19] != ikeFlagInitiator {
		t.Fatalf("unexpected header: %x", request[16:20])
	}
	if binary.BigEndian.Uint32(request[24:28]) != 152 {
		t.Fatalf("unexpected length field")
	}

	// Walk the payload chain.
	next := request[16]
	offset := ikeHeaderSize
	var chain []byte
	for next != ikePayloadNone {
		chain = append(chain, next)
		length := int(binary.BigEndian.Uint16(request[offset+2:]))
		next = request[offset]
		offset += length
	}
	if !bytes.Equal(chain, []byte{ikePayloadSA, ikePayloadKE, ikePayloadNonce}) {
		t.Fatalf("unexpected payload chain: %v", chain)
	}
	if offset != len(request) {
		t.Fatalf("payload lengths do not cover the request: %d", offset)
	}
}

func TestWireGuardInitiation(t *testing.T) {

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

	serverKey, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %s", err)
	}

	message, err := makeWireGuardInitiation(serverKey.Public, 0x01020304)
	if err != nil {
		t.Fatalf("makeWireGuardInitiation failed: %s", err)
	}

	require.Len(t, message, wireGuardInitiationSize)
	require.Equal(t, []byte{wireGuardMessageInitiation, 0, 0, 0}, message[0:4])
	require.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(message[4:8]))

	mac1Key := blake2s.Sum256(append([]byte("mac1----"), serverKey.Public...))
	mac, err := blake2s.New128(mac1Key[:])
	require.NoError(t, err)
	mac.Write(message[:wireGuardInitiationMAC1Offset])
	require.Equal(t, mac.Sum(nil), message[wireGuardInitiationMAC1Offset:wireGuardInitiationMAC1Offset+16])
	require.Equal(t, make([]byte, 16), message[wireGuardInitiationMAC1Offset+16:])

	responder, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           cipherSuite,
		Random:                rand.Reader,
		Pattern:               noise.HandshakeIK,
		Initiator:             false,
		Prologue:              []byte("WireGuard v1 zx2c4 Jason@zx2c4.com"),
		PresharedKey:          make([]byte, 32),
		PresharedKeyPlacement: 2,
		StaticKeypair:         serverKey,
	})
	require.NoError(t, err)

	timestamp, _, _, err := responder.ReadMessage(
		nil, message[wireGuardInitiationNoiseOffset:wireGuardInitiationMAC1Offset])
	require.NoError(t, err)
	require.Len(t, timestamp, 12)
	require.Len(t, responder.PeerStatic(), 32)

	_, err = makeWireGuardInitiation(serverKey.Public[:16], 1)
	require.Error(t, err)
}

func TestProbeCompletion(t *testing.T) {

	completion := newProbeCompletion()

	var wins int32
	var waitGroup sync.WaitGroup
	for i := 0; i < 32; i++ {
		waitGroup.Add(1)
		go func(available bool) {
			defer waitGroup.Done()
			if completion.complete(available) {
				atomic.AddInt32(&wins, 1)
			}
		}(i%2 == 0)
	}
	waitGroup.Wait()

	if wins != 1 {
		t.Fatalf("unexpected completion count: %d", wins)
	}

	// A later timeout does not replace the recorded outcome.
	value := completion.value
	ctx, cancelFunc := context.WithCancel(context.Background())
	cancelFunc()
	if completion.wait(ctx) != value {
		t.Fatalf("outcome replaced")
	}
}

func TestProbeConnReleasesOnce(t *testing.T) {

	pipeDial := func(serve func(net.Conn)) func(context.Context) (net.Conn, error) {
		return func(context.Context) (net.Conn, error) {
			client, server := net.Pipe()
			go func() {
				defer server.Close()
				serve(server)
			}()
			return client, nil
		}
	}

	exchange := func(conn net.Conn) bool {
		_, err := conn.Write([]byte("ping"))
		if err != nil {
			return false
		}
		buffer := make([]byte, 16)
		n, err := conn.Read(buffer)
		return err == nil && n > 0
	}

	testCases := []struct {
		description    string
		dial           func(context.Context) (net.Conn, error)
		expectedResult bool
		expectedCloses int32
	}{
		{
			"response",
			pipeDial(func(conn net.Conn) {
				buffer := make([]byte, 4)
				_, _ = io.ReadFull(conn, buffer)
				_, _ = conn.Write([]byte("pong"))
			}),
			true,
			1,
		},
		{
			"explicit close",
			pipeDial(func(conn net.Conn) {
				buffer := make([]byte, 4)
				_, _ = io.ReadFull(conn, buffer)
			}),
			false,
			1,
		},
		{
			"timeout",
			pipeDial(func(conn net.Conn) {
				buffer := make([]byte, 4)
				_, _ = io.ReadFull(conn, buffer)
				time.Sleep(1 * time.Second)
			}),
			false,
			1,
		},
		{
			"dial failure",
			func(context.Context) (net.Conn, error) {
				return nil, std_errors.New("refused")
			},
			false,
			0,
		},
		{
			"dial completes after timeout",
			func(context.Context) (net.Conn, error) {
				time.Sleep(300 * time.Millisecond)
				client, _ := net.Pipe()
				return client, nil
			},
			false,
			1,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {

			var closes int32
			startTime := time.Now()

			dial := func(ctx context.Context) (net.Conn, error) {
				conn, err := testCase.dial(ctx)
				if err != nil {
					return nil, err
				}
				return &closeCountingConn{Conn: conn, closes: &closes}, nil
			}

			result := probeConn(
				context.Background(),
				100*time.Millisecond,
				dial,
				exchange)

			if result != testCase.expectedResult {
				t.Fatalf("unexpected result: %v", result)
			}
			if time.Since(startTime) > 250*time.Millisecond {
				t.Fatalf("probe exceeded timeout: %s", time.Since(startTime))
			}

			// The late dial case closes after probeConn returns.
			require.Eventually(t, func() bool {
				return atomic.LoadInt32(&closes) == testCase.expectedCloses
			}, 2*time.Second, 10*time.Millisecond)
			time.Sleep(400 * time.Millisecond)
			if atomic.LoadInt32(&closes) != testCase.expectedCloses {
				t.Fatalf("unexpected closes: %d", closes)
			}
		})
	}
}

func TestOpenVPNPinger(t *testing.T) {

	logger := testutils.NewTestLogger()
	params := newTestParameters(t, nil)
	timeout := 500 * time.Millisecond

	t.Run("stream", func(t *testing.T) {

		port, received := startTCPResponder(t, []byte{0x40})
		server := newTestServer(nil, nil)

		var closes int32
		pinger := newOpenVPNPinger(logger, params, protocol.VPN_PROTOCOL_OPENVPN_TCP, true)
		pinger.dial = closeCountingDial(&closes)

		if !pinger.Ping(context.Background(), server, port, timeout) {
			t.Fatalf("ping failed")
		}
		packet := receive(t, received)
		if len(packet) != 88 || binary.BigEndian.Uint16(packet) != 86 {
			t.Fatalf("unexpected packet: %x", packet)
		}
		if packet[2] != openVPNHardResetClientV2 {
			t.Fatalf("unexpected opcode: %x", packet[2])
		}
		if atomic.LoadInt32(&closes) != 1 {
			t.Fatalf("unexpected closes: %d", closes)
		}
	})

	t.Run("stream silent", func(t *testing.T) {

		port, _ := startTCPResponder(t, nil)
		server := newTestServer(nil, nil)

		var closes int32
		pinger := newOpenVPNPinger(logger, params, protocol.VPN_PROTOCOL_OPENVPN_TCP, true)
		pinger.dial = closeCountingDial(&closes)

		startTime := time.Now()
		if pinger.Ping(context.Background(), server, port, timeout) {
			t.Fatalf("unexpected ping success")
		}
		if time.Since(startTime) > 2*timeout {
			t.Fatalf("ping exceeded timeout: %s", time.Since(startTime))
		}
		if atomic.LoadInt32(&closes) != 1 {
			t.Fatalf("unexpected closes: %d", closes)
		}
	})

	t.Run("stream refused", func(t *testing.T) {

		server := newTestServer(nil, nil)
		pinger := newOpenVPNPinger(logger, params, protocol.VPN_PROTOCOL_OPENVPN_TCP, true)

		if pinger.Ping(context.Background(), server, closedPort(t), timeout) {
			t.Fatalf("unexpected ping success")
		}
	})

	t.Run("datagram", func(t *testing.T) {

		port, received := startUDPResponder(t, []byte{0x40})
		server := newTestServer(nil, nil)

		var closes int32
		pinger := newOpenVPNPinger(logger, params, protocol.VPN_PROTOCOL_OPENVPN_UDP, false)
		pinger.dial = closeCountingDial(&closes)

		if !pinger.Ping(context.Background(), server, port, timeout) {
			t.Fatalf("ping failed")
		}
		packet := receive(t, received)
		if len(packet) != 86 || packet[0] != openVPNHardResetClientV2 {
			t.Fatalf("unexpected packet: %x", packet)
		}
		if atomic.LoadInt32(&closes) != 1 {
			t.Fatalf("unexpected closes: %d", closes)
		}
	})

	t.Run("datagram silent", func(t *testing.T) {

		port, _ := startUDPResponder(t, nil)
		server := newTestServer(nil, nil)

		pinger := newOpenVPNPinger(logger, params, protocol.VPN_PROTOCOL_OPENVPN_UDP, false)

		if pinger.Ping(context.Background(), server, port, timeout) {
			t.Fatalf("unexpected ping success")
		}
	})
}

func TestIKEv2Pinger(t *testing.T) {

	port, received := startUDPResponder(t, []byte{0x01, 0x02})

	server := newTestServer(nil, nil)
	server.EntryIP = "192.0.2.1"
	server.EntryIPOverrides = map[protocol.VPNProtocol]string{
		protocol.VPN_PROTOCOL_IKEV2: "127.0.0.1",
	}

	var closes int32
	pinger := newIKEv2Pinger(testutils.NewTestLogger())
	pinger.dial = closeCountingDial(&closes)

	if !pinger.Ping(context.Background(), server, port, 500*time.Millisecond) {
		t.Fatalf("ping failed")
	}
	request := receive(t, received)
	if len(request) != 152 || request[18] != ikeExchangeSAInit {
		t.Fatalf("unexpected request: %x", request)
	}
	if atomic.LoadInt32(&closes) != 1 {
		t.Fatalf("unexpected closes: %d", closes)
	}
}

func TestWireGuardPinger(t *testing.T) {

	serverKey, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %s", err)
	}

	params := newTestParameters(t, map[string]interface{}{
		parameters.WireGuardTLSServerName: "vpn.example.com",
	})
	timeout := 2 * time.Second

	t.Run("udp", func(t *testing.T) {

		port, received := startUDPResponder(t, make([]byte, 92))

		var closes int32
		pinger := NewWireGuardPinger(params)
		pinger.dial = closeCountingDial(&closes)

		ok, err := pinger.Ping(
			context.Background(), protocol.TRANSPORT_UDP,
			probeAddress("127.0.0.1", port), serverKey.Public, timeout)
		require.NoError(t, err)
		require.True(t, ok)

		message := receive(t, received)
		require.Len(t, message, wireGuardInitiationSize)
		require.Equal(t, byte(wireGuardMessageInitiation), message[0])
		require.Equal(t, int32(1), atomic.LoadInt32(&closes))
	})

	t.Run("tcp", func(t *testing.T) {

		port, received := startTCPResponder(t, []byte{0, 92})

		pinger := NewWireGuardPinger(params)

		ok, err := pinger.Ping(
			context.Background(), protocol.TRANSPORT_TCP,
			probeAddress("127.0.0.1", port), serverKey.Public, timeout)
		require.NoError(t, err)
		require.True(t, ok)

		frame := receive(t, received)
		require.Len(t, frame, 2+wireGuardInitiationSize)
		require.Equal(t, uint16(wireGuardInitiationSize), binary.BigEndian.Uint16(frame))
	})

	t.Run("tls", func(t *testing.T) {

		certificate, err := testutils.GenerateWebServerCertificate("vpn.example.com")
		require.NoError(t, err)

		listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
			Certificates: []tls.Certificate{certificate},
		})
		require.NoError(t, err)
		defer listener.Close()

		serverNames := make(chan string, 1)
		frames := make(chan []byte, 1)

		go func() {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			tlsConn := conn.(*tls.Conn)
			err = tlsConn.Handshake()
			if err != nil {
				return
			}
			serverNames <- tlsConn.ConnectionState().ServerName
			frame := make([]byte, 2+wireGuardInitiationSize)
			_, err = io.ReadFull(tlsConn, frame)
			if err != nil {
				return
			}
			frames <- frame
			_, _ = tlsConn.Write([]byte{0, 92})
		}()

		var closes int32
		pinger := NewWireGuardPinger(params)
		pinger.dial = closeCountingDial(&closes)

		ok, err := pinger.Ping(
			context.Background(), protocol.TRANSPORT_TLS,
			listener.Addr().String(), serverKey.Public, timeout)
		require.NoError(t, err)
		require.True(t, ok)

		require.Equal(t, "vpn.example.com", <-serverNames)
		frame := <-frames
		require.Equal(t, byte(wireGuardMessageInitiation), frame[2])
		require.Equal(t, int32(1), atomic.LoadInt32(&closes))
	})

	t.Run("silent", func(t *testing.T) {

		port, _ := startUDPResponder(t, nil)
		pinger := NewWireGuardPinger(params)

		ok, err := pinger.Ping(
			context.Background(), protocol.TRANSPORT_UDP,
			probeAddress("127.0.0.1", port), serverKey.Public, 200*time.Millisecond)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("invalid", func(t *testing.T) {

		pinger := NewWireGuardPinger(params)

		_, err := pinger.Ping(
			context.Background(), protocol.TRANSPORT_IKE,
			"127.0.0.1:1", serverKey.Public, timeout)
		require.Error(t, err)

		_, err = pinger.Ping(
			context.Background(), protocol.TRANSPORT_UDP,
			"127.0.0.1:1", []byte{1, 2, 3}, timeout)
		require.Error(t, err)
	})
}

type testNativePinger struct {
	calls int32
	ping  func(ctx context.Context) (bool, error)
}

func (pinger *testNativePinger) Ping(
	ctx context.Context, _, _ string, _ []byte, _ time.Duration) (bool, error) {

	atomic.AddInt32(&pinger.calls, 1)
	return pinger.ping(ctx)
}

func TestNativeLibraryPinger(t *testing.T) {

	logger := testutils.NewTestLogger()
	server := newTestServer(nil, make([]byte, 32))
	timeout := 100 * time.Millisecond

	testCases := []struct {
		description string
		ping        func(ctx context.Context) (bool, error)
		expected    bool
	}{
		{
			"available",
			func(context.Context) (bool, error) { return true, nil },
			true,
		},
		{
			"unavailable",
			func(context.Context) (bool, error) { return false, nil },
			false,
		},
		{
			"error",
			func(context.Context) (bool, error) { return true, std_errors.New("native failure") },
			false,
		},
		{
			"overrun",
			func(context.Context) (bool, error) {
				time.Sleep(500 * time.Millisecond)
				return true, nil
			},
			false,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {

			native := &testNativePinger{ping: testCase.ping}
			pinger := newNativeLibraryPinger(logger, protocol.VPN_PROTOCOL_WIREGUARD_UDP, native)

			startTime := time.Now()
			result := pinger.Ping(context.Background(), server, 51820, timeout)
			if result != testCase.expected {
				t.Fatalf("unexpected result: %v", result)
			}
			if time.Since(startTime) > 3*timeout {
				t.Fatalf("ping exceeded timeout: %s", time.Since(startTime))
			}
		})
	}

	// Without a public key the native pinger is not called.
	native := &testNativePinger{ping: func(context.Context) (bool, error) { return true, nil }}
	pinger := newNativeLibraryPinger(logger, protocol.VPN_PROTOCOL_WIREGUARD_TCP, native)
	if pinger.Ping(context.Background(), newTestServer(nil, nil), 443, timeout) {
		t.Fatalf("unexpected ping success")
	}
	if atomic.LoadInt32(&native.calls) != 0 {
		t.Fatalf("unexpected native calls: %d", native.calls)
	}
}

type testPinger struct {
	available map[int]bool
	delays    map[int]time.Duration

	calls     int32
	active    int32
	maxActive int32
}

func (pinger *testPinger) Ping(
	ctx context.Context, _ *protocol.ServerCandidate, port int, _ time.Duration) bool {

	atomic.AddInt32(&pinger.calls, 1)
	active := atomic.AddInt32(&pinger.active, 1)
	defer atomic.AddInt32(&pinger.active, -1)
	for {
		maxActive := atomic.LoadInt32(&pinger.maxActive)
		if active <= maxActive ||
			atomic.CompareAndSwapInt32(&pinger.maxActive, maxActive, active) {
			break
		}
	}

	timer := time.NewTimer(pinger.delays[port])
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	}
	return pinger.available[port]
}

func TestPortAvailabilityChecker(t *testing.T) {

	logger := testutils.NewTestLogger()
	params := newTestParameters(t, map[string]interface{}{
		parameters.ProbeMaxConcurrentPorts: 2,
	})
	vpnProtocol := protocol.VPN_PROTOCOL_OPENVPN_UDP

	t.Run("answer order", func(t *testing.T) {

		pinger := &testPinger{
			available: map[int]bool{1002: true, 1004: true},
			delays: map[int]time.Duration{
				1002: 200 * time.Millisecond,
				1004: 10 * time.Millisecond,
			},
		}
		checker := NewPortAvailabilityChecker(logger, params, vpnProtocol, pinger)
		server := newTestServer(
			map[protocol.VPNProtocol][]int{vpnProtocol: {1001, 1002, 1003, 1004, 1005, 1006}}, nil)

		result := checker.CheckAvailability(context.Background(), server)

		require.True(t, result.Available)
		require.Equal(t, []int{1004, 1002}, result.Ports)
		require.Equal(t, int32(6), atomic.LoadInt32(&pinger.calls))
		require.LessOrEqual(t, atomic.LoadInt32(&pinger.maxActive), int32(2))
	})

	t.Run("default ports", func(t *testing.T) {

		pinger := &testPinger{}
		checker := NewPortAvailabilityChecker(logger, params, vpnProtocol, pinger)

		result := checker.CheckAvailability(context.Background(), newTestServer(nil, nil))

		require.False(t, result.Available)
		require.Empty(t, result.Ports)
		require.Equal(
			t,
			int32(len(params.Get().DefaultPorts(vpnProtocol))),
			atomic.LoadInt32(&pinger.calls))
	})

	t.Run("first responding port", func(t *testing.T) {

		pinger := &testPinger{
			available: map[int]bool{1003: true, 1005: true},
			delays: map[int]time.Duration{
				1003: 10 * time.Millisecond,
				1005: 2 * time.Second,
			},
		}
		checker := NewPortAvailabilityChecker(logger, params, vpnProtocol, pinger)
		server := newTestServer(
			map[protocol.VPNProtocol][]int{vpnProtocol: {1003, 1005}}, nil)

		startTime := time.Now()
		port, ok := checker.FirstRespondingPort(context.Background(), server)
		require.True(t, ok)
		require.Equal(t, 1003, port)
		require.Less(t, time.Since(startTime), 1*time.Second)
	})

	t.Run("no responding port", func(t *testing.T) {

		pinger := &testPinger{}
		checker := NewPortAvailabilityChecker(logger, params, vpnProtocol, pinger)
		server := newTestServer(
			map[protocol.VPNProtocol][]int{vpnProtocol: {1003, 1005}}, nil)

		port, ok := checker.FirstRespondingPort(context.Background(), server)
		require.False(t, ok)
		require.Equal(t, 0, port)
	})
}

func TestNetworkAvailabilityCheckerResolver(t *testing.T) {

	resolver := NewNetworkAvailabilityCheckerResolver(
		testutils.NewTestLogger(), newTestParameters(t, nil), nil)

	for _, vpnProtocol := range protocol.SupportedVPNProtocols {

		checker, err := resolver.AvailabilityChecker(vpnProtocol)
		if err != nil {
			t.Fatalf("AvailabilityChecker failed: %s", err)
		}
		if checker.Protocol() != vpnProtocol {
			t.Fatalf("unexpected protocol: %s", checker.Protocol())
		}

		pinger := checker.(*PortAvailabilityChecker).pinger
		switch vpnProtocol {
		case protocol.VPN_PROTOCOL_OPENVPN_TCP:
			if p, ok := pinger.(*openVPNPinger); !ok || !p.stream {
				t.Fatalf("unexpected pinger for %s: %T", vpnProtocol, pinger)
			}
		case protocol.VPN_PROTOCOL_OPENVPN_UDP:
			if p, ok := pinger.(*openVPNPinger); !ok || p.stream {
				t.Fatalf("unexpected pinger for %s: %T", vpnProtocol, pinger)
			}
		case protocol.VPN_PROTOCOL_IKEV2:
			if _, ok := pinger.(*ikev2Pinger); !ok {
				t.Fatalf("unexpected pinger for %s: %T", vpnProtocol, pinger)
			}
		default:
			p, ok := pinger.(*nativeLibraryPinger)
			if !ok {
				t.Fatalf("unexpected pinger for %s: %T", vpnProtocol, pinger)
			}
			if _, ok := p.native.(*WireGuardPinger); !ok {
				t.Fatalf("unexpected native pinger: %T", p.native)
			}
		}
	}

	_, err := resolver.AvailabilityChecker(protocol.VPNProtocol("PPTP"))
	if err == nil {
		t.Fatalf("unknown protocol accepted")
	}
}

// closeCountingConn counts Close calls that reach the network connection.
type closeCountingConn struct {
	net.Conn
	closes *int32
}

func (conn *closeCountingConn) Close() error {
	atomic.AddInt32(conn.closes, 1)
	return conn.Conn.Close()
}

func closeCountingDial(closes *int32) dialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := defaultDial(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return &closeCountingConn{Conn: conn, closes: closes}, nil
	}
}
