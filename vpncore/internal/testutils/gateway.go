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

package testutils

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"sync"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
)

// TestGateway is a local agent endpoint for tests. It requires a client
// certificate issued by the PKI CA, answers "features-set" and "status-get"
// with a status message, and records every message it receives.
type TestGateway struct {
	listener net.Listener
	state    string

	mutex    sync.Mutex
	conns    map[net.Conn]struct{}
	received []map[string]interface{}
	features interface{}
	accepted int
}

// NewTestGateway listens on a loopback port. The gateway reports state as
// its status state, for example "connected" or "hard-jailed".
func NewTestGateway(pki *TestPKI, state string) (*TestGateway, error) {

	certificate, err := tls.X509KeyPair(
		[]byte(pki.ServerCertificatePEM), []byte(pki.ServerPrivateKeyPEM))
	if err != nil {
		return nil, errors.Trace(err)
	}

	clientCAs := x509.NewCertPool()
	clientCAs.AppendCertsFromPEM([]byte(pki.CACertificatePEM))

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	gateway := &TestGateway{
		listener: listener,
		state:    state,
		conns:    make(map[net.Conn]struct{}),
	}

	go gateway.acceptConnections()

	return gateway, nil
}

func (gateway *TestGateway) Address() string {
	return gateway.listener.Addr().String()
}

// Accepted returns the number of accepted connections.
func (gateway *TestGateway) Accepted() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return gateway.accepted
}

// Received returns the number of received messages with the given top level
// key, such as "features-set".
func (gateway *TestGateway) Received(key string) int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	count := 0
	for _, m := range gateway.received {
		if _, ok := m[key]; ok {
			count++
		}
	}
	return count
}

// Send writes a raw message object to all open connections.
func (gateway *TestGateway) Send(m map[string]interface{}) {
	data, _ := json.Marshal(m)
	data = append(data, '\n')
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	for conn := range gateway.conns {
		_, _ = conn.Write(data)
	}
}

// DropConnections closes all open connections, leaving the listener open.
func (gateway *TestGateway) DropConnections() {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	for conn := range gateway.conns {
		conn.Close()
	}
}

func (gateway *TestGateway) Close() {
	gateway.listener.Close()
	gateway.DropConnections()
}

func (gateway *TestGateway) acceptConnections() {
	for {
		conn, err := gateway.listener.Accept()
		if err != nil {
			return
		}
		gateway.mutex.Lock()
		gateway.conns[conn] = struct{}{}
		gateway.accepted++
		gateway.mutex.Unlock()
		go gateway.handleConnection(conn)
	}
}

func (gateway *TestGateway) handleConnection(conn net.Conn) {

	defer func() {
		gateway.mutex.Lock()
		delete(gateway.conns, conn)
		gateway.mutex.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {

		var m map[string]interface{}
		if json.Unmarshal(scanner.Bytes(), &m) != nil {
			return
		}

		gateway.mutex.Lock()
		gateway.received = append(gateway.received, m)
		if features, ok := m["features-set"]; ok {
			gateway.features = features
		}
		status := map[string]interface{}{"state": gateway.state}
		if gateway.features != nil {
			status["features"] = gateway.features
		}
		gateway.mutex.Unlock()

		if get, ok := m["status-get"].(map[string]interface{}); ok {
			if withStatistics, _ := get["features-statistics"].(bool); withStatistics {
				status["features-statistics"] = map[string]interface{}{
					"netshield": map[string]interface{}{
						"DNSBL/1b":    3,
						"DNSBL/2a":    5,
						"DNSBL/2b":    7,
						"bytes-saved": 1024,
					},
				}
			}
		}

		data, _ := json.Marshal(map[string]interface{}{"status": status})
		_, err := conn.Write(append(data, '\n'))
		if err != nil {
			return
		}
	}
}
