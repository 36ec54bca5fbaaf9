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

package localagent

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	std_errors "errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/prng"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

const maxMessageSize = 64 * 1024

// Config specifies a control channel. The PEM values are the client
// certificate chain and private key issued for the current session and the
// CA certificates that sign gateway certificates. CertServerName is the
// name the gateway certificate must be valid for, while Host is the dial
// address inside the tunnel.
type Config struct {
	ClientCertPEM  string
	ClientKeyPEM   string
	ServerCAsPEM   string
	Host           string
	CertServerName string
	Features       *protocol.FeatureSet
	Connectivity   bool
}

// Connection is a self-reconnecting control channel. All observations are
// delivered on Events, which is closed after Close completes.
type Connection struct {
	logger    common.Logger
	params    *parameters.Parameters
	host      string
	tlsConfig *tls.Config

	events     chan Event
	runCtx     context.Context
	stopRun    context.CancelFunc
	waitGroup  sync.WaitGroup
	closeOnce  sync.Once
	writeMutex sync.Mutex

	mutex        sync.Mutex
	conn         net.Conn
	state        string
	status       *Status
	features     *protocol.FeatureSet
	connectivity bool
	resetBackoff bool
	wakePending  bool
	cancelSleep  context.CancelFunc
}

// NewConnection validates config and starts connecting in the background.
func NewConnection(
	logger common.Logger,
	params *parameters.Parameters,
	config *Config) (*Connection, error) {

	certificate, err := tls.X509KeyPair(
		[]byte(config.ClientCertPEM), []byte(config.ClientKeyPEM))
	if err != nil {
		return nil, errors.Trace(err)
	}

	rootCAs := x509.NewCertPool()
	if !rootCAs.AppendCertsFromPEM([]byte(config.ServerCAsPEM)) {
		return nil, errors.TraceNew("no server CA certificates")
	}

	host := config.Host
	if host == "" {
		host = params.Get().String(parameters.LocalAgentHost)
	}
	_, _, err = net.SplitHostPort(host)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.CertServerName == "" {
		return nil, errors.TraceNew("missing certificate server name")
	}

	var features *protocol.FeatureSet
	if config.Features != nil {
		err := config.Features.Validate()
		if err != nil {
			return nil, errors.Trace(err)
		}
		f := *config.Features
		features = &f
	}

	runCtx, stopRun := context.WithCancel(context.Background())

	c := &Connection{
		logger: logger,
		params: params,
		host:   host,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{certificate},
			RootCAs:      rootCAs,
			ServerName:   config.CertServerName,
			MinVersion:   tls.VersionTLS12,
		},
		events:       make(chan Event, params.Get().Int(parameters.LocalAgentEventBufferSize)),
		runCtx:       runCtx,
		stopRun:      stopRun,
		features:     features,
		connectivity: config.Connectivity,
	}

	c.waitGroup.Add(1)
	go c.run()

	return c, nil
}

// Events returns the event stream. Events for a single connection are
// delivered in the order they were observed.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// State returns the most recently reported state name, or "" before the
// first state is reported.
func (c *Connection) State() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Status returns the most recent gateway status, or nil.
func (c *Connection) Status() *Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.status == nil {
		return nil
	}
	status := *c.status
	return &status
}

// SetFeatures records the desired features and sends them to the gateway
// when a channel is established. The desired features are resent after
// every reconnect.
func (c *Connection) SetFeatures(features *protocol.FeatureSet) {

	c.mutex.Lock()
	if features != nil {
		f := *features
		features = &f
	}
	c.features = features
	conn := c.conn
	c.mutex.Unlock()

	if conn == nil || features == nil {
		return
	}

	err := c.write(conn, message{FeaturesSet: features})
	if err != nil {
		c.logger.WithTraceFields(
			common.LogFields{"error": err}).Warning("send features failed")
	}
}

// SetConnectivity records host connectivity. Gaining connectivity resets
// the reconnect backoff and interrupts a pending backoff wait.
func (c *Connection) SetConnectivity(connectivity bool) {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.connectivity = connectivity
	if !connectivity {
		return
	}
	c.resetBackoff = true
	if c.cancelSleep != nil {
		c.cancelSleep()
	} else {
		c.wakePending = true
	}
}

// SendGetStatus asks the gateway for its status, optionally including
// feature statistics. It is a no-op when no channel is established.
func (c *Connection) SendGetStatus(withStatistics bool) {

	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()

	if conn == nil {
		return
	}

	err := c.write(conn, message{
		StatusGet: &statusGetMessage{FeaturesStatistics: withStatistics}})
	if err != nil {
		c.logger.WithTraceFields(
			common.LogFields{"error": err}).Warning("send status request failed")
	}
}

// Close stops the connection and waits for its goroutine to exit. Close is
// idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.stopRun()
		c.waitGroup.Wait()
	})
}

func (c *Connection) run() {
	defer c.waitGroup.Done()

	backoff := time.Duration(0)

	for {
		c.setState(STATE_CONNECTING)

		conn, err := c.dial()
		if err == nil {
			backoff = 0
			c.drainWake()
			err = c.serve(conn)
		}

		if c.runCtx.Err() != nil {
			break
		}

		c.setState(c.failureState(err))
		c.emit(LogEmitted{Message: fmt.Sprintf("control channel failed: %v", err)})

		backoff = c.nextBackoff(backoff)
		if !c.sleep(backoff) {
			break
		}
	}

	c.mutex.Lock()
	c.state = STATE_DISCONNECTED
	c.mutex.Unlock()

	// The consumer may have stopped reading; the final state is delivered
	// only if there is buffer space.
	select {
	case c.events <- StateChanged{State: STATE_DISCONNECTED}:
	default:
	}
	close(c.events)
}

func (c *Connection) dial() (net.Conn, error) {

	timeout := c.params.Get().Duration(parameters.LocalAgentConnectTimeout)
	ctx, cancelFunc := context.WithTimeout(c.runCtx, timeout)
	defer cancelFunc()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    c.tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.host)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return conn, nil
}

// serve runs the read loop on an established channel and returns the error
// that ended it.
func (c *Connection) serve(conn net.Conn) error {

	stop := context.AfterFunc(c.runCtx, func() {
		conn.Close()
	})
	defer stop()

	c.mutex.Lock()
	c.conn = conn
	features := c.features
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		c.conn = nil
		c.mutex.Unlock()
		conn.Close()
	}()

	// The gateway answers either message with its status.
	var err error
	if features != nil {
		err = c.write(conn, message{FeaturesSet: features})
	} else {
		err = c.write(conn, message{StatusGet: &statusGetMessage{}})
	}
	if err != nil {
		return errors.Trace(err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxMessageSize)

	for scanner.Scan() {
		m, err := decodeMessage(scanner.Bytes())
		if err != nil {
			c.emit(LogEmitted{Message: fmt.Sprintf("invalid message: %v", err)})
			continue
		}
		c.handleMessage(m)
	}

	err = scanner.Err()
	if err == nil {
		return errors.TraceNew("closed by gateway")
	}
	return errors.Trace(err)
}

func (c *Connection) handleMessage(m message) {

	switch {
	case m.Status != nil:
		state, ok := stateFromGateway(m.Status.State)
		if !ok {
			c.emit(LogEmitted{Message: "unknown gateway state: " + m.Status.State})
			return
		}
		status := Status{
			State:             state,
			Features:          m.Status.Features,
			FeatureStatistics: m.Status.FeaturesStatistics,
			ConnectionDetails: m.Status.ConnectionDetails,
		}
		c.mutex.Lock()
		c.status = &status
		c.mutex.Unlock()

		c.emit(StatusReceived{Status: status})
		c.setState(state)
		if m.Status.Reason != nil {
			c.emit(ErrorOccurred{
				Code:        m.Status.Reason.Code,
				Description: m.Status.Reason.Description,
			})
		}

	case m.Error != nil:
		c.emit(ErrorOccurred{Code: m.Error.Code, Description: m.Error.Description})

	default:
		c.emit(LogEmitted{Message: "ignoring unexpected message"})
	}
}

func (c *Connection) write(conn net.Conn, m message) error {

	data, err := encodeMessage(m)
	if err != nil {
		return errors.Trace(err)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	timeout := c.params.Get().Duration(parameters.LocalAgentConnectTimeout)
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err = conn.Write(data)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// setState records and reports state. Repeated states are reported again;
// deduplication is up to the consumer.
func (c *Connection) setState(state string) {
	c.mutex.Lock()
	c.state = state
	c.mutex.Unlock()
	c.emit(StateChanged{State: state})
}

func (c *Connection) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.runCtx.Done():
	}
}

func (c *Connection) failureState(err error) string {

	c.mutex.Lock()
	connectivity := c.connectivity
	c.mutex.Unlock()

	switch {
	case isServerCertificateError(err):
		return STATE_SERVER_CERTIFICATE_ERROR
	case isClientCertificateRejection(err):
		return STATE_CLIENT_CERTIFICATE_ERROR
	case !connectivity:
		return STATE_WAITING_FOR_NETWORK
	}

	var netErr net.Error
	if std_errors.As(err, &netErr) && netErr.Timeout() {
		return STATE_SERVER_UNREACHABLE
	}
	var opErr *net.OpError
	if std_errors.As(err, &opErr) && opErr.Op == "dial" {
		return STATE_SERVER_UNREACHABLE
	}
	return STATE_CONNECTION_ERROR
}

func isServerCertificateError(err error) bool {
	var verificationErr *tls.CertificateVerificationError
	var unknownAuthorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return std_errors.As(err, &verificationErr) ||
		std_errors.As(err, &unknownAuthorityErr) ||
		std_errors.As(err, &hostnameErr) ||
		std_errors.As(err, &invalidErr)
}

// isClientCertificateRejection detects the TLS alerts a gateway sends when it
// rejects the client certificate. With TLS 1.3 the alert arrives on the
// first read after the handshake.
func isClientCertificateRejection(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	if !strings.Contains(message, "remote error: tls:") {
		return false
	}
	return strings.Contains(message, "certificate")
}

// nextBackoff doubles the previous backoff within the configured bounds. A
// pending reset from SetConnectivity restarts from the minimum.
func (c *Connection) nextBackoff(previous time.Duration) time.Duration {

	p := c.params.Get()
	minBackoff := p.Duration(parameters.LocalAgentMinBackoff)
	maxBackoff := p.Duration(parameters.LocalAgentMaxBackoff)

	c.mutex.Lock()
	if c.resetBackoff {
		previous = 0
		c.resetBackoff = false
	}
	c.mutex.Unlock()

	if previous < minBackoff {
		return minBackoff
	}
	next := previous * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func (c *Connection) drainWake() {
	c.mutex.Lock()
	c.wakePending = false
	c.resetBackoff = false
	c.mutex.Unlock()
}

// sleep waits for the jittered backoff, a wake from SetConnectivity, or
// Close. A wake that arrived while connecting skips the wait. It returns
// false on Close.
func (c *Connection) sleep(backoff time.Duration) bool {

	jitter := c.params.Get().Float(parameters.LocalAgentBackoffJitter)

	c.mutex.Lock()
	if c.wakePending {
		c.wakePending = false
		c.mutex.Unlock()
		return c.runCtx.Err() == nil
	}
	ctx, cancelFunc := context.WithCancel(c.runCtx)
	c.cancelSleep = cancelFunc
	c.mutex.Unlock()

	common.SleepWithContext(ctx, prng.JitterDuration(backoff, jitter))

	c.mutex.Lock()
	c.cancelSleep = nil
	c.mutex.Unlock()
	cancelFunc()

	return c.runCtx.Err() == nil
}
