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
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
	"golang.org/x/sync/errgroup"
)

// ProbeResult is the outcome of checking one protocol against one server.
// When Available is true, Ports holds the ports that answered, in the order
// they answered, and is never empty.
type ProbeResult struct {
	Available bool
	Ports     []int
}

func unavailable() ProbeResult {
	return ProbeResult{}
}

func available(ports []int) ProbeResult {
	if len(ports) == 0 {
		return unavailable()
	}
	return ProbeResult{Available: true, Ports: ports}
}

// AvailabilityChecker checks whether a server answers a protocol.
type AvailabilityChecker interface {
	Protocol() protocol.VPNProtocol

	// CheckAvailability probes all of the server's ports for the protocol
	// concurrently.
	CheckAvailability(ctx context.Context, server *protocol.ServerCandidate) ProbeResult

	// FirstRespondingPort returns the first port to answer, or false when no
	// port answers.
	FirstRespondingPort(ctx context.Context, server *protocol.ServerCandidate) (int, bool)
}

// Pinger probes a single server port. Ping returns within timeout and
// reports false on any failure.
type Pinger interface {
	Ping(ctx context.Context, server *protocol.ServerCandidate, port int, timeout time.Duration) bool
}

// PortAvailabilityChecker implements AvailabilityChecker by fanning a Pinger
// out over the server's ports for a protocol. The ports are the server's
// override ports for the protocol, when present, or the protocol's default
// ports parameter.
type PortAvailabilityChecker struct {
	logger      common.Logger
	params      *parameters.Parameters
	vpnProtocol protocol.VPNProtocol
	pinger      Pinger
}

func NewPortAvailabilityChecker(
	logger common.Logger,
	params *parameters.Parameters,
	vpnProtocol protocol.VPNProtocol,
	pinger Pinger) *PortAvailabilityChecker {

	return &PortAvailabilityChecker{
		logger:      logger,
		params:      params,
		vpnProtocol: vpnProtocol,
		pinger:      pinger,
	}
}

func (checker *PortAvailabilityChecker) Protocol() protocol.VPNProtocol {
	return checker.vpnProtocol
}

func (checker *PortAvailabilityChecker) ports(
	server *protocol.ServerCandidate) ([]int, time.Duration, int) {

	p := checker.params.Get()
	ports := server.PortsFor(checker.vpnProtocol, p.DefaultPorts(checker.vpnProtocol))
	return common.ShuffledInts(ports),
		p.Duration(parameters.ProbeTimeout),
		p.Int(parameters.ProbeMaxConcurrentPorts)
}

func (checker *PortAvailabilityChecker) CheckAvailability(
	ctx context.Context, server *protocol.ServerCandidate) ProbeResult {

	ports, timeout, concurrency := checker.ports(server)

	checker.logger.WithTraceFields(common.LogFields{
		"protocol": checker.vpnProtocol,
		"server":   server.ID,
		"ports":    ports,
	}).Debug("checking availability")

	var mutex sync.Mutex
	var answered []int

	var group errgroup.Group
	group.SetLimit(concurrency)

	for _, port := range ports {
		port := port
		group.Go(func() error {
			if checker.pinger.Ping(ctx, server, port, timeout) {
				mutex.Lock()
				answered = append(answered, port)
				mutex.Unlock()
			}
			return nil
		})
	}

	_ = group.Wait()

	result := available(answered)

	checker.logger.WithTraceFields(common.LogFields{
		"protocol":  checker.vpnProtocol,
		"server":    server.ID,
		"available": result.Available,
		"ports":     result.Ports,
	}).Debug("checked availability")

	return result
}

func (checker *PortAvailabilityChecker) FirstRespondingPort(
	ctx context.Context, server *protocol.ServerCandidate) (int, bool) {

	ports, timeout, concurrency := checker.ports(server)

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	first := make(chan int, 1)

	var group errgroup.Group
	group.SetLimit(concurrency)

	for _, port := range ports {
		port := port
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if checker.pinger.Ping(ctx, server, port, timeout) {
				select {
				case first <- port:
					// Abandon the remaining pings.
					cancelFunc()
				default:
				}
			}
			return nil
		})
	}

	_ = group.Wait()

	select {
	case port := <-first:
		checker.logger.WithTraceFields(common.LogFields{
			"protocol": checker.vpnProtocol,
			"server":   server.ID,
			"port":     port,
		}).Debug("first port to respond")
		return port, true
	default:
	}

	checker.logger.WithTraceFields(common.LogFields{
		"protocol": checker.vpnProtocol,
		"server":   server.ID,
	}).Warning("no port responded")

	return 0, false
}

// AvailabilityCheckerResolver returns the checker for a protocol.
type AvailabilityCheckerResolver interface {
	AvailabilityChecker(vpnProtocol protocol.VPNProtocol) (AvailabilityChecker, error)
}

// NetworkAvailabilityCheckerResolver resolves checkers that probe over the
// network: handshake emulation for OpenVPN and IKEv2 and native pings for
// WireGuard.
type NetworkAvailabilityCheckerResolver struct {
	logger       common.Logger
	params       *parameters.Parameters
	nativePinger NativePinger
}

// NewNetworkAvailabilityCheckerResolver creates a resolver. When
// nativePinger is nil, a WireGuardPinger is used.
func NewNetworkAvailabilityCheckerResolver(
	logger common.Logger,
	params *parameters.Parameters,
	nativePinger NativePinger) *NetworkAvailabilityCheckerResolver {

	if nativePinger == nil {
		nativePinger = NewWireGuardPinger(params)
	}

	return &NetworkAvailabilityCheckerResolver{
		logger:       logger,
		params:       params,
		nativePinger: nativePinger,
	}
}

func (resolver *NetworkAvailabilityCheckerResolver) AvailabilityChecker(
	vpnProtocol protocol.VPNProtocol) (AvailabilityChecker, error) {

	if !vpnProtocol.IsValid() {
		return nil, errors.Tracef("unsupported protocol: %s", vpnProtocol)
	}

	var pinger Pinger

	switch vpnProtocol.Family() {
	case protocol.PROTOCOL_FAMILY_STREAM_HANDSHAKE:
		pinger = newOpenVPNPinger(resolver.logger, resolver.params, vpnProtocol, true)
	case protocol.PROTOCOL_FAMILY_DATAGRAM_HANDSHAKE:
		pinger = newOpenVPNPinger(resolver.logger, resolver.params, vpnProtocol, false)
	case protocol.PROTOCOL_FAMILY_LEGACY_IKE:
		pinger = newIKEv2Pinger(resolver.logger)
	case protocol.PROTOCOL_FAMILY_TUNNEL_NATIVE_UDP,
		protocol.PROTOCOL_FAMILY_TUNNEL_NATIVE_TCP,
		protocol.PROTOCOL_FAMILY_TUNNEL_NATIVE_TLS:
		pinger = newNativeLibraryPinger(resolver.logger, vpnProtocol, resolver.nativePinger)
	default:
		return nil, errors.Tracef("unsupported protocol: %s", vpnProtocol)
	}

	return NewPortAvailabilityChecker(
		resolver.logger, resolver.params, vpnProtocol, pinger), nil
}

// probeCompletion delivers the first of several racing probe outcomes and
// discards the rest.
type probeCompletion struct {
	once  sync.Once
	done  chan struct{}
	value bool
}

func newProbeCompletion() *probeCompletion {
	return &probeCompletion{done: make(chan struct{})}
}

// complete records available and reports whether this call won.
func (c *probeCompletion) complete(available bool) bool {
	won := false
	c.once.Do(func() {
		c.value = available
		close(c.done)
		won = true
	})
	return won
}

// wait returns the winning outcome, completing with false when ctx is done
// first.
func (c *probeCompletion) wait(ctx context.Context) bool {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.complete(false)
	}
	return c.value
}

// probeConn dials and runs exchange on the connection, returning the first
// of the exchange result, a dial or exchange failure, or the timeout. The
// connection is closed exactly once on every path.
func probeConn(
	ctx context.Context,
	timeout time.Duration,
	dial func(ctx context.Context) (net.Conn, error),
	exchange func(conn net.Conn) bool) bool {

	ctx, cancelFunc := context.WithTimeout(ctx, timeout)
	defer cancelFunc()

	completion := newProbeCompletion()

	var mutex sync.Mutex
	var conn net.Conn
	released := false

	release := func() {
		mutex.Lock()
		defer mutex.Unlock()
		released = true
		if conn != nil {
			conn.Close()
		}
	}

	go func() {
		rawConn, err := dial(ctx)
		if err != nil {
			completion.complete(false)
			return
		}
		c := &releaseOnceConn{Conn: rawConn}

		mutex.Lock()
		if released {
			mutex.Unlock()
			c.Close()
			return
		}
		conn = c
		mutex.Unlock()

		if deadline, ok := ctx.Deadline(); ok {
			_ = c.SetDeadline(deadline)
		}
		completion.complete(exchange(c))
	}()

	result := completion.wait(ctx)
	release()
	return result
}

// releaseOnceConn closes the underlying conn on the first Close call only.
type releaseOnceConn struct {
	net.Conn
	once sync.Once
}

func (conn *releaseOnceConn) Close() error {
	var err error
	conn.once.Do(func() {
		err = conn.Conn.Close()
	})
	return err
}

// dialFunc is net.Dialer.DialContext, replaceable in tests.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDial(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

func probeAddress(entryIP string, port int) string {
	return net.JoinHostPort(entryIP, strconv.Itoa(port))
}
