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
	"sync"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/localagent"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

// SessionState is the control channel state. Besides the lifecycle states,
// the gateway and the channel report detail states, each of which belongs
// to one lifecycle phase; see Phase.
type SessionState string

const (
	SESSION_STATE_DISCONNECTED  SessionState = "Disconnected"
	SESSION_STATE_CONNECTING    SessionState = "Connecting"
	SESSION_STATE_CONNECTED     SessionState = "Connected"
	SESSION_STATE_DISCONNECTING SessionState = "Disconnecting"
	SESSION_STATE_ERROR         SessionState = "Error"

	SESSION_STATE_SOFT_JAILED              SessionState = "SoftJailed"
	SESSION_STATE_HARD_JAILED              SessionState = "HardJailed"
	SESSION_STATE_CONNECTION_ERROR         SessionState = "ConnectionError"
	SESSION_STATE_SERVER_UNREACHABLE       SessionState = "ServerUnreachable"
	SESSION_STATE_WAITING_FOR_NETWORK      SessionState = "WaitingForNetwork"
	SESSION_STATE_CLIENT_CERTIFICATE_ERROR SessionState = "ClientCertificateError"
	SESSION_STATE_SERVER_CERTIFICATE_ERROR SessionState = "ServerCertificateError"
)

// Phase maps detail states onto the lifecycle states. Jailed sessions are
// connected; waiting for the network is still connecting.
func (state SessionState) Phase() SessionState {
	switch state {
	case SESSION_STATE_SOFT_JAILED, SESSION_STATE_HARD_JAILED:
		return SESSION_STATE_CONNECTED
	case SESSION_STATE_WAITING_FOR_NETWORK:
		return SESSION_STATE_CONNECTING
	case SESSION_STATE_CONNECTION_ERROR,
		SESSION_STATE_SERVER_UNREACHABLE,
		SESSION_STATE_CLIENT_CERTIFICATE_ERROR,
		SESSION_STATE_SERVER_CERTIFICATE_ERROR:
		return SESSION_STATE_ERROR
	}
	return state
}

func sessionStateFromAgent(state string) (SessionState, bool) {
	switch state {
	case localagent.STATE_CONNECTING:
		return SESSION_STATE_CONNECTING, true
	case localagent.STATE_CONNECTED:
		return SESSION_STATE_CONNECTED, true
	case localagent.STATE_SOFT_JAILED:
		return SESSION_STATE_SOFT_JAILED, true
	case localagent.STATE_HARD_JAILED:
		return SESSION_STATE_HARD_JAILED, true
	case localagent.STATE_CONNECTION_ERROR:
		return SESSION_STATE_CONNECTION_ERROR, true
	case localagent.STATE_SERVER_UNREACHABLE:
		return SESSION_STATE_SERVER_UNREACHABLE, true
	case localagent.STATE_WAITING_FOR_NETWORK:
		return SESSION_STATE_WAITING_FOR_NETWORK, true
	case localagent.STATE_SERVER_CERTIFICATE_ERROR:
		return SESSION_STATE_SERVER_CERTIFICATE_ERROR, true
	case localagent.STATE_CLIENT_CERTIFICATE_ERROR:
		return SESSION_STATE_CLIENT_CERTIFICATE_ERROR, true
	case localagent.STATE_DISCONNECTED:
		return SESSION_STATE_DISCONNECTED, true
	}
	return "", false
}

// AgentConnection is a control channel. It reconnects on its own and
// reports everything it observes on Events, which is closed once the
// connection is closed.
type AgentConnection interface {
	Events() <-chan localagent.Event
	SetFeatures(features *protocol.FeatureSet)
	SetConnectivity(connectivity bool)
	SendGetStatus(withStatistics bool)
	Close()
}

type AgentConnectionFactory interface {
	NewAgentConnection(config *localagent.Config) (AgentConnection, error)
}

// NetworkAgentConnectionFactory creates localagent.Connections.
type NetworkAgentConnectionFactory struct {
	logger common.Logger
	params *parameters.Parameters
}

func NewNetworkAgentConnectionFactory(
	logger common.Logger,
	params *parameters.Parameters) *NetworkAgentConnectionFactory {

	return &NetworkAgentConnectionFactory{logger: logger, params: params}
}

func (factory *NetworkAgentConnectionFactory) NewAgentConnection(
	config *localagent.Config) (AgentConnection, error) {

	connection, err := localagent.NewConnection(factory.logger, factory.params, config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return connection, nil
}

// NetShieldStats are the NetShield counters reported by the gateway.
// Enabled is false for the zero stats reported on disconnect.
type NetShieldStats struct {
	Trackers   int64
	Ads        int64
	BytesSaved int64
	Enabled    bool
}

// LocalAgentDelegate receives LocalAgent notifications. Notifications are
// delivered one at a time, in order, on a goroutine owned by the
// LocalAgent. Delegate methods may call back into the LocalAgent.
type LocalAgentDelegate interface {
	DidChangeState(state SessionState)
	DidReceiveError(kind ErrorKind)

	// DidReceiveFeatures reports the features in effect on the gateway. It
	// is up to the delegate to compare them with its own settings.
	DidReceiveFeatures(features protocol.FeatureSet)

	DidReceiveStats(stats NetShieldStats)
	DidReceiveConnectionDetails(details localagent.ConnectionDetails)
}

// LocalAgentConfiguration is the session material used to open the control
// channel. Hostname is the name the gateway certificate is issued for.
type LocalAgentConfiguration struct {
	ClientCertificatePEM string
	ClientKeyPEM         string
	ServerCAsPEM         string
	Hostname             string
	Features             *protocol.FeatureSet
}

// LocalAgent maintains the control channel to the gateway of an established
// tunnel.
//
// Each session's events are consumed by a single goroutine, which is the
// only writer of the cached state. The LocalAgent itself does not retry:
// reconnecting is done by the AgentConnection, and the LocalAgent only
// hints it when the host regains reachability.
type LocalAgent struct {
	logger       common.Logger
	params       *parameters.Parameters
	factory      AgentConnectionFactory
	reachability ReachabilityNotifier
	delegate     LocalAgentDelegate
	nativeLogs   *lrucache.Cache
	deliveries   *deliveryQueue
	closeOnce    sync.Once

	mutex    sync.Mutex
	session  *agentSession
	state    SessionState
	features protocol.FeatureSet
	closed   bool
}

type agentSession struct {
	agent          AgentConnection
	disconnect     chan struct{}
	disconnectOnce sync.Once
	done           chan struct{}
}

// NewLocalAgent creates a disconnected LocalAgent and starts reachability
// monitoring, when reachability is not nil. A reachability start failure is
// logged and monitoring is skipped.
func NewLocalAgent(
	logger common.Logger,
	params *parameters.Parameters,
	factory AgentConnectionFactory,
	reachability ReachabilityNotifier,
	delegate LocalAgentDelegate) *LocalAgent {

	p := params.Get()

	a := &LocalAgent{
		logger:       logger,
		params:       params,
		factory:      factory,
		reachability: reachability,
		delegate:     delegate,
		nativeLogs: lrucache.NewWithLRU(
			p.Duration(parameters.NativeLogRepeatPeriod),
			1*time.Minute,
			p.Int(parameters.NativeLogRepeatCacheSize)),
		deliveries: newDeliveryQueue(),
		state:      SESSION_STATE_DISCONNECTED,
		features:   protocol.DefaultFeatureSet(),
	}

	go a.deliveries.run()

	if reachability != nil {
		err := reachability.Start(a.reachable)
		if err != nil {
			logger.WithTraceFields(
				common.LogFields{"error": err}).Warning("reachability unavailable")
			a.reachability = nil
		}
	}

	return a
}

// State returns the most recently reported state.
func (a *LocalAgent) State() SessionState {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.state
}

// Features returns the desired features.
func (a *LocalAgent) Features() protocol.FeatureSet {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.features
}

// Connect opens the control channel. Connect is allowed only when
// disconnected; a previous session that is still disconnecting is waited
// for. State changes are reported to the delegate.
func (a *LocalAgent) Connect(config LocalAgentConfiguration) error {

	a.mutex.Lock()
	if a.closed {
		a.mutex.Unlock()
		return errors.TraceNew("closed")
	}
	previous := a.session
	a.mutex.Unlock()

	if previous != nil {
		select {
		case <-previous.disconnect:
			<-previous.done
		default:
			return errors.TraceNew("not disconnected")
		}
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.closed {
		return errors.TraceNew("closed")
	}
	if a.session != nil {
		return errors.TraceNew("not disconnected")
	}

	if config.Features != nil {
		err := config.Features.Validate()
		if err != nil {
			return errors.Trace(err)
		}
		a.features = *config.Features
	}
	features := a.features

	a.logger.WithTraceFields(common.LogFields{
		"hostname": config.Hostname,
		"features": features,
	}).Debug("local agent connecting")

	agent, err := a.factory.NewAgentConnection(&localagent.Config{
		ClientCertPEM:  config.ClientCertificatePEM,
		ClientKeyPEM:   config.ClientKeyPEM,
		ServerCAsPEM:   config.ServerCAsPEM,
		Host:           a.params.Get().String(parameters.LocalAgentHost),
		CertServerName: config.Hostname,
		Features:       &features,
		Connectivity:   true,
	})
	if err != nil {
		a.logger.WithTraceFields(
			common.LogFields{"error": err}).Error("create local agent connection failed")
		return errors.Trace(err)
	}

	session := &agentSession{
		agent:      agent,
		disconnect: make(chan struct{}),
		done:       make(chan struct{}),
	}
	a.session = session

	go a.runSession(session)

	return nil
}

// Disconnect requests that the control channel close and returns without
// waiting. The Disconnecting and Disconnected states are reported to the
// delegate. NetShield stats are reset ahead of those states. Without a
// session Disconnect does nothing.
func (a *LocalAgent) Disconnect() {

	a.mutex.Lock()
	session := a.session
	a.mutex.Unlock()

	if session == nil {
		return
	}

	a.deliver(func(delegate LocalAgentDelegate) {
		delegate.DidReceiveStats(NetShieldStats{})
	})

	session.requestDisconnect()
}

// UpdateFeatures records the desired features and forwards them to the
// control channel, which applies them once connected. Calling
// UpdateFeatures with unchanged features, or while disconnected, is
// harmless.
func (a *LocalAgent) UpdateFeatures(features protocol.FeatureSet) error {

	err := features.Validate()
	if err != nil {
		return errors.Trace(err)
	}

	a.mutex.Lock()
	a.features = features
	session := a.session
	a.mutex.Unlock()

	if session != nil {
		session.agent.SetFeatures(&features)
	}
	return nil
}

// Unjail asks the gateway to lift a jail, keeping the other desired
// features.
func (a *LocalAgent) Unjail() {

	a.mutex.Lock()
	a.features = a.features.WithJailed(false)
	features := a.features
	session := a.session
	a.mutex.Unlock()

	if session != nil {
		session.agent.SetFeatures(&features)
	}
}

// RequestStatus asks the gateway for a status report.
func (a *LocalAgent) RequestStatus(withStatistics bool) {

	a.mutex.Lock()
	session := a.session
	a.mutex.Unlock()

	if session != nil {
		session.agent.SendGetStatus(withStatistics)
	}
}

// Close stops reachability monitoring, closes the control channel and waits
// for its events to be consumed. Notifications already queued are still
// delivered. Close is idempotent.
func (a *LocalAgent) Close() {
	a.closeOnce.Do(func() {

		if a.reachability != nil {
			a.reachability.Stop()
		}

		a.mutex.Lock()
		a.closed = true
		session := a.session
		a.mutex.Unlock()

		if session != nil {
			session.requestDisconnect()
			<-session.done
		}

		a.deliveries.close()
	})
}

// reachable hints the channel to retry now. Before Connect and after
// Disconnect there is no channel and the hint is dropped.
func (a *LocalAgent) reachable() {

	a.mutex.Lock()
	session := a.session
	a.mutex.Unlock()

	if session == nil {
		return
	}

	a.logger.WithTrace().Debug("network reachable")
	session.agent.SetConnectivity(true)
}

func (session *agentSession) requestDisconnect() {
	session.disconnectOnce.Do(func() {
		close(session.disconnect)
	})
}

// sessionLoop holds the state of one runSession call.
type sessionLoop struct {
	session         *agentSession
	previous        SessionState
	status          *localagent.Status
	disconnecting   bool
	statusRequested bool
}

func (a *LocalAgent) runSession(session *agentSession) {

	defer close(session.done)

	loop := &sessionLoop{
		session:  session,
		previous: SESSION_STATE_DISCONNECTED,
	}

	ticker := time.NewTicker(
		a.params.Get().Duration(parameters.LocalAgentStatusPeriod))
	defer ticker.Stop()

	events := session.agent.Events()
	disconnect := session.disconnect

	for events != nil {
		select {

		case <-disconnect:
			disconnect = nil
			loop.disconnecting = true
			a.handleState(loop, SESSION_STATE_DISCONNECTING)
			session.agent.Close()

		case event, ok := <-events:
			if !ok {
				events = nil
				break
			}
			a.handleEvent(loop, event)

		case <-ticker.C:
			if a.monitorStatistics(loop) {
				session.agent.SendGetStatus(true)
			}
		}
	}

	// The channel's own final state may be dropped when its buffer is full.
	if loop.previous != SESSION_STATE_DISCONNECTED {
		a.handleState(loop, SESSION_STATE_DISCONNECTED)
	}

	a.mutex.Lock()
	if a.session == session {
		a.session = nil
	}
	a.mutex.Unlock()

	a.logger.WithTrace().Debug("local agent session ended")
}

func (a *LocalAgent) handleEvent(loop *sessionLoop, event localagent.Event) {

	switch event := event.(type) {

	case localagent.StateChanged:
		state, ok := sessionStateFromAgent(event.State)
		if !ok {
			a.logger.WithTraceFields(
				common.LogFields{"state": event.State}).Warning("ignoring unknown local agent state")
			return
		}
		if loop.disconnecting && state != SESSION_STATE_DISCONNECTED {
			return
		}
		a.handleState(loop, state)

	case localagent.ErrorOccurred:
		kind, ok := ErrorKindFromCode(event.Code)
		if !ok {
			a.logger.WithTraceFields(common.LogFields{
				"code":        event.Code,
				"description": event.Description,
			}).Warning("ignoring unknown local agent error")
			return
		}
		a.logger.WithTraceFields(common.LogFields{
			"error":       kind,
			"description": event.Description,
		}).Info("local agent error")
		a.deliver(func(delegate LocalAgentDelegate) {
			delegate.DidReceiveError(kind)
		})

	case localagent.LogEmitted:
		a.logNative(event.Message)

	case localagent.StatusReceived:
		status := event.Status
		loop.status = &status
		if status.FeatureStatistics != nil && a.monitorStatistics(loop) {
			netShield := status.FeatureStatistics.NetShield
			stats := NetShieldStats{
				Trackers:   int64Value(netShield.TrackersBlocked),
				Ads:        int64Value(netShield.AdsBlocked),
				BytesSaved: netShield.BytesSaved,
				Enabled:    true,
			}
			a.deliver(func(delegate LocalAgentDelegate) {
				delegate.DidReceiveStats(stats)
			})
		}
		if status.ConnectionDetails != nil {
			details := *status.ConnectionDetails
			a.deliver(func(delegate LocalAgentDelegate) {
				delegate.DidReceiveConnectionDetails(details)
			})
		}
	}
}

// handleState records state and notifies the delegate when it differs from
// the previous state. Repeated states are reported by the channel whenever
// features change.
func (a *LocalAgent) handleState(loop *sessionLoop, state SessionState) {

	previous := loop.previous
	loop.previous = state

	a.mutex.Lock()
	a.state = state
	a.mutex.Unlock()

	if previous != state {
		a.logger.WithTraceFields(common.LogFields{
			"previous": previous,
			"state":    state,
		}).Info("local agent state changed")

		a.deliver(func(delegate LocalAgentDelegate) {
			delegate.DidChangeState(state)
		})

		// The channel reports an expired certificate only as a client
		// certificate state.
		if state == SESSION_STATE_CLIENT_CERTIFICATE_ERROR {
			a.deliver(func(delegate LocalAgentDelegate) {
				delegate.DidReceiveError(ERROR_CERTIFICATE_EXPIRED)
			})
		}
	}

	if state != SESSION_STATE_CONNECTED {
		loop.statusRequested = false
		return
	}

	if !loop.statusRequested && a.monitorStatistics(loop) {
		loop.statusRequested = true
		loop.session.agent.SendGetStatus(true)
	}

	// Jailed states reset NetShield in the reported features, and the first
	// report after connecting carries the previous session's features.
	if previous == SESSION_STATE_CONNECTING {
		return
	}

	if loop.status == nil || loop.status.Features == nil {
		return
	}
	features := *loop.status.Features
	a.deliver(func(delegate LocalAgentDelegate) {
		delegate.DidReceiveFeatures(features)
	})
}

// monitorStatistics is true while connected with NetShield level 2
// desired.
func (a *LocalAgent) monitorStatistics(loop *sessionLoop) bool {
	if loop.previous != SESSION_STATE_CONNECTED {
		return false
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.features.NetShield == protocol.NETSHIELD_ADS_AND_MALWARE
}

// logNative logs messages emitted by the channel, suppressing a message
// after it repeats NativeLogRepeatLimit times within NativeLogRepeatPeriod.
func (a *LocalAgent) logNative(message string) {

	limit := a.params.Get().Int(parameters.NativeLogRepeatLimit)

	count := 0
	if value, ok := a.nativeLogs.Get(message); ok {
		count = value.(int)
	}
	count++
	a.nativeLogs.Set(message, count, lrucache.DefaultExpiration)

	if count > limit {
		return
	}

	fields := common.LogFields{"message": message}
	if count == limit {
		fields["suppressing_repeats"] = true
	}
	a.logger.WithTraceFields(fields).Info("local agent log")
}

func int64Value(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

func (a *LocalAgent) deliver(notify func(LocalAgentDelegate)) {
	if a.delegate == nil {
		return
	}
	delegate := a.delegate
	a.deliveries.push(func() { notify(delegate) })
}

// deliveryQueue runs notifications in order on one goroutine. push never
// blocks, so a delegate may call back into the LocalAgent.
type deliveryQueue struct {
	mutex   sync.Mutex
	pending []func()
	closed  bool
	signal  chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{signal: make(chan struct{}, 1)}
}

func (q *deliveryQueue) push(f func()) {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.pending = append(q.pending, f)
	q.mutex.Unlock()
	q.wake()
}

func (q *deliveryQueue) close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()
	q.wake()
}

func (q *deliveryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run() {
	for range q.signal {
		for {
			q.mutex.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.mutex.Unlock()
				if closed {
					return
				}
				break
			}
			f := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mutex.Unlock()
			f()
		}
	}
}
