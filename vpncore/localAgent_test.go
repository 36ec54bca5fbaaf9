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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/localagent"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
	"github.com/vpnkit/vpn-connection-core/vpncore/internal/testutils"
)

type testAgentConnection struct {
	events chan localagent.Event

	mutex          sync.Mutex
	closed         bool
	features       []protocol.FeatureSet
	connectivity   []bool
	statusRequests []bool
}

func newTestAgentConnection() *testAgentConnection {
	return &testAgentConnection{events: make(chan localagent.Event, 64)}
}

func (c *testAgentConnection) Events() <-chan localagent.Event {
	return c.events
}

func (c *testAgentConnection) SetFeatures(features *protocol.FeatureSet) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.features = append(c.features, *features)
}

func (c *testAgentConnection) SetConnectivity(connectivity bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.connectivity = append(c.connectivity, connectivity)
}

func (c *testAgentConnection) SendGetStatus(withStatistics bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.statusRequests = append(c.statusRequests, withStatistics)
}

func (c *testAgentConnection) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

func (c *testAgentConnection) emit(events ...localagent.Event) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	for _, event := range events {
		c.events <- event
	}
}

func (c *testAgentConnection) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

func (c *testAgentConnection) sentFeatures() []protocol.FeatureSet {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]protocol.FeatureSet(nil), c.features...)
}

func (c *testAgentConnection) sentConnectivity() []bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]bool(nil), c.connectivity...)
}

func (c *testAgentConnection) statusRequestCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.statusRequests)
}

type testAgentFactory struct {
	mutex       sync.Mutex
	err         error
	configs     []*localagent.Config
	connections []*testAgentConnection
}

func (f *testAgentFactory) NewAgentConnection(
	config *localagent.Config) (AgentConnection, error) {

	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.configs = append(f.configs, config)
	if f.err != nil {
		return nil, f.err
	}
	connection := newTestAgentConnection()
	f.connections = append(f.connections, connection)
	return connection, nil
}

func (f *testAgentFactory) connection(t *testing.T, index int) *testAgentConnection {
	t.Helper()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	require.Greater(t, len(f.connections), index)
	return f.connections[index]
}

type testReachability struct {
	mutex         sync.Mutex
	whenReachable func()
	startErr      error
	stops         int
}

func (r *testReachability) Start(whenReachable func()) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.whenReachable = whenReachable
	return nil
}

func (r *testReachability) Stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.whenReachable = nil
	r.stops++
}

func (r *testReachability) fire() {
	r.mutex.Lock()
	whenReachable := r.whenReachable
	r.mutex.Unlock()
	if whenReachable != nil {
		whenReachable()
	}
}

type notification struct {
	kind  string
	value interface{}
}

type testDelegate struct {
	notifications chan notification

	// onError, when set, is called from DidReceiveError.
	onError func(kind ErrorKind)
}

func newTestDelegate() *testDelegate {
	return &testDelegate{notifications: make(chan notification, 256)}
}

func (d *testDelegate) DidChangeState(state SessionState) {
	d.notifications <- notification{"state", state}
}

func (d *testDelegate) DidReceiveError(kind ErrorKind) {
	d.notifications <- notification{"error", kind}
	if d.onError != nil {
		d.onError(kind)
	}
}

func (d *testDelegate) DidReceiveFeatures(features protocol.FeatureSet) {
	d.notifications <- notification{"features", features}
}

func (d *testDelegate) DidReceiveStats(stats NetShieldStats) {
	d.notifications <- notification{"stats", stats}
}

func (d *testDelegate) DidReceiveConnectionDetails(details localagent.ConnectionDetails) {
	d.notifications <- notification{"details", details}
}

func (d *testDelegate) next(t *testing.T) notification {
	t.Helper()
	select {
	case n := <-d.notifications:
		return n
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for notification")
	}
	return notification{}
}

// waitFor consumes notifications until one matches, returning the skipped
// ones.
func (d *testDelegate) waitFor(t *testing.T, kind string, value interface{}) []notification {
	t.Helper()
	var skipped []notification
	for {
		n := d.next(t)
		if n.kind == kind && (value == nil || n.value == value) {
			return skipped
		}
		skipped = append(skipped, n)
	}
}

func (d *testDelegate) expectNone(t *testing.T) {
	t.Helper()
	select {
	case n := <-d.notifications:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestLocalAgent(
	t *testing.T,
	params *parameters.Parameters,
	reachability ReachabilityNotifier) (*LocalAgent, *testAgentFactory, *testDelegate, *testutils.TestLogger) {

	if params == nil {
		params = newTestParameters(t, nil)
	}
	logger := testutils.NewTestLogger()
	factory := &testAgentFactory{}
	delegate := newTestDelegate()
	agent := NewLocalAgent(logger, params, factory, reachability, delegate)
	t.Cleanup(agent.Close)
	return agent, factory, delegate, logger
}

func testLocalAgentConfiguration() LocalAgentConfiguration {
	return LocalAgentConfiguration{
		ClientCertificatePEM: "client certificate",
		ClientKeyPEM:         "client key",
		ServerCAsPEM:         "server CAs",
		Hostname:             "node-ch-01.example.net",
	}
}

func connectedEvents(features *protocol.FeatureSet) []localagent.Event {
	return []localagent.Event{
		localagent.StateChanged{State: localagent.STATE_CONNECTING},
		localagent.StatusReceived{Status: localagent.Status{
			State: localagent.STATE_CONNECTED, Features: features}},
		localagent.StateChanged{State: localagent.STATE_CONNECTED},
	}
}

func TestSessionStatePhase(t *testing.T) {

	testCases := map[SessionState]SessionState{
		SESSION_STATE_DISCONNECTED:             SESSION_STATE_DISCONNECTED,
		SESSION_STATE_CONNECTING:               SESSION_STATE_CONNECTING,
		SESSION_STATE_WAITING_FOR_NETWORK:      SESSION_STATE_CONNECTING,
		SESSION_STATE_CONNECTED:                SESSION_STATE_CONNECTED,
		SESSION_STATE_SOFT_JAILED:              SESSION_STATE_CONNECTED,
		SESSION_STATE_HARD_JAILED:              SESSION_STATE_CONNECTED,
		SESSION_STATE_DISCONNECTING:            SESSION_STATE_DISCONNECTING,
		SESSION_STATE_CONNECTION_ERROR:         SESSION_STATE_ERROR,
		SESSION_STATE_SERVER_UNREACHABLE:       SESSION_STATE_ERROR,
		SESSION_STATE_CLIENT_CERTIFICATE_ERROR: SESSION_STATE_ERROR,
		SESSION_STATE_SERVER_CERTIFICATE_ERROR: SESSION_STATE_ERROR,
	}
	for state, phase := range testCases {
		assert.Equal(t, phase, state.Phase(), "state %s", state)
	}

	for _, name := range []string{
		localagent.STATE_CONNECTING,
		localagent.STATE_CONNECTED,
		localagent.STATE_SOFT_JAILED,
		localagent.STATE_HARD_JAILED,
		localagent.STATE_CONNECTION_ERROR,
		localagent.STATE_SERVER_UNREACHABLE,
		localagent.STATE_WAITING_FOR_NETWORK,
		localagent.STATE_SERVER_CERTIFICATE_ERROR,
		localagent.STATE_CLIENT_CERTIFICATE_ERROR,
		localagent.STATE_DISCONNECTED,
	} {
		state, ok := sessionStateFromAgent(name)
		require.True(t, ok, name)
		assert.Equal(t, name, string(state))
	}
	_, ok := sessionStateFromAgent("Exploded")
	assert.False(t, ok)
}

func TestErrorKindCodes(t *testing.T) {

	kinds := make(map[ErrorKind]bool)
	for code, kind := range errorKindCodes {
		assert.False(t, kinds[kind], "duplicate kind %s", kind)
		kinds[kind] = true
		assert.Equal(t, code, kind.Code())
		assert.NotContains(t, kind.String(), "Unknown")
	}
	assert.Equal(t, int(ERROR_SERVER_SESSION_DOES_NOT_MATCH), len(kinds))

	kind, ok := ErrorKindFromCode(86202)
	require.True(t, ok)
	assert.Equal(t, ERROR_CERTIFICATE_EXPIRED, kind)
	assert.True(t, kind.RequiresCertificateRefresh())
	assert.False(t, kind.RequiresNewKey())

	kind, ok = ErrorKindFromCode(86226)
	require.True(t, ok)
	assert.True(t, kind.RequiresNewKey())

	kind, ok = ErrorKindFromCode(86113)
	require.True(t, ok)
	assert.True(t, kind.IsMaxSessions())
	assert.False(t, ERROR_SERVER_ERROR.IsMaxSessions())

	_, ok = ErrorKindFromCode(1)
	assert.False(t, ok)
	assert.Equal(t, 0, ErrorKind(0).Code())
}

func TestLocalAgentLifecycle(t *testing.T) {

	agent, factory, delegate, _ := newTestLocalAgent(t, nil, nil)

	assert.Equal(t, SESSION_STATE_DISCONNECTED, agent.State())

	features := protocol.DefaultFeatureSet()
	features.NetShield = protocol.NETSHIELD_MALWARE
	config := testLocalAgentConfiguration()
	config.Features = &features

	err := agent.Connect(config)
	require.NoError(t, err)

	agentConfig := factory.configs[0]
	assert.Equal(t, "10.2.0.1:65432", agentConfig.Host)
	assert.Equal(t, "node-ch-01.example.net", agentConfig.CertServerName)
	assert.Equal(t, "client certificate", agentConfig.ClientCertPEM)
	assert.True(t, agentConfig.Connectivity)
	require.NotNil(t, agentConfig.Features)
	assert.True(t, features.Equal(*agentConfig.Features))

	connection := factory.connection(t, 0)

	reported := features
	reported.VPNAccelerator = false

	connection.emit(connectedEvents(&reported)...)

	assert.Equal(t, notification{"state", SESSION_STATE_CONNECTING}, delegate.next(t))
	assert.Equal(t, notification{"state", SESSION_STATE_CONNECTED}, delegate.next(t))

	// The first features after connecting belong to the previous session.
	// Later reports in the connected state are forwarded, without a repeated
	// state notification.
	connection.emit(
		localagent.StatusReceived{Status: localagent.Status{
			State: localagent.STATE_CONNECTED, Features: &reported}},
		localagent.StateChanged{State: localagent.STATE_CONNECTED})

	n := delegate.next(t)
	require.Equal(t, "features", n.kind)
	assert.True(t, reported.Equal(n.value.(protocol.FeatureSet)))

	assert.Equal(t, SESSION_STATE_CONNECTED, agent.State())

	err = agent.Connect(config)
	assert.Error(t, err)

	agent.Disconnect()

	skipped := delegate.waitFor(t, "state", SESSION_STATE_DISCONNECTED)
	assert.Contains(t, skipped, notification{"state", SESSION_STATE_DISCONNECTING})
	assert.Contains(t, skipped, notification{"stats", NetShieldStats{}})

	assert.True(t, connection.isClosed())
	assert.Equal(t, SESSION_STATE_DISCONNECTED, agent.State())

	// Disconnected again: a new session may be opened.
	err = agent.Connect(config)
	require.NoError(t, err)
	factory.connection(t, 1).emit(connectedEvents(nil)...)
	delegate.waitFor(t, "state", SESSION_STATE_CONNECTED)
}

func TestLocalAgentJailedFeatures(t *testing.T) {

	agent, factory, delegate, _ := newTestLocalAgent(t, nil, nil)

	require.NoError(t, agent.Connect(testLocalAgentConfiguration()))
	connection := factory.connection(t, 0)

	features := protocol.DefaultFeatureSet()
	jailed := features.WithJailed(true)

	connection.emit(connectedEvents(&features)...)
	delegate.waitFor(t, "state", SESSION_STATE_CONNECTED)

	connection.emit(
		localagent.StatusReceived{Status: localagent.Status{
			State: localagent.STATE_HARD_JAILED, Features: &jailed}},
		localagent.StateChanged{State: localagent.STATE_HARD_JAILED})

	assert.Equal(t, notification{"state", SESSION_STATE_HARD_JAILED}, delegate.next(t))
	delegate.expectNone(t)

	agent.Unjail()

	sent := connection.sentFeatures()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].Jailed)
	assert.False(t, agent.Features().Jailed)
}

func TestLocalAgentErrors(t *testing.T) {

	agent, factory, delegate, logger := newTestLocalAgent(t, nil, nil)

	require.NoError(t, agent.Connect(testLocalAgentConfiguration()))
	connection := factory.connection(t, 0)

	connection.emit(
		localagent.StateChanged{State: localagent.STATE_CONNECTING},
		localagent.ErrorOccurred{Code: 86111, Description: "max sessions"},
		localagent.ErrorOccurred{Code: 12345, Description: "unknown"},
		localagent.StateChanged{State: "Exploded"},
		localagent.StateChanged{State: localagent.STATE_CLIENT_CERTIFICATE_ERROR},
		localagent.StateChanged{State: localagent.STATE_CLIENT_CERTIFICATE_ERROR})

	assert.Equal(t, notification{"state", SESSION_STATE_CONNECTING}, delegate.next(t))
	assert.Equal(t, notification{"error", ERROR_MAX_SESSIONS_FREE}, delegate.next(t))
	assert.Equal(t, notification{"state", SESSION_STATE_CLIENT_CERTIFICATE_ERROR}, delegate.next(t))
	assert.Equal(t, notification{"error", ERROR_CERTIFICATE_EXPIRED}, delegate.next(t))
	delegate.expectNone(t)

	assert.Equal(t, 1, logger.CountMessages("ignoring unknown local agent error"))
	assert.Equal(t, 1, logger.CountMessages("ignoring unknown local agent state"))

	// The error state does not disconnect.
	assert.Equal(t, SESSION_STATE_ERROR, agent.State().Phase())
	assert.False(t, connection.isClosed())
}

func TestLocalAgentDelegateReentrancy(t *testing.T) {

	agent, factory, delegate, _ := newTestLocalAgent(t, nil, nil)

	delegate.onError = func(kind ErrorKind) {
		if kind.RequiresCertificateRefresh() {
			agent.Disconnect()
			_ = agent.Connect(testLocalAgentConfiguration())
		}
	}

	require.NoError(t, agent.Connect(testLocalAgentConfiguration()))
	connection := factory.connection(t, 0)

	connection.emit(
		localagent.StateChanged{State: localagent.STATE_CONNECTING},
		localagent.ErrorOccurred{Code: 86202})

	delegate.waitFor(t, "error", ERROR_CERTIFICATE_EXPIRED)
	delegate.waitFor(t, "state", SESSION_STATE_DISCONNECTED)

	factory.connection(t, 1).emit(connectedEvents(nil)...)
	delegate.waitFor(t, "state", SESSION_STATE_CONNECTED)
	assert.True(t, connection.isClosed())
}

func TestLocalAgentUpdateFeatures(t *testing.T) {

	agent, factory, _, _ := newTestLocalAgent(t, nil, nil)

	// Updates while disconnected become the features to connect with.
	features := protocol.DefaultFeatureSet()
	features.NetShield = protocol.NETSHIELD_ADS_AND_MALWARE
	require.NoError(t, agent.UpdateFeatures(features))
	require.NoError(t, agent.UpdateFeatures(features))
	agent.Unjail()

	require.NoError(t, agent.Connect(testLocalAgentConfiguration()))
	assert.True(t, features.Equal(*factory.configs[0].Features))
	connection := factory.connection(t, 0)

	features.VPNAccelerator = false
	require.NoError(t, agent.UpdateFeatures(features))
	require.NoError(t, agent.UpdateFeatures(features))

	sent := connection.sentFeatures()
	require.Len(t, sent, 2)
	assert.True(t, features.Equal(sent[1]))

	invalid := features
	invalid.NetShield = 7
	assert.Error(t, agent.UpdateFeatures(invalid))
	assert.Len(t, connection.sentFeatures(), 2)
	assert.True(t, features.Equal(agent.Features()))
}

func TestLocalAgentConnectFailure(t *testing.T) {

	agent, factory, delegate, logger := newTestLocalAgent(t, nil, nil)

	factory.err = errors.TraceNew("invalid key")

	err := agent.Connect(testLocalAgentConfiguration())
	assert.Error(t, err)
	assert.Equal(t, SESSION_STATE_DISCONNECTED, agent.State())
	assert.Equal(t, 1, logger.CountMessages("create local agent connection failed"))

	// Requests without a session are dropped, including the stats reset.
	agent.RequestStatus(true)
	agent.Disconnect()
	delegate.expectNone(t)

	factory.err = nil
	require.NoError(t, agent.Connect(testLocalAgentConfiguration()))
}

func TestLocalAgentReachability(t *testing.T) {

	reachability := &testReachability{}
	agent, factory, _, _ := newTestLocalAgent(t, nil, reachability)

	reachability.fire()

	require.NoError(t, agent.Connect(testLocalAgentConfiguration()))
	connection := factory.connection(t, 0)

	reachability.fire()
	reachability.fire()
	assert.Equal(t, []bool{true, true}, connection.sentConnectivity())

	agent.Close()
	agent.Close()

	assert.Equal(t, 1, reachability.stops)
	assert.True(t, connection.isClosed())
	assert.Equal(t, SESSION_STATE_DISCONNECTED, agent.State())

	reachability.fire()
	assert.Len(t, connection.sentConnectivity(), 2)

	assert.Error(t, agent.Connect(testLocalAgentConfiguration()))

	failing := &testReachability{startErr: errors.TraceNew("no notifier")}
	other, _, _, logger := newTestLocalAgent(t, nil, failing)
	other.Close()
	assert.Equal(t, 1, logger.CountMessages("reachability unavailable"))
	assert.Equal(t, 0, failing.stops)
}

func TestLocalAgentConcurrentOperations(t *testing.T) {

	reachability := &testReachability{}
	agent, factory, delegate, _ := newTestLocalAgent(t, nil, reachability)

	stopDraining := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-delegate.notifications:
			case <-stopDraining:
				return
			}
		}
	}()

	// Each channel is connected once, so emit never fills its buffer.
	emitted := 0
	emitConnected := func() {
		factory.mutex.Lock()
		var connection *testAgentConnection
		if emitted < len(factory.connections) {
			connection = factory.connections[emitted]
			emitted++
		}
		factory.mutex.Unlock()
		if connection != nil {
			connection.emit(connectedEvents(nil)...)
		}
	}

	operations := []func(i int){
		func(int) { _ = agent.Connect(testLocalAgentConfiguration()) },
		func(int) { emitConnected() },
		func(i int) {
			features := protocol.DefaultFeatureSet()
			features.NetShield = protocol.NETSHIELD_MALWARE
			features.VPNAccelerator = i%2 == 0
			_ = agent.UpdateFeatures(features)
		},
		func(i int) { agent.RequestStatus(i%2 == 0) },
		func(int) { agent.Unjail() },
		func(int) { reachability.fire() },
		func(int) { agent.Disconnect() },
		func(int) {
			_ = agent.State()
			_ = agent.Features()
		},
	}

	var wg sync.WaitGroup
	for _, operation := range operations {
		wg.Add(1)
		go func(operation func(int)) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				operation(i)
			}
		}(operation)
	}
	wg.Wait()

	agent.Close()

	close(stopDraining)
	<-drained

	assert.Equal(t, SESSION_STATE_DISCONNECTED, agent.State())

	factory.mutex.Lock()
	connections := append([]*testAgentConnection(nil), factory.connections...)
	factory.mutex.Unlock()
	require.NotEmpty(t, connections)
	for _, connection := range connections {
		assert.True(t, connection.isClosed())
	}

	assert.Error(t, agent.Connect(testLocalAgentConfiguration()))
}

func TestLocalAgentStatistics(t *testing.T) {

	params := newTestParameters(t, map[string]interface{}{
		parameters.LocalAgentStatusPeriod: "100ms",
	})
	agent, factory, delegate, _ := newTestLocalAgent(t, params, nil)

	features := protocol.DefaultFeatureSet()
	features.NetShield = protocol.NETSHIELD_ADS_AND_MALWARE
	config := testLocalAgentConfiguration()
	config.Features = &features

	require.NoError(t, agent.Connect(config))
	connection := factory.connection(t, 0)

	// Not connected yet.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, connection.statusRequestCount())

	connection.emit(connectedEvents(&features)...)
	delegate.waitFor(t, "state", SESSION_STATE_CONNECTED)

	require.Eventually(t, func() bool {
		return connection.statusRequestCount() >= 3
	}, 10*time.Second, 10*time.Millisecond)

	trackers, ads := int64(7), int64(5)
	connection.emit(localagent.StatusReceived{Status: localagent.Status{
		State:    localagent.STATE_CONNECTED,
		Features: &features,
		FeatureStatistics: &localagent.FeatureStatistics{
			NetShield: localagent.NetShieldStatistics{
				TrackersBlocked: &trackers,
				AdsBlocked:      &ads,
				BytesSaved:      1024,
			},
		},
		ConnectionDetails: &localagent.ConnectionDetails{ExitIP: "192.0.2.1"},
	}})

	assert.Equal(t,
		notification{"stats", NetShieldStats{Trackers: 7, Ads: 5, BytesSaved: 1024, Enabled: true}},
		delegate.next(t))
	assert.Equal(t,
		notification{"details", localagent.ConnectionDetails{ExitIP: "192.0.2.1"}},
		delegate.next(t))

	// Lowering NetShield stops polling.
	features.NetShield = protocol.NETSHIELD_MALWARE
	require.NoError(t, agent.UpdateFeatures(features))
	time.Sleep(150 * time.Millisecond)
	count := connection.statusRequestCount()
	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, count, connection.statusRequestCount())
}

func TestLocalAgentNativeLogs(t *testing.T) {

	params := newTestParameters(t, map[string]interface{}{
		parameters.NativeLogRepeatLimit: 3,
	})
	agent, factory, delegate, logger := newTestLocalAgent(t, params, nil)

	require.NoError(t, agent.Connect(testLocalAgentConfiguration()))
	connection := factory.connection(t, 0)

	for i := 0; i < 5; i++ {
		connection.emit(localagent.LogEmitted{Message: "control channel failed"})
	}
	connection.emit(localagent.LogEmitted{Message: fmt.Sprintf("other %d", 1)})
	connection.emit(localagent.StateChanged{State: localagent.STATE_CONNECTING})
	delegate.waitFor(t, "state", SESSION_STATE_CONNECTING)

	assert.Equal(t, 4, logger.CountMessages("local agent log"))
}

func TestLocalAgentGateway(t *testing.T) {

	serverName := "node-ch-01.example.net"

	pki, err := testutils.GenerateTestPKI(serverName)
	require.NoError(t, err)

	gateway, err := testutils.NewTestGateway(pki, "connected")
	require.NoError(t, err)
	defer gateway.Close()

	params := newTestParameters(t, map[string]interface{}{
		parameters.LocalAgentHost:       gateway.Address(),
		parameters.LocalAgentMinBackoff: "10ms",
		parameters.LocalAgentMaxBackoff: "50ms",
	})

	logger := testutils.NewTestLogger()
	delegate := newTestDelegate()
	reachability := &testReachability{}

	agent := NewLocalAgent(
		logger,
		params,
		NewNetworkAgentConnectionFactory(logger, params),
		reachability,
		delegate)
	defer agent.Close()

	features := protocol.DefaultFeatureSet()

	err = agent.Connect(LocalAgentConfiguration{
		ClientCertificatePEM: pki.ClientCertificatePEM,
		ClientKeyPEM:         pki.ClientPrivateKeyPEM,
		ServerCAsPEM:         pki.CACertificatePEM,
		Hostname:             serverName,
		Features:             &features,
	})
	require.NoError(t, err)

	assert.Equal(t, notification{"state", SESSION_STATE_CONNECTING}, delegate.next(t))
	assert.Equal(t, notification{"state", SESSION_STATE_CONNECTED}, delegate.next(t))

	features.NetShield = protocol.NETSHIELD_MALWARE
	require.NoError(t, agent.UpdateFeatures(features))

	n := delegate.next(t)
	require.Equal(t, "features", n.kind)
	assert.Equal(t, protocol.NETSHIELD_MALWARE, n.value.(protocol.FeatureSet).NetShield)
	assert.Equal(t, 2, gateway.Received("features-set"))

	// A dropped channel reconnects on its own; the hint is harmless.
	gateway.DropConnections()
	reachability.fire()
	delegate.waitFor(t, "state", SESSION_STATE_CONNECTING)
	delegate.waitFor(t, "state", SESSION_STATE_CONNECTED)
	assert.GreaterOrEqual(t, gateway.Accepted(), 2)

	agent.Close()
	delegate.waitFor(t, "state", SESSION_STATE_DISCONNECTED)
	assert.Equal(t, SESSION_STATE_DISCONNECTED, agent.State())
}
