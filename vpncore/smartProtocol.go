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
Package vpncore implements VPN connection negotiation and session
management.

SmartProtocol probes a server over every enabled protocol and selects the
best available one by platform priority, falling back to a fixed protocol
when nothing answers. PrepareCredentials turns the negotiated protocol and
connection credentials into the configuration consumed by the platform
tunnel layer. LocalAgent maintains the authenticated control channel to the
gateway once the tunnel is up.
*/
package vpncore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/buildinfo"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

// NegotiationOutcome is the protocol and ports to connect with. Ports is
// never empty.
type NegotiationOutcome struct {
	Protocol   protocol.VPNProtocol
	Ports      []int
	IsFallback bool
}

// SmartProtocolOption customizes a SmartProtocol.
type SmartProtocolOption func(*SmartProtocol)

// WithPlatformProfile replaces the build time platform profile.
func WithPlatformProfile(profile *protocol.PlatformProfile) SmartProtocolOption {
	return func(smartProtocol *SmartProtocol) {
		smartProtocol.profile = profile
	}
}

// SmartProtocol selects the protocol to connect with.
//
// The enabled protocols, their checkers and the fallback are fixed when the
// SmartProtocol is created; create a new one after applying new remote
// config. A SmartProtocol does not retry and cannot be interrupted, but each
// probe is bounded by ProbeTimeout.
type SmartProtocol struct {
	logger   common.Logger
	params   *parameters.Parameters
	profile  *protocol.PlatformProfile
	checkers []AvailabilityChecker
	fallback NegotiationOutcome
}

// NewSmartProtocol creates a SmartProtocol for the protocols currently
// enabled in params. Deprecated protocols are never probed.
func NewSmartProtocol(
	logger common.Logger,
	params *parameters.Parameters,
	resolver AvailabilityCheckerResolver,
	options ...SmartProtocolOption) *SmartProtocol {

	smartProtocol := &SmartProtocol{
		logger:  logger,
		params:  params,
		profile: protocol.CurrentPlatformProfile(),
	}
	for _, option := range options {
		option(smartProtocol)
	}

	p := params.Get()
	enabled := smartProtocol.profile.Usable(p.EnabledProtocols())

	for _, vpnProtocol := range enabled {
		checker, err := resolver.AvailabilityChecker(vpnProtocol)
		if err != nil {
			logger.WithTraceFields(common.LogFields{
				"protocol": vpnProtocol,
				"error":    err,
			}).Warning("no availability checker")
			continue
		}
		smartProtocol.checkers = append(smartProtocol.checkers, checker)
	}

	// enabled is sorted by priority, so its first entry is the fallback.
	fallbackProtocol := smartProtocol.profile.HardcodedFallback
	if len(enabled) > 0 {
		fallbackProtocol = enabled[0]
	}
	smartProtocol.fallback = NegotiationOutcome{
		Protocol:   fallbackProtocol,
		Ports:      p.DefaultPorts(fallbackProtocol),
		IsFallback: true,
	}

	logger.WithTraceFields(common.LogFields{
		"platform": smartProtocol.profile.Platform,
		"enabled":  enabled.Strings(),
		"fallback": fallbackProtocol,
	}).Info("smart protocol initialized")

	return smartProtocol
}

// Fallback returns the outcome used when no protocol is available.
func (smartProtocol *SmartProtocol) Fallback() NegotiationOutcome {
	return smartProtocol.fallback.clone()
}

// DetermineBestProtocol probes server and calls completion exactly once with
// the outcome. When no protocol is enabled, completion is called
// immediately, before DetermineBestProtocol returns, and nothing is probed.
// Otherwise completion is called on another goroutine.
func (smartProtocol *SmartProtocol) DetermineBestProtocol(
	server *protocol.ServerCandidate,
	completion func(NegotiationOutcome)) {

	attemptID := uuid.NewString()

	if len(smartProtocol.checkers) == 0 {
		smartProtocol.logger.WithTraceFields(common.LogFields{
			"attempt":  attemptID,
			"server":   server.ID,
			"fallback": smartProtocol.fallback.Protocol,
		}).Warning("no protocols enabled, using fallback")
		outcome := smartProtocol.Fallback()
		smartProtocol.logOutcome(attemptID, server, outcome, 0, time.Now())
		completion(outcome)
		return
	}

	go func() {
		completion(smartProtocol.determineBestProtocol(attemptID, server))
	}()
}

// DetermineBestProtocolSync is DetermineBestProtocol for callers that
// prefer to block.
func (smartProtocol *SmartProtocol) DetermineBestProtocolSync(
	server *protocol.ServerCandidate) NegotiationOutcome {

	attemptID := uuid.NewString()

	if len(smartProtocol.checkers) == 0 {
		smartProtocol.logger.WithTraceFields(common.LogFields{
			"attempt":  attemptID,
			"server":   server.ID,
			"fallback": smartProtocol.fallback.Protocol,
		}).Warning("no protocols enabled, using fallback")
		outcome := smartProtocol.Fallback()
		smartProtocol.logOutcome(attemptID, server, outcome, 0, time.Now())
		return outcome
	}

	return smartProtocol.determineBestProtocol(attemptID, server)
}

func (smartProtocol *SmartProtocol) determineBestProtocol(
	attemptID string,
	server *protocol.ServerCandidate) NegotiationOutcome {

	startTime := time.Now()

	var waitGroup sync.WaitGroup
	var mutex sync.Mutex
	results := make(map[protocol.VPNProtocol]ProbeResult)
	probes := 0

	for _, checker := range smartProtocol.checkers {
		if !server.Supports(checker.Protocol()) {
			continue
		}
		probes++
		waitGroup.Add(1)
		go func(checker AvailabilityChecker) {
			defer waitGroup.Done()
			result := checker.CheckAvailability(context.Background(), server)
			mutex.Lock()
			results[checker.Protocol()] = result
			mutex.Unlock()
		}(checker)
	}

	waitGroup.Wait()

	outcome := smartProtocol.selectOutcome(attemptID, server, results)

	smartProtocol.logOutcome(attemptID, server, outcome, probes, startTime)

	return outcome
}

// selectOutcome returns the available protocol with the lowest priority
// value, or the fallback.
func (smartProtocol *SmartProtocol) selectOutcome(
	attemptID string,
	server *protocol.ServerCandidate,
	results map[protocol.VPNProtocol]ProbeResult) NegotiationOutcome {

	var winner protocol.VPNProtocol
	var winnerResult ProbeResult

	for vpnProtocol, result := range results {
		if !result.Available {
			continue
		}
		if winner == "" ||
			smartProtocol.profile.Priority(vpnProtocol) < smartProtocol.profile.Priority(winner) {
			winner = vpnProtocol
			winnerResult = result
		}
	}

	if winner == "" || len(winnerResult.Ports) == 0 {
		smartProtocol.logger.WithTraceFields(common.LogFields{
			"attempt":  attemptID,
			"server":   server.ID,
			"fallback": smartProtocol.fallback.Protocol,
		}).Warning("no protocol available, using fallback")
		return smartProtocol.Fallback()
	}

	if smartProtocol.profile.IsDeprecated(winner) {
		message := fmt.Sprintf(
			"deprecated protocol %s selected on %s", winner, smartProtocol.profile.Platform)
		if !buildinfo.IsProduction() {
			panic(message)
		}
		smartProtocol.logger.WithTraceFields(common.LogFields{
			"attempt":  attemptID,
			"server":   server.ID,
			"fallback": smartProtocol.fallback.Protocol,
		}).Error(message)
		return smartProtocol.Fallback()
	}

	return NegotiationOutcome{
		Protocol: winner,
		Ports:    append([]int(nil), winnerResult.Ports...),
	}
}

func (smartProtocol *SmartProtocol) logOutcome(
	attemptID string,
	server *protocol.ServerCandidate,
	outcome NegotiationOutcome,
	probes int,
	startTime time.Time) {

	smartProtocol.logger.LogMetric("smart_protocol", common.LogFields{
		"attempt":     attemptID,
		"server":      server.ID,
		"protocol":    outcome.Protocol,
		"ports":       outcome.Ports,
		"is_fallback": outcome.IsFallback,
		"probes":      probes,
		"duration":    time.Since(startTime).String(),
	})
}

func (outcome NegotiationOutcome) clone() NegotiationOutcome {
	outcome.Ports = append([]int(nil), outcome.Ports...)
	return outcome
}
