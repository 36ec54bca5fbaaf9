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
Package parameters implements dynamic, concurrency-safe parameters that
determine negotiation, provisioning and session behaviors.

Parameters include probe timeouts, default port lists, per-protocol
enablement flags received as remote config, retry budgets, etc. Parameters
are initialized with reasonable defaults. New values may be applied from the
local config file and from remote config. Sane minimum values are enforced.

Parameters may be read and updated concurrently. The read mechanism offers a
snapshot so that related parameters, such as the set of enabled protocols and
their default ports, are read in an atomic and consistent way:

	p := params.Get()
	timeout := p.Duration(parameters.ProbeTimeout)
	ports := p.Ints(parameters.WireGuardUDPDefaultPorts)

For duration parameters, time.ParseDuration-compatible string values are
supported when applying new values, for example "500ms" or "3s".

Values read from the parameters are not deep copies and must be treated as
read-only.
*/
package parameters

import (
	"encoding/json"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

const (
	SmartProtocolWireGuardUDP      = "SmartProtocolWireGuardUDP"
	SmartProtocolWireGuardTCP      = "SmartProtocolWireGuardTCP"
	SmartProtocolWireGuardTLS      = "SmartProtocolWireGuardTLS"
	SmartProtocolOpenVPNUDP        = "SmartProtocolOpenVPNUDP"
	SmartProtocolOpenVPNTCP        = "SmartProtocolOpenVPNTCP"
	SmartProtocolIKEv2             = "SmartProtocolIKEv2"
	ProbeTimeout                   = "ProbeTimeout"
	ProbeMaxConcurrentPorts        = "ProbeMaxConcurrentPorts"
	ProbeMaxResponseBytes          = "ProbeMaxResponseBytes"
	WireGuardUDPDefaultPorts       = "WireGuardUDPDefaultPorts"
	WireGuardTCPDefaultPorts       = "WireGuardTCPDefaultPorts"
	WireGuardTLSDefaultPorts       = "WireGuardTLSDefaultPorts"
	OpenVPNUDPDefaultPorts         = "OpenVPNUDPDefaultPorts"
	OpenVPNTCPDefaultPorts         = "OpenVPNTCPDefaultPorts"
	IKEv2DefaultPorts              = "IKEv2DefaultPorts"
	OpenVPNStaticKey               = "OpenVPNStaticKey"
	WireGuardTLSServerName         = "WireGuardTLSServerName"
	ProviderMessageMaxAttempts     = "ProviderMessageMaxAttempts"
	ProviderMessageRetryPeriod     = "ProviderMessageRetryPeriod"
	ProviderMessageSendTimeout     = "ProviderMessageSendTimeout"
	ReachabilityPollPeriod         = "ReachabilityPollPeriod"
	LocalAgentHost                 = "LocalAgentHost"
	LocalAgentConnectTimeout       = "LocalAgentConnectTimeout"
	LocalAgentMinBackoff           = "LocalAgentMinBackoff"
	LocalAgentMaxBackoff           = "LocalAgentMaxBackoff"
	LocalAgentBackoffJitter        = "LocalAgentBackoffJitter"
	LocalAgentStatusPeriod         = "LocalAgentStatusPeriod"
	LocalAgentEventBufferSize      = "LocalAgentEventBufferSize"
	NativeLogRepeatLimit           = "NativeLogRepeatLimit"
	NativeLogRepeatPeriod          = "NativeLogRepeatPeriod"
	NativeLogRepeatCacheSize       = "NativeLogRepeatCacheSize"
	CredentialsRefreshOnPrepare    = "CredentialsRefreshOnPrepare"
	CredentialsConfigBlobVersion   = "CredentialsConfigBlobVersion"
	CredentialsRefreshRateQuantity = "CredentialsRefreshRateQuantity"
	CredentialsRefreshRateInterval = "CredentialsRefreshRateInterval"
)

// The default static key is the OpenVPN tls-crypt/tls-auth key shipped with
// client configurations. Only its last 64 bytes are used for the probe HMAC.
const defaultOpenVPNStaticKey = "" +
	"6acef03f62675b4b1bbd03e53b187727423cea742242106cb2916a8a4c829756" +
	"3d22c7e5cef430b1103c6f66eb1fc5b375a672f158e2e2e936c3faa48b035a6d" +
	"e17beaac23b5f03b10b868d53d03521d8ba115059da777a60cbfd7b2c9c57472" +
	"78a15b8f6e68a3ef7fd583ec9f398c8bd4735dab40cbd1e3c62a822e97489186" +
	"c30a0b48c7c38ea32ceb056d3fa5a710e10ccc7a0ddb363b08c3d2777a3395e1" +
	"0c0b6080f56309192ab5aacd4b45f55da61fc77af39bd81a19218a79762c3386" +
	"2df55785075f37d8c71dc8a42097ee43344739a0dd48d03025b0450cf1fb5e8c" +
	"aeb893d9a96d1f15519bb3c4dcb40ee316672ea16c012664f8a9f11255518deb"

const (
	useForSmartProtocol = 1
)

// defaultParameters specifies the type, default value, and minimum value for
// all parameters. Setting values of the wrong type or below the minimum is
// rejected.
var defaultParameters = map[string]struct {
	value   interface{}
	minimum interface{}
	flags   int32
}{
	SmartProtocolWireGuardUDP: {value: true, flags: useForSmartProtocol},
	SmartProtocolWireGuardTCP: {value: true, flags: useForSmartProtocol},
	SmartProtocolWireGuardTLS: {value: true, flags: useForSmartProtocol},
	SmartProtocolOpenVPNUDP:   {value: true, flags: useForSmartProtocol},
	SmartProtocolOpenVPNTCP:   {value: true, flags: useForSmartProtocol},
	SmartProtocolIKEv2:        {value: true, flags: useForSmartProtocol},

	ProbeTimeout:            {value: 3 * time.Second, minimum: 10 * time.Millisecond},
	ProbeMaxConcurrentPorts: {value: 8, minimum: 1},
	ProbeMaxResponseBytes:   {value: 64, minimum: 1},

	WireGuardUDPDefaultPorts: {value: []int{51820, 443, 88, 1224, 500, 4500}},
	WireGuardTCPDefaultPorts: {value: []int{443, 8443}},
	WireGuardTLSDefaultPorts: {value: []int{443}},
	OpenVPNUDPDefaultPorts:   {value: []int{80, 51820, 4569, 1194, 5060}},
	OpenVPNTCPDefaultPorts:   {value: []int{443, 7770, 8443}},
	IKEv2DefaultPorts:        {value: []int{500}},

	OpenVPNStaticKey:       {value: defaultOpenVPNStaticKey},
	WireGuardTLSServerName: {value: ""},

	ProviderMessageMaxAttempts: {value: 5, minimum: 1},
	ProviderMessageRetryPeriod: {value: 1 * time.Second, minimum: time.Duration(0)},
	ProviderMessageSendTimeout: {value: 10 * time.Second, minimum: 10 * time.Millisecond},

	ReachabilityPollPeriod: {value: 2 * time.Second, minimum: 10 * time.Millisecond},

	LocalAgentHost:            {value: "10.2.0.1:65432"},
	LocalAgentConnectTimeout:  {value: 10 * time.Second, minimum: 100 * time.Millisecond},
	LocalAgentMinBackoff:      {value: 1 * time.Second, minimum: 1 * time.Millisecond},
	LocalAgentMaxBackoff:      {value: 2 * time.Minute, minimum: 1 * time.Millisecond},
	LocalAgentBackoffJitter:   {value: 0.2, minimum: 0.0},
	LocalAgentStatusPeriod:    {value: 60 * time.Second, minimum: 100 * time.Millisecond},
	LocalAgentEventBufferSize: {value: 32, minimum: 1},

	NativeLogRepeatLimit:     {value: 5, minimum: 1},
	NativeLogRepeatPeriod:    {value: 1 * time.Minute, minimum: time.Duration(0)},
	NativeLogRepeatCacheSize: {value: 256, minimum: 1},

	CredentialsRefreshOnPrepare:    {value: true},
	CredentialsConfigBlobVersion:   {value: 1, minimum: 1},
	CredentialsRefreshRateQuantity: {value: 3, minimum: 0},
	CredentialsRefreshRateInterval: {value: 1 * time.Minute, minimum: time.Duration(0)},
}

// SmartProtocolParameter returns the enablement parameter name for p.
func SmartProtocolParameter(p protocol.VPNProtocol) string {
	return "SmartProtocol" + string(p)
}

// DefaultPortsParameter returns the default port list parameter name for p.
func DefaultPortsParameter(p protocol.VPNProtocol) string {
	return string(p) + "DefaultPorts"
}

func init() {
	for _, p := range protocol.SupportedVPNProtocols {
		enabled, ok := defaultParameters[SmartProtocolParameter(p)]
		if !ok || enabled.flags&useForSmartProtocol == 0 {
			panic("missing SmartProtocol parameter for " + string(p))
		}
		if _, ok := defaultParameters[DefaultPortsParameter(p)]; !ok {
			panic("missing default ports parameter for " + string(p))
		}
	}
}

// Parameters is a set of parameters. To use the parameters, call Get. To
// apply new values to the parameters, call Set.
type Parameters struct {
	getValueLogger func(error)
	snapshot       atomic.Value
}

// NewParameters initializes a new Parameters with the default parameter
// values.
//
// getValueLogger is optional, and is used to report runtime errors with
// getValue; see comment in getValue.
func NewParameters(
	getValueLogger func(error)) (*Parameters, error) {

	parameters := &Parameters{
		getValueLogger: getValueLogger,
	}

	_, err := parameters.Set("", false)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return parameters, nil
}

func makeDefaultParameters() (map[string]interface{}, error) {

	parameters := make(map[string]interface{})

	for name, defaults := range defaultParameters {

		if defaults.value == nil {
			return nil, errors.Tracef("default parameter missing value: %s", name)
		}

		if defaults.minimum != nil &&
			reflect.TypeOf(defaults.value) != reflect.TypeOf(defaults.minimum) {

			return nil, errors.Tracef("default parameter value and minimum type mismatch: %s", name)
		}

		parameters[name] = defaults.value
	}

	return parameters, nil
}

// Set replaces the current parameters. First, a set of parameters are
// initialized using the default values. Then, each applyParameters is applied
// in turn, with the later instances having precedence.
//
// When skipOnError is true, unknown or invalid parameters in any
// applyParameters are skipped instead of aborting with an error. Remote
// config is applied this way, so a backend that names newer parameters or
// protocols does not disable the client.
//
// When an error is returned, the previous parameters remain completely
// unmodified.
//
// For use in logging, Set returns a count of the number of parameters applied
// from each applyParameters.
func (p *Parameters) Set(
	tag string, skipOnError bool, applyParameters ...map[string]interface{}) ([]int, error) {

	makeTypedValue := func(templateValue, value interface{}) (interface{}, error) {

		// Accept strings such as "3s" for duration parameters.

		switch templateValue.(type) {
		case time.Duration:
			if s, ok := value.(string); ok {
				if d, err := time.ParseDuration(s); err == nil {
					value = d
				}
			}
		}

		// A JSON remarshal resolves cases where applyParameters is a
		// result of unmarshal-into-interface, in which case non-scalar
		// values will not have the expected types. This remarshal also
		// results in a deep copy.

		marshaledValue, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Trace(err)
		}

		newValuePtr := reflect.New(reflect.TypeOf(templateValue))

		err = json.Unmarshal(marshaledValue, newValuePtr.Interface())
		if err != nil {
			return nil, errors.Trace(err)
		}

		return newValuePtr.Elem().Interface(), nil
	}

	var counts []int

	parameters, err := makeDefaultParameters()
	if err != nil {
		return nil, errors.Trace(err)
	}

	for i := 0; i < len(applyParameters); i++ {

		count := 0

		for name, value := range applyParameters[i] {

			existingValue, ok := parameters[name]
			if !ok {
				if skipOnError {
					continue
				}
				return nil, errors.Tracef("unknown parameter: %s", name)
			}

			newValue, err := makeTypedValue(existingValue, value)
			if err != nil {
				if skipOnError {
					continue
				}
				return nil, errors.Tracef("invalid parameter %s: %w", name, err)
			}

			// Perform type-specific validation.

			if ports, ok := newValue.([]int); ok {
				if !validPorts(ports) {
					if skipOnError {
						continue
					}
					return nil, errors.Tracef("invalid port list: %s", name)
				}
			}

			// Enforce any minimums. Assumes defaultParameters[name]
			// exists.
			if defaultParameters[name].minimum != nil {
				valid := true
				switch v := newValue.(type) {
				case int:
					m, ok := defaultParameters[name].minimum.(int)
					if !ok || v < m {
						valid = false
					}
				case float64:
					m, ok := defaultParameters[name].minimum.(float64)
					if !ok || v < m {
						valid = false
					}
				case time.Duration:
					m, ok := defaultParameters[name].minimum.(time.Duration)
					if !ok || v < m {
						valid = false
					}
				default:
					if skipOnError {
						continue
					}
					return nil, errors.Tracef("unexpected parameter with minimum: %s", name)
				}
				if !valid {
					if skipOnError {
						continue
					}
					return nil, errors.Tracef("parameter below minimum: %s", name)
				}
			}

			parameters[name] = newValue

			count++
		}

		counts = append(counts, count)
	}

	// Enforce lower/upper bound pairs. With skipOnError, a pair that is out
	// of order falls back to its defaults.
	for _, bounds := range durationBounds {
		lower := parameters[bounds[0]].(time.Duration)
		upper := parameters[bounds[1]].(time.Duration)
		if upper >= lower {
			continue
		}
		if !skipOnError {
			return nil, errors.Tracef("%s below %s", bounds[1], bounds[0])
		}
		parameters[bounds[0]] = defaultParameters[bounds[0]].value
		parameters[bounds[1]] = defaultParameters[bounds[1]].value
	}

	snapshot := &parametersSnapshot{
		getValueLogger: p.getValueLogger,
		tag:            tag,
		parameters:     parameters,
	}

	p.snapshot.Store(snapshot)

	return counts, nil
}

// durationBounds lists duration parameters that must not be less than
// their paired lower bound.
var durationBounds = [][2]string{
	{LocalAgentMinBackoff, LocalAgentMaxBackoff},
}

func validPorts(ports []int) bool {
	if len(ports) == 0 {
		return false
	}
	for _, port := range ports {
		if port <= 0 || port > 65535 {
			return false
		}
	}
	return true
}

// Get returns the current parameters.
//
// Values read from the current parameters are not deep copies and must be
// treated read-only.
//
// The returned ParametersAccessor may be used to read multiple related values
// atomically and consistently while the current set of values in Parameters
// may change concurrently.
func (p *Parameters) Get() ParametersAccessor {
	return ParametersAccessor{
		snapshot: p.snapshot.Load().(*parametersSnapshot)}
}

// parametersSnapshot is an atomic snapshot of the parameter values.
type parametersSnapshot struct {
	getValueLogger func(error)
	tag            string
	parameters     map[string]interface{}
}

// getValue sets target to the value of the named parameter.
//
// It is an error if the name is not found, target is not a pointer, or the
// type of target points to does not match the value.
//
// Any of these conditions would be a bug in the caller. getValue does not
// panic in these cases as the core is embedded in apps where a parameter
// bug should not take down the process; the zero value is used instead.
func (p *parametersSnapshot) getValue(name string, target interface{}) {

	value, ok := p.parameters[name]
	if !ok {
		if p.getValueLogger != nil {
			p.getValueLogger(errors.Tracef(
				"value %s not found", name))
		}
		return
	}

	valueType := reflect.TypeOf(value)

	if reflect.PointerTo(valueType) != reflect.TypeOf(target) {
		if p.getValueLogger != nil {
			p.getValueLogger(errors.Tracef(
				"value %s has unexpected type %s", name, valueType.Name()))
		}
		return
	}

	reflect.ValueOf(target).Elem().Set(reflect.ValueOf(value))
}

// ParametersAccessor provides consistent, atomic access to parameter values.
type ParametersAccessor struct {
	snapshot *parametersSnapshot
}

// Tag returns the tag associated with these parameters.
func (p ParametersAccessor) Tag() string {
	return p.snapshot.tag
}

// String returns a string parameter value.
func (p ParametersAccessor) String(name string) string {
	value := ""
	p.snapshot.getValue(name, &value)
	return value
}

// Int returns an int parameter value.
func (p ParametersAccessor) Int(name string) int {
	value := int(0)
	p.snapshot.getValue(name, &value)
	return value
}

// Ints returns an []int parameter value.
func (p ParametersAccessor) Ints(name string) []int {
	value := []int{}
	p.snapshot.getValue(name, &value)
	return value
}

// Bool returns a bool parameter value.
func (p ParametersAccessor) Bool(name string) bool {
	value := false
	p.snapshot.getValue(name, &value)
	return value
}

// Float returns a float64 parameter value.
func (p ParametersAccessor) Float(name string) float64 {
	value := float64(0.0)
	p.snapshot.getValue(name, &value)
	return value
}

// Duration returns a time.Duration parameter value.
func (p ParametersAccessor) Duration(name string) time.Duration {
	value := time.Duration(0)
	p.snapshot.getValue(name, &value)
	return value
}

// EnabledProtocols returns the protocols enabled by the SmartProtocol
// parameters, in SupportedVPNProtocols order.
func (p ParametersAccessor) EnabledProtocols() protocol.VPNProtocols {
	var enabled protocol.VPNProtocols
	for _, vpnProtocol := range protocol.SupportedVPNProtocols {
		if p.Bool(SmartProtocolParameter(vpnProtocol)) {
			enabled = append(enabled, vpnProtocol)
		}
	}
	return enabled
}

// DefaultPorts returns the default port list for vpnProtocol.
func (p ParametersAccessor) DefaultPorts(vpnProtocol protocol.VPNProtocol) []int {
	return p.Ints(DefaultPortsParameter(vpnProtocol))
}
