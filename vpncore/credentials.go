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
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/buildinfo"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/providermessage"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/time/rate"
)

// Credentials are the ephemeral credentials for one connection attempt.
type Credentials struct {
	// Username and Password are used by the IKEv2 and OpenVPN protocols.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientPrivateKey is the base64 X25519 private key used by the
	// WireGuard protocols.
	ClientPrivateKey string `yaml:"clientPrivateKey"`

	ClientCertificatePEM string `yaml:"clientCertificatePEM"`

	// Features are bound to the session credentials.
	Features protocol.FeatureSet `yaml:"features"`

	// APISelector, when set, is passed to the helper so that it can refresh
	// certificates with a forked API session.
	APISelector   string                 `yaml:"apiSelector"`
	SessionCookie map[string]interface{} `yaml:"sessionCookie"`
}

// ProviderConfiguration is the protocol configuration handed to the
// platform tunnel layer.
type ProviderConfiguration struct {
	Protocol        protocol.VPNProtocol `json:"protocol"`
	Transport       string               `json:"transport"`
	ServerAddress   string               `json:"serverAddress"`
	ServerName      string               `json:"serverName,omitempty"`
	ServerPublicKey string               `json:"serverPublicKey,omitempty"`
	Ports           []int                `json:"ports"`
	Username        string               `json:"username,omitempty"`
	Password        string               `json:"-"`
	ConfigBlob      []byte               `json:"configBlob,omitempty"`
	ExtraOptions    map[string]string    `json:"extraOptions,omitempty"`
}

// NewProviderConfiguration returns the base configuration for connecting
// to server with a negotiation outcome.
func NewProviderConfiguration(
	server *protocol.ServerCandidate, outcome NegotiationOutcome) ProviderConfiguration {

	return ProviderConfiguration{
		Protocol:        outcome.Protocol,
		Transport:       outcome.Protocol.Transport(),
		ServerAddress:   server.EntryIPFor(outcome.Protocol),
		ServerName:      server.ServerName,
		ServerPublicKey: server.X25519PublicKey,
		Ports:           append([]int(nil), outcome.Ports...),
	}
}

func (config ProviderConfiguration) clone() ProviderConfiguration {
	config.Ports = append([]int(nil), config.Ports...)
	config.ConfigBlob = append([]byte(nil), config.ConfigBlob...)
	if config.ExtraOptions != nil {
		extraOptions := make(map[string]string, len(config.ExtraOptions))
		for key, value := range config.ExtraOptions {
			extraOptions[key] = value
		}
		config.ExtraOptions = extraOptions
	}
	return config
}

// WireGuardConfig is the keyed configuration parsed by the native tunnel.
// It is encoded as a version byte followed by canonical CBOR.
type WireGuardConfig struct {
	ClientPrivateKey     []byte              `cbor:"1,keyasint"`
	ServerPublicKey      []byte              `cbor:"2,keyasint"`
	Endpoint             string              `cbor:"3,keyasint"`
	Ports                []int               `cbor:"4,keyasint"`
	Transport            string              `cbor:"5,keyasint"`
	Features             protocol.FeatureSet `cbor:"6,keyasint"`
	ClientCertificatePEM string              `cbor:"7,keyasint,omitempty"`
}

// EncodeWireGuardConfig returns version followed by the CBOR encoding of
// config.
func EncodeWireGuardConfig(version int, config *WireGuardConfig) ([]byte, error) {
	if version < 1 || version > 255 {
		return nil, errors.Tracef("invalid config version: %d", version)
	}
	err := config.Features.Validate()
	if err != nil {
		return nil, errors.Trace(err)
	}
	encoded, err := protocol.CBOREncoding.Marshal(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return append([]byte{byte(version)}, encoded...), nil
}

// DecodeWireGuardConfig reverses EncodeWireGuardConfig.
func DecodeWireGuardConfig(blob []byte) (int, *WireGuardConfig, error) {
	if len(blob) < 2 {
		return 0, nil, errors.TraceNew("config blob too short")
	}
	var config WireGuardConfig
	err := cbor.Unmarshal(blob[1:], &config)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	return int(blob[0]), &config, nil
}

// Provisioner prepares provider configurations and drives the privileged
// helper's certificate management. The helper channel is optional; without
// one, configurations are still prepared.
type Provisioner struct {
	logger         common.Logger
	params         *parameters.Parameters
	sender         *providermessage.Sender
	refreshLimiter *rate.Limiter

	mutex            sync.Mutex
	refreshNotBefore time.Time
}

func NewProvisioner(
	logger common.Logger,
	params *parameters.Parameters,
	sender *providermessage.Sender) *Provisioner {

	p := params.Get()
	quantity := p.Int(parameters.CredentialsRefreshRateQuantity)
	interval := p.Duration(parameters.CredentialsRefreshRateInterval)

	var refreshLimiter *rate.Limiter
	if quantity > 0 && interval > 0 {
		limit := float64(quantity) / interval.Seconds()
		refreshLimiter = rate.NewLimiter(rate.Limit(limit), quantity)
	}

	return &Provisioner{
		logger:         logger,
		params:         params,
		sender:         sender,
		refreshLimiter: refreshLimiter,
	}
}

// PrepareCredentials returns base with the credentials for vpnProtocol
// applied. It never fails: when the credentials cannot be applied, the
// problem is logged and base is returned unmodified. For the WireGuard
// protocols, a serialization failure is a programmer error and panics in
// non-production builds.
//
// Helper channel failures are logged and do not affect the result.
func (provisioner *Provisioner) PrepareCredentials(
	ctx context.Context,
	vpnProtocol protocol.VPNProtocol,
	base ProviderConfiguration,
	credentials Credentials) ProviderConfiguration {

	config := base.clone()
	config.Protocol = vpnProtocol

	switch vpnProtocol {

	case protocol.VPN_PROTOCOL_IKEV2,
		protocol.VPN_PROTOCOL_OPENVPN_UDP,
		protocol.VPN_PROTOCOL_OPENVPN_TCP:

		if credentials.Username == "" {
			provisioner.logger.WithTraceFields(common.LogFields{
				"protocol": vpnProtocol,
			}).Warning("missing username")
			return base
		}

		config.Transport = vpnProtocol.Transport()
		config.Username = credentials.Username + credentials.Features.UsernameSuffix()
		config.Password = credentials.Password

		// These sessions do not use certificates.
		provisioner.sendRequest(ctx, providermessage.NewRequest(providermessage.REQUEST_CANCEL_REFRESHES))

	case protocol.VPN_PROTOCOL_WIREGUARD_UDP,
		protocol.VPN_PROTOCOL_WIREGUARD_TCP,
		protocol.VPN_PROTOCOL_WIREGUARD_TLS:

		config.Transport = vpnProtocol.Transport()

		blob, err := provisioner.wireGuardConfigBlob(config, credentials)
		if err != nil {
			if !buildinfo.IsProduction() {
				panic(fmt.Sprintf("serialize %s config: %s", vpnProtocol, err))
			}
			provisioner.logger.WithTraceFields(common.LogFields{
				"protocol": vpnProtocol,
				"error":    err,
			}).Error("serialize config failed")
			return base
		}
		config.ConfigBlob = blob

		if credentials.APISelector != "" {
			request, err := providermessage.NewSetAPISelectorRequest(
				credentials.APISelector, credentials.SessionCookie)
			if err == nil {
				provisioner.sendRequest(ctx, request)
			} else {
				provisioner.logger.WithTraceFields(common.LogFields{
					"error": err,
				}).Warning("API selector request failed")
			}
		}

		if provisioner.params.Get().Bool(parameters.CredentialsRefreshOnPrepare) {
			features := credentials.Features
			provisioner.refreshCertificate(ctx, &features)
		}

	default:
		provisioner.logger.WithTraceFields(common.LogFields{
			"protocol": vpnProtocol,
		}).Error("unsupported protocol")
		return base
	}

	provisioner.logger.WithTraceFields(common.LogFields{
		"protocol": vpnProtocol,
		"address":  config.ServerAddress,
		"ports":    config.Ports,
	}).Info("credentials prepared")

	return config
}

func (provisioner *Provisioner) wireGuardConfigBlob(
	config ProviderConfiguration, credentials Credentials) ([]byte, error) {

	clientPrivateKey, err := base64.StdEncoding.DecodeString(credentials.ClientPrivateKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(clientPrivateKey) != curve25519.ScalarSize {
		return nil, errors.Tracef("invalid client private key length: %d", len(clientPrivateKey))
	}

	serverPublicKey, err := base64.StdEncoding.DecodeString(config.ServerPublicKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(serverPublicKey) != curve25519.PointSize {
		return nil, errors.Tracef("invalid server public key length: %d", len(serverPublicKey))
	}

	blob, err := EncodeWireGuardConfig(
		provisioner.params.Get().Int(parameters.CredentialsConfigBlobVersion),
		&WireGuardConfig{
			ClientPrivateKey:     clientPrivateKey,
			ServerPublicKey:      serverPublicKey,
			Endpoint:             config.ServerAddress,
			Ports:                config.Ports,
			Transport:            config.Transport,
			Features:             credentials.Features,
			ClientCertificatePEM: credentials.ClientCertificatePEM,
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return blob, nil
}

// RefreshCertificate asks the helper to refresh the session certificate,
// binding features when not nil. Refreshes are rate limited and deferred
// while a helper imposed retry-after is pending; skipped refreshes return
// false.
func (provisioner *Provisioner) RefreshCertificate(
	ctx context.Context, features *protocol.FeatureSet) bool {

	return provisioner.refreshCertificate(ctx, features)
}

func (provisioner *Provisioner) refreshCertificate(
	ctx context.Context, features *protocol.FeatureSet) bool {

	provisioner.mutex.Lock()
	notBefore := provisioner.refreshNotBefore
	provisioner.mutex.Unlock()

	if time.Now().Before(notBefore) {
		provisioner.logger.WithTraceFields(common.LogFields{
			"notBefore": notBefore,
		}).Info("certificate refresh deferred")
		return false
	}

	if provisioner.refreshLimiter != nil && !provisioner.refreshLimiter.Allow() {
		provisioner.logger.WithTrace().Warning("certificate refresh rate exceeded")
		return false
	}

	request, err := providermessage.NewRefreshCertificateRequest(features)
	if err != nil {
		provisioner.logger.WithTraceFields(common.LogFields{
			"error": err,
		}).Error("refresh request failed")
		return false
	}

	response, ok := provisioner.sendRequest(ctx, request)
	if !ok {
		return false
	}

	switch response.Code {
	case providermessage.RESPONSE_OK:
		return true
	case providermessage.RESPONSE_TOO_MANY_CERT_REQUESTS:
		if response.RetryAfter > 0 {
			provisioner.mutex.Lock()
			provisioner.refreshNotBefore = time.Now().Add(response.RetryAfter)
			provisioner.mutex.Unlock()
		}
	}

	provisioner.logger.WithTraceFields(common.LogFields{
		"response":   response.Code.String(),
		"retryAfter": response.RetryAfter.String(),
	}).Warning("certificate refresh not completed")

	return false
}

// CancelRefreshes stops the helper's periodic certificate refreshes.
func (provisioner *Provisioner) CancelRefreshes(ctx context.Context) error {
	_, err := provisioner.send(ctx, providermessage.NewRequest(providermessage.REQUEST_CANCEL_REFRESHES))
	return errors.Trace(err)
}

// RestartRefreshes resumes the helper's periodic certificate refreshes.
func (provisioner *Provisioner) RestartRefreshes(ctx context.Context) error {
	_, err := provisioner.send(ctx, providermessage.NewRequest(providermessage.REQUEST_RESTART_REFRESHES))
	return errors.Trace(err)
}

// FlushLogs asks the helper to write its buffered logs to file.
func (provisioner *Provisioner) FlushLogs(ctx context.Context) error {
	_, err := provisioner.send(ctx, providermessage.NewRequest(providermessage.REQUEST_FLUSH_LOGS_TO_FILE))
	return errors.Trace(err)
}

// RuntimeTunnelConfiguration returns the configuration the helper is
// running the tunnel with.
func (provisioner *Provisioner) RuntimeTunnelConfiguration(ctx context.Context) ([]byte, error) {
	response, err := provisioner.send(
		ctx, providermessage.NewRequest(providermessage.REQUEST_GET_RUNTIME_TUNNEL_CONFIGURATION))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return response.Data, nil
}

// CurrentLogicalAndServerID returns the helper's current logical server
// and server IDs, as reported by the helper.
func (provisioner *Provisioner) CurrentLogicalAndServerID(ctx context.Context) (string, error) {
	response, err := provisioner.send(
		ctx, providermessage.NewRequest(providermessage.REQUEST_GET_CURRENT_LOGICAL_AND_SERVER_ID))
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(response.Data), nil
}

func (provisioner *Provisioner) send(
	ctx context.Context, request providermessage.Request) (providermessage.Response, error) {

	if provisioner.sender == nil {
		return providermessage.Response{}, errors.TraceNew("no helper channel")
	}
	response, err := provisioner.sender.Send(ctx, request)
	if err != nil {
		return providermessage.Response{}, errors.Trace(err)
	}
	if response.Code != providermessage.RESPONSE_OK &&
		request.Type != providermessage.REQUEST_REFRESH_CERTIFICATE {
		return response, errors.Tracef("unexpected response: %s", response.Code)
	}
	return response, nil
}

// sendRequest is send for best effort requests: failures are logged.
func (provisioner *Provisioner) sendRequest(
	ctx context.Context, request providermessage.Request) (providermessage.Response, bool) {

	if provisioner.sender == nil {
		provisioner.logger.WithTraceFields(common.LogFields{
			"request": request.Type.String(),
		}).Debug("no helper channel")
		return providermessage.Response{}, false
	}

	response, err := provisioner.send(ctx, request)
	if err != nil {
		provisioner.logger.WithTraceFields(common.LogFields{
			"request": request.Type.String(),
			"error":   err,
		}).Warning("helper request failed")
		return response, false
	}
	return response, true
}
