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
	"io"
	"os"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/logging"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
	"gopkg.in/yaml.v3"
)

const (
	DEFAULT_LOG_LEVEL = "info"
)

// Config is the client configuration. It is a YAML document; JSON documents
// are also accepted.
type Config struct {

	// LogLevel is a logrus level name. The default is "info".
	LogLevel string `yaml:"logLevel"`

	// LogFormat is "json" (the default) or "text".
	LogFormat string `yaml:"logFormat"`

	// LogFilename, when set, receives the log instead of stderr.
	LogFilename string `yaml:"logFilename"`

	// Platform selects the protocol priority profile. The default is the
	// build platform.
	Platform protocol.Platform `yaml:"platform"`

	// SmartProtocol is the remote protocol enablement config. When absent,
	// every protocol is disabled and negotiation always uses the platform
	// fallback.
	SmartProtocol *parameters.SmartProtocolConfig `yaml:"smartProtocol"`

	// Parameters overrides parameter defaults, keyed by parameter name.
	// SmartProtocol values take precedence over SmartProtocol parameters.
	Parameters map[string]interface{} `yaml:"parameters"`

	// ProviderMessageSocket is the Unix socket path of the privileged
	// helper. Without it, helper requests fail and credentials are prepared
	// without certificate refreshes.
	ProviderMessageSocket string `yaml:"providerMessageSocket"`

	Credentials *Credentials `yaml:"credentials"`

	LocalAgent *LocalAgentFiles `yaml:"localAgent"`

	params  *parameters.Parameters
	profile *protocol.PlatformProfile
}

// LocalAgentFiles locates the control channel session material.
type LocalAgentFiles struct {
	ClientCertificateFile string `yaml:"clientCertificateFile"`
	ClientKeyFile         string `yaml:"clientKeyFile"`
	ServerCAsFile         string `yaml:"serverCAsFile"`
}

// LoadConfig parses and validates a configuration document, filling in
// defaults.
func LoadConfig(data []byte) (*Config, error) {

	var config Config
	err := decodeStrict(data, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	config.LogLevel = common.ValueOrDefault(config.LogLevel, DEFAULT_LOG_LEVEL)
	config.LogFormat = common.ValueOrDefault(config.LogFormat, logging.LOG_FORMAT_JSON)
	if config.LogFormat != logging.LOG_FORMAT_JSON &&
		config.LogFormat != logging.LOG_FORMAT_TEXT {
		return nil, errors.Tracef("invalid log format: %s", config.LogFormat)
	}

	config.Platform = common.ValueOrDefault(config.Platform, protocol.CurrentPlatform)
	config.profile, err = protocol.GetPlatformProfile(config.Platform)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.Credentials != nil {
		err := config.Credentials.Features.Validate()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	if config.LocalAgent != nil {
		files := config.LocalAgent
		if files.ClientCertificateFile == "" ||
			files.ClientKeyFile == "" ||
			files.ServerCAsFile == "" {
			return nil, errors.TraceNew("incomplete local agent files")
		}
	}

	config.params, err = parameters.NewParameters(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Local parameters are validated strictly before the remote config is
	// overlaid.
	_, err = config.params.Set("config", false, config.Parameters)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = config.params.ApplySmartProtocolConfig(
		"config", config.Parameters, config.SmartProtocol)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &config, nil
}

// LoadConfigFile reads and loads a configuration file.
func LoadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.TraceMsg(err, "read config file")
	}
	config, err := LoadConfig(data)
	if err != nil {
		return nil, errors.TraceMsg(err, filename)
	}
	return config, nil
}

// GetParameters returns the parameters built from the config. They may be
// updated, for example with ApplySmartProtocolConfig, after loading.
func (config *Config) GetParameters() *parameters.Parameters {
	return config.params
}

func (config *Config) GetPlatformProfile() *protocol.PlatformProfile {
	return config.profile
}

// InitLogging creates the logger described by the config. The returned
// closer closes the log file, if any.
func (config *Config) InitLogging() (*logging.ContextLogger, io.Closer, error) {
	logger, closer, err := logging.InitLogging(
		config.LogLevel, config.LogFormat, config.LogFilename)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return logger, closer, nil
}

// LocalAgentConfiguration reads the local agent files for a session with
// the gateway named hostname.
func (config *Config) LocalAgentConfiguration(hostname string) (LocalAgentConfiguration, error) {

	if config.LocalAgent == nil {
		return LocalAgentConfiguration{}, errors.TraceNew("missing local agent files")
	}

	read := func(filename string) (string, error) {
		data, err := os.ReadFile(filename)
		if err != nil {
			return "", errors.Trace(err)
		}
		return string(data), nil
	}

	certificate, err := read(config.LocalAgent.ClientCertificateFile)
	if err != nil {
		return LocalAgentConfiguration{}, errors.Trace(err)
	}
	key, err := read(config.LocalAgent.ClientKeyFile)
	if err != nil {
		return LocalAgentConfiguration{}, errors.Trace(err)
	}
	serverCAs, err := read(config.LocalAgent.ServerCAsFile)
	if err != nil {
		return LocalAgentConfiguration{}, errors.Trace(err)
	}

	localAgentConfig := LocalAgentConfiguration{
		ClientCertificatePEM: certificate,
		ClientKeyPEM:         key,
		ServerCAsPEM:         serverCAs,
		Hostname:             hostname,
	}
	if config.Credentials != nil {
		features := config.Credentials.Features
		localAgentConfig.Features = &features
	}
	return localAgentConfig, nil
}

// LoadServerList parses a YAML or JSON list of servers. Every server is
// validated and server IDs must be unique.
func LoadServerList(data []byte) ([]*protocol.ServerCandidate, error) {

	var servers []*protocol.ServerCandidate
	err := decodeStrict(data, &servers)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ids := make(map[string]bool)
	for i, server := range servers {
		if server == nil {
			return nil, errors.Tracef("server %d: empty entry", i)
		}
		if server.ID == "" {
			return nil, errors.Tracef("server %d: missing ID", i)
		}
		err := server.Validate()
		if err != nil {
			return nil, errors.Tracef("server %d: %w", i, err)
		}
		if ids[server.ID] {
			return nil, errors.Tracef("duplicate server ID: %s", server.ID)
		}
		ids[server.ID] = true
	}

	return servers, nil
}

// decodeStrict decodes a single YAML document, rejecting unknown fields.
func decodeStrict(data []byte, v interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	err := decoder.Decode(v)
	if err == io.EOF {
		return errors.TraceNew("empty document")
	}
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
