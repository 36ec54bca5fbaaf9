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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vpnkit/vpn-connection-core/vpncore"
	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/buildinfo"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/logging"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/providermessage"
	"golang.org/x/term"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run executes the command and returns the process exit code.
func run(args []string, stdout io.Writer) int {

	// Define command-line parameters

	flags := flag.NewFlagSet("ConsoleClient", flag.ContinueOnError)

	var configFilename string
	flags.StringVar(&configFilename, "config", "", "configuration input file")

	var serverListFilename string
	flags.StringVar(&serverListFilename, "serverList", "", "server list input file")

	var serverID string
	flags.StringVar(&serverID, "server", "", "ID of the server to negotiate with (defaults to the first server)")

	var formatNotices bool
	flags.BoolVar(&formatNotices, "formatNotices", false, "emit logs in human-readable format")

	var provision bool
	flags.BoolVar(&provision, "provision", false, "prepare provider credentials for the negotiated protocol")

	var localAgent bool
	flags.BoolVar(&localAgent, "localAgent", false, "open the control channel and run until interrupted")

	var versionDetails bool
	flags.BoolVar(&versionDetails, "version", false, "print build information and exit")
	flags.BoolVar(&versionDetails, "v", false, "print build information and exit")

	err := flags.Parse(args)
	if err != nil {
		return 2
	}

	if versionDetails {
		b := buildinfo.GetBuildInfo()
		fmt.Fprintf(stdout, "VPN Console Client\n  Build Date: %s\n  Revision: %s\n  Variant: %s\n",
			b.BuildDate, b.BuildRev, b.BuildVariant)
		return 0
	}

	// Handle required config file parameters

	if configFilename == "" || serverListFilename == "" {
		fmt.Fprintln(os.Stderr, "configuration and server list files are required")
		flags.Usage()
		return 2
	}

	config, err := vpncore.LoadConfigFile(configFilename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration file: %s\n", err)
		return 1
	}

	// Logs to an interactive terminal are always human-readable.
	if formatNotices ||
		(config.LogFilename == "" && term.IsTerminal(int(os.Stderr.Fd()))) {
		config.LogFormat = logging.LOG_FORMAT_TEXT
	}

	logger, logCloser, err := config.InitLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logging: %s\n", err)
		return 1
	}
	defer logCloser.Close()

	logger.WithTraceFields(
		common.LogFields(buildinfo.GetBuildInfo().ToMap())).Info("starting")

	server, err := selectServer(serverListFilename, serverID)
	if err != nil {
		logger.WithTraceFields(common.LogFields{"error": err}).Error("error loading server list")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := config.GetParameters()

	// Negotiate

	smartProtocol := vpncore.NewSmartProtocol(
		logger,
		params,
		vpncore.NewNetworkAvailabilityCheckerResolver(logger, params, nil),
		vpncore.WithPlatformProfile(config.GetPlatformProfile()))

	outcome := smartProtocol.DetermineBestProtocolSync(server)

	printJSON(stdout, map[string]interface{}{
		"server":     server.ID,
		"protocol":   outcome.Protocol,
		"ports":      outcome.Ports,
		"isFallback": outcome.IsFallback,
	})

	// Provision

	if provision {
		if config.Credentials == nil {
			logger.WithTrace().Error("credentials are required to provision")
			return 1
		}

		var sender *providermessage.Sender
		if config.ProviderMessageSocket != "" {
			sender = providermessage.NewSender(
				logger,
				params,
				providermessage.NewUnixSocketChannel(config.ProviderMessageSocket))
		}

		provisioner := vpncore.NewProvisioner(logger, params, sender)

		providerConfig := provisioner.PrepareCredentials(
			ctx,
			outcome.Protocol,
			vpncore.NewProviderConfiguration(server, outcome),
			*config.Credentials)

		printJSON(stdout, providerConfig)
	}

	// Run the control channel until interrupted

	if localAgent {
		err := runLocalAgent(ctx, logger, config, server, stdout)
		if err != nil {
			logger.WithTraceFields(common.LogFields{"error": err}).Error("local agent failed")
			return 1
		}
	}

	return 0
}

func selectServer(filename, serverID string) (*protocol.ServerCandidate, error) {

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	servers, err := vpncore.LoadServerList(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(servers) == 0 {
		return nil, errors.TraceNew("server list is empty")
	}

	if serverID == "" {
		return servers[0], nil
	}
	for _, server := range servers {
		if server.ID == serverID {
			return server, nil
		}
	}
	return nil, errors.Tracef("unknown server: %s", serverID)
}

func runLocalAgent(
	ctx context.Context,
	logger common.Logger,
	config *vpncore.Config,
	server *protocol.ServerCandidate,
	stdout io.Writer) error {

	hostname := server.ServerName
	if hostname == "" {
		hostname = server.Name
	}

	localAgentConfig, err := config.LocalAgentConfiguration(hostname)
	if err != nil {
		return errors.Trace(err)
	}

	params := config.GetParameters()

	agent := vpncore.NewLocalAgent(
		logger,
		params,
		vpncore.NewNetworkAgentConnectionFactory(logger, params),
		vpncore.NewInterfaceReachability(logger, params),
		&consoleDelegate{output: stdout})

	defer agent.Close()

	err = agent.Connect(localAgentConfig)
	if err != nil {
		return errors.Trace(err)
	}

	<-ctx.Done()

	// Close waits for the session to end and for pending notifications to
	// be printed.
	agent.Disconnect()

	return nil
}

func printJSON(output io.Writer, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error encoding output: %s\n", err)
		return
	}
	fmt.Fprintln(output, string(data))
}
