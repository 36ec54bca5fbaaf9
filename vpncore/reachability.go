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
	"net"
	"sync"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
	"github.com/wlynxg/anet"
)

// ReachabilityNotifier reports when the host regains network reachability.
type ReachabilityNotifier interface {

	// Start begins monitoring. whenReachable is called, from an arbitrary
	// goroutine, each time the host goes from unreachable to reachable.
	Start(whenReachable func()) error

	// Stop ends monitoring. Stop is idempotent and whenReachable is not
	// called after Stop returns.
	Stop()
}

// InterfaceReachability polls the host network interfaces. The host is
// reachable when any interface that is up and not loopback has a global
// unicast address.
type InterfaceReachability struct {
	logger     common.Logger
	params     *parameters.Parameters
	interfaces func() ([]net.Interface, error)
	addrs      func(*net.Interface) ([]net.Addr, error)

	mutex     sync.Mutex
	stop      chan struct{}
	waitGroup sync.WaitGroup
}

func NewInterfaceReachability(
	logger common.Logger, params *parameters.Parameters) *InterfaceReachability {

	return &InterfaceReachability{
		logger:     logger,
		params:     params,
		interfaces: anet.Interfaces,
		addrs:      anet.InterfaceAddrsByInterface,
	}
}

func (r *InterfaceReachability) Start(whenReachable func()) error {

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stop != nil {
		return errors.TraceNew("already started")
	}

	reachable, err := r.isReachable()
	if err != nil {
		return errors.Trace(err)
	}

	stop := make(chan struct{})
	r.stop = stop

	period := r.params.Get().Duration(parameters.ReachabilityPollPeriod)

	r.waitGroup.Add(1)
	go func() {
		defer r.waitGroup.Done()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-stop:
				return
			}

			wasReachable := reachable
			reachable, err = r.isReachable()
			if err != nil {
				r.logger.WithTraceFields(
					common.LogFields{"error": err}).Warning("reachability poll failed")
				reachable = false
			}

			if reachable != wasReachable {
				r.logger.WithTraceFields(
					common.LogFields{"reachable": reachable}).Info("reachability changed")
			}

			if reachable && !wasReachable {
				select {
				case <-stop:
					return
				default:
				}
				whenReachable()
			}
		}
	}()

	return nil
}

func (r *InterfaceReachability) Stop() {

	r.mutex.Lock()
	stop := r.stop
	r.stop = nil
	r.mutex.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	r.waitGroup.Wait()
}

func (r *InterfaceReachability) isReachable() (bool, error) {

	interfaces, err := r.interfaces()
	if err != nil {
		return false, errors.Trace(err)
	}

	for i := range interfaces {
		networkInterface := &interfaces[i]
		if networkInterface.Flags&net.FlagUp == 0 ||
			networkInterface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := r.addrs(networkInterface)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch addr := addr.(type) {
			case *net.IPNet:
				ip = addr.IP
			case *net.IPAddr:
				ip = addr.IP
			}
			if ip != nil && ip.IsGlobalUnicast() {
				return true, nil
			}
		}
	}

	return false, nil
}
