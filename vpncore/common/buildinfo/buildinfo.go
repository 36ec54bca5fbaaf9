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

package buildinfo

import (
	"strings"
	"sync/atomic"
)

/*
These values are filled in at build time using the `-X` option to the Go
linker, e.g.:

	go build -ldflags "-X github.com/vpnkit/vpn-connection-core/vpncore/common/buildinfo.buildRev=`git rev-parse --short HEAD`"

Without those build flags, the build info fields are empty strings and the
build is treated as a development build.
*/

// -X github.com/vpnkit/vpn-connection-core/vpncore/common/buildinfo.buildDate=`date --iso-8601=seconds`
var buildDate string

// -X github.com/vpnkit/vpn-connection-core/vpncore/common/buildinfo.buildRev=`git rev-parse --short HEAD`
var buildRev string

// -X github.com/vpnkit/vpn-connection-core/vpncore/common/buildinfo.buildVariant=production
var buildVariant string

var productionOverride int32

// BuildInfo captures relevant build information for logging.
type BuildInfo struct {
	BuildDate    string `json:"buildDate"`
	BuildRev     string `json:"buildRev"`
	BuildVariant string `json:"buildVariant"`
}

// ToMap converts BuildInfo to log fields.
func (bi *BuildInfo) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"buildDate":    bi.BuildDate,
		"buildRev":     bi.BuildRev,
		"buildVariant": bi.BuildVariant,
	}
}

// GetBuildInfo returns the linker supplied build information.
func GetBuildInfo() *BuildInfo {
	variant := strings.TrimSpace(buildVariant)
	if variant == "" {
		variant = "development"
	}
	return &BuildInfo{
		BuildDate:    strings.TrimSpace(buildDate),
		BuildRev:     strings.TrimSpace(buildRev),
		BuildVariant: variant,
	}
}

// IsProduction reports whether this is a shipping build. Programmer errors
// that are fatal in development builds are logged and recovered from in
// production builds.
func IsProduction() bool {
	if atomic.LoadInt32(&productionOverride) != 0 {
		return atomic.LoadInt32(&productionOverride) > 0
	}
	return strings.TrimSpace(buildVariant) == "production"
}

// SetProductionForTesting overrides IsProduction. Pass nil to restore the
// linker supplied value.
func SetProductionForTesting(production *bool) {
	value := int32(0)
	if production != nil {
		if *production {
			value = 1
		} else {
			value = -1
		}
	}
	atomic.StoreInt32(&productionOverride, value)
}
