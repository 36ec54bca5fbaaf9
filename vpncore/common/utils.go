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

package common

import (
	"context"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/prng"
)

// ShuffledInts returns a copy of list in random order.
func ShuffledInts(list []int) []int {
	shuffled := make([]int, len(list))
	for i, j := range prng.Perm(len(list)) {
		shuffled[i] = list[j]
	}
	return shuffled
}

// SleepWithContext returns after the specified duration or once the input ctx
// is done, whichever is first.
func SleepWithContext(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// ValueOrDefault returns the input value, or, when value is the zero value of
// its type, defaultValue.
func ValueOrDefault[T comparable](value, defaultValue T) T {
	var zero T
	if value == zero {
		return defaultValue
	}
	return value
}
