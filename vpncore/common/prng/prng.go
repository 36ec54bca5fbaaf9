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

// Package prng provides the random values used by probes and retries:
// handshake session ids, port order and backoff jitter.
//
// Values come from a chacha20 keystream keyed with a crypto/rand seed, so
// drawing many small values costs no syscalls. Key material is never drawn
// from here.
package prng

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"golang.org/x/crypto/chacha20"
)

const (
	SEED_LENGTH = 32

	// Keystream bytes drawn under one nonce before moving to the next.
	rekeyAfterBytes = uint64(1 << 36)
)

type Seed [SEED_LENGTH]byte

// NewSeed reads a seed from crypto/rand.
func NewSeed() (*Seed, error) {
	seed := new(Seed)
	_, err := crypto_rand.Read(seed[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return seed, nil
}

// PRNG is safe for concurrent use. PRNGs created with the same seed yield
// the same values.
type PRNG struct {
	mutex     sync.Mutex
	seed      *Seed
	cipher    *chacha20.Cipher
	drawn     uint64
	nonceUsed uint64
	source    *rand.Rand
}

func NewPRNG() (*PRNG, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewPRNGWithSeed(seed), nil
}

func NewPRNGWithSeed(seed *Seed) *PRNG {
	p := &PRNG{seed: seed}
	p.nextNonce()
	p.source = rand.New(p)
	return p
}

// Read implements io.Reader and never fails.
func (p *PRNG) Read(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.drawn+uint64(len(b)) >= rekeyAfterBytes {
		p.nextNonce()
	}
	clear(b)
	p.cipher.XORKeyStream(b, b)
	p.drawn += uint64(len(b))
	return len(b), nil
}

// nextNonce restarts the keystream under the next counter nonce.
func (p *PRNG) nextNonce() {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[:8], p.nonceUsed)
	cipher, err := chacha20.NewUnauthenticatedCipher(p.seed[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are constant.
		panic(errors.Trace(err))
	}
	p.cipher = cipher
	p.nonceUsed++
	p.drawn = 0
}

func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	_, _ = p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Int63 and Seed make PRNG a math/rand.Source.
func (p *PRNG) Int63() int64 {
	return int64(p.Uint64() & math.MaxInt64)
}

func (p *PRNG) Seed(int64) {
}

// Perm returns a random permutation of [0, n).
func (p *PRNG) Perm(n int) []int {
	return p.source.Perm(n)
}

func (p *PRNG) Bytes(length int) []byte {
	b := make([]byte, length)
	_, _ = p.Read(b)
	return b
}

// JitterDuration returns d adjusted by a random amount of at most
// factor*d in either direction.
func (p *PRNG) JitterDuration(d time.Duration, factor float64) time.Duration {
	spread := int64(math.Ceil(float64(d) * factor))
	if spread <= 0 {
		return d
	}
	return d + time.Duration(p.source.Int63n(2*spread+1)-spread)
}

var global *PRNG

func Uint64() uint64 {
	return global.Uint64()
}

func Perm(n int) []int {
	return global.Perm(n)
}

func Bytes(length int) []byte {
	return global.Bytes(length)
}

func JitterDuration(d time.Duration, factor float64) time.Duration {
	return global.JitterDuration(d, factor)
}

func init() {
	// A failed crypto/rand read leaves a zero seed; nothing secret is drawn
	// from the global instance.
	seed, err := NewSeed()
	if err != nil {
		seed = new(Seed)
	}
	global = NewPRNGWithSeed(seed)
}
