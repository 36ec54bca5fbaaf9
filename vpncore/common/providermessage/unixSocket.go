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

package providermessage

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
)

// MAX_FRAME_SIZE bounds a single framed message in either direction.
const MAX_FRAME_SIZE = 1 << 20

// UnixSocketChannel is a MessageChannel that dials a Unix domain socket per
// message. Each message and reply is framed with a 4 byte big endian length.
// A zero length reply frame is delivered as no data.
type UnixSocketChannel struct {
	socketPath string
}

func NewUnixSocketChannel(socketPath string) *UnixSocketChannel {
	return &UnixSocketChannel{socketPath: socketPath}
}

func (channel *UnixSocketChannel) SendProviderMessage(
	ctx context.Context, message []byte) ([]byte, error) {

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", channel.socketPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Interrupt blocking I/O when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	err = writeFrame(conn, message)
	if err != nil {
		return nil, errors.Trace(err)
	}

	reply, err := readFrame(conn)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return reply, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MAX_FRAME_SIZE {
		return errors.Tracef("frame too large: %d", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := w.Write(frame)
	return errors.Trace(err)
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	_, err := io.ReadFull(r, header[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MAX_FRAME_SIZE {
		return nil, errors.Tracef("frame too large: %d", size)
	}
	payload := make([]byte, size)
	_, err = io.ReadFull(r, payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return payload, nil
}

// Handler answers helper requests. Returning nil sends an empty reply, which
// clients treat as no data.
type Handler func(request Request) *Response

// Server is the helper side of UnixSocketChannel.
type Server struct {
	logger   common.Logger
	listener net.Listener
	handler  Handler

	waitGroup sync.WaitGroup
}

// NewServer listens on socketPath. Call Run to start serving.
func NewServer(
	logger common.Logger, socketPath string, handler Handler) (*Server, error) {

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Server{
		logger:   logger,
		listener: listener,
		handler:  handler,
	}, nil
}

// Run serves connections until ctx is done, then closes the listener and
// waits for in-flight connections.
func (server *Server) Run(ctx context.Context) error {

	stop := context.AfterFunc(ctx, func() {
		server.listener.Close()
	})
	defer stop()

	for {
		conn, err := server.listener.Accept()
		if err != nil {
			server.waitGroup.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return errors.Trace(err)
		}

		server.waitGroup.Add(1)
		go func() {
			defer server.waitGroup.Done()
			server.handleConnection(conn)
		}()
	}
}

func (server *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	message, err := readFrame(conn)
	if err != nil {
		server.logger.WithTraceFields(
			common.LogFields{"error": err}).Warning("read request failed")
		return
	}

	var reply []byte

	request, err := DecodeRequest(message)
	if err != nil {
		server.logger.WithTraceFields(
			common.LogFields{"error": err}).Warning("invalid request")
		reply = NewErrorResponse(err.Error()).Encode()
	} else if response := server.handler(request); response != nil {
		reply = response.Encode()
	}

	err = writeFrame(conn, reply)
	if err != nil {
		server.logger.WithTraceFields(
			common.LogFields{"error": err}).Warning("write response failed")
	}
}
