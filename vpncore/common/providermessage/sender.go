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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/parameters"
)

// MessageChannel carries one request to the helper and returns its raw
// reply. An empty reply with a nil error means the helper produced no data.
type MessageChannel interface {
	SendProviderMessage(ctx context.Context, message []byte) ([]byte, error)
}

// SendErrorKind classifies Send failures.
type SendErrorKind int

const (
	SEND_ERROR_NO_DATA_RECEIVED SendErrorKind = iota
	SEND_ERROR_SENDING
	SEND_ERROR_REMOTE
	SEND_ERROR_DECODING
)

func (kind SendErrorKind) String() string {
	switch kind {
	case SEND_ERROR_NO_DATA_RECEIVED:
		return "NoDataReceived"
	case SEND_ERROR_SENDING:
		return "SendingError"
	case SEND_ERROR_REMOTE:
		return "RemoteError"
	case SEND_ERROR_DECODING:
		return "DecodingError"
	}
	return "Unknown"
}

// SendError is returned by Sender.Send. For SEND_ERROR_REMOTE, Message is the
// helper supplied message. For other kinds, Err may hold the cause.
type SendError struct {
	Kind    SendErrorKind
	Message string
	Err     error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Sender sends requests over a MessageChannel, retrying when the helper
// returns no data. The helper may not be ready to answer immediately after
// the tunnel starts.
type Sender struct {
	logger   common.Logger
	params   *parameters.Parameters
	channel  MessageChannel
	attempts int64
}

func NewSender(
	logger common.Logger,
	params *parameters.Parameters,
	channel MessageChannel) *Sender {

	return &Sender{
		logger:  logger,
		params:  params,
		channel: channel,
	}
}

// Attempts returns the total number of channel sends made so far.
func (sender *Sender) Attempts() int64 {
	return atomic.LoadInt64(&sender.attempts)
}

// Send delivers request and returns the decoded response.
//
// An empty reply is retried, up to the ProviderMessageMaxAttempts parameter,
// pausing ProviderMessageRetryPeriod between attempts. A channel failure
// is returned immediately as SEND_ERROR_SENDING. A RESPONSE_ERROR reply is
// returned as SEND_ERROR_REMOTE. All other responses, including
// SessionExpired and TooManyCertRequests, are returned to the caller to act
// on.
func (sender *Sender) Send(ctx context.Context, request Request) (Response, error) {

	p := sender.params.Get()
	maxAttempts := p.Int(parameters.ProviderMessageMaxAttempts)
	retryPeriod := p.Duration(parameters.ProviderMessageRetryPeriod)
	sendTimeout := p.Duration(parameters.ProviderMessageSendTimeout)

	message := request.Encode()

	for attempt := 1; ; attempt++ {

		atomic.AddInt64(&sender.attempts, 1)

		sendCtx, cancelFunc := context.WithTimeout(ctx, sendTimeout)
		reply, err := sender.channel.SendProviderMessage(sendCtx, message)
		cancelFunc()

		if err != nil {
			return Response{}, &SendError{
				Kind: SEND_ERROR_SENDING,
				Err:  errors.Trace(err),
			}
		}

		if len(reply) > 0 {
			response, err := DecodeResponse(reply)
			if err != nil {
				return Response{}, &SendError{
					Kind: SEND_ERROR_DECODING,
					Err:  errors.Trace(err),
				}
			}
			if response.Code == RESPONSE_ERROR {
				return Response{}, &SendError{
					Kind:    SEND_ERROR_REMOTE,
					Message: response.Message,
				}
			}
			return response, nil
		}

		if attempt >= maxAttempts {
			sender.logger.WithTraceFields(common.LogFields{
				"request":  request.Type.String(),
				"attempts": attempt,
			}).Warning("no data received")
			return Response{}, &SendError{Kind: SEND_ERROR_NO_DATA_RECEIVED}
		}

		sender.logger.WithTraceFields(common.LogFields{
			"request": request.Type.String(),
			"attempt": attempt,
		}).Debug("no data received, retrying")

		timer := time.NewTimer(retryPeriod)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Response{}, &SendError{
				Kind: SEND_ERROR_SENDING,
				Err:  errors.Trace(ctx.Err()),
			}
		}
	}
}
