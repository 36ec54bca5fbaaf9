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

Package providermessage implements the byte message protocol spoken with the
privileged tunnel helper process.

Every request is a single opcode byte followed by an opcode specific payload.
Every response is a single response code byte followed by a code specific
payload. Payloads are:

	RefreshCertificate   version byte + CBOR FeatureSet (optional)
	SetAPISelector       JSON {"selector", "sessionCookie"}
	Ok                   opaque data (optional)
	TooManyCertRequests  8 byte big endian retry-after seconds (optional)
	Error                UTF-8 message

*/
package providermessage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
	"github.com/vpnkit/vpn-connection-core/vpncore/common/protocol"
)

// RequestType is the request opcode.
type RequestType byte

const (
	REQUEST_GET_RUNTIME_TUNNEL_CONFIGURATION  RequestType = 0
	REQUEST_FLUSH_LOGS_TO_FILE                RequestType = 101
	REQUEST_SET_API_SELECTOR                  RequestType = 102
	REQUEST_REFRESH_CERTIFICATE               RequestType = 103
	REQUEST_CANCEL_REFRESHES                  RequestType = 104
	REQUEST_RESTART_REFRESHES                 RequestType = 105
	REQUEST_GET_CURRENT_LOGICAL_AND_SERVER_ID RequestType = 106
)

// FEATURES_PAYLOAD_VERSION is the version byte prefixed to CBOR encoded
// features. The helper rejects versions it does not know.
const FEATURES_PAYLOAD_VERSION = 1

func (t RequestType) String() string {
	switch t {
	case REQUEST_GET_RUNTIME_TUNNEL_CONFIGURATION:
		return "GetRuntimeTunnelConfiguration"
	case REQUEST_FLUSH_LOGS_TO_FILE:
		return "FlushLogsToFile"
	case REQUEST_SET_API_SELECTOR:
		return "SetAPISelector"
	case REQUEST_REFRESH_CERTIFICATE:
		return "RefreshCertificate"
	case REQUEST_CANCEL_REFRESHES:
		return "CancelRefreshes"
	case REQUEST_RESTART_REFRESHES:
		return "RestartRefreshes"
	case REQUEST_GET_CURRENT_LOGICAL_AND_SERVER_ID:
		return "GetCurrentLogicalAndServerID"
	}
	return fmt.Sprintf("Unknown(%d)", byte(t))
}

func (t RequestType) isValid() bool {
	switch t {
	case REQUEST_GET_RUNTIME_TUNNEL_CONFIGURATION,
		REQUEST_FLUSH_LOGS_TO_FILE,
		REQUEST_SET_API_SELECTOR,
		REQUEST_REFRESH_CERTIFICATE,
		REQUEST_CANCEL_REFRESHES,
		REQUEST_RESTART_REFRESHES,
		REQUEST_GET_CURRENT_LOGICAL_AND_SERVER_ID:
		return true
	}
	return false
}

// Request is a message to the helper.
type Request struct {
	Type    RequestType
	Payload []byte
}

// APISelector is the SetAPISelector payload.
type APISelector struct {
	Selector      string                 `json:"selector"`
	SessionCookie map[string]interface{} `json:"sessionCookie"`
}

// NewRequest returns a request without payload.
func NewRequest(requestType RequestType) Request {
	return Request{Type: requestType}
}

// NewRefreshCertificateRequest asks the helper to refresh the session
// certificate, optionally binding the given features to it.
func NewRefreshCertificateRequest(features *protocol.FeatureSet) (Request, error) {
	request := Request{Type: REQUEST_REFRESH_CERTIFICATE}
	if features == nil {
		return request, nil
	}
	payload, err := EncodeFeatures(*features)
	if err != nil {
		return Request{}, errors.Trace(err)
	}
	request.Payload = payload
	return request, nil
}

// NewSetAPISelectorRequest passes a forked API session to the helper.
func NewSetAPISelectorRequest(selector string, sessionCookie map[string]interface{}) (Request, error) {
	if sessionCookie == nil {
		sessionCookie = map[string]interface{}{}
	}
	payload, err := json.Marshal(APISelector{
		Selector:      selector,
		SessionCookie: sessionCookie,
	})
	if err != nil {
		return Request{}, errors.Trace(err)
	}
	return Request{Type: REQUEST_SET_API_SELECTOR, Payload: payload}, nil
}

// EncodeFeatures returns the version byte followed by the CBOR encoding of
// features.
func EncodeFeatures(features protocol.FeatureSet) ([]byte, error) {
	err := features.Validate()
	if err != nil {
		return nil, errors.Trace(err)
	}
	encoded, err := protocol.CBOREncoding.Marshal(features)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return append([]byte{FEATURES_PAYLOAD_VERSION}, encoded...), nil
}

// DecodeFeatures reverses EncodeFeatures.
func DecodeFeatures(payload []byte) (*protocol.FeatureSet, error) {
	if len(payload) < 1 {
		return nil, errors.TraceNew("missing features version")
	}
	if payload[0] != FEATURES_PAYLOAD_VERSION {
		return nil, errors.Tracef("unsupported features version: %d", payload[0])
	}
	var features protocol.FeatureSet
	err := cbor.Unmarshal(payload[1:], &features)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &features, nil
}

// Encode returns the wire form of the request.
func (request Request) Encode() []byte {
	return append([]byte{byte(request.Type)}, request.Payload...)
}

// DecodeRequest parses the wire form of a request.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) < 1 {
		return Request{}, errors.TraceNew("empty request")
	}
	requestType := RequestType(data[0])
	if !requestType.isValid() {
		return Request{}, errors.Tracef("unknown request: %d", data[0])
	}
	request := Request{Type: requestType}
	if len(data) > 1 {
		request.Payload = append([]byte(nil), data[1:]...)
	}
	return request, nil
}

// Features decodes a RefreshCertificate payload. The result is nil when the
// request carries no features.
func (request Request) Features() (*protocol.FeatureSet, error) {
	if request.Type != REQUEST_REFRESH_CERTIFICATE {
		return nil, errors.Tracef("unexpected request type: %s", request.Type)
	}
	if len(request.Payload) == 0 {
		return nil, nil
	}
	features, err := DecodeFeatures(request.Payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return features, nil
}

// APISelector decodes a SetAPISelector payload.
func (request Request) APISelector() (*APISelector, error) {
	if request.Type != REQUEST_SET_API_SELECTOR {
		return nil, errors.Tracef("unexpected request type: %s", request.Type)
	}
	var selector APISelector
	err := json.Unmarshal(request.Payload, &selector)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if selector.Selector == "" || selector.SessionCookie == nil {
		return nil, errors.TraceNew("incomplete API selector")
	}
	return &selector, nil
}

// ResponseCode is the response status byte.
type ResponseCode byte

const (
	RESPONSE_OK                     ResponseCode = 0
	RESPONSE_SESSION_EXPIRED        ResponseCode = 1
	RESPONSE_NEED_KEY_REGENERATION  ResponseCode = 2
	RESPONSE_TOO_MANY_CERT_REQUESTS ResponseCode = 3
	RESPONSE_ERROR                  ResponseCode = 4
)

func (c ResponseCode) String() string {
	switch c {
	case RESPONSE_OK:
		return "Ok"
	case RESPONSE_SESSION_EXPIRED:
		return "SessionExpired"
	case RESPONSE_NEED_KEY_REGENERATION:
		return "NeedKeyRegeneration"
	case RESPONSE_TOO_MANY_CERT_REQUESTS:
		return "TooManyCertRequests"
	case RESPONSE_ERROR:
		return "Error"
	}
	return fmt.Sprintf("Unknown(%d)", byte(c))
}

// Response is a message from the helper.
type Response struct {
	Code ResponseCode

	// Data is set for RESPONSE_OK.
	Data []byte

	// RetryAfter is set for RESPONSE_TOO_MANY_CERT_REQUESTS when the helper
	// supplied one.
	RetryAfter time.Duration

	// Message is set for RESPONSE_ERROR.
	Message string
}

func NewOkResponse(data []byte) Response {
	return Response{Code: RESPONSE_OK, Data: data}
}

func NewErrorResponse(message string) Response {
	return Response{Code: RESPONSE_ERROR, Message: message}
}

func NewTooManyCertRequestsResponse(retryAfter time.Duration) Response {
	return Response{Code: RESPONSE_TOO_MANY_CERT_REQUESTS, RetryAfter: retryAfter}
}

// Encode returns the wire form of the response.
func (response Response) Encode() []byte {
	data := []byte{byte(response.Code)}
	switch response.Code {
	case RESPONSE_OK:
		data = append(data, response.Data...)
	case RESPONSE_TOO_MANY_CERT_REQUESTS:
		if response.RetryAfter > 0 {
			data = binary.BigEndian.AppendUint64(
				data, uint64(response.RetryAfter/time.Second))
		}
	case RESPONSE_ERROR:
		data = append(data, []byte(response.Message)...)
	}
	return data
}

// DecodeResponse parses the wire form of a response.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) < 1 {
		return Response{}, errors.TraceNew("empty response")
	}
	response := Response{Code: ResponseCode(data[0])}
	payload := data[1:]
	switch response.Code {
	case RESPONSE_OK:
		if len(payload) > 0 {
			response.Data = append([]byte(nil), payload...)
		}
	case RESPONSE_SESSION_EXPIRED, RESPONSE_NEED_KEY_REGENERATION:
	case RESPONSE_TOO_MANY_CERT_REQUESTS:
		// A malformed retry-after is ignored rather than failing the whole
		// response.
		if len(payload) == 8 {
			response.RetryAfter = time.Duration(binary.BigEndian.Uint64(payload)) * time.Second
		}
	case RESPONSE_ERROR:
		if utf8.Valid(payload) {
			response.Message = string(payload)
		}
	default:
		return Response{}, errors.Tracef("unknown response: %d", data[0])
	}
	return response, nil
}
