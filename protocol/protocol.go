// Package protocol implements the JSON sub-protocol spoken between the
// server hub and its clients: UTF-8 JSON objects, each terminated by a
// single ASCII 0x1E record separator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordSeparator terminates every message on the wire.
const RecordSeparator byte = 0x1e

// Message type tags. The message set is closed: anything else is a
// protocol error.
const (
	TypeInvocation = 1
	TypePing       = 6
	TypeClose      = 7
)

// HandshakeRequest opens every connection. The only supported protocol
// is "json" version 1.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is empty on success; a non-empty Error fails the
// handshake.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// Invocation carries an RPC in either direction. Arguments stay raw here;
// each target decodes them with its own arity and types.
type Invocation struct {
	Type      int               `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

// Ping is the keepalive, sent every PingInterval by both sides.
type Ping struct {
	Type int `json:"type"`
}

// Close is server-initiated and may carry an error for the peer.
type Close struct {
	Type  int    `json:"type"`
	Error string `json:"error,omitempty"`
}

// envelope is the minimal shape needed to discriminate an incoming frame.
type envelope struct {
	Type  *int    `json:"type"`
	Error *string `json:"error"`
}

// Frame appends the record separator to an encoded message.
func Frame(data []byte) []byte {
	return append(data, RecordSeparator)
}

func EncodeHandshakeRequest() []byte {
	data, _ := json.Marshal(HandshakeRequest{Protocol: "json", Version: 1})
	return Frame(data)
}

func EncodeHandshakeResponse(errMsg string) []byte {
	data, _ := json.Marshal(HandshakeResponse{Error: errMsg})
	return Frame(data)
}

func EncodePing() []byte {
	data, _ := json.Marshal(Ping{Type: TypePing})
	return Frame(data)
}

func EncodeClose(errMsg string) []byte {
	data, _ := json.Marshal(Close{Type: TypeClose, Error: errMsg})
	return Frame(data)
}

// EncodeInvocation builds an invocation frame for target with the given
// already-encodable arguments.
func EncodeInvocation(target string, args ...interface{}) ([]byte, error) {
	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument for %s: %w", target, err)
		}
		rawArgs = append(rawArgs, data)
	}
	data, err := json.Marshal(Invocation{Type: TypeInvocation, Target: target, Arguments: rawArgs})
	if err != nil {
		return nil, err
	}
	return Frame(data), nil
}

// Decoded is the result of decoding one frame: exactly one field is set.
type Decoded struct {
	Handshake  *HandshakeRequest
	Invocation *Invocation
	Ping       bool
	Close      *Close
}

// Decode parses a single unframed message. A message without a type tag
// is treated as a handshake request; whether that is valid is the
// connection state machine's decision.
func Decode(data []byte) (*Decoded, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	if env.Type == nil {
		var hs HandshakeRequest
		if err := json.Unmarshal(data, &hs); err != nil {
			return nil, fmt.Errorf("malformed handshake: %w", err)
		}
		return &Decoded{Handshake: &hs}, nil
	}

	switch *env.Type {
	case TypeInvocation:
		var inv Invocation
		if err := json.Unmarshal(data, &inv); err != nil {
			return nil, fmt.Errorf("malformed invocation: %w", err)
		}
		if inv.Target == "" {
			return nil, fmt.Errorf("invocation without target")
		}
		return &Decoded{Invocation: &inv}, nil
	case TypePing:
		return &Decoded{Ping: true}, nil
	case TypeClose:
		var cl Close
		if err := json.Unmarshal(data, &cl); err != nil {
			return nil, fmt.Errorf("malformed close: %w", err)
		}
		return &Decoded{Close: &cl}, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", *env.Type)
	}
}

// IsHandshakeResponse reports whether data is a handshake response and
// returns its error, if any. The success response is an empty object.
func IsHandshakeResponse(data []byte) (bool, string) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, ""
	}
	if env.Type != nil {
		return false, ""
	}
	if env.Error != nil {
		return true, *env.Error
	}
	return true, ""
}

// Splitter reassembles messages from a byte stream that may deliver
// partial frames. Push returns every complete message seen so far;
// empty fragments between separators are dropped.
type Splitter struct {
	buf bytes.Buffer
}

func (s *Splitter) Push(data []byte) [][]byte {
	s.buf.Write(data)

	var messages [][]byte
	for {
		raw := s.buf.Bytes()
		idx := bytes.IndexByte(raw, RecordSeparator)
		if idx < 0 {
			break
		}
		if idx > 0 {
			msg := make([]byte, idx)
			copy(msg, raw[:idx])
			messages = append(messages, msg)
		}
		s.buf.Next(idx + 1)
	}
	return messages
}

// Pending returns the number of buffered bytes not yet terminated.
func (s *Splitter) Pending() int {
	return s.buf.Len()
}
