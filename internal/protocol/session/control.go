package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeHello          = "endpoint.hello"
	controlTypeHelloAck       = "endpoint.hello.ack"
	controlTypeAccountRequest = "account.details.request"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 128 * 1024
)

// EndpointKind distinguishes the authenticated endpoint from the folder endpoint.
type EndpointKind string

const (
	EndpointPrimary EndpointKind = "primary"
	EndpointFolder  EndpointKind = "folder"
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrInvalidAccountRequest  = errors.New("session: invalid account details request")
	ErrUnexpectedControlType  = errors.New("session: unexpected control type")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is the client->server session-start payload.
type Hello struct {
	ClientID  string       `json:"client_id"`
	Kind      EndpointKind `json:"kind"`
	AuthToken string       `json:"auth_token,omitempty"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHello)
	}
	switch h.Kind {
	case EndpointPrimary:
		if strings.TrimSpace(h.AuthToken) == "" {
			return fmt.Errorf("%w: primary endpoint requires auth_token", ErrInvalidHello)
		}
	case EndpointFolder:
		if strings.TrimSpace(h.AuthToken) != "" {
			return fmt.Errorf("%w: folder endpoint must not send auth_token", ErrInvalidHello)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidHello, h.Kind)
	}
	return nil
}

// HelloAck is the server->client hello response.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

// AccountRequest asks the primary endpoint to refresh account details.
type AccountRequest struct {
	RequestID string `json:"request_id"`
}

type controlEnvelope struct {
	Type    string          `json:"type"`
	Hello   *Hello          `json:"hello,omitempty"`
	Ack     *HelloAck       `json:"hello_ack,omitempty"`
	Account *AccountRequest `json:"account,omitempty"`
}

// Control is one decoded inbound control message.
type Control struct {
	Type    string
	Hello   *Hello
	Ack     *HelloAck
	Account *AccountRequest
}

func WriteHello(w io.Writer, hello Hello) error {
	if err := hello.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &hello})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func WriteAccountRequest(w io.Writer, req AccountRequest) error {
	if strings.TrimSpace(req.RequestID) == "" {
		return fmt.Errorf("%w: missing request_id", ErrInvalidAccountRequest)
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeAccountRequest, Account: &req})
}

// ReadControl decodes the next control message of any known type.
func ReadControl(r *bufio.Reader) (Control, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Control{}, err
	}
	switch env.Type {
	case controlTypeHello, controlTypeHelloAck, controlTypeAccountRequest:
	default:
		return Control{}, fmt.Errorf("%w: %q", ErrUnexpectedControlType, env.Type)
	}
	return Control{Type: env.Type, Hello: env.Hello, Ack: env.Ack, Account: env.Account}, nil
}

// IsAccountRequest reports whether c carries an account details request.
func (c Control) IsAccountRequest() bool {
	return c.Type == controlTypeAccountRequest && c.Account != nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > maxControlLine {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
