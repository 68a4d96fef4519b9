package nsq

import (
	"errors"
	"fmt"
)

// returned when an operation is issued against a closed or closing connection,
// or when the transport tears down before a reply arrives
var ErrConnectionClosed = errors.New("connection closed")

// returned when a publish command is made against a Producer that has been
// stopped, or when a stopped Consumer is asked to connect or wait for a message
var ErrStopped = errors.New("stopped")

// returned when every candidate nsqd address failed in one sweep
var ErrNoConnections = errors.New("no connections available")

// returned when nsqd demands authorization but no secret was configured
var ErrAuthRequired = errors.New("auth required but no secret configured")

// returned when FIN or REQ is attempted on a message that was already FIN'd or REQ'd
var ErrMsgAlreadyProcessed = errors.New("message already processed")

// returned when an ack operation references a connection that no longer exists
var ErrMsgGone = errors.New("message's connection is gone")

// returned when TOUCH is attempted on a message past its server-side timeout
var ErrMsgTimedOut = errors.New("message timed out")

// returned when a second SUB is attempted on a connection
var ErrAlreadySubscribed = errors.New("connection already subscribed")

// ConnectionError wraps transport-level failures (dial refused, socket broken
// mid-operation) with the nsqd address involved.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("nsqd %s: %s", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrProtocol covers malformed frames, unknown or oversized frames, and server
// ERROR replies (Reason carries the server error code, e.g. E_BAD_TOPIC).
type ErrProtocol struct {
	Reason string
}

func (e ErrProtocol) Error() string { return e.Reason }

// ErrIdentify is returned when the IDENTIFY handshake cannot complete
type ErrIdentify struct {
	Reason string
}

func (e ErrIdentify) Error() string {
	return fmt.Sprintf("failed to IDENTIFY - %s", e.Reason)
}

// ErrAuthFailed is returned when nsqd rejects the configured auth secret
type ErrAuthFailed struct {
	Reason string
}

func (e ErrAuthFailed) Error() string {
	return fmt.Sprintf("auth failed - %s", e.Reason)
}

// ErrLookup is returned for lookupd HTTP problems: non-2xx statuses, timeouts,
// and malformed bodies. A failed lookup never poisons the caller's producer set.
type ErrLookup struct {
	Addr string
	Err  error
}

func (e *ErrLookup) Error() string {
	return fmt.Sprintf("lookupd %s: %s", e.Addr, e.Err)
}

func (e *ErrLookup) Unwrap() error { return e.Err }
