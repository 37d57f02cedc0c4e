package channel

import "errors"

var (
	// ErrAuthRequired means there is no usable credential. It is terminal for
	// the channel and is not retried internally.
	ErrAuthRequired = errors.New("channel: authentication required")

	// ErrTransportFailure wraps network-level failures, which are retried.
	ErrTransportFailure = errors.New("channel: transport failure")

	// ErrRetriesExhausted closes a channel whose reconnect budget ran out.
	ErrRetriesExhausted = errors.New("channel: reconnect attempts exhausted")

	// errReauth ends a session so it can be re-established with a new token.
	errReauth = errors.New("channel: token changed")
)

// Send failure reasons, matched with errors.Is against a *SendError.
var (
	ErrNotConnected = errors.New("not connected")
	ErrSendTimeout  = errors.New("timed out")
	ErrCancelled    = errors.New("cancelled")
	ErrRejected     = errors.New("rejected by server")
)

// SendError is returned by Channel.Send. It never affects the connection.
type SendError struct {
	Reason error
	Detail string
}

func (e *SendError) Error() string {
	if e.Detail != "" {
		return "channel: send " + e.Reason.Error() + ": " + e.Detail
	}
	return "channel: send " + e.Reason.Error()
}

func (e *SendError) Unwrap() error {
	return e.Reason
}

// metricLabel names the outcome for the sends_total counter.
func (e *SendError) metricLabel() string {
	switch e.Reason {
	case ErrNotConnected:
		return "not_connected"
	case ErrSendTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrRejected:
		return "rejected"
	}
	return "error"
}
