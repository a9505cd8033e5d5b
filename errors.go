package signalr

import "errors"

// Public error taxonomy. Use errors.Is to test for these; internal
// wrapping attaches the underlying cause with fmt.Errorf("...: %w", err).
var (
	// ErrUnauthorized marks a negotiate response with a non-200 status or
	// an HTTP 401 in the socket opening handshake. The worker logs it and
	// stops the connection; no public method returns it.
	ErrUnauthorized = errors.New("signalr: unauthorized")

	// ErrWebSocket marks any other error from dialing the socket. The
	// worker logs it and stops the connection; no public method returns it.
	ErrWebSocket = errors.New("signalr: websocket error")

	// ErrInvokeTimeout is returned by Invoke when no Completion arrives
	// within the invoke timeout.
	ErrInvokeTimeout = errors.New("signalr: invoke timed out")

	// ErrSendTransport is returned when encode or transport.Send fails.
	ErrSendTransport = errors.New("signalr: send failed at transport level")

	// ErrNotConnected is returned by Invoke/Send when the connection is
	// not in the Connected state.
	ErrNotConnected = errors.New("signalr: not connected")

	// ErrConnectionClosing is returned by Stop when the worker goroutine
	// does not exit within the join deadline after repeated attempts.
	ErrConnectionClosing = errors.New("signalr: failed to close connection")
)
