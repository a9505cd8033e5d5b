package signalr

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultKeepAliveInterval = 15 * time.Second

// Builder is the fluent configuration surface for a HubConnection:
//
//	conn, err := signalr.NewBuilder().
//		WithURL("wss://example.com/chathub", nil).
//		WithAutomaticReconnect(5*time.Second, false).
//		WithLogger(logger).
//		Build()
//	if err != nil { ... }
//	conn.OnOpen(func() { ... })
//	conn.Start()
type Builder struct {
	url   string
	valid bool

	accessTokenFactory func() (string, error)
	verifySSL          bool
	skipNegotiation    bool
	headers            http.Header
	keepAliveInterval  time.Duration
	serverTimeout      time.Duration

	protocol  Protocol
	transport Transport

	reconnectInterval *time.Duration
	surrender         bool

	logger *zap.Logger

	err error
}

// NewBuilder returns a Builder with the spec's defaults: verifySSL=true,
// skipNegotiation=false, keepAliveInterval=15s, no serverTimeout, JSON
// protocol, a gorilla/websocket transport, and surrender=true (no
// automatic reconnect) until WithAutomaticReconnect is called.
func NewBuilder() *Builder {
	return &Builder{
		verifySSL:         true,
		skipNegotiation:   false,
		headers:           http.Header{},
		keepAliveInterval: defaultKeepAliveInterval,
		protocol:          NewJSONProtocol(1),
		surrender:         true,
	}
}

// WithURL sets the hub URL and the per-connection options. headers are
// attached to every outbound HTTP/WebSocket request, with their keys in
// canonical MIME form (http.Header.Set).
func (b *Builder) WithURL(hubURL string, headers map[string]string) *Builder {
	if strings.TrimSpace(hubURL) == "" {
		if b.err == nil {
			b.err = fmt.Errorf("signalr: hubUrl must be a valid url")
		}
		return b
	}
	b.url = hubURL
	b.valid = true
	for k, v := range headers {
		b.headers.Set(k, v)
	}
	return b
}

// WithAccessTokenFactory sets a producer called once per connect attempt
// whose return value is attached as "Authorization: Bearer <token>".
func (b *Builder) WithAccessTokenFactory(factory func() (string, error)) *Builder {
	b.accessTokenFactory = factory
	return b
}

// WithVerifySSL controls certificate verification on both the negotiate
// HTTP client and the WebSocket transport. Default true.
func (b *Builder) WithVerifySSL(verify bool) *Builder {
	b.verifySSL = verify
	return b
}

// WithSkipNegotiation skips the HTTP negotiate preflight, dialing the
// WebSocket URL directly. Default false.
func (b *Builder) WithSkipNegotiation(skip bool) *Builder {
	b.skipNegotiation = skip
	return b
}

// WithKeepAliveInterval sets the maximum idle outbound period before a
// Ping is emitted. Default 15s.
func (b *Builder) WithKeepAliveInterval(interval time.Duration) *Builder {
	if interval <= 0 {
		if b.err == nil {
			b.err = fmt.Errorf("signalr: keepAliveInterval must be positive")
		}
		return b
	}
	b.keepAliveInterval = interval
	return b
}

// WithServerTimeout sets the maximum idle inbound period before the
// client considers the server dead and stops. Zero disables the
// watchdog, which is the default.
func (b *Builder) WithServerTimeout(timeout time.Duration) *Builder {
	b.serverTimeout = timeout
	return b
}

// WithProtocol overrides the default JSON codec.
func (b *Builder) WithProtocol(protocol Protocol) *Builder {
	b.protocol = protocol
	return b
}

// WithTransport overrides the default gorilla/websocket transport.
func (b *Builder) WithTransport(transport Transport) *Builder {
	b.transport = transport
	return b
}

// WithAutomaticReconnect enables reconnect on transient transport
// failures: interval is the sleep between attempts, surrender decides
// whether a first-connect failure aborts instead of retrying.
func (b *Builder) WithAutomaticReconnect(interval time.Duration, surrender bool) *Builder {
	b.reconnectInterval = &interval
	b.surrender = surrender
	return b
}

// WithLogger attaches a zap logger. Unset defaults to a no-op logger, so
// the library is silent unless a caller opts in, mirroring the teacher's
// external-collaborator logging hook.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// Build validates the accumulated configuration and constructs a
// HubConnection. The returned connection is not started.
func (b *Builder) Build() (*HubConnection, error) {
	if b.err != nil {
		return nil, b.err
	}
	if !b.valid {
		return nil, fmt.Errorf("signalr: WithURL must be called before Build")
	}

	protocol := b.protocol
	if protocol == nil {
		protocol = NewJSONProtocol(1)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := b.transport
	if transport == nil {
		transport = NewWebSocketTransport(logger)
	}

	checker := NewConnectionChecker(logger, b.keepAliveInterval, b.serverTimeout)

	return newHubConnection(
		b.url,
		protocol,
		transport,
		checker,
		b.reconnectInterval,
		b.surrender,
		b.accessTokenFactory,
		b.verifySSL,
		b.skipNegotiation,
		b.headers,
		logger,
	), nil
}
