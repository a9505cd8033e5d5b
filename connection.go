package signalr

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// invokeTimeout is the fixed result timeout for blocking Invoke calls. It
// is a var rather than a const solely so tests can shrink it.
var invokeTimeout = 5 * time.Second

// joinDeadline is the per-attempt deadline Stop waits for the worker
// goroutine to exit, and joinAttempts the number of attempts before
// giving up with ErrConnectionClosing.
const (
	joinDeadline  = 3 * time.Second
	joinAttempts  = 5
)

type invokeOutcome struct {
	value interface{}
}

type handlerEntry struct {
	target string
	fn     func([]interface{})
}

// HubConnection is the top-level coordinator: it owns connection state,
// negotiates, drives the handshake, correlates invocations to results,
// dispatches inbound events, and implements the reconnect loop. It is
// constructed only through Builder.Build.
type HubConnection struct {
	url             string
	protocol        Protocol
	transport       Transport
	checker         *ConnectionChecker
	reconnectInterval *time.Duration
	surrender       bool
	authFunction    func() (string, error)
	verifySSL       bool
	skipNegotiation bool
	headers         http.Header
	logger          *zap.Logger
	httpClient      *http.Client

	mu    sync.Mutex
	state ConnectionState

	doneCh chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan invokeOutcome

	handlerMu sync.Mutex
	handlers  []handlerEntry

	hookMu             sync.Mutex
	onOpenHook         func()
	onCloseHook        func()
	onReconnectingHook func()
	onReconnectedHook  func()

	// inCallback is true while the worker goroutine is synchronously
	// executing a user-supplied handler or lifecycle hook. Stop reads
	// it to decide whether the caller is the worker goroutine itself
	// (skip the join, which would otherwise deadlock).
	inCallback atomic.Bool
}

func newHubConnection(
	url string,
	protocol Protocol,
	transport Transport,
	checker *ConnectionChecker,
	reconnectInterval *time.Duration,
	surrender bool,
	authFunction func() (string, error),
	verifySSL bool,
	skipNegotiation bool,
	headers http.Header,
	logger *zap.Logger,
) *HubConnection {
	if headers == nil {
		headers = http.Header{}
	}
	httpClient := &http.Client{}
	if !verifySSL {
		httpClient.Transport = insecureHTTPTransport()
	}
	return &HubConnection{
		url:               url,
		protocol:          protocol,
		transport:         transport,
		checker:           checker,
		reconnectInterval: reconnectInterval,
		surrender:         surrender,
		authFunction:      authFunction,
		verifySSL:         verifySSL,
		skipNegotiation:   skipNegotiation,
		headers:           headers,
		logger:            logger,
		httpClient:        httpClient,
		state:             Disconnected,
		pending:           map[string]chan invokeOutcome{},
		onOpenHook:         func() {},
		onCloseHook:        func() {},
		onReconnectingHook: func() {},
		onReconnectedHook:  func() {},
	}
}

// Start spawns the connection's worker goroutine. It returns false without
// effect if the connection is already running.
func (h *HubConnection) Start() bool {
	h.mu.Lock()
	if h.state.Running() {
		h.mu.Unlock()
		h.logger.Warn("already running, unable to start")
		return false
	}
	h.state = Connecting
	h.doneCh = make(chan struct{})
	h.mu.Unlock()

	h.logger.Info("start connection")
	go h.runWorker()
	return true
}

// Stop requests the connection close. If state is not Running, Stop is a
// no-op. Calls from a goroutine other than the worker block (joining with
// a 3s-per-attempt deadline, 5 attempts) until the worker exits or fail
// with ErrConnectionClosing. Calls made from within a handler or lifecycle
// hook running on the worker goroutine skip the join to avoid deadlock.
func (h *HubConnection) Stop() error {
	if !h.isRunning() {
		return nil
	}

	h.logger.Info("stop connection")
	h.setState(Disconnecting)
	_ = h.transport.Stop()

	if h.inCallback.Load() {
		return nil
	}
	return h.joinWorker()
}

func (h *HubConnection) joinWorker() error {
	for i := 0; i < joinAttempts; i++ {
		select {
		case <-h.doneCh:
			return nil
		case <-time.After(joinDeadline):
			h.setState(Disconnecting)
			_ = h.transport.Stop()
		}
	}
	return ErrConnectionClosing
}

// OnOpen registers the handler fired exactly once when the first handshake
// succeeds.
func (h *HubConnection) OnOpen(handler func()) error {
	return h.setHook(&h.onOpenHook, handler)
}

// OnClose registers the handler fired exactly once when the worker
// goroutine exits, win or lose.
func (h *HubConnection) OnClose(handler func()) error {
	return h.setHook(&h.onCloseHook, handler)
}

// OnReconnecting registers the handler fired on entering the Reconnecting
// state, before the reconnect sleep.
func (h *HubConnection) OnReconnecting(handler func()) error {
	return h.setHook(&h.onReconnectingHook, handler)
}

// OnReconnected registers the handler fired when a reconnect's handshake
// succeeds.
func (h *HubConnection) OnReconnected(handler func()) error {
	return h.setHook(&h.onReconnectedHook, handler)
}

func (h *HubConnection) setHook(slot *func(), handler func()) error {
	if handler == nil {
		return fmt.Errorf("signalr: handler must not be nil")
	}
	h.hookMu.Lock()
	*slot = handler
	h.hookMu.Unlock()
	return nil
}

// On registers a handler for server-initiated invocations of target.
// Multiple handlers for the same target fire in registration order.
func (h *HubConnection) On(target string, handler func(arguments []interface{})) error {
	if handler == nil {
		return fmt.Errorf("signalr: handler must not be nil")
	}
	h.logger.Info("event handler registered", zap.String("target", target))
	h.handlerMu.Lock()
	h.handlers = append(h.handlers, handlerEntry{target: target, fn: handler})
	h.handlerMu.Unlock()
	return nil
}

// Off removes all handlers registered for target.
func (h *HubConnection) Off(target string) {
	h.logger.Info("event handler unregistered", zap.String("target", target))
	h.handlerMu.Lock()
	kept := h.handlers[:0]
	for _, e := range h.handlers {
		if e.target != target {
			kept = append(kept, e)
		}
	}
	h.handlers = kept
	h.handlerMu.Unlock()
}

// Invoke calls a named server method and blocks for its Completion. It
// fails with ErrNotConnected unless state is Connected, ErrInvokeTimeout
// if no Completion arrives within 5s, and ErrSendTransport if the encode
// or transport write fails. On success it returns the Completion's result
// field, or its error field when no result was carried.
func (h *HubConnection) Invoke(target string, arguments []interface{}) (interface{}, error) {
	if h.getState() != Connected {
		return nil, ErrNotConnected
	}

	invocationID := uuid.NewString()
	outcome := make(chan invokeOutcome, 1)

	h.pendingMu.Lock()
	h.pending[invocationID] = outcome
	h.pendingMu.Unlock()

	message := newInvocation(invocationID, target, arguments)
	if err := h.sendTransport(message); err != nil {
		h.pendingMu.Lock()
		delete(h.pending, invocationID)
		h.pendingMu.Unlock()
		return nil, err
	}

	select {
	case result := <-outcome:
		return result.value, nil
	case <-time.After(invokeTimeout):
		h.pendingMu.Lock()
		delete(h.pending, invocationID)
		h.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: cannot get result within %s", ErrInvokeTimeout, invokeTimeout)
	}
}

// Send fires a non-blocking invocation: same preconditions and send-error
// handling as Invoke, but no pending entry, no timeout, no result.
func (h *HubConnection) Send(target string, arguments []interface{}) error {
	if h.getState() != Connected {
		return ErrNotConnected
	}
	message := newInvocationNonBlocking(target, arguments)
	return h.sendTransport(message)
}

func (h *HubConnection) sendPing() {
	if h.getState() != Connected {
		return
	}
	_ = h.sendTransport(newPing())
}

func (h *HubConnection) sendHandshakeRequest() {
	if !h.getState().Handshaking() {
		return
	}
	message := newHandshakeRequest(h.protocol.Name(), h.protocol.Version())
	if err := h.sendTransport(message); err != nil {
		h.logger.Error("failed to send handshake", zap.Error(err))
		h.requestWorkerStop()
	}
}

func (h *HubConnection) sendTransport(message interface{}) error {
	h.checker.TouchSend(time.Now())
	h.logger.Debug("sending message", zap.Any("message", message))

	encoded, err := h.protocol.Encode(message)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendTransport, err)
	}
	h.logger.Debug("sending bytes", zap.ByteString("data", sliceForLog(encoded)))

	if err := h.transport.Send(encoded); err != nil {
		return fmt.Errorf("%w: %w", ErrSendTransport, err)
	}
	return nil
}

// runWorker is the connection's worker goroutine: it drives the
// connect/reconnect loop and, inside transport.Run, executes every
// inbound callback.
func (h *HubConnection) runWorker() {
	defer close(h.doneCh)

	go h.checker.Run(h.sendPing, func() { _ = h.Stop() })

	for {
		if h.getState() == Reconnecting {
			h.fireHook(hookReconnecting)
		}

		if h.authFunction != nil {
			token, err := h.authFunction()
			if err != nil {
				h.logger.Warn("access token factory failed", zap.Error(err))
			} else {
				h.headers.Set("Authorization", "Bearer "+token)
			}
		}

		skipTransport := false
		if !h.skipNegotiation {
			if err := h.negotiate(); err != nil {
				skipTransport = true
				if errors.Is(err, ErrUnauthorized) {
					h.logger.Error("negotiate failed", zap.Error(err))
					h.setState(Disconnecting)
				} else {
					h.logger.Warn("connection error on negotiation", zap.Error(err))
				}
			}
		}

		if !skipTransport {
			if err := h.transport.Initialize(h.url, h.headers, h); err != nil {
				h.logger.Error("transport initialize failed", zap.Error(err))
				h.setState(Disconnecting)
			} else {
				h.logger.Info("connect", zap.String("url", h.url))
				if err := h.transport.Run(h.verifySSL); err != nil {
					h.logger.Warn("transport run returned error", zap.Error(err))
				}
			}
		}

		state := h.getState()
		if state == Connecting && h.surrender {
			break
		}
		if state == Disconnecting {
			break
		}
		if h.reconnectInterval == nil {
			break
		}

		h.logger.Info("reconnecting")
		h.setState(Reconnecting)
		time.Sleep(*h.reconnectInterval)
	}

	h.checker.Stop()
	h.setState(Disconnected)
	h.logger.Info("connection stopped")
	h.fireHook(hookClose)
}

func (h *HubConnection) negotiate() error {
	negotiateURL, err := negotiateURLFor(h.url)
	if err != nil {
		return err
	}
	h.logger.Debug("negotiate url", zap.String("url", negotiateURL))

	req, err := http.NewRequest(http.MethodPost, negotiateURL, nil)
	if err != nil {
		return err
	}
	for k, values := range h.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	h.logger.Debug("negotiate response status", zap.Int("status", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: negotiate response has status code %d", ErrUnauthorized, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	h.logger.Debug("negotiate response body", zap.ByteString("body", sliceForLog(body)))
	return nil
}

// HandleOpen implements TransportCallbacks.
func (h *HubConnection) HandleOpen() {
	h.logger.Debug("transport opened")
	h.sendHandshakeRequest()
}

// HandleClose implements TransportCallbacks.
func (h *HubConnection) HandleClose() {
	h.logger.Debug("transport closed")
}

// HandleError implements TransportCallbacks. Any error reaching here is
// already classified by the transport; it moves the connection to
// Disconnecting, so the worker loop exits instead of reconnecting.
func (h *HubConnection) HandleError(err error) {
	if err == nil {
		return
	}
	h.logger.Error("transport error", zap.Error(err))
	h.requestWorkerStop()
}

// HandleMessage implements TransportCallbacks.
func (h *HubConnection) HandleMessage(data []byte) {
	h.checker.TouchReceived(time.Now())
	h.logger.Debug("received bytes", zap.ByteString("data", sliceForLog(data)))

	messages, err := h.protocol.Decode(data)
	if err != nil {
		h.logger.Error("failed to decode message", zap.Error(err))
		return
	}
	h.logger.Debug("received messages", zap.Any("messages", messages))

	if h.getState().Handshaking() && len(messages) > 0 {
		first := messages[0]
		messages = messages[1:]
		h.confirmHandshake(first)
	}

	for _, m := range messages {
		h.dispatchMessage(m)
	}
}

func (h *HubConnection) confirmHandshake(response rawMessage) {
	if response.Error != "" {
		h.logger.Error("handshake failed", zap.String("error", response.Error))
		h.requestWorkerStop()
		return
	}

	h.mu.Lock()
	oldState := h.state
	h.state = Connected
	h.mu.Unlock()

	h.pendingMu.Lock()
	h.pending = map[string]chan invokeOutcome{}
	h.pendingMu.Unlock()

	h.logger.Info("connection started")
	switch oldState {
	case Connecting:
		h.fireHook(hookOpen)
	case Reconnecting:
		h.fireHook(hookReconnected)
	}
}

func (h *HubConnection) dispatchMessage(m rawMessage) {
	switch m.Type {
	case Ping:
		h.logger.Debug("received ping")
	case Close:
		h.logger.Info("close message received from server", zap.String("error", m.Error))
	case Invocation:
		h.dispatchInvocation(m)
	case Completion:
		h.dispatchCompletion(m)
	}
}

func (h *HubConnection) dispatchInvocation(m rawMessage) {
	h.handlerMu.Lock()
	var matched []handlerEntry
	for _, e := range h.handlers {
		if e.target == m.Target {
			matched = append(matched, e)
		}
	}
	h.handlerMu.Unlock()

	if len(matched) == 0 {
		h.logger.Warn("event doesn't fire any handler", zap.String("target", m.Target))
		return
	}

	for _, e := range matched {
		if !h.invokeHandler(e, m.Arguments) {
			return
		}
	}
}

// invokeHandler calls a single registered handler, recovering a panic the
// way a misbehaving handler is treated as a fatal protocol break. It
// returns false when the connection was stopped as a result, so the
// caller does not continue dispatching this message to further handlers.
func (h *HubConnection) invokeHandler(e handlerEntry, arguments []interface{}) (ok bool) {
	h.inCallback.Store(true)
	defer h.inCallback.Store(false)

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panicked",
				zap.String("target", e.target), zap.Any("recover", r))
			h.requestWorkerStop()
			ok = false
		}
	}()

	e.fn(arguments)
	return true
}

func (h *HubConnection) dispatchCompletion(m rawMessage) {
	h.pendingMu.Lock()
	outcome, ok := h.pending[m.InvocationID]
	if ok {
		delete(h.pending, m.InvocationID)
	}
	h.pendingMu.Unlock()

	if !ok {
		return
	}

	var value interface{}
	if m.Result != nil {
		value = m.Result
	} else if m.Error != "" {
		value = m.Error
	}

	select {
	case outcome <- invokeOutcome{value: value}:
	default:
	}
}

// requestWorkerStop is the internal fatal-error path: it is only ever
// called from code running synchronously on the worker goroutine
// (handshake rejection, a fatal transport error, a handler panic), so it
// never joins — it just unblocks transport.Run the way Stop does.
func (h *HubConnection) requestWorkerStop() {
	h.setState(Disconnecting)
	_ = h.transport.Stop()
}

type lifecycleHook int

const (
	hookOpen lifecycleHook = iota
	hookClose
	hookReconnecting
	hookReconnected
)

func (h *HubConnection) fireHook(which lifecycleHook) {
	h.hookMu.Lock()
	var fn func()
	switch which {
	case hookOpen:
		fn = h.onOpenHook
	case hookClose:
		fn = h.onCloseHook
	case hookReconnecting:
		fn = h.onReconnectingHook
	case hookReconnected:
		fn = h.onReconnectedHook
	}
	h.hookMu.Unlock()

	if fn == nil {
		return
	}
	h.inCallback.Store(true)
	defer h.inCallback.Store(false)
	fn()
}

func (h *HubConnection) getState() ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HubConnection) setState(s ConnectionState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *HubConnection) isRunning() bool {
	return h.getState().Running()
}
