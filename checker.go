package signalr

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// defaultCheckerSleep is the ConnectionChecker's iteration interval.
const defaultCheckerSleep = 5 * time.Second

// ConnectionChecker is a periodic liveness watcher: it pings the server
// when outbound traffic has been idle past keepAliveInterval, and signals
// a disconnect when inbound traffic has been idle past serverTimeout.
// lastTrySend/lastReceived are stored here: Run sets both to the current
// time when it starts, and after that only HubConnection updates them,
// through TouchSend and TouchReceived.
type ConnectionChecker struct {
	logger *zap.Logger

	keepAliveInterval time.Duration
	serverTimeout     time.Duration // zero means disabled
	sleep             time.Duration

	lastTrySend  atomic.Int64 // unix seconds
	lastReceived atomic.Int64 // unix seconds

	mu      sync.Mutex
	running bool
}

// NewConnectionChecker returns a checker with the given keepalive and
// server-timeout durations. A zero serverTimeout disables the watchdog.
func NewConnectionChecker(logger *zap.Logger, keepAliveInterval, serverTimeout time.Duration) *ConnectionChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionChecker{
		logger:            logger,
		keepAliveInterval: keepAliveInterval,
		serverTimeout:     serverTimeout,
		sleep:             defaultCheckerSleep,
	}
}

// TouchSend records that an outbound frame was just attempted.
func (c *ConnectionChecker) TouchSend(now time.Time) {
	c.lastTrySend.Store(now.Unix())
}

// TouchReceived records that an inbound frame was just decoded.
func (c *ConnectionChecker) TouchReceived(now time.Time) {
	c.lastReceived.Store(now.Unix())
}

// Run loops until Stop is called, ping-ing or stopping per §4.3. pingFn's
// errors are expected to be suppressed by the caller already; stopFn is
// called at most once per Run.
func (c *ConnectionChecker) Run(pingFn func(), stopFn func()) {
	now := time.Now()
	c.lastTrySend.Store(now.Unix())
	c.lastReceived.Store(now.Unix())

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	ticker := time.NewTicker(c.sleep)
	defer ticker.Stop()

	for {
		<-ticker.C
		if !c.isRunning() {
			return
		}

		now := time.Now()
		if now.Sub(time.Unix(c.lastTrySend.Load(), 0)) > c.keepAliveInterval {
			safeCall(pingFn)
		}

		if c.serverTimeout == 0 {
			continue
		}
		idle := now.Sub(time.Unix(c.lastReceived.Load(), 0))
		if idle > c.serverTimeout {
			c.logger.Error("elapsed time after last message from server", zap.Duration("idle", idle))
			stopFn()
			return
		}

		if !c.isRunning() {
			return
		}
	}
}

// Stop halts the loop; the loop observes this on the next tick boundary.
func (c *ConnectionChecker) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *ConnectionChecker) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// safeCall invokes fn and discards any panic, matching the spec's
// requirement that pingFn failures never terminate the checker loop.
func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
