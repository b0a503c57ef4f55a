package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Keep-alive constants.
const (
	// DefaultPingInterval is the default interval between pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is the default timeout waiting for a pong response.
	DefaultPongTimeout = 5 * time.Second

	// DefaultMaxMissedPongs is the default number of missed pongs before disconnect.
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures keep-alive behavior.
type KeepAliveConfig struct {
	// Disabled turns keep-alive off.
	Disabled bool

	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return c
}

// DetectionDelay is the worst-case time to notice a dead peer:
// PingInterval * MaxMissedPongs + PongTimeout.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	c = c.withDefaults()
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

// KeepAlive sends pings at a fixed interval and reports a timeout after
// MaxMissedPongs consecutive pings went unanswered within PongTimeout.
type KeepAlive struct {
	config    KeepAliveConfig
	sendPing  func(seq uint32) error
	onTimeout func()

	sequence atomic.Uint32
	pongCh   chan uint32

	mu       sync.Mutex
	missed   int
	lastPing time.Time
	lastPong time.Time
	latency  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewKeepAlive creates a keep-alive monitor. It does nothing until Start.
func NewKeepAlive(config KeepAliveConfig, sendPing func(seq uint32) error, onTimeout func()) *KeepAlive {
	return &KeepAlive{
		config:    config.withDefaults(),
		sendPing:  sendPing,
		onTimeout: onTimeout,
		pongCh:    make(chan uint32, 4),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the monitoring loop in a new goroutine.
func (ka *KeepAlive) Start() {
	go ka.loop()
}

// Stop ends monitoring. It is idempotent.
func (ka *KeepAlive) Stop() {
	ka.stopOnce.Do(func() { close(ka.stopCh) })
}

// PongReceived should be called when a pong control message arrives.
func (ka *KeepAlive) PongReceived(seq uint32) {
	select {
	case ka.pongCh <- seq:
	default:
	}
}

// KeepAliveStats contains keep-alive statistics.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	MissedPongs  int
	Latency      time.Duration
	CurrentSeq   uint32
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastPingTime: ka.lastPing,
		LastPongTime: ka.lastPong,
		MissedPongs:  ka.missed,
		Latency:      ka.latency,
		CurrentSeq:   ka.sequence.Load(),
	}
}

func (ka *KeepAlive) loop() {
	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	var (
		pending   uint32
		pongTimer <-chan time.Time
	)

	for {
		select {
		case <-ka.stopCh:
			return

		case <-ticker.C:
			if pending != 0 {
				// Previous ping still outstanding; its timer decides.
				continue
			}
			pending = ka.sequence.Add(1)
			ka.mu.Lock()
			ka.lastPing = time.Now()
			ka.mu.Unlock()
			if err := ka.sendPing(pending); err != nil {
				// The channel reports the write failure itself.
				return
			}
			pongTimer = time.After(ka.config.PongTimeout)

		case seq := <-ka.pongCh:
			if seq != pending {
				continue
			}
			ka.mu.Lock()
			ka.lastPong = time.Now()
			ka.latency = ka.lastPong.Sub(ka.lastPing)
			ka.missed = 0
			ka.mu.Unlock()
			pending = 0
			pongTimer = nil

		case <-pongTimer:
			pending = 0
			pongTimer = nil
			ka.mu.Lock()
			ka.missed++
			dead := ka.missed >= ka.config.MaxMissedPongs
			ka.mu.Unlock()
			if dead {
				if ka.onTimeout != nil {
					ka.onTimeout()
				}
				return
			}
		}
	}
}
