// Package stream maintains the realtime user-data connection to the
// exchange. It owns the listen-key lifecycle, heartbeats, reconnection
// with exponential backoff and the circuit breaker; decoded events are
// pushed to the session's dispatch queue.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridflow/internal/dispatch"
	"gridflow/internal/exchange"
	"gridflow/logger"
	"gridflow/models"
)

var errListenKeyExpired = errors.New("listen key expired")

// Config tunes one stream connection.
type Config struct {
	URL               string        `yaml:"url"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	MaxRetries        int           `yaml:"max_retries"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

// DefaultConfig carries the production reconnect schedule: 3s doubling
// to 120s, eight retries before the breaker opens, a 30s grace period,
// listen-key refresh every 30 minutes.
func DefaultConfig() Config {
	return Config{
		URL:               "wss://fstream.binance.com/ws",
		PingInterval:      30 * time.Second,
		PongTimeout:       75 * time.Second,
		ReconnectMin:      3 * time.Second,
		ReconnectMax:      120 * time.Second,
		MaxRetries:        8,
		GracePeriod:       30 * time.Second,
		KeepAliveInterval: 30 * time.Minute,
	}
}

// Conn is the managed websocket connection for one session.
type Conn struct {
	cfg    Config
	client exchange.Client
	queue  *dispatch.Queue

	mu      sync.RWMutex
	running bool
	state   models.ConnectionState
	br      *breaker
	resetCh chan struct{}

	ctx context.Context
	wg  sync.WaitGroup
	log *logger.Log
}

func NewConn(cfg Config, client exchange.Client, queue *dispatch.Queue) *Conn {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	return &Conn{
		cfg:     cfg,
		client:  client,
		queue:   queue,
		br:      newBreaker(cfg.ReconnectMin, cfg.ReconnectMax, cfg.MaxRetries, cfg.GracePeriod),
		resetCh: make(chan struct{}, 1),
		state:   models.ConnectionState{Status: models.ConnDisconnected},
		log:     logger.GetLogger(),
	}
}

// Start launches the connection loop.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	c.log.WithComponent("stream").Info("stream connection loop started")
	return nil
}

// Stop waits for the connection loop to exit. The caller cancels the
// context passed to Start first.
func (c *Conn) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.wg.Wait()
	c.log.WithComponent("stream").Info("stream connection loop stopped")
}

// State returns a snapshot of connection health.
func (c *Conn) State() models.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ResetBreaker closes an open circuit so the loop resumes dialing.
func (c *Conn) ResetBreaker() {
	c.mu.Lock()
	c.br.reset()
	c.state.ConsecutiveFailures = 0
	if c.state.Status == models.ConnCircuitOpen {
		c.state.Status = models.ConnDisconnected
	}
	c.mu.Unlock()
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
	c.log.WithComponent("stream").Info("circuit breaker reset")
}

func (c *Conn) setStatus(status models.ConnStatus) {
	c.mu.Lock()
	c.state.Status = status
	c.mu.Unlock()
}

func (c *Conn) run() {
	defer c.wg.Done()
	log := c.log.WithComponent("stream")

	for {
		if c.ctx.Err() != nil {
			c.setStatus(models.ConnDisconnected)
			return
		}

		c.mu.Lock()
		c.state.Status = models.ConnConnecting
		c.state.LastAttemptAt = time.Now()
		c.state.RetryCount++
		c.mu.Unlock()

		connectedAt, err := c.connectOnce()
		if c.ctx.Err() != nil {
			c.setStatus(models.ConnDisconnected)
			return
		}

		if !connectedAt.IsZero() {
			c.mu.Lock()
			if c.br.connected(time.Since(connectedAt)) {
				c.state.RetryCount = 0
			}
			c.mu.Unlock()
		}
		log.WithError(err).Warn("stream session ended, scheduling reconnect")
		logger.IncrementReconnect()

		c.mu.Lock()
		delay, open := c.br.failure()
		c.state.ConsecutiveFailures = c.br.failures
		if open {
			c.state.Status = models.ConnCircuitOpen
		} else {
			c.state.Status = models.ConnDisconnected
		}
		c.mu.Unlock()

		if open {
			log.Error("reconnect budget exhausted, circuit breaker open")
			select {
			case <-c.ctx.Done():
				return
			case <-c.resetCh:
				continue
			}
		}

		select {
		case <-c.ctx.Done():
			c.setStatus(models.ConnDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce performs a full dial-read-teardown cycle. It returns the
// time the socket came up (zero if the dial failed) and the terminating
// error.
func (c *Conn) connectOnce() (time.Time, error) {
	log := c.log.WithComponent("stream")

	key, err := c.client.CreateListenKey(c.ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("create listen key: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.cfg.URL+"/"+key, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial: %w", err)
	}
	connectedAt := time.Now()
	c.setStatus(models.ConnConnected)
	log.Info("stream connected")

	defer func() {
		_ = ws.Close()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.client.CloseListenKey(closeCtx, key); err != nil {
			log.WithError(err).Debug("failed to close listen key")
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	// Heartbeats and listen-key keepalive run beside the read loop and
	// stop with it.
	sessCtx, sessCancel := context.WithCancel(c.ctx)
	defer sessCancel()
	go c.keepAlive(sessCtx, ws, key)

	// ReadMessage only unblocks on socket close or read deadline, so
	// cancellation must tear the socket down explicitly.
	go func() {
		<-sessCtx.Done()
		_ = ws.Close()
	}()

	return connectedAt, c.readLoop(ws)
}

func (c *Conn) keepAlive(ctx context.Context, ws *websocket.Conn, key string) {
	ping := time.NewTicker(c.cfg.PingInterval)
	refresh := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ping.Stop()
	defer refresh.Stop()

	log := c.log.WithComponent("stream")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				log.WithError(err).Debug("ping failed")
				return
			}
		case <-refresh.C:
			if err := c.client.KeepAliveListenKey(ctx, key); err != nil {
				log.WithError(err).Warn("listen key keepalive failed")
			}
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	log := c.log.WithComponent("stream")
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok, err := decodeFrame(payload)
		if err != nil {
			if errors.Is(err, errListenKeyExpired) {
				return err
			}
			log.WithError(err).Debug("undecodable stream frame")
			continue
		}
		if !ok {
			continue
		}
		c.queue.Push(ev)
	}
}
