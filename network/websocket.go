package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	defaultReconnectBaseDelay = time.Second
	defaultReconnectMaxDelay  = 30 * time.Second
	defaultHeartbeatInterval  = 25 * time.Second
	defaultHeartbeatTimeout   = 10 * time.Second
	stableConnectionReset     = 60 * time.Second
)

// WebsocketOptions configures the websocket provider.
type WebsocketOptions struct {
	URL                string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HeartbeatInterval  time.Duration
	Logger             zerolog.Logger
}

// WebsocketProvider connects to the realtime gateway over a websocket and redials with
// exponential backoff plus jitter whenever the link drops.
type WebsocketProvider struct {
	options WebsocketOptions
	logger  zerolog.Logger
}

// NewWebsocketProvider validates options and returns a provider.
func NewWebsocketProvider(options WebsocketOptions) (*WebsocketProvider, error) {
	if options.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	parsed, err := url.Parse(options.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported websocket url scheme %q", parsed.Scheme)
	}
	if options.ReconnectBaseDelay <= 0 {
		options.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if options.ReconnectMaxDelay <= 0 {
		options.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = defaultHeartbeatInterval
	}

	return &WebsocketProvider{
		options: options,
		logger:  options.Logger.With().Str("component", "websocket").Logger(),
	}, nil
}

// Open starts the dial loop and returns immediately; link state arrives through sink.
func (p *WebsocketProvider) Open(ctx context.Context, identity Identity, sink Sink) (Session, error) {
	// The session outlives the Connect call, so it is not bound to ctx.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &websocketSession{
		provider: p,
		identity: identity,
		sink:     sink,
		cancel:   cancel,
		done:     make(chan struct{}),
		recon: &reconnector{
			baseDelay: p.options.ReconnectBaseDelay,
			maxDelay:  p.options.ReconnectMaxDelay,
		},
	}
	go session.run(runCtx)
	return session, nil
}

type websocketSession struct {
	provider *WebsocketProvider
	identity Identity
	sink     Sink
	recon    *reconnector

	mu   sync.Mutex
	conn *websocket.Conn

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func (s *websocketSession) Send(ctx context.Context, _ string, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *websocketSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		}
	})
	<-s.done
	return nil
}

func (s *websocketSession) run(ctx context.Context) {
	defer close(s.done)
	logger := s.provider.logger

	for {
		conn, err := s.dial(ctx)
		if err == nil {
			s.recon.markConnected()
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.sink.Status(true, nil)

			err = s.serve(ctx, conn)

			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			_ = conn.Close(websocket.StatusGoingAway, "")
			if ctx.Err() != nil {
				s.sink.Status(false, nil)
				return
			}
			s.sink.Status(false, err)
		}
		if ctx.Err() != nil {
			return
		}

		delay := s.recon.nextDelay()
		logger.Debug().Err(err).Int("attempt", s.recon.attempt).Dur("delay", delay).Msg("websocket reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *websocketSession) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.identity.Token != "" {
		header.Set("Authorization", "Bearer "+s.identity.Token)
	}
	conn, _, err := websocket.Dial(ctx, s.provider.options.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(MaxFrameSize)
	return conn, nil
}

func (s *websocketSession) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeatLoop(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		s.sink.Deliver(data)
	}
}

func (s *websocketSession) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.provider.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultHeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnectionReset {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
