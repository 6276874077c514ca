package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const defaultNATSSubjectPrefix = "campuslink.identity"

// NATSOptions configures the NATS provider.
type NATSOptions struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Logger        zerolog.Logger
}

// NATSProvider delivers frames over NATS, one subject per identity.
type NATSProvider struct {
	options NATSOptions
	logger  zerolog.Logger
}

// NewNATSProvider validates options and returns a provider.
func NewNATSProvider(options NATSOptions) (*NATSProvider, error) {
	if options.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if options.SubjectPrefix == "" {
		options.SubjectPrefix = defaultNATSSubjectPrefix
	}
	if options.MaxReconnects == 0 {
		options.MaxReconnects = -1
	}
	if options.ReconnectWait <= 0 {
		options.ReconnectWait = 2 * time.Second
	}
	if options.Timeout <= 0 {
		options.Timeout = 10 * time.Second
	}
	return &NATSProvider{
		options: options,
		logger:  options.Logger.With().Str("component", "nats").Logger(),
	}, nil
}

// Subject returns the inbox subject of identityID.
func (p *NATSProvider) Subject(identityID string) string {
	return p.options.SubjectPrefix + "." + identityID
}

// Open connects to NATS and subscribes to the identity's subject. The client keeps
// retrying in the background when the server is unreachable.
func (p *NATSProvider) Open(_ context.Context, identity Identity, sink Sink) (Session, error) {
	logger := p.logger
	opts := []nats.Option{
		nats.Name("campuslink-" + identity.ID),
		nats.MaxReconnects(p.options.MaxReconnects),
		nats.ReconnectWait(p.options.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.Timeout(p.options.Timeout),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
			sink.Status(true, nil)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			sink.Status(false, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
			sink.Status(true, nil)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	}
	if identity.Token != "" {
		opts = append(opts, nats.Token(identity.Token))
	}

	conn, err := nats.Connect(p.options.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	sub, err := conn.Subscribe(p.Subject(identity.ID), func(msg *nats.Msg) {
		sink.Deliver(msg.Data)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	if conn.IsConnected() {
		sink.Status(true, nil)
	}

	return &natsSession{provider: p, conn: conn, sub: sub}, nil
}

type natsSession struct {
	provider *NATSProvider
	conn     *nats.Conn
	sub      *nats.Subscription
}

func (s *natsSession) Send(_ context.Context, to string, data []byte) error {
	if to == "" {
		return errors.New("nats send: recipient is required")
	}
	if !s.conn.IsConnected() {
		return ErrNotConnected
	}
	return s.conn.Publish(s.provider.Subject(to), data)
}

func (s *natsSession) Close() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.provider.logger.Debug().Err(err).Msg("nats unsubscribe failed")
	}
	s.conn.Close()
	return nil
}
