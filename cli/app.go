package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"campuslink/chat"
	"campuslink/config"
	"campuslink/crypto"
	"campuslink/discovery"
	"campuslink/keystore"
	"campuslink/messagestore"
	"campuslink/network"
	"campuslink/outbox"
	"campuslink/ratelimit"
	"campuslink/storage"
)

// app holds the wired components of one signed-in client.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	identity network.Identity

	local     *storage.Store
	device    *crypto.DeviceKeys
	store     *messagestore.Client
	transport *network.Manager
	redis     *redis.Client
	hook      *outbox.SignalHook
	client    *chat.Client
}

// openSession loads identity, keys, the local database and the message-store client.
// It does not touch the realtime transport.
func openSession(cfg *config.Config, cfgPath string, logger zerolog.Logger) (*app, error) {
	if cfg.Identity.Token == "" {
		return nil, errors.New("no session token: set identity.token or CAMPUSLINK_TOKEN")
	}
	identity, err := network.IdentityFromToken(cfg.Identity.Token)
	if err != nil {
		return nil, err
	}
	if identity.Expired(time.Now()) {
		return nil, fmt.Errorf("session token for %s expired at %s", identity.ID, identity.ExpiresAt.Format(time.RFC3339))
	}

	device, err := crypto.EnsureDeviceKeys(cfg.KeysDir)
	if err != nil {
		return nil, fmt.Errorf("prepare device keys: %w", err)
	}

	local, err := openLocal(cfg, cfgPath, logger)
	if err != nil {
		return nil, err
	}

	store, err := messagestore.NewClient(cfg.Store.URL, identity.Token,
		messagestore.WithTimeout(cfg.Store.Timeout.Duration),
		messagestore.WithLogger(logger),
	)
	if err != nil {
		_ = local.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger.With().Str("identity", identity.ID).Logger(),
		identity: identity,
		local:    local,
		device:   device,
		store:    store,
	}, nil
}

// openLocal opens the local database and applies the configured retention.
func openLocal(cfg *config.Config, cfgPath string, logger zerolog.Logger) (*storage.Store, error) {
	local, dbPath, err := storage.Open(config.DataDir(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	local.SetSecurityEventRetention(cfg.Security.EventRetention.Duration)
	logger.Debug().Str("path", dbPath).Dur("event_retention", cfg.Security.EventRetention.Duration).Msg("database opened")
	return local, nil
}

// outbox returns a queue over the local database that replays through the message-store.
func (a *app) outbox() (*outbox.Outbox, error) {
	return outbox.New(outbox.Options{
		Storage:     a.local,
		Replayer:    a.store,
		MaxAttempts: a.cfg.Outbox.MaxAttempts,
		Logger:      a.logger,
	})
}

// connect builds the transport and the chat client and starts it.
func (a *app) connect(ctx context.Context) error {
	provider, err := a.provider(ctx)
	if err != nil {
		return err
	}
	transport, err := network.NewManager(network.ManagerOptions{
		Provider: provider,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	a.transport = transport

	keys, err := keystore.New(keystore.Options{
		Storage:    a.local,
		Directory:  a.store,
		Exchanger:  transport,
		Device:     a.device,
		IdentityID: a.identity.ID,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	governor, err := a.governor()
	if err != nil {
		return err
	}

	a.hook = outbox.NewSignalHook()
	client, err := chat.New(chat.Options{
		Identity:          a.identity,
		Transport:         transport,
		Store:             a.store,
		Local:             a.local,
		Keys:              keys,
		Governor:          governor,
		Hook:              a.hook,
		Deduper:           a.local,
		ReconcileInterval: a.cfg.Reconcile.Interval.Duration,
		FlushInterval:     a.cfg.Outbox.FlushInterval.Duration,
		RingTimeout:       a.cfg.Calls.RingTimeout.Duration,
		MaxAttempts:       a.cfg.Outbox.MaxAttempts,
		PushToken:         a.cfg.Push.DeviceToken,
		PushPlatform:      a.cfg.Push.Platform,
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}
	a.client = client
	return client.Start(ctx)
}

func (a *app) governor() (*ratelimit.Governor, error) {
	options := ratelimit.Options{
		MaxSends: a.cfg.RateLimit.MaxSends,
		Window:   a.cfg.RateLimit.Window.Duration,
		Cooldown: a.cfg.RateLimit.Cooldown.Duration,
		Logger:   a.logger,
	}
	if a.cfg.RateLimit.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(a.cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		options.Store = ratelimit.NewRedisStore(client, a.identity.ID)
	}
	return ratelimit.New(options), nil
}

func (a *app) provider(ctx context.Context) (network.Provider, error) {
	kind, rawURL := a.cfg.Transport.Kind, a.cfg.Transport.URL
	if rawURL == "" {
		if !a.cfg.Transport.Discover {
			return nil, errors.New("no transport url: set transport.url or enable transport.discover")
		}
		resolved, err := discovery.Resolve(ctx, discovery.Config{})
		if err != nil {
			return nil, fmt.Errorf("discover gateway: %w", err)
		}
		a.logger.Info().Str("url", resolved).Msg("gateway discovered")
		rawURL = resolved
		kind = transportKindForURL(resolved)
	}

	switch kind {
	case config.TransportNATS:
		return network.NewNATSProvider(network.NATSOptions{URL: rawURL, Logger: a.logger})
	default:
		return network.NewWebsocketProvider(network.WebsocketOptions{URL: rawURL, Logger: a.logger})
	}
}

// transportKindForURL infers the provider from a discovered gateway URL.
func transportKindForURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return config.TransportWebsocket
	}
	switch parsed.Scheme {
	case "nats", "tls":
		return config.TransportNATS
	default:
		return config.TransportWebsocket
	}
}

// waitConnected blocks until the transport is up or timeout passes.
func (a *app) waitConnected(ctx context.Context, timeout time.Duration) bool {
	if a.transport == nil {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.transport.Ready():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.local != nil {
		errs = append(errs, a.local.Close())
	}
	return errors.Join(errs...)
}
