package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrNoGateway is returned by Resolve when no gateway answered within the scan timeout.
var ErrNoGateway = errors.New("discovery: no gateway found")

const (
	// EventGatewayUpserted is emitted when a gateway appears or its metadata changes.
	EventGatewayUpserted EventType = "gateway_upserted"
	// EventGatewayRemoved is emitted when a previously seen gateway disappears.
	EventGatewayRemoved EventType = "gateway_removed"
)

// EventType identifies gateway discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type    EventType
	Gateway Gateway
}

// Gateway is a realtime endpoint announced on the LAN.
type Gateway struct {
	ID        string
	Name      string
	Transport string
	Path      string
	TLS       bool
	Version   int
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// URL builds the transport URL clients connect to.
func (g Gateway) URL() string {
	host := strings.TrimSuffix(g.HostName, ".")
	if len(g.Addresses) > 0 {
		host = g.Addresses[0]
	}
	hostPort := net.JoinHostPort(host, strconv.Itoa(g.Port))

	switch g.Transport {
	case TransportNATS:
		scheme := "nats"
		if g.TLS {
			scheme = "tls"
		}
		return scheme + "://" + hostPort
	default:
		scheme := "ws"
		if g.TLS {
			scheme = "wss"
		}
		u := url.URL{Scheme: scheme, Host: hostPort, Path: g.Path}
		return u.String()
	}
}

// Scan browses once for ScanTimeout and returns the gateways found, best first.
func Scan(ctx context.Context, config Config) ([]Gateway, error) {
	cfg := config.withDefaults()
	browse, err := browser(cfg)
	if err != nil {
		return nil, err
	}
	found, err := scanOnce(ctx, cfg, browse)
	if err != nil {
		return nil, err
	}
	return sortedGateways(found), nil
}

// Resolve returns the transport URL of the best gateway on the LAN.
func Resolve(ctx context.Context, config Config) (string, error) {
	gateways, err := Scan(ctx, config)
	if err != nil {
		return "", err
	}
	if len(gateways) == 0 {
		return "", ErrNoGateway
	}
	return gateways[0].URL(), nil
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner watches for gateways with periodic and manual mDNS browse operations.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu       sync.RWMutex
	gateways map[string]Gateway

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	browse, err := browser(cfg)
	if err != nil {
		return nil, err
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		gateways:        make(map[string]Gateway),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("gateway scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("gateway scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("gateway scanner is stopped")
	}
}

// List returns the current gateways, best first.
func (s *Scanner) List() []Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedGateways(s.gateways)
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	next, err := scanOnce(scanCtx, s.cfg, s.browse)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(next)
	return nil
}

func (s *Scanner) applySnapshot(next map[string]Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.gateways
	s.gateways = next

	for id, gateway := range next {
		old, exists := previous[id]
		if !exists || !gatewaysEqual(old, gateway) {
			s.emitEvent(Event{Type: EventGatewayUpserted, Gateway: gateway})
		}
	}

	for id, gateway := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventGatewayRemoved, Gateway: gateway})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func browser(cfg Config) (browseFunc, error) {
	if cfg.browseFn != nil {
		return cfg.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// scanOnce browses for one scan window and collects the gateways seen.
func scanOnce(ctx context.Context, cfg Config, browse browseFunc) (map[string]Gateway, error) {
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Gateway)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				gateway, ok := parseEntry(entry)
				if !ok {
					continue
				}
				gateway.LastSeen = time.Now()
				collectedMu.Lock()
				collected[gateway.ID] = gateway
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	return collected, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Gateway, bool) {
	txt := txtToMap(entry.Text)

	id := strings.TrimSpace(txt["gateway_id"])
	if id == "" || entry.Port <= 0 {
		return Gateway{}, false
	}

	transport := txt["transport"]
	switch transport {
	case "":
		transport = TransportWebsocket
	case TransportWebsocket, TransportNATS:
	default:
		return Gateway{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	tls, _ := strconv.ParseBool(txt["tls"])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Gateway{}, false
	}
	// IPv4 first, then lexical.
	sort.SliceStable(addresses, func(i, j int) bool {
		iv4 := net.ParseIP(addresses[i]).To4() != nil
		jv4 := net.ParseIP(addresses[j]).To4() != nil
		if iv4 != jv4 {
			return iv4
		}
		return addresses[i] < addresses[j]
	})

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = id
	}

	return Gateway{
		ID:        id,
		Name:      name,
		Transport: transport,
		Path:      txt["path"],
		TLS:       tls,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

// sortedGateways orders by protocol version, newest first, then by name.
func sortedGateways(gateways map[string]Gateway) []Gateway {
	out := make([]Gateway, 0, len(gateways))
	for _, gateway := range gateways {
		out = append(out, gateway)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func gatewaysEqual(a, b Gateway) bool {
	if a.ID != b.ID ||
		a.Name != b.Name ||
		a.Transport != b.Transport ||
		a.Path != b.Path ||
		a.TLS != b.TLS ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
