package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"mirrorcast/internal/core/domain"
	"mirrorcast/pkg/retry"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	DefaultService = "_mirrorcast._tcp"
	DefaultDomain  = "local."

	browseDrainTimeout = time.Second
)

var ErrClosed = errors.New("advertiser closed")

// MDNSServer is a running registration.
type MDNSServer interface {
	SetText(text []string)
	Shutdown()
}

// RegisterFunc registers a service instance; zeroconf.Register in production.
type RegisterFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (MDNSServer, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

type Config struct {
	Instance string
	Service  string
	Domain   string
	// Port is the signaling port senders dial.
	Port            int
	ProtocolVersion string
	Retry           retry.Config
	Register        RegisterFunc
}

// Advertiser announces the receiver on the LAN and keeps the session
// state in its TXT record, so senders can see whether it is pairing.
type Advertiser struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu     sync.Mutex
	server MDNSServer
	state  domain.SessionPhase
	closed bool
}

func NewAdvertiser(cfg Config, logger *zap.SugaredLogger) (*Advertiser, error) {
	if cfg.Instance == "" {
		return nil, fmt.Errorf("discovery: instance name is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = domain.ProtocolVersion
	}
	if cfg.Register == nil {
		cfg.Register = zeroconfRegister
	}
	return &Advertiser{cfg: cfg, logger: logger}, nil
}

// Start registers the service, retrying transient failures such as a
// multicast socket not being ready yet.
func (a *Advertiser) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return nil
	}

	text := a.textLocked()
	err := retry.Retry(ctx, a.cfg.Retry, func() error {
		server, err := a.cfg.Register(a.cfg.Instance, a.cfg.Service, a.cfg.Domain, a.cfg.Port, text, nil)
		if err != nil {
			return err
		}
		a.server = server
		return nil
	})
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", a.cfg.Service, err)
	}

	a.logger.Infow("advertising receiver",
		"instance", a.cfg.Instance,
		"service", a.cfg.Service,
		"port", a.cfg.Port,
	)
	return nil
}

// OnSessionEvent republishes the TXT record with the new session state.
func (a *Advertiser) OnSessionEvent(event domain.SessionEvent) {
	var state domain.SessionPhase
	switch event.Type {
	case domain.EventPairingStarted:
		state = domain.PhaseWaitingForConnection
	case domain.EventDeviceConnected:
		state = domain.PhaseConnected
	default:
		state = domain.PhaseIdle
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == state {
		return
	}
	a.state = state
	if a.server != nil {
		a.server.SetText(a.textLocked())
	}
}

func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) textLocked() []string {
	return []string{
		"version=" + a.cfg.ProtocolVersion,
		"path=/ws",
		"state=" + a.state.String(),
	}
}

// Receiver is one advertised receiver found on the LAN.
type Receiver struct {
	Instance  string
	Host      string
	Addresses []net.IP
	Port      int
	Version   string
	State     string
}

// Browse lists receivers that answer within ctx.
func Browse(ctx context.Context, service, domainName string) ([]Receiver, error) {
	if service == "" {
		service = DefaultService
	}
	if domainName == "" {
		domainName = DefaultDomain
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: create resolver: %w", err)
	}

	var (
		mu        sync.Mutex
		receivers []Receiver
	)
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			mu.Lock()
			receivers = append(receivers, receiverFromEntry(entry))
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, service, domainName, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse %s: %w", service, err)
	}
	<-ctx.Done()

	// the resolver closes entries once it has shut down
	select {
	case <-done:
	case <-time.After(browseDrainTimeout):
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]Receiver(nil), receivers...), nil
}

func receiverFromEntry(entry *zeroconf.ServiceEntry) Receiver {
	r := Receiver{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Addresses: append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...),
		Port:      entry.Port,
	}
	for _, kv := range entry.Text {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			r.Version = value
		case "state":
			r.State = value
		}
	}
	return r
}

// Endpoint is the host:port a sender should dial.
func (r Receiver) Endpoint() string {
	host := strings.TrimSuffix(r.Host, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}
