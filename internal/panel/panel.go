// Package panel talks to x-ui family control panels and normalizes what they return.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"alamor/internal/logger"
)

var (
	// ErrPanelUnreachable covers login failures, timeouts and transport errors.
	ErrPanelUnreachable = errors.New("panel unreachable")
	// ErrRejected means the panel answered but reported success=false.
	ErrRejected       = errors.New("panel rejected request")
	ErrClientNotFound = errors.New("client not found")
)

// Client is the subset of the panel API the engine consumes.
type Client interface {
	Vendor() string
	Login(ctx context.Context) error
	// ListInbounds returns raw inbound summaries.
	ListInbounds(ctx context.Context) ([]map[string]any, error)
	// GetInbound returns the full raw inbound, including settings and streamSettings.
	GetInbound(ctx context.Context, id int) (map[string]any, error)
	UpdateInbound(ctx context.Context, id int, inbound map[string]any) error
	GetClientInfo(ctx context.Context, uuid string) (*ClientInfo, error)
}

type Credentials struct {
	URL      string
	Username string
	Password string
}

type Options struct {
	Timeout    time.Duration // per attempt
	Retries    int           // extra attempts after the first
	RetryDelay time.Duration
	ProxyURL   string
	Metrics    Recorder // optional
}

// Recorder receives the outcome of every panel round trip.
type Recorder interface {
	RecordSuccess(attempt int, duration time.Duration)
	RecordFailure(err error)
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

type Factory func(creds Credentials, opts Options) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// DefaultVendor is used for unknown panel types.
const DefaultVendor = "x-ui"

// New builds a client for the panel type. Unknown types fall back to x-ui.
func New(panelType string, creds Credentials, opts Options) (Client, error) {
	name := strings.ToLower(strings.TrimSpace(panelType))

	registryMu.RLock()
	factory, ok := registry[name]
	if !ok {
		factory, ok = registry[DefaultVendor]
		if name != "" {
			logger.Log.Warnf("Unknown panel type %q, using %s client", panelType, DefaultVendor)
		}
	}
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no panel client registered for %q", panelType)
	}
	if strings.TrimSpace(creds.URL) == "" {
		return nil, fmt.Errorf("panel url is empty")
	}
	return factory(creds, opts.withDefaults())
}

// Vendors lists registered panel types.
func Vendors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var names []string
	for k := range registry {
		names = append(names, k)
	}
	return names
}
