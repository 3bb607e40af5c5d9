// Package probe checks that rendered subscription links actually carry
// traffic by routing a request through a local xray instance.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"alamor/internal/config"
	"alamor/internal/logger"
	"alamor/internal/metrics"
	"alamor/internal/xray"
	"alamor/internal/xray/parser"
)

// Starter hosts links behind local socks inbounds. The returned slots line
// up with links by index.
type Starter func(links []*parser.Link) ([]xray.Slot, func(), error)

func xrayStarter(links []*parser.Link) ([]xray.Slot, func(), error) {
	host, err := xray.NewHost(links)
	if err != nil {
		return nil, nil, err
	}
	return host.Slots, func() { host.Close() }, nil
}

type Result struct {
	Link     string
	Label    string
	Alive    bool
	Latency  time.Duration
	Attempts int
	Err      error
}

type Prober struct {
	cfg     config.ProbeConfig
	mc      *metrics.Collector
	start   Starter
	backoff time.Duration
}

type Option func(*Prober)

// WithStarter replaces the xray runner.
func WithStarter(s Starter) Option {
	return func(p *Prober) { p.start = s }
}

// WithMetrics records every attempt into mc.
func WithMetrics(mc *metrics.Collector) Option {
	return func(p *Prober) { p.mc = mc }
}

func New(cfg config.ProbeConfig, opts ...Option) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	p := &Prober{cfg: cfg, start: xrayStarter, backoff: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check probes every link concurrently. Results keep the input order. Links
// that do not decode or that xray refuses come back with Alive false and the
// per-link error.
func (p *Prober) Check(ctx context.Context, links []string) ([]Result, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("no links provided")
	}

	results := make([]Result, len(links))
	decoded, index := decode(links, results)
	if len(decoded) == 0 {
		return results, nil
	}

	slots, stop, err := p.start(decoded)
	if err != nil {
		return nil, err
	}
	defer stop()

	var wg sync.WaitGroup
	for j, slot := range slots {
		r := &results[index[j]]
		if slot.Err != nil {
			r.Err = slot.Err
			continue
		}

		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			p.checkPort(ctx, r, port)
		}(slot.Port)
	}
	wg.Wait()

	return results, nil
}

// decode fills the label of every result and records decode failures. It
// returns the links that parsed with their positions in raws.
func decode(raws []string, results []Result) ([]*parser.Link, []int) {
	var links []*parser.Link
	var index []int
	for i, raw := range raws {
		results[i] = Result{Link: raw, Label: raw}
		l, err := parser.Parse(raw)
		if err != nil {
			results[i].Err = err
			continue
		}
		if l.Remark != "" {
			results[i].Label = l.Remark
		}
		links = append(links, l)
		index = append(index, i)
	}
	return links, index
}

func (p *Prober) checkPort(ctx context.Context, r *Result, port int) {
	client := MakeClient(port, p.cfg.Timeout)

	for i := 0; i <= p.cfg.Retries; i++ {
		r.Attempts = i + 1
		start := time.Now()
		err := p.fetch(ctx, client)
		if err == nil {
			r.Alive = true
			r.Latency = time.Since(start)
			r.Err = nil
			if p.mc != nil {
				p.mc.RecordSuccess(i, r.Latency)
			}
			return
		}

		r.Err = err
		if p.mc != nil {
			p.mc.RecordFailure(err)
		}
		logger.Log.Debugf("Probe attempt %d for %s failed: %v", i+1, r.Label, err)

		if i < p.cfg.Retries {
			select {
			case <-ctx.Done():
				r.Err = ctx.Err()
				return
			case <-time.After(p.backoff):
			}
		}
	}
}

func (p *Prober) fetch(ctx context.Context, client *http.Client) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("probe failed with status: %d", resp.StatusCode)
	}
	return nil
}

// MakeClient returns an HTTP client that tunnels through the local socks
// inbound on port.
func MakeClient(port int, timeout time.Duration) *http.Client {
	proxyURL, _ := url.Parse(fmt.Sprintf("socks5://127.0.0.1:%d", port))

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: timeout,
		},
		Timeout: timeout,
	}
}
