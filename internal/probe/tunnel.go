package probe

import (
	"context"
	"fmt"
	"sync"

	"alamor/internal/logger"
)

// FirstAlive hosts all links at once and races them against the probe URL.
// The winner's port is returned with a stop func the caller must invoke.
func (p *Prober) FirstAlive(ctx context.Context, links []string) (int, func(), error) {
	decoded, _ := decode(links, make([]Result, len(links)))
	if len(decoded) == 0 {
		return 0, nil, fmt.Errorf("no valid links provided")
	}
	slots, stop, err := p.start(decoded)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	winChan := make(chan int, 1)
	var wg sync.WaitGroup

	for _, slot := range slots {
		if slot.Err != nil {
			continue
		}

		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			r := Result{}
			p.checkPort(ctx, &r, port)
			if r.Alive {
				select {
				case winChan <- port:
					cancel()
				default:
				}
			}
		}(slot.Port)
	}

	go func() {
		wg.Wait()
		close(winChan)
	}()

	if port, ok := <-winChan; ok {
		return port, stop, nil
	}
	stop()
	return 0, nil, fmt.Errorf("no alive proxies found in batch")
}

// Tunnel picks an upstream for panel traffic: the first alive link from a
// candidate list, or a static fallback URL.
type Tunnel struct {
	prober   *Prober
	links    []string
	fallback string

	mu   sync.Mutex
	stop func()
}

func NewTunnel(prober *Prober, links []string, fallback string) *Tunnel {
	return &Tunnel{prober: prober, links: links, fallback: fallback}
}

// ProxyURL returns a socks5 URL on the winning link's local port. Failures
// degrade to the fallback, which may be empty for direct connections.
func (t *Tunnel) ProxyURL(ctx context.Context) string {
	if len(t.links) == 0 {
		return t.fallback
	}

	port, stop, err := t.prober.FirstAlive(ctx, t.links)
	if err != nil {
		logger.Log.Warnf("Panel tunnel: %v. Using fallback.", err)
		return t.fallback
	}

	t.mu.Lock()
	if t.stop != nil {
		t.stop()
	}
	t.stop = stop
	t.mu.Unlock()

	logger.Log.Debugf("Panel tunnel: found working proxy on port %d", port)
	return fmt.Sprintf("socks5://127.0.0.1:%d", port)
}

func (t *Tunnel) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}
