package probe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"alamor/internal/config"
	"alamor/internal/metrics"
	"alamor/internal/xray"
	"alamor/internal/xray/parser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPort returns a loopback port with nothing listening on it.
func deadPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func refused(l *parser.Link) xray.Slot {
	return xray.Slot{Err: &xray.RejectedError{Protocol: l.Protocol, Remark: l.Remark, Err: errors.New("bad reality key")}}
}

func TestCheckReportsRejectedAndDeadLinks(t *testing.T) {
	hosted := "vless://u@h.com:443?type=tcp#Hosted"
	rejected := "vless://u@h.com:444#Rejected"
	port := deadPort(t)

	stopped := false
	var started []*parser.Link
	starter := func(links []*parser.Link) ([]xray.Slot, func(), error) {
		started = links
		return []xray.Slot{{Port: port}, refused(links[1])}, func() { stopped = true }, nil
	}

	mc := metrics.New()
	p := New(config.ProbeConfig{URL: "http://example.com/", Timeout: time.Second, Retries: 1},
		WithStarter(starter), WithMetrics(mc))
	p.backoff = time.Millisecond

	results, err := p.Check(context.Background(), []string{hosted, rejected})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, started, 2)
	assert.True(t, stopped)

	assert.Equal(t, "Hosted", results[0].Label)
	assert.False(t, results[0].Alive)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Error(t, results[0].Err)

	assert.Equal(t, "Rejected", results[1].Label)
	assert.Equal(t, 0, results[1].Attempts)
	var rej *xray.RejectedError
	require.ErrorAs(t, results[1].Err, &rej)
	assert.Equal(t, "Rejected", rej.Remark)

	assert.Equal(t, 2, mc.Snapshot().Failures)
}

func TestCheckKeepsUndecodableLinksOutOfXray(t *testing.T) {
	good := "trojan://pw@t.com:443#T"
	port := deadPort(t)

	var started []*parser.Link
	p := New(config.ProbeConfig{URL: "http://example.com/", Timeout: time.Second},
		WithStarter(func(links []*parser.Link) ([]xray.Slot, func(), error) {
			started = links
			return []xray.Slot{{Port: port}}, func() {}, nil
		}))

	results, err := p.Check(context.Background(), []string{"not a link", good})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Len(t, started, 1)
	assert.Equal(t, "t.com", started[0].Host)

	assert.Equal(t, "not a link", results[0].Label)
	assert.ErrorIs(t, results[0].Err, parser.ErrInvalidLinkFormat)
	assert.Equal(t, "T", results[1].Label)
	assert.Equal(t, 1, results[1].Attempts)
}

func TestCheckWithNothingDecodable(t *testing.T) {
	p := New(config.ProbeConfig{}, WithStarter(func([]*parser.Link) ([]xray.Slot, func(), error) {
		t.Fatal("starter must not run")
		return nil, nil, nil
	}))

	results, err := p.Check(context.Background(), []string{"garbage"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Alive)
	assert.Equal(t, "garbage", results[0].Label)
}

func TestCheckPropagatesStarterError(t *testing.T) {
	p := New(config.ProbeConfig{}, WithStarter(func([]*parser.Link) ([]xray.Slot, func(), error) {
		return nil, nil, xray.ErrNothingHosted
	}))

	_, err := p.Check(context.Background(), []string{"vless://u@h.com:1"})
	assert.ErrorIs(t, err, xray.ErrNothingHosted)

	_, err = p.Check(context.Background(), nil)
	assert.Error(t, err)
}

func TestTunnelFallsBack(t *testing.T) {
	p := New(config.ProbeConfig{URL: "http://example.com/", Timeout: 200 * time.Millisecond},
		WithStarter(func([]*parser.Link) ([]xray.Slot, func(), error) {
			return nil, nil, xray.ErrNothingHosted
		}))

	direct := NewTunnel(p, nil, "socks5://10.0.0.1:1080")
	assert.Equal(t, "socks5://10.0.0.1:1080", direct.ProxyURL(context.Background()))

	broken := NewTunnel(p, []string{"vless://u@h.com:443"}, "")
	assert.Empty(t, broken.ProxyURL(context.Background()))
	broken.Stop()

	undecodable := NewTunnel(p, []string{"nope"}, "socks5://10.0.0.1:1080")
	assert.Equal(t, "socks5://10.0.0.1:1080", undecodable.ProxyURL(context.Background()))
}

func TestFirstAliveWithNoSurvivors(t *testing.T) {
	link := "vless://u@h.com:443"
	port := deadPort(t)
	stopped := false
	p := New(config.ProbeConfig{URL: "http://example.com/", Timeout: time.Second},
		WithStarter(func(links []*parser.Link) ([]xray.Slot, func(), error) {
			return []xray.Slot{{Port: port}, refused(links[1])}, func() { stopped = true }, nil
		}))

	_, _, err := p.FirstAlive(context.Background(), []string{link, "vless://u@h.com:444#R"})
	assert.ErrorContains(t, err, "no alive proxies")
	assert.True(t, stopped)
}
