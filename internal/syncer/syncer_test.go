package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"alamor/internal/db"
	"alamor/internal/model"
	"alamor/internal/panel"
	"alamor/internal/secret"
	"alamor/internal/store"
	"alamor/internal/xray/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	inbounds map[int]map[string]any
	summary  bool     // list without settings blobs
	omit     []string // keys dropped from list entries
	loginErr error
	gets     int
}

func (f *fakeClient) Vendor() string { return "3x-ui" }

func (f *fakeClient) Login(context.Context) error { return f.loginErr }

func (f *fakeClient) ListInbounds(context.Context) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for id := 1; id <= len(f.inbounds); id++ {
		in := f.inbounds[id]
		if f.summary {
			out = append(out, map[string]any{"id": in["id"], "protocol": in["protocol"], "port": in["port"]})
			continue
		}
		cp := map[string]any{}
		for k, v := range in {
			cp[k] = v
		}
		for _, k := range f.omit {
			delete(cp, k)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (f *fakeClient) GetInbound(_ context.Context, id int) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	in, ok := f.inbounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: inbound %d not found", panel.ErrRejected, id)
	}
	return in, nil
}

func (f *fakeClient) UpdateInbound(context.Context, int, map[string]any) error { return nil }

func (f *fakeClient) GetClientInfo(context.Context, string) (*panel.ClientInfo, error) {
	return nil, panel.ErrClientNotFound
}

func twoInbounds() map[int]map[string]any {
	return map[int]map[string]any{
		1: {
			"id": float64(1), "remark": "ws", "port": float64(443), "protocol": "vless",
			"settings":       `{"clients":[{"id":"c1"}]}`,
			"streamSettings": `{"network":"ws","security":"tls","wsSettings":{"path":"/ws"}}`,
		},
		2: {
			"id": float64(2), "remark": "grpc", "port": float64(2083), "protocol": "vmess",
			"settings":       map[string]any{"clients": []any{}},
			"streamSettings": map[string]any{"network": "grpc"},
		},
	}
}

type fixture struct {
	store   *store.Store
	clients map[string]*fakeClient
	sync    *Synchronizer
}

func newFixture(t *testing.T, servers ...model.Server) (*fixture, []model.Server) {
	t.Helper()
	conn, err := db.Connect(filepath.Join(t.TempDir(), "alamor.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { db.Close(conn) })

	f := &fixture{store: store.New(conn), clients: map[string]*fakeClient{}}
	for i := range servers {
		require.NoError(t, conn.Create(&servers[i]).Error)
		f.clients[servers[i].Name] = &fakeClient{inbounds: twoInbounds()}
	}
	f.sync = New(f.store, func(s *model.Server) (panel.Client, error) {
		c, ok := f.clients[s.Name]
		if !ok {
			return nil, fmt.Errorf("no panel for %s", s.Name)
		}
		return c, nil
	})
	return f, servers
}

func server(name string) model.Server {
	return model.Server{Name: name, PanelType: "3x-ui", PanelURL: "https://" + name + ".example.com", IsActive: true}
}

func TestRunIsIdempotent(t *testing.T) {
	f, servers := newFixture(t, server("de"))
	ctx := context.Background()

	first := f.sync.Run(ctx, servers, nil)
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, 2, first.Inserted)

	second := f.sync.Run(ctx, servers, nil)
	assert.Equal(t, 1, second.Succeeded)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 2, second.Unchanged)

	rows, err := f.store.SyncedConfigs(ctx, servers[0].ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `{"network":"grpc"}`, rows[1].StreamSettings)
}

func TestRunIsolatesFailingServer(t *testing.T) {
	f, servers := newFixture(t, server("a"), server("b"), server("c"))
	f.clients["b"].loginErr = fmt.Errorf("%w: connection refused", panel.ErrPanelUnreachable)
	ctx := context.Background()

	var mu sync.Mutex
	var done []string
	report := f.sync.Run(ctx, servers, func(r ServerResult) {
		mu.Lock()
		done = append(done, r.Server)
		mu.Unlock()
	})

	assert.Len(t, done, 3)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 4, report.Inserted)

	require.Len(t, report.Servers, 3)
	assert.Equal(t, "b", report.Servers[1].Server)
	assert.ErrorIs(t, report.Servers[1].Err, panel.ErrPanelUnreachable)

	for _, s := range servers {
		rows, err := f.store.SyncedConfigs(ctx, s.ID)
		require.NoError(t, err)
		stored, err := f.store.Server(ctx, s.ID)
		require.NoError(t, err)
		if s.Name == "b" {
			assert.Empty(t, rows)
			assert.False(t, stored.IsOnline)
		} else {
			assert.Len(t, rows, 2)
			assert.True(t, stored.IsOnline)
		}
		assert.NotNil(t, stored.LastChecked)
	}

	out := report.String()
	assert.Contains(t, out, "❌ b:")
	assert.Contains(t, out, "2 ok, 1 failed, 0 skipped")
}

func TestRunSkipsInactiveServers(t *testing.T) {
	off := server("off")
	off.IsActive = false
	f, servers := newFixture(t, off)

	report := f.sync.Run(context.Background(), servers, nil)
	assert.Equal(t, 1, report.Skipped)
	assert.ErrorIs(t, report.Servers[0].Err, ErrServerInactive)
}

func TestRunFetchesDetailForSummaries(t *testing.T) {
	f, servers := newFixture(t, server("de"))
	f.clients["de"].summary = true

	report := f.sync.Run(context.Background(), servers, nil)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 2, f.clients["de"].gets)

	row, err := f.store.SyncedConfig(context.Background(), servers[0].ID, 1)
	require.NoError(t, err)
	assert.Contains(t, row.StreamSettings, `"/ws"`)
}

func TestRunFetchesDetailWhenOnlyStreamSettingsIsMissing(t *testing.T) {
	f, servers := newFixture(t, server("de"))
	f.clients["de"].omit = []string{"streamSettings"}

	f.sync.Run(context.Background(), servers, nil)
	assert.Equal(t, 2, f.clients["de"].gets)

	row, err := f.store.SyncedConfig(context.Background(), servers[0].ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "ws", stream.Extract(row.StreamSettings).Network())
}

func TestRunSkipsDetailForCompleteEntries(t *testing.T) {
	f, servers := newFixture(t, server("de"))

	f.sync.Run(context.Background(), servers, nil)
	assert.Equal(t, 0, f.clients["de"].gets)
}

func TestHasDetail(t *testing.T) {
	assert.True(t, hasDetail(map[string]any{"settings": "{}", "streamSettings": "{}"}))
	assert.True(t, hasDetail(map[string]any{"settings": map[string]any{}, "streamSettings": map[string]any{}}))
	assert.False(t, hasDetail(map[string]any{"settings": "{}"}))
	assert.False(t, hasDetail(map[string]any{"settings": "{}", "streamSettings": ""}))
	assert.False(t, hasDetail(map[string]any{"streamSettings": "{}", "settings": nil}))
}

func TestRunCountsMalformedEntries(t *testing.T) {
	f, servers := newFixture(t, server("de"))
	f.clients["de"].inbounds[3] = map[string]any{"id": "zero?", "settings": "{}"}

	report := f.sync.Run(context.Background(), servers, nil)
	require.Len(t, report.Servers, 1)
	assert.Equal(t, StatusOK, report.Servers[0].Status)
	assert.Equal(t, 1, report.Servers[0].Skipped)
	assert.Equal(t, 2, report.Servers[0].Inbounds)
	assert.Contains(t, report.Servers[0].Line(), "1 malformed")
}

func TestInboundWithoutStreamSettingsDefaultsToTCP(t *testing.T) {
	f, servers := newFixture(t, server("de"))
	f.clients["de"].inbounds[1] = map[string]any{
		"id": float64(1), "port": float64(80), "protocol": "vless", "settings": `{"clients":[]}`,
	}
	f.clients["de"].inbounds[2] = f.clients["de"].inbounds[1]

	f.sync.Run(context.Background(), servers, nil)

	row, err := f.store.SyncedConfig(context.Background(), servers[0].ID, 1)
	require.NoError(t, err)
	assert.Empty(t, row.StreamSettings)
	assert.Equal(t, stream.Default(), stream.Extract(row.StreamSettings))
}

func TestSyncInbound(t *testing.T) {
	f, servers := newFixture(t, server("de"))
	ctx := context.Background()

	require.NoError(t, f.sync.SyncInbound(ctx, &servers[0], 2))
	row, err := f.store.SyncedConfig(ctx, servers[0].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "vmess", row.Protocol)

	_, err = f.store.SyncedConfig(ctx, servers[0].ID, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, f.sync.SyncInbound(ctx, &servers[0], 9), panel.ErrRejected)

	servers[0].IsActive = false
	assert.ErrorIs(t, f.sync.SyncInbound(ctx, &servers[0], 1), ErrServerInactive)
}

func TestNewPanelFactory(t *testing.T) {
	box, err := secret.New("k")
	require.NoError(t, err)
	sealed, err := box.Encrypt("pw")
	require.NoError(t, err)

	factory := NewPanelFactory(box, panel.Options{})
	c, err := factory(&model.Server{Name: "de", PanelType: "alireza", PanelURL: "https://de.example.com", EncryptedPassword: sealed})
	require.NoError(t, err)
	assert.Equal(t, "alireza", c.Vendor())

	_, err = factory(&model.Server{Name: "broken", PanelURL: "https://x", EncryptedPassword: "garbage"})
	assert.ErrorIs(t, err, secret.ErrCiphertext)
}
