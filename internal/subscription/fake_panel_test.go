package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"alamor/internal/db"
	"alamor/internal/model"
	"alamor/internal/panel"
	"alamor/internal/store"
	"alamor/internal/syncer"

	"github.com/stretchr/testify/require"
)

// memPanel is an in-memory panel keeping inbounds the way 3x-ui returns them.
type memPanel struct {
	mu       sync.Mutex
	inbounds map[int]map[string]any
	gets     int
	updates  int
	hideNew  bool // GetClientInfo never finds clients
}

func newMemPanel() *memPanel {
	return &memPanel{inbounds: map[int]map[string]any{}}
}

func (m *memPanel) put(id int, protocol string, port int, settings, stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := map[string]any{
		"id": float64(id), "remark": fmt.Sprintf("in-%d", id), "port": float64(port),
		"protocol": protocol, "settings": settings, "enable": true,
	}
	if stream != "" {
		in["streamSettings"] = stream
	}
	m.inbounds[id] = in
}

func (m *memPanel) settings(id int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.inbounds[id]["settings"].(string)
	return s
}

func (m *memPanel) Vendor() string { return "3x-ui" }
func (m *memPanel) Login(context.Context) error { return nil }

func (m *memPanel) ListInbounds(context.Context) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, in := range m.inbounds {
		out = append(out, copyMap(in))
	}
	return out, nil
}

func (m *memPanel) GetInbound(_ context.Context, id int) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	in, ok := m.inbounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: inbound %d not found", panel.ErrRejected, id)
	}
	return copyMap(in), nil
}

func (m *memPanel) UpdateInbound(_ context.Context, id int, inbound map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if _, ok := m.inbounds[id]; !ok {
		return fmt.Errorf("%w: inbound %d not found", panel.ErrRejected, id)
	}
	// the real panel round-trips through JSON
	b, err := json.Marshal(inbound)
	if err != nil {
		return err
	}
	var stored map[string]any
	if err := json.Unmarshal(b, &stored); err != nil {
		return err
	}
	m.inbounds[id] = stored
	return nil
}

func (m *memPanel) GetClientInfo(_ context.Context, id string) (*panel.ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hideNew {
		return nil, panel.ErrClientNotFound
	}
	for inboundID, in := range m.inbounds {
		s, _ := in["settings"].(string)
		if c, ok := panel.FindClient(s, id); ok {
			c.InboundID = inboundID
			return c, nil
		}
	}
	return nil, panel.ErrClientNotFound
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type env struct {
	store  *store.Store
	panels map[string]*memPanel
	agg    *Aggregator
	prov   *Provisioner
	de, nl model.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Connect(filepath.Join(t.TempDir(), "alamor.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { db.Close(conn) })

	e := &env{
		store:  store.New(conn),
		panels: map[string]*memPanel{"de": newMemPanel(), "nl": newMemPanel()},
		de: model.Server{
			Name: "de", PanelType: "3x-ui", PanelURL: "https://panel.de.example.com:2053",
			SubscriptionBaseURL: "https://de.example.com", IsActive: true,
		},
		nl: model.Server{Name: "nl", PanelType: "3x-ui", PanelURL: "http://panel.nl.example.com:54321", IsActive: true},
	}
	require.NoError(t, conn.Create(&e.de).Error)
	require.NoError(t, conn.Create(&e.nl).Error)

	factory := func(s *model.Server) (panel.Client, error) {
		p, ok := e.panels[s.Name]
		if !ok {
			return nil, fmt.Errorf("no panel for %s", s.Name)
		}
		return p, nil
	}
	e.agg = NewAggregator(e.store, syncer.New(e.store, factory), "Alamor")
	e.prov = NewProvisioner(e.store, factory, e.agg)
	return e
}

func (e *env) purchase(t *testing.T, p model.Purchase) *model.Purchase {
	t.Helper()
	p.IsActive = true
	require.NoError(t, e.store.CreatePurchase(context.Background(), &p))
	return &p
}
