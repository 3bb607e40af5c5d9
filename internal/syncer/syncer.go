// Package syncer mirrors panel inbounds into the local synced_configs cache.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"alamor/internal/geoip"
	"alamor/internal/logger"
	"alamor/internal/model"
	"alamor/internal/panel"
	"alamor/internal/secret"
	"alamor/internal/store"
	"alamor/internal/xray/link"
)

var ErrServerInactive = errors.New("server is inactive")

// PanelFactory builds a panel client for a stored server.
type PanelFactory func(server *model.Server) (panel.Client, error)

// NewPanelFactory opens the sealed credentials with box and builds the
// vendor client for the server's panel type.
func NewPanelFactory(box *secret.Box, opts panel.Options) PanelFactory {
	return func(server *model.Server) (panel.Client, error) {
		password, err := store.ServerPassword(box, server)
		if err != nil {
			return nil, err
		}
		return panel.New(server.PanelType, panel.Credentials{
			URL:      server.PanelURL,
			Username: server.Username,
			Password: password,
		}, opts)
	}
}

type Synchronizer struct {
	store    *store.Store
	newPanel PanelFactory
	geo      *geoip.Resolver
	now      func() time.Time
}

type Option func(*Synchronizer)

// WithGeoIP fills the entry IP and country of servers that have none yet.
func WithGeoIP(r *geoip.Resolver) Option {
	return func(s *Synchronizer) { s.geo = r }
}

func New(st *store.Store, newPanel PanelFactory, opts ...Option) *Synchronizer {
	s := &Synchronizer{store: st, newPanel: newPanel, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run syncs every server concurrently. A failing server never affects the
// others; its outcome is reported in its own line. onDone, when set, is
// called once per server as it finishes.
func (s *Synchronizer) Run(ctx context.Context, servers []model.Server, onDone func(ServerResult)) Report {
	results := make([]ServerResult, len(servers))

	var wg sync.WaitGroup
	for i := range servers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := s.now()
			results[i] = s.syncServer(ctx, &servers[i])
			results[i].Duration = s.now().Sub(start)
			if onDone != nil {
				onDone(results[i])
			}
		}(i)
	}
	wg.Wait()

	return newReport(results)
}

func (s *Synchronizer) syncServer(ctx context.Context, server *model.Server) ServerResult {
	res := ServerResult{Server: server.Name, ServerID: server.ID}

	if !server.IsActive {
		res.Status = StatusSkipped
		res.Err = ErrServerInactive
		return res
	}

	fail := func(err error) ServerResult {
		res.Status = StatusFailed
		res.Err = err
		if markErr := s.store.MarkServerStatus(ctx, server.ID, false, s.now()); markErr != nil {
			logger.Log.Errorf("Failed to mark %s offline: %v", server.Name, markErr)
		}
		logger.Log.Warnf("❌ %s: %v", server.Name, err)
		return res
	}

	client, err := s.newPanel(server)
	if err != nil {
		return fail(err)
	}
	if err := client.Login(ctx); err != nil {
		return fail(err)
	}

	raws, err := client.ListInbounds(ctx)
	if err != nil {
		return fail(err)
	}

	for i, raw := range raws {
		if hasDetail(raw) {
			continue
		}
		id, ok := inboundID(raw)
		if !ok {
			continue
		}
		detail, err := client.GetInbound(ctx, id)
		if err != nil {
			// keep the summary; the stream part may be missing
			logger.Log.Debugf("%s: detail of inbound %d unavailable: %v", server.Name, id, err)
			continue
		}
		raws[i] = detail
	}

	inbounds, errs := panel.Normalize(client.Vendor(), server.ID, raws)
	for _, e := range errs {
		logger.Log.Warnf("%s: skipped inbound: %v", server.Name, e)
	}
	res.Skipped = len(errs)
	res.Inbounds = len(inbounds)

	upsert, err := s.store.UpsertSyncedConfigs(ctx, inbounds)
	if err != nil {
		return fail(err)
	}
	res.Rows = upsert
	res.Status = StatusOK

	if err := s.store.MarkServerStatus(ctx, server.ID, true, s.now()); err != nil {
		logger.Log.Errorf("Failed to mark %s online: %v", server.Name, err)
	}
	s.locate(ctx, server)

	logger.Log.Debugf("✅ %s: %d inbounds (%d new, %d updated, %d unchanged)",
		server.Name, res.Inbounds, upsert.Inserted, upsert.Updated, upsert.Unchanged)
	return res
}

func (s *Synchronizer) locate(ctx context.Context, server *model.Server) {
	if s.geo == nil || server.Country != "" {
		return
	}
	base := server.SubscriptionBaseURL
	if base == "" {
		base = server.PanelURL
	}
	loc, err := s.geo.Locate(ctx, link.HostFromURL(base))
	if err != nil {
		logger.Log.Debugf("%s: geoip lookup failed: %v", server.Name, err)
		return
	}
	if err := s.store.SetServerLocation(ctx, server.ID, loc.IP, loc.Country); err != nil {
		logger.Log.Errorf("Failed to store location of %s: %v", server.Name, err)
	}
}

// SyncInbound refreshes a single inbound of a server.
func (s *Synchronizer) SyncInbound(ctx context.Context, server *model.Server, inboundID int) error {
	if !server.IsActive {
		return fmt.Errorf("%s: %w", server.Name, ErrServerInactive)
	}
	client, err := s.newPanel(server)
	if err != nil {
		return err
	}
	raw, err := client.GetInbound(ctx, inboundID)
	if err != nil {
		return fmt.Errorf("%s inbound %d: %w", server.Name, inboundID, err)
	}

	inbounds, errs := panel.Normalize(client.Vendor(), server.ID, []map[string]any{raw})
	if len(errs) > 0 {
		return fmt.Errorf("%s inbound %d: %w", server.Name, inboundID, errs[0])
	}
	if _, err := s.store.UpsertSyncedConfigs(ctx, inbounds); err != nil {
		return err
	}
	return nil
}

// hasDetail reports whether a list entry already carries both settings blobs.
// Some vendors send settings in the summary but leave streamSettings out.
func hasDetail(raw map[string]any) bool {
	for _, key := range []string{"settings", "streamSettings"} {
		switch v := raw[key].(type) {
		case nil:
			return false
		case string:
			if v == "" {
				return false
			}
		}
	}
	return true
}

func inboundID(raw map[string]any) (int, bool) {
	switch v := raw["id"].(type) {
	case float64:
		return int(v), v > 0
	case int:
		return v, v > 0
	}
	return 0, false
}

type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

type ServerResult struct {
	Server   string
	ServerID uint
	Status   Status
	Inbounds int
	Skipped  int // panel entries that could not be normalized
	Rows     store.UpsertResult
	Err      error
	Duration time.Duration
}

func (r ServerResult) Line() string {
	switch r.Status {
	case StatusOK:
		line := fmt.Sprintf("✅ %s: %d inbounds, %d new, %d updated, %d unchanged",
			r.Server, r.Inbounds, r.Rows.Inserted, r.Rows.Updated, r.Rows.Unchanged)
		if r.Skipped > 0 {
			line += fmt.Sprintf(", %d malformed", r.Skipped)
		}
		return line
	case StatusSkipped:
		return fmt.Sprintf("⏭️  %s: skipped (%v)", r.Server, r.Err)
	default:
		return fmt.Sprintf("❌ %s: %v", r.Server, r.Err)
	}
}

// Report summarizes one sync pass.
type Report struct {
	Servers   []ServerResult
	Succeeded int
	Failed    int
	Skipped   int

	Inserted  int
	Updated   int
	Unchanged int
}

func newReport(results []ServerResult) Report {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Server < results[j].Server })
	r := Report{Servers: results}
	for _, res := range results {
		switch res.Status {
		case StatusOK:
			r.Succeeded++
		case StatusSkipped:
			r.Skipped++
		default:
			r.Failed++
		}
		r.Inserted += res.Rows.Inserted
		r.Updated += res.Rows.Updated
		r.Unchanged += res.Rows.Unchanged
	}
	return r
}

func (r Report) String() string {
	var b strings.Builder
	b.WriteString("🔄 Inbound sync report\n")
	for _, res := range r.Servers {
		b.WriteString(res.Line())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Servers: %d ok, %d failed, %d skipped | Rows: %d new, %d updated, %d unchanged",
		r.Succeeded, r.Failed, r.Skipped, r.Inserted, r.Updated, r.Unchanged)
	return b.String()
}
