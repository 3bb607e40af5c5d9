// Package subscription builds and caches the link list a purchase's
// subscription URL serves.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"alamor/internal/logger"
	"alamor/internal/model"
	"alamor/internal/panel"
	"alamor/internal/store"
	"alamor/internal/xray/link"
	"alamor/internal/xray/parser"
	"alamor/internal/xray/stream"
)

var (
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrMissingTemplate   = errors.New("no template or synced config for inbound")
	ErrConfigUnavailable = errors.New("no config could be produced for the purchase")
)

// InboundSyncer refreshes one inbound from its panel.
type InboundSyncer interface {
	SyncInbound(ctx context.Context, server *model.Server, inboundID int) error
}

type Aggregator struct {
	store  *store.Store
	syncer InboundSyncer
	brand  string
}

// NewAggregator wires the aggregator; syncer may be nil, which disables the
// on-demand sync fallback.
func NewAggregator(st *store.Store, syncer InboundSyncer, brand string) *Aggregator {
	return &Aggregator{store: st, syncer: syncer, brand: brand}
}

// Document is the rendered subscription of one purchase.
type Document struct {
	PurchaseID uint
	SubID      string
	Links      []string
	Failed     []InboundFailure
	FromCache  bool
}

// String renders the document body: one link per line.
func (d *Document) String() string {
	return strings.Join(d.Links, "\n")
}

type InboundFailure struct {
	ServerID  uint
	InboundID int
	Err       error
}

func (f InboundFailure) Error() string {
	return fmt.Sprintf("server %d inbound %d: %v", f.ServerID, f.InboundID, f.Err)
}

func (f InboundFailure) Unwrap() error { return f.Err }

// Document serves the stored link list when there is one and rebuilds it
// otherwise.
func (a *Aggregator) Document(ctx context.Context, subID string) (*Document, error) {
	p, err := a.store.PurchaseBySubID(ctx, subID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPurchaseNotFound, subID)
		}
		return nil, err
	}
	if links, ok := store.Configs(p); ok {
		return &Document{PurchaseID: p.ID, SubID: p.SubID, Links: links, FromCache: true}, nil
	}
	return a.rebuild(ctx, p)
}

// Refresh rebuilds a purchase's list regardless of what is stored.
func (a *Aggregator) Refresh(ctx context.Context, purchaseID uint) (*Document, error) {
	p, err := a.store.Purchase(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: #%d", ErrPurchaseNotFound, purchaseID)
		}
		return nil, err
	}
	return a.rebuild(ctx, p)
}

// RefreshReport counts the outcome of RefreshAll.
type RefreshReport struct {
	Refreshed int
	Partial   int
	Failed    int
	Errors    []error
}

// RefreshAll rebuilds every active purchase, continuing past failures.
func (a *Aggregator) RefreshAll(ctx context.Context) (RefreshReport, error) {
	var rep RefreshReport
	purchases, err := a.store.ActivePurchases(ctx)
	if err != nil {
		return rep, err
	}
	for i := range purchases {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		doc, err := a.rebuild(ctx, &purchases[i])
		switch {
		case err != nil:
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Errorf("purchase #%d: %w", purchases[i].ID, err))
		case len(doc.Failed) > 0:
			rep.Partial++
		default:
			rep.Refreshed++
		}
	}
	return rep, nil
}

func (a *Aggregator) rebuild(ctx context.Context, p *model.Purchase) (*Document, error) {
	doc := &Document{PurchaseID: p.ID, SubID: p.SubID}
	r := &renderer{agg: a, purchase: p, servers: map[uint]*model.Server{}}

	for _, c := range p.Clients {
		out, err := r.inbound(ctx, c)
		if errors.Is(err, ErrMissingTemplate) && a.syncer != nil {
			out, err = r.syncAndRetry(ctx, c)
		}
		if err != nil {
			logger.Log.Warnf("Purchase #%d: server %d inbound %d not rendered: %v", p.ID, c.ServerID, c.InboundID, err)
			doc.Failed = append(doc.Failed, InboundFailure{ServerID: c.ServerID, InboundID: c.InboundID, Err: err})
			continue
		}
		doc.Links = append(doc.Links, out)
	}

	if len(doc.Links) == 0 {
		errs := make([]error, 0, len(doc.Failed)+1)
		errs = append(errs, ErrConfigUnavailable)
		for _, f := range doc.Failed {
			errs = append(errs, f)
		}
		return doc, errors.Join(errs...)
	}

	if err := a.store.SaveConfigs(ctx, p.ID, doc.Links); err != nil {
		return doc, fmt.Errorf("failed to persist rendered configs: %w", err)
	}
	logger.Log.Debugf("Purchase #%d rendered: %d links, %d failed inbounds", p.ID, len(doc.Links), len(doc.Failed))
	return doc, nil
}

// renderer carries per-rebuild lookups.
type renderer struct {
	agg      *Aggregator
	purchase *model.Purchase
	servers  map[uint]*model.Server
}

func (r *renderer) server(ctx context.Context, id uint) (*model.Server, error) {
	if s, ok := r.servers[id]; ok {
		return s, nil
	}
	s, err := r.agg.store.Server(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", id, err)
	}
	r.servers[id] = s
	return s, nil
}

func (r *renderer) syncAndRetry(ctx context.Context, c model.PurchaseClient) (string, error) {
	server, err := r.server(ctx, c.ServerID)
	if err != nil {
		return "", err
	}
	if err := r.agg.syncer.SyncInbound(ctx, server, c.InboundID); err != nil {
		return "", fmt.Errorf("%w (sync failed: %v)", ErrMissingTemplate, err)
	}
	return r.inbound(ctx, c)
}

// inbound renders one spanned inbound: captured template first, then the
// synced panel config.
func (r *renderer) inbound(ctx context.Context, c model.PurchaseClient) (string, error) {
	st := r.agg.store
	client := link.Identity{ID: c.UUID, Email: c.Email, Name: c.Name, Flow: c.Flow, Password: c.Password}

	synced, err := st.SyncedConfig(ctx, c.ServerID, c.InboundID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	inboundRemark := ""
	if synced != nil {
		inboundRemark = synced.Remark
		fillFromSettings(&client, synced.Settings)
	}
	label := r.label(client, inboundRemark)

	var tpl *store.Template
	if r.purchase.ProfileID != nil {
		tpl, err = st.ProfileInboundTemplate(ctx, *r.purchase.ProfileID, c.ServerID, c.InboundID)
	} else {
		tpl, err = st.ServerInboundTemplate(ctx, c.ServerID, c.InboundID)
	}
	switch {
	case err == nil:
		sample, ferr := parser.FromFlat(tpl.Params)
		if ferr != nil {
			return link.RenderRaw(tpl.Raw, client, label)
		}
		sample.Raw = tpl.Raw
		return link.RenderTemplate(sample, client, label)
	case tpl != nil:
		// params unreadable, the raw text still works
		return link.RenderRaw(tpl.Raw, client, label)
	case !errors.Is(err, store.ErrNotFound):
		return "", err
	}

	if synced == nil {
		return "", ErrMissingTemplate
	}
	server, err := r.server(ctx, c.ServerID)
	if err != nil {
		return "", err
	}
	base := server.SubscriptionBaseURL
	if base == "" {
		base = server.PanelURL
	}
	return link.Encode(synced.Protocol, link.Request{
		Client: client,
		Host:   link.HostFromURL(base),
		Port:   synced.Port,
		Params: stream.Extract(synced.StreamSettings),
		Label:  label,
	})
}

func (r *renderer) label(client link.Identity, inboundRemark string) string {
	if r.purchase.ClientRemark != "" {
		return link.RemarkLabel(r.purchase.ClientRemark, inboundRemark)
	}
	email := client.Email
	if email == "" {
		email = client.Name
	}
	return link.BrandLabel(r.agg.brand, email)
}

// fillFromSettings completes flow and password from the inbound's own
// client entry when the purchase row lacks them.
func fillFromSettings(client *link.Identity, settings string) {
	if client.Flow != "" && client.Password != "" {
		return
	}
	entry, ok := panel.FindClient(settings, client.ID)
	if !ok {
		return
	}
	if client.Flow == "" {
		client.Flow = entry.Flow
	}
	if client.Password == "" {
		client.Password = entry.Password
	}
	if client.Email == "" {
		client.Email = entry.Email
	}
}
