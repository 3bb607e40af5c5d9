package subscription

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"alamor/internal/logger"
	"alamor/internal/model"
	"alamor/internal/panel"
	"alamor/internal/store"
	"alamor/internal/syncer"

	"github.com/google/uuid"
)

// Provisioner creates and removes the panel clients behind a purchase.
type Provisioner struct {
	store  *store.Store
	panels syncer.PanelFactory
	agg    *Aggregator
	now    func() time.Time
}

func NewProvisioner(st *store.Store, panels syncer.PanelFactory, agg *Aggregator) *Provisioner {
	return &Provisioner{store: st, panels: panels, agg: agg, now: time.Now}
}

// Order describes a purchase to provision: either one server inbound or a
// whole profile.
type Order struct {
	UserID    int64
	ServerID  uint
	InboundID int
	ProfileID *uint
	Remark    string
	TotalGB   int64
	Duration  time.Duration // zero = no expiry
}

// NewSubID returns a fresh subscription id: a random UUID in hex.
func NewSubID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

type target struct {
	serverID  uint
	inboundID int
}

func (p *Provisioner) targets(ctx context.Context, o Order) ([]target, error) {
	if o.ProfileID == nil {
		if o.ServerID == 0 || o.InboundID <= 0 {
			return nil, errors.New("order needs a server inbound or a profile")
		}
		return []target{{o.ServerID, o.InboundID}}, nil
	}
	profile, err := p.store.Profile(ctx, *o.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("profile %d: %w", *o.ProfileID, err)
	}
	if !profile.IsActive || len(profile.Inbounds) == 0 {
		return nil, fmt.Errorf("profile %s has no inbounds", profile.Name)
	}
	out := make([]target, 0, len(profile.Inbounds))
	for _, pi := range profile.Inbounds {
		out = append(out, target{pi.ServerID, pi.InboundID})
	}
	return out, nil
}

// Create adds one client per spanned inbound, verifies each on its panel,
// stores the purchase and renders its first document. Clients created
// before a failure are removed again.
func (p *Provisioner) Create(ctx context.Context, o Order) (*model.Purchase, *Document, error) {
	o.Remark = sanitizeRemark(o.Remark)
	targets, err := p.targets(ctx, o)
	if err != nil {
		return nil, nil, err
	}

	subID := NewSubID()
	var expires *time.Time
	var expiryMillis int64
	if o.Duration > 0 {
		t := p.now().Add(o.Duration)
		expires = &t
		expiryMillis = t.UnixMilli()
	}

	var created []model.PurchaseClient
	for i, t := range targets {
		pc, err := p.addClient(ctx, t, i, o, subID, expiryMillis)
		if err != nil {
			p.rollback(ctx, created)
			return nil, nil, err
		}
		created = append(created, *pc)
	}

	purchase := &model.Purchase{
		UserID:       o.UserID,
		SubID:        subID,
		ServerID:     targets[0].serverID,
		InboundID:    targets[0].inboundID,
		ProfileID:    o.ProfileID,
		ClientRemark: o.Remark,
		IsActive:     true,
		ExpiresAt:    expires,
		Clients:      created,
	}
	if err := p.store.CreatePurchase(ctx, purchase); err != nil {
		p.rollback(ctx, created)
		return nil, nil, err
	}
	logger.Log.Infof("🛒 Purchase #%d created for user %d (%d inbounds)", purchase.ID, o.UserID, len(created))

	doc, err := p.agg.Refresh(ctx, purchase.ID)
	if err != nil {
		return purchase, doc, fmt.Errorf("purchase #%d stored but not rendered: %w", purchase.ID, err)
	}
	return purchase, doc, nil
}

func (p *Provisioner) addClient(ctx context.Context, t target, position int, o Order, subID string, expiryMillis int64) (*model.PurchaseClient, error) {
	server, err := p.store.Server(ctx, t.serverID)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", t.serverID, err)
	}
	client, err := p.panels(server)
	if err != nil {
		return nil, err
	}

	raw, err := client.GetInbound(ctx, t.inboundID)
	if err != nil {
		return nil, fmt.Errorf("%s inbound %d: %w", server.Name, t.inboundID, err)
	}
	normalized, errs := panel.Normalize(client.Vendor(), server.ID, []map[string]any{raw})
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s inbound %d: %w", server.Name, t.inboundID, errs[0])
	}
	in := normalized[0]

	id := uuid.NewString()
	spec := panel.ClientSpec{
		ID:         id,
		Email:      fmt.Sprintf("u%d-%s", o.UserID, id[:8]),
		Flow:       inboundFlow(in.Settings),
		TotalGB:    o.TotalGB << 30,
		ExpiryTime: expiryMillis,
		SubID:      subID,
	}
	if in.Protocol != "vless" {
		spec.Flow = ""
	}
	settings, err := panel.AddClient(in.Settings, spec.Entry(in.Protocol))
	if err != nil {
		return nil, err
	}
	raw["settings"] = settings
	if err := client.UpdateInbound(ctx, t.inboundID, raw); err != nil {
		return nil, fmt.Errorf("%s inbound %d: %w", server.Name, t.inboundID, err)
	}

	if _, err := client.GetClientInfo(ctx, id); err != nil {
		return nil, fmt.Errorf("%s inbound %d: client not visible after update: %w", server.Name, t.inboundID, err)
	}

	pc := &model.PurchaseClient{
		ServerID:  t.serverID,
		InboundID: t.inboundID,
		Position:  position,
		UUID:      id,
		Email:     spec.Email,
		Name:      o.Remark,
		Flow:      spec.Flow,
	}
	if in.Protocol == "trojan" {
		pc.Password = id
	}
	return pc, nil
}

// inboundFlow copies the flow the inbound's existing clients use.
func inboundFlow(settings string) string {
	clients, err := panel.ParseClients(settings)
	if err != nil {
		return ""
	}
	for _, c := range clients {
		if c.Flow != "" {
			return c.Flow
		}
	}
	return ""
}

func (p *Provisioner) rollback(ctx context.Context, created []model.PurchaseClient) {
	if err := p.removeClients(ctx, created); err != nil {
		logger.Log.Errorf("Rollback left clients behind: %v", err)
	}
}

func (p *Provisioner) removeClients(ctx context.Context, clients []model.PurchaseClient) error {
	var errs []error
	for _, c := range clients {
		if err := p.removeClient(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provisioner) removeClient(ctx context.Context, c model.PurchaseClient) error {
	server, err := p.store.Server(ctx, c.ServerID)
	if err != nil {
		return fmt.Errorf("server %d: %w", c.ServerID, err)
	}
	client, err := p.panels(server)
	if err != nil {
		return err
	}
	raw, err := client.GetInbound(ctx, c.InboundID)
	if err != nil {
		return fmt.Errorf("%s inbound %d: %w", server.Name, c.InboundID, err)
	}
	normalized, errs := panel.Normalize(client.Vendor(), server.ID, []map[string]any{raw})
	if len(errs) > 0 {
		return errs[0]
	}

	settings, removed, err := panel.RemoveClient(normalized[0].Settings, c.UUID)
	if err != nil {
		return err
	}
	if !removed {
		logger.Log.Debugf("%s inbound %d: client %s already gone", server.Name, c.InboundID, c.UUID)
		return nil
	}
	raw["settings"] = settings
	if err := client.UpdateInbound(ctx, c.InboundID, raw); err != nil {
		return fmt.Errorf("%s inbound %d: %w", server.Name, c.InboundID, err)
	}
	return nil
}

// Cancel removes the purchase's clients from their panels and deletes it.
// Nothing is deleted locally while a panel still holds one of the clients.
func (p *Provisioner) Cancel(ctx context.Context, purchaseID uint) error {
	purchase, err := p.store.Purchase(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: #%d", ErrPurchaseNotFound, purchaseID)
		}
		return err
	}
	if err := p.removeClients(ctx, purchase.Clients); err != nil {
		return fmt.Errorf("purchase #%d not cancelled: %w", purchaseID, err)
	}
	if err := p.store.DeletePurchase(ctx, purchaseID); err != nil {
		return err
	}
	logger.Log.Infof("🗑️  Purchase #%d cancelled", purchaseID)
	return nil
}

// FixSubIDs assigns a sub_id to active purchases that lack one and returns
// how many were fixed.
func (p *Provisioner) FixSubIDs(ctx context.Context) (int, error) {
	missing, err := p.store.PurchasesWithoutSubID(ctx)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, m := range missing {
		if err := p.store.SetSubID(ctx, m.ID, NewSubID()); err != nil {
			return fixed, fmt.Errorf("purchase #%d: %w", m.ID, err)
		}
		fixed++
	}
	return fixed, nil
}

// sanitizeRemark trims operator input used as a link label.
func sanitizeRemark(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}
