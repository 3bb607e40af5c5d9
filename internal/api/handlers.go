package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"alamor/internal/logger"
	"alamor/internal/store"
	"alamor/internal/subscription"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"github.com/zeebo/xxh3"
)

func (s *Server) getSubscription(c *gin.Context) {
	subID := c.Param("subId")
	doc, err := s.deps.Subscriptions.Document(c.Request.Context(), subID)
	if err != nil {
		if errors.Is(err, subscription.ErrPurchaseNotFound) {
			c.String(http.StatusNotFound, "subscription not found")
			return
		}
		logger.Log.Errorf("❌ Subscription %s: %v", subID, err)
		c.String(http.StatusInternalServerError, "subscription unavailable")
		return
	}

	body := doc.String()
	etag := fmt.Sprintf(`"%016x"`, xxh3.HashString(body))
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	if match := c.GetHeader("If-None-Match"); match != "" && etagMatches(match, etag) {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body))
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func (s *Server) getQR(c *gin.Context) {
	subID := strings.TrimSpace(c.Param("subId"))
	if _, err := s.deps.Purchases.PurchaseBySubID(c.Request.Context(), subID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.String(http.StatusNotFound, "subscription not found")
			return
		}
		c.String(http.StatusInternalServerError, "lookup failed")
		return
	}

	png, err := qrcode.Encode(s.subscriptionURL(subID), qrcode.Medium, 256)
	if err != nil {
		c.String(http.StatusInternalServerError, "qr encoding failed")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) subscriptionURL(subID string) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/sub/" + subID
}

func (s *Server) postSync(c *gin.Context) {
	if s.deps.Sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync not configured"})
		return
	}
	rep := s.deps.Sync(c.Request.Context())

	servers := make([]gin.H, 0, len(rep.Servers))
	for _, r := range rep.Servers {
		entry := gin.H{
			"server":    r.Server,
			"status":    r.Status,
			"inbounds":  r.Inbounds,
			"malformed": r.Skipped,
			"inserted":  r.Rows.Inserted,
			"updated":   r.Rows.Updated,
			"unchanged": r.Rows.Unchanged,
		}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
		}
		servers = append(servers, entry)
	}
	c.JSON(http.StatusOK, gin.H{
		"servers":   servers,
		"succeeded": rep.Succeeded,
		"failed":    rep.Failed,
		"skipped":   rep.Skipped,
		"inserted":  rep.Inserted,
		"updated":   rep.Updated,
		"unchanged": rep.Unchanged,
	})
}

func (s *Server) postRefresh(c *gin.Context) {
	id, ok := purchaseID(c)
	if !ok {
		return
	}
	doc, err := s.deps.Subscriptions.Refresh(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, subscription.ErrPurchaseNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, documentJSON(doc))
}

func (s *Server) postRefreshAll(c *gin.Context) {
	ctx := c.Request.Context()
	fixed := 0
	if s.deps.Fixer != nil {
		n, err := s.deps.Fixer.FixSubIDs(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		fixed = n
	}

	rep, err := s.deps.Subscriptions.RefreshAll(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	errs := make([]string, 0, len(rep.Errors))
	for _, e := range rep.Errors {
		errs = append(errs, e.Error())
	}
	c.JSON(http.StatusOK, gin.H{
		"fixed_sub_ids": fixed,
		"refreshed":     rep.Refreshed,
		"partial":       rep.Partial,
		"failed":        rep.Failed,
		"errors":        errs,
	})
}

func (s *Server) getPurchase(c *gin.Context) {
	id, ok := purchaseID(c)
	if !ok {
		return
	}
	p, err := s.deps.Purchases.Purchase(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "purchase not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	links, rendered := store.Configs(p)
	clients := make([]gin.H, 0, len(p.Clients))
	for _, cl := range p.Clients {
		clients = append(clients, gin.H{"server_id": cl.ServerID, "inbound_id": cl.InboundID, "email": cl.Email})
	}
	out := gin.H{
		"id":         p.ID,
		"user_id":    p.UserID,
		"sub_id":     p.SubID,
		"active":     p.IsActive,
		"profile_id": p.ProfileID,
		"rendered":   rendered,
		"links":      links,
		"clients":    clients,
		"expires_at": p.ExpiresAt,
	}
	if p.SubID != "" {
		out["subscription_url"] = s.subscriptionURL(p.SubID)
	}
	c.JSON(http.StatusOK, out)
}

func purchaseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid purchase id"})
		return 0, false
	}
	return uint(id), true
}

func documentJSON(doc *subscription.Document) gin.H {
	failed := make([]gin.H, 0, len(doc.Failed))
	for _, f := range doc.Failed {
		failed = append(failed, gin.H{"server_id": f.ServerID, "inbound_id": f.InboundID, "error": f.Err.Error()})
	}
	return gin.H{
		"purchase_id": doc.PurchaseID,
		"sub_id":      doc.SubID,
		"links":       doc.Links,
		"failed":      failed,
	}
}
