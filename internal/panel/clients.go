package panel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClientInfo is one entry of an inbound's settings.clients list.
type ClientInfo struct {
	InboundID int
	ID        string
	Email     string
	Flow      string
	Password  string
	Enable    bool
}

type settingsClient struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Flow     string `json:"flow"`
	Password string `json:"password"`
	Enable   *bool  `json:"enable"`
}

// ParseClients reads settings.clients from the settings JSON text.
func ParseClients(settings string) ([]ClientInfo, error) {
	if strings.TrimSpace(settings) == "" {
		return nil, nil
	}
	var doc struct {
		Clients []settingsClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(settings), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inbound settings: %w", err)
	}

	out := make([]ClientInfo, 0, len(doc.Clients))
	for _, c := range doc.Clients {
		out = append(out, ClientInfo{
			ID:       c.ID,
			Email:    c.Email,
			Flow:     c.Flow,
			Password: c.Password,
			Enable:   c.Enable == nil || *c.Enable,
		})
	}
	return out, nil
}

// FindClient looks a client up by id, or by password for trojan inbounds.
func FindClient(settings, id string) (*ClientInfo, bool) {
	clients, err := ParseClients(settings)
	if err != nil {
		return nil, false
	}
	for _, c := range clients {
		if (c.ID != "" && c.ID == id) || (c.ID == "" && c.Password == id) {
			found := c
			return &found, true
		}
	}
	return nil, false
}

// ClientSpec describes a client to create on an inbound.
type ClientSpec struct {
	ID         string
	Email      string
	Flow       string
	TotalGB    int64
	ExpiryTime int64 // unix millis, 0 = never
	SubID      string
}

// Entry renders the client in the panel's settings.clients shape.
func (s ClientSpec) Entry(protocol string) map[string]any {
	entry := map[string]any{
		"email":      s.Email,
		"limitIp":    0,
		"totalGB":    s.TotalGB,
		"expiryTime": s.ExpiryTime,
		"enable":     true,
		"tgId":       "",
		"subId":      s.SubID,
		"reset":      0,
	}
	switch strings.ToLower(protocol) {
	case "trojan":
		entry["password"] = s.ID
	case "vmess":
		entry["id"] = s.ID
		entry["alterId"] = 0
	default:
		entry["id"] = s.ID
		entry["flow"] = s.Flow
	}
	return entry
}

// AddClient appends entry to settings.clients, keeping every other settings key.
func AddClient(settings string, entry map[string]any) (string, error) {
	doc, err := settingsObject(settings)
	if err != nil {
		return "", err
	}
	clients, _ := doc["clients"].([]any)
	doc["clients"] = append(clients, entry)
	return marshalSettings(doc)
}

// RemoveClient drops the client with the given id or password.
func RemoveClient(settings, id string) (string, bool, error) {
	doc, err := settingsObject(settings)
	if err != nil {
		return "", false, err
	}
	clients, _ := doc["clients"].([]any)

	kept := make([]any, 0, len(clients))
	removed := false
	for _, raw := range clients {
		c, _ := raw.(map[string]any)
		if c != nil && (c["id"] == id || c["password"] == id) {
			removed = true
			continue
		}
		kept = append(kept, raw)
	}
	doc["clients"] = kept

	out, err := marshalSettings(doc)
	return out, removed, err
}

func settingsObject(settings string) (map[string]any, error) {
	doc := map[string]any{}
	if strings.TrimSpace(settings) == "" {
		return doc, nil
	}
	if err := json.Unmarshal([]byte(settings), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inbound settings: %w", err)
	}
	return doc, nil
}

func marshalSettings(doc map[string]any) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode inbound settings: %w", err)
	}
	return string(b), nil
}
