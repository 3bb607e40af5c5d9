package panel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Inbound is the canonical inbound shape every vendor is mapped to.
type Inbound struct {
	ServerID       uint
	InboundID      int
	Protocol       string
	Port           int
	Remark         string
	Settings       string
	StreamSettings string
	Enable         bool
}

// Normalizer maps one vendor inbound object to the canonical shape.
type Normalizer func(serverID uint, raw map[string]any) (Inbound, error)

var (
	normalizersMu sync.RWMutex
	normalizers   = map[string]Normalizer{}
)

func RegisterNormalizer(vendor string, n Normalizer) {
	normalizersMu.Lock()
	defer normalizersMu.Unlock()
	normalizers[vendor] = n
}

func init() {
	// All supported vendors share the x-ui inbound shape today.
	RegisterNormalizer("x-ui", canonical)
	RegisterNormalizer("3x-ui", canonical)
	RegisterNormalizer("alireza", canonical)
}

// Normalize converts a vendor payload. Entries that cannot be mapped are
// skipped and reported in errs; the rest are still returned.
func Normalize(vendor string, serverID uint, raws []map[string]any) (out []Inbound, errs []error) {
	normalizersMu.RLock()
	n, ok := normalizers[strings.ToLower(vendor)]
	normalizersMu.RUnlock()
	if !ok {
		n = canonical
	}

	for _, raw := range raws {
		in, err := n(serverID, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, in)
	}
	return out, errs
}

func canonical(serverID uint, raw map[string]any) (Inbound, error) {
	id, ok := number(raw["id"])
	if !ok || id <= 0 {
		return Inbound{}, fmt.Errorf("inbound without a usable id: %v", raw["id"])
	}
	port, _ := number(raw["port"])

	settings, err := jsonText(raw["settings"])
	if err != nil {
		return Inbound{}, fmt.Errorf("inbound %d settings: %w", id, err)
	}
	streamSettings, err := jsonText(raw["streamSettings"])
	if err != nil {
		return Inbound{}, fmt.Errorf("inbound %d streamSettings: %w", id, err)
	}

	enable := true
	if v, ok := raw["enable"].(bool); ok {
		enable = v
	}
	remark, _ := raw["remark"].(string)

	return Inbound{
		ServerID:       serverID,
		InboundID:      id,
		Protocol:       DetectProtocol(raw),
		Port:           port,
		Remark:         remark,
		Settings:       settings,
		StreamSettings: streamSettings,
		Enable:         enable,
	}, nil
}

var knownProtocols = map[string]bool{
	"vless": true, "vmess": true, "trojan": true, "shadowsocks": true,
	"dokodemo-door": true, "socks": true, "http": true, "wireguard": true,
}

// DetectProtocol reads protocol, then proxy_type, then proxyType.
func DetectProtocol(raw map[string]any) string {
	for _, key := range []string{"protocol", "proxy_type", "proxyType"} {
		v, _ := raw[key].(string)
		v = strings.ToLower(strings.TrimSpace(v))
		if knownProtocols[v] {
			return v
		}
	}
	if v, _ := raw["protocol"].(string); v != "" {
		return strings.ToLower(v)
	}
	return "other"
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// jsonText returns settings blobs as JSON text whether the panel sent
// them as a string or as a nested object.
func jsonText(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
