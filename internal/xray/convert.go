package xray

import (
	"encoding/json"
	"fmt"
	"strings"

	"alamor/internal/logger"
	"alamor/internal/xray/parser"
	"alamor/internal/xray/stream"

	"github.com/xtls/xray-core/infra/conf"
)

// ToXrayConfig converts a decoded link into an Xray outbound config.
func ToXrayConfig(l *parser.Link) (*conf.OutboundDetourConfig, error) {
	var settings json.RawMessage

	switch l.Protocol {
	case "vless":
		settings = buildVLESS(l)
	case "vmess":
		settings = buildVMess(l)
	case "trojan":
		settings = buildTrojan(l)
	default:
		return nil, fmt.Errorf("protocol conversion not implemented: %s", l.Protocol)
	}

	streamSettings, err := buildStreamSettings(l.Params())
	if err != nil {
		return nil, err
	}

	return &conf.OutboundDetourConfig{
		Tag:           "proxy",
		Protocol:      l.Protocol,
		Settings:      &settings,
		StreamSetting: streamSettings,
	}, nil
}

// Validate checks that xray-core accepts the link as an outbound.
func Validate(l *parser.Link) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Errorf("Xray config builder panicked on %s link: %v", l.Protocol, r)
			err = fmt.Errorf("xray core panic: %v", r)
		}
	}()

	_, err = buildOutbound(l)
	return err
}

// buildOutbound converts l and has xray-core build it once, so a config that
// passes here is safe to hand to core.New.
func buildOutbound(l *parser.Link) (*conf.OutboundDetourConfig, error) {
	outConfig, err := ToXrayConfig(l)
	if err != nil {
		return nil, err
	}

	restore := muteLogs()
	defer restore()
	if _, err := outConfig.Build(); err != nil {
		return nil, fmt.Errorf("xray rejected outbound: %w", err)
	}
	return outConfig, nil
}

// --- JSON Builders ---

func buildVMess(l *parser.Link) json.RawMessage {
	security := l.Get("scy")
	if security == "" {
		security = "auto"
	}
	return jsonRaw(map[string]interface{}{
		"vnext": []interface{}{
			map[string]interface{}{
				"address": l.Host,
				"port":    l.Port,
				"users": []interface{}{
					map[string]interface{}{
						"id":       l.ID,
						"alterId":  0,
						"security": security,
					},
				},
			},
		},
	})
}

func buildVLESS(l *parser.Link) json.RawMessage {
	encryption := l.Get("encryption")
	if encryption == "" {
		encryption = "none"
	}
	return jsonRaw(map[string]interface{}{
		"vnext": []interface{}{
			map[string]interface{}{
				"address": l.Host,
				"port":    l.Port,
				"users": []interface{}{
					map[string]interface{}{
						"id":         l.ID,
						"encryption": encryption,
						"flow":       l.Flow(),
					},
				},
			},
		},
	})
}

func buildTrojan(l *parser.Link) json.RawMessage {
	return jsonRaw(map[string]interface{}{
		"servers": []interface{}{
			map[string]interface{}{
				"address":  l.Host,
				"port":     l.Port,
				"password": l.ID,
				"flow":     l.Flow(),
			},
		},
	})
}

// buildStreamSettings renders the typed parameters in xray's streamSettings
// JSON shape and lets conf.StreamConfig decode it.
func buildStreamSettings(p stream.Params) (*conf.StreamConfig, error) {
	p = p.Normalized()
	settings := map[string]interface{}{
		"network":  p.Network(),
		"security": p.SecurityName(),
	}

	switch s := p.Security.(type) {
	case stream.TLS:
		tls := map[string]interface{}{
			"serverName":    s.ServerName,
			"fingerprint":   s.Fingerprint,
			"allowInsecure": s.AllowInsecure,
		}
		if len(s.ALPN) > 0 {
			tls["alpn"] = s.ALPN
		}
		settings["tlsSettings"] = tls
	case stream.Reality:
		settings["realitySettings"] = map[string]interface{}{
			"fingerprint": s.Fingerprint,
			"serverName":  first(s.ServerNames),
			"publicKey":   s.PublicKey,
			"shortId":     first(s.ShortIDs),
			"spiderX":     s.SpiderX,
		}
	case stream.None:
	}

	switch t := p.Transport.(type) {
	case stream.TCP:
		if t.HeaderType == "http" {
			settings["tcpSettings"] = map[string]interface{}{
				"header": map[string]interface{}{"type": "http"},
			}
		}
	case stream.WS:
		ws := map[string]interface{}{"path": t.Path}
		if t.Host != "" {
			ws["headers"] = map[string]string{"Host": t.Host}
		}
		settings["wsSettings"] = ws
	case stream.HTTP:
		key := "httpSettings"
		var host interface{} = []string{t.Host}
		if t.Kind == "httpupgrade" {
			key = "httpupgradeSettings"
			host = t.Host
		}
		if t.Host == "" {
			host = nil
		}
		settings[key] = map[string]interface{}{"path": t.Path, "host": host}
	case stream.GRPC:
		settings["grpcSettings"] = map[string]interface{}{
			"serviceName": t.ServiceName,
			"multiMode":   t.MultiMode,
		}
	case stream.KCP:
		kcp := map[string]interface{}{
			"mtu":              t.MTU,
			"tti":              t.TTI,
			"uplinkCapacity":   t.UplinkCapacity,
			"downlinkCapacity": t.DownlinkCapacity,
			"congestion":       t.Congestion,
		}
		if t.Seed != "" {
			kcp["seed"] = t.Seed
		}
		settings["kcpSettings"] = kcp
	case stream.QUIC, stream.Other:
		// passed through by network name only
	}

	var sc conf.StreamConfig
	if err := json.Unmarshal(jsonRaw(settings), &sc); err != nil {
		return nil, fmt.Errorf("failed to build stream settings for %s: %w", p.Network(), err)
	}
	return &sc, nil
}

// --- Internal Helper Functions ---

func jsonRaw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return json.RawMessage(b)
}

func first(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return strings.TrimSpace(list[0])
}

func toRawMessagePtr(s string) *json.RawMessage {
	msg := json.RawMessage(s)
	return &msg
}
