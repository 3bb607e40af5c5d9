package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"alamor/internal/logger"
)

// Extract parses a streamSettings payload. It accepts the JSON text the
// panels return, raw bytes, or an already decoded object. Extract never
// fails: malformed payloads are logged and yield Default().
func Extract(raw any) Params {
	m, err := asObject(raw)
	if err != nil {
		logger.Log.Warnf("Malformed stream settings, falling back to tcp/none: %v", err)
		return Default()
	}
	if m == nil {
		return Default()
	}

	network := strings.ToLower(str(m, "network"))
	if network == "" {
		network = "tcp"
	}
	security := strings.ToLower(str(m, "security"))

	return Params{
		Transport: extractTransport(network, m),
		Security:  extractSecurity(security, m),
	}
}

func extractTransport(network string, m map[string]any) Transport {
	switch network {
	case "tcp", "raw":
		return TCP{HeaderType: headerType(object(m, "tcpSettings"))}

	case "ws":
		ws := object(m, "wsSettings")
		out := WS{Path: str(ws, "path"), Host: str(ws, "host")}
		if h := str(object(ws, "headers"), "Host"); h != "" {
			out.Host = h
		}
		return out

	case "http", "h2":
		return httpTransport(network, object(m, "httpSettings"))

	case "httpupgrade":
		settings := object(m, "httpupgradeSettings")
		if settings == nil {
			settings = object(m, "httpSettings")
		}
		return httpTransport(network, settings)

	case "grpc":
		g := object(m, "grpcSettings")
		return GRPC{ServiceName: str(g, "serviceName"), MultiMode: boolean(g, "multiMode")}

	case "kcp", "mkcp":
		k := object(m, "kcpSettings")
		return KCP{
			MTU:              integer(k, "mtu", DefaultKCPMTU),
			TTI:              integer(k, "tti", DefaultKCPTTI),
			UplinkCapacity:   integer(k, "uplinkCapacity", DefaultKCPUplinkCapacity),
			DownlinkCapacity: integer(k, "downlinkCapacity", DefaultKCPDownlinkCapacity),
			Congestion:       boolean(k, "congestion"),
			ReadBufferSize:   integer(k, "readBufferSize", DefaultKCPBufferSize),
			WriteBufferSize:  integer(k, "writeBufferSize", DefaultKCPBufferSize),
			HeaderType:       headerType(k),
			Seed:             str(k, "seed"),
			Alias:            KCPAlias(network),
		}

	case "quic":
		q := object(m, "quicSettings")
		sec := str(q, "security")
		if sec == "" {
			sec = "none"
		}
		return QUIC{Security: sec, Key: str(q, "key"), HeaderType: headerType(q)}

	default:
		return Other{Name: network}
	}
}

func httpTransport(kind string, settings map[string]any) HTTP {
	h := HTTP{Kind: kind, Path: str(settings, "path"), Method: str(settings, "method")}
	if h.Method == "" {
		h.Method = "GET"
	}
	// host is a list for http/h2 and a string for httpupgrade
	if hosts := strList(settings, "host"); len(hosts) > 0 {
		h.Host = hosts[0]
	}
	if h.Host == "" {
		h.Host = str(object(settings, "headers"), "Host")
	}
	return h
}

func extractSecurity(security string, m map[string]any) Security {
	switch security {
	case "tls":
		t := object(m, "tlsSettings")
		inner := object(t, "settings")
		return TLS{
			ServerName:    str(t, "serverName"),
			ALPN:          strList(t, "alpn"),
			Fingerprint:   str(inner, "fingerprint"),
			AllowInsecure: boolean(inner, "allowInsecure"),
			UTLS:          boolean(inner, "utls"),
			ExternalProxy: boolean(t, "externalProxy") || len(list(m, "externalProxy")) > 0,
		}

	case "reality":
		r := object(m, "realitySettings")
		inner := object(r, "settings")
		return Reality{
			Dest:        str(r, "dest"),
			Fingerprint: firstStr(inner, r, "fingerprint"),
			PublicKey:   firstStr(inner, r, "publicKey"),
			ShortIDs:    strList(r, "shortIds"),
			SpiderX:     firstStr(inner, r, "spiderX"),
			ServerNames: firstList(r, inner, "serverNames", "serverName"),
		}

	default:
		return None{}
	}
}

func asObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		return decodeObject([]byte(v))
	case []byte:
		return decodeObject(v)
	case json.RawMessage:
		return decodeObject(v)
	default:
		return nil, fmt.Errorf("unexpected payload type %T", raw)
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	text := strings.TrimSpace(string(data))
	if text == "" || text == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// --- loose accessors ---

func object(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case string:
		// some panels nest JSON text
		inner, err := decodeObject([]byte(v))
		if err == nil {
			return inner
		}
	}
	return nil
}

func list(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]any)
	return v
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func strList(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

func boolean(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "1" || strings.EqualFold(v, "true")
	}
	return false
}

func integer(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func headerType(m map[string]any) string {
	return str(object(m, "header"), "type")
}

func firstStr(primary, fallback map[string]any, key string) string {
	if v := str(primary, key); v != "" {
		return v
	}
	return str(fallback, key)
}

func firstList(primary, fallback map[string]any, keys ...string) []string {
	for _, m := range []map[string]any{primary, fallback} {
		for _, k := range keys {
			if v := strList(m, k); len(v) > 0 {
				return v
			}
		}
	}
	return nil
}
