package link

import (
	"net/url"
	"sort"
	"strings"

	"alamor/internal/xray/stream"
)

// derivedKeys are fully determined by Params and the client, so template
// copies of them are never carried over.
var derivedKeys = map[string]bool{
	"type":           true,
	"security":       true,
	"allowInsecure":  true,
	"insecure":       true,
	"allow_insecure": true,
	"utls":           true,
	"externalProxy":  true,
	"flow":           true,
}

type pair struct {
	key   string
	value string
}

// query is an ordered key=value list. Empty values are dropped.
type query []pair

func (q *query) add(key, value string) {
	if value == "" {
		return
	}
	*q = append(*q, pair{key, value})
}

func (q *query) flag(key string, on bool) {
	if on {
		*q = append(*q, pair{key, "1"})
	}
}

func (q query) has(key string) bool {
	for _, p := range q {
		if p.key == key {
			return true
		}
	}
	return false
}

func (q query) encode() string {
	var sb strings.Builder
	for i, p := range q {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(p.key)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}
	return sb.String()
}

// streamQuery renders the VLESS/Trojan parameter grammar:
// type, security, security keys, transport keys, extras, flow.
func streamQuery(p stream.Params, extra map[string]string, flow string) query {
	p = p.Normalized()
	var q query

	if network := p.Network(); network != "tcp" {
		q.add("type", network)
	}
	if sec := p.SecurityName(); sec != "none" {
		q.add("security", sec)
	}

	switch s := p.Security.(type) {
	case stream.TLS:
		q.add("sni", s.ServerName)
		q.add("alpn", strings.Join(s.ALPN, ","))
		q.add("fp", s.Fingerprint)
		q.flag("allowInsecure", s.AllowInsecure)
		q.flag("utls", s.UTLS)
		q.flag("externalProxy", s.ExternalProxy)
	case stream.Reality:
		q.add("dest", s.Dest)
		q.add("fp", s.Fingerprint)
		q.add("pbk", s.PublicKey)
		q.add("sid", strings.Join(s.ShortIDs, ","))
		q.add("spx", s.SpiderX)
		q.add("sni", strings.Join(s.ServerNames, ","))
	case stream.None:
	}

	switch t := p.Transport.(type) {
	case stream.WS:
		q.add("path", t.Path)
		q.add("host", t.Host)
	case stream.HTTP:
		q.add("path", t.Path)
		q.add("host", t.Host)
	case stream.GRPC:
		q.add("serviceName", t.ServiceName)
	case stream.TCP, stream.KCP, stream.QUIC, stream.Other:
		// no link keys
	}

	if len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			if derivedKeys[k] || q.has(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.add(k, extra[k])
		}
	}

	q.add("flow", flow)
	return q
}
