// Package link builds client configuration links for VLESS, VMess and Trojan inbounds.
package link

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"alamor/internal/xray/stream"
)

var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrMissingCredential   = errors.New("client has no id or password")
	ErrMissingAddress      = errors.New("missing host or port")
)

// Identity is the per-client credential on one inbound.
type Identity struct {
	ID       string
	Email    string
	Name     string
	Flow     string
	Password string // trojan only; falls back to ID
}

type Request struct {
	Client Identity
	Host   string
	Port   int
	Params stream.Params
	Label  string

	// Extra carries template keys outside the link grammar, emitted sorted before flow.
	Extra map[string]string
}

// Encode dispatches on the inbound protocol.
func Encode(protocol string, req Request) (string, error) {
	switch strings.ToLower(protocol) {
	case "vless":
		return EncodeVLESS(req)
	case "vmess":
		return EncodeVMess(req)
	case "trojan":
		return EncodeTrojan(req)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
}

func EncodeVLESS(req Request) (string, error) {
	if req.Client.ID == "" {
		return "", ErrMissingCredential
	}
	return uriLink("vless", req.Client.ID, req)
}

func EncodeTrojan(req Request) (string, error) {
	password := req.Client.Password
	if password == "" {
		password = req.Client.ID
	}
	if password == "" {
		return "", ErrMissingCredential
	}
	return uriLink("trojan", password, req)
}

func uriLink(scheme, user string, req Request) (string, error) {
	if req.Host == "" || req.Port <= 0 {
		return "", ErrMissingAddress
	}

	var sb strings.Builder
	sb.WriteString(scheme)
	sb.WriteString("://")
	sb.WriteString(url.User(user).String())
	sb.WriteByte('@')
	sb.WriteString(net.JoinHostPort(req.Host, strconv.Itoa(req.Port)))

	if q := streamQuery(req.Params, req.Extra, req.Client.Flow); len(q) > 0 {
		sb.WriteByte('?')
		sb.WriteString(q.encode())
	}

	sb.WriteByte('#')
	sb.WriteString(escapeFragment(req.Label))
	return sb.String(), nil
}

type vmessObject struct {
	V    string `json:"v"`
	Ps   string `json:"ps"`
	Add  string `json:"add"`
	Port int    `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Scy  string `json:"scy"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	Sni  string `json:"sni"`
	Alpn string `json:"alpn"`
	Fp   string `json:"fp"`
}

func EncodeVMess(req Request) (string, error) {
	if req.Client.ID == "" {
		return "", ErrMissingCredential
	}
	if req.Host == "" || req.Port <= 0 {
		return "", ErrMissingAddress
	}

	p := req.Params.Normalized()
	obj := vmessObject{
		V:    "2",
		Ps:   req.Label,
		Add:  req.Host,
		Port: req.Port,
		ID:   req.Client.ID,
		Aid:  "0",
		Scy:  "auto",
		Net:  p.Network(),
		Type: "none",
		TLS:  p.SecurityName(),
	}

	if tls, ok := p.Security.(stream.TLS); ok {
		obj.Sni = tls.ServerName
		obj.Alpn = strings.Join(tls.ALPN, ",")
		obj.Fp = tls.Fingerprint
	}

	switch t := p.Transport.(type) {
	case stream.WS:
		obj.Path, obj.Host = t.Path, t.Host
	case stream.HTTP:
		obj.Path, obj.Host = t.Path, t.Host
	case stream.GRPC:
		obj.Path = t.ServiceName
	case stream.TCP, stream.KCP, stream.QUIC, stream.Other:
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return "", fmt.Errorf("failed to encode vmess object: %w", err)
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	return "vmess://" + base64.StdEncoding.EncodeToString(payload), nil
}

// BrandLabel is the default link name: {brand}_{email}.
func BrandLabel(brand, email string) string {
	return brand + "_" + email
}

// RemarkLabel names a link after an operator remark and the inbound it targets.
func RemarkLabel(remark, inboundRemark string) string {
	if inboundRemark == "" {
		return remark
	}
	return remark + " - " + inboundRemark
}

// HostFromURL strips scheme, port and path from a panel or subscription base URL.
func HostFromURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if !strings.Contains(base, "://") {
		base = "//" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		rest := base[strings.Index(base, "//")+2:]
		rest, _, _ = strings.Cut(rest, "/")
		host, _, _ := strings.Cut(rest, ":")
		return host
	}
	return u.Hostname()
}

func escapeFragment(label string) string {
	return strings.ReplaceAll(url.QueryEscape(label), "+", "%20")
}
