package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrInvalidLinkFormat   = errors.New("invalid link format")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// ParseSample decodes an operator-supplied template link. Only VLESS is accepted.
func ParseSample(raw string) (*Link, error) {
	raw = FixIllegalUrl(raw)
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok || strings.ToLower(scheme) != "vless" {
		return nil, fmt.Errorf("%w: expected a vless:// link", ErrInvalidLinkFormat)
	}
	return parseURI(raw)
}

// Parse decodes any link this service produces (vless, vmess, trojan).
func Parse(raw string) (*Link, error) {
	raw = FixIllegalUrl(raw)
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme", ErrInvalidLinkFormat)
	}

	switch strings.ToLower(scheme) {
	case "vless", "trojan":
		return parseURI(raw)
	case "vmess":
		return parseVMess(raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, scheme)
	}
}

func parseURI(raw string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLinkFormat, err)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidLinkFormat)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidLinkFormat)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: bad port %q", ErrInvalidLinkFormat, u.Port())
	}

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLinkFormat, err)
	}
	query := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	return &Link{
		Protocol: strings.ToLower(u.Scheme),
		ID:       u.User.Username(),
		Host:     u.Hostname(),
		Port:     port,
		Remark:   u.Fragment,
		Query:    query,
		Raw:      raw,
	}, nil
}

type vmessJSON struct {
	V    interface{} `json:"v"`
	Ps   string      `json:"ps"`
	Add  string      `json:"add"`
	Port interface{} `json:"port"`
	Id   string      `json:"id"`
	Aid  interface{} `json:"aid"`
	Scy  string      `json:"scy"`
	Net  string      `json:"net"`
	Type string      `json:"type"`
	Host string      `json:"host"`
	Path string      `json:"path"`
	Tls  string      `json:"tls"`
	Sni  string      `json:"sni"`
	Alpn string      `json:"alpn"`
	Fp   string      `json:"fp"`
}

func parseVMess(raw string) (*Link, error) {
	b64 := raw[len("vmess://"):]
	jsonStr, err := DecodeBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: vmess base64: %v", ErrInvalidLinkFormat, err)
	}

	var v vmessJSON
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		return nil, fmt.Errorf("%w: vmess json: %v", ErrInvalidLinkFormat, err)
	}
	if v.Id == "" || v.Add == "" {
		return nil, fmt.Errorf("%w: vmess object without id or address", ErrInvalidLinkFormat)
	}

	port, _ := strconv.Atoi(fmt.Sprintf("%v", v.Port))

	q := map[string]string{}
	set := func(k, val string) {
		if val != "" {
			q[k] = val
		}
	}
	set("type", v.Net)
	if v.Tls != "none" {
		set("security", v.Tls)
	}
	set("sni", v.Sni)
	set("alpn", v.Alpn)
	set("fp", v.Fp)
	set("host", v.Host)
	if v.Net == "grpc" {
		set("serviceName", v.Path)
	} else {
		set("path", v.Path)
	}
	if v.Type != "none" {
		set("headerType", v.Type)
	}
	set("scy", v.Scy)

	return &Link{
		Protocol: "vmess",
		ID:       v.Id,
		Host:     v.Add,
		Port:     port,
		Remark:   v.Ps,
		Query:    q,
		Raw:      raw,
	}, nil
}

// FromFlat rebuilds a Link from its stored flat form.
func FromFlat(flat map[string]string) (*Link, error) {
	port, err := strconv.Atoi(flat[KeyPort])
	if err != nil {
		return nil, fmt.Errorf("%w: stored template has bad port %q", ErrInvalidLinkFormat, flat[KeyPort])
	}
	l := &Link{
		Protocol: flat[KeyProtocol],
		ID:       flat[KeyUUID],
		Host:     flat[KeyHostname],
		Port:     port,
		Remark:   flat[KeyRemark],
		Query:    make(map[string]string, len(flat)),
	}
	if l.Protocol == "" {
		l.Protocol = "vless"
	}
	for k, v := range flat {
		switch k {
		case KeyProtocol, KeyUUID, KeyHostname, KeyPort, KeyRemark:
		default:
			l.Query[k] = v
		}
	}
	return l, nil
}
