package parser

import (
	"strconv"
	"strings"

	"alamor/internal/xray/stream"
)

// Link is a decoded configuration link.
// Query holds the flat transport/security keys; for VMess they are
// synthesized from the encoded object.
type Link struct {
	Protocol string // vless, vmess, trojan
	ID       string // uuid, or password for trojan
	Host     string
	Port     int
	Remark   string
	Query    map[string]string
	Raw      string
}

// Flat keys describing the endpoint itself; everything else comes from the query.
const (
	KeyProtocol = "protocol"
	KeyUUID     = "uuid"
	KeyHostname = "hostname"
	KeyPort     = "port"
	KeyRemark   = "remark"
)

// Flat is the machine form stored with a captured template.
func (l *Link) Flat() map[string]string {
	out := make(map[string]string, len(l.Query)+5)
	for k, v := range l.Query {
		out[k] = v
	}
	out[KeyProtocol] = l.Protocol
	out[KeyUUID] = l.ID
	out[KeyHostname] = l.Host
	out[KeyPort] = strconv.Itoa(l.Port)
	out[KeyRemark] = l.Remark
	return out
}

func (l *Link) Get(key string) string {
	return l.Query[key]
}

func (l *Link) Flow() string {
	return l.Query["flow"]
}

// Params maps the query back onto typed stream parameters.
func (l *Link) Params() stream.Params {
	q := l.Query
	return stream.Params{
		Transport: queryTransport(q),
		Security:  querySecurity(q),
	}
}

func queryTransport(q map[string]string) stream.Transport {
	network := strings.ToLower(q["type"])
	switch network {
	case "", "tcp", "raw":
		return stream.TCP{HeaderType: q["headerType"]}
	case "ws":
		return stream.WS{Path: q["path"], Host: q["host"]}
	case "http", "h2", "httpupgrade":
		return stream.HTTP{Kind: network, Path: q["path"], Host: q["host"], Method: "GET"}
	case "grpc":
		return stream.GRPC{ServiceName: q["serviceName"], MultiMode: q["mode"] == "multi"}
	case "kcp", "mkcp":
		return stream.KCP{
			MTU:              stream.DefaultKCPMTU,
			TTI:              stream.DefaultKCPTTI,
			UplinkCapacity:   stream.DefaultKCPUplinkCapacity,
			DownlinkCapacity: stream.DefaultKCPDownlinkCapacity,
			ReadBufferSize:   stream.DefaultKCPBufferSize,
			WriteBufferSize:  stream.DefaultKCPBufferSize,
			HeaderType:       q["headerType"],
			Seed:             q["seed"],
			Alias:            stream.KCPAlias(network),
		}
	case "quic":
		sec := q["quicSecurity"]
		if sec == "" {
			sec = "none"
		}
		return stream.QUIC{Security: sec, Key: q["key"], HeaderType: q["headerType"]}
	default:
		return stream.Other{Name: network}
	}
}

func querySecurity(q map[string]string) stream.Security {
	switch strings.ToLower(q["security"]) {
	case "tls":
		return stream.TLS{
			ServerName:    q["sni"],
			ALPN:          splitList(q["alpn"]),
			Fingerprint:   q["fp"],
			AllowInsecure: flag(q, "allowInsecure", "insecure", "allow_insecure"),
			UTLS:          flag(q, "utls"),
			ExternalProxy: flag(q, "externalProxy"),
		}
	case "reality":
		return stream.Reality{
			Dest:        q["dest"],
			Fingerprint: q["fp"],
			PublicKey:   q["pbk"],
			ShortIDs:    splitList(q["sid"]),
			SpiderX:     q["spx"],
			ServerNames: splitList(q["sni"]),
		}
	default:
		return stream.None{}
	}
}
