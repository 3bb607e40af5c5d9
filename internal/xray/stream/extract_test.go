package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractWSWithTLS(t *testing.T) {
	raw := `{
		"network": "ws",
		"security": "tls",
		"tlsSettings": {
			"serverName": "cdn.example.com",
			"alpn": ["h2", "http/1.1"],
			"settings": {"fingerprint": "chrome", "allowInsecure": true}
		},
		"wsSettings": {"path": "/ws", "host": "ignored.example.com", "headers": {"Host": "cdn.example.com"}}
	}`

	p := Extract(raw)

	assert.Equal(t, "ws", p.Network())
	assert.Equal(t, WS{Path: "/ws", Host: "cdn.example.com"}, p.Transport)
	assert.Equal(t, TLS{
		ServerName:    "cdn.example.com",
		ALPN:          []string{"h2", "http/1.1"},
		Fingerprint:   "chrome",
		AllowInsecure: true,
	}, p.Security)
}

func TestExtractReality(t *testing.T) {
	raw := map[string]any{
		"network":  "tcp",
		"security": "reality",
		"realitySettings": map[string]any{
			"dest":        "www.microsoft.com:443",
			"serverNames": []any{"www.microsoft.com", "microsoft.com"},
			"shortIds":    []any{"6ba85179e30d4fc2", ""},
			"settings": map[string]any{
				"publicKey":   "pbk-value",
				"fingerprint": "firefox",
				"spiderX":     "/",
			},
		},
	}

	p := Extract(raw)

	assert.Equal(t, TCP{}, p.Transport)
	assert.Equal(t, Reality{
		Dest:        "www.microsoft.com:443",
		Fingerprint: "firefox",
		PublicKey:   "pbk-value",
		ShortIDs:    []string{"6ba85179e30d4fc2"},
		SpiderX:     "/",
		ServerNames: []string{"www.microsoft.com", "microsoft.com"},
	}, p.Security)
}

func TestExtractTransports(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Transport
	}{
		{
			name: "grpc",
			raw:  `{"network":"grpc","grpcSettings":{"serviceName":"svc","multiMode":true}}`,
			want: GRPC{ServiceName: "svc", MultiMode: true},
		},
		{
			name: "http with host list",
			raw:  `{"network":"http","httpSettings":{"path":"/h","host":["a.com","b.com"]}}`,
			want: HTTP{Kind: "http", Path: "/h", Host: "a.com", Method: "GET"},
		},
		{
			name: "httpupgrade",
			raw:  `{"network":"httpupgrade","httpupgradeSettings":{"path":"/up","host":"u.com"}}`,
			want: HTTP{Kind: "httpupgrade", Path: "/up", Host: "u.com", Method: "GET"},
		},
		{
			name: "mkcp defaults",
			raw:  `{"network":"mkcp"}`,
			want: KCP{MTU: 1350, TTI: 50, UplinkCapacity: 5, DownlinkCapacity: 20, ReadBufferSize: 2, WriteBufferSize: 2, Alias: "mkcp"},
		},
		{
			name: "kcp values",
			raw:  `{"network":"kcp","kcpSettings":{"mtu":1200,"congestion":true,"header":{"type":"wechat-video"},"seed":"s"}}`,
			want: KCP{MTU: 1200, TTI: 50, UplinkCapacity: 5, DownlinkCapacity: 20, Congestion: true, ReadBufferSize: 2, WriteBufferSize: 2, HeaderType: "wechat-video", Seed: "s"},
		},
		{
			name: "quic defaults",
			raw:  `{"network":"quic","quicSettings":{"key":"k"}}`,
			want: QUIC{Security: "none", Key: "k"},
		},
		{
			name: "tcp http header",
			raw:  `{"network":"tcp","tcpSettings":{"header":{"type":"http"}}}`,
			want: TCP{HeaderType: "http"},
		},
		{
			name: "unknown network",
			raw:  `{"network":"xhttp"}`,
			want: Other{Name: "xhttp"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Extract(tc.raw)
			assert.Equal(t, tc.want, p.Transport)
			assert.Equal(t, None{}, p.Security)
		})
	}
}

func TestExtractExternalProxyFromStreamLevel(t *testing.T) {
	raw := `{"network":"tcp","security":"tls","externalProxy":[{"dest":"x.com","port":443}],"tlsSettings":{}}`
	p := Extract(raw)

	tls, ok := p.Security.(TLS)
	require.True(t, ok)
	assert.True(t, tls.ExternalProxy)
}

func TestExtractNeverFails(t *testing.T) {
	inputs := []any{
		nil,
		"",
		"null",
		"{not json",
		[]byte("[1,2,3]"),
		json.RawMessage(`{}`),
		42,
	}

	for _, in := range inputs {
		assert.Equal(t, Default(), Extract(in))
	}
}

func TestExtractNestedJSONText(t *testing.T) {
	raw := map[string]any{
		"network":    "ws",
		"wsSettings": `{"path":"/nested"}`,
	}
	assert.Equal(t, WS{Path: "/nested"}, Extract(raw).Transport)
}
