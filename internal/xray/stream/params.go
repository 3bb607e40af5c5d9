// Package stream turns panel streamSettings blobs into typed transport and
// security parameters.
package stream

// Params is the transport/security pair of one inbound.
// Exactly one Transport variant and one Security variant are set.
type Params struct {
	Transport Transport
	Security  Security
}

// Default is tcp without security.
func Default() Params {
	return Params{Transport: TCP{}, Security: None{}}
}

func (p Params) Network() string {
	if p.Transport == nil {
		return "tcp"
	}
	return p.Transport.Network()
}

func (p Params) SecurityName() string {
	if p.Security == nil {
		return "none"
	}
	return p.Security.Name()
}

// Normalized replaces nil variants with their defaults.
func (p Params) Normalized() Params {
	if p.Transport == nil {
		p.Transport = TCP{}
	}
	if p.Security == nil {
		p.Security = None{}
	}
	return p
}

type Transport interface {
	Network() string
	transport()
}

type TCP struct {
	HeaderType string
}

type WS struct {
	Path string
	Host string
}

// HTTP covers the http, httpupgrade and h2 networks.
type HTTP struct {
	Kind   string
	Path   string
	Host   string
	Method string
}

type GRPC struct {
	ServiceName string
	MultiMode   bool
}

type KCP struct {
	MTU              int
	TTI              int
	UplinkCapacity   int
	DownlinkCapacity int
	Congestion       bool
	ReadBufferSize   int
	WriteBufferSize  int
	HeaderType       string
	Seed             string
	Alias            string // "mkcp" when the panel names the network that way
}

type QUIC struct {
	Security   string
	Key        string
	HeaderType string
}

// KCPAlias returns the spelling to keep for a kcp network name.
func KCPAlias(network string) string {
	if network == "mkcp" {
		return network
	}
	return ""
}

// Other keeps the name of a network this package does not model.
type Other struct {
	Name string
}

func (TCP) Network() string { return "tcp" }
func (WS) Network() string { return "ws" }
func (GRPC) Network() string { return "grpc" }
func (QUIC) Network() string { return "quic" }
func (o Other) Network() string { return o.Name }

func (k KCP) Network() string {
	if k.Alias != "" {
		return k.Alias
	}
	return "kcp"
}

func (h HTTP) Network() string {
	if h.Kind == "" {
		return "http"
	}
	return h.Kind
}

func (TCP) transport() {}
func (WS) transport() {}
func (HTTP) transport() {}
func (GRPC) transport() {}
func (KCP) transport() {}
func (QUIC) transport() {}
func (Other) transport() {}

type Security interface {
	Name() string
	security()
}

type None struct{}

type TLS struct {
	ServerName    string
	ALPN          []string
	Fingerprint   string
	AllowInsecure bool
	UTLS          bool
	ExternalProxy bool
}

type Reality struct {
	Dest        string
	Fingerprint string
	PublicKey   string
	ShortIDs    []string
	SpiderX     string
	ServerNames []string
}

func (None) Name() string { return "none" }
func (TLS) Name() string { return "tls" }
func (Reality) Name() string { return "reality" }

func (None) security() {}
func (TLS) security() {}
func (Reality) security() {}

// KCP defaults applied when kcpSettings omits a field.
const (
	DefaultKCPMTU              = 1350
	DefaultKCPTTI              = 50
	DefaultKCPUplinkCapacity   = 5
	DefaultKCPDownlinkCapacity = 20
	DefaultKCPBufferSize       = 2
)
