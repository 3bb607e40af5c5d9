package xray

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"alamor/internal/logger"
	"alamor/internal/xray/parser"

	"github.com/xtls/xray-core/core"
	"github.com/xtls/xray-core/infra/conf"

	// Import distro to register all protocols/transports
	_ "github.com/xtls/xray-core/main/distro/all"
)

var ErrNothingHosted = errors.New("no link could be hosted")

// RejectedError is the per-link failure recorded when xray refuses an outbound.
type RejectedError struct {
	Protocol string
	Remark   string
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("xray rejected %s link %q: %v", e.Protocol, e.Remark, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Slot is where one link ended up: a loopback socks port, or why it has none.
type Slot struct {
	Port int
	Err  error
}

// Host is a running xray instance with one socks inbound per accepted link.
type Host struct {
	Slots    []Slot
	instance *core.Instance
}

// NewHost starts a single xray instance for links. Slots line up with links by
// index. A link xray refuses gets a *RejectedError in its slot; the host fails
// only when no link is left.
func NewHost(links []*parser.Link) (h *Host, err error) {
	if len(links) == 0 {
		return nil, errors.New("no links provided")
	}

	var instance *core.Instance
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Errorf("CRITICAL: Xray Core Panic recovered: %v", r)
			if instance != nil {
				instance.Close()
			}
			h, err = nil, fmt.Errorf("xray core panic: %v", r)
		}
	}()

	cfg := &conf.Config{
		LogConfig:    &conf.LogConfig{LogLevel: "none", AccessLog: "none", ErrorLog: "none"},
		RouterConfig: &conf.RouterConfig{},
	}
	slots := make([]Slot, len(links))
	var firstErr error

	for i, l := range links {
		out, err := buildOutbound(l)
		if err != nil {
			slots[i].Err = &RejectedError{Protocol: l.Protocol, Remark: l.Remark, Err: err}
			if firstErr == nil {
				firstErr = slots[i].Err
			}
			logger.Log.Debugf("Not hosting %s: %v", l.Remark, err)
			continue
		}

		port, err := freePort()
		if err != nil {
			return nil, err
		}
		tag := strconv.Itoa(i)
		out.Tag = "out_" + tag
		cfg.OutboundConfigs = append(cfg.OutboundConfigs, *out)
		cfg.InboundConfigs = append(cfg.InboundConfigs, socksInbound("in_"+tag, port))
		cfg.RouterConfig.RuleList = append(cfg.RouterConfig.RuleList, route("in_"+tag, out.Tag))
		slots[i].Port = port
	}

	if len(cfg.OutboundConfigs) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNothingHosted, firstErr)
	}

	pb, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if instance, err = core.New(pb); err != nil {
		return nil, err
	}
	if err := instance.Start(); err != nil {
		instance.Close()
		return nil, err
	}
	return &Host{Slots: slots, instance: instance}, nil
}

func (h *Host) Close() error {
	return h.instance.Close()
}

func socksInbound(tag string, port int) conf.InboundDetourConfig {
	p := uint32(port)
	return conf.InboundDetourConfig{
		Tag:      tag,
		Protocol: "socks",
		PortList: &conf.PortList{Range: []conf.PortRange{{From: p, To: p}}},
		Settings: toRawMessagePtr(`{"auth": "noauth", "udp": true}`),
		ListenOn: loopback(),
	}
}

func route(inTag, outTag string) json.RawMessage {
	return jsonRaw(map[string]interface{}{
		"type":        "field",
		"inboundTag":  []string{inTag},
		"outboundTag": outTag,
	})
}

// freePort asks the kernel for an unused loopback port. The listener is
// released before xray binds it.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func loopback() *conf.Address {
	var addr conf.Address
	_ = json.Unmarshal([]byte(`"127.0.0.1"`), &addr)
	return &addr
}

// muteLogs silences xray-core's direct stdout/stderr writes while a config builds.
func muteLogs() func() {
	stdout, stderr := os.Stdout, os.Stderr
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return func() {}
	}
	os.Stdout, os.Stderr = devNull, devNull
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		devNull.Close()
	}
}
