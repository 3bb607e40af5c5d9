package xray

import (
	"encoding/json"
	"testing"

	"alamor/internal/xray/parser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLinks(t *testing.T) {
	text := "Here is the sample:\r\n" +
		"vless://u@h.com:443?type=ws&path=%2Fws#A.\n" +
		"and again (vless://u@h.com:443?type=ws&path=%2Fws#A)\n" +
		"ss://ignored@h.com:1\n" +
		"trojan://pw@t.com:443#T"

	links := ExtractLinks(text)
	assert.Equal(t, []string{
		"vless://u@h.com:443?type=ws&path=%2Fws#A",
		"trojan://pw@t.com:443#T",
	}, links)

	assert.Equal(t, "trojan://pw@t.com:443#T", FirstLink(text, "trojan"))
	assert.Empty(t, FirstLink(text, "vmess"))
}

func TestToXrayConfig(t *testing.T) {
	l, err := parser.Parse("vless://11111111-2222-3333-4444-555555555555@h.com:443?type=ws&security=tls&sni=h.com&path=%2Fws&host=h.com&flow=xtls-rprx-vision#A")
	require.NoError(t, err)

	out, err := ToXrayConfig(l)
	require.NoError(t, err)
	assert.Equal(t, "vless", out.Protocol)
	require.NotNil(t, out.StreamSetting)
	require.NotNil(t, out.StreamSetting.Network)
	assert.Equal(t, "ws", string(*out.StreamSetting.Network))
	assert.Equal(t, "tls", out.StreamSetting.Security)

	var settings map[string]any
	require.NoError(t, json.Unmarshal(*out.Settings, &settings))
	server := settings["vnext"].([]any)[0].(map[string]any)
	assert.Equal(t, "h.com", server["address"])
	user := server["users"].([]any)[0].(map[string]any)
	assert.Equal(t, "xtls-rprx-vision", user["flow"])
	assert.Equal(t, "none", user["encryption"])
}

func TestToXrayConfigRejectsUnknownProtocol(t *testing.T) {
	_, err := ToXrayConfig(&parser.Link{Protocol: "wireguard"})
	assert.Error(t, err)
}

func TestValidateAcceptsWSLink(t *testing.T) {
	l, err := parser.Parse("vless://11111111-2222-3333-4444-555555555555@h.com:443?type=ws&security=tls&sni=h.com&path=%2Fws#A")
	require.NoError(t, err)
	assert.NoError(t, Validate(l))
}

func TestNewHostRecordsRejectedLinks(t *testing.T) {
	good, err := parser.Parse("vless://11111111-2222-3333-4444-555555555555@h.com:443?type=ws&security=tls&sni=h.com&path=%2Fws#Good")
	require.NoError(t, err)
	bad := &parser.Link{Protocol: "wireguard", Remark: "Bad"}

	host, err := NewHost([]*parser.Link{bad, good})
	require.NoError(t, err)
	defer host.Close()

	require.Len(t, host.Slots, 2)
	var rej *RejectedError
	require.ErrorAs(t, host.Slots[0].Err, &rej)
	assert.Equal(t, "Bad", rej.Remark)
	assert.Zero(t, host.Slots[0].Port)

	assert.NoError(t, host.Slots[1].Err)
	assert.Positive(t, host.Slots[1].Port)
}

func TestNewHostWithNothingToHost(t *testing.T) {
	_, err := NewHost([]*parser.Link{{Protocol: "wireguard", Remark: "W"}})
	assert.ErrorIs(t, err, ErrNothingHosted)
	var rej *RejectedError
	assert.ErrorAs(t, err, &rej)

	_, err = NewHost(nil)
	assert.Error(t, err)
}
