package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`brand_name: ShopVPN`))
	require.NoError(t, err)

	assert.Equal(t, "ShopVPN", cfg.BrandName)
	assert.Equal(t, "alamor.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Panel.Timeout)
	assert.Equal(t, 2, cfg.Panel.Retries)
	assert.Equal(t, 30*time.Minute, cfg.Capture.SessionTTL)
}

func TestParseServers(t *testing.T) {
	raw := `
http:
  public_url: https://sub.example.com/
servers:
  - name: de-1
    panel_url: https://de1.example.com:2053
    username: admin
    password: secret
  - name: nl-1
    panel_type: alireza
    panel_url: https://nl1.example.com
    active: false
profiles:
  - name: combo
    inbounds:
      - server: de-1
        inbound_id: 3
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	assert.Equal(t, "x-ui", cfg.Servers[0].PanelType)
	assert.True(t, cfg.Servers[0].IsActive())
	assert.False(t, cfg.Servers[1].IsActive())
	assert.Equal(t, "https://sub.example.com/sub/abc", cfg.SubscriptionURL("abc"))

	cfg.FilterServers([]string{"nl-1"})
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "nl-1", cfg.Servers[0].Name)
}

func TestParseRejectsBrokenConfigs(t *testing.T) {
	cases := map[string]string{
		"missing name":   "servers:\n  - panel_url: https://a\n",
		"duplicate name": "servers:\n  - {name: a, panel_url: https://a}\n  - {name: a, panel_url: https://b}\n",
		"missing url":    "servers:\n  - name: a\n",
		"unknown server": "profiles:\n  - name: p\n    inbounds:\n      - {server: ghost, inbound_id: 1}\n",
		"bad yaml":       "servers: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestSecretKeyFromEnv(t *testing.T) {
	t.Setenv("ALAMOR_SECRET_KEY", "from-env")
	cfg, err := Parse([]byte(`secret_key: from-file`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.SecretKey)
}

func TestIsWeakToken(t *testing.T) {
	assert.False(t, IsWeakToken(""))
	assert.True(t, IsWeakToken("admin"))
	assert.False(t, IsWeakToken("T7#qv9!Lm2@xR4$wZp8^"))
}
