package subscription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"alamor/internal/model"
	"alamor/internal/xray/parser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioASample = "vless://uuid1@example.com:443?type=ws&security=tls&sni=example.com&path=%2Fws&host=example.com#MyRemark"

func captureSample(t *testing.T, e *env, serverID uint, inboundID int, raw string) {
	t.Helper()
	sample, err := parser.ParseSample(raw)
	require.NoError(t, err)
	require.NoError(t, e.store.CaptureServerInboundTemplate(context.Background(), serverID, inboundID, sample.Flat(), sample.Raw))
}

func TestTemplateRenderScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	captureSample(t, e, e.de.ID, 1, scenarioASample)

	e.purchase(t, model.Purchase{SubID: "suba", Clients: []model.PurchaseClient{
		{ServerID: e.de.ID, InboundID: 1, UUID: "uuid2", Email: "user2"},
	}})

	doc, err := e.agg.Document(ctx, "suba")
	require.NoError(t, err)
	assert.False(t, doc.FromCache)
	assert.Equal(t,
		"vless://uuid2@example.com:443?type=ws&security=tls&sni=example.com&path=%2Fws&host=example.com#Alamor_user2",
		doc.String())

	cached, err := e.agg.Document(ctx, "suba")
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, doc.Links, cached.Links)
	assert.Zero(t, e.panels["de"].gets)
}

func TestVMessFromSyncedConfig(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.panels["de"].put(2, "vmess", 443,
		`{"clients":[{"id":"vm-1","email":"u@x"}]}`,
		`{"network":"ws","security":"tls","tlsSettings":{"serverName":"de.example.com"},"wsSettings":{"path":"/vm"}}`)

	p := e.purchase(t, model.Purchase{SubID: "subb", Clients: []model.PurchaseClient{
		{ServerID: e.de.ID, InboundID: 2, UUID: "vm-1", Email: "u@x"},
	}})

	doc, err := e.agg.Refresh(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, doc.Links, 1)
	require.True(t, strings.HasPrefix(doc.Links[0], "vmess://"))

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(doc.Links[0], "vmess://"))
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(payload, &obj))
	assert.Equal(t, "de.example.com", obj["add"], "subscription base url wins over the panel url")
	assert.EqualValues(t, 443, obj["port"])
	assert.Equal(t, "vm-1", obj["id"])
	assert.Equal(t, "ws", obj["net"])
	assert.Equal(t, "tls", obj["tls"])
	assert.Equal(t, "/vm", obj["path"])
	assert.Equal(t, "de.example.com", obj["sni"])
	assert.Equal(t, "Alamor_u@x", obj["ps"])
}

func TestMissingStreamSettingsRendersPlainTCP(t *testing.T) {
	e := newEnv(t)
	e.panels["nl"].put(4, "vless", 8080, `{"clients":[{"id":"c-1","email":"c@x","flow":""}]}`, "")

	e.purchase(t, model.Purchase{SubID: "subc", Clients: []model.PurchaseClient{
		{ServerID: e.nl.ID, InboundID: 4, UUID: "c-1", Email: "c@x"},
	}})

	doc, err := e.agg.Document(context.Background(), "subc")
	require.NoError(t, err)
	assert.Equal(t, []string{"vless://c-1@panel.nl.example.com:8080#Alamor_c%40x"}, doc.Links)
}

func TestFlowComesFromInboundSettings(t *testing.T) {
	e := newEnv(t)
	e.panels["de"].put(5, "vless", 443,
		`{"clients":[{"id":"c-5","email":"f@x","flow":"xtls-rprx-vision"}]}`,
		`{"network":"tcp","security":"reality","realitySettings":{"serverNames":["a.com"],"shortIds":["ab"],"settings":{"publicKey":"pk","fingerprint":"chrome"}}}`)

	e.purchase(t, model.Purchase{SubID: "subf", Clients: []model.PurchaseClient{
		{ServerID: e.de.ID, InboundID: 5, UUID: "c-5", Email: "f@x"},
	}})

	doc, err := e.agg.Document(context.Background(), "subf")
	require.NoError(t, err)
	assert.Equal(t,
		"vless://c-5@de.example.com:443?security=reality&fp=chrome&pbk=pk&sid=ab&sni=a.com&flow=xtls-rprx-vision#Alamor_f%40x",
		doc.String())
}

func TestSyncFallbackRunsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.panels["de"].put(6, "trojan", 8443, `{"clients":[{"password":"pw-6","email":"t@x"}]}`, `{"network":"tcp","security":"tls"}`)

	e.purchase(t, model.Purchase{SubID: "subt", ClientRemark: "Gift", Clients: []model.PurchaseClient{
		{ServerID: e.de.ID, InboundID: 6, UUID: "pw-6"},
	}})

	doc, err := e.agg.Document(ctx, "subt")
	require.NoError(t, err)
	assert.Equal(t, []string{"trojan://pw-6@de.example.com:8443?security=tls#Gift%20-%20in-6"}, doc.Links)
	assert.Equal(t, 1, e.panels["de"].gets)

	_, err = e.store.SyncedConfig(ctx, e.de.ID, 6)
	assert.NoError(t, err, "fallback fills the cache")
}

func TestAllInboundsFailing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p := e.purchase(t, model.Purchase{SubID: "subx", Clients: []model.PurchaseClient{
		{ServerID: e.de.ID, InboundID: 9, UUID: "x"},
	}})

	doc, err := e.agg.Document(ctx, "subx")
	assert.ErrorIs(t, err, ErrConfigUnavailable)
	assert.ErrorIs(t, err, ErrMissingTemplate)
	require.NotNil(t, doc)
	assert.Len(t, doc.Failed, 1)

	stored, err := e.store.Purchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ConfigsJSON, "failed rebuilds are not cached")

	noSync := NewAggregator(e.store, nil, "Alamor")
	_, err = noSync.Refresh(ctx, p.ID)
	assert.ErrorIs(t, err, ErrMissingTemplate)
}

func TestPartialDocumentKeepsInboundOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	captureSample(t, e, e.de.ID, 1, scenarioASample)
	e.panels["nl"].put(4, "vless", 8080, `{"clients":[]}`, "")

	p := e.purchase(t, model.Purchase{SubID: "subp", Clients: []model.PurchaseClient{
		{ServerID: e.nl.ID, InboundID: 4, Position: 2, UUID: "n", Email: "n"},
		{ServerID: e.de.ID, InboundID: 99, Position: 1, UUID: "m", Email: "m"},
		{ServerID: e.de.ID, InboundID: 1, Position: 0, UUID: "d", Email: "d"},
	}})

	doc, err := e.agg.Refresh(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, doc.Links, 2)
	assert.True(t, strings.HasPrefix(doc.Links[0], "vless://d@example.com:443"))
	assert.True(t, strings.HasPrefix(doc.Links[1], "vless://n@panel.nl.example.com:8080"))
	require.Len(t, doc.Failed, 1)
	assert.Equal(t, 99, doc.Failed[0].InboundID)
}

func TestProfileTemplateWinsOverServerTemplate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	captureSample(t, e, e.de.ID, 1, scenarioASample)

	profile := model.Profile{Name: "combo", IsActive: true}
	require.NoError(t, e.store.DB().Create(&profile).Error)

	profileSample, err := parser.ParseSample("vless://p@cdn.example.com:2096?type=grpc&serviceName=svc&security=tls&sni=cdn.example.com#P")
	require.NoError(t, err)
	require.NoError(t, e.store.CaptureProfileInboundTemplate(ctx, profile.ID, e.de.ID, 1, profileSample.Flat(), profileSample.Raw))

	e.purchase(t, model.Purchase{SubID: "subprof", ProfileID: &profile.ID, Clients: []model.PurchaseClient{
		{ServerID: e.de.ID, InboundID: 1, UUID: "u", Email: "e"},
	}})

	doc, err := e.agg.Document(ctx, "subprof")
	require.NoError(t, err)
	assert.Equal(t, "vless://u@cdn.example.com:2096?type=grpc&security=tls&sni=cdn.example.com&serviceName=svc#Alamor_e", doc.String())
}

func TestCorruptTemplateFallsBackToRawText(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.DB().Create(&model.ServerInbound{
		ServerID: e.de.ID, InboundID: 1, IsActive: true,
		ConfigParams: "{not json", RawTemplate: scenarioASample,
	}).Error)

	e.purchase(t, model.Purchase{SubID: "subr", Clients: []model.PurchaseClient{
		{ServerID: e.de.ID, InboundID: 1, UUID: "uuid2", Email: "user2"},
	}})

	doc, err := e.agg.Document(context.Background(), "subr")
	require.NoError(t, err)
	assert.Equal(t,
		"vless://uuid2@example.com:443?type=ws&security=tls&sni=example.com&path=%2Fws&host=example.com#Alamor_user2",
		doc.String())
}

func TestUnknownSubscription(t *testing.T) {
	e := newEnv(t)
	_, err := e.agg.Document(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
	_, err = e.agg.Refresh(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
}

func TestRefreshAll(t *testing.T) {
	e := newEnv(t)
	captureSample(t, e, e.de.ID, 1, scenarioASample)

	e.purchase(t, model.Purchase{SubID: "ok", Clients: []model.PurchaseClient{{ServerID: e.de.ID, InboundID: 1, UUID: "a"}}})
	e.purchase(t, model.Purchase{SubID: "half", Clients: []model.PurchaseClient{
		{ServerID: e.de.ID, InboundID: 1, UUID: "b"},
		{ServerID: e.de.ID, InboundID: 50, UUID: "c", Position: 1},
	}})
	e.purchase(t, model.Purchase{SubID: "bad", Clients: []model.PurchaseClient{{ServerID: e.de.ID, InboundID: 51, UUID: "d"}}})

	rep, err := e.agg.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Refreshed)
	assert.Equal(t, 1, rep.Partial)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, rep.Errors, 1)
}
