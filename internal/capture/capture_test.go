package capture

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"alamor/internal/config"
	"alamor/internal/db"
	"alamor/internal/secret"
	"alamor/internal/store"
	"alamor/internal/xray/parser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sampleA = "vless://11111111-1111-1111-1111-111111111111@de.example.com:443?type=ws&security=tls&sni=de.example.com&path=%2Fws#A"
	sampleB = "vless://22222222-2222-2222-2222-222222222222@de.example.com:8443?security=reality&pbk=key&sid=ab&sni=a.com#B"
)

func newTestManager(t *testing.T, ttl time.Duration, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	conn, err := db.Connect(filepath.Join(t.TempDir(), "alamor.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { db.Close(conn) })

	st := store.New(conn)
	box, err := secret.New("k")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.SeedServers(ctx, []config.ServerConfig{
		{Name: "de", PanelType: "3x-ui", PanelURL: "https://de.example.com", Inbounds: []int{3, 1}},
	}, box))
	require.NoError(t, st.SeedProfiles(ctx, []config.ProfileConfig{
		{Name: "combo", Inbounds: []config.ProfileInboundRef{{Server: "de", InboundID: 3}}},
	}))

	m, err := NewManager(st, ttl, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, st
}

func TestServerCaptureFlow(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	ctx := context.Background()
	de, err := st.ServerByName(ctx, "de")
	require.NoError(t, err)

	p, err := m.StartServer(ctx, "op", de)
	require.NoError(t, err)
	assert.Equal(t, AwaitingSample, p.State)
	assert.Equal(t, 1, p.Session.Current.InboundID, "inbounds are asked in id order")
	assert.Contains(t, p.Message, "de inbound 1")

	p, err = m.Submit(ctx, "op", "hello there")
	assert.ErrorIs(t, err, parser.ErrInvalidLinkFormat)
	assert.Equal(t, AwaitingSample, p.State)
	assert.Equal(t, 1, p.Session.Current.InboundID)

	p, err = m.Submit(ctx, "op", "vmess://eyJ2IjoiMiJ9")
	assert.ErrorIs(t, err, parser.ErrInvalidLinkFormat)
	assert.Equal(t, 1, p.Session.Current.InboundID)

	p, err = m.Submit(ctx, "op", "here you go:\n"+sampleA+"\nthanks")
	require.NoError(t, err)
	assert.Equal(t, AwaitingSample, p.State)
	assert.Equal(t, 3, p.Session.Current.InboundID)

	p, err = m.Submit(ctx, "op", sampleB)
	require.NoError(t, err)
	assert.Equal(t, Done, p.State)
	assert.Equal(t, 2, p.Captured)

	_, ok := m.Session("op")
	assert.False(t, ok)

	tpl, err := st.ServerInboundTemplate(ctx, de.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, sampleA, tpl.Raw)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", tpl.Params[parser.KeyUUID])

	tpl, err = st.ServerInboundTemplate(ctx, de.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, "reality", tpl.Params["security"])
}

func TestCaptureKeepsRemarkVerbatim(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	ctx := context.Background()
	de, err := st.ServerByName(ctx, "de")
	require.NoError(t, err)

	flagged := "vless://11111111-1111-1111-1111-111111111111@de.example.com:443?type=ws&path=%2Fws#🇩🇪 DE (main)"
	_, err = m.StartServer(ctx, "op", de)
	require.NoError(t, err)

	_, err = m.Submit(ctx, "op", "  "+flagged+"\r\n")
	require.NoError(t, err)
	_, err = m.Submit(ctx, "op", "second one:\n"+flagged+"\nok?")
	require.NoError(t, err)

	for _, id := range []int{1, 3} {
		tpl, err := st.ServerInboundTemplate(ctx, de.ID, id)
		require.NoError(t, err)
		assert.Equal(t, flagged, tpl.Raw)
		assert.Equal(t, "🇩🇪 DE (main)", tpl.Params[parser.KeyRemark])
	}
}

func TestDecodeSampleFallsBackToExtractedLink(t *testing.T) {
	l, err := decodeSample("use this (" + sampleA + ") please")
	require.NoError(t, err)
	assert.Equal(t, sampleA, l.Raw)

	_, err = decodeSample("vless://broken\nnothing else")
	assert.ErrorIs(t, err, parser.ErrInvalidLinkFormat)
}

func TestProfileCaptureFlow(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	ctx := context.Background()
	profile, err := st.ProfileByName(ctx, "combo")
	require.NoError(t, err)

	p, err := m.StartProfile(ctx, "op", profile)
	require.NoError(t, err)
	assert.Equal(t, "de", p.Session.Current.ServerName)

	p, err = m.Submit(ctx, "op", sampleB)
	require.NoError(t, err)
	assert.Equal(t, Done, p.State)

	tpl, err := st.ProfileInboundTemplate(ctx, profile.ID, profile.Inbounds[0].ServerID, 3)
	require.NoError(t, err)
	assert.Equal(t, sampleB, tpl.Raw)

	_, err = st.ServerInboundTemplate(ctx, profile.Inbounds[0].ServerID, 3)
	assert.ErrorIs(t, err, store.ErrNotFound, "profile captures do not touch server templates")
}

func TestValidatorRejectionKeepsInbound(t *testing.T) {
	calls := 0
	m, st := newTestManager(t, time.Minute, WithValidator(func(l *parser.Link) error {
		calls++
		if calls == 1 {
			return errors.New("bad transport")
		}
		return nil
	}))
	ctx := context.Background()
	de, err := st.ServerByName(ctx, "de")
	require.NoError(t, err)

	_, err = m.StartServer(ctx, "op", de)
	require.NoError(t, err)

	p, err := m.Submit(ctx, "op", sampleA)
	assert.ErrorIs(t, err, parser.ErrInvalidLinkFormat)
	assert.Equal(t, 1, p.Session.Current.InboundID)

	p, err = m.Submit(ctx, "op", sampleA)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Session.Current.InboundID)
}

func TestSkipAndCancel(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	ctx := context.Background()
	de, err := st.ServerByName(ctx, "de")
	require.NoError(t, err)

	_, err = m.Skip("nobody")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = m.Submit(ctx, "nobody", sampleA)
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.StartServer(ctx, "op", de)
	require.NoError(t, err)
	p, err := m.Skip("op")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Session.Current.InboundID)
	p, err = m.Skip("op")
	require.NoError(t, err)
	assert.Equal(t, Done, p.State)
	assert.Contains(t, p.Message, "2 skipped")

	_, err = m.StartServer(ctx, "op", de)
	require.NoError(t, err)
	m.Cancel("op")
	_, ok := m.Session("op")
	assert.False(t, ok)
}

func TestStartWithoutInbounds(t *testing.T) {
	m, st := newTestManager(t, time.Minute)
	ctx := context.Background()
	de, err := st.ServerByName(ctx, "de")
	require.NoError(t, err)
	de.ID = 999

	_, err = m.StartServer(ctx, "op", de)
	assert.ErrorIs(t, err, ErrNothingToCapture)
}

func TestSessionsExpire(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the session TTL")
	}
	m, st := newTestManager(t, time.Second)
	ctx := context.Background()
	de, err := st.ServerByName(ctx, "de")
	require.NoError(t, err)

	_, err = m.StartServer(ctx, "op", de)
	require.NoError(t, err)

	time.Sleep(2500 * time.Millisecond)
	_, err = m.Submit(ctx, "op", sampleA)
	assert.ErrorIs(t, err, ErrNoSession)
}
