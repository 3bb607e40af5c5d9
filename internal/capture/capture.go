// Package capture drives the operator flow that records one sample link
// per inbound. Sessions are keyed by operator and expire after a TTL.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alamor/internal/logger"
	"alamor/internal/model"
	"alamor/internal/store"
	"alamor/internal/xray"
	"alamor/internal/xray/parser"

	"github.com/maypok86/otter"
)

var (
	ErrNoSession        = errors.New("no capture session in progress")
	ErrNothingToCapture = errors.New("no inbounds to capture")
)

// Target is one inbound that needs a sample.
type Target struct {
	ServerID   uint
	ServerName string
	InboundID  int
	ProfileID  uint // zero for server captures
}

func (t Target) String() string {
	return fmt.Sprintf("%s inbound %d", t.ServerName, t.InboundID)
}

type State int

const (
	AwaitingSample State = iota
	Done
)

// Session is the AwaitingSample state: the inbound being asked for, the
// ones still queued and a human-readable context line.
type Session struct {
	Operator  string
	Context   string
	Current   Target
	Remaining []Target
	Captured  int
	Skipped   int
}

// Prompt is what the operator is shown after every transition.
type Prompt struct {
	State    State
	Session  Session
	Message  string
	Captured int
}

// Validator checks a decoded sample before it is stored.
type Validator func(*parser.Link) error

// XrayValidator builds the sample into an xray outbound.
func XrayValidator(l *parser.Link) error {
	return xray.Validate(l)
}

type Manager struct {
	store    *store.Store
	sessions otter.Cache[string, Session]
	validate Validator
	names    func(ctx context.Context, serverID uint) string
}

type Option func(*Manager)

func WithValidator(v Validator) Option {
	return func(m *Manager) { m.validate = v }
}

func NewManager(st *store.Store, ttl time.Duration, opts ...Option) (*Manager, error) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	cache, err := otter.MustBuilder[string, Session](1024).
		Cost(func(_ string, _ Session) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create capture session store: %w", err)
	}

	m := &Manager{store: st, sessions: cache}
	m.names = m.serverName
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Manager) Close() {
	m.sessions.Close()
}

// StartServer opens a session over the enabled inbounds of server.
func (m *Manager) StartServer(ctx context.Context, operator string, server *model.Server) (Prompt, error) {
	rows, err := m.store.ServerInbounds(ctx, server.ID)
	if err != nil {
		return Prompt{}, err
	}
	targets := make([]Target, 0, len(rows))
	for _, r := range rows {
		targets = append(targets, Target{ServerID: server.ID, ServerName: server.Name, InboundID: r.InboundID})
	}
	return m.start(operator, "server "+server.Name, targets)
}

// StartProfile opens a session over a profile's inbounds in position order.
func (m *Manager) StartProfile(ctx context.Context, operator string, profile *model.Profile) (Prompt, error) {
	targets := make([]Target, 0, len(profile.Inbounds))
	for _, pi := range profile.Inbounds {
		targets = append(targets, Target{
			ServerID:   pi.ServerID,
			ServerName: m.names(ctx, pi.ServerID),
			InboundID:  pi.InboundID,
			ProfileID:  profile.ID,
		})
	}
	return m.start(operator, "profile "+profile.Name, targets)
}

func (m *Manager) start(operator, label string, targets []Target) (Prompt, error) {
	if len(targets) == 0 {
		return Prompt{}, fmt.Errorf("%s: %w", label, ErrNothingToCapture)
	}
	s := Session{
		Operator:  operator,
		Context:   label,
		Current:   targets[0],
		Remaining: targets[1:],
	}
	m.sessions.Set(operator, s)
	logger.Log.Debugf("Capture session for %s started: %s, %d inbounds", operator, label, len(targets))
	return awaiting(s, ""), nil
}

func (m *Manager) Session(operator string) (Session, bool) {
	return m.sessions.Get(operator)
}

// Submit handles one pasted message. A message that holds no usable VLESS
// link keeps the session on the same inbound and returns a re-prompt with
// the decode error; there is no retry limit.
func (m *Manager) Submit(ctx context.Context, operator, text string) (Prompt, error) {
	s, ok := m.sessions.Get(operator)
	if !ok {
		return Prompt{}, ErrNoSession
	}

	sample, err := decodeSample(text)
	if err != nil {
		return awaiting(s, "That is not a valid VLESS link, send it again."), err
	}
	if m.validate != nil {
		if err := m.validate(sample); err != nil {
			return awaiting(s, "Xray rejected this link, send another one."), fmt.Errorf("%w: %v", parser.ErrInvalidLinkFormat, err)
		}
	}

	if err := m.storeSample(ctx, s.Current, sample); err != nil {
		return awaiting(s, "Could not save the sample, send it again."), err
	}
	logger.Log.Infof("📥 Captured template for %s (%s)", s.Current, s.Context)

	s.Captured++
	return m.advance(s), nil
}

// decodeSample prefers a line that is a vless link on its own, so the stored
// raw text keeps remarks with spaces or emoji verbatim. Links buried in prose
// are cut out with the link extractor.
func decodeSample(text string) (*parser.Link, error) {
	var lineErr error
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "vless://") {
			continue
		}
		sample, err := parser.ParseSample(line)
		if err == nil {
			return sample, nil
		}
		if lineErr == nil {
			lineErr = err
		}
	}

	if link := xray.FirstLink(text, "vless"); link != "" {
		return parser.ParseSample(link)
	}
	if lineErr != nil {
		return nil, lineErr
	}
	return parser.ParseSample(strings.TrimSpace(text))
}

// Skip leaves the current inbound without a template and moves on.
func (m *Manager) Skip(operator string) (Prompt, error) {
	s, ok := m.sessions.Get(operator)
	if !ok {
		return Prompt{}, ErrNoSession
	}
	s.Skipped++
	return m.advance(s), nil
}

func (m *Manager) Cancel(operator string) {
	m.sessions.Delete(operator)
}

func (m *Manager) storeSample(ctx context.Context, t Target, sample *parser.Link) error {
	if t.ProfileID != 0 {
		return m.store.CaptureProfileInboundTemplate(ctx, t.ProfileID, t.ServerID, t.InboundID, sample.Flat(), sample.Raw)
	}
	return m.store.CaptureServerInboundTemplate(ctx, t.ServerID, t.InboundID, sample.Flat(), sample.Raw)
}

func (m *Manager) advance(s Session) Prompt {
	if len(s.Remaining) == 0 {
		m.sessions.Delete(s.Operator)
		return Prompt{
			State:    Done,
			Session:  s,
			Captured: s.Captured,
			Message:  fmt.Sprintf("Done: %d templates captured, %d skipped for %s.", s.Captured, s.Skipped, s.Context),
		}
	}
	s.Current = s.Remaining[0]
	s.Remaining = s.Remaining[1:]
	m.sessions.Set(s.Operator, s)
	return awaiting(s, "")
}

func awaiting(s Session, message string) Prompt {
	if message == "" {
		message = fmt.Sprintf("Send a sample VLESS link for %s (%d left after this).", s.Current, len(s.Remaining))
	}
	return Prompt{State: AwaitingSample, Session: s, Message: message, Captured: s.Captured}
}

func (m *Manager) serverName(ctx context.Context, id uint) string {
	server, err := m.store.Server(ctx, id)
	if err != nil {
		return fmt.Sprintf("server #%d", id)
	}
	return server.Name
}
