// Package compliance blocks sends to recipients who opted out.
//
// The opt-out flag is set by an inbound keyword, a provider status webhook or
// an admin action, and cleared by an opt-in keyword or admin action. When the
// lookup itself fails the configured Policy decides; the default is to allow.
package compliance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"wagate/internal/audit"
	"wagate/internal/eventbus"
	"wagate/pkg/logx"
)

// Policy applies when the opt-out lookup errors.
type Policy string

const (
	PolicyAllow Policy = "allow"
	PolicyBlock Policy = "block"
)

func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyBlock)) {
		return PolicyBlock
	}
	return PolicyAllow
}

type Source string

const (
	SourceKeyword Source = "keyword"
	SourceWebhook Source = "webhook"
	SourceAdmin   Source = "admin"
)

var ErrBadRecipient = errors.New("compliance: empty recipient")

type OptOut struct {
	TenantID  string    `json:"tenant_id"`
	Recipient string    `json:"recipient"`
	Source    Source    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Store persists opt-out flags per tenant and recipient.
type Store interface {
	IsOptedOut(ctx context.Context, tenantID, recipient string) (bool, error)
	SetOptOut(ctx context.Context, o OptOut) error
	// ClearOptOut reports whether a flag was present.
	ClearOptOut(ctx context.Context, tenantID, recipient string) (bool, error)
}

// Decision is the full outcome of a gate check.
type Decision struct {
	Blocked bool
	// LookupErr is set when the store failed and Policy decided.
	LookupErr error
}

type Config struct {
	Policy         Policy
	OptOutKeywords []string
	OptInKeywords  []string
}

type Gate struct {
	store Store
	rec   audit.Recorder
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	policy   atomic.Value // Policy
	mu       sync.RWMutex
	optOutKW map[string]struct{}
	optInKW  map[string]struct{}
}

func New(store Store, cfg Config, rec audit.Recorder, bus eventbus.Bus, log logx.Logger) *Gate {
	if rec == nil {
		rec = audit.Nop()
	}
	g := &Gate{store: store, rec: rec, bus: bus, log: log.With(logx.String("comp", "compliance")), now: time.Now}
	g.Apply(cfg)
	return g
}

// Apply swaps policy and keyword lists.
func (g *Gate) Apply(cfg Config) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyAllow
	}
	g.policy.Store(cfg.Policy)
	g.mu.Lock()
	g.optOutKW = keywordSet(cfg.OptOutKeywords)
	g.optInKW = keywordSet(cfg.OptInKeywords)
	g.mu.Unlock()
}

func (g *Gate) Policy() Policy { return g.policy.Load().(Policy) }

func keywordSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = normalizeKeyword(w); w != "" {
			m[w] = struct{}{}
		}
	}
	return m
}

func normalizeKeyword(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
	return strings.ToUpper(s)
}

// NormalizeRecipient keeps digits only so "+62 812-345" and "62812345" match.
func NormalizeRecipient(r string) string {
	var b strings.Builder
	for _, c := range r {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return strings.TrimSpace(r)
	}
	return b.String()
}

// Check consults the store and applies Policy on lookup failure.
func (g *Gate) Check(ctx context.Context, tenantID, recipient string) Decision {
	out, err := g.store.IsOptedOut(ctx, tenantID, NormalizeRecipient(recipient))
	if err == nil {
		return Decision{Blocked: out}
	}
	pol := g.Policy()
	g.log.Warn("opt-out lookup failed; applying policy",
		logx.String("tenant", tenantID),
		logx.String("policy", string(pol)),
		logx.Err(err),
	)
	return Decision{Blocked: pol == PolicyBlock, LookupErr: err}
}

func (g *Gate) IsBlocked(ctx context.Context, tenantID, recipient string) bool {
	return g.Check(ctx, tenantID, recipient).Blocked
}

func (g *Gate) OptOut(ctx context.Context, tenantID, recipient string, src Source, reason string) error {
	r := NormalizeRecipient(recipient)
	if r == "" {
		return ErrBadRecipient
	}
	o := OptOut{TenantID: tenantID, Recipient: r, Source: src, Reason: reason, At: g.now().UTC()}
	if err := g.store.SetOptOut(ctx, o); err != nil {
		return err
	}
	g.rec.Record(audit.Record{Kind: audit.KindOptOut, TenantID: tenantID, Recipient: r, Actor: string(src),
		Meta: map[string]string{"reason": reason}})
	g.publish(eventbus.TopicRecipientOptOut, o)
	g.log.Info("recipient opted out", logx.String("tenant", tenantID), logx.Phone("recipient", r), logx.String("source", string(src)))
	return nil
}

func (g *Gate) OptIn(ctx context.Context, tenantID, recipient string, src Source) error {
	r := NormalizeRecipient(recipient)
	if r == "" {
		return ErrBadRecipient
	}
	was, err := g.store.ClearOptOut(ctx, tenantID, r)
	if err != nil {
		return err
	}
	if !was {
		return nil
	}
	g.rec.Record(audit.Record{Kind: audit.KindOptIn, TenantID: tenantID, Recipient: r, Actor: string(src)})
	g.publish(eventbus.TopicRecipientOptIn, OptOut{TenantID: tenantID, Recipient: r, Source: src, At: g.now().UTC()})
	g.log.Info("recipient opted in", logx.String("tenant", tenantID), logx.Phone("recipient", r), logx.String("source", string(src)))
	return nil
}

type KeywordAction string

const (
	KeywordNone   KeywordAction = ""
	KeywordOptOut KeywordAction = "opt_out"
	KeywordOptIn  KeywordAction = "opt_in"
)

// HandleInbound applies an opt-out or opt-in when the whole message body is a
// configured keyword.
func (g *Gate) HandleInbound(ctx context.Context, tenantID, recipient, text string) (KeywordAction, error) {
	kw := normalizeKeyword(text)
	g.mu.RLock()
	_, out := g.optOutKW[kw]
	_, in := g.optInKW[kw]
	g.mu.RUnlock()
	switch {
	case out:
		return KeywordOptOut, g.OptOut(ctx, tenantID, recipient, SourceKeyword, "keyword "+kw)
	case in:
		return KeywordOptIn, g.OptIn(ctx, tenantID, recipient, SourceKeyword)
	}
	return KeywordNone, nil
}

func (g *Gate) publish(topic string, data any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{Topic: topic, Time: g.now(), Data: data})
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]OptOut
	// Err, when set, is returned by every lookup.
	Err error
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{rows: map[string]OptOut{}} }

func memKey(tenantID, recipient string) string { return tenantID + "\x00" + recipient }

func (m *MemoryStore) IsOptedOut(_ context.Context, tenantID, recipient string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return false, m.Err
	}
	_, ok := m.rows[memKey(tenantID, recipient)]
	return ok, nil
}

func (m *MemoryStore) SetOptOut(_ context.Context, o OptOut) error {
	m.mu.Lock()
	m.rows[memKey(o.TenantID, o.Recipient)] = o
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ClearOptOut(_ context.Context, tenantID, recipient string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(tenantID, recipient)
	_, ok := m.rows[k]
	delete(m.rows, k)
	return ok, nil
}
