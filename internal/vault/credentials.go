package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wagate/internal/audit"
	"wagate/pkg/logx"
)

var ErrNoCredential = errors.New("vault: no credential for channel")

// Credential is the at-rest form of a channel's access token. Sealed is the
// only form that is ever persisted.
type Credential struct {
	TenantID  string
	ChannelID string
	// AccountID is the business account used for template submission.
	AccountID string
	Sealed    string
	UpdatedAt time.Time
}

type CredentialStore interface {
	GetCredential(ctx context.Context, tenantID, channelID string) (Credential, error)
	PutCredential(ctx context.Context, c Credential) error
	// SwapCredential stores c only while the row still holds oldSealed and
	// reports whether it did.
	SwapCredential(ctx context.Context, c Credential, oldSealed string) (bool, error)
	ListCredentials(ctx context.Context) ([]Credential, error)
}

// Credentials hands out plaintext tokens for a single call at a time.
type Credentials struct {
	store CredentialStore
	keys  *Keyring
	rec   audit.Recorder
	log   logx.Logger
	now   func() time.Time
}

func NewCredentials(store CredentialStore, keys *Keyring, rec audit.Recorder, log logx.Logger) *Credentials {
	if rec == nil {
		rec = audit.Nop()
	}
	return &Credentials{store: store, keys: keys, rec: rec, log: log.With(logx.String("comp", "vault")), now: time.Now}
}

// Token fetches and decrypts the current token for a channel. Callers keep the
// result only for the duration of one upstream call.
func (c *Credentials) Token(ctx context.Context, tenantID, channelID string) (string, Credential, error) {
	cred, err := c.store.GetCredential(ctx, tenantID, channelID)
	if err != nil {
		return "", Credential{}, err
	}
	pt, err := c.keys.Decrypt(cred.Sealed, tenantID)
	if err != nil {
		return "", Credential{}, fmt.Errorf("vault: open credential %s/%s: %w", tenantID, channelID, err)
	}
	c.rec.Record(audit.Record{Kind: audit.KindCredentialUsed, TenantID: tenantID,
		Meta: map[string]string{"channel": channelID, "key_version": versionOf(cred.Sealed)}})
	return string(pt), cred, nil
}

// Put seals token under the active key and stores it.
func (c *Credentials) Put(ctx context.Context, tenantID, channelID, accountID, token string) error {
	sealed, err := c.keys.Encrypt([]byte(token), tenantID)
	if err != nil {
		return err
	}
	err = c.store.PutCredential(ctx, Credential{
		TenantID:  tenantID,
		ChannelID: channelID,
		AccountID: accountID,
		Sealed:    sealed,
		UpdatedAt: c.now().UTC(),
	})
	if err != nil {
		return err
	}
	c.rec.Record(audit.Record{Kind: audit.KindCredentialStored, TenantID: tenantID,
		Meta: map[string]string{"channel": channelID, "key_version": c.keys.Active()}})
	return nil
}

// Rotate re-encrypts every credential not yet under the active key and
// returns how many were rewritten. Running it twice rewrites nothing the
// second time. A credential replaced while rotation runs is left alone.
func (c *Credentials) Rotate(ctx context.Context) (int, error) {
	all, err := c.store.ListCredentials(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, cred := range all {
		out, changed, err := c.keys.Reencrypt(cred.Sealed, cred.TenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", cred.TenantID, cred.ChannelID, err))
			continue
		}
		if !changed {
			continue
		}
		prev := cred.Sealed
		cred.Sealed, cred.UpdatedAt = out, c.now().UTC()
		swapped, err := c.store.SwapCredential(ctx, cred, prev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !swapped {
			c.log.Debug("credential changed during rotation; skipped",
				logx.String("tenant", cred.TenantID), logx.String("channel", cred.ChannelID))
			continue
		}
		n++
	}
	if n > 0 {
		c.log.Info("credentials re-encrypted", logx.Int("count", n), logx.String("key_version", c.keys.Active()))
	}
	return n, errors.Join(errs...)
}

func versionOf(sealed string) string {
	s, err := Parse(sealed)
	if err != nil {
		return ""
	}
	return s.Version
}

// MemoryCredentialStore is an in-process CredentialStore.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	rows map[string]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{rows: map[string]Credential{}}
}

func (m *MemoryCredentialStore) GetCredential(_ context.Context, tenantID, channelID string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.rows[tenantID+"\x00"+channelID]
	if !ok {
		return Credential{}, ErrNoCredential
	}
	return c, nil
}

func (m *MemoryCredentialStore) PutCredential(_ context.Context, c Credential) error {
	m.mu.Lock()
	m.rows[c.TenantID+"\x00"+c.ChannelID] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryCredentialStore) SwapCredential(_ context.Context, c Credential, oldSealed string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := c.TenantID + "\x00" + c.ChannelID
	if cur, ok := m.rows[k]; !ok || cur.Sealed != oldSealed {
		return false, nil
	}
	m.rows[k] = c
	return true, nil
}

func (m *MemoryCredentialStore) ListCredentials(context.Context) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Credential, 0, len(m.rows))
	for _, c := range m.rows {
		out = append(out, c)
	}
	return out, nil
}
