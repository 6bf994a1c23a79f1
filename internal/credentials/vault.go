// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

const (
	// refreshSkew is how long before expiry a bundle is refreshed.
	refreshSkew = 10 * time.Minute
	// cacheTTL bounds how long a decrypted bundle is served without
	// re-reading the store.
	cacheTTL = 30 * time.Second
)

// ErrExpired means the bundle is past expiry and refresh did not produce a
// usable replacement. Stages treat it as permanent.
var ErrExpired = errors.New("credentials: expired")

// Bundle is a decrypted token bundle. It exists only in memory.
type Bundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the bundle is past its expiry at time now.
// Bundles without expiry never expire.
func (b Bundle) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Refresher exchanges a bundle's refresh token for a new bundle.
type Refresher interface {
	Refresh(ctx context.Context, channelID string, service model.Service, b Bundle) (Bundle, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, channelID string, service model.Service, b Bundle) (Bundle, error)

func (f RefresherFunc) Refresh(ctx context.Context, channelID string, service model.Service, b Bundle) (Bundle, error) {
	return f(ctx, channelID, service, b)
}

// Notifier receives refresh failures for alerting. May be nil.
type Notifier interface {
	CredentialRefreshFailed(ctx context.Context, channelID string, service model.Service, err error)
}

// CredentialStore is the slice of the pipeline store the vault needs.
type CredentialStore interface {
	PutCredential(ctx context.Context, cred *model.Credential) error
	GetCredential(ctx context.Context, channelID string, service model.Service) (*model.Credential, error)
}

type cacheEntry struct {
	bundle    Bundle
	fetchedAt time.Time
}

// Vault serves decrypted bundles with a short in-process cache and
// deduplicates concurrent refreshes per (channel, service).
type Vault struct {
	store    CredentialStore
	cipher   *Cipher
	refresh  Refresher
	recorder *events.Recorder
	notifier Notifier

	sf  singleflight.Group
	mu  sync.Mutex
	hot map[string]cacheEntry
	now func() time.Time
}

// NewVault wires the vault. refresher and notifier may be nil; without a
// refresher, bundles are served until expiry and then fail.
func NewVault(st CredentialStore, c *Cipher, refresher Refresher, rec *events.Recorder, notifier Notifier) *Vault {
	return &Vault{
		store:    st,
		cipher:   c,
		refresh:  refresher,
		recorder: rec,
		notifier: notifier,
		hot:      make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (v *Vault) SetNowFunc(fn func() time.Time) { v.now = fn }

func cacheKey(channelID string, service model.Service) string {
	return channelID + "/" + string(service)
}

// Get returns a usable bundle for the pair, refreshing first when within
// refreshSkew of expiry. Concurrent callers share one refresh.
func (v *Vault) Get(ctx context.Context, channelID string, service model.Service) (Bundle, error) {
	key := cacheKey(channelID, service)
	now := v.now()

	v.mu.Lock()
	ent, ok := v.hot[key]
	v.mu.Unlock()
	if ok && now.Sub(ent.fetchedAt) < cacheTTL && !v.needsRefresh(ent.bundle, now) {
		return ent.bundle, nil
	}

	res, err, _ := v.sf.Do(key, func() (any, error) {
		return v.load(ctx, channelID, service)
	})
	if err != nil {
		return Bundle{}, err
	}
	return res.(Bundle), nil
}

func (v *Vault) needsRefresh(b Bundle, now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.Add(refreshSkew).After(b.ExpiresAt)
}

func (v *Vault) load(ctx context.Context, channelID string, service model.Service) (Bundle, error) {
	cred, err := v.store.GetCredential(ctx, channelID, service)
	if err != nil {
		return Bundle{}, fmt.Errorf("load credential %s/%s: %w", channelID, service, err)
	}
	plaintext, err := v.cipher.Open(cred.Ciphertext)
	if err != nil {
		return Bundle{}, fmt.Errorf("open credential %s/%s: %w", channelID, service, err)
	}
	var b Bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return Bundle{}, fmt.Errorf("decode credential %s/%s: %w", channelID, service, err)
	}

	now := v.now()
	if v.needsRefresh(b, now) {
		refreshed, rerr := v.tryRefresh(ctx, channelID, service, b)
		if rerr != nil {
			if b.Expired(now) {
				return Bundle{}, fmt.Errorf("credential %s/%s: %w: %w", channelID, service, ErrExpired, rerr)
			}
			// Token still valid; serve it and retry on the next Get.
		} else {
			b = refreshed
		}
	}

	v.mu.Lock()
	v.hot[cacheKey(channelID, service)] = cacheEntry{bundle: b, fetchedAt: v.now()}
	v.mu.Unlock()
	return b, nil
}

func (v *Vault) tryRefresh(ctx context.Context, channelID string, service model.Service, b Bundle) (Bundle, error) {
	if v.refresh == nil {
		return Bundle{}, errors.New("no refresher configured")
	}
	refreshed, err := v.refresh.Refresh(ctx, channelID, service, b)
	if err != nil {
		metrics.IncCredentialRefresh(string(service), "failure")
		v.recorder.Record(ctx, events.Event{
			Type:      events.CredentialRefreshError,
			ChannelID: channelID,
			Detail:    map[string]string{"service": string(service)},
			Err:       err,
		})
		if v.notifier != nil {
			v.notifier.CredentialRefreshFailed(ctx, channelID, service, err)
		}
		return Bundle{}, err
	}
	if err := v.persist(ctx, channelID, service, refreshed); err != nil {
		metrics.IncCredentialRefresh(string(service), "failure")
		return Bundle{}, err
	}
	metrics.IncCredentialRefresh(string(service), "success")
	v.recorder.Record(ctx, events.Event{
		Type:      events.CredentialRefreshed,
		ChannelID: channelID,
		Detail:    map[string]string{"service": string(service)},
	})
	return refreshed, nil
}

// Put seals and stores a bundle, replacing any previous one. Used by the
// operator endpoint to install and rotate credentials.
func (v *Vault) Put(ctx context.Context, channelID string, service model.Service, b Bundle) error {
	if b.AccessToken == "" {
		return errors.New("credentials: empty access token")
	}
	if err := v.persist(ctx, channelID, service, b); err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.hot, cacheKey(channelID, service))
	v.mu.Unlock()
	return nil
}

func (v *Vault) persist(ctx context.Context, channelID string, service model.Service, b Bundle) error {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode credential %s/%s: %w", channelID, service, err)
	}
	sealed, err := v.cipher.Seal(plaintext)
	if err != nil {
		return err
	}
	return v.store.PutCredential(ctx, &model.Credential{
		ChannelID:   channelID,
		Service:     service,
		Ciphertext:  sealed,
		RefreshedAt: v.now().UTC(),
		ExpiresAt:   b.ExpiresAt,
	})
}
