// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/thv-authserver/pkg/authserver/metrics"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/authserver/storage"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

// DefaultRefreshInterval is how long a loaded key set is served before the store is re-read.
const DefaultRefreshInterval = 5 * time.Minute

// loadTimeout bounds a single store read shared by every waiting caller.
const loadTimeout = 30 * time.Second

const (
	keySetFlight = "keyset"
	publicFlight = "public"
)

// StoreProvider reads signing keys from an object store.
// The newest private key signs; the store is re-read after the refresh interval
// or after Invalidate, so a rotation by any process is picked up without a restart.
// Concurrent reloads are collapsed and no lock is held while reading the store.
// A shared reload is detached from the caller that started it, so one cancelled
// request does not fail the others waiting on it.
type StoreProvider struct {
	store   storage.ObjectStore
	refresh time.Duration
	now     func() time.Time
	logger  *slog.Logger

	group singleflight.Group

	mu sync.RWMutex
	// gen is bumped by Invalidate; a load started under an older gen is not cached.
	gen        uint64
	keySet     *KeySet
	keySetAt   time.Time
	publicKeys []*PublicKeyData
	publicAt   time.Time
}

// StoreProviderOption configures a StoreProvider.
type StoreProviderOption func(*StoreProvider)

// WithRefreshInterval sets how long loaded keys are cached.
func WithRefreshInterval(d time.Duration) StoreProviderOption {
	return func(p *StoreProvider) {
		p.refresh = d
	}
}

// WithProviderClock sets the clock used for cache expiry.
func WithProviderClock(now func() time.Time) StoreProviderOption {
	return func(p *StoreProvider) {
		p.now = now
	}
}

// NewStoreProvider creates a provider reading from store.
func NewStoreProvider(store storage.ObjectStore, opts ...StoreProviderOption) *StoreProvider {
	p := &StoreProvider{
		store:   store,
		refresh: DefaultRefreshInterval,
		now:     time.Now,
		logger:  logger.Get(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invalidate drops cached keys so the next call re-reads the store.
// Loads already in flight still answer their callers but are not cached.
func (p *StoreProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.keySet = nil
	p.publicKeys = nil
	p.group.Forget(keySetFlight)
	p.group.Forget(publicFlight)
}

// SigningKey returns the active key. Returns ErrNoSigningKey if the store holds no private key.
func (p *StoreProvider) SigningKey(ctx context.Context) (*SigningKeyData, error) {
	ks, err := p.KeySet(ctx)
	if err != nil {
		return nil, err
	}
	return ks.Active.clone(), nil
}

// KeySet returns the active and retiring keys.
func (p *StoreProvider) KeySet(ctx context.Context) (*KeySet, error) {
	p.mu.RLock()
	if p.keySet != nil && p.now().Sub(p.keySetAt) < p.refresh {
		ks := &KeySet{Active: p.keySet.Active.clone(), Retiring: p.keySet.Retiring.clone()}
		p.mu.RUnlock()
		return ks, nil
	}
	p.mu.RUnlock()

	v, err := p.share(ctx, keySetFlight, func(loadCtx context.Context, gen uint64) (any, error) {
		ks, err := p.loadKeySet(loadCtx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.gen == gen {
			p.keySet = ks
			p.keySetAt = p.now()
		}
		p.mu.Unlock()
		metrics.ObserveActiveKey(ks.Active.CreatedAt)
		return ks, nil
	})
	if err != nil {
		return nil, err
	}
	ks := v.(*KeySet)
	return &KeySet{Active: ks.Active.clone(), Retiring: ks.Retiring.clone()}, nil
}

// PublicKeys returns every published key. Returns ErrNoPublicKeys if there are none.
func (p *StoreProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	p.mu.RLock()
	if p.publicKeys != nil && p.now().Sub(p.publicAt) < p.refresh {
		keys := slices.Clone(p.publicKeys)
		p.mu.RUnlock()
		return keys, nil
	}
	p.mu.RUnlock()

	v, err := p.share(ctx, publicFlight, func(loadCtx context.Context, gen uint64) (any, error) {
		keys, err := p.loadPublicKeys(loadCtx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.gen == gen {
			p.publicKeys = keys
			p.publicAt = p.now()
		}
		p.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]*PublicKeyData)), nil
}

// share runs load once for every concurrent caller of key. The load gets a context
// that keeps ctx's values but not its cancellation, bounded by loadTimeout; each caller
// still stops waiting when its own ctx is done.
func (p *StoreProvider) share(
	ctx context.Context, key string, load func(context.Context, uint64) (any, error),
) (any, error) {
	ch := p.group.DoChan(key, func() (any, error) {
		p.mu.RLock()
		gen := p.gen
		p.mu.RUnlock()

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return load(loadCtx, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// loadKeySet reads the two newest private keys and pairs each with its public half.
func (p *StoreProvider) loadKeySet(ctx context.Context) (*KeySet, error) {
	objects, err := p.store.List(ctx, PrivateKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list private keys: %w", err)
	}

	stamps := make([]string, 0, len(objects))
	for _, obj := range objects {
		stamp, ok := parseStamp(obj.Key)
		if !ok {
			p.logger.Warn("ignoring unrecognised private key object", "key", obj.Key)
			continue
		}
		stamps = append(stamps, stamp)
	}
	if len(stamps) == 0 {
		return nil, ErrNoSigningKey
	}
	// newest first
	slices.Sort(stamps)
	slices.Reverse(stamps)

	active, err := p.loadSigningKey(ctx, stamps[0])
	if err != nil {
		return nil, err
	}
	ks := &KeySet{Active: active}

	if len(stamps) > 1 {
		retiring, err := p.loadSigningKey(ctx, stamps[1])
		if err != nil {
			// the retiring key only matters for verification, which reads public keys
			p.logger.Warn("failed to load retiring signing key", "stamp", stamps[1], "error", err)
		} else {
			ks.Retiring = retiring
		}
	}
	return ks, nil
}

func (p *StoreProvider) loadSigningKey(ctx context.Context, stamp string) (*SigningKeyData, error) {
	createdAt := stampTime(stamp)

	privPEM, err := p.store.Get(ctx, PrivateKeyPath(createdAt))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", stamp, err)
	}
	priv, err := crypto.ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid private key %s: %w", stamp, err)
	}

	pubPEM, err := p.store.Get(ctx, PublicKeyPath(createdAt))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("public key for %s not found", stamp)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %s: %w", stamp, err)
	}
	pub, err := crypto.ParsePublicPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid public key %s: %w", stamp, err)
	}
	if !priv.PublicKey.Equal(pub.PublicKey) {
		return nil, fmt.Errorf("public key %s does not match its private key", stamp)
	}

	// the published kid wins, so certificate-published keys sign with the fingerprint
	return &SigningKeyData{
		KeyID:     pub.KeyID,
		Algorithm: crypto.AlgorithmRS256,
		Key:       priv,
		CreatedAt: createdAt,
	}, nil
}

// loadPublicKeys reads every object under the public key prefix.
func (p *StoreProvider) loadPublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	objects, err := p.store.List(ctx, PublicKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}

	keys := make([]*PublicKeyData, 0, len(objects))
	for _, obj := range objects {
		data, err := p.store.Get(ctx, obj.Key)
		if errors.Is(err, storage.ErrNotFound) {
			// removed by a concurrent retention sweep
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read public key %s: %w", obj.Key, err)
		}
		material, err := crypto.ParsePublicPEM(data)
		if err != nil {
			p.logger.Warn("skipping unparsable public key object", "key", obj.Key, "error", err)
			continue
		}
		var createdAt time.Time
		if stamp, ok := parseStamp(obj.Key); ok {
			createdAt = stampTime(stamp)
		}
		keys = append(keys, publicKeyData(material, createdAt))
	}
	if len(keys) == 0 {
		return nil, ErrNoPublicKeys
	}
	return keys, nil
}

func publicKeyData(m *crypto.PublicKeyMaterial, createdAt time.Time) *PublicKeyData {
	return &PublicKeyData{
		KeyID:       m.KeyID,
		Algorithm:   crypto.AlgorithmRS256,
		PublicKey:   m.PublicKey,
		Certificate: m.Certificate,
		CreatedAt:   createdAt,
	}
}
