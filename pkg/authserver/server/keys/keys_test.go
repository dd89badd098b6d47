// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/authserver/storage"
	"github.com/stacklok/thv-authserver/pkg/authserver/storage/mocks"
	"github.com/stacklok/thv-authserver/pkg/secrets"
)

// testClock is a manually advanced clock shared by the rotator and the store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// testRotationConfig uses the smallest permitted keys; 4096-bit generation is too slow for unit tests.
func testRotationConfig() RotationConfig {
	return RotationConfig{
		Interval:  24 * time.Hour,
		Retention: 72 * time.Hour,
		KeyBits:   crypto.MinRSAKeyBits,
	}
}

type fixture struct {
	clock    *testClock
	backend  *storage.MemoryStorage
	provider *StoreProvider
	rotator  *Rotator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	backend := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	provider := NewStoreProvider(backend, WithRefreshInterval(time.Hour), WithProviderClock(clock.Now))
	rotator, err := NewRotator(backend, backend, testRotationConfig(),
		WithClock(clock.Now), WithInvalidator(provider))
	require.NoError(t, err)
	return &fixture{clock: clock, backend: backend, provider: provider, rotator: rotator}
}

func signCompact(t *testing.T, key *SigningKeyData, payload []byte) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID}},
		nil,
	)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

// verifyWithJWKS selects the key by kid from the published set, as a resource server would.
func verifyWithJWKS(t *testing.T, jwks *jose.JSONWebKeySet, compact string) error {
	t.Helper()
	parsed, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.RS256})
	require.NoError(t, err)
	matches := jwks.Key(parsed.Signatures[0].Header.KeyID)
	if len(matches) != 1 {
		return errors.New("kid not published exactly once")
	}
	_, err = parsed.Verify(matches[0])
	return err
}

func TestStoreProvider_EmptyStore(t *testing.T) {
	t.Parallel()

	provider := NewStoreProvider(storage.NewMemoryStorage())
	ctx := context.Background()

	_, err := provider.SigningKey(ctx)
	assert.ErrorIs(t, err, ErrNoSigningKey)

	_, err = provider.PublicKeys(ctx)
	assert.ErrorIs(t, err, ErrNoPublicKeys)

	_, err = PublicJWKS(ctx, provider)
	assert.ErrorIs(t, err, ErrNoPublicKeys)
}

func TestRotator_ActiveKeyIsAlwaysNewest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	var previous *SigningKeyData
	for range 3 {
		rotated, err := f.rotator.Rotate(ctx)
		require.NoError(t, err)

		ks, err := f.provider.KeySet(ctx)
		require.NoError(t, err)
		assert.Equal(t, rotated.KeyID, ks.Active.KeyID)
		assert.Equal(t, "RS256", ks.Active.Algorithm)
		assert.True(t, rotated.CreatedAt.Equal(ks.Active.CreatedAt))
		if previous == nil {
			assert.Nil(t, ks.Retiring)
		} else {
			require.NotNil(t, ks.Retiring)
			assert.Equal(t, previous.KeyID, ks.Retiring.KeyID)
		}

		previous = rotated
		f.clock.Advance(24 * time.Hour)
	}

	pub, err := f.provider.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, pub, 3)
}

func TestRotator_KeyIDMatchesPublishedKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rotated, err := f.rotator.Rotate(ctx)
	require.NoError(t, err)

	pubPEM, err := f.backend.Get(ctx, PublicKeyPath(rotated.CreatedAt))
	require.NoError(t, err)
	material, err := crypto.ParsePublicPEM(pubPEM)
	require.NoError(t, err)
	assert.Equal(t, rotated.KeyID, material.KeyID)

	expectedKid, err := crypto.DeriveKeyID(rotated.Key.Public())
	require.NoError(t, err)
	assert.Equal(t, expectedKid, rotated.KeyID)
}

func TestRotator_TokensRemainVerifiableAfterRotation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rotator.Rotate(ctx)
	require.NoError(t, err)
	before, err := f.provider.SigningKey(ctx)
	require.NoError(t, err)
	oldToken := signCompact(t, before, []byte(`{"sub":"readClient"}`))

	f.clock.Advance(24 * time.Hour)
	_, err = f.rotator.Rotate(ctx)
	require.NoError(t, err)

	after, err := f.provider.SigningKey(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.KeyID, after.KeyID)
	newToken := signCompact(t, after, []byte(`{"sub":"readClient"}`))

	jwks, err := PublicJWKS(ctx, f.provider)
	require.NoError(t, err)
	assert.NoError(t, verifyWithJWKS(t, jwks, oldToken))
	assert.NoError(t, verifyWithJWKS(t, jwks, newToken))
}

func TestStoreProvider_CachesUntilInvalidated(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	backend := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	provider := NewStoreProvider(backend, WithRefreshInterval(time.Hour), WithProviderClock(clock.Now))
	// no invalidator: simulates a rotation performed by another replica
	rotator, err := NewRotator(backend, backend, testRotationConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := rotator.Rotate(ctx)
	require.NoError(t, err)
	got, err := provider.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, got.KeyID)

	clock.Advance(time.Minute)
	second, err := rotator.Rotate(ctx)
	require.NoError(t, err)

	got, err = provider.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, got.KeyID, "cached key served within refresh interval")

	clock.Advance(time.Hour)
	got, err = provider.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, got.KeyID, "store re-read after refresh interval")

	clock.Advance(time.Minute)
	third, err := rotator.Rotate(ctx)
	require.NoError(t, err)
	provider.Invalidate()
	got, err = provider.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, third.KeyID, got.KeyID, "store re-read after invalidation")
}

func TestRotator_ClockMovedBackwards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.rotator.Rotate(ctx)
	require.NoError(t, err)

	f.clock.Advance(-time.Hour)
	second, err := f.rotator.Rotate(ctx)
	require.NoError(t, err)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))

	active, err := f.provider.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, active.KeyID)
}

func TestRotator_AtMostOneRotation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// another process holds the store-wide lock
	unlock, err := f.backend.TryLock(ctx, rotationLockName, time.Minute)
	require.NoError(t, err)

	_, err = f.rotator.Rotate(ctx)
	assert.ErrorIs(t, err, ErrRotationInProgress)
	_, err = f.rotator.Cleanup(ctx)
	assert.ErrorIs(t, err, ErrRotationInProgress)

	unlock()
	_, err = f.rotator.Rotate(ctx)
	assert.NoError(t, err)
}

func TestRotator_WriteBeforeActivate(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockObjectStore(ctrl)
	locker := storage.NewMemoryStorage()
	clock := newTestClock()

	rotator, err := NewRotator(store, locker, testRotationConfig(), WithClock(clock.Now))
	require.NoError(t, err)

	gomock.InOrder(
		store.EXPECT().List(gomock.Any(), PrivateKeyPrefix).Return(nil, nil),
		store.EXPECT().Put(gomock.Any(), PublicKeyPath(clock.Now()), gomock.Any()).Return(nil),
		store.EXPECT().Put(gomock.Any(), PrivateKeyPath(clock.Now()), gomock.Any()).
			Return(errors.New("connection reset")),
	)

	_, err = rotator.Rotate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store private key")
}

func TestRotator_PublicWriteFailureLeavesNoPrivateKey(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockObjectStore(ctrl)
	clock := newTestClock()

	rotator, err := NewRotator(store, storage.NewMemoryStorage(), testRotationConfig(), WithClock(clock.Now))
	require.NoError(t, err)

	store.EXPECT().List(gomock.Any(), PrivateKeyPrefix).Return(nil, nil)
	store.EXPECT().Put(gomock.Any(), PublicKeyPath(clock.Now()), gomock.Any()).Return(errors.New("quota exceeded"))
	// no Put of the private key may follow

	_, err = rotator.Rotate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store public key")
}

func TestRotator_Cleanup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	start := f.clock.Now()

	var created []*SigningKeyData
	for _, offset := range []time.Duration{0, 24 * time.Hour, 48 * time.Hour, 96 * time.Hour} {
		f.clock.Set(start.Add(offset))
		key, err := f.rotator.Rotate(ctx)
		require.NoError(t, err)
		created = append(created, key)
	}

	f.clock.Set(start.Add(100 * time.Hour))
	deleted, err := f.rotator.Cleanup(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		PrivateKeyPath(created[0].CreatedAt), PublicKeyPath(created[0].CreatedAt),
		PrivateKeyPath(created[1].CreatedAt), PublicKeyPath(created[1].CreatedAt),
	}, deleted)

	ks, err := f.provider.KeySet(ctx)
	require.NoError(t, err)
	assert.Equal(t, created[3].KeyID, ks.Active.KeyID)
	require.NotNil(t, ks.Retiring)
	assert.Equal(t, created[2].KeyID, ks.Retiring.KeyID)

	// idempotent
	deleted, err = f.rotator.Cleanup(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestRotator_CleanupKeepsActiveAndRetiring(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rotator.Rotate(ctx)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.rotator.Rotate(ctx)
	require.NoError(t, err)

	// both keys are far past retention, e.g. after rotation was stalled
	f.clock.Advance(1000 * time.Hour)
	deleted, err := f.rotator.Cleanup(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	pub, err := f.provider.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, pub, 2)
}

func TestRotator_RotateIfDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rotated, err := f.rotator.RotateIfDue(ctx)
	require.NoError(t, err)
	assert.True(t, rotated, "empty store rotates")

	f.clock.Advance(23 * time.Hour)
	rotated, err = f.rotator.RotateIfDue(ctx)
	require.NoError(t, err)
	assert.False(t, rotated)

	f.clock.Advance(time.Hour)
	rotated, err = f.rotator.RotateIfDue(ctx)
	require.NoError(t, err)
	assert.True(t, rotated)
}

func TestRotator_EnsureKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rotator.EnsureKey(ctx))
	first, err := f.provider.SigningKey(ctx)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.rotator.EnsureKey(ctx))
	again, err := f.provider.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, again.KeyID, "existing key is kept")
}

func TestRotator_Run(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.rotator.Run(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		_, err := f.provider.SigningKey(context.Background())
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rotator did not stop after cancellation")
	}
}

func TestNewRotator_Validation(t *testing.T) {
	t.Parallel()

	backend := storage.NewMemoryStorage()

	tests := []struct {
		name    string
		cfg     RotationConfig
		wantErr string
	}{
		{name: "defaults", cfg: RotationConfig{}},
		{name: "small keys", cfg: RotationConfig{KeyBits: 1024}, wantErr: "below the minimum"},
		{
			name:    "retention not longer than interval",
			cfg:     RotationConfig{Interval: 24 * time.Hour, Retention: 24 * time.Hour},
			wantErr: "must exceed rotation interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRotator(backend, backend, tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultRotationInterval, r.cfg.Interval)
			assert.Equal(t, DefaultRetention, r.cfg.Retention)
			assert.Equal(t, crypto.DefaultRSAKeyBits, r.cfg.KeyBits)
		})
	}
}

func selfSignedCertPEM(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestPublicJWKS_IncludesCertificates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rotator.Rotate(ctx)
	require.NoError(t, err)

	certKey, err := crypto.GenerateRSAKey(crypto.MinRSAKeyBits)
	require.NoError(t, err)
	require.NoError(t, f.backend.Put(ctx, PublicKeyPrefix+"partner-cert.pem", selfSignedCertPEM(t, certKey)))
	require.NoError(t, f.backend.Put(ctx, PublicKeyPrefix+"garbage.pem", []byte("not pem")))
	f.provider.Invalidate()

	jwks, err := PublicJWKS(ctx, f.provider)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 2)

	var certJWK *jose.JSONWebKey
	for i := range jwks.Keys {
		if len(jwks.Keys[i].Certificates) > 0 {
			certJWK = &jwks.Keys[i]
		}
	}
	require.NotNil(t, certJWK)
	assert.Equal(t, crypto.CertificateKeyID(certJWK.Certificates[0]), certJWK.KeyID)
	assert.Equal(t, "sig", certJWK.Use)
}

func TestStoreProvider_MismatchedPair(t *testing.T) {
	t.Parallel()

	backend := storage.NewMemoryStorage()
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	a, err := crypto.GenerateRSAKey(crypto.MinRSAKeyBits)
	require.NoError(t, err)
	b, err := crypto.GenerateRSAKey(crypto.MinRSAKeyBits)
	require.NoError(t, err)
	privPEM, err := crypto.EncodePrivateKeyPEM(a)
	require.NoError(t, err)
	pubPEM, err := crypto.EncodePublicKeyPEM(b.Public())
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, PublicKeyPath(created), pubPEM))
	require.NoError(t, backend.Put(ctx, PrivateKeyPath(created), privPEM))

	_, err = NewStoreProvider(backend).SigningKey(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestPublicJWKS_MatchesPEMConversion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rotator.Rotate(ctx)
	require.NoError(t, err)
	certKey, err := crypto.GenerateRSAKey(crypto.MinRSAKeyBits)
	require.NoError(t, err)
	require.NoError(t, f.backend.Put(ctx, PublicKeyPrefix+"partner-cert.pem", selfSignedCertPEM(t, certKey)))
	f.provider.Invalidate()

	objects, err := f.backend.List(ctx, PublicKeyPrefix)
	require.NoError(t, err)
	want := jose.JSONWebKeySet{}
	for _, obj := range objects {
		data, err := f.backend.Get(ctx, obj.Key)
		require.NoError(t, err)
		jwk, err := crypto.PEMToJWK(data)
		require.NoError(t, err)
		want.Keys = append(want.Keys, jwk)
	}

	got, err := PublicJWKS(ctx, f.provider)
	require.NoError(t, err)

	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

// gatedStore parks the first private key listing after it has read the store,
// until release is closed.
type gatedStore struct {
	storage.ObjectStore

	once    sync.Once
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	listCtx context.Context
}

func newGatedStore(inner storage.ObjectStore) *gatedStore {
	return &gatedStore{
		ObjectStore: inner,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	objects, err := g.ObjectStore.List(ctx, prefix)
	if prefix != PrivateKeyPrefix {
		return objects, err
	}
	first := false
	g.once.Do(func() { first = true })
	if first {
		g.mu.Lock()
		g.listCtx = ctx
		g.mu.Unlock()
		close(g.entered)
		<-g.release
	}
	return objects, err
}

func (g *gatedStore) loadContext() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCtx
}

func TestStoreProvider_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	t.Parallel()

	backend := storage.NewMemoryStorage()
	rotator, err := NewRotator(backend, backend, testRotationConfig())
	require.NoError(t, err)
	key, err := rotator.Rotate(context.Background())
	require.NoError(t, err)

	gate := newGatedStore(backend)
	provider := NewStoreProvider(gate)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := provider.SigningKey(firstCtx)
		firstErr <- err
	}()
	<-gate.entered

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared load")
	}
	assert.NoError(t, gate.loadContext().Err(), "load must not inherit the caller's cancellation")

	secondDone := make(chan struct{})
	var got *SigningKeyData
	var secondErr error
	go func() {
		defer close(secondDone)
		got, secondErr = provider.SigningKey(context.Background())
	}()
	close(gate.release)
	<-secondDone

	require.NoError(t, secondErr)
	assert.Equal(t, key.KeyID, got.KeyID)
}

func TestStoreProvider_InvalidateDuringLoadIsNotCached(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	backend := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	rotator, err := NewRotator(backend, backend, testRotationConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()
	first, err := rotator.Rotate(ctx)
	require.NoError(t, err)

	gate := newGatedStore(backend)
	provider := NewStoreProvider(gate, WithRefreshInterval(time.Hour), WithProviderClock(clock.Now))

	staleDone := make(chan struct{})
	var stale *SigningKeyData
	var staleErr error
	go func() {
		defer close(staleDone)
		stale, staleErr = provider.SigningKey(ctx)
	}()
	<-gate.entered

	// the parked load has already listed only the first key
	clock.Advance(time.Minute)
	second, err := rotator.Rotate(ctx)
	require.NoError(t, err)
	provider.Invalidate()

	close(gate.release)
	<-staleDone
	require.NoError(t, staleErr)
	assert.Equal(t, first.KeyID, stale.KeyID)

	got, err := provider.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, got.KeyID, "load begun before Invalidate must not be cached")
}

// mapSecrets is an in-memory secrets.Provider.
type mapSecrets map[string]string

func (m mapSecrets) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", secrets.ErrSecretNotFound
	}
	return v, nil
}

func TestSecretProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	signing, err := crypto.GenerateRSAKey(crypto.MinRSAKeyBits)
	require.NoError(t, err)
	previous, err := crypto.GenerateRSAKey(crypto.MinRSAKeyBits)
	require.NoError(t, err)
	signingPEM, err := crypto.EncodePrivateKeyPEM(signing)
	require.NoError(t, err)
	previousPEM, err := crypto.EncodePublicKeyPEM(previous.Public())
	require.NoError(t, err)

	store := mapSecrets{
		"signing-key":  string(signingPEM),
		"previous-key": string(previousPEM),
		"signing-cert": string(selfSignedCertPEM(t, signing)),
	}

	t.Run("key with verification keys", func(t *testing.T) {
		t.Parallel()
		p, err := NewSecretProvider(ctx, store, "signing-key", []string{"previous-key"})
		require.NoError(t, err)

		key, err := p.SigningKey(ctx)
		require.NoError(t, err)
		wantKid, err := crypto.DeriveKeyID(signing.Public())
		require.NoError(t, err)
		assert.Equal(t, wantKid, key.KeyID)

		pub, err := p.PublicKeys(ctx)
		require.NoError(t, err)
		require.Len(t, pub, 2)
		assert.Equal(t, wantKid, pub[0].KeyID)
	})

	t.Run("signing key published as certificate", func(t *testing.T) {
		t.Parallel()
		p, err := NewSecretProvider(ctx, store, "signing-key", []string{"signing-cert"})
		require.NoError(t, err)

		key, err := p.SigningKey(ctx)
		require.NoError(t, err)
		pub, err := p.PublicKeys(ctx)
		require.NoError(t, err)
		require.Len(t, pub, 1)
		assert.Equal(t, pub[0].KeyID, key.KeyID)
		assert.NotNil(t, pub[0].Certificate)
	})

	t.Run("missing secret", func(t *testing.T) {
		t.Parallel()
		_, err := NewSecretProvider(ctx, store, "absent", nil)
		assert.ErrorIs(t, err, secrets.ErrSecretNotFound)
	})

	t.Run("name required", func(t *testing.T) {
		t.Parallel()
		_, err := NewSecretProvider(ctx, store, "", nil)
		assert.Error(t, err)
	})
}

func TestGeneratingProvider(t *testing.T) {
	t.Parallel()

	p := NewGeneratingProvider(crypto.MinRSAKeyBits)
	ctx := context.Background()

	key, err := p.SigningKey(ctx)
	require.NoError(t, err)
	again, err := p.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, again.KeyID, "key is generated once")

	jwks, err := PublicJWKS(ctx, p)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, key.KeyID, jwks.Keys[0].KeyID)
}

func TestNewProviderFromConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := storage.NewMemoryStorage()

	provider, rotator, err := NewProviderFromConfig(ctx, Config{Source: SourceStore, Rotation: testRotationConfig()}, backend, nil)
	require.NoError(t, err)
	assert.IsType(t, &StoreProvider{}, provider)
	require.NotNil(t, rotator)

	provider, rotator, err = NewProviderFromConfig(ctx, Config{Source: SourceEphemeral}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &GeneratingProvider{}, provider)
	assert.Nil(t, rotator)

	_, _, err = NewProviderFromConfig(ctx, Config{Source: SourceSecret}, nil, nil)
	assert.Error(t, err)

	_, _, err = NewProviderFromConfig(ctx, Config{Source: "kms"}, backend, nil)
	assert.Error(t, err)
}

func TestParseStamp(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	stamp, ok := parseStamp(PrivateKeyPath(created))
	require.True(t, ok)
	assert.True(t, created.Equal(stampTime(stamp)))

	stamp2, ok := parseStamp(PublicKeyPath(created))
	require.True(t, ok)
	assert.Equal(t, stamp, stamp2)

	_, ok = parseStamp(PublicKeyPrefix + "partner-cert.pem")
	assert.False(t, ok)

	// lexical order follows creation order
	assert.Less(t, PrivateKeyPath(created), PrivateKeyPath(created.Add(time.Nanosecond)))
	assert.Less(t, PrivateKeyPath(created), PrivateKeyPath(created.Add(365*24*time.Hour)))
}
