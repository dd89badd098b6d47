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

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/thv-authserver/pkg/authserver/metrics"
	"github.com/stacklok/thv-authserver/pkg/authserver/server/crypto"
	"github.com/stacklok/thv-authserver/pkg/authserver/storage"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

const (
	// DefaultRotationInterval is how often a new signing key is generated.
	DefaultRotationInterval = 24 * time.Hour

	// DefaultRetention is how long a key pair is kept after it was created.
	DefaultRetention = 72 * time.Hour

	// rotationLockName is shared by rotation and cleanup across every process using the store.
	rotationLockName = "key-rotation"

	// rotationLockTTL bounds how long a crashed holder blocks other rotators.
	rotationLockTTL = 5 * time.Minute

	// maxRotationTries bounds the scheduled rotation retry loop.
	maxRotationTries = 5
)

// RotationConfig configures a Rotator.
type RotationConfig struct {
	// Interval is the minimum age of the newest key before a scheduled run rotates.
	Interval time.Duration

	// Retention is the age after which a key pair is removed by Cleanup.
	// The active and retiring pairs are never removed.
	Retention time.Duration

	// KeyBits is the RSA modulus size of generated keys.
	KeyBits int
}

// Invalidator is notified after the store's key set changes.
type Invalidator interface {
	Invalidate()
}

// Rotator generates, rotates and expires key pairs in an object store.
// At most one rotation or cleanup runs at a time: an in-process mutex guards
// against overlapping runs in this process and the store's Locker guards across processes.
type Rotator struct {
	store       storage.ObjectStore
	locker      storage.Locker
	cfg         RotationConfig
	invalidator Invalidator
	now         func() time.Time
	logger      *slog.Logger

	mu sync.Mutex
}

// RotatorOption configures a Rotator.
type RotatorOption func(*Rotator)

// WithClock sets the clock used for key stamps and retention.
func WithClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) {
		r.now = now
	}
}

// WithInvalidator registers a cache to invalidate after every change to the store.
func WithInvalidator(inv Invalidator) RotatorOption {
	return func(r *Rotator) {
		r.invalidator = inv
	}
}

// NewRotator creates a Rotator. Zero config fields take their defaults.
func NewRotator(store storage.ObjectStore, locker storage.Locker, cfg RotationConfig, opts ...RotatorOption) (*Rotator, error) {
	if store == nil || locker == nil {
		return nil, errors.New("object store and locker are required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultRotationInterval
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = crypto.DefaultRSAKeyBits
	}
	if cfg.KeyBits < crypto.MinRSAKeyBits {
		return nil, fmt.Errorf("key size %d is below the minimum of %d bits", cfg.KeyBits, crypto.MinRSAKeyBits)
	}
	if cfg.Retention <= cfg.Interval {
		return nil, fmt.Errorf("retention %s must exceed rotation interval %s", cfg.Retention, cfg.Interval)
	}

	r := &Rotator{
		store:  store,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Get(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// lock takes the in-process and store-wide locks. Returns ErrRotationInProgress if either is held.
func (r *Rotator) lock(ctx context.Context) (func(), error) {
	if !r.mu.TryLock() {
		return nil, ErrRotationInProgress
	}
	unlockStore, err := r.locker.TryLock(ctx, rotationLockName, rotationLockTTL)
	if err != nil {
		r.mu.Unlock()
		if errors.Is(err, storage.ErrLockHeld) {
			return nil, ErrRotationInProgress
		}
		return nil, err
	}
	return func() {
		unlockStore()
		r.mu.Unlock()
	}, nil
}

// Rotate generates one new key pair, which becomes the active key.
func (r *Rotator) Rotate(ctx context.Context) (*SigningKeyData, error) {
	unlock, err := r.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	key, err := r.rotateLocked(ctx)
	if err != nil {
		metrics.KeyRotationsTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, err
	}
	metrics.KeyRotationsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	metrics.ObserveActiveKey(key.CreatedAt)
	return key, nil
}

func (r *Rotator) rotateLocked(ctx context.Context) (*SigningKeyData, error) {
	createdAt := r.now().UTC()
	newest, ok, err := r.newestStamp(ctx)
	if err != nil {
		return nil, err
	}
	// keep the new key strictly newest even if the clock went backwards
	if ok && !createdAt.After(newest) {
		createdAt = newest.Add(time.Nanosecond)
	}

	priv, err := crypto.GenerateRSAKey(r.cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	privPEM, err := crypto.EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := crypto.EncodePublicKeyPEM(priv.Public())
	if err != nil {
		return nil, err
	}
	kid, err := crypto.DeriveKeyID(priv.Public())
	if err != nil {
		return nil, err
	}

	// The private half is what makes a key selectable, so it is written last.
	if err := r.store.Put(ctx, PublicKeyPath(createdAt), pubPEM); err != nil {
		return nil, fmt.Errorf("failed to store public key: %w", err)
	}
	if err := r.store.Put(ctx, PrivateKeyPath(createdAt), privPEM); err != nil {
		return nil, fmt.Errorf("failed to store private key: %w", err)
	}

	if r.invalidator != nil {
		r.invalidator.Invalidate()
	}
	r.logger.Info("rotated signing key", "key_id", kid, "created_at", createdAt)

	return &SigningKeyData{
		KeyID:     kid,
		Algorithm: crypto.AlgorithmRS256,
		Key:       priv,
		CreatedAt: createdAt,
	}, nil
}

// newestStamp returns the creation time of the newest private key.
func (r *Rotator) newestStamp(ctx context.Context) (time.Time, bool, error) {
	objects, err := r.store.List(ctx, PrivateKeyPrefix)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to list private keys: %w", err)
	}
	var newest string
	for _, obj := range objects {
		if stamp, ok := parseStamp(obj.Key); ok && stamp > newest {
			newest = stamp
		}
	}
	if newest == "" {
		return time.Time{}, false, nil
	}
	return stampTime(newest), true, nil
}

// RotateIfDue rotates only when the newest key is at least Interval old or no key exists.
// It returns true if a new key was created.
func (r *Rotator) RotateIfDue(ctx context.Context) (bool, error) {
	newest, ok, err := r.newestStamp(ctx)
	if err != nil {
		return false, err
	}
	if ok && r.now().Sub(newest) < r.cfg.Interval {
		return false, nil
	}
	if _, err := r.Rotate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureKey makes sure the store holds at least one signing key, rotating once if it
// is empty. If another process is bootstrapping concurrently it waits for that key.
func (r *Rotator) EnsureKey(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, ok, err := r.newestStamp(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if ok {
			return struct{}{}, nil
		}
		_, err = r.Rotate(ctx)
		return struct{}{}, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxRotationTries*2),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Debug("waiting for initial signing key", "error", err, "retry_in", d)
		}),
	)
	return err
}

// Cleanup deletes key pairs older than Retention. The active and retiring pairs are
// never removed, so tokens signed just before the last rotation keep verifying.
// The private half is removed first so a pair is never selectable without its public half.
// It returns the deleted object keys.
func (r *Rotator) Cleanup(ctx context.Context) ([]string, error) {
	unlock, err := r.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	privates, err := r.store.List(ctx, PrivateKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list private keys: %w", err)
	}
	publics, err := r.store.List(ctx, PublicKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}

	privateStamps := stampsOf(privates)
	if len(privateStamps) == 0 {
		return nil, nil
	}
	slices.Sort(privateStamps)
	// stamps at or after the retiring key are live
	live := privateStamps[max(len(privateStamps)-2, 0)]
	cutoff := r.now().Add(-r.cfg.Retention)

	expired := func(stamp string) bool {
		return stamp < live && stampTime(stamp).Before(cutoff)
	}

	var deleted []string
	for _, obj := range privates {
		if stamp, ok := parseStamp(obj.Key); ok && expired(stamp) {
			if err := r.store.Delete(ctx, obj.Key); err != nil {
				return deleted, fmt.Errorf("failed to delete %s: %w", obj.Key, err)
			}
			deleted = append(deleted, obj.Key)
		}
	}
	for _, obj := range publics {
		if stamp, ok := parseStamp(obj.Key); ok && expired(stamp) {
			if err := r.store.Delete(ctx, obj.Key); err != nil {
				return deleted, fmt.Errorf("failed to delete %s: %w", obj.Key, err)
			}
			deleted = append(deleted, obj.Key)
		}
	}

	if len(deleted) > 0 {
		metrics.KeysDeletedTotal.Add(float64(len(deleted)))
		if r.invalidator != nil {
			r.invalidator.Invalidate()
		}
		r.logger.Info("removed expired key objects", "count", len(deleted))
	}
	return deleted, nil
}

func stampsOf(objects []storage.ObjectInfo) []string {
	stamps := make([]string, 0, len(objects))
	for _, obj := range objects {
		if stamp, ok := parseStamp(obj.Key); ok {
			stamps = append(stamps, stamp)
		}
	}
	return stamps
}

// Run checks on every tick whether a rotation is due, retrying transient failures,
// and then sweeps expired keys. It returns when ctx is cancelled.
func (r *Rotator) Run(ctx context.Context, checkEvery time.Duration) {
	if checkEvery <= 0 {
		checkEvery = r.cfg.Interval / 4
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		r.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Rotator) runOnce(ctx context.Context) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second

	rotated, err := backoff.Retry(ctx, func() (bool, error) {
		rotated, err := r.RotateIfDue(ctx)
		if errors.Is(err, ErrRotationInProgress) {
			// another process owns this run
			return false, backoff.Permanent(err)
		}
		return rotated, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxRotationTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Warn("key rotation failed, retrying", "error", err, "retry_in", d)
		}),
	)
	switch {
	case errors.Is(err, ErrRotationInProgress):
		metrics.KeyRotationsTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Error("key rotation failed", "error", err)
		}
	case rotated:
		r.logger.Debug("scheduled key rotation completed")
	}

	if _, err := r.Cleanup(ctx); err != nil && !errors.Is(err, ErrRotationInProgress) && ctx.Err() == nil {
		r.logger.Error("key cleanup failed", "error", err)
	}
}
