package keystore

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/download"
	"github.com/projecteru2/vmcpd/lock/flock"
	"github.com/projecteru2/vmcpd/storage"
	storejson "github.com/projecteru2/vmcpd/storage/json"
	"github.com/projecteru2/vmcpd/types"
	"github.com/projecteru2/vmcpd/utils"
)

const (
	// MinRefreshInterval is the minimum gap between two refreshes of a
	// valid store.
	MinRefreshInterval = 60 * time.Second
	// CacheValidity is how long a cached bundle is used without re-download.
	CacheValidity = 24 * time.Hour
)

// ErrNoMasterKey is returned by Refresh when no master key is configured.
var ErrNoMasterKey = errors.New("no master key configured")

// cacheRecord is the on-disk form of the last verified bundle.
type cacheRecord struct {
	Bundle    string    `json:"bundle"`
	Signature string    `json:"signature"`
	FetchedAt time.Time `json:"fetched_at"`
}

// State is a read-only view of the store for listing.
type State struct {
	Valid      bool      `json:"valid"`
	LastUpdate time.Time `json:"last_update"`
	Version    string    `json:"version"`
	Domains    int       `json:"domains"`
}

// Store holds the set of trusted domains and their signing keys.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]DomainKey
	valid      bool
	lastUpdate time.Time
	version    string
	cacheMTime time.Time

	refreshMu    sync.Mutex
	master       *rsa.PublicKey
	bundleURL    string
	signatureURL string
	cacheFile    string
	cache        storage.Store[cacheRecord]
	now          func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty, invalid Store. A malformed master key is an error;
// a missing one leaves the store unable to refresh.
func New(conf *config.Config, opts ...Option) (*Store, error) {
	s := &Store{
		entries:      map[string]DomainKey{},
		bundleURL:    conf.KeystoreURL,
		signatureURL: conf.KeystoreSignatureURL,
		cacheFile:    conf.KeystoreCacheFile(),
		cache:        storejson.New[cacheRecord](conf.KeystoreCacheFile(), flock.New(conf.KeystoreLock())),
		now:          time.Now,
	}
	if conf.MasterKey != "" {
		master, err := parseRSAKey(strings.TrimSpace(conf.MasterKey))
		if err != nil {
			return nil, fmt.Errorf("master key: %w", err)
		}
		s.master = master
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Refresh brings the store up to date, from the local cache when it is
// fresh and still verifies, otherwise from the network. On failure the
// previous state is kept and a CodeNotValidated or CodeIOError error is
// returned.
func (s *Store) Refresh(ctx context.Context, dl download.Downloader) error {
	logger := log.WithFunc("keystore.Refresh")
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	now := s.now()
	s.mu.RLock()
	recent := s.valid && now.Sub(s.lastUpdate) < MinRefreshInterval && utils.ModTime(s.cacheFile).Equal(s.cacheMTime)
	s.mu.RUnlock()
	if recent {
		return nil
	}
	if s.master == nil {
		return types.WrapError(types.CodeNotValidated, "refresh keystore", ErrNoMasterKey)
	}

	entries, rec, err := s.loadCache(ctx, now)
	if err != nil {
		logger.Infof(ctx, "cached keystore unusable (%v), downloading", err)
		if entries, rec, err = s.download(ctx, dl, now); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.valid = true
	s.lastUpdate = now
	s.version = bundleVersion(rec.Bundle)
	s.cacheMTime = utils.ModTime(s.cacheFile)
	s.mu.Unlock()
	logger.Infof(ctx, "keystore %s loaded with %d domains", s.version, len(entries))
	return nil
}

// loadCache returns the cached bundle if it is younger than CacheValidity
// and its signature still verifies against the master key.
func (s *Store) loadCache(ctx context.Context, now time.Time) (map[string]DomainKey, cacheRecord, error) {
	var rec cacheRecord
	if err := s.cache.With(ctx, func(r *cacheRecord) error {
		rec = *r
		return nil
	}); err != nil {
		return nil, rec, err
	}
	if rec.Bundle == "" {
		return nil, rec, errors.New("no cached bundle")
	}
	if now.Sub(rec.FetchedAt) >= CacheValidity {
		return nil, rec, errors.New("cached bundle expired")
	}
	entries, err := s.verifyBundle(rec.Bundle, rec.Signature)
	return entries, rec, err
}

// download fetches bundle and signature concurrently, verifies them and
// persists them. The stored record is read back so a store is only valid
// when its cache round-trips.
func (s *Store) download(ctx context.Context, dl download.Downloader, now time.Time) (map[string]DomainKey, cacheRecord, error) {
	var bundle, sig string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		bundle, err = dl.DownloadText(gctx, s.bundleURL)
		return err
	})
	g.Go(func() (err error) {
		sig, err = dl.DownloadText(gctx, s.signatureURL)
		return err
	})
	if err := g.Wait(); err != nil {
		if types.CodeOf(err) == types.CodeExternalError {
			err = types.WrapError(types.CodeIOError, "download keystore", err)
		}
		return nil, cacheRecord{}, err
	}

	if _, err := s.verifyBundle(bundle, sig); err != nil {
		return nil, cacheRecord{}, err
	}
	rec := cacheRecord{Bundle: bundle, Signature: strings.TrimSpace(sig), FetchedAt: now}
	if err := s.cache.Update(ctx, func(r *cacheRecord) error {
		*r = rec
		return nil
	}); err != nil {
		return nil, rec, types.WrapError(types.CodeNotValidated, "persist keystore", err)
	}
	entries, stored, err := s.loadCache(ctx, now)
	if err != nil {
		return nil, rec, types.WrapError(types.CodeNotValidated, "reload keystore", err)
	}
	return entries, stored, nil
}

func (s *Store) verifyBundle(bundle, sig string) (map[string]DomainKey, error) {
	if err := verifyWith(SchemeRSASHA512, s.master, []byte(bundle), sig); err != nil {
		return nil, types.WrapError(types.CodeNotValidated, "keystore signature", err)
	}
	entries, err := ParseBundle(bundle)
	if err != nil {
		return nil, types.WrapError(types.CodeNotValidated, "parse keystore", err)
	}
	return entries, nil
}

// IsValid reports whether a refresh has succeeded.
func (s *Store) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

// IsDomainValid reports whether domain is trusted by a valid store.
func (s *Store) IsDomainValid(domain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[strings.ToLower(domain)]
	return s.valid && ok
}

// Verify checks the payload signature made by domain over the payload and
// salt. All failures carry CodeNotValidated.
func (s *Store) Verify(domain, salt string, payload types.Payload) error {
	sig, ok := payload.String(SignatureField)
	if !ok || sig == "" {
		return types.WrapError(types.CodeNotValidated, "verify payload", ErrNoSignature)
	}
	s.mu.RLock()
	entry, found := s.entries[strings.ToLower(domain)]
	valid := s.valid
	s.mu.RUnlock()
	if !valid || !found {
		return types.WrapError(types.CodeNotValidated, "verify payload of "+domain, ErrUnknownDomain)
	}
	return verifyWith(entry.Scheme, entry.pub, SigningInput(payload, salt), sig)
}

// Entries returns the trusted domains sorted by name.
func (s *Store) Entries() []DomainKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DomainKey, 0, len(s.entries))
	for _, d := range utils.SortedKeys(s.entries) {
		out = append(out, s.entries[d])
	}
	return out
}

// State returns a summary of the store.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{Valid: s.valid, LastUpdate: s.lastUpdate, Version: s.version, Domains: len(s.entries)}
}

// bundleVersion is a short content hash identifying a bundle revision.
func bundleVersion(bundle string) string {
	sum := sha256.Sum256([]byte(bundle))
	return hex.EncodeToString(sum[:6])
}
