package localconfig

import (
	"context"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/lock/flock"
	"github.com/projecteru2/vmcpd/storage"
	storejson "github.com/projecteru2/vmcpd/storage/json"
)

// KeyLocalID names the per-install random identifier mixed into host IDs.
const KeyLocalID = "local-id"

type values struct {
	Entries map[string]string `json:"entries"`
}

func (v *values) Init() {
	if v.Entries == nil {
		v.Entries = map[string]string{}
	}
}

// Store is a small persistent key/value map shared by the daemon and CLI.
type Store struct {
	store storage.Store[values]
}

// New opens the store at conf.LocalConfigFile().
func New(conf *config.Config) *Store {
	return &Store{store: storejson.New[values](conf.LocalConfigFile(), flock.New(conf.LocalConfigLock()))}
}

// Get returns the value of key and whether it is set.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	return val, ok, s.store.With(ctx, func(v *values) error {
		val, ok = v.Entries[key]
		return nil
	})
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.store.Update(ctx, func(v *values) error {
		v.Entries[key] = value
		return nil
	})
}

// GetOrCreate returns the value of key, storing gen() first when it is
// unset. Concurrent callers, across processes too, all observe one value.
func (s *Store) GetOrCreate(ctx context.Context, key string, gen func() string) (string, error) {
	var val string
	return val, s.store.Update(ctx, func(v *values) error {
		if existing, ok := v.Entries[key]; ok && existing != "" {
			val = existing
			return nil
		}
		val = gen()
		v.Entries[key] = val
		return nil
	})
}
