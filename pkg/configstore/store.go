// Package configstore is the durable, local-only persistence layer for
// link-table entries and named config/secret-ref bundles. It is a direct
// generalization of the teacher's BoltDB store: one bbolt database, one
// bucket per resource class, JSON-encoded values keyed by name.
//
// Unlike the teacher's store, nothing here is Raft-replicated: a host is
// an independent unit, so bbolt only needs to survive process restarts on
// the same machine, not participate in consensus.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketLinks  = []byte("LINKS")
	bucketConfig = []byte("CONFIG")
	bucketSecret = []byte("CONFIG_SECRET_REFS")
)

// Store persists link table entries and config/secret bundles, and fans
// out change notifications to registered watchers.
type Store struct {
	db *bolt.DB

	mu       sync.RWMutex
	watchers map[chan struct{}]struct{}
}

// Open opens (creating if absent) the bbolt database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("configstore: create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "wasmcloud-host.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("configstore: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLinks, bucketConfig, bucketSecret} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("configstore: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, watchers: make(map[chan struct{}]struct{})}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Watch registers a channel that receives a (non-blocking, best-effort)
// notification whenever any mutation commits. Callers should re-read
// state on wakeup rather than trust the notification's payload, since
// there is none.
func (s *Store) Watch() (ch chan struct{}, cancel func()) {
	ch = make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
		close(ch)
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PutLink upserts a link, keyed by its LinkKey's NUL-joined string form.
func (s *Store) PutLink(link *types.Link) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLinks)
		data, err := json.Marshal(link)
		if err != nil {
			return err
		}
		return b.Put([]byte(link.Key().String()), data)
	})
	if err == nil {
		s.notify()
	}
	return err
}

// GetLink fetches a link by key, returning herr.NotFound if absent.
func (s *Store) GetLink(key types.LinkKey) (*types.Link, error) {
	var link types.Link
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLinks)
		data := b.Get([]byte(key.String()))
		if data == nil {
			return herr.New(herr.NotFound, fmt.Sprintf("link %s not found", key.String()))
		}
		return json.Unmarshal(data, &link)
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// ListLinks returns every persisted link.
func (s *Store) ListLinks() ([]*types.Link, error) {
	var links []*types.Link
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLinks)
		return b.ForEach(func(_, v []byte) error {
			var link types.Link
			if err := json.Unmarshal(v, &link); err != nil {
				return err
			}
			links = append(links, &link)
			return nil
		})
	})
	return links, err
}

// DeleteLink removes a link by key. Deleting an absent key is not an error.
func (s *Store) DeleteLink(key types.LinkKey) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLinks)
		return b.Delete([]byte(key.String()))
	})
	if err == nil {
		s.notify()
	}
	return err
}

// PutConfig upserts a named config bundle.
func (s *Store) PutConfig(bundle *types.ConfigBundle) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		data, err := json.Marshal(bundle)
		if err != nil {
			return err
		}
		return b.Put([]byte(bundle.Name), data)
	})
	if err == nil {
		s.notify()
	}
	return err
}

// GetConfig fetches a named config bundle.
func (s *Store) GetConfig(name string) (*types.ConfigBundle, error) {
	var bundle types.ConfigBundle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		data := b.Get([]byte(name))
		if data == nil {
			return herr.New(herr.NotFound, fmt.Sprintf("config bundle %q not found", name))
		}
		return json.Unmarshal(data, &bundle)
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// ListConfig returns every persisted config bundle.
func (s *Store) ListConfig() ([]*types.ConfigBundle, error) {
	var bundles []*types.ConfigBundle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		return b.ForEach(func(_, v []byte) error {
			var bundle types.ConfigBundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				return err
			}
			bundles = append(bundles, &bundle)
			return nil
		})
	})
	return bundles, err
}

// DeleteConfig removes a named config bundle. Deleting an absent name is
// not an error (idempotent delete_config, per the control plane contract).
func (s *Store) DeleteConfig(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		return b.Delete([]byte(name))
	})
	if err == nil {
		s.notify()
	}
	return err
}

// PutSecretRefBundle upserts a named secret-ref bundle.
func (s *Store) PutSecretRefBundle(bundle *types.SecretRefBundle) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecret)
		data, err := json.Marshal(bundle)
		if err != nil {
			return err
		}
		return b.Put([]byte(bundle.Name), data)
	})
	if err == nil {
		s.notify()
	}
	return err
}

// GetSecretRefBundle fetches a named secret-ref bundle.
func (s *Store) GetSecretRefBundle(name string) (*types.SecretRefBundle, error) {
	var bundle types.SecretRefBundle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecret)
		data := b.Get([]byte(name))
		if data == nil {
			return herr.New(herr.NotFound, fmt.Sprintf("secret ref bundle %q not found", name))
		}
		return json.Unmarshal(data, &bundle)
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// DeleteSecretRefBundle removes a named secret-ref bundle.
func (s *Store) DeleteSecretRefBundle(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecret)
		return b.Delete([]byte(name))
	})
	if err == nil {
		s.notify()
	}
	return err
}
