package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/haggle-project/haggle/errors"
	"github.com/haggle-project/haggle/natsclient"
)

// RepositoryEntry is a flat persistent key-value row segmented by
// authority; managers checkpoint their own state under their
// authority.
type RepositoryEntry struct {
	Authority string
	Key       string
	Value     string
	ID        uint64
}

// RepositoryBucket is the JetStream KV bucket repository rows persist
// to when NATS is configured.
const RepositoryBucket = "haggle-repository"

// Repository is the manager-state checkpoint store. Rows live in
// memory and, when a NATS client is attached, mirror to a JetStream
// KV bucket so they survive restarts.
type Repository struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*RepositoryEntry
	nextID  uint64

	kv jetstream.KeyValue
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithRepositoryLogger injects the structured logger.
func WithRepositoryLogger(log *slog.Logger) RepositoryOption {
	return func(r *Repository) { r.log = log }
}

// NewRepository creates an in-memory repository. Attach NATS for
// persistence with AttachNATS.
func NewRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		log:     slog.Default(),
		entries: make(map[string]*RepositoryEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AttachNATS binds the repository to a JetStream KV bucket, creating
// it if needed, and hydrates existing rows into memory.
func (r *Repository) AttachNATS(ctx context.Context, client *natsclient.Client) error {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      RepositoryBucket,
		Description: "Haggle manager state checkpoints",
	})
	if err != nil {
		return errors.WrapTransient(err, "repository", "AttachNATS", "create KV bucket")
	}

	r.mu.Lock()
	r.kv = kv
	r.mu.Unlock()

	keys, err := kv.Keys(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "no keys found") {
			return nil
		}
		return errors.WrapTransient(err, "repository", "AttachNATS", "list keys")
	}
	for _, k := range keys {
		entry, err := kv.Get(ctx, k)
		if err != nil {
			r.log.Warn("hydrate repository row", "component", "repository", "key", k, "error", err)
			continue
		}
		authority, key, ok := splitKVKey(k)
		if !ok {
			continue
		}
		r.mu.Lock()
		r.nextID++
		r.entries[entryKey(authority, key)] = &RepositoryEntry{
			Authority: authority, Key: key, Value: string(entry.Value()), ID: r.nextID,
		}
		r.mu.Unlock()
	}
	return nil
}

func entryKey(authority, key string) string {
	return authority + "\x00" + key
}

// kvKey renders a KV-safe key: authority and key joined by a dot,
// with characters outside the NATS KV key alphabet mapped to '_'.
func kvKey(authority, key string) string {
	return sanitizeKVToken(authority) + "." + sanitizeKVToken(key)
}

func splitKVKey(k string) (authority, key string, ok bool) {
	i := strings.IndexByte(k, '.')
	if i < 0 {
		return "", "", false
	}
	return k[:i], k[i+1:], true
}

func sanitizeKVToken(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Insert upserts an entry under (authority, key), mirroring to the KV
// bucket when attached.
func (r *Repository) Insert(ctx context.Context, entry RepositoryEntry) error {
	if entry.Authority == "" || entry.Key == "" {
		return errors.WrapInvalid(fmt.Errorf("authority and key required"),
			"repository", "Insert", "validate entry")
	}
	r.mu.Lock()
	k := entryKey(entry.Authority, entry.Key)
	if existing, ok := r.entries[k]; ok {
		existing.Value = entry.Value
	} else {
		r.nextID++
		entry.ID = r.nextID
		r.entries[k] = &entry
	}
	kv := r.kv
	r.mu.Unlock()

	if kv != nil {
		if _, err := kv.Put(ctx, kvKey(entry.Authority, entry.Key), []byte(entry.Value)); err != nil {
			return errors.WrapTransient(err, "repository", "Insert", "mirror to KV")
		}
	}
	return nil
}

// Read returns the entries under authority; key narrows to a single
// row when non-empty. Results come back ordered by id.
func (r *Repository) Read(_ context.Context, authority, key string) ([]RepositoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RepositoryEntry
	for _, e := range r.entries {
		if e.Authority != authority {
			continue
		}
		if key != "" && e.Key != key {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the entries under authority; key narrows to one row
// when non-empty.
func (r *Repository) Delete(ctx context.Context, authority, key string) error {
	r.mu.Lock()
	var removed []string
	for k, e := range r.entries {
		if e.Authority != authority {
			continue
		}
		if key != "" && e.Key != key {
			continue
		}
		delete(r.entries, k)
		removed = append(removed, kvKey(e.Authority, e.Key))
	}
	kv := r.kv
	r.mu.Unlock()

	if kv != nil {
		for _, k := range removed {
			if err := kv.Delete(ctx, k); err != nil {
				r.log.Warn("delete KV row", "component", "repository", "key", k, "error", err)
			}
		}
	}
	return nil
}
