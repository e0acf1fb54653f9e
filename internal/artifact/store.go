// Package artifact is the process-wide cache for synthesised audio.
//
// TTS output is stored here under an opaque id and served to clients over
// HTTP (see Handler). Entries are short-lived: clients fetch each chunk once,
// shortly after the audio_chunk message referencing it, so the cache runs
// badger in memory-only mode with a per-entry TTL and a size-bounded reaper.
//
// Ids are prefixed with the owning session so that all of a session's
// artifacts can be dropped eagerly when the session closes.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/voxhaven/voxhaven/internal/observe"
)

const (
	// DefaultTTL is how long an artifact stays retrievable after creation.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxBytes is the soft bound on total cached audio. When exceeded,
	// the reaper evicts oldest entries first until back under the bound.
	DefaultMaxBytes = 64 << 20 // 64 MiB

	// reapInterval is how often the size reaper scans the cache.
	reapInterval = 30 * time.Second
)

// ErrNotFound is returned by Get for missing or expired artifacts.
var ErrNotFound = errors.New("artifact: not found")

// entry is the msgpack-encoded value stored per artifact.
type entry struct {
	ContentType string `msgpack:"ct"`
	CreatedAt   int64  `msgpack:"at"` // unix nanos
	Data        []byte `msgpack:"d"`
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithTTL overrides the per-entry time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithMaxBytes overrides the soft bound on total cached bytes.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// WithMetrics reports the cached-artifact count on m. The count is refreshed
// by the reaper scan, so it trails TTL expiry by up to one reap interval.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store is a concurrency-safe, TTL'd audio artifact cache.
type Store struct {
	db       *badger.DB
	ttl      time.Duration
	maxBytes int64
	metrics  *observe.Metrics
	reported int64 // last artifact count pushed to the gauge

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// quietLogger silences badger's default stderr chatter; store-level events
// are logged through slog instead.
type quietLogger struct{}

func (quietLogger) Errorf(f string, a ...any)   { slog.Error(fmt.Sprintf("badger: "+f, a...)) }
func (quietLogger) Warningf(f string, a ...any) { slog.Warn(fmt.Sprintf("badger: "+f, a...)) }
func (quietLogger) Infof(string, ...any)        {}
func (quietLogger) Debugf(string, ...any)       {}

// NewStore opens an in-memory badger instance and starts the size reaper.
// Call Close to release it.
func NewStore(opts ...Option) (*Store, error) {
	dbOpts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(quietLogger{})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("artifact: open store: %w", err)
	}

	s := &Store{
		db:       db,
		ttl:      DefaultTTL,
		maxBytes: DefaultMaxBytes,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.wg.Add(1)
	go s.reapLoop()
	return s, nil
}

// Put stores audio under a fresh opaque id owned by sessionID and returns the
// id. The entry expires after the store's TTL.
func (s *Store) Put(sessionID string, audio []byte, contentType string) (string, error) {
	if sessionID == "" {
		return "", errors.New("artifact: sessionID must not be empty")
	}
	if len(audio) == 0 {
		return "", errors.New("artifact: audio must not be empty")
	}

	id := sessionID + ":" + uuid.NewString()
	val, err := msgpack.Marshal(entry{
		ContentType: contentType,
		CreatedAt:   time.Now().UnixNano(),
		Data:        audio,
	})
	if err != nil {
		return "", fmt.Errorf("artifact: encode entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(id), val).WithTTL(s.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return "", fmt.Errorf("artifact: put: %w", err)
	}
	return id, nil
}

// Get returns the audio bytes and content type for id, or ErrNotFound if the
// id is unknown or the entry has expired.
func (s *Store) Get(id string) ([]byte, string, error) {
	var e entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("artifact: get: %w", err)
	}
	return e.Data, e.ContentType, nil
}

// DropSession eagerly removes every artifact created by sessionID.
func (s *Store) DropSession(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	prefix := []byte(sessionID + ":")

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("artifact: drop session scan: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("artifact: drop session delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("artifact: drop session flush: %w", err)
	}
	if len(keys) > 0 {
		slog.Debug("dropped session artifacts", "session", sessionID, "count", len(keys))
	}
	return nil
}

// Close stops the reaper and releases the store.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// reapLoop periodically enforces the size bound. TTL expiry is handled by
// badger itself.
func (s *Store) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.reapOverSize(); err != nil {
				slog.Warn("artifact reaper failed", "err", err)
			}
		}
	}
}

// sized pairs an artifact key with its creation time and stored size.
type sized struct {
	key       []byte
	createdAt int64
	size      int64
}

// reapOverSize scans all entries and, if the total exceeds maxBytes, deletes
// oldest-first until the cache is back under the bound.
func (s *Store) reapOverSize() error {
	var (
		total   int64
		entries []sized
	)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var e entry
			err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			})
			if err != nil {
				continue
			}
			sz := int64(len(e.Data))
			total += sz
			entries = append(entries, sized{
				key:       item.KeyCopy(nil),
				createdAt: e.CreatedAt,
				size:      sz,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if total <= s.maxBytes {
		s.reportCount(int64(len(entries)))
		return nil
	}

	// Oldest first.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt < entries[j].createdAt
	})

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	evicted := 0
	for _, e := range entries {
		if total <= s.maxBytes {
			break
		}
		if err := wb.Delete(e.key); err != nil {
			return err
		}
		total -= e.size
		evicted++
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	s.reportCount(int64(len(entries) - evicted))
	slog.Info("artifact cache evicted over-size entries", "count", evicted, "remaining_bytes", total)
	return nil
}

// reportCount pushes the delta since the last reported artifact count onto
// the gauge.
func (s *Store) reportCount(count int64) {
	if s.metrics == nil {
		return
	}
	if delta := count - s.reported; delta != 0 {
		s.metrics.CachedArtifacts.Add(context.Background(), delta)
		s.reported = count
	}
}

// ValidID reports whether id looks like an id this store issued. Used by the
// HTTP handler to reject junk paths before hitting the store.
func ValidID(id string) bool {
	sess, rest, ok := strings.Cut(id, ":")
	return ok && sess != "" && rest != ""
}
