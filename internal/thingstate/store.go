package thingstate

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-cloudbridge/internal/bridge"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/database"
)

// Change origins stored with each value.
const (
	OriginLocal = "local"
	OriginCloud = "cloud"
)

// defaultBufferSize is the per-subscriber channel capacity.
const defaultBufferSize = 256

// Logger is the logging interface used by the store.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
}

// ApplyHook is called after a cloud change has been stored.
type ApplyHook func(ctx context.Context, rec bridge.StateRecord)

// Options configures a Store.
type Options struct {
	// DB is an open, migrated database.
	DB *database.DB

	// Owner is the identity that may subscribe.
	Owner string

	// BufferSize is the capacity of each subscriber channel. Changes beyond
	// it wait in a per-key pending set. Default: 256.
	BufferSize int

	// Logger is optional.
	Logger Logger
}

// Entry is a stored value with its provenance.
type Entry struct {
	bridge.StateRecord
	Origin    string    `json:"origin"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	_ bridge.LocalTransport   = (*Store)(nil)
	_ bridge.LocalSnapshotter = (*Store)(nil)
)

// Store is the SQLite backed thing state transport.
// It satisfies bridge.LocalTransport.
//
// Thread Safety: All methods are safe for concurrent use.
type Store struct {
	db         *database.DB
	owner      string
	bufferSize int
	logger     Logger
	now        func() time.Time

	onApply   ApplyHook
	onApplyMu sync.RWMutex

	subs   map[*subscriber]struct{}
	subsMu sync.RWMutex
}

// subscriber holds changes not yet taken by the reader. Pending changes
// are keyed by thing and band: a newer value replaces a pending one for the
// same key and keeps its place in the queue, so no key is ever lost.
type subscriber struct {
	bands map[string]struct{}
	out   chan bridge.StateRecord
	wake  chan struct{}

	mu      sync.Mutex
	pending map[string]bridge.StateRecord
	queue   []string
}

// push queues rec and reports whether it replaced a pending value.
func (sub *subscriber) push(rec bridge.StateRecord) bool {
	key := rec.Key()

	sub.mu.Lock()
	_, replaced := sub.pending[key]
	sub.pending[key] = rec
	if !replaced {
		sub.queue = append(sub.queue, key)
	}
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return replaced
}

// pop takes the oldest pending key.
func (sub *subscriber) pop() (bridge.StateRecord, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if len(sub.queue) == 0 {
		return bridge.StateRecord{}, false
	}
	key := sub.queue[0]
	sub.queue[0] = ""
	sub.queue = sub.queue[1:]
	rec := sub.pending[key]
	delete(sub.pending, key)
	return rec, true
}

// New creates a store over an open database.
func New(opts Options) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("thingstate: database is required")
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Store{
		db:         opts.DB,
		owner:      opts.Owner,
		bufferSize: bufferSize,
		logger:     opts.Logger,
		now:        time.Now,
		subs:       make(map[*subscriber]struct{}),
	}, nil
}

// Owner returns the store owner identity.
func (s *Store) Owner() string {
	return s.owner
}

// SetOnApply registers a hook run after every changed cloud Apply.
func (s *Store) SetOnApply(hook ApplyHook) {
	s.onApplyMu.Lock()
	s.onApply = hook
	s.onApplyMu.Unlock()
}

// Put records a local change. It reports whether the stored value changed;
// subscribers are notified only when it did.
func (s *Store) Put(ctx context.Context, rec bridge.StateRecord) (bool, error) {
	stored, changed, err := s.upsert(ctx, rec, OriginLocal)
	if err != nil || !changed {
		return false, err
	}
	s.notify(stored)
	return true, nil
}

// Apply records a change received from the cloud, notifying subscribers
// and the apply hook when the value changed.
func (s *Store) Apply(ctx context.Context, rec bridge.StateRecord) error {
	stored, changed, err := s.upsert(ctx, rec, OriginCloud)
	if err != nil || !changed {
		return err
	}

	s.notify(stored)

	s.onApplyMu.RLock()
	hook := s.onApply
	s.onApplyMu.RUnlock()
	if hook != nil {
		hook(ctx, stored)
	}
	return nil
}

// Get returns the stored value for a thing band.
func (s *Store) Get(ctx context.Context, thingID, band string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thing_id, band, value, origin, updated_at
		 FROM thing_state
		 WHERE thing_id = ? AND band = ?`,
		thingID, band,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// List returns every stored value ordered by thing and band.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thing_id, band, value, origin, updated_at
		 FROM thing_state
		 ORDER BY thing_id, band`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying thing state: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thing state: %w", err)
	}
	return entries, nil
}

// Subscribe streams changes for bands to owner until ctx is done, when
// the channel is closed. An empty owner is treated as the store owner.
//
// A slow reader never blocks writers and never loses a key: while the
// channel is full, repeated changes to one thing band collapse into the
// newest value.
func (s *Store) Subscribe(ctx context.Context, bands []string, owner string) (<-chan bridge.StateRecord, error) {
	if err := s.checkOwner(owner); err != nil {
		return nil, err
	}

	sub := &subscriber{
		bands:   make(map[string]struct{}, len(bands)),
		out:     make(chan bridge.StateRecord, s.bufferSize),
		wake:    make(chan struct{}, 1),
		pending: make(map[string]bridge.StateRecord),
	}
	for _, b := range bands {
		sub.bands[b] = struct{}{}
	}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	go s.deliver(ctx, sub)

	return sub.out, nil
}

// Snapshot returns the stored values for bands, ordered by thing and band.
func (s *Store) Snapshot(ctx context.Context, bands []string, owner string) ([]bridge.StateRecord, error) {
	if err := s.checkOwner(owner); err != nil {
		return nil, err
	}

	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(bands))
	for _, b := range bands {
		wanted[b] = struct{}{}
	}

	records := make([]bridge.StateRecord, 0, len(entries))
	for _, e := range entries {
		if _, ok := wanted[e.Band]; ok {
			records = append(records, e.StateRecord)
		}
	}
	return records, nil
}

func (s *Store) checkOwner(owner string) error {
	if owner != "" && owner != s.owner {
		return fmt.Errorf("%w: %q may not read state owned by %q", ErrPermissionDenied, owner, s.owner)
	}
	return nil
}

// deliver moves pending changes to the subscriber channel until ctx is
// done, then unregisters the subscriber and closes its channel.
func (s *Store) deliver(ctx context.Context, sub *subscriber) {
	defer func() {
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
		close(sub.out)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.wake:
		}

		for {
			rec, ok := sub.pop()
			if !ok {
				break
			}
			select {
			case sub.out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

// upsert stores rec unless the stored value is identical.
func (s *Store) upsert(ctx context.Context, rec bridge.StateRecord, origin string) (bridge.StateRecord, bool, error) {
	if rec.ThingID == "" || rec.Band == "" {
		return rec, false, fmt.Errorf("%w: thing id and band are required", ErrInvalidRecord)
	}
	value, err := canonicalJSON(rec.Value)
	if err != nil {
		return rec, false, fmt.Errorf("%w: %s: %w", ErrInvalidRecord, rec.Key(), err)
	}
	rec.Value = value

	changed := false
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT value FROM thing_state WHERE thing_id = ? AND band = ?",
			rec.ThingID, rec.Band,
		).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("reading thing state: %w", err)
		case current == string(value):
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO thing_state (thing_id, band, value, origin, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (thing_id, band) DO UPDATE SET
			   value = excluded.value,
			   origin = excluded.origin,
			   updated_at = excluded.updated_at`,
			rec.ThingID, rec.Band, string(value), origin, s.now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("writing thing state: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return rec, false, err
	}
	return rec, changed, nil
}

// notify hands rec to matching subscribers without blocking.
func (s *Store) notify(rec bridge.StateRecord) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for sub := range s.subs {
		if _, ok := sub.bands[rec.Band]; !ok {
			continue
		}
		if sub.push(rec) {
			s.logDebug("coalesced pending change", "thing_id", rec.ThingID, "band", rec.Band)
		}
	}
}

func (s *Store) logDebug(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, keysAndValues...)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry     Entry
		value     string
		updatedAt string
	)
	if err := row.Scan(&entry.ThingID, &entry.Band, &value, &entry.Origin, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scanning thing state: %w", err)
	}
	entry.Value = json.RawMessage(value)

	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing updated_at %q: %w", updatedAt, err)
	}
	entry.UpdatedAt = t
	return entry, nil
}

// canonicalJSON re-encodes raw with sorted keys and no insignificant
// whitespace, so equal values compare byte-equal. Empty input is null.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
