// Package queue implements persistent per-key FIFO queues with leased
// at-most-once dequeue. Ordering is maintained in memory; every mutation is
// mirrored to the durable store so queues survive restarts.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

var (
	// ErrEmpty is returned by Peek when the key has no visible entries.
	ErrEmpty = errors.New("queue empty")

	// ErrOverloaded is returned by Push when the queue is at its high-water
	// mark. Callers choose their own retry policy; Push never blocks.
	ErrOverloaded = errors.New("queue overloaded")

	// ErrDeadLetter is returned by Release once an entry exceeds its attempt
	// bound. The entry is removed from the queue.
	ErrDeadLetter = errors.New("entry dead-lettered")

	// ErrUnknownLease is returned for commit/release with an expired or
	// foreign lease token.
	ErrUnknownLease = errors.New("unknown lease token")
)

// Config tunes queue behavior.
type Config struct {
	// LeaseDuration is how long a peeked entry stays invisible. Default 5m.
	LeaseDuration time.Duration

	// MaxAttempts bounds release-retry cycles before dead-letter. Default 5.
	MaxAttempts int

	// HighWaterMark caps total queued entries. 0 disables the bound.
	HighWaterMark int

	// DedupWindow suppresses re-pushes of an identical (key, payload) pair
	// within the window. 0 disables dedup.
	DedupWindow time.Duration

	// SubscriberBuffer sizes each enqueue-notification channel. Default 64.
	SubscriberBuffer int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:    5 * time.Minute,
		MaxAttempts:      5,
		HighWaterMark:    0,
		SubscriberBuffer: 64,
	}
}

func (c Config) sanitized() Config {
	d := DefaultConfig()
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	return c
}

type lease struct {
	key    string
	nonce  string
	expiry time.Time
}

// Manager is the per-key FIFO queue manager.
type Manager struct {
	config Config
	store  store.Store

	mu     sync.Mutex
	queues map[string][]*models.QueueEntry
	leases map[string]*lease
	dedup  map[string]time.Time
	total  int

	subs   map[int]chan string
	nextID int

	closed bool
}

// NewManager builds a queue manager over the given store.
func NewManager(st store.Store, config Config) *Manager {
	return &Manager{
		config: config.sanitized(),
		store:  st,
		queues: make(map[string][]*models.QueueEntry),
		leases: make(map[string]*lease),
		dedup:  make(map[string]time.Time),
		subs:   make(map[int]chan string),
	}
}

// Recover reloads persisted entries after a restart. Stale leases are cleared
// so entries become visible again.
func (m *Manager) Recover(ctx context.Context) error {
	entries, err := m.store.LoadQueueEntries(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e.LeaseToken = ""
		e.LeaseExpiry = time.Time{}
		m.queues[e.Key] = append(m.queues[e.Key], e)
		m.total++
	}
	return nil
}

// Push appends payload to key's queue and notifies subscribers.
func (m *Manager) Push(ctx context.Context, key string, payload []byte) error {
	m.mu.Lock()
	if m.config.HighWaterMark > 0 && m.total >= m.config.HighWaterMark {
		m.mu.Unlock()
		return ErrOverloaded
	}
	if m.config.DedupWindow > 0 {
		dk := dedupKey(key, payload)
		if last, ok := m.dedup[dk]; ok && time.Since(last) < m.config.DedupWindow {
			m.mu.Unlock()
			return nil
		}
		m.dedup[dk] = time.Now()
	}
	entry := &models.QueueEntry{
		Key:        key,
		Nonce:      uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	m.queues[key] = append(m.queues[key], entry)
	m.total++
	m.mu.Unlock()

	if err := m.store.SaveQueueEntry(ctx, entry); err != nil {
		m.mu.Lock()
		m.removeLocked(key, entry.Nonce)
		m.mu.Unlock()
		return err
	}

	m.notify(key)
	return nil
}

// Peek reserves the head entry for key under a lease. The entry becomes
// invisible to other peekers until committed, released, or the lease expires.
func (m *Manager) Peek(ctx context.Context, key string) (string, []byte, error) {
	now := time.Now()
	m.mu.Lock()
	m.sweepKeyLocked(key, now)

	var entry *models.QueueEntry
	for _, e := range m.queues[key] {
		if !e.Leased(now) {
			entry = e
			break
		}
	}
	if entry == nil {
		m.mu.Unlock()
		return "", nil, ErrEmpty
	}

	token := uuid.NewString()
	entry.LeaseToken = token
	entry.LeaseExpiry = now.Add(m.config.LeaseDuration)
	m.leases[token] = &lease{key: key, nonce: entry.Nonce, expiry: entry.LeaseExpiry}
	clone := *entry
	m.mu.Unlock()

	if err := m.store.SaveQueueEntry(ctx, &clone); err != nil {
		m.mu.Lock()
		entry.LeaseToken = ""
		entry.LeaseExpiry = time.Time{}
		delete(m.leases, token)
		m.mu.Unlock()
		return "", nil, err
	}
	return token, clone.Payload, nil
}

// Commit permanently removes the leased entry. Idempotent: committing an
// unknown token is a no-op.
func (m *Manager) Commit(ctx context.Context, token string) error {
	m.mu.Lock()
	l, ok := m.leases[token]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.leases, token)
	m.removeLocked(l.key, l.nonce)
	m.mu.Unlock()

	return m.store.DeleteQueueEntry(ctx, l.key, l.nonce)
}

// Release returns the leased entry to the head of its queue with an
// incremented attempt count. Exceeding the attempt bound removes the entry
// and returns ErrDeadLetter.
func (m *Manager) Release(ctx context.Context, token string, backoff time.Duration) error {
	m.mu.Lock()
	l, ok := m.leases[token]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownLease
	}
	delete(m.leases, token)

	var entry *models.QueueEntry
	for _, e := range m.queues[l.key] {
		if e.Nonce == l.nonce {
			entry = e
			break
		}
	}
	if entry == nil {
		m.mu.Unlock()
		return ErrUnknownLease
	}

	entry.Attempts++
	entry.LeaseToken = ""
	entry.LeaseExpiry = time.Time{}
	if entry.Attempts >= m.config.MaxAttempts {
		m.removeLocked(l.key, l.nonce)
		m.mu.Unlock()
		if err := m.store.DeleteQueueEntry(ctx, l.key, l.nonce); err != nil {
			return err
		}
		return ErrDeadLetter
	}
	if backoff > 0 {
		// A short lease-less delay keeps the entry invisible for the hint
		// without blocking other keys.
		entry.LeaseExpiry = time.Now().Add(backoff)
		entry.LeaseToken = "backoff"
	}
	clone := *entry
	m.mu.Unlock()

	if err := m.store.SaveQueueEntry(ctx, &clone); err != nil {
		return err
	}
	m.notify(l.key)
	return nil
}

// Subscribe returns a channel of queue keys signalled on every push. The
// cancel func removes the subscription and closes the channel.
func (m *Manager) Subscribe() (<-chan string, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan string, m.config.SubscriberBuffer)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

// Keys returns keys that currently have visible work, FIFO by oldest entry.
func (m *Manager) Keys() []string {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	oldest := make(map[string]time.Time)
	for key, entries := range m.queues {
		for _, e := range entries {
			if !e.Leased(now) {
				keys = append(keys, key)
				oldest[key] = entries[0].EnqueuedAt
				break
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return oldest[keys[i]].Before(oldest[keys[j]]) })
	return keys
}

// Depth returns the total number of queued entries.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// SweepExpired clears expired leases, making their entries visible again, and
// notifies subscribers for affected keys. Invoked periodically and
// opportunistically from Peek.
func (m *Manager) SweepExpired() []string {
	now := time.Now()
	m.mu.Lock()
	var woken []string
	for key := range m.queues {
		if m.sweepKeyLocked(key, now) {
			woken = append(woken, key)
		}
	}
	m.mu.Unlock()
	for _, key := range woken {
		m.notify(key)
	}
	return woken
}

// PruneKey removes every entry for key, in memory and from the store,
// revoking any outstanding leases. Used by maintenance sweeps to clear
// residue left behind by archived jobs. Returns the number of entries
// removed.
func (m *Manager) PruneKey(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	entries := m.queues[key]
	nonces := make([]string, 0, len(entries))
	for _, e := range entries {
		nonces = append(nonces, e.Nonce)
	}
	for token, l := range m.leases {
		if l.key == key {
			delete(m.leases, token)
		}
	}
	m.total -= len(entries)
	delete(m.queues, key)
	m.mu.Unlock()

	for _, nonce := range nonces {
		if err := m.store.DeleteQueueEntry(ctx, key, nonce); err != nil {
			return len(nonces), err
		}
	}
	return len(nonces), nil
}

// Close tears down all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Manager) sweepKeyLocked(key string, now time.Time) bool {
	swept := false
	for _, e := range m.queues[key] {
		if e.LeaseToken != "" && !e.LeaseExpiry.After(now) {
			for token, l := range m.leases {
				if l.key == key && l.nonce == e.Nonce {
					delete(m.leases, token)
				}
			}
			e.LeaseToken = ""
			e.LeaseExpiry = time.Time{}
			swept = true
		}
	}
	return swept
}

func (m *Manager) removeLocked(key, nonce string) {
	entries := m.queues[key]
	for i, e := range entries {
		if e.Nonce == nonce {
			m.queues[key] = append(entries[:i], entries[i+1:]...)
			m.total--
			break
		}
	}
	if len(m.queues[key]) == 0 {
		delete(m.queues, key)
	}
}

// notify fans the key out to all subscribers. Slow subscribers are skipped
// rather than blocking the pusher; the executor also polls, so a dropped
// notification only delays pickup.
func (m *Manager) notify(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- key:
		default:
		}
	}
}

func dedupKey(key string, payload []byte) string {
	h := sha256.Sum256(payload)
	return key + "/" + hex.EncodeToString(h[:])
}
