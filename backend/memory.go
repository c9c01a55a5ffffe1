package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Backend used by tests and local development. It
// honours TTLs against an injectable clock, matches the same glob dialect as
// Redis MATCH, and can simulate an outage via SetAvailable.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	subs    map[string][]*memSub
	nowFunc func() time.Time
	down    bool
	closed  bool
}

type memEntry struct {
	val       []byte
	expiresAt time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		subs:    make(map[string][]*memSub),
		nowFunc: time.Now,
	}
}

// SetNow replaces the clock used for TTL accounting. Tests advance it
// instead of sleeping.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

// SetAvailable toggles simulated availability. While unavailable every
// operation fails with ErrUnavailable.
func (m *Memory) SetAvailable(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = !up
}

// Len reports the number of live (unexpired) entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := m.nowFunc()
	for _, e := range m.entries {
		if e.expiresAt.After(now) {
			n++
		}
	}
	return n
}

func (m *Memory) check(op string) error {
	if m.down || m.closed {
		return fmt.Errorf("%w: %s", ErrUnavailable, op)
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get"); err != nil {
		return nil, false, err
	}
	e, ok := m.entries[key]
	if !ok || !e.expiresAt.After(m.nowFunc()) {
		delete(m.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("backend: set %s: non-positive ttl %v", key, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set"); err != nil {
		return err
	}
	stored := make([]byte, len(val))
	copy(stored, val)
	m.entries[key] = memEntry{val: stored, expiresAt: m.nowFunc().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("del"); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("del pattern"); err != nil {
		return 0, err
	}
	deleted := 0
	for k := range m.entries {
		if matchGlob(pattern, k) {
			delete(m.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("expire"); err != nil {
		return false, err
	}
	e, ok := m.entries[key]
	if !ok || !e.expiresAt.After(m.nowFunc()) {
		return false, nil
	}
	e.expiresAt = m.nowFunc().Add(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping")
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("publish"); err != nil {
		return err
	}
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, s := range m.subs[channel] {
		select {
		case s.msgs <- msg:
		default:
			// Slow subscriber: drop, as a real broker with a full buffer
			// would. Delivery is best-effort.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("subscribe"); err != nil {
		return nil, err
	}
	s := &memSub{m: m, channels: channels, msgs: make(chan Message, 64)}
	for _, ch := range channels {
		m.subs[ch] = append(m.subs[ch], s)
	}
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for ch, subs := range m.subs {
		for _, s := range subs {
			s.closeLocked()
		}
		delete(m.subs, ch)
	}
	return nil
}

// SubscriberCount reports how many live subscriptions cover channel.
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

// DropSubscribers severs every live subscription without marking the backend
// down, simulating a pub/sub connection loss.
func (m *Memory) DropSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch, subs := range m.subs {
		for _, s := range subs {
			s.closeLocked()
		}
		delete(m.subs, ch)
	}
}

type memSub struct {
	m        *Memory
	channels []string
	msgs     chan Message
	closed   bool
}

func (s *memSub) Messages() <-chan Message { return s.msgs }

func (s *memSub) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, ch := range s.channels {
		subs := s.m.subs[ch]
		for i, cand := range subs {
			if cand == s {
				s.m.subs[ch] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	s.closeLocked()
	return nil
}

// closeLocked closes the message channel once. Caller holds m.mu.
func (s *memSub) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.msgs)
	}
}

// matchGlob implements the Redis MATCH dialect: * ? [...] with backslash
// escaping and no special treatment of any other character.
func matchGlob(pattern, s string) bool {
	p, n := 0, 0
	starP, starN := -1, 0
	for n < len(s) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starN = p, n
				p++
				continue
			case '?':
				p++
				n++
				continue
			case '[':
				if ok, next := matchClass(pattern, p, s[n]); ok {
					p = next
					n++
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == s[n] {
					p += 2
					n++
					continue
				}
			default:
				if pattern[p] == s[n] {
					p++
					n++
					continue
				}
			}
		}
		// Mismatch: backtrack to the last star, consuming one more byte.
		if starP >= 0 {
			starN++
			p, n = starP+1, starN
			continue
		}
		return false
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass matches one [...] class starting at pattern[p] against c,
// returning the index just past the closing bracket.
func matchClass(pattern string, p int, c byte) (bool, int) {
	i := p + 1
	negate := false
	if i < len(pattern) && pattern[i] == '^' {
		negate = true
		i++
	}
	matched := false
	for i < len(pattern) && pattern[i] != ']' {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			i++
		}
		lo := pattern[i]
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			hi := pattern[i+2]
			if lo <= c && c <= hi {
				matched = true
			}
			i += 3
			continue
		}
		if lo == c {
			matched = true
		}
		i++
	}
	if i >= len(pattern) {
		return false, p // unterminated class never matches
	}
	return matched != negate, i + 1
}
