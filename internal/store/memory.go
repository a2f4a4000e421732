package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"hangouts-relay/internal/model"
)

// Memory is the in-process HangoutStore, used in tests and single-node runs
// without a document database.
type Memory struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	deviceTTL time.Duration
}

type Options struct {
	DeviceTTL time.Duration
}

func NewMemory() *Memory {
	return NewMemoryWithOptions(Options{})
}

func NewMemoryWithOptions(opts Options) *Memory {
	ttl := opts.DeviceTTL
	if ttl <= 0 {
		ttl = DefaultDeviceTTL
	}
	return &Memory{users: make(map[string]*model.User), deviceTTL: ttl}
}

func (m *Memory) EnsureUser(ctx context.Context, username, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		m.users[username] = &model.User{
			Username:  username,
			Email:     email,
			CreatedAt: time.Now().UnixMilli(),
		}
		return nil
	}
	if u.Email == "" && email != "" {
		u.Email = email
	}
	return nil
}

func (m *Memory) FindUser(ctx context.Context, username string) (model.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return model.User{}, false, nil
	}
	return copyUser(u), true, nil
}

func (m *Memory) RecordDevice(ctx context.Context, username, browserID string, nowMillis int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		u = &model.User{Username: username, CreatedAt: nowMillis}
		m.users[username] = u
	}

	cutoff := nowMillis - m.deviceTTL.Milliseconds()
	kept := u.Browsers[:0]
	found := false
	for i := range u.Browsers {
		b := u.Browsers[i]
		if b.BrowserID == browserID {
			b.LastSeenAt = nowMillis
			found = true
		} else if b.LastSeenAt < cutoff {
			continue
		}
		kept = append(kept, b)
	}
	u.Browsers = kept
	if !found {
		u.Browsers = append(u.Browsers, model.Browser{BrowserID: browserID, LastSeenAt: nowMillis})
	}
	return nil
}

func (m *Memory) AppendHangout(ctx context.Context, username string, h model.Hangout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		u = &model.User{Username: username, CreatedAt: time.Now().UnixMilli()}
		m.users[username] = u
	}
	for i := range u.Hangouts {
		if u.Hangouts[i].Username == h.Username {
			u.Hangouts[i] = h
			return nil
		}
	}
	u.Hangouts = append(u.Hangouts, h)
	return nil
}

func (m *Memory) EnqueueUndelivered(ctx context.Context, username, browserID string, h model.Hangout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.userLocked(username)
	entry := model.QueueEntry{ID: uuid.NewString(), Hangout: h}
	if browserID == "" {
		u.Undelivered = append(u.Undelivered, entry)
		return nil
	}
	b := m.browserLocked(u, browserID)
	b.Undelivered = append(b.Undelivered, entry)
	return nil
}

func (m *Memory) EnqueueDelayed(ctx context.Context, username, browserID string, h model.Hangout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.userLocked(username)
	b := m.browserLocked(u, browserID)
	b.Delayed = append(b.Delayed, model.QueueEntry{ID: uuid.NewString(), Hangout: h})
	return nil
}

func (m *Memory) DrainUndelivered(ctx context.Context, username, browserID string) ([]model.Hangout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return nil, nil
	}

	// Account-level queue first: it holds events that predate the user's
	// first connected device.
	var snapshot []model.QueueEntry
	snapshot = append(snapshot, u.Undelivered...)
	u.Undelivered = removeEntries(u.Undelivered, snapshot)

	for i := range u.Browsers {
		if u.Browsers[i].BrowserID != browserID {
			continue
		}
		deviceSnapshot := append([]model.QueueEntry(nil), u.Browsers[i].Undelivered...)
		u.Browsers[i].Undelivered = removeEntries(u.Browsers[i].Undelivered, deviceSnapshot)
		snapshot = append(snapshot, deviceSnapshot...)
		break
	}
	return hangouts(snapshot), nil
}

func (m *Memory) DrainDelayed(ctx context.Context, username, browserID string) ([]model.Hangout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return nil, nil
	}
	for i := range u.Browsers {
		if u.Browsers[i].BrowserID != browserID {
			continue
		}
		snapshot := append([]model.QueueEntry(nil), u.Browsers[i].Delayed...)
		u.Browsers[i].Delayed = removeEntries(u.Browsers[i].Delayed, snapshot)
		return hangouts(snapshot), nil
	}
	return nil, nil
}

func (m *Memory) userLocked(username string) *model.User {
	u, ok := m.users[username]
	if !ok {
		u = &model.User{Username: username, CreatedAt: time.Now().UnixMilli()}
		m.users[username] = u
	}
	return u
}

func (m *Memory) browserLocked(u *model.User, browserID string) *model.Browser {
	for i := range u.Browsers {
		if u.Browsers[i].BrowserID == browserID {
			return &u.Browsers[i]
		}
	}
	u.Browsers = append(u.Browsers, model.Browser{BrowserID: browserID})
	return &u.Browsers[len(u.Browsers)-1]
}

// removeEntries deletes exactly the snapshot entries by ID, preserving order
// of anything enqueued after the snapshot was taken.
func removeEntries(queue, snapshot []model.QueueEntry) []model.QueueEntry {
	if len(snapshot) == 0 {
		return queue
	}
	drained := make(map[string]struct{}, len(snapshot))
	for _, e := range snapshot {
		drained[e.ID] = struct{}{}
	}
	kept := queue[:0]
	for _, e := range queue {
		if _, ok := drained[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	return kept
}

func hangouts(entries []model.QueueEntry) []model.Hangout {
	if len(entries) == 0 {
		return nil
	}
	result := make([]model.Hangout, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.Hangout)
	}
	return result
}

func copyUser(u *model.User) model.User {
	out := *u
	out.Browsers = append([]model.Browser(nil), u.Browsers...)
	for i := range out.Browsers {
		out.Browsers[i].Undelivered = append([]model.QueueEntry(nil), out.Browsers[i].Undelivered...)
		out.Browsers[i].Delayed = append([]model.QueueEntry(nil), out.Browsers[i].Delayed...)
	}
	out.Hangouts = append([]model.Hangout(nil), u.Hangouts...)
	out.Undelivered = append([]model.QueueEntry(nil), u.Undelivered...)
	return out
}
