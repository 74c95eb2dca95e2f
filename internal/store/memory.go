package store

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/Ensemble/internal/domain"
)

// Memory is a map-backed Store for tests and storage-less deployments.
type Memory struct {
	mu       sync.Mutex
	users    map[domain.UserID]domain.User
	roles    map[domain.UserID][]string
	perms    map[string][]string
	chats    map[string][]domain.ChatMessage
	channels map[string]domain.ChannelRecord
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[domain.UserID]domain.User),
		roles:    make(map[domain.UserID][]string),
		perms:    make(map[string][]string),
		chats:    make(map[string][]domain.ChatMessage),
		channels: make(map[string]domain.ChannelRecord),
	}
}

func (m *Memory) ReadUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	copied := u
	return &copied, nil
}

func (m *Memory) CreateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) UpdateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) ReadRoles(_ context.Context, id domain.UserID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.roles[id]), nil
}

func (m *Memory) GiveRole(_ context.Context, id domain.UserID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.roles[id], role) {
		m.roles[id] = append(m.roles[id], role)
	}
	return nil
}

func (m *Memory) RemoveRole(_ context.Context, id domain.UserID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[id] = slices.DeleteFunc(m.roles[id], func(r string) bool { return r == role })
	return nil
}

func (m *Memory) ReadRolePermissions(_ context.Context, role string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.perms[role]), nil
}

func (m *Memory) AddRolePermission(_ context.Context, role, perm string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.perms[role], perm) {
		m.perms[role] = append(m.perms[role], perm)
	}
	return nil
}

func (m *Memory) RemoveRolePermission(_ context.Context, role, perm string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perms[role] = slices.DeleteFunc(m.perms[role], func(p string) bool { return p == perm })
	return nil
}

func (m *Memory) SaveChatHistory(_ context.Context, channelID string, msgs []domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[channelID] = slices.Clone(msgs)
	return nil
}

func (m *Memory) GetChatHistory(_ context.Context, channelID string) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.chats[channelID]), nil
}

func (m *Memory) DeleteChatHistory(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, channelID)
	return nil
}

func (m *Memory) SaveChannelRecord(_ context.Context, rec *domain.ChannelRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[rec.ID] = *rec
	return nil
}

func (m *Memory) GetChannelRecord(_ context.Context, channelID string) (*domain.ChannelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[channelID]
	if !ok {
		return nil, nil
	}
	copied := rec
	return &copied, nil
}

func (m *Memory) DeleteChannelRecord(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelID)
	return nil
}

func (m *Memory) Close() error { return nil }
