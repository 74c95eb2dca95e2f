// Package store is the persistence collaborator of the channel engine.
// The engine treats every failure here as a no-op for that one operation;
// nothing in this package may take the server down.
package store

import (
	"context"

	"github.com/dkeye/Ensemble/internal/domain"
)

// Store is the full persistence surface the engine depends on. Read methods
// return (nil, nil) when the record does not exist.
type Store interface {
	ReadUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
	UpdateUser(ctx context.Context, u *domain.User) error

	ReadRoles(ctx context.Context, id domain.UserID) ([]string, error)
	GiveRole(ctx context.Context, id domain.UserID, role string) error
	RemoveRole(ctx context.Context, id domain.UserID, role string) error

	ReadRolePermissions(ctx context.Context, role string) ([]string, error)
	AddRolePermission(ctx context.Context, role, perm string) error
	RemoveRolePermission(ctx context.Context, role, perm string) error

	SaveChatHistory(ctx context.Context, channelID string, msgs []domain.ChatMessage) error
	GetChatHistory(ctx context.Context, channelID string) ([]domain.ChatMessage, error)
	DeleteChatHistory(ctx context.Context, channelID string) error

	SaveChannelRecord(ctx context.Context, rec *domain.ChannelRecord) error
	GetChannelRecord(ctx context.Context, channelID string) (*domain.ChannelRecord, error)
	DeleteChannelRecord(ctx context.Context, channelID string) error

	Close() error
}
