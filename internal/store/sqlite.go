package store

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"fmt"

	"github.com/dkeye/Ensemble/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLite is the file-backed Store used in production.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates, if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error pinging db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("error creating tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) ReadUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var (
		u     domain.User
		tag   sql.NullString
		flags string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, color, tag, flags FROM users WHERE id = ?", string(id),
	).Scan(&u.ID, &u.Name, &u.Color, &tag, &flags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}

	if tag.Valid && tag.String != "" {
		var t domain.Tag
		if err := json.Unmarshal([]byte(tag.String), &t); err == nil {
			u.Tag = &t
		}
	}
	if err := json.Unmarshal([]byte(flags), &u.Flags); err != nil {
		u.Flags = domain.UserFlags{}
	}
	return &u, nil
}

func (s *SQLite) CreateUser(ctx context.Context, u *domain.User) error {
	tag, flags, err := encodeUser(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, name, color, tag, flags) VALUES (?, ?, ?, ?, ?)",
		string(u.ID), u.Name, u.Color, tag, flags)
	if err != nil {
		return fmt.Errorf("error inserting user: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateUser(ctx context.Context, u *domain.User) error {
	tag, flags, err := encodeUser(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE users SET name = ?, color = ?, tag = ?, flags = ? WHERE id = ?",
		u.Name, u.Color, tag, flags, string(u.ID))
	if err != nil {
		return fmt.Errorf("error updating user: %w", err)
	}
	return nil
}

func encodeUser(u *domain.User) (tag sql.NullString, flags string, err error) {
	if u.Tag != nil {
		b, err := json.Marshal(u.Tag)
		if err != nil {
			return tag, "", fmt.Errorf("error encoding tag: %w", err)
		}
		tag = sql.NullString{String: string(b), Valid: true}
	}
	b, err := json.Marshal(u.Flags)
	if err != nil {
		return tag, "", fmt.Errorf("error encoding flags: %w", err)
	}
	return tag, string(b), nil
}

func (s *SQLite) ReadRoles(ctx context.Context, id domain.UserID) ([]string, error) {
	return s.column(ctx, "SELECT role FROM user_roles WHERE user_id = ?", string(id))
}

func (s *SQLite) GiveRole(ctx context.Context, id domain.UserID, role string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?)", string(id), role)
	return err
}

func (s *SQLite) RemoveRole(ctx context.Context, id domain.UserID, role string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM user_roles WHERE user_id = ? AND role = ?", string(id), role)
	return err
}

func (s *SQLite) ReadRolePermissions(ctx context.Context, role string) ([]string, error) {
	return s.column(ctx, "SELECT permission FROM role_permissions WHERE role = ?", role)
}

func (s *SQLite) AddRolePermission(ctx context.Context, role, perm string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO role_permissions (role, permission) VALUES (?, ?)", role, perm)
	return err
}

func (s *SQLite) RemoveRolePermission(ctx context.Context, role, perm string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM role_permissions WHERE role = ? AND permission = ?", role, perm)
	return err
}

func (s *SQLite) column(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("error querying: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveChatHistory(ctx context.Context, channelID string, msgs []domain.ChatMessage) error {
	b, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("error encoding chat history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_history (channel_id, history) VALUES (?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET history = excluded.history`,
		channelID, string(b))
	return err
}

func (s *SQLite) GetChatHistory(ctx context.Context, channelID string) ([]domain.ChatMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT history FROM chat_history WHERE channel_id = ?", channelID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying chat history: %w", err)
	}
	var msgs []domain.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("error decoding chat history: %w", err)
	}
	return msgs, nil
}

func (s *SQLite) DeleteChatHistory(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM chat_history WHERE channel_id = ?", channelID)
	return err
}

func (s *SQLite) SaveChannelRecord(ctx context.Context, rec *domain.ChannelRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error encoding channel record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channel_records (id, record) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record`,
		rec.ID, string(b))
	return err
}

func (s *SQLite) GetChannelRecord(ctx context.Context, channelID string) (*domain.ChannelRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT record FROM channel_records WHERE id = ?", channelID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying channel record: %w", err)
	}
	var rec domain.ChannelRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("error decoding channel record: %w", err)
	}
	return &rec, nil
}

func (s *SQLite) DeleteChannelRecord(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM channel_records WHERE id = ?", channelID)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
