package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"chatpipe/internal/models"
	"chatpipe/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the sqlite-backed Store implementation.
type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(initialSchema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// UpsertMessage inserts the message or, when the identity already exists,
// refreshes the immutable content columns. Mutation columns (edited,
// deleted, reactions, seen_by) are never touched on conflict so a delayed
// reprocess cannot undo an edit or reaction that landed in between.
func (d *Database) UpsertMessage(ctx context.Context, msg *models.Message) error {
	reactions, err := json.Marshal(orEmptyMap(msg.Reactions))
	if err != nil {
		return fmt.Errorf("failed to marshal reactions: %w", err)
	}
	seenBy, err := json.Marshal(orEmptySeen(msg.SeenBy))
	if err != nil {
		return fmt.Errorf("failed to marshal seen-by set: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, sender, receiver, group_id, text, media_ref, file_ref,
			reply_to, created_at, reactions, seen_by, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			text       = excluded.text,
			media_ref  = excluded.media_ref,
			file_ref   = excluded.file_ref,
			reply_to   = excluded.reply_to,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = d.db.ExecContext(ctx, query,
		msg.ID,
		msg.Sender,
		nullString(msg.Receiver),
		nullString(msg.Group),
		msg.Text,
		msg.MediaRef,
		msg.FileRef,
		msg.ReplyTo,
		msg.CreatedAt.UTC(),
		string(reactions),
		string(seenBy),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	return nil
}

func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := selectMessageColumns + ` WHERE id = ?`

	row := d.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListDirectConversation returns the page of messages between two peers in
// createdAt order. Display order follows the payload timestamp, never the
// order workers happened to persist in.
func (d *Database) ListDirectConversation(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error) {
	query := selectMessageColumns + `
		WHERE group_id IS NULL
		  AND ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?
	`

	rows, err := d.db.QueryContext(ctx, query, userA, userB, userB, userA, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list direct conversation: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (d *Database) ListGroupConversation(ctx context.Context, groupID string, limit, offset int) ([]*models.Message, error) {
	query := selectMessageColumns + `
		WHERE group_id = ?
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?
	`

	rows, err := d.db.QueryContext(ctx, query, groupID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list group conversation: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (d *Database) UserExists(ctx context.Context, userID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return n > 0, nil
}

func (d *Database) GroupExists(ctx context.Context, groupID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM groups WHERE id = ?`, groupID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check group existence: %w", err)
	}
	return n > 0, nil
}

func (d *Database) GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	profile := &models.UserProfile{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, display_name, avatar_ref FROM users WHERE id = ?`, userID,
	).Scan(&profile.ID, &profile.DisplayName, &profile.AvatarRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}
	return profile, nil
}

func (d *Database) GetGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get group members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (d *Database) MarkPresence(ctx context.Context, userID string, online bool) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE users SET online = ?, last_seen = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(online), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark presence: %w", err)
	}
	return nil
}

// SaveUserProfile creates or updates a directory entry. Used by the user
// management glue outside the pipeline and by tests to seed fixtures.
func (d *Database) SaveUserProfile(ctx context.Context, profile *models.UserProfile) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar_ref) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_ref   = excluded.avatar_ref
	`, profile.ID, profile.DisplayName, profile.AvatarRef)
	if err != nil {
		return fmt.Errorf("failed to save user profile: %w", err)
	}
	return nil
}

// SaveGroup creates or renames a group.
func (d *Database) SaveGroup(ctx context.Context, groupID, name string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO groups (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, groupID, name)
	if err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

// AddGroupMember is idempotent per (group, user) pair.
func (d *Database) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

const selectMessageColumns = `
	SELECT id, sender, receiver, group_id, text, media_ref, file_ref,
	       reply_to, created_at, edited, edit_history, deleted, deleted_at,
	       reactions, seen_by, updated_at
	FROM messages`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var receiver, group sql.NullString
	var deletedAt sql.NullTime
	var edited, deleted int
	var editHistory, reactions, seenBy string

	err := row.Scan(
		&msg.ID,
		&msg.Sender,
		&receiver,
		&group,
		&msg.Text,
		&msg.MediaRef,
		&msg.FileRef,
		&msg.ReplyTo,
		&msg.CreatedAt,
		&edited,
		&editHistory,
		&deleted,
		&deletedAt,
		&reactions,
		&seenBy,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Receiver = receiver.String
	msg.Group = group.String
	msg.Edited = edited != 0
	msg.Deleted = deleted != 0
	if deletedAt.Valid {
		t := deletedAt.Time
		msg.DeletedAt = &t
	}
	if err := json.Unmarshal([]byte(editHistory), &msg.EditHistory); err != nil {
		return nil, fmt.Errorf("failed to decode edit history: %w", err)
	}
	if err := json.Unmarshal([]byte(reactions), &msg.Reactions); err != nil {
		return nil, fmt.Errorf("failed to decode reactions: %w", err)
	}
	if err := json.Unmarshal([]byte(seenBy), &msg.SeenBy); err != nil {
		return nil, fmt.Errorf("failed to decode seen-by set: %w", err)
	}

	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyMap(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}

func orEmptySeen(s []models.SeenRecord) []models.SeenRecord {
	if s == nil {
		return []models.SeenRecord{}
	}
	return s
}

var _ Store = (*Database)(nil)
