package store

import (
	"context"

	"chatpipe/internal/models"
)

// MessageStore is the durable source of truth. Upserts are idempotent by
// message identity so reprocessing a job never duplicates a record.
type MessageStore interface {
	UpsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListDirectConversation(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error)
	ListGroupConversation(ctx context.Context, groupID string, limit, offset int) ([]*models.Message, error)
}

// DirectoryStore answers target-existence and display lookups for ingestion
// validation and fan-out enrichment.
type DirectoryStore interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	GroupExists(ctx context.Context, groupID string) (bool, error)
	GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// PresenceStore records best-effort online flags. Readers must treat the
// flag as eventually consistent across the fleet.
type PresenceStore interface {
	MarkPresence(ctx context.Context, userID string, online bool) error
}

// Store is the full durable-store surface the pipeline consumes.
type Store interface {
	MessageStore
	DirectoryStore
	PresenceStore
}
