package store

const initialSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id           TEXT PRIMARY KEY,
    sender       TEXT NOT NULL,
    receiver     TEXT,
    group_id     TEXT,
    text         TEXT NOT NULL DEFAULT '',
    media_ref    TEXT NOT NULL DEFAULT '',
    file_ref     TEXT NOT NULL DEFAULT '',
    reply_to     TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    edited       INTEGER NOT NULL DEFAULT 0,
    edit_history TEXT NOT NULL DEFAULT '[]',
    deleted      INTEGER NOT NULL DEFAULT 0,
    deleted_at   TIMESTAMP,
    reactions    TEXT NOT NULL DEFAULT '{}',
    seen_by      TEXT NOT NULL DEFAULT '[]',
    updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_direct
    ON messages(sender, receiver, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_group
    ON messages(group_id, created_at);

CREATE TABLE IF NOT EXISTS users (
    id           TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    avatar_ref   TEXT NOT NULL DEFAULT '',
    online       INTEGER NOT NULL DEFAULT 0,
    last_seen    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS groups (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS group_members (
    group_id TEXT NOT NULL,
    user_id  TEXT NOT NULL,
    PRIMARY KEY (group_id, user_id)
);
`
