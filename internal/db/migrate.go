package db

import (
	"context"

	"github.com/jmoiron/sqlx"
)

func RunMigrations(db *sqlx.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS accounts (
    id BIGSERIAL PRIMARY KEY,
    upstream_user_id BIGINT UNIQUE NOT NULL,
    auth_token TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    email_blind_index TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT true,
    token_valid BOOLEAN NOT NULL DEFAULT true,
    needs_reauth BOOLEAN NOT NULL DEFAULT false,
    token_expires_at TIMESTAMPTZ,
    last_sync_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS owner_users (
    id BIGSERIAL PRIMARY KEY,
    upstream_user_id BIGINT UNIQUE NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '',
    avatar TEXT NOT NULL DEFAULT '',
    diary_count INTEGER NOT NULL DEFAULT 0,
    word_count INTEGER NOT NULL DEFAULT 0,
    image_count INTEGER NOT NULL DEFAULT 0,
    paired_with BIGINT,
    last_login_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS diaries (
    id BIGSERIAL PRIMARY KEY,
    upstream_diary_id BIGINT NOT NULL,
    owner_user_id BIGINT NOT NULL REFERENCES owner_users(id),
    account_id BIGINT NOT NULL REFERENCES accounts(id),
    title TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    created_date TEXT NOT NULL DEFAULT '',
    created_time TIMESTAMPTZ,
    weather TEXT NOT NULL DEFAULT '',
    mood TEXT NOT NULL DEFAULT '',
    space TEXT NOT NULL DEFAULT '',
    is_simple BOOLEAN NOT NULL DEFAULT false,
    msg_count INTEGER NOT NULL DEFAULT 0,
    ts BIGINT NOT NULL DEFAULT 0,
    content_fingerprint TEXT NOT NULL DEFAULT '',
    bookmarked_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE(owner_user_id, upstream_diary_id)
);
CREATE INDEX IF NOT EXISTS idx_diaries_account ON diaries(account_id);
CREATE INDEX IF NOT EXISTS idx_diaries_created_date ON diaries(created_date);

CREATE TABLE IF NOT EXISTS diary_history (
    id BIGSERIAL PRIMARY KEY,
    diary_id BIGINT NOT NULL REFERENCES diaries(id),
    upstream_diary_id BIGINT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    weather TEXT NOT NULL DEFAULT '',
    mood TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL DEFAULT '',
    ts BIGINT NOT NULL DEFAULT 0,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_diary_history_diary ON diary_history(diary_id, recorded_at);

CREATE TABLE IF NOT EXISTS sync_runs (
    id UUID PRIMARY KEY,
    account_id BIGINT NOT NULL REFERENCES accounts(id),
    status TEXT NOT NULL DEFAULT 'running',
    started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    finished_at TIMESTAMPTZ,
    fetched INTEGER NOT NULL DEFAULT 0,
    paired_count INTEGER NOT NULL DEFAULT 0,
    created INTEGER NOT NULL DEFAULT 0,
    updated INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_account ON sync_runs(account_id, started_at DESC);

CREATE TABLE IF NOT EXISTS diary_msg_count_events (
    id BIGSERIAL PRIMARY KEY,
    account_id BIGINT NOT NULL REFERENCES accounts(id),
    diary_id BIGINT NOT NULL REFERENCES diaries(id),
    run_id UUID REFERENCES sync_runs(id),
    old_msg_count INTEGER NOT NULL,
    new_msg_count INTEGER NOT NULL,
    delta INTEGER NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    source TEXT NOT NULL DEFAULT 'sync'
);
CREATE INDEX IF NOT EXISTS idx_msg_count_events_recorded ON diary_msg_count_events(recorded_at);
CREATE INDEX IF NOT EXISTS idx_msg_count_events_diary ON diary_msg_count_events(diary_id, recorded_at);

CREATE TABLE IF NOT EXISTS cached_images (
    id BIGSERIAL PRIMARY KEY,
    owner_user_id BIGINT NOT NULL,
    image_id BIGINT NOT NULL,
    content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
    data BYTEA NOT NULL,
    size_bytes INTEGER NOT NULL,
    sha256 TEXT NOT NULL DEFAULT '',
    fetched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE(owner_user_id, image_id)
);

CREATE TABLE IF NOT EXISTS diary_detail_fetches (
    id BIGSERIAL PRIMARY KEY,
    diary_id BIGINT UNIQUE NOT NULL REFERENCES diaries(id),
    upstream_diary_id BIGINT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_success BOOLEAN NOT NULL DEFAULT false,
    last_is_short BOOLEAN NOT NULL DEFAULT false,
    last_content_len INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    last_detail_at TIMESTAMPTZ
);
`
	_, err := db.ExecContext(context.Background(), schema)
	if err != nil {
		return err
	}

	alters := `
DO $$ BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns WHERE table_name='diaries' AND column_name='bookmarked_at'
    ) THEN
        ALTER TABLE diaries ADD COLUMN bookmarked_at TIMESTAMPTZ;
    END IF;
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns WHERE table_name='diaries' AND column_name='created_time'
    ) THEN
        ALTER TABLE diaries ADD COLUMN created_time TIMESTAMPTZ;
    END IF;
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns WHERE table_name='accounts' AND column_name='needs_reauth'
    ) THEN
        ALTER TABLE accounts ADD COLUMN needs_reauth BOOLEAN NOT NULL DEFAULT false;
    END IF;
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns WHERE table_name='accounts' AND column_name='token_expires_at'
    ) THEN
        ALTER TABLE accounts ADD COLUMN token_expires_at TIMESTAMPTZ;
    END IF;
END $$;`
	_, err = db.ExecContext(context.Background(), alters)
	return err
}
