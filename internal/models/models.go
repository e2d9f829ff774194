package models

import "time"

// Account holds one registered upstream credential. The auth token and email
// are encrypted at rest; the blind index allows lookup by email without
// decrypting. Accounts are soft-disabled, never deleted, while diaries
// reference them.
type Account struct {
	ID              int64      `db:"id" json:"id"`
	UpstreamUserID  int64      `db:"upstream_user_id" json:"upstream_user_id"`
	AuthToken       string     `db:"auth_token" json:"-"`        // Encrypted in DB
	Email           string     `db:"email" json:"email"`         // Encrypted in DB
	EmailBlindIndex string     `db:"email_blind_index" json:"-"` // HMAC hash for searching
	IsActive        bool       `db:"is_active" json:"is_active"`
	TokenValid      bool       `db:"token_valid" json:"token_valid"`
	NeedsReauth     bool       `db:"needs_reauth" json:"needs_reauth"`
	TokenExpiresAt  *time.Time `db:"token_expires_at" json:"token_expires_at,omitempty"`
	LastSyncAt      *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// OwnerUser mirrors an upstream profile (the account's own identity or its
// paired partner). Diaries and images key off the owner, not the fetching
// account, so paired entries synced by both partners land on one row.
type OwnerUser struct {
	ID             int64      `db:"id" json:"id"`
	UpstreamUserID int64      `db:"upstream_user_id" json:"upstream_user_id"`
	Name           string     `db:"name" json:"name"`
	Description    string     `db:"description" json:"description"`
	Role           string     `db:"role" json:"role"`
	Avatar         string     `db:"avatar" json:"avatar"`
	DiaryCount     int        `db:"diary_count" json:"diary_count"`
	WordCount      int        `db:"word_count" json:"word_count"`
	ImageCount     int        `db:"image_count" json:"image_count"`
	PairedWith     *int64     `db:"paired_with" json:"paired_with,omitempty"`
	LastLoginAt    *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

type Diary struct {
	ID                 int64      `db:"id" json:"id"`
	UpstreamDiaryID    int64      `db:"upstream_diary_id" json:"upstream_diary_id"`
	OwnerUserID        int64      `db:"owner_user_id" json:"owner_user_id"`
	AccountID          int64      `db:"account_id" json:"account_id"`
	Title              string     `db:"title" json:"title"`
	Content            string     `db:"content" json:"content"`
	CreatedDate        string     `db:"created_date" json:"created_date"` // YYYY-MM-DD
	CreatedTime        *time.Time `db:"created_time" json:"created_time,omitempty"`
	Weather            string     `db:"weather" json:"weather"`
	Mood               string     `db:"mood" json:"mood"`
	Space              string     `db:"space" json:"space"`
	IsSimple           bool       `db:"is_simple" json:"is_simple"`
	MsgCount           int        `db:"msg_count" json:"msg_count"`
	TS                 int64      `db:"ts" json:"ts"`
	ContentFingerprint string     `db:"content_fingerprint" json:"-"`
	BookmarkedAt       *time.Time `db:"bookmarked_at" json:"bookmarked_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// DiaryHistory is an append-only snapshot of a diary's content fields as they
// were immediately before a content change. Rows are never updated or deleted.
type DiaryHistory struct {
	ID              int64     `db:"id" json:"id"`
	DiaryID         int64     `db:"diary_id" json:"diary_id"`
	UpstreamDiaryID int64     `db:"upstream_diary_id" json:"upstream_diary_id"`
	Title           string    `db:"title" json:"title"`
	Content         string    `db:"content" json:"content"`
	Weather         string    `db:"weather" json:"weather"`
	Mood            string    `db:"mood" json:"mood"`
	Fingerprint     string    `db:"fingerprint" json:"fingerprint"`
	TS              int64     `db:"ts" json:"ts"`
	RecordedAt      time.Time `db:"recorded_at" json:"recorded_at"`
}

// Run statuses. A run is "partial" when reconciliation succeeded for some but
// not all fetched batches (e.g. own diaries landed but paired diaries failed).
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

type SyncRun struct {
	ID           string     `db:"id" json:"id"` // uuid
	AccountID    int64      `db:"account_id" json:"account_id"`
	Status       string     `db:"status" json:"status"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Fetched      int        `db:"fetched" json:"fetched"`
	PairedCount  int        `db:"paired_count" json:"paired_count"`
	Created      int        `db:"created" json:"created"`
	Updated      int        `db:"updated" json:"updated"`
	Skipped      int        `db:"skipped" json:"skipped"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
}

// MsgCountEvent records one observed msg_count change, independent of content
// changes.
type MsgCountEvent struct {
	ID          int64     `db:"id" json:"id"`
	AccountID   int64     `db:"account_id" json:"account_id"`
	DiaryID     int64     `db:"diary_id" json:"diary_id"`
	RunID       *string   `db:"run_id" json:"run_id,omitempty"`
	OldMsgCount int       `db:"old_msg_count" json:"old_msg_count"`
	NewMsgCount int       `db:"new_msg_count" json:"new_msg_count"`
	Delta       int       `db:"delta" json:"delta"`
	RecordedAt  time.Time `db:"recorded_at" json:"recorded_at"`
	Source      string    `db:"source" json:"source"` // 'sync' or 'refresh'
}

// MsgCountIncrease is one row of the ranked "new activity" aggregation.
type MsgCountIncrease struct {
	DiaryID     int64     `db:"diary_id" json:"diary_id"`
	AccountID   int64     `db:"account_id" json:"account_id"`
	Delta       int       `db:"delta" json:"delta"`
	LastEventAt time.Time `db:"last_event_at" json:"last_event_at"`
}

// CachedImage is write-once per (owner_user_id, image_id): once stored, a
// later observation of the same id never re-fetches or overwrites.
type CachedImage struct {
	ID          int64     `db:"id" json:"id"`
	OwnerUserID int64     `db:"owner_user_id" json:"owner_user_id"`
	ImageID     int64     `db:"image_id" json:"image_id"`
	ContentType string    `db:"content_type" json:"content_type"`
	Data        []byte    `db:"data" json:"-"`
	SizeBytes   int       `db:"size_bytes" json:"size_bytes"`
	SHA256      string    `db:"sha256" json:"sha256"`
	FetchedAt   time.Time `db:"fetched_at" json:"fetched_at"`
}

// DiaryDetailFetch tracks whether the detail endpoint was already tried for a
// diary whose synced content came back short, so sync does not hammer it.
type DiaryDetailFetch struct {
	ID              int64      `db:"id" json:"id"`
	DiaryID         int64      `db:"diary_id" json:"diary_id"`
	UpstreamDiaryID int64      `db:"upstream_diary_id" json:"upstream_diary_id"`
	Attempts        int        `db:"attempts" json:"attempts"`
	LastSuccess     bool       `db:"last_success" json:"last_success"`
	LastIsShort     bool       `db:"last_is_short" json:"last_is_short"`
	LastContentLen  int        `db:"last_content_len" json:"last_content_len"`
	LastError       *string    `db:"last_error" json:"last_error,omitempty"`
	LastDetailAt    *time.Time `db:"last_detail_at" json:"last_detail_at,omitempty"`
}

// User is an operator login for this service's own API.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
