// Package store persists the sync engine's state. The engine consumes the
// narrow interfaces below; Postgres implements them for the server and Memory
// implements them for tests.
package store

import (
	"context"
	"errors"
	"time"

	"younote/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type Accounts interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	AccountByID(ctx context.Context, id int64) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	ActiveAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccountTokenHealth(ctx context.Context, id int64, valid, needsReauth bool, expiresAt *time.Time) error
	UpdateAccountLastSync(ctx context.Context, id int64, at time.Time) error
	SetAccountActive(ctx context.Context, id int64, active bool) error
}

type Owners interface {
	// UpsertOwner inserts or refreshes the profile row keyed by
	// upstream_user_id and fills in the local id.
	UpsertOwner(ctx context.Context, o *models.OwnerUser) error
	OwnerByUpstreamID(ctx context.Context, upstreamUserID int64) (*models.OwnerUser, error)
}

type Diaries interface {
	DiariesByOwner(ctx context.Context, ownerUserID int64) ([]models.Diary, error)
	DiaryByID(ctx context.Context, id int64) (*models.Diary, error)
	// InsertDiary fills in the local id. A duplicate-key race on
	// (owner_user_id, upstream_diary_id) is a benign no-op: the existing
	// row's id is returned instead.
	InsertDiary(ctx context.Context, d *models.Diary) error
	UpdateDiaryContent(ctx context.Context, d *models.Diary) error
	UpdateDiaryMsgCount(ctx context.Context, diaryID int64, msgCount int, ts int64) error
	ListDiaries(ctx context.Context, ownerUserID *int64, limit int) ([]models.Diary, error)
	SetDiaryBookmark(ctx context.Context, diaryID int64, bookmarked bool) error
}

type History interface {
	// AppendHistory adds one immutable snapshot row. Nothing ever updates
	// or deletes diary_history.
	AppendHistory(ctx context.Context, h *models.DiaryHistory) error
	Timeline(ctx context.Context, diaryID int64) ([]models.DiaryHistory, error)
}

type Deltas interface {
	RecordMsgCountEvent(ctx context.Context, e *models.MsgCountEvent) error
	// MsgCountIncrease aggregates positive deltas per diary within
	// [since, until), ranked by summed delta then recency. The second
	// return value is the window's total delta across all diaries.
	MsgCountIncrease(ctx context.Context, since, until time.Time, limit int) ([]models.MsgCountIncrease, int, error)
}

type Images interface {
	ImageByKey(ctx context.Context, ownerUserID, imageID int64) (*models.CachedImage, error)
	// InsertImageOnce stores the image unless the key already exists.
	// Returns false when an earlier row won; the new bytes are discarded.
	InsertImageOnce(ctx context.Context, img *models.CachedImage) (bool, error)
}

type Runs interface {
	CreateRun(ctx context.Context, r *models.SyncRun) error
	FinishRun(ctx context.Context, r *models.SyncRun) error
	RunByID(ctx context.Context, id string) (*models.SyncRun, error)
	RecentRuns(ctx context.Context, accountID *int64, limit int) ([]models.SyncRun, error)
}

type DetailFetches interface {
	DetailFetchByDiary(ctx context.Context, diaryID int64) (*models.DiaryDetailFetch, error)
	UpsertDetailFetch(ctx context.Context, f *models.DiaryDetailFetch) error
}

// Store is the full persistence surface. Atomic runs fn against a
// transactional view; on error every write inside fn is rolled back, so a
// reconciled batch commits as one unit.
type Store interface {
	Accounts
	Owners
	Diaries
	History
	Deltas
	Images
	Runs
	DetailFetches
	Atomic(ctx context.Context, fn func(Store) error) error
}
