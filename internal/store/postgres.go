package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"younote/internal/models"
)

// Postgres implements Store over sqlx. The same type serves both the pooled
// connection and an open transaction; Atomic hands callers a tx-bound copy.
type Postgres struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, ext: db}
}

func (p *Postgres) Atomic(ctx context.Context, fn func(Store) error) error {
	if p.db == nil {
		// Already inside a transaction; nested Atomic joins it.
		return fn(p)
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Postgres{ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- accounts ---

func (p *Postgres) CreateAccount(ctx context.Context, a *models.Account) error {
	return sqlx.GetContext(ctx, p.ext, a,
		`INSERT INTO accounts (upstream_user_id, auth_token, email, email_blind_index, is_active, token_valid, token_expires_at)
		 VALUES ($1, $2, $3, $4, true, $5, $6)
		 RETURNING *`,
		a.UpstreamUserID, a.AuthToken, a.Email, a.EmailBlindIndex, a.TokenValid, a.TokenExpiresAt)
}

func (p *Postgres) AccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var a models.Account
	err := sqlx.GetContext(ctx, p.ext, &a, `SELECT * FROM accounts WHERE id=$1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (p *Postgres) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var out []models.Account
	err := sqlx.SelectContext(ctx, p.ext, &out, `SELECT * FROM accounts ORDER BY id`)
	return out, err
}

func (p *Postgres) ActiveAccounts(ctx context.Context) ([]models.Account, error) {
	var out []models.Account
	err := sqlx.SelectContext(ctx, p.ext, &out, `SELECT * FROM accounts WHERE is_active=true ORDER BY id`)
	return out, err
}

func (p *Postgres) UpdateAccountTokenHealth(ctx context.Context, id int64, valid, needsReauth bool, expiresAt *time.Time) error {
	_, err := p.ext.ExecContext(ctx,
		`UPDATE accounts SET token_valid=$2, needs_reauth=$3, token_expires_at=$4, updated_at=NOW() WHERE id=$1`,
		id, valid, needsReauth, expiresAt)
	return err
}

func (p *Postgres) UpdateAccountLastSync(ctx context.Context, id int64, at time.Time) error {
	_, err := p.ext.ExecContext(ctx,
		`UPDATE accounts SET last_sync_at=$2, updated_at=NOW() WHERE id=$1`, id, at)
	return err
}

func (p *Postgres) SetAccountActive(ctx context.Context, id int64, active bool) error {
	res, err := p.ext.ExecContext(ctx,
		`UPDATE accounts SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- owner users ---

func (p *Postgres) UpsertOwner(ctx context.Context, o *models.OwnerUser) error {
	return sqlx.GetContext(ctx, p.ext, o,
		`INSERT INTO owner_users (upstream_user_id, name, description, role, avatar, diary_count, word_count, image_count, paired_with, last_login_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (upstream_user_id)
		 DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   role = EXCLUDED.role,
		   avatar = EXCLUDED.avatar,
		   diary_count = EXCLUDED.diary_count,
		   word_count = EXCLUDED.word_count,
		   image_count = EXCLUDED.image_count,
		   paired_with = COALESCE(EXCLUDED.paired_with, owner_users.paired_with),
		   last_login_at = COALESCE(EXCLUDED.last_login_at, owner_users.last_login_at),
		   updated_at = NOW()
		 RETURNING *`,
		o.UpstreamUserID, o.Name, o.Description, o.Role, o.Avatar,
		o.DiaryCount, o.WordCount, o.ImageCount, o.PairedWith, o.LastLoginAt)
}

func (p *Postgres) OwnerByUpstreamID(ctx context.Context, upstreamUserID int64) (*models.OwnerUser, error) {
	var o models.OwnerUser
	err := sqlx.GetContext(ctx, p.ext, &o, `SELECT * FROM owner_users WHERE upstream_user_id=$1`, upstreamUserID)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// --- diaries ---

func (p *Postgres) DiariesByOwner(ctx context.Context, ownerUserID int64) ([]models.Diary, error) {
	var out []models.Diary
	err := sqlx.SelectContext(ctx, p.ext, &out,
		`SELECT * FROM diaries WHERE owner_user_id=$1`, ownerUserID)
	return out, err
}

func (p *Postgres) DiaryByID(ctx context.Context, id int64) (*models.Diary, error) {
	var d models.Diary
	err := sqlx.GetContext(ctx, p.ext, &d, `SELECT * FROM diaries WHERE id=$1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (p *Postgres) InsertDiary(ctx context.Context, d *models.Diary) error {
	err := sqlx.GetContext(ctx, p.ext, d,
		`INSERT INTO diaries (upstream_diary_id, owner_user_id, account_id, title, content, created_date, created_time, weather, mood, space, is_simple, msg_count, ts, content_fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (owner_user_id, upstream_diary_id) DO NOTHING
		 RETURNING *`,
		d.UpstreamDiaryID, d.OwnerUserID, d.AccountID, d.Title, d.Content, d.CreatedDate, d.CreatedTime,
		d.Weather, d.Mood, d.Space, d.IsSimple, d.MsgCount, d.TS, d.ContentFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a duplicate-key race; adopt the winning row.
		return sqlx.GetContext(ctx, p.ext, d,
			`SELECT * FROM diaries WHERE owner_user_id=$1 AND upstream_diary_id=$2`,
			d.OwnerUserID, d.UpstreamDiaryID)
	}
	return err
}

func (p *Postgres) UpdateDiaryContent(ctx context.Context, d *models.Diary) error {
	_, err := p.ext.ExecContext(ctx,
		`UPDATE diaries SET title=$2, content=$3, weather=$4, mood=$5, space=$6, msg_count=$7, ts=$8, content_fingerprint=$9, account_id=$10, updated_at=NOW()
		 WHERE id=$1`,
		d.ID, d.Title, d.Content, d.Weather, d.Mood, d.Space, d.MsgCount, d.TS, d.ContentFingerprint, d.AccountID)
	return err
}

func (p *Postgres) UpdateDiaryMsgCount(ctx context.Context, diaryID int64, msgCount int, ts int64) error {
	_, err := p.ext.ExecContext(ctx,
		`UPDATE diaries SET msg_count=$2, ts=$3, updated_at=NOW() WHERE id=$1`, diaryID, msgCount, ts)
	return err
}

func (p *Postgres) ListDiaries(ctx context.Context, ownerUserID *int64, limit int) ([]models.Diary, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Diary
	if ownerUserID != nil {
		err := sqlx.SelectContext(ctx, p.ext, &out,
			`SELECT * FROM diaries WHERE owner_user_id=$1 ORDER BY created_date DESC, upstream_diary_id DESC LIMIT $2`,
			*ownerUserID, limit)
		return out, err
	}
	err := sqlx.SelectContext(ctx, p.ext, &out,
		`SELECT * FROM diaries ORDER BY created_date DESC, upstream_diary_id DESC LIMIT $1`, limit)
	return out, err
}

func (p *Postgres) SetDiaryBookmark(ctx context.Context, diaryID int64, bookmarked bool) error {
	var res sql.Result
	var err error
	if bookmarked {
		res, err = p.ext.ExecContext(ctx,
			`UPDATE diaries SET bookmarked_at=NOW(), updated_at=NOW() WHERE id=$1`, diaryID)
	} else {
		res, err = p.ext.ExecContext(ctx,
			`UPDATE diaries SET bookmarked_at=NULL, updated_at=NOW() WHERE id=$1`, diaryID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- history ---

func (p *Postgres) AppendHistory(ctx context.Context, h *models.DiaryHistory) error {
	return sqlx.GetContext(ctx, p.ext, h,
		`INSERT INTO diary_history (diary_id, upstream_diary_id, title, content, weather, mood, fingerprint, ts, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING *`,
		h.DiaryID, h.UpstreamDiaryID, h.Title, h.Content, h.Weather, h.Mood, h.Fingerprint, h.TS, h.RecordedAt)
}

func (p *Postgres) Timeline(ctx context.Context, diaryID int64) ([]models.DiaryHistory, error) {
	var out []models.DiaryHistory
	err := sqlx.SelectContext(ctx, p.ext, &out,
		`SELECT * FROM diary_history WHERE diary_id=$1 ORDER BY recorded_at ASC, id ASC`, diaryID)
	return out, err
}

// --- msg count events ---

func (p *Postgres) RecordMsgCountEvent(ctx context.Context, e *models.MsgCountEvent) error {
	return sqlx.GetContext(ctx, p.ext, e,
		`INSERT INTO diary_msg_count_events (account_id, diary_id, run_id, old_msg_count, new_msg_count, delta, recorded_at, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING *`,
		e.AccountID, e.DiaryID, e.RunID, e.OldMsgCount, e.NewMsgCount, e.Delta, e.RecordedAt, e.Source)
}

func (p *Postgres) MsgCountIncrease(ctx context.Context, since, until time.Time, limit int) ([]models.MsgCountIncrease, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var items []models.MsgCountIncrease
	err := sqlx.SelectContext(ctx, p.ext, &items,
		`SELECT diary_id, MIN(account_id) AS account_id, SUM(delta) AS delta, MAX(recorded_at) AS last_event_at
		 FROM diary_msg_count_events
		 WHERE delta > 0 AND recorded_at >= $1 AND recorded_at < $2
		 GROUP BY diary_id
		 ORDER BY SUM(delta) DESC, MAX(recorded_at) DESC
		 LIMIT $3`,
		since, until, limit)
	if err != nil {
		return nil, 0, err
	}
	var total sql.NullInt64
	err = sqlx.GetContext(ctx, p.ext, &total,
		`SELECT SUM(delta) FROM diary_msg_count_events
		 WHERE delta > 0 AND recorded_at >= $1 AND recorded_at < $2`,
		since, until)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total.Int64), nil
}

// --- cached images ---

func (p *Postgres) ImageByKey(ctx context.Context, ownerUserID, imageID int64) (*models.CachedImage, error) {
	var img models.CachedImage
	err := sqlx.GetContext(ctx, p.ext, &img,
		`SELECT * FROM cached_images WHERE owner_user_id=$1 AND image_id=$2`, ownerUserID, imageID)
	if err != nil {
		return nil, notFound(err)
	}
	return &img, nil
}

func (p *Postgres) InsertImageOnce(ctx context.Context, img *models.CachedImage) (bool, error) {
	err := sqlx.GetContext(ctx, p.ext, img,
		`INSERT INTO cached_images (owner_user_id, image_id, content_type, data, size_bytes, sha256, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner_user_id, image_id) DO NOTHING
		 RETURNING *`,
		img.OwnerUserID, img.ImageID, img.ContentType, img.Data, img.SizeBytes, img.SHA256, img.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- sync runs ---

func (p *Postgres) CreateRun(ctx context.Context, r *models.SyncRun) error {
	return sqlx.GetContext(ctx, p.ext, r,
		`INSERT INTO sync_runs (id, account_id, status, started_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING *`,
		r.ID, r.AccountID, r.Status, r.StartedAt)
}

func (p *Postgres) FinishRun(ctx context.Context, r *models.SyncRun) error {
	_, err := p.ext.ExecContext(ctx,
		`UPDATE sync_runs SET status=$2, finished_at=$3, fetched=$4, paired_count=$5, created=$6, updated=$7, skipped=$8, error_message=$9
		 WHERE id=$1`,
		r.ID, r.Status, r.FinishedAt, r.Fetched, r.PairedCount, r.Created, r.Updated, r.Skipped, r.ErrorMessage)
	return err
}

func (p *Postgres) RunByID(ctx context.Context, id string) (*models.SyncRun, error) {
	var r models.SyncRun
	err := sqlx.GetContext(ctx, p.ext, &r, `SELECT * FROM sync_runs WHERE id=$1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (p *Postgres) RecentRuns(ctx context.Context, accountID *int64, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.SyncRun
	if accountID != nil {
		err := sqlx.SelectContext(ctx, p.ext, &out,
			`SELECT * FROM sync_runs WHERE account_id=$1 ORDER BY started_at DESC LIMIT $2`, *accountID, limit)
		return out, err
	}
	err := sqlx.SelectContext(ctx, p.ext, &out,
		`SELECT * FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	return out, err
}

// --- diary detail fetches ---

func (p *Postgres) DetailFetchByDiary(ctx context.Context, diaryID int64) (*models.DiaryDetailFetch, error) {
	var f models.DiaryDetailFetch
	err := sqlx.GetContext(ctx, p.ext, &f, `SELECT * FROM diary_detail_fetches WHERE diary_id=$1`, diaryID)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (p *Postgres) UpsertDetailFetch(ctx context.Context, f *models.DiaryDetailFetch) error {
	return sqlx.GetContext(ctx, p.ext, f,
		`INSERT INTO diary_detail_fetches (diary_id, upstream_diary_id, attempts, last_success, last_is_short, last_content_len, last_error, last_detail_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (diary_id)
		 DO UPDATE SET
		   attempts = EXCLUDED.attempts,
		   last_success = EXCLUDED.last_success,
		   last_is_short = EXCLUDED.last_is_short,
		   last_content_len = EXCLUDED.last_content_len,
		   last_error = EXCLUDED.last_error,
		   last_detail_at = EXCLUDED.last_detail_at
		 RETURNING *`,
		f.DiaryID, f.UpstreamDiaryID, f.Attempts, f.LastSuccess, f.LastIsShort, f.LastContentLen, f.LastError, f.LastDetailAt)
}
