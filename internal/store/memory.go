package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"younote/internal/models"
)

// Memory is an in-memory Store for tests. Atomic runs fn directly: writes
// committed before a failing step stand, which matches the engine's
// at-least-once, idempotent-retry semantics closely enough for component
// tests (true rollback is the Postgres implementation's job).
type Memory struct {
	mu sync.Mutex

	accounts map[int64]*models.Account
	owners   map[int64]*models.OwnerUser // by upstream_user_id
	diaries  map[int64]*models.Diary     // by local id
	history  []models.DiaryHistory
	events   []models.MsgCountEvent
	images   map[[2]int64]*models.CachedImage
	runs     map[string]*models.SyncRun
	fetches  map[int64]*models.DiaryDetailFetch // by diary_id

	nextAccountID int64
	nextOwnerID   int64
	nextDiaryID   int64
	nextRowID     int64

	// AppendHistoryErr, when set, fails the next AppendHistory call.
	// Lets tests simulate a persistence failure mid-batch.
	AppendHistoryErr error
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[int64]*models.Account),
		owners:   make(map[int64]*models.OwnerUser),
		diaries:  make(map[int64]*models.Diary),
		images:   make(map[[2]int64]*models.CachedImage),
		runs:     make(map[string]*models.SyncRun),
		fetches:  make(map[int64]*models.DiaryDetailFetch),
	}
}

func (m *Memory) Atomic(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *Memory) CreateAccount(ctx context.Context, a *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAccountID++
	a.ID = m.nextAccountID
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *Memory) AccountByID(ctx context.Context, id int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAccounts(ctx context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Account
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveAccounts(ctx context.Context) ([]models.Account, error) {
	all, _ := m.ListAccounts(ctx)
	var out []models.Account
	for _, a := range all {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) UpdateAccountTokenHealth(ctx context.Context, id int64, valid, needsReauth bool, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.TokenValid = valid
	a.NeedsReauth = needsReauth
	a.TokenExpiresAt = expiresAt
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateAccountLastSync(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.LastSyncAt = &at
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SetAccountActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.IsActive = active
	return nil
}

func (m *Memory) UpsertOwner(ctx context.Context, o *models.OwnerUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.owners[o.UpstreamUserID]; ok {
		o.ID = existing.ID
		o.CreatedAt = existing.CreatedAt
		if o.PairedWith == nil {
			o.PairedWith = existing.PairedWith
		}
		if o.LastLoginAt == nil {
			o.LastLoginAt = existing.LastLoginAt
		}
	} else {
		m.nextOwnerID++
		o.ID = m.nextOwnerID
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	m.owners[o.UpstreamUserID] = &cp
	return nil
}

func (m *Memory) OwnerByUpstreamID(ctx context.Context, upstreamUserID int64) (*models.OwnerUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[upstreamUserID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) DiariesByOwner(ctx context.Context, ownerUserID int64) ([]models.Diary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Diary
	for _, d := range m.diaries {
		if d.OwnerUserID == ownerUserID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DiaryByID(ctx context.Context, id int64) (*models.Diary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diaries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) InsertDiary(ctx context.Context, d *models.Diary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.diaries {
		if existing.OwnerUserID == d.OwnerUserID && existing.UpstreamDiaryID == d.UpstreamDiaryID {
			*d = *existing
			return nil
		}
	}
	m.nextDiaryID++
	d.ID = m.nextDiaryID
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	m.diaries[d.ID] = &cp
	return nil
}

func (m *Memory) UpdateDiaryContent(ctx context.Context, d *models.Diary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.diaries[d.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Title = d.Title
	existing.Content = d.Content
	existing.Weather = d.Weather
	existing.Mood = d.Mood
	existing.Space = d.Space
	existing.MsgCount = d.MsgCount
	existing.TS = d.TS
	existing.ContentFingerprint = d.ContentFingerprint
	existing.AccountID = d.AccountID
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateDiaryMsgCount(ctx context.Context, diaryID int64, msgCount int, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diaries[diaryID]
	if !ok {
		return ErrNotFound
	}
	d.MsgCount = msgCount
	d.TS = ts
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListDiaries(ctx context.Context, ownerUserID *int64, limit int) ([]models.Diary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Diary
	for _, d := range m.diaries {
		if ownerUserID == nil || d.OwnerUserID == *ownerUserID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedDate > out[j].CreatedDate })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetDiaryBookmark(ctx context.Context, diaryID int64, bookmarked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diaries[diaryID]
	if !ok {
		return ErrNotFound
	}
	if bookmarked {
		now := time.Now().UTC()
		d.BookmarkedAt = &now
	} else {
		d.BookmarkedAt = nil
	}
	return nil
}

func (m *Memory) AppendHistory(ctx context.Context, h *models.DiaryHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendHistoryErr != nil {
		err := m.AppendHistoryErr
		m.AppendHistoryErr = nil
		return err
	}
	m.nextRowID++
	h.ID = m.nextRowID
	m.history = append(m.history, *h)
	return nil
}

func (m *Memory) Timeline(ctx context.Context, diaryID int64) ([]models.DiaryHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DiaryHistory
	for _, h := range m.history {
		if h.DiaryID == diaryID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

func (m *Memory) RecordMsgCountEvent(ctx context.Context, e *models.MsgCountEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRowID++
	e.ID = m.nextRowID
	m.events = append(m.events, *e)
	return nil
}

func (m *Memory) MsgCountIncrease(ctx context.Context, since, until time.Time, limit int) ([]models.MsgCountIncrease, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type agg struct {
		accountID int64
		delta     int
		last      time.Time
	}
	byDiary := make(map[int64]*agg)
	total := 0
	for _, e := range m.events {
		if e.Delta <= 0 || e.RecordedAt.Before(since) || !e.RecordedAt.Before(until) {
			continue
		}
		total += e.Delta
		a, ok := byDiary[e.DiaryID]
		if !ok {
			a = &agg{accountID: e.AccountID}
			byDiary[e.DiaryID] = a
		}
		a.delta += e.Delta
		if e.RecordedAt.After(a.last) {
			a.last = e.RecordedAt
		}
	}
	var items []models.MsgCountIncrease
	for diaryID, a := range byDiary {
		items = append(items, models.MsgCountIncrease{
			DiaryID: diaryID, AccountID: a.accountID, Delta: a.delta, LastEventAt: a.last,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Delta != items[j].Delta {
			return items[i].Delta > items[j].Delta
		}
		return items[i].LastEventAt.After(items[j].LastEventAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, total, nil
}

// Events returns a copy of all recorded msg count events, oldest first.
func (m *Memory) Events() []models.MsgCountEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MsgCountEvent, len(m.events))
	copy(out, m.events)
	return out
}

// HistoryRows returns a copy of all history rows, in append order.
func (m *Memory) HistoryRows() []models.DiaryHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DiaryHistory, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Memory) ImageByKey(ctx context.Context, ownerUserID, imageID int64) (*models.CachedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[[2]int64{ownerUserID, imageID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (m *Memory) InsertImageOnce(ctx context.Context, img *models.CachedImage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{img.OwnerUserID, img.ImageID}
	if existing, ok := m.images[key]; ok {
		*img = *existing
		return false, nil
	}
	m.nextRowID++
	img.ID = m.nextRowID
	cp := *img
	m.images[key] = &cp
	return true, nil
}

func (m *Memory) CreateRun(ctx context.Context, r *models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) FinishRun(ctx context.Context, r *models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) RunByID(ctx context.Context, id string) (*models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) RecentRuns(ctx context.Context, accountID *int64, limit int) ([]models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SyncRun
	for _, r := range m.runs {
		if accountID == nil || r.AccountID == *accountID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DetailFetchByDiary(ctx context.Context, diaryID int64) (*models.DiaryDetailFetch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fetches[diaryID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) UpsertDetailFetch(ctx context.Context, f *models.DiaryDetailFetch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.fetches[f.DiaryID]; ok {
		f.ID = existing.ID
	} else {
		m.nextRowID++
		f.ID = m.nextRowID
	}
	cp := *f
	m.fetches[f.DiaryID] = &cp
	return nil
}
