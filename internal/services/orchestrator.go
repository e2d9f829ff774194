package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"younote/internal/models"
	"younote/internal/store"
	"younote/internal/upstream"
)

// Orchestrator schedules and runs account syncs. One worker per account may
// run concurrently with workers for other accounts, bounded by the pool;
// within one account runs are strictly serialized and a second trigger is
// rejected with ErrAlreadyRunning.
type Orchestrator struct {
	store  store.Store
	client *upstream.Client
	enc    *EncryptionService
	recon  *Reconciler
	images *ImageCache
	log    *zap.Logger

	interval      time.Duration
	syncOnStartup bool
	workers       chan struct{}

	mu     sync.Mutex
	active map[int64]struct{}

	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewOrchestrator(st store.Store, client *upstream.Client, enc *EncryptionService, recon *Reconciler, images *ImageCache, interval time.Duration, workerCount int, syncOnStartup bool, log *zap.Logger) *Orchestrator {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Orchestrator{
		store:         st,
		client:        client,
		enc:           enc,
		recon:         recon,
		images:        images,
		log:           log,
		interval:      interval,
		syncOnStartup: syncOnStartup,
		workers:       make(chan struct{}, workerCount),
		active:        make(map[int64]struct{}),
		baseCtx:       context.Background(),
	}
}

// Start begins the periodic sync loop. The context bounds every worker this
// orchestrator spawns; cancel it and then Wait to shut down.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx = ctx
	if o.syncOnStartup {
		o.syncAll(ctx)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.syncAll(ctx)
			}
		}
	}()
	o.log.Info("sync scheduler started", zap.Duration("interval", o.interval))
}

// Wait blocks until every spawned worker has finished. Call after cancelling
// the Start context.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) syncAll(ctx context.Context) {
	accounts, err := o.store.ActiveAccounts(ctx)
	if err != nil {
		o.log.Error("list active accounts failed", zap.Error(err))
		return
	}
	for _, a := range accounts {
		if _, err := o.TriggerSync(ctx, a.ID); err != nil {
			if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrAccountDisabled) {
				continue
			}
			o.log.Warn("trigger failed", zap.Int64("account_id", a.ID), zap.Error(err))
		}
	}
}

// TriggerSync starts a run for the account and returns its run id. Returns
// ErrAlreadyRunning while a run for the same account is active; the trigger
// is rejected, never queued.
func (o *Orchestrator) TriggerSync(ctx context.Context, accountID int64) (string, error) {
	account, err := o.store.AccountByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !account.IsActive {
		return "", ErrAccountDisabled
	}

	o.mu.Lock()
	if _, busy := o.active[accountID]; busy {
		o.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	o.active[accountID] = struct{}{}
	o.mu.Unlock()

	run := &models.SyncRun{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		o.release(accountID)
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(accountID)

		select {
		case o.workers <- struct{}{}:
			defer func() { <-o.workers }()
		case <-o.baseCtx.Done():
			o.finishRun(run, models.RunStatusFailed, o.baseCtx.Err())
			return
		}
		o.runSync(o.baseCtx, *account, run)
	}()
	return run.ID, nil
}

func (o *Orchestrator) release(accountID int64) {
	o.mu.Lock()
	delete(o.active, accountID)
	o.mu.Unlock()
}

func (o *Orchestrator) finishRun(run *models.SyncRun, status string, cause error) {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if cause != nil {
		msg := cause.Error()
		if len(msg) > 300 {
			msg = msg[:300]
		}
		run.ErrorMessage = &msg
	}
	// Persisting the outcome must survive a cancelled run context.
	if err := o.store.FinishRun(context.Background(), run); err != nil {
		o.log.Error("persist run outcome failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) runSync(ctx context.Context, account models.Account, run *models.SyncRun) {
	log := o.log.With(zap.Int64("account_id", account.ID), zap.String("run_id", run.ID))

	if err := o.enc.DecryptAccount(&account); err != nil {
		log.Error("credential decrypt failed", zap.Error(err))
		o.finishRun(run, models.RunStatusFailed, err)
		return
	}
	token := account.AuthToken

	health := o.client.TokenStatus(token)
	if !health.Valid {
		if err := o.store.UpdateAccountTokenHealth(ctx, account.ID, false, true, health.ExpiresAt); err != nil {
			log.Error("update token health failed", zap.Error(err))
		}
		o.finishRun(run, models.RunStatusFailed, fmt.Errorf("%w: %s", upstream.ErrTokenInvalid, health.Reason))
		log.Warn("run aborted, credential needs re-auth")
		return
	}

	bundle, err := o.client.FetchBundle(ctx, token)
	if err != nil {
		if errors.Is(err, upstream.ErrTokenInvalid) {
			if herr := o.store.UpdateAccountTokenHealth(ctx, account.ID, false, true, health.ExpiresAt); herr != nil {
				log.Error("update token health failed", zap.Error(herr))
			}
		}
		o.finishRun(run, models.RunStatusFailed, err)
		log.Warn("bundle fetch failed", zap.Error(err))
		return
	}
	run.Fetched = len(bundle.Diaries) + len(bundle.PairedDiaries)
	run.PairedCount = len(bundle.PairedDiaries)

	total := &BatchResult{}
	var ownErr, pairedErr error

	var pairedUpstreamID *int64
	if bundle.Paired != nil {
		pairedUpstreamID = &bundle.Paired.UserID
	}
	_, ownResult, ownErr := o.reconcileOwner(ctx, account.ID, run.ID, bundle.Owner, pairedUpstreamID, bundle.Diaries)
	if ownErr != nil {
		log.Error("own batch failed", zap.Error(ownErr))
	} else {
		total.add(ownResult)
		o.resolveImages(token, bundle.Owner.UserID, ownResult.ImageContent)
	}

	if bundle.Paired != nil {
		var pairedResult *BatchResult
		_, pairedResult, pairedErr = o.reconcileOwner(ctx, account.ID, run.ID, *bundle.Paired, &bundle.Owner.UserID, bundle.PairedDiaries)
		if pairedErr != nil {
			log.Error("paired batch failed", zap.Error(pairedErr))
		} else {
			total.add(pairedResult)
			o.resolveImages(token, bundle.Paired.UserID, pairedResult.ImageContent)
		}
	}

	run.Created = total.Created
	run.Updated = total.Updated
	run.Skipped = total.Skipped

	switch {
	case ownErr != nil && (bundle.Paired == nil || pairedErr != nil):
		o.finishRun(run, models.RunStatusFailed, errors.Join(ownErr, pairedErr))
		return
	case ownErr != nil || pairedErr != nil:
		o.finishRun(run, models.RunStatusPartial, errors.Join(ownErr, pairedErr))
	default:
		o.backfillDetails(ctx, account.ID, run.ID, token, total.ShortDiaries)
		o.finishRun(run, models.RunStatusSuccess, nil)
		if err := o.store.UpdateAccountLastSync(ctx, account.ID, time.Now().UTC()); err != nil {
			log.Error("update last sync failed", zap.Error(err))
		}
		if err := o.store.UpdateAccountTokenHealth(ctx, account.ID, true, false, health.ExpiresAt); err != nil {
			log.Error("update token health failed", zap.Error(err))
		}
	}

	log.Info("run finished",
		zap.String("status", run.Status),
		zap.Int("fetched", run.Fetched),
		zap.Int("created", run.Created),
		zap.Int("updated", run.Updated),
		zap.Int("skipped", run.Skipped))
}

// reconcileOwner upserts the owner profile and reconciles its batch as one
// atomic unit. Returns the owner row for downstream passes.
func (o *Orchestrator) reconcileOwner(ctx context.Context, accountID int64, runID string, profile upstream.Profile, pairedWith *int64, records []upstream.DiaryRecord) (*models.OwnerUser, *BatchResult, error) {
	owner := &models.OwnerUser{
		UpstreamUserID: profile.UserID,
		Name:           profile.Name,
		Description:    profile.Description,
		Role:           profile.Role,
		Avatar:         profile.Avatar,
		DiaryCount:     profile.DiaryCount,
		WordCount:      profile.WordCount,
		ImageCount:     profile.ImageCount,
		PairedWith:     pairedWith,
		LastLoginAt:    profile.LastLoginAt,
	}
	var result *BatchResult
	err := o.store.Atomic(ctx, func(st store.Store) error {
		if err := st.UpsertOwner(ctx, owner); err != nil {
			return fmt.Errorf("upsert owner %d: %w", profile.UserID, err)
		}
		var rerr error
		result, rerr = o.recon.ReconcileBatch(ctx, st, accountID, runID, owner.ID, records, "sync")
		return rerr
	})
	if err != nil {
		return nil, nil, err
	}
	return owner, result, nil
}

// backfillDetails re-fetches diaries whose synced content came back short,
// once per diary unless the detail endpoint previously returned a full body.
// Failures never affect the run outcome.
func (o *Orchestrator) backfillDetails(ctx context.Context, accountID int64, runID, token string, shorts []models.Diary) {
	if len(shorts) == 0 {
		return
	}
	var wanted []models.Diary
	for _, d := range shorts {
		state, err := o.store.DetailFetchByDiary(ctx, d.ID)
		if err == nil && (state.LastIsShort || state.LastSuccess) {
			// Already asked; upstream simply has no more content.
			continue
		}
		wanted = append(wanted, d)
	}
	if len(wanted) == 0 {
		return
	}

	ids := make([]int64, len(wanted))
	byUpstreamID := make(map[int64]models.Diary, len(wanted))
	for i, d := range wanted {
		ids[i] = d.UpstreamDiaryID
		byUpstreamID[d.UpstreamDiaryID] = d
	}
	records, err := o.client.FetchDiariesByIDs(ctx, token, ids)
	now := time.Now().UTC()
	if err != nil {
		o.log.Warn("detail backfill fetch failed", zap.Int64("account_id", accountID), zap.Error(err))
		msg := err.Error()
		for _, d := range wanted {
			o.markDetailFetch(ctx, d, 0, false, &msg, now)
		}
		return
	}

	byOwner := make(map[int64][]upstream.DiaryRecord)
	for _, rec := range records {
		d, ok := byUpstreamID[rec.ID]
		if !ok {
			continue
		}
		byOwner[d.OwnerUserID] = append(byOwner[d.OwnerUserID], rec)
		o.markDetailFetch(ctx, d, len([]rune(rec.Content)), true, nil, now)
	}
	for ownerID, recs := range byOwner {
		err := o.store.Atomic(ctx, func(st store.Store) error {
			_, rerr := o.recon.ReconcileBatch(ctx, st, accountID, runID, ownerID, recs, "detail")
			return rerr
		})
		if err != nil {
			o.log.Warn("detail backfill reconcile failed",
				zap.Int64("owner_user_id", ownerID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) markDetailFetch(ctx context.Context, d models.Diary, contentLen int, success bool, errMsg *string, at time.Time) {
	state, err := o.store.DetailFetchByDiary(ctx, d.ID)
	if err != nil {
		state = &models.DiaryDetailFetch{DiaryID: d.ID, UpstreamDiaryID: d.UpstreamDiaryID}
	}
	state.Attempts++
	state.LastSuccess = success
	state.LastIsShort = success && contentLen < o.recon.shortLen
	state.LastContentLen = contentLen
	state.LastError = errMsg
	state.LastDetailAt = &at
	if err := o.store.UpsertDetailFetch(ctx, state); err != nil {
		o.log.Warn("detail fetch state update failed", zap.Int64("diary_id", d.ID), zap.Error(err))
	}
}

// resolveImages kicks off the best-effort image post-pass for one batch's
// inserted/updated content. Runs detached and may outlive the run row.
func (o *Orchestrator) resolveImages(token string, upstreamOwnerID int64, contents []string) {
	if len(contents) == 0 {
		return
	}
	batch := make([]string, len(contents))
	copy(batch, contents)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for _, content := range batch {
			o.images.ResolveContent(o.baseCtx, token, upstreamOwnerID, content)
		}
	}()
}

// RunStatus returns the persisted run row.
func (o *Orchestrator) RunStatus(ctx context.Context, runID string) (*models.SyncRun, error) {
	return o.store.RunByID(ctx, runID)
}
