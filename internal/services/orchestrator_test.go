package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"younote/internal/models"
	"younote/internal/store"
	"younote/internal/upstream"
)

func testToken(t *testing.T, exp time.Time) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return "token " + enc.EncodeToString([]byte(`{"alg":"HS256"}`)) + "." + enc.EncodeToString(payload) + ".sig"
}

func testEncryption(t *testing.T) *EncryptionService {
	t.Helper()
	enc, err := NewEncryptionService(bytes.Repeat([]byte("k"), 32), bytes.Repeat([]byte("b"), 32))
	require.NoError(t, err)
	return enc
}

func seedAccount(t *testing.T, mem *store.Memory, enc *EncryptionService, token string) int64 {
	t.Helper()
	a := &models.Account{
		UpstreamUserID: 460100,
		AuthToken:      token,
		Email:          "owner@example.com",
		IsActive:       true,
		TokenValid:     true,
	}
	require.NoError(t, enc.EncryptAccount(a))
	require.NoError(t, mem.CreateAccount(context.Background(), a))
	return a.ID
}

func newTestOrchestrator(t *testing.T, mem *store.Memory, srv *httptest.Server, shortLen int) *Orchestrator {
	t.Helper()
	log := zap.NewNop()
	client := upstream.NewClient(srv.URL, srv.URL, 2*time.Second,
		upstream.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, log)
	recon := NewReconciler(NewHistoryRecorder(mem), NewDeltaTracker(mem), shortLen, log)
	images := NewImageCache(mem, client, 1<<20, log)
	return NewOrchestrator(mem, client, testEncryption(t), recon, images,
		time.Hour, 2, false, log)
}

func waitRun(t *testing.T, o *Orchestrator, runID string) *models.SyncRun {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := o.RunStatus(context.Background(), runID)
		require.NoError(t, err)
		if run.Status != models.RunStatusRunning {
			o.Wait()
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", runID)
	return nil
}

func bundleJSON(diaries ...map[string]any) string {
	b, _ := json.Marshal(map[string]any{
		"user_config": map[string]any{
			"userid": 460100, "name": "owner", "diary_count": len(diaries),
		},
		"diaries": diaries,
	})
	return string(b)
}

func diaryJSON(id int64, content string, msgCount int) map[string]any {
	return map[string]any{
		"id": id, "title": "t", "content": content,
		"createddate": "2026-01-09", "msg_count": msgCount, "ts": 100,
	}
}

func TestOrchestratorHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bundleJSON(diaryJSON(200, "hello world, long enough", 5)))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 0)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run := waitRun(t, o, runID)

	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.Fetched)
	assert.Equal(t, 1, run.Created)
	assert.Equal(t, 0, run.Updated)
	require.NotNil(t, run.FinishedAt)
	assert.Nil(t, run.ErrorMessage)

	owner, err := mem.OwnerByUpstreamID(ctx, 460100)
	require.NoError(t, err)
	assert.Equal(t, "owner", owner.Name)

	diaries, err := mem.DiariesByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, diaries, 1)
	assert.Equal(t, accountID, diaries[0].AccountID)

	account, err := mem.AccountByID(ctx, accountID)
	require.NoError(t, err)
	assert.NotNil(t, account.LastSyncAt)
	assert.True(t, account.TokenValid)
	assert.False(t, account.NeedsReauth)
}

func TestOrchestratorSecondRunRecordsDelta(t *testing.T) {
	var msgCount atomic.Int32
	msgCount.Store(5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bundleJSON(diaryJSON(200, "same content every run", int(msgCount.Load()))))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 0)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	waitRun(t, o, runID)

	msgCount.Store(8)
	runID, err = o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run := waitRun(t, o, runID)

	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.Updated)
	assert.Equal(t, 0, run.Created)

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 5, events[0].OldMsgCount)
	assert.Equal(t, 8, events[0].NewMsgCount)
	assert.Equal(t, 3, events[0].Delta)
	assert.Empty(t, mem.HistoryRows())
}

func TestOrchestratorRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, bundleJSON())
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 0)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)

	_, err = o.TriggerSync(ctx, accountID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	waitRun(t, o, runID)

	// A fresh trigger is accepted once the first run released the account.
	runID2, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	waitRun(t, o, runID2)
}

func TestOrchestratorExpiredTokenMarksReauth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expired credential must not reach the upstream")
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(-time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 0)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run := waitRun(t, o, runID)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)

	account, err := mem.AccountByID(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, account.TokenValid)
	assert.True(t, account.NeedsReauth)
}

func TestOrchestratorUpstreamRejectsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 0)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run := waitRun(t, o, runID)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	account, err := mem.AccountByID(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, account.NeedsReauth)
}

func TestOrchestratorDisabledAccountRejected(t *testing.T) {
	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	require.NoError(t, mem.SetAccountActive(context.Background(), accountID, false))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	o := newTestOrchestrator(t, mem, srv, 0)

	_, err := o.TriggerSync(context.Background(), accountID)
	assert.ErrorIs(t, err, ErrAccountDisabled)

	_, err = o.TriggerSync(context.Background(), 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOrchestratorPairedDiaries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := json.Marshal(map[string]any{
			"user_config": map[string]any{
				"userid": 460100, "name": "owner",
				"paired_user_config": map[string]any{"userid": 460200, "name": "partner"},
			},
			"diaries":        []any{diaryJSON(200, "own entry content", 0)},
			"diaries_paired": []any{diaryJSON(300, "partner entry content", 0)},
		})
		w.Write(b)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 0)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run := waitRun(t, o, runID)

	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 2, run.Fetched)
	assert.Equal(t, 1, run.PairedCount)
	assert.Equal(t, 2, run.Created)

	own, err := mem.OwnerByUpstreamID(ctx, 460100)
	require.NoError(t, err)
	partner, err := mem.OwnerByUpstreamID(ctx, 460200)
	require.NoError(t, err)
	require.NotNil(t, own.PairedWith)
	assert.EqualValues(t, 460200, *own.PairedWith)
	require.NotNil(t, partner.PairedWith)
	assert.EqualValues(t, 460100, *partner.PairedWith)

	ownDiaries, _ := mem.DiariesByOwner(ctx, own.ID)
	partnerDiaries, _ := mem.DiariesByOwner(ctx, partner.ID)
	require.Len(t, ownDiaries, 1)
	require.Len(t, partnerDiaries, 1)
	assert.EqualValues(t, 300, partnerDiaries[0].UpstreamDiaryID)
}

func TestOrchestratorPartialWhenOwnBatchFails(t *testing.T) {
	var content atomic.Value
	content.Store("v1 own entry content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := json.Marshal(map[string]any{
			"user_config": map[string]any{
				"userid": 460100, "name": "owner",
				"paired_user_config": map[string]any{"userid": 460200, "name": "partner"},
			},
			"diaries":        []any{diaryJSON(200, content.Load().(string), 0)},
			"diaries_paired": []any{diaryJSON(300, "partner entry content", 0)},
		})
		w.Write(b)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 0)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	waitRun(t, o, runID)

	// Second run changes own content; the history append fails, so the own
	// batch errors while the paired batch reconciles fine.
	content.Store("v2 own entry content")
	mem.AppendHistoryErr = fmt.Errorf("disk full")
	runID, err = o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run := waitRun(t, o, runID)

	assert.Equal(t, models.RunStatusPartial, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "disk full")
}

func TestOrchestratorImagePostPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/image/460100/13/" {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("jpeg"))
			return
		}
		fmt.Fprint(w, bundleJSON(diaryJSON(200, "with a picture [图13] attached", 0)))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 0)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run := waitRun(t, o, runID)
	assert.Equal(t, models.RunStatusSuccess, run.Status)

	img, err := mem.ImageByKey(ctx, 460100, 13)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), img.Data)
}

func TestOrchestratorDetailBackfill(t *testing.T) {
	var detailCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/diary/all_by_ids/" {
			detailCalls.Add(1)
			b, _ := json.Marshal(map[string]any{
				"diaries": []any{diaryJSON(200, "the full body, much longer than the synced preview was", 0)},
			})
			w.Write(b)
			return
		}
		fmt.Fprint(w, bundleJSON(diaryJSON(200, "preview", 0)))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	enc := testEncryption(t)
	accountID := seedAccount(t, mem, enc, testToken(t, time.Now().Add(time.Hour)))
	o := newTestOrchestrator(t, mem, srv, 20)
	ctx := context.Background()

	runID, err := o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run := waitRun(t, o, runID)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.EqualValues(t, 1, detailCalls.Load())

	owner, err := mem.OwnerByUpstreamID(ctx, 460100)
	require.NoError(t, err)
	diaries, err := mem.DiariesByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, diaries, 1)
	assert.Equal(t, "the full body, much longer than the synced preview was", diaries[0].Content)

	// The preview is preserved as history and the detail attempt recorded.
	rows := mem.HistoryRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "preview", rows[0].Content)

	state, err := mem.DetailFetchByDiary(ctx, diaries[0].ID)
	require.NoError(t, err)
	assert.True(t, state.LastSuccess)
	assert.False(t, state.LastIsShort)
	assert.Equal(t, 1, state.Attempts)

	// A later sync with the same short preview neither asks again nor
	// regresses the stored body.
	runID, err = o.TriggerSync(ctx, accountID)
	require.NoError(t, err)
	run = waitRun(t, o, runID)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.EqualValues(t, 1, detailCalls.Load())

	diaries, err = mem.DiariesByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, diaries, 1)
	assert.Equal(t, "the full body, much longer than the synced preview was", diaries[0].Content)
	assert.Len(t, mem.HistoryRows(), 1, "stale preview must not append a change row")
}
