package upstream

import (
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
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(srv.URL, srv.URL, 2*time.Second, testPolicy(), zap.NewNop())
}

const bundleBody = `{
	"user_config": {"userid": 460100, "name": "owner", "diary_count": 1, "word_count": 10, "image_count": 0},
	"diaries": [{"id": 200, "title": "t", "content": "hello", "createddate": "2026-01-09", "msg_count": 5, "ts": 1}]
}`

func TestFetchBundleRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, bundleBody)
	}))
	defer srv.Close()

	bundle, err := testClient(t, srv).FetchBundle(context.Background(), "token x")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 460100, bundle.Owner.UserID)
	require.Len(t, bundle.Diaries, 1)
	assert.EqualValues(t, 200, bundle.Diaries[0].ID)
	assert.Equal(t, 5, bundle.Diaries[0].MsgCount)
}

func TestFetchBundleExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).FetchBundle(context.Background(), "token x")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchBundleTokenRejectedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).FetchBundle(context.Background(), "token x")
	require.ErrorIs(t, err, ErrTokenInvalid)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchBundleProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"missing user_config", `{"diaries": []}`},
		{"missing userid", `{"user_config": {"name": "x"}, "diaries": []}`},
		{"diary missing id", `{"user_config": {"userid": 1}, "diaries": [{"title": "x", "createddate": "2026-01-01"}]}`},
		{"diary bad date", `{"user_config": {"userid": 1}, "diaries": [{"id": 2, "createddate": "Jan 1"}]}`},
		{"paired diaries without paired profile", `{"user_config": {"userid": 1}, "diaries": [], "diaries_paired": [{"id": 3, "createddate": "2026-01-01"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := testClient(t, srv).FetchBundle(context.Background(), "token x")
			require.ErrorIs(t, err, ErrProtocol)
			assert.EqualValues(t, 1, calls.Load(), "protocol violations must not be retried")
		})
	}
}

func TestZeroRetryPolicyStillFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bundleBody)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 2*time.Second, RetryPolicy{}, zap.NewNop())
	_, err := c.FetchBundle(context.Background(), "token x")
	require.NoError(t, err)
}

func TestFetchBundlePairedDiaries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"user_config": {"userid": 1, "paired_user_config": {"userid": 2, "name": "partner"}},
			"diaries": [],
			"diaries_paired": [{"id": 9, "createddate": "2026-02-01", "content": "hi", "msg_count": 3}]
		}`)
	}))
	defer srv.Close()

	bundle, err := testClient(t, srv).FetchBundle(context.Background(), "token x")
	require.NoError(t, err)
	require.NotNil(t, bundle.Paired)
	assert.EqualValues(t, 2, bundle.Paired.UserID)
	require.Len(t, bundle.PairedDiaries, 1)
	assert.Equal(t, "hi", bundle.PairedDiaries[0].Content)
}

func TestFetchDiariesByIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string][]int64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []int64{200, 201}, req["diary_ids"])
		fmt.Fprint(w, `{"diaries": [
			{"id": 200, "createddate": "2026-01-09", "content": "full text"},
			{"id": 201, "createddate": "2026-01-10", "content": "more"}
		]}`)
	}))
	defer srv.Close()

	records, err := testClient(t, srv).FetchDiariesByIDs(context.Background(), "token x", []int64{200, 201})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "full text", records[0].Content)
}

func TestFetchImageSizeCeiling(t *testing.T) {
	big := make([]byte, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(big)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, _, err := c.FetchImage(context.Background(), "token x", 7, 13, 1024)
	require.ErrorIs(t, err, ErrImageTooLarge)

	data, contentType, err := c.FetchImage(context.Background(), "token x", 7, 13, 4096)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Len(t, data, 2048)
}

func TestFetchImagePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/image/460100/13/", r.URL.Path)
		assert.Equal(t, "token abc", r.Header.Get("auth"))
		w.Write([]byte{1, 2, 3})
	}))
	defer srv.Close()

	_, _, err := testClient(t, srv).FetchImage(context.Background(), "token abc", 460100, 13, 1024)
	require.NoError(t, err)
}

func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return "token " + enc.EncodeToString([]byte(`{"alg":"HS256"}`)) + "." + enc.EncodeToString(payload) + ".sig"
}

func TestParseTokenHealth(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	t.Run("valid", func(t *testing.T) {
		h := ParseTokenHealth(makeJWT(t, now.Add(time.Hour)), now)
		assert.True(t, h.Valid)
		assert.False(t, h.Expired)
		require.NotNil(t, h.ExpiresAt)
	})

	t.Run("expired", func(t *testing.T) {
		h := ParseTokenHealth(makeJWT(t, now.Add(-time.Hour)), now)
		assert.False(t, h.Valid)
		assert.True(t, h.Expired)
	})

	t.Run("empty", func(t *testing.T) {
		h := ParseTokenHealth("", now)
		assert.False(t, h.Valid)
	})

	t.Run("opaque token passes unverified", func(t *testing.T) {
		h := ParseTokenHealth("token not-a-jwt", now)
		assert.True(t, h.Valid)
	})

	t.Run("garbage segments pass unverified", func(t *testing.T) {
		h := ParseTokenHealth("token aaa.!!!.sig", now)
		assert.True(t, h.Valid)
		assert.Nil(t, h.ExpiresAt)
	})
}
