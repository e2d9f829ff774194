package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"younote/internal/models"
	"younote/internal/services"
	"younote/internal/store"
)

func imageRouter(mem *store.Memory) http.Handler {
	cache := services.NewImageCache(mem, nil, 0, zap.NewNop())
	r := chi.NewRouter()
	r.Get("/api/images/{ownerUserID}/{imageID}", NewImageHandler(cache).Get)
	return r
}

func TestImageGetNotCached(t *testing.T) {
	rec := httptest.NewRecorder()
	imageRouter(store.NewMemory()).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/images/7/13", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImageGetServesCachedBytes(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.InsertImageOnce(context.Background(), &models.CachedImage{
		OwnerUserID: 7, ImageID: 13, ContentType: "image/jpeg",
		Data: []byte("jpeg"), SizeBytes: 4, SHA256: "abc123", FetchedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	router := imageRouter(mem)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images/7/13", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg", rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"abc123"`, rec.Header().Get("ETag"))

	// Conditional revalidation hits 304 with no body.
	req := httptest.NewRequest(http.MethodGet, "/api/images/7/13", nil)
	req.Header.Set("If-None-Match", `"abc123"`)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestImageGetBadIDs(t *testing.T) {
	rec := httptest.NewRecorder()
	imageRouter(store.NewMemory()).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/images/x/13", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
