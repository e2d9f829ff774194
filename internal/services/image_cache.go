package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"younote/internal/models"
	"younote/internal/store"
	"younote/internal/upstream"
)

// Diary content references images with placeholders like [图13].
var imagePlaceholderRE = regexp.MustCompile(`\[图(\d+)\]`)

// ExtractImageIDs parses placeholder tokens out of diary content, deduped in
// order of first appearance.
func ExtractImageIDs(content string) []int64 {
	var ids []int64
	seen := make(map[int64]struct{})
	for _, m := range imagePlaceholderRE.FindAllStringSubmatch(content, -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// ImageCache resolves placeholder references to locally cached bytes. Entries
// are write-once per (owner_user_id, image_id); concurrent requests for the
// same key share a single upstream fetch.
type ImageCache struct {
	store    store.Images
	client   *upstream.Client
	maxBytes int64
	group    singleflight.Group
	log      *zap.Logger
}

func NewImageCache(st store.Images, client *upstream.Client, maxBytes int64, log *zap.Logger) *ImageCache {
	return &ImageCache{store: st, client: client, maxBytes: maxBytes, log: log}
}

// Get returns a cached image or ErrNotCached. Never triggers a fetch.
func (c *ImageCache) Get(ctx context.Context, ownerUserID, imageID int64) (*models.CachedImage, error) {
	img, err := c.store.ImageByKey(ctx, ownerUserID, imageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotCached
	}
	return img, err
}

// EnsureCached fetches and stores the image unless it is already cached. All
// concurrent callers for one key observe the same outcome.
func (c *ImageCache) EnsureCached(ctx context.Context, authToken string, ownerUserID, imageID int64) (*models.CachedImage, error) {
	if img, err := c.store.ImageByKey(ctx, ownerUserID, imageID); err == nil {
		return img, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	key := fmt.Sprintf("%d/%d", ownerUserID, imageID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent run may have won the
		// insert between our miss and now.
		if img, err := c.store.ImageByKey(ctx, ownerUserID, imageID); err == nil {
			return img, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		data, contentType, err := c.client.FetchImage(ctx, authToken, ownerUserID, imageID, c.maxBytes)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		img := &models.CachedImage{
			OwnerUserID: ownerUserID,
			ImageID:     imageID,
			ContentType: contentType,
			Data:        data,
			SizeBytes:   len(data),
			SHA256:      hex.EncodeToString(sum[:]),
			FetchedAt:   time.Now().UTC(),
		}
		// InsertImageOnce keeps the existing row on conflict, so a racing
		// insert elsewhere cannot overwrite earlier bytes.
		if _, err := c.store.InsertImageOnce(ctx, img); err != nil {
			return nil, err
		}
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CachedImage), nil
}

// ResolveContent caches every image a diary's content references. Failures
// are non-fatal: the placeholder stays unresolved and the next pass may try
// again.
func (c *ImageCache) ResolveContent(ctx context.Context, authToken string, ownerUserID int64, content string) {
	for _, id := range ExtractImageIDs(content) {
		if err := ctx.Err(); err != nil {
			return
		}
		if _, err := c.EnsureCached(ctx, authToken, ownerUserID, id); err != nil {
			c.log.Warn("image resolution failed",
				zap.Int64("owner_user_id", ownerUserID),
				zap.Int64("image_id", id),
				zap.Error(err))
		}
	}
}
