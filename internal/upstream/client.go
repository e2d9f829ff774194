package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// RetryPolicy bounds the retry behaviour for transient upstream failures.
// Applied uniformly to every call; token rejections and protocol violations
// are never retried.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// Client fetches diary bundles, detail records and images from the upstream
// service. One instance is shared by all account workers; the credential is
// passed per call.
type Client struct {
	http         *http.Client
	baseURL      string
	imageBaseURL string
	policy       RetryPolicy
	log          *zap.Logger
}

func NewClient(baseURL, imageBaseURL string, timeout time.Duration, policy RetryPolicy, log *zap.Logger) *Client {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	// retry.NewExponential panics on a non-positive base.
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	return &Client{
		http:         &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		imageBaseURL: strings.TrimRight(imageBaseURL, "/"),
		policy:       policy,
		log:          log,
	}
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.policy.BaseDelay)
	if c.policy.MaxDelay > 0 {
		b = retry.WithCappedDuration(c.policy.MaxDelay, b)
	}
	if c.policy.JitterPercent > 0 {
		b = retry.WithJitterPercent(c.policy.JitterPercent, b)
	}
	return retry.WithMaxRetries(uint64(c.policy.MaxAttempts-1), b)
}

func setHeaders(req *http.Request, authToken string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("accept-language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("auth", authToken)
	req.Header.Set("origin", "https://nideriji.cn")
	req.Header.Set("referer", "https://nideriji.cn/w/")
}

// doJSON performs one request with the retry policy and decodes the body into
// out. Network errors and 5xx are retried; 401/403 fail fast as
// ErrTokenInvalid; any other non-2xx or an undecodable body fails as
// ErrProtocol.
func (c *Client) doJSON(ctx context.Context, method, url, authToken string, body []byte, out any) error {
	attempt := 0
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return err
		}
		setHeaders(req, authToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("upstream request failed",
				zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrTokenInvalid, resp.StatusCode)
		case resp.StatusCode >= 500:
			c.log.Warn("upstream server error",
				zap.String("url", url), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("%w: unexpected status %d", ErrProtocol, resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode: %v", ErrProtocol, err)
		}
		return nil
	})
}

// FetchBundle pulls the full sync payload for one credential: the owner
// profile, the paired profile if any, and both diary lists.
func (c *Client) FetchBundle(ctx context.Context, authToken string) (*Bundle, error) {
	var payload bundlePayload
	url := c.baseURL + "/api/v2/sync/"
	if err := c.doJSON(ctx, http.MethodPost, url, authToken, nil, &payload); err != nil {
		return nil, err
	}
	return payload.toBundle()
}

// FetchDiariesByIDs pulls detail records for specific upstream diary ids.
func (c *Client) FetchDiariesByIDs(ctx context.Context, authToken string, ids []int64) ([]DiaryRecord, error) {
	body, err := json.Marshal(map[string][]int64{"diary_ids": ids})
	if err != nil {
		return nil, err
	}
	var payload diariesPayload
	url := c.baseURL + "/api/diary/all_by_ids/"
	if err := c.doJSON(ctx, http.MethodPost, url, authToken, body, &payload); err != nil {
		return nil, err
	}
	records := make([]DiaryRecord, 0, len(payload.Diaries))
	for i := range payload.Diaries {
		rec, err := payload.Diaries[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// FetchImage pulls one image scoped to its owner. Payloads larger than
// maxBytes fail with ErrImageTooLarge before the body is fully read.
func (c *Client) FetchImage(ctx context.Context, authToken string, ownerUserID, imageID, maxBytes int64) ([]byte, string, error) {
	url := fmt.Sprintf("%s/api/image/%d/%d/", c.imageBaseURL, ownerUserID, imageID)

	var data []byte
	var contentType string
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		setHeaders(req, authToken)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrTokenInvalid, resp.StatusCode)
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("%w: unexpected status %d", ErrProtocol, resp.StatusCode)
		}

		if cl := resp.ContentLength; cl > 0 && maxBytes > 0 && cl > maxBytes {
			return fmt.Errorf("%w: content-length %d", ErrImageTooLarge, cl)
		}
		limit := maxBytes
		if limit <= 0 {
			limit = 10 * 1024 * 1024
		}
		buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: read body: %v", ErrUnavailable, err))
		}
		if int64(len(buf)) > limit {
			return fmt.Errorf("%w: body exceeds %d bytes", ErrImageTooLarge, limit)
		}

		ct := strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0])
		if ct == "" {
			ct = "application/octet-stream"
		}
		data, contentType = buf, ct
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

// TokenStatus judges a credential locally from its JWT exp claim. Cheap and
// offline; a definitive rejection still only comes from an upstream 401.
func (c *Client) TokenStatus(authToken string) TokenHealth {
	return ParseTokenHealth(authToken, time.Now().UTC())
}
