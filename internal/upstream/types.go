package upstream

import (
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// DiaryRecord is one upstream diary entry, already validated.
type DiaryRecord struct {
	ID          int64
	Title       string
	Content     string
	CreatedDate string // YYYY-MM-DD
	CreatedTime *time.Time
	Weather     string
	Mood        string
	Space       string
	IsSimple    bool
	MsgCount    int
	TS          int64
}

// Profile mirrors upstream user_config for the account's own identity or its
// paired partner.
type Profile struct {
	UserID      int64
	Name        string
	Description string
	Role        string
	Avatar      string
	DiaryCount  int
	WordCount   int
	ImageCount  int
	LastLoginAt *time.Time
}

// Bundle is the full payload of one sync fetch.
type Bundle struct {
	Owner         Profile
	Paired        *Profile
	Diaries       []DiaryRecord
	PairedDiaries []DiaryRecord
}

// TokenHealth is the local view of a credential's validity, derived from the
// JWT exp claim without a signature check. An upstream 401 overrides it.
type TokenHealth struct {
	Valid     bool
	Expired   bool
	ExpiresAt *time.Time
	Reason    string
}

// Raw payload shapes. Pointer fields so missing keys are distinguishable from
// zero values; conversion fails with ErrProtocol on required-field absence.

type diaryPayload struct {
	ID          *int64  `json:"id"`
	Title       *string `json:"title"`
	Content     *string `json:"content"`
	CreatedDate *string `json:"createddate"`
	CreatedTime *int64  `json:"createdtime"`
	Weather     *string `json:"weather"`
	Mood        *string `json:"mood"`
	Space       *string `json:"space"`
	IsSimple    *int    `json:"is_simple"`
	MsgCount    *int    `json:"msg_count"`
	TS          *int64  `json:"ts"`
}

type userConfigPayload struct {
	UserID        *int64             `json:"userid"`
	Name          *string            `json:"name"`
	Description   *string            `json:"description"`
	Role          *string            `json:"role"`
	Avatar        *string            `json:"avatar"`
	DiaryCount    *int               `json:"diary_count"`
	WordCount     *int               `json:"word_count"`
	ImageCount    *int               `json:"image_count"`
	LastLoginTime *int64             `json:"last_login_time"`
	Paired        *userConfigPayload `json:"paired_user_config"`
}

type bundlePayload struct {
	UserConfig *userConfigPayload `json:"user_config"`
	Diaries    []diaryPayload     `json:"diaries"`
	Paired     []diaryPayload     `json:"diaries_paired"`
}

type diariesPayload struct {
	Diaries []diaryPayload `json:"diaries"`
}

func strOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func intOr(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (p *diaryPayload) toRecord() (DiaryRecord, error) {
	if p.ID == nil {
		return DiaryRecord{}, fmt.Errorf("%w: diary missing id", ErrProtocol)
	}
	if p.CreatedDate == nil || *p.CreatedDate == "" {
		return DiaryRecord{}, fmt.Errorf("%w: diary %d missing createddate", ErrProtocol, *p.ID)
	}
	if _, err := time.Parse("2006-01-02", *p.CreatedDate); err != nil {
		return DiaryRecord{}, fmt.Errorf("%w: diary %d bad createddate %q", ErrProtocol, *p.ID, *p.CreatedDate)
	}
	rec := DiaryRecord{
		ID:          *p.ID,
		Title:       strOr(p.Title),
		Content:     strOr(p.Content),
		CreatedDate: *p.CreatedDate,
		Weather:     strOr(p.Weather),
		Mood:        strOr(p.Mood),
		Space:       strOr(p.Space),
		IsSimple:    intOr(p.IsSimple) != 0,
		MsgCount:    intOr(p.MsgCount),
	}
	if p.TS != nil {
		rec.TS = *p.TS
	}
	if p.CreatedTime != nil && *p.CreatedTime > 0 {
		t := time.Unix(*p.CreatedTime, 0).UTC()
		rec.CreatedTime = &t
	}
	return rec, nil
}

func (p *userConfigPayload) toProfile() (Profile, error) {
	if p.UserID == nil {
		return Profile{}, fmt.Errorf("%w: user_config missing userid", ErrProtocol)
	}
	prof := Profile{
		UserID:      *p.UserID,
		Name:        strOr(p.Name),
		Description: strOr(p.Description),
		Role:        strOr(p.Role),
		Avatar:      strOr(p.Avatar),
		DiaryCount:  intOr(p.DiaryCount),
		WordCount:   intOr(p.WordCount),
		ImageCount:  intOr(p.ImageCount),
	}
	if p.LastLoginTime != nil && *p.LastLoginTime > 0 {
		t := time.Unix(*p.LastLoginTime, 0).UTC()
		prof.LastLoginAt = &t
	}
	return prof, nil
}

func (p *bundlePayload) toBundle() (*Bundle, error) {
	if p.UserConfig == nil {
		return nil, fmt.Errorf("%w: missing user_config", ErrProtocol)
	}
	owner, err := p.UserConfig.toProfile()
	if err != nil {
		return nil, err
	}
	b := &Bundle{Owner: owner}
	if p.UserConfig.Paired != nil {
		paired, err := p.UserConfig.Paired.toProfile()
		if err != nil {
			return nil, err
		}
		b.Paired = &paired
	}
	for i := range p.Diaries {
		rec, err := p.Diaries[i].toRecord()
		if err != nil {
			return nil, err
		}
		b.Diaries = append(b.Diaries, rec)
	}
	if len(p.Paired) > 0 && b.Paired == nil {
		return nil, fmt.Errorf("%w: diaries_paired present without paired_user_config", ErrProtocol)
	}
	for i := range p.Paired {
		rec, err := p.Paired[i].toRecord()
		if err != nil {
			return nil, err
		}
		b.PairedDiaries = append(b.PairedDiaries, rec)
	}
	return b, nil
}

// ParseTokenHealth inspects the JWT exp claim of an "token <jwt>" credential.
// The signature is not checked; only the upstream can truly reject a token.
func ParseTokenHealth(authToken string, now time.Time) TokenHealth {
	trimmed := strings.TrimSpace(authToken)
	if trimmed == "" {
		return TokenHealth{Valid: false, Expired: true, Reason: "empty token"}
	}
	fields := strings.Fields(trimmed)
	token, _, err := jwt.NewParser().ParseUnverified(fields[len(fields)-1], jwt.MapClaims{})
	if err != nil {
		return TokenHealth{Valid: true, Reason: "not a jwt; unverified"}
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return TokenHealth{Valid: true, Reason: "no exp claim; unverified"}
	}
	expAt := exp.Time.UTC()
	if !now.Before(expAt) {
		return TokenHealth{Valid: false, Expired: true, ExpiresAt: &expAt, Reason: "token expired"}
	}
	return TokenHealth{Valid: true, ExpiresAt: &expAt}
}
