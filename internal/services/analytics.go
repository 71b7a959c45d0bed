package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/storage"
)

// Strength buckets a password score.
type Strength string

const (
	StrengthStrong Strength = "strong"
	StrengthMedium Strength = "medium"
	StrengthWeak   Strength = "weak"
)

// StrengthOf buckets a 0 to 100 score.
func StrengthOf(score int) Strength {
	switch {
	case score >= 75:
		return StrengthStrong
	case score >= 50:
		return StrengthMedium
	default:
		return StrengthWeak
	}
}

// Issues found in a single password.
const (
	IssueShort     = "short"
	IssueCommon    = "common"
	IssueRepeating = "repeating"
	IssueSequence  = "sequence"
	IssueOld       = "old"
	IssueReused    = "reused"
)

// PasswordScore is the audit result of one entry.
type PasswordScore struct {
	EntryID  string
	Title    string
	Score    int
	Strength Strength
	AgeDays  int
	Issues   []string
}

// Recommendation is one finding of an audit, most severe first.
type Recommendation struct {
	Severity string
	Title    string
	Detail   string
}

// SecurityReport summarizes the passwords of a vault. Entries without a
// password are not counted.
type SecurityReport struct {
	// Score is 0 to 100; an empty vault scores 100.
	Score           int
	Total           int
	AverageStrength int
	AverageAgeDays  int

	Strong, Medium, Weak int
	Fresh, Old, VeryOld  int

	// Reused groups entry ids sharing one password.
	Reused      [][]string
	ReusedCount int

	Entries         []PasswordScore
	Recommendations []Recommendation
}

// AnalyticsService audits password strength and reuse. Passwords are opened
// one at a time and wiped after scoring; reuse is detected through keyed
// digests, never by keeping plaintexts around.
type AnalyticsService interface {
	SecurityReport(ctx context.Context) (*SecurityReport, error)
}

type analyticsService struct {
	store *storage.Store
	kr    *Keyring
	log   logging.Logger
	now   func() time.Time
}

func NewAnalyticsService(store *storage.Store, kr *Keyring, log logging.Logger) AnalyticsService {
	return &analyticsService{store: store, kr: kr, log: log, now: time.Now}
}

const reuseInfo = "gophvault/audit/reuse/v1"

var commonPasswords = []string{
	"password", "123456", "qwerty", "admin", "letmein",
	"welcome", "monkey", "dragon", "master", "sunshine",
}

func (s *analyticsService) SecurityReport(ctx context.Context) (*SecurityReport, error) {
	now := s.now()
	rep := &SecurityReport{}
	groups := map[string][]int{}

	err := s.kr.withKey(func(u unlocked) error {
		reuseKey, err := cryptox.SubKey(u.key, reuseInfo, 32)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(reuseKey)

		for e, err := range s.store.ListEntries(ctx, models.Filter{}) {
			if err != nil {
				return err
			}
			var secret models.Secret
			if err := cryptox.DecryptJSON(u.aead, u.key, e.Sealed(), []byte(e.ID), &secret); err != nil {
				return fmt.Errorf("entry %s: %w", e.ID, err)
			}
			if secret.Password == "" {
				secret.Wipe()
				continue
			}

			ps := scorePassword(secret.Password, now.Sub(e.UpdatedAt))
			ps.EntryID, ps.Title = e.ID, e.Title

			mac := hmac.New(sha256.New, reuseKey)
			mac.Write([]byte(secret.Password))
			digest := string(mac.Sum(nil))
			secret.Wipe()

			groups[digest] = append(groups[digest], len(rep.Entries))
			rep.Entries = append(rep.Entries, ps)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, idx := range groups {
		if len(idx) < 2 {
			continue
		}
		ids := make([]string, 0, len(idx))
		for _, i := range idx {
			rep.Entries[i].Issues = append(rep.Entries[i].Issues, IssueReused)
			ids = append(ids, rep.Entries[i].EntryID)
		}
		sort.Strings(ids)
		rep.Reused = append(rep.Reused, ids)
		rep.ReusedCount += len(ids)
	}
	sort.Slice(rep.Reused, func(i, j int) bool { return rep.Reused[i][0] < rep.Reused[j][0] })

	summarize(rep)
	s.log.Debug(ctx, "security report built", "entries", rep.Total, "score", rep.Score, "reused", rep.ReusedCount)
	return rep, nil
}

func summarize(rep *SecurityReport) {
	rep.Total = len(rep.Entries)
	if rep.Total == 0 {
		rep.Score = 100
		rep.Recommendations = recommend(rep)
		return
	}

	var scoreSum, ageSum int
	for _, ps := range rep.Entries {
		scoreSum += ps.Score
		ageSum += ps.AgeDays
		switch ps.Strength {
		case StrengthStrong:
			rep.Strong++
		case StrengthMedium:
			rep.Medium++
		default:
			rep.Weak++
		}
		switch {
		case ps.AgeDays < 90:
			rep.Fresh++
		case ps.AgeDays < 365:
			rep.Old++
		default:
			rep.VeryOld++
		}
	}
	rep.Score = scoreSum / rep.Total
	rep.AverageStrength = rep.Score
	rep.AverageAgeDays = ageSum / rep.Total
	sort.Slice(rep.Entries, func(i, j int) bool {
		if rep.Entries[i].Score != rep.Entries[j].Score {
			return rep.Entries[i].Score < rep.Entries[j].Score
		}
		return rep.Entries[i].Title < rep.Entries[j].Title
	})
	rep.Recommendations = recommend(rep)
}

func recommend(rep *SecurityReport) []Recommendation {
	var out []Recommendation
	if rep.Weak > 0 {
		out = append(out, Recommendation{Severity: "high", Title: "Weak passwords",
			Detail: fmt.Sprintf("%d passwords are weak and should be changed.", rep.Weak)})
	}
	if len(rep.Reused) > 0 {
		out = append(out, Recommendation{Severity: "high", Title: "Reused passwords",
			Detail: fmt.Sprintf("%d passwords are shared by %d entries.", len(rep.Reused), rep.ReusedCount)})
	}
	if rep.VeryOld > 0 {
		out = append(out, Recommendation{Severity: "medium", Title: "Old passwords",
			Detail: fmt.Sprintf("%d passwords were not changed for over a year.", rep.VeryOld)})
	}
	if len(out) == 0 {
		out = append(out, Recommendation{Severity: "low", Title: "No issues",
			Detail: "All passwords are strong and unique."})
	}
	return out
}

// scorePassword rates one password from 0 to 100. Length and character
// variety earn up to 50 points each; age, common words and trivial patterns
// take points away.
func scorePassword(pw string, age time.Duration) PasswordScore {
	var (
		score  int
		issues []string
	)

	switch n := len([]rune(pw)); {
	case n >= 16:
		score += 50
	case n >= 12:
		score += 40
	case n >= 8:
		score += 25
	default:
		score += 10
		issues = append(issues, IssueShort)
	}

	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsSpace(r):
			symbol = true
		}
	}
	if upper {
		score += 10
	}
	if lower {
		score += 10
	}
	if digit {
		score += 15
	}
	if symbol {
		score += 15
	}

	ageDays := int(age.Hours() / 24)
	if ageDays < 0 {
		ageDays = 0
	}
	switch {
	case ageDays > 365:
		score -= 20
		issues = append(issues, IssueOld)
	case ageDays > 180:
		score -= 10
		issues = append(issues, IssueOld)
	}

	lowered := strings.ToLower(pw)
	for _, c := range commonPasswords {
		if strings.Contains(lowered, c) {
			score -= 20
			issues = append(issues, IssueCommon)
			break
		}
	}
	if hasRun(pw, func(a, b rune) bool { return a == b }) {
		score -= 10
		issues = append(issues, IssueRepeating)
	}
	if hasRun(lowered, func(a, b rune) bool { return b == a+1 }) {
		score -= 10
		issues = append(issues, IssueSequence)
	}

	score = max(0, min(100, score))
	return PasswordScore{Score: score, Strength: StrengthOf(score), AgeDays: ageDays, Issues: issues}
}

// hasRun reports whether three consecutive runes are linked pairwise by next.
func hasRun(s string, next func(a, b rune) bool) bool {
	r := []rune(s)
	for i := 0; i+2 < len(r); i++ {
		if next(r[i], r[i+1]) && next(r[i+1], r[i+2]) {
			return true
		}
	}
	return false
}
