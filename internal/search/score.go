// Package search merges filename-similarity scoring and content
// relevance into one ordered result list.
package search

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
)

// Scoring constants. These are tuned as a set; changing one shifts the
// balance between filename and content relevance.
const (
	// Filename tiers.
	exactNameScore     = 150.0
	prefixNameScore    = 110.0
	substringNameScore = 90.0

	// Fuzzy filename matching applies only to queries of at least
	// minSimilarityQueryLen characters, and only above the threshold.
	minSimilarityQueryLen = 3
	similarityThreshold   = 0.6
	similarityScale       = 70.0

	// Flat bonus per query token present in the filename.
	tokenBonus = 15.0

	// Recency bonus decays one point per day from the cap, never below
	// the floor. Depth penalty subtracts per path segment.
	recencyBonusCap        = 35.0
	recencyBonusFloor      = 5.0
	depthPenaltyPerSegment = 1.5

	// Content relevance: the full-text backend rank is inverted and
	// clamped into [0, contentScoreBase]; every substring-backend hit
	// scores the flat substringHitScore.
	contentScoreBase  = 120.0
	substringHitScore = 60.0

	// The content query fetches this multiple of the result limit so
	// merging with filename scores does not starve either side.
	contentFetchMultiplier = 2
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize splits a query into lowercase word tokens.
func Tokenize(query string) []string {
	return tokenPattern.FindAllString(strings.ToLower(query), -1)
}

// similarityRatio is a normalized string-similarity measure in [0,1]
// based on edit distance.
func similarityRatio(a, b string) float64 {
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// nameScore computes the filename contribution for one file. A zero
// return means the filename is unrelated to the query; recency and
// depth adjustments apply only to related files.
func nameScore(lowerQuery string, tokens []string, path string, mtime time.Time, now time.Time) float64 {
	filename := strings.ToLower(filepath.Base(path))

	var score float64
	switch {
	case filename == lowerQuery:
		score += exactNameScore
	case strings.HasPrefix(filename, lowerQuery):
		score += prefixNameScore
	case strings.Contains(filename, lowerQuery):
		score += substringNameScore
	}

	if score == 0 && len([]rune(lowerQuery)) >= minSimilarityQueryLen {
		if ratio := similarityRatio(lowerQuery, filename); ratio >= similarityThreshold {
			score += ratio * similarityScale
		}
	}

	for _, token := range tokens {
		if token != "" && strings.Contains(filename, token) {
			score += tokenBonus
		}
	}

	if score == 0 {
		return 0
	}

	ageDays := now.Sub(mtime).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := recencyBonusCap - ageDays
	if recency < recencyBonusFloor {
		recency = recencyBonusFloor
	}
	penalty := float64(pathDepth(path)) * depthPenaltyPerSegment

	return score + recency - penalty
}

// pathDepth counts path segments, with the root of an absolute path
// counting as one segment.
func pathDepth(path string) int {
	return len(strings.Split(filepath.ToSlash(filepath.Clean(path)), "/"))
}

// contentScore converts a backend-native rank into a bounded score.
// bm25 ranks are lower-is-better (negative for good matches), so
// inverting against the base rewards strong matches.
func contentScore(rank float64) float64 {
	score := contentScoreBase - rank
	if score < 0 {
		return 0
	}
	return score
}
