package searcher

import (
	"math"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dshills/memindex/pkg/types"
)

var (
	wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	datePattern = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
)

// stopwords are dropped from keyword queries
var stopwords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "am": {}, "an": {}, "and": {},
	"any": {}, "are": {}, "as": {}, "at": {}, "be": {}, "been": {}, "before": {}, "but": {},
	"by": {}, "can": {}, "could": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"had": {}, "has": {}, "have": {}, "he": {}, "her": {}, "his": {}, "how": {}, "i": {},
	"if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "me": {}, "my": {},
	"no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "our": {}, "she": {}, "so": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "us": {}, "was": {}, "we": {}, "were": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {},
}

// extractKeywords returns the distinct lowercase non-stopword tokens of query
// in first-seen order. Single-character tokens are dropped.
func extractKeywords(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range wordPattern.FindAllString(strings.ToLower(query), -1) {
		if utf8.RuneCountInString(tok) < 2 || seen[tok] {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// applyTemporalDecay scales each score by exp(-ln2/halfLife * ageDays).
// Memory notes are dated by a YYYY-MM-DD file name; MEMORY.md and undated
// notes are evergreen. Transcripts age from their last update.
func applyTemporalDecay(candidates []types.Candidate, halfLifeDays float64, now time.Time) {
	if halfLifeDays <= 0 {
		return
	}
	rate := math.Ln2 / halfLifeDays
	for i := range candidates {
		ts, ok := candidateTime(candidates[i])
		if !ok {
			continue
		}
		ageDays := now.Sub(ts).Hours() / 24
		if ageDays <= 0 {
			continue
		}
		candidates[i].Score *= math.Exp(-rate * ageDays)
	}
}

// candidateTime is the timestamp a candidate ages from
func candidateTime(c types.Candidate) (time.Time, bool) {
	if c.Source == types.SourceSessions {
		return c.UpdatedAt, !c.UpdatedAt.IsZero()
	}
	base := path.Base(c.Path)
	if strings.EqualFold(base, "MEMORY.md") {
		return time.Time{}, false
	}
	m := datePattern.FindString(base)
	if m == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse("2006-01-02", m)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// applyMMR diversifies a ranking. Candidates are picked greedily by
// lambda*score - (1-lambda)*maxSim, where maxSim is the highest token Jaccard
// similarity to an already picked candidate. A picked candidate keeps its
// score scaled by 1 - (1-lambda)*maxSim, so distinct chunks are untouched and
// near duplicates sink. The input must be sorted by score.
func applyMMR(candidates []types.Candidate, lambda float64) []types.Candidate {
	if len(candidates) < 2 {
		return candidates
	}
	lambda = math.Max(0, math.Min(1, lambda))

	tokens := make([]map[string]struct{}, len(candidates))
	for i, c := range candidates {
		tokens[i] = tokenSet(c.Text)
	}

	picked := make([]int, 0, len(candidates))
	used := make([]bool, len(candidates))
	out := make([]types.Candidate, 0, len(candidates))

	for len(picked) < len(candidates) {
		bestIdx := -1
		bestVal := math.Inf(-1)
		bestSim := 0.0
		for i := range candidates {
			if used[i] {
				continue
			}
			sim := 0.0
			for _, j := range picked {
				sim = math.Max(sim, jaccard(tokens[i], tokens[j]))
			}
			val := lambda*candidates[i].Score - (1-lambda)*sim
			// Strict > keeps the earlier (higher ranked) candidate on ties
			if val > bestVal {
				bestIdx, bestVal, bestSim = i, val, sim
			}
		}
		used[bestIdx] = true
		picked = append(picked, bestIdx)
		c := candidates[bestIdx]
		c.Score *= 1 - (1-lambda)*bestSim
		out = append(out, c)
	}
	return out
}

// tokenSet is the set of lowercase tokens longer than two characters
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if utf8.RuneCountInString(tok) > 2 {
			set[tok] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
