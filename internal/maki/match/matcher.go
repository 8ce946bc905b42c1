// Package match implements deterministic utterance-to-script matching.
//
// The matcher is a scoring heuristic, not a learned model: it compares a
// normalised utterance against every known script's trigger phrases,
// description, and tags, plus a fixed action-verb lexicon, and produces
// ranked candidates with a disambiguation flag. All decisions are pure
// functions of (utterance, script set); no mutation, no I/O, safe for any
// number of concurrent turns.
package match

import (
	"sort"
	"strings"
	"unicode"

	"github.com/cstoian/Maki/common/spec/script"
)

// Scoring weights. These encode the relative trust placed in each signal and
// are fixed; the tunable decision thresholds live in Config.
const (
	exactScore     = 1.0
	containsScore  = 0.9
	prefixScore    = 0.85
	descriptionWt  = 0.8
	tagBoost       = 0.2
	verbScore      = 0.6
	actionCutoff   = 0.5
	minPrefixMatch = 3
)

// Config holds the tunable decision thresholds of the matcher. Keeping them
// in a struct (instead of literals inside the scoring code) lets operators
// tune matching without recompiling it.
type Config struct {
	// Floor discards scripts scoring at or below this value.
	Floor float64
	// Gap is the top-two confidence difference below which the matcher asks
	// the user to choose instead of guessing.
	Gap float64
}

// DefaultConfig provides the standard thresholds.
var DefaultConfig = Config{
	Floor: 0.3,
	Gap:   0.1,
}

// CandidateKind distinguishes script candidates from external-action intents.
type CandidateKind string

const (
	KindScript CandidateKind = "script"
	KindAction CandidateKind = "action"
)

// Candidate is one ranked match. Ephemeral: recomputed every turn, never
// persisted.
type Candidate struct {
	Kind       CandidateKind
	Confidence float64
	// ScriptID is set when Kind == KindScript.
	ScriptID string
	// Name is the script name, carried for disambiguation prompts.
	Name string
	// Description is carried for disambiguation prompts.
	Description string
	// ActionVerb is set when Kind == KindAction.
	ActionVerb string
}

// Result is the outcome of matching one utterance.
type Result struct {
	Candidates          []Candidate
	Top                 *Candidate
	NeedsDisambiguation bool
}

// actionVerbs is the fixed lexicon of verbs signalling an external-action
// intent rather than a stored script.
var actionVerbs = []string{"fetch", "query", "submit", "get", "post", "retrieve"}

// Matcher scores utterances against known scripts.
type Matcher struct {
	cfg Config
}

// New creates a Matcher with the given thresholds.
func New(cfg Config) *Matcher {
	if cfg.Floor == 0 && cfg.Gap == 0 {
		cfg = DefaultConfig
	}
	return &Matcher{cfg: cfg}
}

// Match scores utterance against every known script and the action-verb
// lexicon, returning ranked candidates. An empty utterance or an empty
// script set yields an empty result with no disambiguation.
func (m *Matcher) Match(utterance string, scripts []*script.ScriptDefinition) Result {
	norm := strings.ToLower(strings.TrimSpace(utterance))
	if norm == "" {
		return Result{}
	}

	var candidates []Candidate
	for _, s := range scripts {
		score := m.scoreScript(norm, s)
		if score <= m.cfg.Floor {
			continue
		}
		candidates = append(candidates, Candidate{
			Kind:        KindScript,
			Confidence:  score,
			ScriptID:    s.ID,
			Name:        s.Name,
			Description: s.Description,
		})
	}

	if verb, score := scoreActionIntent(norm); score > actionCutoff {
		candidates = append(candidates, Candidate{
			Kind:       KindAction,
			Confidence: score,
			ActionVerb: verb,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	res := Result{Candidates: candidates}
	if len(candidates) > 0 {
		res.Top = &candidates[0]
	}
	if len(candidates) >= 2 {
		res.NeedsDisambiguation = candidates[0].Confidence-candidates[1].Confidence < m.cfg.Gap
	}
	return res
}

// scoreScript computes the confidence of one script against the normalised
// utterance: the best trigger-phrase similarity, the description similarity
// weighted down (descriptions are noisier than explicit triggers), and a
// boost for each tag literally contained in the utterance.
func (m *Matcher) scoreScript(norm string, s *script.ScriptDefinition) float64 {
	var best float64
	for _, phrase := range s.TriggerPhrases {
		if sim := similarity(norm, strings.ToLower(strings.TrimSpace(phrase))); sim > best {
			best = sim
		}
	}
	if s.Description != "" {
		if sim := descriptionWt * similarity(norm, strings.ToLower(strings.TrimSpace(s.Description))); sim > best {
			best = sim
		}
	}
	for _, tag := range s.Tags {
		if tag != "" && strings.Contains(norm, strings.ToLower(tag)) {
			best += tagBoost
		}
	}
	if best > 1.0 {
		best = 1.0
	}
	return best
}

// similarity scores two normalised strings as the maximum of three signals:
// exact equality, substring containment in either direction, and a
// token-level comparison (prefix-match bonus vs Jaccard index).
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return exactScore
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return containsScore
	}

	ta, tb := tokens(a), tokens(b)
	score := jaccard(ta, tb)
	// The prefix bonus recovers partial words ("insul" matching "insulin")
	// that token equality misses entirely.
	if hasPrefixMatch(ta, tb) && prefixScore > score {
		score = prefixScore
	}
	return score
}

// tokens splits s on non-alphanumeric runes and strips purely numeric
// tokens, which carry parameter values rather than intent.
func tokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !isNumeric(f) {
			out = append(out, f)
		}
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return s != ""
}

// jaccard is |A∩B| / |A∪B| over the two token sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	var inter int
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// hasPrefixMatch reports whether any token of one set is a proper prefix
// (of at least minPrefixMatch runes) of a token in the other. Equal tokens
// are excluded; those are already counted by the Jaccard index.
func hasPrefixMatch(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				continue
			}
			if len(x) >= minPrefixMatch && strings.HasPrefix(y, x) {
				return true
			}
			if len(y) >= minPrefixMatch && strings.HasPrefix(x, y) {
				return true
			}
		}
	}
	return false
}

// scoreActionIntent scores the utterance against the action-verb lexicon:
// each verb found contributes verbScore, capped at 1.0. The first verb
// encountered in the utterance becomes the candidate's reference.
func scoreActionIntent(norm string) (string, float64) {
	lexicon := make(map[string]struct{}, len(actionVerbs))
	for _, v := range actionVerbs {
		lexicon[v] = struct{}{}
	}

	var score float64
	var first string
	seen := make(map[string]struct{})
	for _, w := range tokens(norm) {
		if _, ok := lexicon[w]; !ok {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if first == "" {
			first = w
		}
		score += verbScore
	}
	if score > 1.0 {
		score = 1.0
	}
	return first, score
}
