// Package trust scores room messages for spam, topical relevance, and
// stylistic anomalies, and watches discussions for flooding, off-topic
// behavior, and collusion. The engine is stateless: the same message and
// room snapshot always produce the same score.
package trust

import (
	"regexp"
	"sort"
	"strings"

	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/room"
)

// Trust tier cutoffs over the [0,1] trust score.
const (
	TierHighlySuspicious = 0.3
	TierSuspicious       = 0.5
	TierNeutral          = 0.7
	TierTrusted          = 0.8
	TierHighlyTrusted    = 0.9
)

// Flag types raised by discussion monitoring.
const (
	FlagFlood     = "FLOOD"
	FlagSpam      = "SPAM"
	FlagOffTopic  = "OFF_TOPIC"
	FlagCollusion = "COLLUSION"
)

// Validation reason codes.
const (
	ReasonInvalidContent = "INVALID_CONTENT"
	ReasonContentTooLong = "CONTENT_TOO_LONG"
	ReasonSpamDetected   = "SPAM_DETECTED"
	ReasonLowTrustScore  = "LOW_TRUST_SCORE"
)

const (
	maxContentLength   = 1000
	spamRejectScore    = 0.8
	floodRatePerSecond = 5.0
	offTopicRelevance  = 0.3
	offTopicMaxPerUser = 3
	collusionMinPairs  = 5
	collusionAgreeRate = 0.9
)

var (
	allCapsRe = regexp.MustCompile(`^[A-Z\s]+$`)
	punctRe   = regexp.MustCompile(`[!?.]{3,}`)
)

// spamKeywords each contribute 0.3 to the spam score when present.
var spamKeywords = []string{
	"buy now", "click here", "free money", "subscribe",
	"discount", "offer", "http://", "https://",
}

// Flag is one anomaly raised by MonitorDiscussion.
type Flag struct {
	Type     string
	Author   string
	Severity string
	Rate     float64  // FLOOD: messages per second
	Pair     []string // COLLUSION: the two colluding participants
	Messages []string // offending message ids, where applicable
}

// Validation is the outcome of the synchronous admission gate.
type Validation struct {
	Valid      bool
	Reason     string
	TrustScore float64
}

// Engine scores messages against their room. Zero value is ready to use.
type Engine struct{}

// NewEngine returns a trust Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// TrustScore combines spam, relevance, and pattern signals into one [0,1]
// score: 0.5 - 0.4*spam + 0.3*relevance + 0.2*pattern.
func (e *Engine) TrustScore(msg protocol.RoomMessage, snap *room.Snapshot) float64 {
	score := 0.5
	score -= 0.4 * e.SpamScore(msg.Content)
	score += 0.3 * e.RelevanceScore(msg.Content, snap.Question.Content)
	score += 0.2 * e.PatternScore(msg.Content)
	return clamp01(score)
}

// SpamScore returns [0,1]: 0.3 per matched spam keyword plus 0.2 weight on
// the repeated-word ratio. Empty content is maximally spammy.
func (e *Engine) SpamScore(content string) float64 {
	if content == "" {
		return 1
	}
	lower := strings.ToLower(content)

	score := 0.0
	for _, kw := range spamKeywords {
		if strings.Contains(lower, kw) {
			score += 0.3
		}
	}
	score += 0.2 * repeatedWordRatio(content)
	if score > 1 {
		return 1
	}
	return score
}

// repeatedWordRatio is the max single-word frequency divided by the total
// word count.
func repeatedWordRatio(content string) float64 {
	words := strings.Fields(strings.ToLower(content))
	if len(words) == 0 {
		return 1
	}
	counts := make(map[string]int)
	maxRepeat := 0
	for _, w := range words {
		counts[w]++
		if counts[w] > maxRepeat {
			maxRepeat = counts[w]
		}
	}
	return float64(maxRepeat) / float64(len(words))
}

// RelevanceScore measures word overlap between content and the room's
// question, scaled by 2 and capped at 1. Missing content or question is
// neutral (0.5).
func (e *Engine) RelevanceScore(content, question string) float64 {
	if content == "" || question == "" {
		return 0.5
	}

	contentWords := wordSet(content)
	questionWords := wordSet(question)
	if len(questionWords) == 0 {
		return 0
	}

	overlap := 0
	for w := range contentWords {
		if questionWords[w] {
			overlap++
		}
	}

	ratio := 2 * float64(overlap) / float64(len(questionWords))
	if ratio > 1 {
		return 1
	}
	return ratio
}

// PatternScore starts at 1 and penalizes shouting (-0.3), characters
// repeated 5+ times consecutively (-0.4), and 3+ consecutive punctuation
// marks (-0.2). Floored at 0.
func (e *Engine) PatternScore(content string) float64 {
	score := 1.0
	if len(content) > 10 && allCapsRe.MatchString(content) {
		score -= 0.3
	}
	if hasCharRun(content, 5) {
		score -= 0.4
	}
	if punctRe.MatchString(content) {
		score -= 0.2
	}
	if score < 0 {
		return 0
	}
	return score
}

// hasCharRun reports whether any rune repeats at least n times in a row.
func hasCharRun(s string, n int) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
			if run >= n {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

// TierFor maps a trust score to its tier name.
func TierFor(score float64) string {
	switch {
	case score < TierHighlySuspicious:
		return "HIGHLY_SUSPICIOUS"
	case score < TierSuspicious:
		return "SUSPICIOUS"
	case score < TierNeutral:
		return "NEUTRAL"
	case score < TierTrusted:
		return "TRUSTED"
	case score < TierHighlyTrusted:
		return "HIGHLY_TRUSTED"
	default:
		return "HIGHLY_TRUSTED"
	}
}

// ValidateMessage is the synchronous gate applied before a message enters a
// room. Each rejection carries a distinct reason code.
func (e *Engine) ValidateMessage(msg protocol.RoomMessage, snap *room.Snapshot) Validation {
	if msg.Content == "" {
		return Validation{Reason: ReasonInvalidContent}
	}
	if len(msg.Content) > maxContentLength {
		return Validation{Reason: ReasonContentTooLong}
	}
	if e.SpamScore(msg.Content) > spamRejectScore {
		return Validation{Reason: ReasonSpamDetected}
	}
	score := e.TrustScore(msg, snap)
	if score < TierHighlySuspicious {
		return Validation{Reason: ReasonLowTrustScore, TrustScore: score}
	}
	return Validation{Valid: true, TrustScore: score}
}

// MonitorDiscussion inspects a room snapshot and returns all active flags:
// flooding authors, spam authors, off-topic authors, and colluding pairs.
// now is the evaluation time in Unix milliseconds.
func (e *Engine) MonitorDiscussion(snap *room.Snapshot, now int64) []Flag {
	var flags []Flag

	// FLOOD: sustained message rate above floodRatePerSecond per author.
	perAuthor := make(map[string]int)
	authors := []string{}
	for _, m := range snap.Messages {
		if perAuthor[m.Author] == 0 {
			authors = append(authors, m.Author)
		}
		perAuthor[m.Author]++
	}
	duration := float64(now-snap.CreatedAt) / 1000.0
	if duration > 0 {
		for _, author := range authors {
			rate := float64(perAuthor[author]) / duration
			if rate > floodRatePerSecond {
				flags = append(flags, Flag{
					Type: FlagFlood, Author: author, Severity: "MEDIUM", Rate: rate,
				})
			}
		}
	}

	// SPAM: any message scoring below the HIGHLY_SUSPICIOUS cutoff.
	spamByAuthor := make(map[string][]string)
	for _, m := range snap.Messages {
		if e.TrustScore(m, snap) < TierHighlySuspicious {
			spamByAuthor[m.Author] = append(spamByAuthor[m.Author], m.ID)
		}
	}
	for _, author := range sortedKeys(spamByAuthor) {
		flags = append(flags, Flag{
			Type: FlagSpam, Author: author, Severity: "HIGH", Messages: spamByAuthor[author],
		})
	}

	// OFF_TOPIC: more than offTopicMaxPerUser low-relevance messages by one
	// author.
	offByAuthor := make(map[string][]string)
	for _, m := range snap.Messages {
		if e.RelevanceScore(m.Content, snap.Question.Content) < offTopicRelevance {
			offByAuthor[m.Author] = append(offByAuthor[m.Author], m.ID)
		}
	}
	for _, author := range sortedKeys(offByAuthor) {
		if len(offByAuthor[author]) > offTopicMaxPerUser {
			flags = append(flags, Flag{
				Type: FlagOffTopic, Author: author, Severity: "LOW", Messages: offByAuthor[author],
			})
		}
	}

	// COLLUSION.
	for _, pair := range e.DetectCollusion(snap) {
		flags = append(flags, Flag{
			Type: FlagCollusion, Author: pair[0], Severity: "CRITICAL", Pair: pair,
		})
	}

	return flags
}

// DetectCollusion finds participant pairs whose mutual agreement rate is
// implausibly high: more than collusionMinPairs cross-references with an
// agreement ratio above collusionAgreeRate. Each pair is returned once,
// ordered lexicographically.
func (e *Engine) DetectCollusion(snap *room.Snapshot) [][]string {
	authorOf := make(map[string]string) // message id -> author
	for _, m := range snap.Messages {
		authorOf[m.ID] = m.Author
	}

	type stats struct{ agreements, total int }
	interactions := make(map[string]*stats)

	for _, m := range snap.Messages {
		if m.Target == "" {
			continue
		}
		targetAuthor, ok := authorOf[m.Target]
		if !ok || targetAuthor == m.Author {
			continue
		}
		key := pairKey(m.Author, targetAuthor)
		s := interactions[key]
		if s == nil {
			s = &stats{}
			interactions[key] = s
		}
		s.total++
		if m.Kind == protocol.KindAgreement {
			s.agreements++
		}
	}

	var pairs [][]string
	for _, key := range sortedStatKeys(interactions) {
		s := interactions[key]
		if s.total > collusionMinPairs && float64(s.agreements)/float64(s.total) > collusionAgreeRate {
			p := strings.SplitN(key, "|", 2)
			pairs = append(pairs, []string{p[0], p[1]})
		}
	}
	return pairs
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStatKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
