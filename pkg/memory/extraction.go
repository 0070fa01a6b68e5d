package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CorrectionImportance is the fixed importance of every user correction.
const CorrectionImportance = 0.95

type CommitmentSignal struct {
	Description string
	Due         time.Time
}

// CorrectionSignal updates one field of what the agent knows about the user.
type CorrectionSignal struct {
	Field      string
	NewValue   string
	Subject    string
	Importance float64
}

// Triple returns the fact the correction asserts.
func (c CorrectionSignal) Triple() Triple {
	return Triple{Subject: c.Subject, Relation: c.Field, Object: c.NewValue}
}

type OpenLoopSignal struct {
	Description string
}

// Signals is everything extracted from one exchange. An empty value is not an error.
type Signals struct {
	Commitments []CommitmentSignal
	Corrections []CorrectionSignal
	OpenLoops   []OpenLoopSignal
}

func (s Signals) Empty() bool {
	return len(s.Commitments) == 0 && len(s.Corrections) == 0 && len(s.OpenLoops) == 0
}

var (
	commitWillRegex      = regexp.MustCompile(`(?i)\bI(?:'ll|’ll| will| shall)\s+([^.!?\n]+)`)
	commitCanForYouRegex = regexp.MustCompile(`(?i)\bI can\s+([^.!?\n]*?\bfor you\b[^.!?\n]*)`)
	commitWheneverRegex  = regexp.MustCompile(`(?i)\bwhenever\s+([^,.!?\n]+),\s*I(?:'ll|’ll| will)\s+([^.!?\n]+)`)
	commitPromiseRegex   = regexp.MustCompile(`(?i)\bI promise(?:\s+to|\s+that\s+I(?:'ll| will))?\s+([^.!?\n]+)`)
	commitFromNowRegex   = regexp.MustCompile(`(?i)\bfrom now on,?\s+(?:I(?:'ll| will)\s+)?([^.!?\n]+)`)

	dueInRegex = regexp.MustCompile(`(?i)\bin (\d{1,3}) (hours?|days?|weeks?)\b`)

	nameRegex      = regexp.MustCompile(`(?i)\b(?:my name is|my name's|call me|i am called|i'm called)\s+([\p{L}][\p{L}'\-]*)`)
	preferRegex    = regexp.MustCompile(`(?i)\bi (?:really |actually )?prefer\s+([^.,!?;\n]+)`)
	dislikeRegex   = regexp.MustCompile(`(?i)\bi (?:really |actually )?(?:don't|dont|do not|don’t) like\s+([^.,!?;\n]+)`)
	hateRegex      = regexp.MustCompile(`(?i)\bi (?:really |actually )?(?:hate|dislike|can't stand)\s+([^.,!?;\n]+)`)
	liveInRegex    = regexp.MustCompile(`(?i)\bi (?:now |actually )?live in\s+([^.,!?;\n]+)`)
	workAsRegex    = regexp.MustCompile(`(?i)\bi (?:now |actually )?work as (?:an? )?([^.,!?;\n]+)`)
	actuallyRegex  = regexp.MustCompile(`(?i)\bactually,?\s+([^.!?\n]+)`)
	agentNameRegex = regexp.MustCompile(`(?i)\b(?:i'll call you|i will call you|your name is|your name will be)\s+([\p{L}][\p{L}'\-]*)`)

	requestLeadRegex    = regexp.MustCompile(`(?i)^\s*(?:can|could|would|will) you\b|\b(?:remind me|help me|let me know|tell me)\b`)
	incompleteTaskRegex = regexp.MustCompile(`(?i)\b(?:i still need to|i still have to|i haven't finished|i have not finished|i need to finish|i haven't (?:yet )?|i'll do it later|to-?do)\b`)
	clauseSplitRegex    = regexp.MustCompile(`[^.!?\n]+[.!?]*`)
)

// singleValuedRelations hold one object per subject; a new value supersedes the old one.
var singleValuedRelations = map[string]bool{
	"name":     true,
	"lives_in": true,
	"works_as": true,
}

// RuleExtractor is the default pattern-based Extractor.
type RuleExtractor struct{}

func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

func (RuleExtractor) Extract(pair TurnPair) Signals {
	return Signals{
		Commitments: extractCommitments(pair.Agent, pair.At),
		Corrections: extractCorrections(pair.User),
		OpenLoops:   extractOpenLoops(pair.User),
	}
}

func (RuleExtractor) Answers(loop, reply string) bool {
	return answersLoop(loop, reply)
}

func extractCommitments(text string, at time.Time) []CommitmentSignal {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var descs []string
	for _, m := range commitWheneverRegex.FindAllStringSubmatch(text, -1) {
		descs = append(descs, "whenever "+cleanClause(m[1])+", "+cleanClause(m[2]))
	}
	for _, re := range []*regexp.Regexp{commitPromiseRegex, commitCanForYouRegex, commitFromNowRegex, commitWillRegex} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			descs = append(descs, cleanClause(m[1]))
		}
	}

	out := make([]CommitmentSignal, 0, len(descs))
	seen := map[string]struct{}{}
	for i, d := range descs {
		if len([]rune(d)) < 3 {
			continue
		}
		key := normalizeDescription(d)
		if _, ok := seen[key]; ok {
			continue
		}
		if containedInOther(key, descs, i) {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, CommitmentSignal{Description: d, Due: parseDue(d, at)})
	}
	return out
}

// containedInOther reports whether desc is a strict fragment of a longer candidate.
func containedInOther(key string, descs []string, self int) bool {
	for j, other := range descs {
		if j == self {
			continue
		}
		o := normalizeDescription(other)
		if len(o) > len(key) && strings.Contains(o, key) {
			return true
		}
	}
	return false
}

func parseDue(desc string, at time.Time) time.Time {
	if at.IsZero() {
		return time.Time{}
	}
	lower := strings.ToLower(desc)
	if m := dueInRegex.FindStringSubmatch(lower); len(m) == 3 {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			switch {
			case strings.HasPrefix(m[2], "hour"):
				return at.Add(time.Duration(n) * time.Hour)
			case strings.HasPrefix(m[2], "day"):
				return at.AddDate(0, 0, n)
			case strings.HasPrefix(m[2], "week"):
				return at.AddDate(0, 0, 7*n)
			}
		}
	}
	switch {
	case containsWord(lower, "tomorrow"):
		return at.AddDate(0, 0, 1)
	case strings.Contains(lower, "next week"):
		return at.AddDate(0, 0, 7)
	case containsWord(lower, "tonight"):
		evening := time.Date(at.Year(), at.Month(), at.Day(), 20, 0, 0, 0, at.Location())
		if evening.Before(at) {
			return at
		}
		return evening
	case containsWord(lower, "today"):
		return at
	}
	return time.Time{}
}

func extractCorrections(text string) []CorrectionSignal {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []CorrectionSignal
	seen := map[string]struct{}{}
	add := func(field, value string) {
		value = normalizeValue(value)
		if value == "" {
			return
		}
		key := field + "|" + value
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, CorrectionSignal{
			Field:      field,
			NewValue:   value,
			Subject:    "user",
			Importance: CorrectionImportance,
		})
	}

	for _, clause := range clauseSplitRegex.FindAllString(text, -1) {
		matched := false
		for _, rule := range []struct {
			re    *regexp.Regexp
			field string
		}{
			{nameRegex, "name"},
			{preferRegex, "prefers"},
			{dislikeRegex, "dislikes"},
			{hateRegex, "dislikes"},
			{liveInRegex, "lives_in"},
			{workAsRegex, "works_as"},
		} {
			for _, m := range rule.re.FindAllStringSubmatch(clause, -1) {
				add(rule.field, m[1])
				matched = true
			}
		}
		if matched {
			continue
		}
		for _, m := range actuallyRegex.FindAllStringSubmatch(clause, -1) {
			add("states", m[1])
		}
	}
	return out
}

func extractOpenLoops(text string) []OpenLoopSignal {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []OpenLoopSignal
	seen := map[string]struct{}{}
	for _, clause := range clauseSplitRegex.FindAllString(text, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		isLoop := strings.HasSuffix(clause, "?") ||
			requestLeadRegex.MatchString(clause) ||
			incompleteTaskRegex.MatchString(clause)
		if !isLoop {
			continue
		}
		desc := truncateRunes(clause, 200)
		key := strings.ToLower(desc)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, OpenLoopSignal{Description: desc})
	}
	return out
}

// answersLoop is a keyword-overlap heuristic: at least half of the loop's
// content words must appear in the reply.
func answersLoop(loop, reply string) bool {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return false
	}
	if strings.Contains(strings.ToLower(reply), strings.ToLower(strings.TrimRight(strings.TrimSpace(loop), "?.! "))) {
		return true
	}
	keys := keywords(loop)
	if len(keys) == 0 {
		return true
	}
	replyTokens := map[string]struct{}{}
	for _, tok := range keywords(reply) {
		replyTokens[tok] = struct{}{}
	}
	hits := 0
	for _, k := range keys {
		if _, ok := replyTokens[k]; ok {
			hits++
		}
	}
	return float64(hits)/float64(len(keys)) >= 0.5
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an the and or but if then so to of in on at for with about from by
		is are was were be been being am do does did done have has had i me my mine you your yours we our us
		he she it its they them their this that these those there here what which who whom whose when where
		why how can could would should will shall may might must not no yes just also very really actually
		please tell let know think want like get got some any all more most much many than too up down out
		over into onto again still ok okay hey hi hello im i'm i'll you're it's don't dont
		what's that's how's where's who's there's can't won't`) {
		stopwords[w] = struct{}{}
	}
}

// keywords returns the distinct content words of text in order.
func keywords(text string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, tok := range tokenize(text) {
		tok = strings.Trim(tok, "-'_")
		if len([]rune(tok)) < 3 {
			continue
		}
		if _, ok := stopwords[tok]; ok {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// keywordOverlap is the fraction of query keywords present in text.
func keywordOverlap(query []string, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	have := map[string]struct{}{}
	for _, tok := range keywords(text) {
		have[tok] = struct{}{}
	}
	hits := 0
	for _, q := range query {
		if _, ok := have[q]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// FactID is the storage key of a fact. Single-valued relations key on
// subject and relation only, so a correction replaces the previous value.
func FactID(t Triple) string {
	subject := strings.ToLower(strings.TrimSpace(t.Subject))
	relation := strings.ToLower(strings.TrimSpace(t.Relation))
	if singleValuedRelations[relation] {
		return contentKey("fact", subject+"|"+relation)
	}
	return contentKey("fact", subject+"|"+relation+"|"+strings.ToLower(strings.TrimSpace(t.Object)))
}

func contentKey(prefix, content string) string {
	n := strings.ToLower(strings.TrimSpace(content))
	h := sha1.Sum([]byte(prefix + ":" + n))
	return prefix + "-" + hex.EncodeToString(h[:8])
}

func cleanClause(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, " ,;:-")
}

func normalizeValue(s string) string {
	s = strings.ToLower(cleanClause(s))
	s = strings.TrimRight(s, " .!?")
	return truncateRunes(s, 80)
}

func normalizeDescription(s string) string {
	return strings.Join(keywordsOrTokens(s), " ")
}

func keywordsOrTokens(s string) []string {
	if k := keywords(s); len(k) > 0 {
		return k
	}
	return tokenize(s)
}

func containsWord(text, word string) bool {
	for _, tok := range tokenize(text) {
		if tok == word {
			return true
		}
	}
	return false
}

// truncateRunes caps s at max runes, ending with an ellipsis when cut.
func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return strings.TrimSpace(string(r[:max-1])) + "…"
}
