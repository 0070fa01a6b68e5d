package memory

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxTitleRunes     = 80
	maxSummaryRunes   = 500
	targetSummaryMin  = 300
	maxEventEntities  = 10
	maxSnippetPerTurn = 220
)

var (
	properNounRegex = regexp.MustCompile(`\b\p{Lu}[\p{Ll}]+(?:\s+\p{Lu}[\p{Ll}]+)*\b`)

	// Capitalized words that are not entities.
	commonCapitalized = map[string]struct{}{}

	topicLexicon = map[string][]string{
		"work":     {"work", "job", "office", "boss", "meeting", "career", "project"},
		"family":   {"family", "mom", "mother", "dad", "father", "sister", "brother", "kids", "children"},
		"music":    {"music", "song", "songs", "band", "concert", "guitar", "piano"},
		"movies":   {"movie", "movies", "film", "films", "series", "netflix"},
		"food":     {"food", "cook", "cooking", "dinner", "lunch", "recipe", "restaurant", "coffee", "tea"},
		"travel":   {"travel", "trip", "vacation", "flight", "beach", "holiday"},
		"health":   {"health", "doctor", "sick", "gym", "exercise", "sleep", "run", "running"},
		"study":    {"study", "school", "exam", "class", "university", "homework", "course"},
		"pets":     {"dog", "cat", "pet", "pets", "puppy", "kitten"},
		"sports":   {"football", "soccer", "basketball", "tennis", "match", "game"},
		"shopping": {"buy", "shopping", "store", "groceries", "milk"},
	}

	emotionLexicon = map[string][]string{
		"joy":      {"happy", "glad", "great", "awesome", "excited", "love", "wonderful", "yay", "fun"},
		"sadness":  {"sad", "miss", "lonely", "cry", "crying", "upset", "tired", "down"},
		"anger":    {"angry", "annoyed", "furious", "mad", "hate", "irritated"},
		"fear":     {"afraid", "scared", "worried", "anxious", "nervous", "stress", "stressed"},
		"surprise": {"wow", "surprised", "unexpected", "omg", "whoa"},
	}
)

func init() {
	for _, w := range strings.Fields(`I The A An And But Or So If Then When What Why How Who Where Which
		Yes No Ok Okay Hey Hi Hello Thanks Thank Please Sure Well Maybe Also Actually My Your It This That
		We You They He She Today Tomorrow Yesterday Tonight Can Could Would Will Do Does Did Is Are Let Just
		Monday Tuesday Wednesday Thursday Friday Saturday Sunday Good Nice Oh Sorry Great`) {
		commonCapitalized[w] = struct{}{}
	}
}

// buildEvent compacts a drained segment into an EventRecord.
func buildEvent(userID string, seg Segment, now time.Time) EventRecord {
	entities := extractEntities(seg.Turns)
	emotions := extractEmotions(seg.Turns)
	ev := EventRecord{
		ID:             "evt-" + uuid.NewString(),
		UserID:         userID,
		Start:          seg.Turns[0].At,
		End:            seg.Turns[len(seg.Turns)-1].At,
		Entities:       entities,
		Emotions:       emotions,
		OpenLoops:      append([]OpenLoop(nil), seg.OpenLoops...),
		CommitmentRefs: append([]string(nil), seg.CommitmentRefs...),
		FactRefs:       append([]string(nil), seg.FactRefs...),
		Embedding:      seg.Centroid,
		TurnCount:      len(seg.Turns),
		CreatedAt:      now,
	}
	ev.Title = eventTitle(seg.Turns, entities)
	ev.Summary = eventSummary(seg, entities, emotions)
	return ev
}

func eventTitle(turns []SegmentTurn, entities []string) string {
	if len(entities) > 0 {
		return truncateRunes("Talked about "+entities[0], maxTitleRunes)
	}
	for _, t := range turns {
		if first := firstSentence(t.User); first != "" {
			return truncateRunes(first, maxTitleRunes)
		}
	}
	return fmt.Sprintf("Conversation (%d turns)", len(turns))
}

// eventSummary renders the turns as quoted snippets sized to fit the
// summary cap, then pads short summaries with metadata sentences.
func eventSummary(seg Segment, entities []string, emotions map[string]float64) string {
	perTurn := (maxSummaryRunes - 60) / len(seg.Turns)
	if perTurn > maxSnippetPerTurn {
		perTurn = maxSnippetPerTurn
	}
	if perTurn < 24 {
		perTurn = 24
	}

	var b strings.Builder
	for _, t := range seg.Turns {
		user := oneLine(t.User)
		agent := oneLine(t.Agent)
		switch {
		case user != "" && agent != "":
			fmt.Fprintf(&b, "User: %q; agent: %q. ", truncateRunes(user, perTurn*3/5), truncateRunes(agent, perTurn*2/5))
		case user != "":
			fmt.Fprintf(&b, "User: %q. ", truncateRunes(user, perTurn))
		case agent != "":
			fmt.Fprintf(&b, "Agent: %q. ", truncateRunes(agent, perTurn))
		}
	}

	extras := []string{}
	if len(entities) > 0 {
		extras = append(extras, "Topics: "+strings.Join(entities, ", ")+".")
	}
	if label, intensity := dominantEmotion(emotions); label != "" {
		extras = append(extras, fmt.Sprintf("Mood: %s (%.1f).", label, intensity))
	}
	if len(seg.OpenLoops) > 0 {
		descs := make([]string, 0, len(seg.OpenLoops))
		for _, l := range seg.OpenLoops {
			descs = append(descs, l.Description)
		}
		extras = append(extras, "Still open: "+strings.Join(descs, " "))
	}
	if n := len(seg.CommitmentRefs); n > 0 {
		extras = append(extras, fmt.Sprintf("Commitments made: %d.", n))
	}
	if n := len(seg.FactRefs); n > 0 {
		extras = append(extras, fmt.Sprintf("Facts learned: %d.", n))
	}
	extras = append(extras, fmt.Sprintf("%d turns between %s and %s.",
		len(seg.Turns), seg.Turns[0].At.Format("15:04"), seg.Turns[len(seg.Turns)-1].At.Format("15:04")))

	summary := strings.TrimSpace(b.String())
	for _, extra := range extras {
		if len([]rune(summary)) >= targetSummaryMin {
			break
		}
		summary = strings.TrimSpace(summary + " " + extra)
	}
	return truncateRunes(summary, maxSummaryRunes)
}

func extractEntities(turns []SegmentTurn) []string {
	counts := map[string]int{}
	display := map[string]string{}
	order := []string{}
	add := func(name string) {
		key := strings.ToLower(name)
		if _, ok := counts[key]; !ok {
			order = append(order, key)
			display[key] = name
		}
		counts[key]++
	}
	for _, t := range turns {
		for _, text := range []string{t.User, t.Agent} {
			for _, m := range properNounRegex.FindAllString(text, -1) {
				words := strings.Fields(m)
				for len(words) > 0 {
					if _, common := commonCapitalized[words[0]]; !common {
						break
					}
					words = words[1:]
				}
				if len(words) == 0 {
					continue
				}
				add(strings.Join(words, " "))
			}
		}
		for _, topic := range matchTopics(t.User) {
			add(topic)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > maxEventEntities {
		order = order[:maxEventEntities]
	}
	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, display[key])
	}
	return out
}

// matchTopics returns the lexicon topics mentioned in text, in stable order.
func matchTopics(text string) []string {
	tokens := map[string]struct{}{}
	for _, tok := range tokenize(text) {
		tokens[tok] = struct{}{}
	}
	var out []string
	for topic, words := range topicLexicon {
		for _, w := range words {
			if _, ok := tokens[w]; ok {
				out = append(out, topic)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func extractEmotions(turns []SegmentTurn) map[string]float64 {
	hits := map[string]int{}
	exclaims := 0
	for _, t := range turns {
		for _, tok := range tokenize(t.User + " " + t.Agent) {
			for label, words := range emotionLexicon {
				for _, w := range words {
					if tok == w {
						hits[label]++
					}
				}
			}
		}
		exclaims += strings.Count(t.User, "!")
	}
	out := map[string]float64{}
	boost := float64(exclaims) * 0.1
	if boost > 0.3 {
		boost = 0.3
	}
	for label, n := range hits {
		out[label] = clamp01(float64(n)*0.34 + boost)
	}
	return out
}

func dominantEmotion(emotions map[string]float64) (string, float64) {
	label, best := "", 0.0
	keys := make([]string, 0, len(emotions))
	for k := range emotions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if emotions[k] > best {
			label, best = k, emotions[k]
		}
	}
	return label, best
}

func firstSentence(text string) string {
	text = oneLine(text)
	if text == "" {
		return ""
	}
	if m := clauseSplitRegex.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	return text
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
