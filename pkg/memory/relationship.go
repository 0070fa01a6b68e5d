package memory

import (
	"strings"
	"time"
	"unicode"
)

const maxTopicsHistory = 20

var stageThresholds = []struct {
	min   float64
	stage RelationshipStage
}{
	{0.4, StageCloseFriend},
	{0.2, StageFriend},
	{0.05, StageAcquaintance},
}

var toneByEmotion = map[string]string{
	"joy":      "warm",
	"sadness":  "supportive",
	"anger":    "calm",
	"fear":     "reassuring",
	"surprise": "playful",
}

func stageFor(familiarity float64) RelationshipStage {
	for _, t := range stageThresholds {
		if familiarity >= t.min {
			return t.stage
		}
	}
	return StageStranger
}

// turnFamiliarity is the familiarity gained from one exchange.
func turnFamiliarity(t SegmentTurn) float64 {
	gain := 0.02
	n := len([]rune(strings.TrimSpace(t.User)))
	switch {
	case n > 100:
		gain += 0.03
	case n > 40:
		gain += 0.01
	}
	if strings.Contains(t.User, "?") {
		gain += 0.02
	}
	if agentNameRegex.MatchString(t.User) {
		gain += 0.05
	}
	return gain
}

// advanceRelationship folds one session into the relationship state.
func advanceRelationship(state RelationshipState, turns []SegmentTurn, events []EventRecord, now time.Time) RelationshipState {
	if state.Stage == "" {
		state.Stage = StageStranger
	}
	for _, t := range turns {
		state.Familiarity += turnFamiliarity(t)
		if m := agentNameRegex.FindStringSubmatch(t.User); len(m) == 2 {
			state.DisplayName = capitalize(m[1])
		}
		for _, topic := range matchTopics(t.User) {
			state.TopicsHistory = pushTopic(state.TopicsHistory, topic)
		}
	}
	if state.Familiarity > 1 {
		state.Familiarity = 1
	}
	state.Interactions += len(turns)

	totals := map[string]float64{}
	for _, ev := range events {
		for _, entity := range ev.Entities {
			state.TopicsHistory = pushTopic(state.TopicsHistory, strings.ToLower(entity))
		}
		for label, v := range ev.Emotions {
			totals[label] += v
		}
	}
	if label, _ := dominantEmotion(totals); label != "" {
		state.Tone = toneByEmotion[label]
	}
	if state.Tone == "" {
		state.Tone = "neutral"
	}

	// Familiarity never decreases, so neither does the stage.
	state.Stage = stageFor(state.Familiarity)
	state.UpdatedAt = now
	return state
}

// pushTopic moves topic to the most recent end, keeping the history bounded.
func pushTopic(history []string, topic string) []string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return history
	}
	out := make([]string, 0, len(history)+1)
	for _, h := range history {
		if h != topic {
			out = append(out, h)
		}
	}
	out = append(out, topic)
	if len(out) > maxTopicsHistory {
		out = out[len(out)-maxTopicsHistory:]
	}
	return out
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
