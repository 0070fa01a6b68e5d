package memory

import (
	"time"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is one utterance. Turns are immutable once created.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnPair is the unit of ingestion: what the user said and how the agent replied.
type TurnPair struct {
	User  string    `json:"user"`
	Agent string    `json:"agent"`
	At    time.Time `json:"at"`
}

type LoopStatus string

const (
	LoopOpen   LoopStatus = "open"
	LoopClosed LoopStatus = "closed"
)

type OpenLoop struct {
	ID          string     `json:"id"`
	Description string     `json:"desc"`
	Status      LoopStatus `json:"status"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    time.Time  `json:"closed_at,omitempty"`
}

// EventRecord is a summarized episode of consecutive turns.
type EventRecord struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	Title          string             `json:"title"`
	Start          time.Time          `json:"start"`
	End            time.Time          `json:"end"`
	Summary        string             `json:"summary"`
	Entities       []string           `json:"entities"`
	Emotions       map[string]float64 `json:"emotions"`
	OpenLoops      []OpenLoop         `json:"open_loops"`
	CommitmentRefs []string           `json:"commitments_ref"`
	FactRefs       []string           `json:"facts_ref"`
	Salience       float64            `json:"salience"`
	Embedding      Vector             `json:"embedding"`
	TurnCount      int                `json:"turn_count"`
	Promoted       bool               `json:"promoted"`
	CreatedAt      time.Time          `json:"created_at"`
}

// HasOpenLoops reports whether any loop on the event is still open.
func (e *EventRecord) HasOpenLoops() bool {
	for _, l := range e.OpenLoops {
		if l.Status == LoopOpen {
			return true
		}
	}
	return false
}

// MaxEmotion returns the strongest emotion intensity attached to the event.
func (e *EventRecord) MaxEmotion() float64 {
	max := 0.0
	for _, v := range e.Emotions {
		if v > max {
			max = v
		}
	}
	return max
}

type CommitmentStatus string

const (
	CommitmentActive  CommitmentStatus = "active"
	CommitmentDone    CommitmentStatus = "done"
	CommitmentExpired CommitmentStatus = "expired"
)

// Commitment is a promise made by the agent.
type Commitment struct {
	ID                   string           `json:"id"`
	UserID               string           `json:"user_id"`
	Description          string           `json:"description"`
	MadeAt               time.Time        `json:"made_at"`
	Due                  time.Time        `json:"due,omitempty"`
	Status               CommitmentStatus `json:"status"`
	EvidenceEventID      string           `json:"evidence_event_id"`
	ReactivationSchedule []time.Time      `json:"reactivation_schedule"`
	LastReinforced       time.Time        `json:"last_reinforced"`
	MentionCount         int              `json:"mention_count"`
	Resurface            bool             `json:"resurface"`
	Salience             float64          `json:"salience"`
	ClosedAt             time.Time        `json:"closed_at,omitempty"`
}

// HasDue reports whether the commitment carries a due date.
func (c *Commitment) HasDue() bool { return !c.Due.IsZero() }

type Triple struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// SemanticFact is a durable (subject, relation, object) claim about the user.
// Importance is the base value set by extraction; Weight is the decayed value.
type SemanticFact struct {
	ID                   string      `json:"id"`
	UserID               string      `json:"user_id"`
	Triple               Triple      `json:"triple"`
	Confidence           float64     `json:"confidence"`
	Importance           float64     `json:"importance"`
	Weight               float64     `json:"weight"`
	CreatedAt            time.Time   `json:"created_at"`
	LastReinforced       time.Time   `json:"last_reinforced"`
	LastAccessed         time.Time   `json:"last_accessed,omitempty"`
	AccessCount          int         `json:"access_count"`
	MentionCount         int         `json:"mention_count"`
	SourceEventIDs       []string    `json:"source_event_ids"`
	Embedding            Vector      `json:"embedding"`
	ReactivationSchedule []time.Time `json:"reactivation_schedule"`
	Resurface            bool        `json:"resurface"`
	Salience             float64     `json:"salience"`
	Promoted             bool        `json:"promoted"`
}

type RelationshipStage string

const (
	StageStranger     RelationshipStage = "stranger"
	StageAcquaintance RelationshipStage = "acquaintance"
	StageFriend       RelationshipStage = "friend"
	StageCloseFriend  RelationshipStage = "close_friend"
)

// RelationshipState is the per-user singleton mutated only by consolidation.
type RelationshipState struct {
	UserID        string            `json:"user_id"`
	Stage         RelationshipStage `json:"stage"`
	DisplayName   string            `json:"display_name,omitempty"`
	TopicsHistory []string          `json:"topics_history"`
	Tone          string            `json:"tone"`
	Familiarity   float64           `json:"familiarity"`
	Interactions  int               `json:"interactions"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// DefaultRelationship is the state of a user the agent has never met.
func DefaultRelationship(userID string) RelationshipState {
	return RelationshipState{
		UserID:        userID,
		Stage:         StageStranger,
		TopicsHistory: []string{},
		Tone:          "neutral",
	}
}

type DailyDigest struct {
	UserID            string    `json:"user_id"`
	Date              string    `json:"date"`
	Card              string    `json:"card"`
	NewFacts          []string  `json:"new_facts"`
	ActiveCommitments []string  `json:"active_commitments"`
	OpenTopics        []string  `json:"open_topics"`
	NextStep          string    `json:"next_step"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// ContextBundle is the token-bounded context handed to the generation step.
type ContextBundle struct {
	Commitments     []string `json:"commitments"`
	Facts           []string `json:"facts"`
	Events          []string `json:"events"`
	EstimatedTokens int      `json:"estimated_tokens"`
	Budget          int      `json:"budget"`
	Truncated       bool     `json:"truncated"`
	DegradedPools   []string `json:"degraded_pools,omitempty"`
}

// IngestResult reports which signals a turn produced.
type IngestResult struct {
	CommitmentDetected bool `json:"commitment_detected"`
	CorrectionDetected bool `json:"correction_detected"`
	OpenLoopDetected   bool `json:"open_loop_detected"`
	EventsCreated      int  `json:"events_created"`
}

// SessionReport is the outcome of a session-end consolidation pass.
type SessionReport struct {
	EventsCreated      int `json:"events_created"`
	FactsPromoted      int `json:"facts_promoted"`
	CommitmentsChecked int `json:"commitments_checked"`
}

// SessionOutcome is delivered by EndSessionAsync.
type SessionOutcome struct {
	Report SessionReport
	Err    error
}

const dateLayout = "2006-01-02"
