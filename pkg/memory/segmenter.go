package memory

import (
	"time"
)

type BoundaryReason string

const (
	BoundaryTopic      BoundaryReason = "topic"
	BoundaryGap        BoundaryReason = "gap"
	BoundarySize       BoundaryReason = "size"
	BoundarySessionEnd BoundaryReason = "session_end"
)

type SegmenterConfig struct {
	// TopicThreshold is the cosine distance to the running centroid above
	// which a new topic starts.
	TopicThreshold float64
	MaxGap         time.Duration
	MaxTurns       int
	// MinTopicTurns is the buffer size required before a topic split is considered.
	MinTopicTurns int
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.TopicThreshold <= 0 {
		c.TopicThreshold = 0.3
	}
	if c.MaxGap <= 0 {
		c.MaxGap = 10 * time.Minute
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 10
	}
	if c.MinTopicTurns <= 0 {
		c.MinTopicTurns = 3
	}
	return c
}

// SegmentTurn is one buffered exchange.
type SegmentTurn struct {
	User  string
	Agent string
	At    time.Time
}

// Segment is the drained content of a buffer, ready to become an EventRecord.
type Segment struct {
	Turns          []SegmentTurn
	OpenLoops      []OpenLoop
	ClosedLoops    []OpenLoop
	CommitmentRefs []string
	FactRefs       []string
	Centroid       Vector
	Reason         BoundaryReason
}

// Segmenter groups consecutive turns into episodes. It is not safe for
// concurrent use; callers hold the per-user lock.
type Segmenter struct {
	cfg            SegmenterConfig
	turns          []SegmentTurn
	loops          []OpenLoop
	commitmentRefs []string
	factRefs       []string
	centroid       []float32
	embedded       int
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults()}
}

func (s *Segmenter) Len() int { return len(s.turns) }

func (s *Segmenter) Full() bool { return len(s.turns) >= s.cfg.MaxTurns }

// LastTurnAt returns the time of the newest buffered turn.
func (s *Segmenter) LastTurnAt() time.Time {
	if len(s.turns) == 0 {
		return time.Time{}
	}
	return s.turns[len(s.turns)-1].At
}

// Boundary reports whether an incoming turn at time at with embedding emb
// must start a new episode. Without an embedding only the gap rule applies.
func (s *Segmenter) Boundary(at time.Time, emb Vector) (BoundaryReason, bool) {
	if len(s.turns) == 0 {
		return "", false
	}
	if at.Sub(s.LastTurnAt()) > s.cfg.MaxGap {
		return BoundaryGap, true
	}
	if s.Full() {
		return BoundarySize, true
	}
	if len(s.turns) < s.cfg.MinTopicTurns || s.embedded == 0 {
		return "", false
	}
	sim, ok := Similarity(emb, SomeVector(s.centroid))
	if !ok {
		return "", false
	}
	if 1-sim > s.cfg.TopicThreshold {
		return BoundaryTopic, true
	}
	return "", false
}

// Append buffers a turn and folds its embedding into the running centroid.
func (s *Segmenter) Append(t SegmentTurn, emb Vector) {
	s.turns = append(s.turns, t)
	values, ok := emb.Get()
	if !ok {
		return
	}
	if s.centroid == nil || len(s.centroid) != len(values) {
		s.centroid = make([]float32, len(values))
		s.embedded = 0
	}
	n := float32(s.embedded)
	for i, v := range values {
		s.centroid[i] = (s.centroid[i]*n + v) / (n + 1)
	}
	s.embedded++
}

func (s *Segmenter) AddLoop(l OpenLoop) { s.loops = append(s.loops, l) }

func (s *Segmenter) AddCommitmentRef(id string) { s.commitmentRefs = appendUnique(s.commitmentRefs, id) }

func (s *Segmenter) AddFactRef(id string) { s.factRefs = appendUnique(s.factRefs, id) }

// CloseAnswered closes every buffered open loop that reply answers and
// returns the loops it closed.
func (s *Segmenter) CloseAnswered(ex Extractor, reply string, at time.Time) []OpenLoop {
	var closed []OpenLoop
	for i := range s.loops {
		l := &s.loops[i]
		if l.Status != LoopOpen || !ex.Answers(l.Description, reply) {
			continue
		}
		l.Status = LoopClosed
		l.ClosedAt = at
		closed = append(closed, *l)
	}
	return closed
}

// Flush drains the buffer. Loops closed inside the buffer are reported in
// ClosedLoops and left off the record.
func (s *Segmenter) Flush(reason BoundaryReason) (Segment, bool) {
	if len(s.turns) == 0 {
		return Segment{}, false
	}
	seg := Segment{
		Turns:          s.turns,
		CommitmentRefs: s.commitmentRefs,
		FactRefs:       s.factRefs,
		Reason:         reason,
	}
	for _, l := range s.loops {
		if l.Status == LoopOpen {
			seg.OpenLoops = append(seg.OpenLoops, l)
		} else {
			seg.ClosedLoops = append(seg.ClosedLoops, l)
		}
	}
	if s.embedded > 0 {
		seg.Centroid = SomeVector(s.centroid)
	}
	s.turns = nil
	s.loops = nil
	s.commitmentRefs = nil
	s.factRefs = nil
	s.centroid = nil
	s.embedded = 0
	return seg, true
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
