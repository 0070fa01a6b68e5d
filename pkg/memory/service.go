package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jodaltro/tamagotchi/pkg/logger"
)

// openEventScan bounds how many stored events with open loops a session
// checks for answers.
const openEventScan = 20

// Service is the orchestrator for turn ingestion, retrieval and
// consolidation. Per-user state is independent; all mutation for one user
// is serialized by that user's mutex.
type Service struct {
	cfg       Config
	store     Store
	embedder  Embedder
	extractor Extractor
	scheduler *ReactivationScheduler
	retriever *HybridRetriever
	engine    *ConsolidationEngine
	now       func() time.Time

	mu    sync.Mutex
	users map[string]*userState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Service)

// WithExtractor replaces the rule-based extractor.
func WithExtractor(ex Extractor) Option {
	return func(s *Service) {
		if ex != nil {
			s.extractor = ex
		}
	}
}

// WithClock overrides time.Now, used for turns without a timestamp and for
// consolidation passes.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type userState struct {
	mu            sync.Mutex
	session       *sessionState
	metrics       *MetricsCollector
	consolidating atomic.Bool
}

// sessionState is the per-session working set.
type sessionState struct {
	seg      *Segmenter
	pending  []pendingWrite
	eventIDs []string
	factIDs  []string
	turns    []SegmentTurn
	lastTurn time.Time

	commitments map[string]*Commitment
	facts       map[string]*SemanticFact

	// openEvents are stored events whose loops may still be answered.
	openEvents       map[string]*EventRecord
	openEventsLoaded bool
	activeLoaded     bool
}

// pendingWrite is one queued store mutation. The queue is applied in order
// and stops at the first failure, so a record is always written before any
// record that references it.
type pendingWrite struct {
	desc  string
	apply func(ctx context.Context) error
}

func newSessionState(cfg Config) *sessionState {
	return &sessionState{
		seg:         NewSegmenter(cfg.segmenter()),
		commitments: map[string]*Commitment{},
		facts:       map[string]*SemanticFact{},
		openEvents:  map[string]*EventRecord{},
	}
}

func (ss *sessionState) idle() bool {
	return len(ss.turns) == 0 && len(ss.pending) == 0 && len(ss.eventIDs) == 0
}

// NewService wires the memory components around store. embedder may be nil,
// in which case every component runs on sparse signals only.
func NewService(store Store, embedder Embedder, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	if _, ok := store.(*ResilientStore); !ok {
		store = NewResilientStore(store, cfg.Retry)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		store:     store,
		embedder:  embedder,
		extractor: NewRuleExtractor(),
		scheduler: NewReactivationScheduler(cfg.ReactivationOffsets),
		retriever: NewHybridRetriever(store, embedder, cfg),
		engine:    NewConsolidationEngine(store, cfg),
		now:       time.Now,
		users:     map[string]*userState{},
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Config() Config { return s.cfg }

// Store returns the resilient store the service writes through.
func (s *Service) Store() Store { return s.store }

// Close ends every open session, waits for background consolidation and
// closes the store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		ids := make([]string, 0, len(s.users))
		for id := range s.users {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		for _, id := range ids {
			if _, err := s.EndSession(context.Background(), id); err != nil {
				logger.WarnCF("memory", "Session not consolidated on close", map[string]interface{}{
					"user_id": id,
					"error":   err.Error(),
				})
			}
		}
		s.cancel()
		s.wg.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func (s *Service) user(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[userID]
	if !ok {
		st = &userState{metrics: NewMetricsCollector()}
		s.users[userID] = st
	}
	return st
}

func (s *Service) validate(userID string, pair TurnPair) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrMalformedInput)
	}
	if strings.TrimSpace(pair.User) == "" {
		return fmt.Errorf("%w: empty user text", ErrMalformedInput)
	}
	if n := len([]rune(pair.User)); n > s.cfg.MaxTurnChars {
		return fmt.Errorf("%w: user text has %d characters, limit %d", ErrMalformedInput, n, s.cfg.MaxTurnChars)
	}
	if n := len([]rune(pair.Agent)); n > s.cfg.MaxTurnChars {
		return fmt.Errorf("%w: agent text has %d characters, limit %d", ErrMalformedInput, n, s.cfg.MaxTurnChars)
	}
	return nil
}

// ProcessTurn ingests one exchange. Store failures never lose the turn:
// writes stay queued in the session and are retried on the next turn or at
// session end.
func (s *Service) ProcessTurn(ctx context.Context, userID string, pair TurnPair) (IngestResult, error) {
	if err := s.validate(userID, pair); err != nil {
		return IngestResult{}, err
	}
	if pair.At.IsZero() {
		pair.At = s.now()
	}

	st := s.user(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.session != nil && !st.session.lastTurn.IsZero() && pair.At.Before(st.session.lastTurn) {
		return IngestResult{}, fmt.Errorf("%w: turn at %s precedes %s", ErrMalformedInput,
			pair.At.Format(time.RFC3339), st.session.lastTurn.Format(time.RFC3339))
	}
	if st.session == nil {
		st.session = newSessionState(s.cfg)
	}
	ss := st.session

	signals := s.extractor.Extract(pair)
	emb := s.embed(ctx, strings.TrimSpace(pair.User+" "+pair.Agent))

	var result IngestResult
	if reason, ok := ss.seg.Boundary(pair.At, emb); ok {
		if s.flushSegment(userID, ss, reason) {
			result.EventsCreated++
		}
	}

	for _, sig := range signals.Commitments {
		s.ingestCommitment(ctx, st, userID, sig, pair.At)
		result.CommitmentDetected = true
	}
	for _, sig := range signals.Corrections {
		s.ingestCorrection(ctx, ss, userID, sig, pair.At)
		result.CorrectionDetected = true
	}
	for _, sig := range signals.OpenLoops {
		ss.seg.AddLoop(OpenLoop{
			ID:          "loop-" + uuid.NewString(),
			Description: sig.Description,
			Status:      LoopOpen,
			OpenedAt:    pair.At,
		})
		st.metrics.LoopOpened()
		result.OpenLoopDetected = true
	}

	if strings.TrimSpace(pair.Agent) != "" {
		for _, l := range ss.seg.CloseAnswered(s.extractor, pair.Agent, pair.At) {
			st.metrics.LoopClosed(l.ClosedAt.Sub(l.OpenedAt))
		}
		s.closeStoredLoops(ctx, st, userID, pair.Agent, pair.At)
	}

	turn := SegmentTurn{User: pair.User, Agent: pair.Agent, At: pair.At}
	ss.seg.Append(turn, emb)
	ss.turns = append(ss.turns, turn)
	ss.lastTurn = pair.At
	if ss.seg.Full() {
		if s.flushSegment(userID, ss, BoundarySize) {
			result.EventsCreated++
		}
	}

	s.flushPending(ctx, userID, ss)
	st.metrics.TurnProcessed(estimateTokens(pair.User+pair.Agent, s.cfg.CharsPerToken))

	logger.DebugCF("memory", "Turn processed", map[string]interface{}{
		"user_id":     userID,
		"commitment":  result.CommitmentDetected,
		"correction":  result.CorrectionDetected,
		"open_loop":   result.OpenLoopDetected,
		"events":      result.EventsCreated,
		"pending":     len(ss.pending),
		"buffer_size": ss.seg.Len(),
	})
	return result, nil
}

func (s *Service) embed(ctx context.Context, text string) Vector {
	if s.embedder == nil {
		return NoVector()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	v, err := embedOrAbsent(ctx, s.embedder, text)
	if err != nil {
		logger.WarnCF("memory", "Embedding unavailable, continuing without vector", map[string]interface{}{
			"model": s.embedder.ModelID(),
			"error": err.Error(),
		})
	}
	return v
}

// ingestCommitment reinforces an active commitment with the same
// description or records a new one.
func (s *Service) ingestCommitment(ctx context.Context, st *userState, userID string, sig CommitmentSignal, at time.Time) {
	ss := st.session
	s.loadActiveCommitments(ctx, ss, userID)
	key := normalizeDescription(sig.Description)

	var c *Commitment
	for _, existing := range ss.commitments {
		if existing.Status == CommitmentActive && normalizeDescription(existing.Description) == key {
			c = existing
			break
		}
	}
	if c != nil {
		s.scheduler.ReinforceCommitment(c, at)
		if !sig.Due.IsZero() {
			c.Due = sig.Due
		}
	} else {
		c = &Commitment{
			ID:             "cmt-" + uuid.NewString(),
			UserID:         userID,
			Description:    sig.Description,
			MadeAt:         at,
			Due:            sig.Due,
			Status:         CommitmentActive,
			LastReinforced: at,
			MentionCount:   1,
		}
		c.ReactivationSchedule = s.scheduler.Schedule(at)
		ss.commitments[c.ID] = c
		st.metrics.CommitmentMade()
	}
	ss.seg.AddCommitmentRef(c.ID)
	s.enqueue(ss, "commitment "+c.ID, func(ctx context.Context) error {
		return s.store.UpsertCommitment(ctx, *c)
	})
}

// loadActiveCommitments seeds the working set once per session so that a
// repeated promise reinforces the stored commitment.
func (s *Service) loadActiveCommitments(ctx context.Context, ss *sessionState, userID string) {
	if ss.activeLoaded {
		return
	}
	active, err := s.store.ListCommitments(ctx, userID, CommitmentQuery{Status: CommitmentActive})
	if err != nil {
		logger.WarnCF("memory", "Could not load active commitments", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return
	}
	for i := range active {
		if _, ok := ss.commitments[active[i].ID]; !ok {
			c := active[i]
			ss.commitments[c.ID] = &c
		}
	}
	ss.activeLoaded = true
}

// ingestCorrection upserts the fact a correction asserts. Single-valued
// relations share one id per subject, so a new value supersedes the old one.
func (s *Service) ingestCorrection(ctx context.Context, ss *sessionState, userID string, sig CorrectionSignal, at time.Time) {
	triple := sig.Triple()
	id := FactID(triple)

	f, ok := ss.facts[id]
	if !ok {
		stored, err := s.store.GetFact(ctx, userID, id)
		switch {
		case err == nil:
			f = &stored
		case errors.Is(err, ErrNotFound):
		default:
			logger.WarnCF("memory", "Could not load fact, recording as new", map[string]interface{}{
				"user_id": userID,
				"fact_id": id,
				"error":   err.Error(),
			})
		}
	}
	if f == nil {
		f = &SemanticFact{
			ID:        id,
			UserID:    userID,
			Triple:    triple,
			CreatedAt: at,
		}
	}
	if f.Triple.Object != triple.Object {
		logger.InfoCF("memory", "Fact superseded", map[string]interface{}{
			"user_id":  userID,
			"relation": triple.Relation,
		})
		f.Triple = triple
		f.MentionCount = 0
	}
	f.Importance = sig.Importance
	f.Confidence = 1.0
	f.Weight = f.Importance
	s.scheduler.ReinforceFact(f, at, s.cfg.HighImportance)
	ss.facts[id] = f
	ss.factIDs = appendUnique(ss.factIDs, id)
	ss.seg.AddFactRef(id)

	f.Embedding = s.embed(ctx, factText(*f))
	s.enqueue(ss, "fact "+id, func(ctx context.Context) error {
		return s.store.UpsertFact(ctx, *f)
	})
}

// closeStoredLoops closes loops of already-written events that reply answers.
func (s *Service) closeStoredLoops(ctx context.Context, st *userState, userID, reply string, at time.Time) {
	ss := st.session
	if !ss.openEventsLoaded {
		evs, err := s.store.ListEvents(ctx, userID, EventQuery{WithOpenLoops: true, Limit: openEventScan})
		if err != nil {
			logger.WarnCF("memory", "Could not load open loops", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		} else {
			for i := range evs {
				if _, ok := ss.openEvents[evs[i].ID]; !ok {
					ev := evs[i]
					ss.openEvents[ev.ID] = &ev
				}
			}
			ss.openEventsLoaded = true
		}
	}

	for id, ev := range ss.openEvents {
		changed := false
		for i := range ev.OpenLoops {
			l := &ev.OpenLoops[i]
			if l.Status != LoopOpen || !s.extractor.Answers(l.Description, reply) {
				continue
			}
			l.Status = LoopClosed
			l.ClosedAt = at
			st.metrics.LoopClosed(at.Sub(l.OpenedAt))
			changed = true
		}
		if !changed {
			continue
		}
		if !ev.HasOpenLoops() {
			delete(ss.openEvents, id)
		}
		s.enqueue(ss, "event loops "+id, func(ctx context.Context) error {
			return s.store.UpsertEvent(ctx, *ev)
		})
	}
}

// flushSegment turns the buffered segment into an event and queues its
// write followed by the back-references from its commitments and facts.
func (s *Service) flushSegment(userID string, ss *sessionState, reason BoundaryReason) bool {
	seg, ok := ss.seg.Flush(reason)
	if !ok {
		return false
	}
	ev := buildEvent(userID, seg, s.now())
	evp := &ev
	ss.eventIDs = append(ss.eventIDs, ev.ID)
	if ev.HasOpenLoops() {
		ss.openEvents[ev.ID] = evp
	}
	s.enqueue(ss, "event "+ev.ID, func(ctx context.Context) error {
		return s.store.UpsertEvent(ctx, *evp)
	})
	for _, cid := range ev.CommitmentRefs {
		c, ok := ss.commitments[cid]
		if !ok || c.EvidenceEventID != "" {
			continue
		}
		c.EvidenceEventID = ev.ID
		s.enqueue(ss, "commitment evidence "+cid, func(ctx context.Context) error {
			return s.store.UpsertCommitment(ctx, *c)
		})
	}
	for _, fid := range ev.FactRefs {
		f, ok := ss.facts[fid]
		if !ok {
			continue
		}
		f.SourceEventIDs = appendUnique(f.SourceEventIDs, ev.ID)
		s.enqueue(ss, "fact source "+fid, func(ctx context.Context) error {
			return s.store.UpsertFact(ctx, *f)
		})
	}
	logger.InfoCF("memory", "Event segmented", map[string]interface{}{
		"user_id":  userID,
		"event_id": ev.ID,
		"reason":   string(reason),
		"turns":    ev.TurnCount,
	})
	return true
}

func (s *Service) enqueue(ss *sessionState, desc string, apply func(ctx context.Context) error) {
	ss.pending = append(ss.pending, pendingWrite{desc: desc, apply: apply})
}

// flushPending applies queued writes in order and keeps the remainder on
// the first failure. It reports whether the queue is empty.
func (s *Service) flushPending(ctx context.Context, userID string, ss *sessionState) bool {
	for len(ss.pending) > 0 {
		w := ss.pending[0]
		if err := w.apply(ctx); err != nil {
			logger.WarnCF("memory", "Store write deferred", map[string]interface{}{
				"user_id": userID,
				"write":   w.desc,
				"pending": len(ss.pending),
				"error":   err.Error(),
			})
			return false
		}
		ss.pending = ss.pending[1:]
	}
	ss.pending = nil
	return true
}

// Retrieve assembles the context bundle for the agent's next reply. Pass
// ConfiguredBudget to use the configured token budget; a budget of 0 yields
// an empty bundle.
func (s *Service) Retrieve(ctx context.Context, userID, query string, budget int) (ContextBundle, error) {
	if strings.TrimSpace(userID) == "" {
		return ContextBundle{}, fmt.Errorf("%w: user id is required", ErrMalformedInput)
	}
	now := s.now()
	bundle, ack, err := s.retriever.Retrieve(ctx, userID, query, budget, now)
	if err != nil {
		return ContextBundle{}, err
	}
	st := s.user(userID)
	st.metrics.BundleServed(bundle.EstimatedTokens)
	if !ack.empty() {
		s.acknowledge(ctx, st, userID, ack, now)
	}
	return bundle, nil
}

// acknowledge clears reactivation flags and counts fact accesses for what a
// bundle surfaced. It is skipped while the user is busy; the flags then
// stay set until the next retrieval.
func (s *Service) acknowledge(ctx context.Context, st *userState, userID string, ack retrievalAck, now time.Time) {
	if !st.mu.TryLock() {
		logger.DebugCF("memory", "Retrieval acknowledgement skipped, user busy", map[string]interface{}{
			"user_id": userID,
		})
		return
	}
	defer st.mu.Unlock()

	ss := st.session
	for _, id := range ack.commitments {
		var c Commitment
		if ss != nil && ss.commitments[id] != nil {
			c = *ss.commitments[id]
		} else {
			stored, err := s.store.GetCommitment(ctx, userID, id)
			if err != nil {
				continue
			}
			c = stored
		}
		if !c.Resurface {
			continue
		}
		c.Resurface = false
		if err := s.store.UpsertCommitment(ctx, c); err != nil {
			logger.WarnCF("memory", "Could not clear commitment flag", map[string]interface{}{
				"user_id":       userID,
				"commitment_id": id,
				"error":         err.Error(),
			})
			continue
		}
		if ss != nil && ss.commitments[id] != nil {
			ss.commitments[id].Resurface = false
		}
	}
	for _, id := range ack.facts {
		var f SemanticFact
		if ss != nil && ss.facts[id] != nil {
			f = *ss.facts[id]
		} else {
			stored, err := s.store.GetFact(ctx, userID, id)
			if err != nil {
				continue
			}
			f = stored
		}
		f.Resurface = false
		f.AccessCount++
		f.LastAccessed = now
		if err := s.store.UpsertFact(ctx, f); err != nil {
			logger.WarnCF("memory", "Could not record fact access", map[string]interface{}{
				"user_id": userID,
				"fact_id": id,
				"error":   err.Error(),
			})
			continue
		}
		if ss != nil && ss.facts[id] != nil {
			cached := ss.facts[id]
			cached.Resurface = false
			cached.AccessCount = f.AccessCount
			cached.LastAccessed = now
		}
	}
}

// EndSession flushes the segment and pending writes and runs the
// session-end consolidation pass. On failure the working set is kept and
// the whole pass is retried at the next call.
func (s *Service) EndSession(ctx context.Context, userID string) (SessionReport, error) {
	st := s.user(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.endSessionLocked(ctx, st, userID)
}

func (s *Service) endSessionLocked(ctx context.Context, st *userState, userID string) (SessionReport, error) {
	ss := st.session
	if ss == nil {
		return SessionReport{}, nil
	}
	if ss.idle() {
		st.session = nil
		return SessionReport{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConsolidationTimeout)
	defer cancel()

	s.flushSegment(userID, ss, BoundarySessionEnd)
	if !s.flushPending(ctx, userID, ss) {
		return SessionReport{}, fmt.Errorf("%w: %d writes still pending", ErrStoreUnavailable, len(ss.pending))
	}

	end := ss.lastTurn
	if end.IsZero() {
		end = s.now()
	}
	work := sessionWork{
		userID:   userID,
		eventIDs: ss.eventIDs,
		factIDs:  ss.factIDs,
		turns:    ss.turns,
		end:      end,
	}
	report, err := s.engine.ConsolidateSession(ctx, work, s.now(), st.metrics)
	if err != nil {
		logger.WarnCF("memory", "Session consolidation failed, will retry", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return SessionReport{}, err
	}
	report.EventsCreated = len(ss.eventIDs)
	st.session = nil

	logger.InfoCF("memory", "Session consolidated", map[string]interface{}{
		"user_id":             userID,
		"events_created":      report.EventsCreated,
		"facts_promoted":      report.FactsPromoted,
		"commitments_checked": report.CommitmentsChecked,
	})
	return report, nil
}

// EndSessionAsync runs EndSession in the background. The returned channel
// receives exactly one outcome. A second call while one is in flight yields
// ErrConsolidationInProgress.
func (s *Service) EndSessionAsync(userID string) <-chan SessionOutcome {
	out := make(chan SessionOutcome, 1)
	st := s.user(userID)
	if !st.consolidating.CompareAndSwap(false, true) {
		out <- SessionOutcome{Err: ErrConsolidationInProgress}
		close(out)
		return out
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report, err := s.EndSession(s.baseCtx, userID)
		st.consolidating.Store(false)
		out <- SessionOutcome{Report: report, Err: err}
		close(out)
	}()
	return out
}

// IdleSessions lists users whose last turn is older than the idle timeout.
func (s *Service) IdleSessions(now time.Time) []string {
	s.mu.Lock()
	states := make(map[string]*userState, len(s.users))
	for id, st := range s.users {
		states[id] = st
	}
	s.mu.Unlock()

	var out []string
	for id, st := range states {
		if !st.mu.TryLock() {
			continue
		}
		ss := st.session
		if ss != nil && !ss.idle() && now.Sub(ss.lastTurn) >= s.cfg.SessionIdleTimeout {
			out = append(out, id)
		}
		st.mu.Unlock()
	}
	return out
}

// RolloverDay builds and stores the digest for day, then decays facts and
// checks reactivation schedules.
func (s *Service) RolloverDay(ctx context.Context, userID string, day time.Time) (DailyDigest, error) {
	if strings.TrimSpace(userID) == "" {
		return DailyDigest{}, fmt.Errorf("%w: user id is required", ErrMalformedInput)
	}
	st := s.user(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConsolidationTimeout)
	defer cancel()

	ss := st.session
	if ss != nil && !s.flushPending(ctx, userID, ss) {
		return DailyDigest{}, fmt.Errorf("%w: %d session writes still pending", ErrStoreUnavailable, len(ss.pending))
	}
	d, err := s.engine.RolloverDay(ctx, userID, day, s.now(), st.metrics)
	if ss != nil {
		s.refreshWorkingSet(ctx, userID, ss)
	}
	return d, err
}

// refreshWorkingSet reloads the session's cached commitments and facts
// after a rollover rewrote them in the store. Cached records are updated in
// place because queued writes and segment refs point at them. Forgotten
// facts are dropped.
func (s *Service) refreshWorkingSet(ctx context.Context, userID string, ss *sessionState) {
	for id, c := range ss.commitments {
		stored, err := s.store.GetCommitment(ctx, userID, id)
		switch {
		case err == nil:
			*c = stored
		case errors.Is(err, ErrNotFound):
			delete(ss.commitments, id)
		default:
			delete(ss.commitments, id)
			ss.activeLoaded = false
		}
	}
	for id, f := range ss.facts {
		stored, err := s.store.GetFact(ctx, userID, id)
		switch {
		case err == nil:
			*f = stored
		default:
			delete(ss.facts, id)
		}
	}
}

// GetDailyDigest returns the stored digest for date (YYYY-MM-DD), building
// and storing it first when none exists.
func (s *Service) GetDailyDigest(ctx context.Context, userID, date string) (DailyDigest, error) {
	day, err := time.ParseInLocation(dateLayout, date, s.cfg.Location)
	if err != nil {
		return DailyDigest{}, fmt.Errorf("%w: date %q: %v", ErrMalformedInput, date, err)
	}
	d, err := s.store.GetDigest(ctx, userID, date)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return DailyDigest{}, err
	}
	d, err = s.engine.BuildDigest(ctx, userID, day, s.now())
	if err != nil {
		return DailyDigest{}, err
	}
	if err := s.store.UpsertDigest(ctx, d); err != nil {
		return DailyDigest{}, err
	}
	return d, nil
}

// MarkCommitmentDone closes an active commitment. It reports false without
// error when the commitment is already done or expired.
func (s *Service) MarkCommitmentDone(ctx context.Context, userID, id string) (bool, error) {
	st := s.user(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var c Commitment
	cached := st.session != nil && st.session.commitments[id] != nil
	if cached {
		c = *st.session.commitments[id]
	} else {
		stored, err := s.store.GetCommitment(ctx, userID, id)
		if err != nil {
			return false, err
		}
		c = stored
	}
	if c.Status != CommitmentActive {
		return false, nil
	}
	c.Status = CommitmentDone
	c.ClosedAt = s.now()
	c.Resurface = false
	c.ReactivationSchedule = nil
	if err := s.store.UpsertCommitment(ctx, c); err != nil {
		return false, err
	}
	if cached {
		*st.session.commitments[id] = c
	}
	st.metrics.CommitmentFulfilled()
	logger.InfoCF("memory", "Commitment fulfilled", map[string]interface{}{
		"user_id":       userID,
		"commitment_id": id,
	})
	return true, nil
}

// ListCommitments returns the user's commitments, optionally filtered by status.
func (s *Service) ListCommitments(ctx context.Context, userID string, status CommitmentStatus) ([]Commitment, error) {
	return s.store.ListCommitments(ctx, userID, CommitmentQuery{Status: status})
}

// Relationship returns the stored relationship state.
func (s *Service) Relationship(ctx context.Context, userID string) (RelationshipState, error) {
	return s.store.GetRelationship(ctx, userID)
}

// ListUsers returns every user with stored memory.
func (s *Service) ListUsers(ctx context.Context) ([]string, error) {
	return s.store.ListUsers(ctx)
}

// RecordContradiction counts an externally detected self-contradiction.
func (s *Service) RecordContradiction(userID string) {
	s.user(userID).metrics.Contradiction()
}

// RecordRecall counts whether a delivered bundle proved useful.
func (s *Service) RecordRecall(userID string, useful bool) {
	s.user(userID).metrics.Recall(useful)
}

func (s *Service) GetMetrics(userID string) MetricsSnapshot {
	return s.user(userID).metrics.Snapshot()
}
