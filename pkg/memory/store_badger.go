package memory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/jodaltro/tamagotchi/pkg/logger"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	collEvents        = "events"
	collCommitments   = "commitments"
	collFacts         = "facts"
	collDigests       = "digests"
	collRelationships = "relationship"

	usersIndexPrefix = "!users/"
)

// BadgerOptions configures the Badger-backed store.
type BadgerOptions struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string

	// InMemory runs Badger without disk persistence.
	InMemory bool
}

// BadgerStore keeps records as msgpack documents under
// "<user>/<collection>/<id>" keys.
type BadgerStore struct {
	db        *badger.DB
	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger store: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func recordKey(userID, coll, id string) []byte {
	return []byte(url.QueryEscape(userID) + "/" + coll + "/" + id)
}

func collectionPrefix(userID, coll string) []byte {
	return []byte(url.QueryEscape(userID) + "/" + coll + "/")
}

func (s *BadgerStore) put(userID, coll, id string, v interface{}) error {
	if userID == "" || id == "" {
		return fmt.Errorf("put %s: user id and id are required", coll)
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", coll, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(usersIndexPrefix+url.QueryEscape(userID)), nil); err != nil {
			return err
		}
		return txn.Set(recordKey(userID, coll, id), raw)
	})
}

func (s *BadgerStore) get(userID, coll, id string, dst interface{}) error {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(userID, coll, id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", coll, err)
	}
	if err := msgpack.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", coll, err)
	}
	return nil
}

// scan decodes every record of a collection and keeps those accepted by keep.
func scan[T any](ctx context.Context, db *badger.DB, prefix []byte, keep func(*T) bool) ([]T, error) {
	out := []T{}
	err := db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var v T
			if err := msgpack.Unmarshal(raw, &v); err != nil {
				return err
			}
			if keep == nil || keep(&v) {
				out = append(out, v)
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) ListUsers(ctx context.Context) ([]string, error) {
	prefix := []byte(usersIndexPrefix)
	out := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			escaped := strings.TrimPrefix(string(it.Item().Key()), usersIndexPrefix)
			id, err := url.QueryUnescape(escaped)
			if err != nil {
				return err
			}
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *BadgerStore) UpsertEvent(_ context.Context, ev EventRecord) error {
	return s.put(ev.UserID, collEvents, ev.ID, ev)
}

func (s *BadgerStore) GetEvent(_ context.Context, userID, id string) (EventRecord, error) {
	var ev EventRecord
	err := s.get(userID, collEvents, id, &ev)
	return ev, err
}

func (s *BadgerStore) ListEvents(ctx context.Context, userID string, q EventQuery) ([]EventRecord, error) {
	out, err := scan(ctx, s.db, collectionPrefix(userID, collEvents), func(ev *EventRecord) bool {
		if !q.From.IsZero() && ev.End.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && !ev.End.Before(q.To) {
			return false
		}
		if q.PromotedOnly && !ev.Promoted {
			return false
		}
		if q.WithOpenLoops && !ev.HasOpenLoops() {
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].End.Equal(out[j].End) {
			return out[i].ID < out[j].ID
		}
		return out[i].End.After(out[j].End)
	})
	return limitSlice(out, q.Limit), nil
}

func (s *BadgerStore) UpsertCommitment(_ context.Context, c Commitment) error {
	return s.put(c.UserID, collCommitments, c.ID, c)
}

func (s *BadgerStore) GetCommitment(_ context.Context, userID, id string) (Commitment, error) {
	var c Commitment
	err := s.get(userID, collCommitments, id, &c)
	return c, err
}

func (s *BadgerStore) ListCommitments(ctx context.Context, userID string, q CommitmentQuery) ([]Commitment, error) {
	out, err := scan(ctx, s.db, collectionPrefix(userID, collCommitments), func(c *Commitment) bool {
		return q.Status == "" || c.Status == q.Status
	})
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MadeAt.Equal(out[j].MadeAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].MadeAt.Before(out[j].MadeAt)
	})
	return limitSlice(out, q.Limit), nil
}

func (s *BadgerStore) UpsertFact(_ context.Context, f SemanticFact) error {
	return s.put(f.UserID, collFacts, f.ID, f)
}

func (s *BadgerStore) GetFact(_ context.Context, userID, id string) (SemanticFact, error) {
	var f SemanticFact
	err := s.get(userID, collFacts, id, &f)
	return f, err
}

func (s *BadgerStore) DeleteFact(_ context.Context, userID, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(userID, collFacts, id))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete fact: %w", err)
	}
	return nil
}

func (s *BadgerStore) ListFacts(ctx context.Context, userID string, q FactQuery) ([]SemanticFact, error) {
	out, err := scan(ctx, s.db, collectionPrefix(userID, collFacts), func(f *SemanticFact) bool {
		if q.MinWeight > 0 && f.Weight < q.MinWeight {
			return false
		}
		if !q.CreatedFrom.IsZero() && f.CreatedAt.Before(q.CreatedFrom) {
			return false
		}
		if !q.CreatedTo.IsZero() && !f.CreatedAt.Before(q.CreatedTo) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight == out[j].Weight {
			return out[i].ID < out[j].ID
		}
		return out[i].Weight > out[j].Weight
	})
	return limitSlice(out, q.Limit), nil
}

func (s *BadgerStore) UpsertDigest(_ context.Context, d DailyDigest) error {
	return s.put(d.UserID, collDigests, d.Date, d)
}

func (s *BadgerStore) GetDigest(_ context.Context, userID, date string) (DailyDigest, error) {
	var d DailyDigest
	err := s.get(userID, collDigests, date, &d)
	return d, err
}

func (s *BadgerStore) GetRelationship(_ context.Context, userID string) (RelationshipState, error) {
	var r RelationshipState
	err := s.get(userID, collRelationships, "state", &r)
	if errors.Is(err, ErrNotFound) {
		return DefaultRelationship(userID), nil
	}
	return r, err
}

func (s *BadgerStore) UpsertRelationship(_ context.Context, r RelationshipState) error {
	return s.put(r.UserID, collRelationships, "state", r)
}

func limitSlice[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

// badgerLogger routes badger warnings and errors into the component logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	logger.ErrorCF("badger", strings.TrimSpace(fmt.Sprintf(f, v...)), nil)
}

func (badgerLogger) Warningf(f string, v ...interface{}) {
	logger.WarnCF("badger", strings.TrimSpace(fmt.Sprintf(f, v...)), nil)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
