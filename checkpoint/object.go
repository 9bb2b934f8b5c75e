package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/aws/s3"
	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/file"
	"github.com/relloyd/lakepipe/logger"
)

// ObjectStore keeps each checkpoint as a JSON object next to the partitions it describes.
// A single PUT replaces the object atomically.
// Commits for a run locked through the store are refused once another owner holds the lock.
type ObjectStore struct {
	log    logger.Logger
	client s3.Client
	ttl    time.Duration
	now    func() time.Time
	mu     sync.Mutex
	owners map[string]string // run id to the owner of a lock taken by this store.
}

func NewObjectStore(log logger.Logger, client s3.Client) *ObjectStore {
	return &ObjectStore{
		log:    log,
		client: client,
		ttl:    constants.LockTTLSeconds * time.Second,
		now:    func() time.Time { return time.Now().UTC() },
		owners: make(map[string]string),
	}
}

func (s *ObjectStore) owner(runID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[runID]
	return o, ok
}

func (s *ObjectStore) setOwner(runID string, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner == "" {
		delete(s.owners, runID)
		return
	}
	s.owners[runID] = owner
}

// checkOwner fails with a LockLostError unless the stored lock still belongs to owner.
func (s *ObjectStore) checkOwner(ctx context.Context, runID string, owner string) error {
	cur, err := s.readLock(ctx, runID)
	if err != nil {
		return err
	}
	if cur == nil || cur.Owner != owner {
		l := &LockLostError{RunID: runID, Owner: owner}
		if cur != nil {
			l.Holder = cur.Owner
		}
		return l
	}
	return nil
}

type lockObject struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func checkpointKey(runID string) string {
	return file.JoinKey(constants.CheckpointDirName, runID+".json")
}

func lockKey(runID string) string {
	return file.JoinKey(constants.CheckpointDirName, runID+".lock")
}

func (s *ObjectStore) Read(ctx context.Context, runID string) (*Record, error) {
	data, err := s.client.Get(ctx, checkpointKey(runID))
	if err == s3.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading checkpoint for run %v", runID)
	}
	rec := &Record{}
	if err = json.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrapf(err, "error decoding checkpoint for run %v", runID)
	}
	return rec, nil
}

func (s *ObjectStore) Commit(ctx context.Context, rec Record) error {
	cur, err := s.Read(ctx, rec.RunID)
	if err != nil {
		return err
	}
	if err = checkAdvance(cur, rec); err != nil {
		return err
	}
	if owner, ok := s.owner(rec.RunID); ok {
		if err = s.checkOwner(ctx, rec.RunID, owner); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error encoding checkpoint")
	}
	if _, err = s.client.Put(ctx, checkpointKey(rec.RunID), data, ""); err != nil {
		return errors.Wrapf(err, "error writing checkpoint for run %v", rec.RunID)
	}
	s.log.Debug("committed checkpoint: ", rec.String())
	return nil
}

func (s *ObjectStore) readLock(ctx context.Context, runID string) (*lockObject, error) {
	data, err := s.client.Get(ctx, lockKey(runID))
	if err == s3.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading lock for run %v", runID)
	}
	l := &lockObject{}
	if err = json.Unmarshal(data, l); err != nil {
		return nil, errors.Wrapf(err, "error decoding lock for run %v", runID)
	}
	return l, nil
}

// Lock writes a lock object owned by owner. An expired lock is taken over.
// Object stores offer no compare-and-swap here, so the lock is read back to detect a racing writer.
func (s *ObjectStore) Lock(ctx context.Context, runID string, owner string) (Unlocker, error) {
	held, err := s.readLock(ctx, runID)
	if err != nil {
		return nil, err
	}
	if held != nil && held.Owner != owner && s.now().Before(held.ExpiresAt) {
		return nil, &LockHeldError{RunID: runID, Owner: held.Owner, ExpiresAt: held.ExpiresAt}
	}
	if held != nil && held.Owner != owner {
		s.log.Warn("taking over expired lock for run ", runID, " from ", held.Owner)
	}
	if err = s.writeLock(ctx, runID, owner); err != nil {
		return nil, err
	}
	confirmed, err := s.readLock(ctx, runID)
	if err != nil {
		return nil, err
	}
	if confirmed == nil || confirmed.Owner != owner {
		l := &LockHeldError{RunID: runID}
		if confirmed != nil {
			l.Owner, l.ExpiresAt = confirmed.Owner, confirmed.ExpiresAt
		}
		return nil, l
	}
	s.setOwner(runID, owner)
	return lockFuncs{
		refresh: func(ctx context.Context) error {
			if err := s.checkOwner(ctx, runID, owner); err != nil {
				return err
			}
			if err := s.writeLock(ctx, runID, owner); err != nil {
				return err
			}
			return s.checkOwner(ctx, runID, owner)
		},
		unlock: func(ctx context.Context) error {
			s.setOwner(runID, "")
			cur, err := s.readLock(ctx, runID)
			if err != nil {
				return err
			}
			if cur == nil || cur.Owner != owner { // if someone took over our expired lock...
				return nil
			}
			return s.client.Delete(ctx, lockKey(runID))
		},
	}, nil
}

// writeLock stores a lock for owner that expires one TTL from now.
func (s *ObjectStore) writeLock(ctx context.Context, runID string, owner string) error {
	data, err := json.Marshal(lockObject{Owner: owner, ExpiresAt: s.now().Add(s.ttl)})
	if err != nil {
		return err
	}
	if _, err = s.client.Put(ctx, lockKey(runID), data, ""); err != nil {
		return errors.Wrapf(err, "error writing lock for run %v", runID)
	}
	return nil
}

func (s *ObjectStore) Reset(ctx context.Context, runID string) error {
	if err := s.client.Delete(ctx, checkpointKey(runID)); err != nil && err != s3.ErrKeyNotFound {
		return errors.Wrapf(err, "error deleting checkpoint for run %v", runID)
	}
	return nil
}
