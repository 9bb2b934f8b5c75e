package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/aws/s3"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/stream"
	"github.com/rs/xid"
)

var testLog = logger.NewLogger("lakepipe", "error", false)

// testStoreContract exercises the behaviour every Store must share.
func testStoreContract(t *testing.T, store Store) {
	g := NewWithT(t)
	ctx := context.Background()
	runID := "contract-" + xid.New().String()

	rec, err := store.Read(ctx, runID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rec).To(BeNil())

	first := Record{
		RunID:             runID,
		Watermark:         stream.NewIntWatermark(26),
		StartWatermark:    stream.NewIntWatermark(1),
		BatchSeq:          1,
		SchemaFingerprint: "abc",
		UpdatedAt:         time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	g.Expect(store.Commit(ctx, first)).To(Succeed())
	rec, err = store.Read(ctx, runID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rec.Watermark.Equal(first.Watermark)).To(BeTrue())
	g.Expect(rec.StartWatermark.Equal(first.StartWatermark)).To(BeTrue())
	g.Expect(rec.BatchSeq).To(Equal(int64(1)))
	g.Expect(rec.SchemaFingerprint).To(Equal("abc"))
	g.Expect(rec.UpdatedAt.Equal(first.UpdatedAt)).To(BeTrue())

	// Non-advancing commits are rejected and leave the record untouched.
	stale := first
	stale.Watermark = stream.NewIntWatermark(99)
	var sce *StaleCommitError
	g.Expect(errors.As(store.Commit(ctx, stale), &sce)).To(BeTrue())
	g.Expect(sce.Committed).To(Equal(int64(1)))
	rec, _ = store.Read(ctx, runID)
	g.Expect(rec.Watermark.Int()).To(Equal(int64(26)))

	second := first
	second.BatchSeq = 2
	second.Watermark = stream.NewIntWatermark(51)
	second.Aggregate = json.RawMessage(`{"groups":[]}`)
	g.Expect(store.Commit(ctx, second)).To(Succeed())
	rec, _ = store.Read(ctx, runID)
	g.Expect(rec.BatchSeq).To(Equal(int64(2)))
	g.Expect(rec.Aggregate).To(MatchJSON(`{"groups":[]}`))

	// Lock is exclusive until released.
	owner1, owner2 := xid.New().String(), xid.New().String()
	unlock, err := store.Lock(ctx, runID, owner1)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = store.Lock(ctx, runID, owner2)
	var lhe *LockHeldError
	g.Expect(errors.As(err, &lhe)).To(BeTrue())
	g.Expect(unlock.Refresh(ctx)).To(Succeed())
	g.Expect(unlock.Unlock(ctx)).To(Succeed())
	unlock, err = store.Lock(ctx, runID, owner2)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(unlock.Unlock(ctx)).To(Succeed())

	g.Expect(store.Reset(ctx, runID)).To(Succeed())
	rec, err = store.Read(ctx, runID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rec).To(BeNil())
	g.Expect(store.Reset(ctx, runID)).To(Succeed())
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreFailCommits(t *testing.T) {
	g := NewWithT(t)
	s := NewMemoryStore()
	boom := fmt.Errorf("boom")
	s.FailCommits(boom)
	g.Expect(s.Commit(context.Background(), Record{RunID: "r", BatchSeq: 1})).To(Equal(boom))
	s.FailCommits(nil)
	g.Expect(s.Commit(context.Background(), Record{RunID: "r", BatchSeq: 1})).To(Succeed())
}

func TestObjectStore(t *testing.T) {
	testStoreContract(t, NewObjectStore(testLog, s3.NewClientFromBasic(s3.NewMemoryClient())))
}

func TestObjectStoreLayoutAndLockExpiry(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	mem := s3.NewMemoryClient()
	store := NewObjectStore(testLog, s3.NewClientFromBasic(mem.WithPrefix("lake/out")))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	g.Expect(store.Commit(ctx, Record{RunID: "r1", BatchSeq: 1, Watermark: stream.NewIntWatermark(26)})).To(Succeed())
	_, err := store.Lock(ctx, "r1", "crashed-owner")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(mem.Keys()).To(Equal([]string{"lake/out/_checkpoints/r1.json", "lake/out/_checkpoints/r1.lock"}))

	data, err := mem.Get(ctx, "lake/out/_checkpoints/r1.json")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(ContainSubstring(`"watermark": {`))
	g.Expect(string(data)).To(ContainSubstring(`"kind": "int"`))

	// The lock of a crashed owner blocks until it expires.
	_, err = store.Lock(ctx, "r1", "new-owner")
	g.Expect(err).To(HaveOccurred())
	now = now.Add(2 * store.ttl)
	unlock, err := store.Lock(ctx, "r1", "new-owner")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(unlock.Unlock(ctx)).To(Succeed())
	g.Expect(mem.Keys()).To(Equal([]string{"lake/out/_checkpoints/r1.json"}))
}

func TestObjectStoreLockRefresh(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	mem := s3.NewMemoryClient()
	store := NewObjectStore(testLog, s3.NewClientFromBasic(mem))
	other := NewObjectStore(testLog, s3.NewClientFromBasic(mem))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	other.now = store.now

	unlock, err := store.Lock(ctx, "r1", "first")
	g.Expect(err).NotTo(HaveOccurred())
	// Refreshing keeps the lock alive past its original expiry.
	for i := 0; i < 3; i++ {
		now = now.Add(store.ttl * 3 / 4)
		g.Expect(unlock.Refresh(ctx)).To(Succeed())
		_, err = other.Lock(ctx, "r1", "second")
		var lhe *LockHeldError
		g.Expect(errors.As(err, &lhe)).To(BeTrue())
		g.Expect(lhe.Owner).To(Equal("first"))
	}
	g.Expect(store.Commit(ctx, Record{RunID: "r1", BatchSeq: 1})).To(Succeed())

	// Once the lock expires and is taken over, the first owner can neither refresh nor commit.
	now = now.Add(2 * store.ttl)
	takeover, err := other.Lock(ctx, "r1", "second")
	g.Expect(err).NotTo(HaveOccurred())
	var lle *LockLostError
	g.Expect(errors.As(unlock.Refresh(ctx), &lle)).To(BeTrue())
	g.Expect(lle.Holder).To(Equal("second"))
	err = store.Commit(ctx, Record{RunID: "r1", BatchSeq: 2})
	g.Expect(errors.As(err, &lle)).To(BeTrue())
	g.Expect(stream.IsRetryable(err)).To(BeFalse())
	rec, err := store.Read(ctx, "r1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rec.BatchSeq).To(Equal(int64(1)))
	// The new owner commits and the first owner's unlock leaves its lock alone.
	g.Expect(other.Commit(ctx, Record{RunID: "r1", BatchSeq: 2})).To(Succeed())
	g.Expect(unlock.Unlock(ctx)).To(Succeed())
	g.Expect(takeover.Refresh(ctx)).To(Succeed())
	g.Expect(takeover.Unlock(ctx)).To(Succeed())
}

func TestMemoryStoreLockRefresh(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := NewMemoryStore()
	unlock, err := s.Lock(ctx, "r1", "first")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(unlock.Refresh(ctx)).To(Succeed())
	s.BreakLock("r1")
	_, err = s.Lock(ctx, "r1", "second")
	g.Expect(err).NotTo(HaveOccurred())
	var lle *LockLostError
	g.Expect(errors.As(unlock.Refresh(ctx), &lle)).To(BeTrue())
	g.Expect(lle.Holder).To(Equal("second"))
}

func TestObjectStoreSurfacesTransientErrors(t *testing.T) {
	g := NewWithT(t)
	mem := s3.NewMemoryClient()
	store := NewObjectStore(testLog, s3.NewClientFromBasic(mem))
	mem.InjectFault(s3.OpPut, "_checkpoints", &stream.TransientStorageError{Op: "put", Err: fmt.Errorf("timeout")}, 1)
	err := store.Commit(context.Background(), Record{RunID: "r1", BatchSeq: 1})
	g.Expect(stream.IsRetryable(err)).To(BeTrue())
	g.Expect(store.Commit(context.Background(), Record{RunID: "r1", BatchSeq: 1})).To(Succeed())
}

func TestPostgresClassifyError(t *testing.T) {
	g := NewWithT(t)
	for _, err := range []error{
		&pgconn.PgError{Code: "40001", Message: "could not serialize access"},
		&pgconn.PgError{Code: "08006", Message: "connection failure"},
		&pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"},
		errors.Wrap(io.ErrUnexpectedEOF, "error reading checkpoint for run r1"),
		&net.OpError{Op: "read", Err: fmt.Errorf("connection reset by peer")},
	} {
		got := classifyError("commit", "r1", err)
		var tse *stream.TransientStorageError
		g.Expect(errors.As(got, &tse)).To(BeTrue(), err.Error())
		g.Expect(tse.Op).To(Equal("commit"))
		g.Expect(stream.IsRetryable(got)).To(BeTrue())
	}
	for _, err := range []error{
		&pgconn.PgError{Code: "23505", Message: "duplicate key"},
		&StaleCommitError{RunID: "r1", Committed: 2, Attempted: 1},
		context.Canceled,
	} {
		g.Expect(classifyError("commit", "r1", err)).To(Equal(err))
	}
	g.Expect(classifyError("read", "r1", nil)).To(BeNil())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set LP_TEST_POSTGRES_DSN to run PostgreSQL checkpoint tests")
	}
	store, err := NewPostgresStore(context.Background(), testLog, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStoreContract(t, store)
}
