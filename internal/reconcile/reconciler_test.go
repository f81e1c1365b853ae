package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/todosync/internal/outbox"
	"github.com/hyperengineering/todosync/internal/remote"
	"github.com/hyperengineering/todosync/internal/store"
	"github.com/hyperengineering/todosync/internal/types"
)

// fakeRemote is an in-memory remote store with upsert-by-client-key semantics.
type fakeRemote struct {
	mu       sync.Mutex
	tasks    map[string]types.Task
	byClient map[string]string
	nextID   int

	bulkCalls   int
	updateCalls int
	deleteCalls []string

	bulkErr   error
	replyErr  error // returned after the batch was applied
	updateErr error
	deleteErr error
	onBulk    func()
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{tasks: make(map[string]types.Task), byClient: make(map[string]string)}
}

func (f *fakeRemote) seed(id string, fields types.Fields) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = types.Task{ID: id, Title: fields.Title, Description: fields.Description, Status: fields.Status.Normalize()}
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bulkCalls + f.updateCalls + len(f.deleteCalls)
}

func (f *fakeRemote) Update(ctx context.Context, serverID string, ch types.Changes) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	t, ok := f.tasks[serverID]
	if !ok {
		return nil, &remote.Error{Op: "update task", StatusCode: http.StatusNotFound}
	}
	t = ch.ApplyTask(t)
	f.tasks[serverID] = t
	return &t, nil
}

func (f *fakeRemote) Delete(ctx context.Context, serverID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, serverID)
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	_, ok := f.tasks[serverID]
	delete(f.tasks, serverID)
	return ok, nil
}

func (f *fakeRemote) BulkSync(ctx context.Context, entries []types.BulkSyncEntry) ([]types.IDMapping, error) {
	f.mu.Lock()
	hook := f.onBulk
	f.bulkCalls++
	err := f.bulkErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.IDMapping
	for _, e := range entries {
		sid, ok := f.byClient[e.ClientID]
		if !ok {
			f.nextID++
			sid = fmt.Sprintf("%024x", f.nextID)
			f.byClient[e.ClientID] = sid
		}
		f.tasks[sid] = types.Task{ID: sid, Title: e.Title, Description: e.Description, Status: e.Status, ClientID: e.ClientID}
		out = append(out, types.IDMapping{ClientID: e.ClientID, ServerID: sid})
	}
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	return out, nil
}

type harness struct {
	store  *store.SQLiteStore
	outbox *outbox.Manager
	remote *fakeRemote
	online atomic.Bool
	rec    *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "todo.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ob, err := outbox.NewManager(context.Background(), s)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	h := &harness{store: s, outbox: ob, remote: newFakeRemote()}
	h.online.Store(true)
	h.rec = New(s, ob, h.remote, h.online.Load)
	return h
}

// createOffline mirrors what the client does for an offline create.
func (h *harness) createOffline(t *testing.T, localID, title string) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.PutRecord(ctx, types.Task{ID: localID, Title: title, Status: types.StatusPending, Pending: true}); err != nil {
		t.Fatal(err)
	}
	if err := h.outbox.Queue(ctx, h.outbox.NewCreate(localID, types.Fields{Title: title})); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) queue(t *testing.T, op outbox.Operation) {
	t.Helper()
	if err := h.outbox.Queue(context.Background(), op); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) outboxLen(t *testing.T) int {
	t.Helper()
	n, err := h.outbox.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func strPtr(s string) *string { return &s }

func TestSynchronize_OfflineIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.createOffline(t, "L1", "Buy milk")
	h.online.Store(false)

	res, err := h.rec.Synchronize(context.Background())
	if err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if res.Outcome != NoOp || !res.Offline {
		t.Errorf("got outcome %s offline=%v", res.Outcome, res.Offline)
	}
	if h.remote.calls() != 0 {
		t.Errorf("expected no remote calls, got %d", h.remote.calls())
	}
	if h.outboxLen(t) != 1 {
		t.Error("outbox should be untouched")
	}
}

func TestSynchronize_EmptyOutboxIsNoOp(t *testing.T) {
	h := newHarness(t)
	res, err := h.rec.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != NoOp || res.PassID == "" {
		t.Errorf("got %+v", res)
	}
	if h.remote.calls() != 0 {
		t.Error("expected no remote calls")
	}
}

func TestSynchronize_PromotesCreatedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createOffline(t, "L1", "Buy milk")

	res, err := h.rec.Synchronize(ctx)
	if err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if res.Outcome != Succeeded || res.Promoted != 1 || res.Batched != 1 {
		t.Errorf("got %+v", res)
	}
	if h.remote.bulkCalls != 1 {
		t.Errorf("bulk calls = %d, want 1", h.remote.bulkCalls)
	}

	sid, err := h.store.GetMapping(ctx, "L1")
	if err != nil {
		t.Fatalf("GetMapping failed: %v", err)
	}
	if _, err := h.store.GetRecord(ctx, "L1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("record keyed by local id should be gone")
	}
	rec, err := h.store.GetRecord(ctx, sid)
	if err != nil {
		t.Fatalf("promoted record missing: %v", err)
	}
	if rec.Pending || rec.Title != "Buy milk" {
		t.Errorf("promoted record = %+v", rec)
	}
	all, _ := h.store.GetAllRecords(ctx)
	if len(all) != 1 {
		t.Errorf("expected exactly one record, got %d", len(all))
	}
	if h.outboxLen(t) != 0 {
		t.Error("outbox should be empty")
	}
}

func TestSynchronize_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.seed("aaaaaaaaaaaaaaaaaaaaaaaa", types.Fields{Title: "old"})
	h.createOffline(t, "L1", "new")
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{ServerID: "aaaaaaaaaaaaaaaaaaaaaaaa"}, types.Changes{Title: strPtr("renamed")}))

	snapshot, err := h.store.ListOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.rec.Synchronize(ctx); err != nil {
		t.Fatal(err)
	}
	first := len(h.remote.tasks)

	// When: the same outbox is replayed
	for _, row := range snapshot {
		if _, err := h.store.EnqueueOperation(ctx, row); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.rec.Synchronize(ctx); err != nil {
		t.Fatal(err)
	}

	// Then: the remote and local state are unchanged
	if len(h.remote.tasks) != first || first != 2 {
		t.Errorf("remote has %d tasks after replay, want %d", len(h.remote.tasks), first)
	}
	if h.remote.tasks["aaaaaaaaaaaaaaaaaaaaaaaa"].Title != "renamed" {
		t.Error("direct update not applied")
	}
	all, _ := h.store.GetAllRecords(ctx)
	if len(all) != 1 {
		t.Errorf("local records = %+v", all)
	}
}

func TestSynchronize_LatestTimestampWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Given: operations on one record enqueued out of timestamp order
	h.queue(t, outbox.Update{OpID: outbox.UpdateID("L1"), Ref: outbox.Ref{LocalID: "L1"}, Changes: types.Changes{Title: strPtr("t3")}, TS: 300})
	h.queue(t, outbox.Create{OpID: outbox.CreateID("L1"), LocalID: "L1", Fields: types.Fields{Title: "t1", Description: "d1"}, TS: 100})

	if _, err := h.rec.Synchronize(ctx); err != nil {
		t.Fatal(err)
	}

	sid := h.remote.byClient["L1"]
	got := h.remote.tasks[sid]
	if got.Title != "t3" || got.Description != "d1" {
		t.Errorf("remote record = %+v, want title t3 description d1", got)
	}
}

func TestSynchronize_RetainedCreateDoesNotOverwriteLaterUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Given: a pass that promotes L1 but keeps the outbox because another update failed
	h.createOffline(t, "L1", "v1")
	h.remote.updateErr = &remote.Error{Op: "update task", Transient: true, Err: errors.New("connection reset")}
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{ServerID: "aaaaaaaaaaaaaaaaaaaaaaaa"}, types.Changes{Title: strPtr("other")}))

	res, err := h.rec.Synchronize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != PartiallyFailed || res.Promoted != 1 || h.outboxLen(t) != 2 {
		t.Fatalf("first pass = %+v, outbox len %d", res, h.outboxLen(t))
	}
	sid, err := h.store.GetMapping(ctx, "L1")
	if err != nil {
		t.Fatal(err)
	}

	// When: the promoted record is edited by its server id
	h.remote.mu.Lock()
	h.remote.updateErr = nil
	h.remote.mu.Unlock()
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{ServerID: sid}, types.Changes{Title: strPtr("v2")}))

	res, err = h.rec.Synchronize(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Then: the retained Create is not replayed over the edit
	if got := h.remote.tasks[sid].Title; got != "v2" {
		t.Errorf("remote title = %q, want v2", got)
	}
	if h.remote.bulkCalls != 1 {
		t.Errorf("bulk calls = %d, want 1", h.remote.bulkCalls)
	}
	if res.Collapsed != 1 || h.outboxLen(t) != 0 {
		t.Errorf("second pass = %+v, outbox len %d", res, h.outboxLen(t))
	}
}

func TestSynchronize_DeleteAfterLostBulkReplyReachesServer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createOffline(t, "L1", "Buy milk")

	// Given: the server applies the batch but the reply never arrives
	h.remote.replyErr = &remote.Error{Op: "bulk sync", StatusCode: http.StatusBadGateway, Transient: true}
	res, err := h.rec.Synchronize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != PartiallyFailed || len(h.remote.tasks) != 1 {
		t.Fatalf("first pass = %+v, remote tasks %d", res, len(h.remote.tasks))
	}
	op, err := h.outbox.Get(ctx, outbox.CreateID("L1"))
	if err != nil {
		t.Fatal(err)
	}
	if !op.(outbox.Create).Attempted {
		t.Fatal("retained create should be marked attempted")
	}

	// When: the still unmapped record is deleted locally
	if err := h.store.DeleteRecord(ctx, "L1"); err != nil {
		t.Fatal(err)
	}
	h.queue(t, h.outbox.NewDelete(outbox.Ref{LocalID: "L1"}))
	h.remote.replyErr = nil

	res, err = h.rec.Synchronize(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Then: the Create is resent to learn the mapping and the delete follows it
	sid := h.remote.byClient["L1"]
	if len(h.remote.deleteCalls) != 1 || h.remote.deleteCalls[0] != sid {
		t.Errorf("delete calls = %v, want [%s]", h.remote.deleteCalls, sid)
	}
	if len(h.remote.tasks) != 0 {
		t.Errorf("remote still has %d tasks", len(h.remote.tasks))
	}
	if res.Deleted != 1 || h.outboxLen(t) != 0 {
		t.Errorf("second pass = %+v, outbox len %d", res, h.outboxLen(t))
	}
	all, _ := h.store.GetAllRecords(ctx)
	if len(all) != 0 {
		t.Errorf("local records = %+v", all)
	}
}

func TestSynchronize_BatchFoldsUpdatesOverCachedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Given: an update for a local record whose Create was lost but whose cache remains
	if err := h.store.PutRecord(ctx, types.Task{ID: "L1", Title: "cached", Description: "keep", Pending: true}); err != nil {
		t.Fatal(err)
	}
	done := types.StatusCompleted
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{LocalID: "L1"}, types.Changes{Status: &done}))

	if _, err := h.rec.Synchronize(ctx); err != nil {
		t.Fatal(err)
	}
	got := h.remote.tasks[h.remote.byClient["L1"]]
	if got.Title != "cached" || got.Description != "keep" || got.Status != done {
		t.Errorf("remote record = %+v", got)
	}
}

func TestSynchronize_MappedLocalUpdateGoesDirect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sid := "bbbbbbbbbbbbbbbbbbbbbbbb"
	h.remote.seed(sid, types.Fields{Title: "x"})
	if err := h.store.SetMapping(ctx, "L1", sid); err != nil {
		t.Fatal(err)
	}
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{LocalID: "L1"}, types.Changes{Title: strPtr("y")}))

	res, err := h.rec.Synchronize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.remote.bulkCalls != 0 || res.Updated != 1 {
		t.Errorf("expected one direct update and no bulk call, got %+v", res)
	}
	if h.remote.tasks[sid].Title != "y" {
		t.Error("update not applied to mapped record")
	}
}

func TestSynchronize_UnsyncedDeleteMakesNoRemoteCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if err := h.store.PutRecord(ctx, types.Task{ID: "L1", Title: "x", Pending: true}); err != nil {
		t.Fatal(err)
	}
	h.queue(t, h.outbox.NewDelete(outbox.Ref{LocalID: "L1"}))

	res, err := h.rec.Synchronize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.remote.calls() != 0 {
		t.Errorf("expected no remote calls, got %d", h.remote.calls())
	}
	if res.Collapsed != 1 || h.outboxLen(t) != 0 {
		t.Errorf("got %+v, outbox len %d", res, h.outboxLen(t))
	}
	if _, err := h.store.GetRecord(ctx, "L1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("local record should be removed")
	}
}

func TestSynchronize_CreateThenDeleteCollapses(t *testing.T) {
	h := newHarness(t)
	h.createOffline(t, "L1", "ephemeral")
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{LocalID: "L1"}, types.Changes{Title: strPtr("edited")}))
	h.queue(t, h.outbox.NewDelete(outbox.Ref{LocalID: "L1"}))

	res, err := h.rec.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.remote.calls() != 0 {
		t.Errorf("expected no remote calls, got %d", h.remote.calls())
	}
	if res.Collapsed != 3 || res.Outcome != Succeeded {
		t.Errorf("got %+v", res)
	}
	if h.outboxLen(t) != 0 {
		t.Error("outbox should be empty")
	}
}

func TestSynchronize_DeleteRemovesBothCopies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sid := "cccccccccccccccccccccccc"
	h.remote.seed(sid, types.Fields{Title: "x"})
	if err := h.store.SetMapping(ctx, "L1", sid); err != nil {
		t.Fatal(err)
	}
	if err := h.store.PutRecord(ctx, types.Task{ID: sid, Title: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.PutRecord(ctx, types.Task{ID: "L1", Title: "stale copy"}); err != nil {
		t.Fatal(err)
	}
	h.queue(t, h.outbox.NewDelete(outbox.Ref{LocalID: "L1"}))

	res, err := h.rec.Synchronize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 || len(h.remote.deleteCalls) != 1 || h.remote.deleteCalls[0] != sid {
		t.Errorf("got %+v, delete calls %v", res, h.remote.deleteCalls)
	}
	all, _ := h.store.GetAllRecords(ctx)
	if len(all) != 0 {
		t.Errorf("expected no local records, got %+v", all)
	}
}

func TestSynchronize_DeleteOfMissingRemoteRecordSucceeds(t *testing.T) {
	h := newHarness(t)
	h.queue(t, h.outbox.NewDelete(outbox.Ref{ServerID: "dddddddddddddddddddddddd"}))

	res, err := h.rec.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Succeeded || h.outboxLen(t) != 0 {
		t.Errorf("got %+v", res)
	}
}

func TestSynchronize_DirectUpdateBeforeDeleteIsSkipped(t *testing.T) {
	h := newHarness(t)
	sid := "eeeeeeeeeeeeeeeeeeeeeeee"
	h.remote.seed(sid, types.Fields{Title: "x"})
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{ServerID: sid}, types.Changes{Title: strPtr("y")}))
	h.queue(t, h.outbox.NewDelete(outbox.Ref{ServerID: sid}))

	if _, err := h.rec.Synchronize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.remote.updateCalls != 0 {
		t.Errorf("update should be skipped, got %d calls", h.remote.updateCalls)
	}
	if len(h.remote.deleteCalls) != 1 {
		t.Errorf("expected one delete, got %v", h.remote.deleteCalls)
	}
}

func TestSynchronize_BatchFailureDefersDeletesAndKeepsOutbox(t *testing.T) {
	h := newHarness(t)
	unrelated := "ffffffffffffffffffffffff"
	h.remote.seed(unrelated, types.Fields{Title: "x"})
	h.remote.bulkErr = &remote.Error{Op: "bulk sync", StatusCode: http.StatusServiceUnavailable, Transient: true}

	h.createOffline(t, "L1", "Buy milk")
	h.queue(t, h.outbox.NewDelete(outbox.Ref{ServerID: unrelated}))

	res, err := h.rec.Synchronize(context.Background())
	if err != nil {
		t.Fatalf("remote failures must not surface as errors: %v", err)
	}
	if res.Outcome != PartiallyFailed || !res.Failed() {
		t.Errorf("got outcome %s", res.Outcome)
	}
	if len(h.remote.deleteCalls) != 0 {
		t.Errorf("deletes should not be attempted, got %v", h.remote.deleteCalls)
	}
	if h.outboxLen(t) != 2 || res.Retained != 2 {
		t.Errorf("outbox should be intact, len %d retained %d", h.outboxLen(t), res.Retained)
	}
}

func TestSynchronize_TransientUpdateFailureRetainsOutbox(t *testing.T) {
	h := newHarness(t)
	h.remote.updateErr = &remote.Error{Op: "update task", Transient: true, Err: errors.New("connection reset")}
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{ServerID: "aaaaaaaaaaaaaaaaaaaaaaaa"}, types.Changes{Title: strPtr("y")}))
	h.createOffline(t, "L1", "still batched")

	res, err := h.rec.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != PartiallyFailed {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if h.remote.bulkCalls != 1 {
		t.Error("batch should still be attempted")
	}
	if h.outboxLen(t) != 2 {
		t.Errorf("outbox len = %d, want 2", h.outboxLen(t))
	}
}

func TestSynchronize_PermanentUpdateFailureIsDropped(t *testing.T) {
	h := newHarness(t)
	// record absent remotely: fake answers 404
	h.queue(t, h.outbox.NewUpdate(outbox.Ref{ServerID: "aaaaaaaaaaaaaaaaaaaaaaaa"}, types.Changes{Title: strPtr("y")}))

	res, err := h.rec.Synchronize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != PartiallyFailed || res.Dropped != 1 || res.Failed() {
		t.Errorf("got %+v", res)
	}
	if h.outboxLen(t) != 0 {
		t.Error("permanently failed op should be dropped")
	}
}

func TestSynchronize_OperationQueuedMidPassSurvives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createOffline(t, "L1", "first")
	h.remote.onBulk = func() {
		h.createOffline(t, "L2", "second")
	}

	if _, err := h.rec.Synchronize(ctx); err != nil {
		t.Fatal(err)
	}
	if h.outboxLen(t) != 1 {
		t.Fatalf("outbox len = %d, want 1", h.outboxLen(t))
	}
	op, err := h.outbox.Get(ctx, outbox.CreateID("L2"))
	if err != nil || op.Target().LocalID != "L2" {
		t.Errorf("mid-pass op lost: %v %v", op, err)
	}
}

func TestSynchronize_ConcurrentCallsNeverInterleave(t *testing.T) {
	h := newHarness(t)
	h.createOffline(t, "L1", "x")

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h.remote.onBulk = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.rec.Synchronize(context.Background())
		errs <- err
	}()
	<-entered

	// While the pass is in flight, local mutations needing exclusivity are refused
	ran, err := h.rec.Exclusive(context.Background(), func(context.Context) error { return nil })
	if err != nil || ran {
		t.Errorf("Exclusive during pass: ran=%v err=%v", ran, err)
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.rec.Synchronize(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Synchronize failed: %v", err)
		}
	}
	if h.remote.bulkCalls != 1 {
		t.Errorf("bulk calls = %d, want 1", h.remote.bulkCalls)
	}
	if len(h.remote.tasks) != 1 {
		t.Errorf("remote tasks = %d, want 1", len(h.remote.tasks))
	}

	ran, err = h.rec.Exclusive(context.Background(), func(context.Context) error { return nil })
	if err != nil || !ran {
		t.Errorf("Exclusive after pass: ran=%v err=%v", ran, err)
	}
}
