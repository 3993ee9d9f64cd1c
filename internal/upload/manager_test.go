package upload

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinode/tinmedia/internal/drafts"
	"github.com/tinode/tinmedia/internal/drafty"
	"github.com/tinode/tinmedia/internal/session"
)

// fakeSession satisfies session.Session with configurable server limits.
type fakeSession struct {
	mu     sync.Mutex
	limits map[string]int64
}

func (f *fakeSession) Attach(context.Context, string, *session.MetaQuery) (*session.Ctrl, error) {
	return &session.Ctrl{Code: 200}, nil
}

func (f *fakeSession) Publish(context.Context, string, map[string]any, any) (*session.Ctrl, error) {
	return &session.Ctrl{Code: 202}, nil
}

func (f *fakeSession) Notify(string, map[string]any) error { return nil }

func (f *fakeSession) InfoEvents() (<-chan *session.InfoEvent, func()) {
	ch := make(chan *session.InfoEvent)
	return ch, func() {}
}

func (f *fakeSession) Online() bool                     { return true }
func (f *fakeSession) WaitOnline(context.Context) error { return nil }
func (f *fakeSession) AuthHeaders() http.Header         { return http.Header{} }

func (f *fakeSession) ServerLimit(key string, def int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.limits[key]; ok {
		return v
	}
	return def
}

func (f *fakeSession) setLimit(key string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limits == nil {
		f.limits = make(map[string]int64)
	}
	f.limits[key] = v
}

// fakeTransport records uploads. With block set, Upload parks until the
// transport is canceled.
type fakeTransport struct {
	mu       sync.Mutex
	canceled bool
	calls    int
	received int64
	block    bool
}

func newFakeTransport(block bool) *fakeTransport {
	return &fakeTransport{block: block}
}

func (t *fakeTransport) Upload(r io.Reader, name, mime string, size int64, progress func(sent, total int64)) (*Result, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()

	if t.block {
		for !t.IsCanceled() {
			time.Sleep(10 * time.Millisecond)
		}
		return nil, ErrCanceled
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.received = n
	t.mu.Unlock()
	if progress != nil {
		progress(n, size)
	}
	return &Result{URL: "/v0/file/s/fake", Size: n}, nil
}

func (t *fakeTransport) Cancel() {
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
}

func (t *fakeTransport) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type fixture struct {
	sess       *fakeSession
	store      *drafts.Store
	mgr        *Manager
	outcomes   chan Outcome
	mu         sync.Mutex
	transports []*fakeTransport
	blockNext  bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := drafts.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		sess:     &fakeSession{},
		store:    store,
		outcomes: make(chan Outcome, 16),
	}
	factory := func() Transport {
		f.mu.Lock()
		tr := newFakeTransport(f.blockNext)
		f.transports = append(f.transports, tr)
		f.mu.Unlock()
		return tr
	}
	f.mgr = New(f.sess, store, factory, Options{
		MaxConcurrent: 2,
		Outcome:       func(out Outcome) { f.outcomes <- out },
	})
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

func (f *fixture) waitOutcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case out := <-f.outcomes:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job outcome")
		return Outcome{}
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestSmallFileTravelsInBand(t *testing.T) {
	f := newFixture(t)
	// maxMessageSize 128 KiB: in-band cutoff is 97 KiB, well above 50 KB.
	f.sess.setLimit(session.LimitMaxMessageSize, 1<<17)

	src := &BytesSource{FileName: "note.txt", MimeType: "text/plain", Data: payload(50_000)}
	id, err := f.mgr.Enqueue("grpTest", KindFile, src, "")
	require.NoError(t, err)

	out := f.waitOutcome(t)
	require.NoError(t, out.Err)
	assert.Equal(t, id, out.DraftID)

	// No large-file transport involved.
	assert.Equal(t, 0, f.transport(0).callCount())

	d, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusReady, d.Status)
	require.NotNil(t, d.Content)
	require.Len(t, d.Content.Ent, 1)
	assert.Contains(t, d.Content.Ent[0].Data, "val")
	assert.NotContains(t, d.Content.Ent[0].Data, "ref")
}

func TestInBandBoundary(t *testing.T) {
	f := newFixture(t)
	f.sess.setLimit(session.LimitMaxMessageSize, 4096) // cutoff: 4096*3/4-1024 = 2048

	// Exactly at the cutoff: in-band.
	_, err := f.mgr.Enqueue("grpTest", KindFile,
		&BytesSource{FileName: "a.bin", Data: payload(2048)}, "")
	require.NoError(t, err)
	require.NoError(t, f.waitOutcome(t).Err)
	assert.Equal(t, 0, f.transport(0).callCount())

	// One byte over: out-of-band.
	id2, err := f.mgr.Enqueue("grpTest", KindFile,
		&BytesSource{FileName: "b.bin", Data: payload(2049)}, "")
	require.NoError(t, err)
	require.NoError(t, f.waitOutcome(t).Err)
	assert.Equal(t, 1, f.transport(1).callCount())
	assert.Equal(t, int64(2049), f.transport(1).received)

	d, err := f.store.Get(id2)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusReady, d.Status)
	assert.Equal(t, "/v0/file/s/fake", d.Content.Ent[0].Data["ref"])
	assert.Contains(t, d.Content.Ent[0].Data, "digest")
}

func TestOversizeRejectedWithReadableError(t *testing.T) {
	f := newFixture(t)
	f.sess.setLimit(session.LimitMaxFileUploadSize, 1<<23) // 8 MiB

	id, err := f.mgr.Enqueue("grpTest", KindFile,
		&BytesSource{FileName: "big.iso", Data: payload(20 << 20)}, "")
	require.NoError(t, err)

	out := f.waitOutcome(t)
	require.ErrorIs(t, out.Err, ErrTooLarge)
	assert.Contains(t, out.Err.Error(), "20.0 MB")
	assert.Contains(t, out.Err.Error(), "8.0 MB")
	assert.False(t, out.Canceled)

	// No bytes hit the transport and the draft is discarded.
	assert.Equal(t, 0, f.transport(0).callCount())
	d, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusDiscarded, d.Status)
}

func TestUploadCapBoundary(t *testing.T) {
	f := newFixture(t)
	f.sess.setLimit(session.LimitMaxMessageSize, 4096) // in-band cutoff: 2048
	f.sess.setLimit(session.LimitMaxFileUploadSize, 4096)

	// Exactly at the cap: accepted and shipped out-of-band.
	id, err := f.mgr.Enqueue("grpTest", KindFile,
		&BytesSource{FileName: "cap.bin", Data: payload(4096)}, "")
	require.NoError(t, err)
	require.NoError(t, f.waitOutcome(t).Err)
	assert.Equal(t, 1, f.transport(0).callCount())
	assert.Equal(t, int64(4096), f.transport(0).received)
	d, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusReady, d.Status)

	// One byte over the cap: rejected before any bytes move.
	id2, err := f.mgr.Enqueue("grpTest", KindFile,
		&BytesSource{FileName: "over.bin", Data: payload(4097)}, "")
	require.NoError(t, err)
	out := f.waitOutcome(t)
	require.ErrorIs(t, out.Err, ErrTooLarge)
	assert.Equal(t, 0, f.transport(1).callCount())
	d2, err := f.store.Get(id2)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusDiscarded, d2.Status)
}

func TestEmptySourceRejected(t *testing.T) {
	f := newFixture(t)
	id, err := f.mgr.Enqueue("grpTest", KindFile,
		&BytesSource{FileName: "empty.txt"}, "")
	require.NoError(t, err)

	out := f.waitOutcome(t)
	require.ErrorIs(t, out.Err, ErrEmptySource)

	d, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusDiscarded, d.Status)
}

func TestRequeueReplacesRunningJob(t *testing.T) {
	f := newFixture(t)
	f.sess.setLimit(session.LimitMaxMessageSize, 4096)

	// First job parks inside the transport.
	f.blockNext = true
	id, err := f.mgr.Enqueue("grpTest", KindFile,
		&BytesSource{FileName: "v1.bin", Data: payload(10_000)}, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.transport(0).callCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	// Retry under the same draft id.
	f.mu.Lock()
	f.blockNext = false
	f.mu.Unlock()
	require.NoError(t, f.mgr.Requeue(id, KindFile,
		&BytesSource{FileName: "v2.bin", Data: payload(10_000)}, ""))

	// Exactly one outcome: the replacement's. The superseded job is canceled
	// and stays silent.
	out := f.waitOutcome(t)
	require.NoError(t, out.Err)
	assert.Equal(t, id, out.DraftID)

	select {
	case extra := <-f.outcomes:
		t.Fatalf("unexpected second outcome: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}

	assert.True(t, f.transport(0).IsCanceled())
	d, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusReady, d.Status)
}

func TestRequeueRejectsFinalizedDraft(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.CreateDraft("grpTest")
	require.NoError(t, err)
	require.NoError(t, f.store.MarkReady(id, nil))

	err = f.mgr.Requeue(id, KindFile, &BytesSource{FileName: "x", Data: payload(10)}, "")
	require.ErrorIs(t, err, drafts.ErrFinalized)
}

func TestCancelDiscardsDraft(t *testing.T) {
	f := newFixture(t)
	f.sess.setLimit(session.LimitMaxMessageSize, 4096)

	f.blockNext = true
	id, err := f.mgr.Enqueue("grpTest", KindFile,
		&BytesSource{FileName: "slow.bin", Data: payload(10_000)}, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.transport(0).callCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	f.mgr.Cancel(id)

	out := f.waitOutcome(t)
	assert.True(t, out.Canceled)
	d, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, drafts.StatusDiscarded, d.Status)
}

func TestInBandLimitFormula(t *testing.T) {
	// The cutoff formula is shared with servers and other clients and must
	// not drift.
	assert.Equal(t, int64(2048), inBandLimit(4096))
	assert.Equal(t, int64(97_280), inBandLimit(1<<17))
	assert.Equal(t, int64(-1024), inBandLimit(0))
}
