// Package upload implements the attachment upload pipeline: a draft message
// is persisted synchronously, the payload is normalized and measured, and the
// content either travels in-band inside the message or is shipped through the
// large-file transport, ending in exactly one terminal outcome per draft.
package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"

	"github.com/tinode/tinmedia/internal/drafts"
	"github.com/tinode/tinmedia/internal/drafty"
	"github.com/tinode/tinmedia/internal/metrics"
	"github.com/tinode/tinmedia/internal/session"
)

var log = logging.Logger("upload")

// Kind selects the handling path for a job's content.
type Kind int

const (
	KindFile Kind = iota
	KindImage
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "file"
	}
}

// Outcome is the single terminal result of a job.
type Outcome struct {
	DraftID  int64
	Topic    string
	Err      error // nil on success
	Canceled bool
}

// ProgressFunc receives advisory progress updates. Calls may be coalesced or
// dropped by the observer without affecting correctness.
type ProgressFunc func(draftID, sent, total int64)

// OutcomeFunc receives the terminal outcome of each job.
type OutcomeFunc func(Outcome)

type job struct {
	id        int64
	topic     string
	kind      Kind
	src       Source
	caption   string
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc

	// Set when a re-enqueue replaced this job: it must not produce an
	// outcome or touch the draft; the replacement owns both.
	superseded atomic.Bool
}

// Manager owns the in-process job table, keyed by draft id. Re-enqueueing an
// id replaces the running job, so a retry never forks a duplicate upload.
type Manager struct {
	sess         session.Session
	store        *drafts.Store
	newTransport TransportFactory
	met          *metrics.Metrics

	sem         *semaphore.Weighted
	maxImageDim int

	onProgress ProgressFunc
	onOutcome  OutcomeFunc

	mu   sync.Mutex
	jobs map[int64]*job
	wg   sync.WaitGroup
}

// Options configures a Manager.
type Options struct {
	MaxConcurrent int // concurrently running jobs; others queue
	MaxImageDim   int // downscale bound for image jobs, 0 disables
	Progress      ProgressFunc
	Outcome       OutcomeFunc
	Metrics       *metrics.Metrics
}

// New creates an upload manager.
func New(sess session.Session, store *drafts.Store, factory TransportFactory, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Manager{
		sess:         sess,
		store:        store,
		newTransport: factory,
		met:          opts.Metrics,
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		maxImageDim:  opts.MaxImageDim,
		onProgress:   opts.Progress,
		onOutcome:    opts.Outcome,
		jobs:         make(map[int64]*job),
	}
}

// Enqueue creates the draft message synchronously, so the conversation view
// can show a placeholder immediately, then schedules the upload. Returns the
// draft id, which is also the job key.
func (m *Manager) Enqueue(topic string, kind Kind, src Source, caption string) (int64, error) {
	id, err := m.store.CreateDraft(topic)
	if err != nil {
		return 0, err
	}
	m.startJob(id, topic, kind, src, caption)
	return id, nil
}

// Requeue re-enqueues a job for an existing draft, replacing any job still
// running under the same id. The draft must not have reached a terminal
// state.
func (m *Manager) Requeue(draftID int64, kind Kind, src Source, caption string) error {
	d, err := m.store.Get(draftID)
	if err != nil {
		return err
	}
	if d.Status != drafts.StatusDraft {
		return drafts.ErrFinalized
	}
	m.startJob(draftID, d.Topic, kind, src, caption)
	return nil
}

func (m *Manager) startJob(id int64, topic string, kind Kind, src Source, caption string) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:        id,
		topic:     topic,
		kind:      kind,
		src:       src,
		caption:   caption,
		transport: m.newTransport(),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.mu.Lock()
	if old, ok := m.jobs[id]; ok {
		old.superseded.Store(true)
		old.transport.Cancel()
		old.cancel()
		log.Infof("job %d: replaced by re-enqueue", id)
	}
	m.jobs[id] = j
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(j)
}

// Cancel interrupts a job. The blocking upload notices the transport's
// cancel flag at chunk granularity; the job reports a canceled outcome and
// the draft is discarded.
func (m *Manager) Cancel(draftID int64) {
	m.mu.Lock()
	j, ok := m.jobs[draftID]
	m.mu.Unlock()
	if !ok {
		return
	}
	j.transport.Cancel()
	j.cancel()
}

// Close cancels all jobs and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, j := range m.jobs {
		j.transport.Cancel()
		j.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// finish applies the single terminal transition for a job. Superseded jobs
// do nothing: the replacement owns the draft and the outcome.
func (m *Manager) finish(j *job, doc *drafty.Document, err error) {
	defer m.wg.Done()
	j.cancel()

	m.mu.Lock()
	if m.jobs[j.id] == j {
		delete(m.jobs, j.id)
	}
	m.mu.Unlock()

	if j.superseded.Load() {
		log.Debugf("job %d: superseded, suppressing outcome", j.id)
		return
	}

	out := Outcome{DraftID: j.id, Topic: j.topic, Err: err}
	switch {
	case err == nil:
		if rerr := m.store.MarkReady(j.id, doc); rerr != nil && !errors.Is(rerr, drafts.ErrFinalized) {
			log.Errorf("job %d: mark ready: %v", j.id, rerr)
			out.Err = rerr
		}
	default:
		out.Canceled = errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
		if derr := m.store.Discard(j.id); derr != nil && !errors.Is(derr, drafts.ErrFinalized) {
			log.Errorf("job %d: discard: %v", j.id, derr)
		}
	}

	switch {
	case out.Err == nil:
		m.met.UploadDone("success")
		log.Infof("job %d: attached to %s", j.id, j.topic)
	case out.Canceled:
		m.met.UploadDone("canceled")
		log.Infof("job %d: canceled", j.id)
	default:
		m.met.UploadDone("failure")
		log.Warnf("job %d: failed: %v", j.id, out.Err)
	}

	if m.onOutcome != nil {
		m.onOutcome(out)
	}
}

func (m *Manager) progress(id, sent, total int64) {
	if m.onProgress != nil {
		m.onProgress(id, sent, total)
	}
}
