// Package tinmedia implements the media core of a messaging client: real-time
// call signaling with a WebRTC media link, and an attachment upload pipeline
// that turns local files into message content, in-band or by reference.
package tinmedia

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinode/tinmedia/internal/call"
	"github.com/tinode/tinmedia/internal/config"
	"github.com/tinode/tinmedia/internal/drafts"
	"github.com/tinode/tinmedia/internal/metrics"
	"github.com/tinode/tinmedia/internal/session"
	"github.com/tinode/tinmedia/internal/upload"
	"github.com/tinode/tinmedia/internal/util"
)

var log = logging.Logger("tinmedia")

// How many recent events the client keeps for the UI's activity log.
const eventLogSize = 128

// Event is one entry in the client's recent-activity log.
type Event struct {
	Time   time.Time
	Kind   string // "call", "upload"
	Detail string
}

// Options configures a Client beyond the config file.
type Options struct {
	Config config.Config

	// Registry receives the Prometheus collectors. nil disables metrics.
	Registry prometheus.Registerer

	// OnIncomingCall fires when a remote invite starts ringing.
	OnIncomingCall func(*call.Call)

	// OnCallState fires on every call state transition.
	OnCallState func(*call.Call, call.State)

	// OnUploadProgress receives advisory upload progress.
	OnUploadProgress upload.ProgressFunc

	// OnUploadOutcome receives the terminal outcome of each upload job.
	OnUploadOutcome upload.OutcomeFunc
}

// Client owns the messaging session and the call and upload subsystems built
// on top of it. There is exactly one Client per logged-in account; the active
// call, if any, is reached through it rather than through package state.
type Client struct {
	cfg config.Config

	sess    *session.WSClient
	store   *drafts.Store
	uploads *upload.Manager
	calls   *call.Manager
	met     *metrics.Metrics

	events *eventLog
}

// Connect dials the server and wires up the subsystems. The returned client
// is not authenticated yet; call Authenticate with a login token before
// starting calls or uploads.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	sess, err := session.Dial(ctx, cfg.Server.Addr, cfg.Server.APIKey, cfg.Server.ClientID)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Server.Addr, err)
	}

	store, err := drafts.Open(cfg.Paths.DataDir)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("opening draft store: %w", err)
	}

	var met *metrics.Metrics
	if opts.Registry != nil {
		met = metrics.New(opts.Registry)
	}

	c := &Client{
		cfg:    cfg,
		sess:   sess,
		store:  store,
		met:    met,
		events: newEventLog(eventLogSize),
	}

	endpoint := cfg.Upload.Endpoint
	if endpoint == "" {
		endpoint = deriveUploadEndpoint(cfg.Server.Addr)
	}
	factory := func() upload.Transport {
		return upload.NewHTTPTransport(endpoint, sess.AuthHeaders())
	}
	c.uploads = upload.New(sess, store, factory, upload.Options{
		MaxConcurrent: cfg.Upload.MaxConcurrent,
		MaxImageDim:   cfg.Upload.MaxImageDim,
		Metrics:       met,
		Progress:      opts.OnUploadProgress,
		Outcome: func(out upload.Outcome) {
			c.recordUpload(out)
			if opts.OnUploadOutcome != nil {
				opts.OnUploadOutcome(out)
			}
		},
	})

	c.calls = call.NewManager(sess, call.Options{
		Config:     cfg.Calls,
		Metrics:    met,
		OnIncoming: opts.OnIncomingCall,
		OnState: func(cl *call.Call, s call.State) {
			c.events.add("call", fmt.Sprintf("%s %s: %s", cl.Direction, cl.Topic, s))
			if opts.OnCallState != nil {
				opts.OnCallState(cl, s)
			}
		},
	})

	log.Infof("connected to %s", cfg.Server.Addr)
	return c, nil
}

// Authenticate marks the session as logged in with the given token. The
// token is attached to subsequent websocket requests and upload transports.
func (c *Client) Authenticate(token string) {
	c.sess.Authenticate(token)
}

// StartCall places an outgoing call on topic. Video is included unless the
// client is configured audio-only.
func (c *Client) StartCall(ctx context.Context, topic string) (*call.Call, error) {
	return c.calls.Initiate(ctx, topic, c.cfg.Calls.VideoDisabled)
}

// HandleCallInvite registers an inbound call invite identified by the invite
// message's topic and seq.
func (c *Client) HandleCallInvite(topic string, seq int, audioOnly bool) (*call.Call, error) {
	return c.calls.HandleIncoming(topic, seq, audioOnly)
}

// ActiveCall returns the current non-closed call, if any.
func (c *Client) ActiveCall() (*call.Call, bool) {
	return c.calls.Active()
}

// AttachFile queues a local file for attachment to topic. Video files are
// recognized by extension and carry playback metadata in the final message.
// Returns the draft id, used to cancel or retry the upload.
func (c *Client) AttachFile(topic, path, caption string) (int64, error) {
	kind := upload.KindFile
	if strings.HasPrefix(mime.TypeByExtension(filepath.Ext(path)), "video/") {
		kind = upload.KindVideo
	}
	return c.uploads.Enqueue(topic, kind, &upload.FileSource{Path: path}, caption)
}

// AttachImage queues a local image. orientation is the EXIF orientation tag
// when already known (for example from the platform's media picker); 0 reads
// it from the image itself.
func (c *Client) AttachImage(topic, path, caption string, orientation int) (int64, error) {
	src := &upload.FileSource{Path: path, Orientation: orientation}
	return c.uploads.Enqueue(topic, upload.KindImage, src, caption)
}

// RetryAttachment re-runs a failed or stuck upload under the same draft.
// Any job still running for that draft is replaced, never duplicated.
func (c *Client) RetryAttachment(draftID int64, path, caption string) error {
	kind := upload.KindFile
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		kind = upload.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		kind = upload.KindVideo
	}
	return c.uploads.Requeue(draftID, kind, &upload.FileSource{Path: path}, caption)
}

// CancelUpload interrupts the upload job for a draft. The draft is discarded
// once the job notices the cancellation.
func (c *Client) CancelUpload(draftID int64) {
	c.uploads.Cancel(draftID)
}

// PendingDrafts lists drafts for topic that have not reached a terminal state.
func (c *Client) PendingDrafts(topic string) ([]*drafts.Draft, error) {
	return c.store.PendingDrafts(topic)
}

// Events returns a snapshot of the recent activity log, oldest first.
func (c *Client) Events() []Event {
	return c.events.snapshot()
}

// Close hangs up the active call, cancels uploads and releases the session
// and the draft store.
func (c *Client) Close() {
	c.calls.Close()
	c.uploads.Close()
	c.sess.Close()
	if err := c.store.Close(); err != nil {
		log.Warnf("closing draft store: %v", err)
	}
}

func (c *Client) recordUpload(out upload.Outcome) {
	switch {
	case out.Err == nil:
		c.events.add("upload", fmt.Sprintf("draft %d attached to %s", out.DraftID, out.Topic))
	case out.Canceled:
		c.events.add("upload", fmt.Sprintf("draft %d canceled", out.DraftID))
	default:
		c.events.add("upload", fmt.Sprintf("draft %d failed: %v", out.DraftID, out.Err))
	}
}

type eventLog struct {
	buf *util.RingBuffer[Event]
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{buf: util.NewRingBuffer[Event](capacity)}
}

func (l *eventLog) add(kind, detail string) {
	l.buf.Push(Event{Time: time.Now(), Kind: kind, Detail: detail})
}

func (l *eventLog) snapshot() []Event { return l.buf.Snapshot() }

// deriveUploadEndpoint maps the websocket channel address onto the standard
// file upload endpoint of the same host.
func deriveUploadEndpoint(wsAddr string) string {
	httpAddr := wsAddr
	switch {
	case strings.HasPrefix(wsAddr, "wss://"):
		httpAddr = "https://" + strings.TrimPrefix(wsAddr, "wss://")
	case strings.HasPrefix(wsAddr, "ws://"):
		httpAddr = "http://" + strings.TrimPrefix(wsAddr, "ws://")
	}
	if i := strings.Index(httpAddr, "/v0/"); i >= 0 {
		httpAddr = httpAddr[:i]
	}
	return httpAddr + "/v0/file/u/"
}
