package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrCanceled is returned by a transport whose Cancel was invoked mid-upload.
var ErrCanceled = errors.New("upload canceled")

// Result is the server's answer to a completed out-of-band upload.
type Result struct {
	URL  string
	Size int64
}

// Transport moves one large payload out-of-band. Upload blocks the calling
// goroutine until completion, failure, or cancellation; the cancel flag is
// polled inside the read loop at chunk granularity. A Transport instance is
// owned by exactly one job and never reused.
type Transport interface {
	Upload(r io.Reader, name, mime string, size int64, progress func(sent, total int64)) (*Result, error)
	Cancel()
	IsCanceled() bool
}

// TransportFactory builds a fresh Transport for one job.
type TransportFactory func() Transport

// HTTPTransport uploads via multipart POST to the platform's file endpoint.
type HTTPTransport struct {
	Endpoint string
	Headers  http.Header
	Client   *http.Client

	canceled atomic.Bool
}

// NewHTTPTransport builds a transport for one upload against endpoint, with
// auth headers from the session.
func NewHTTPTransport(endpoint string, headers http.Header) *HTTPTransport {
	return &HTTPTransport{
		Endpoint: endpoint,
		Headers:  headers,
		Client:   &http.Client{Timeout: 30 * time.Minute},
	}
}

func (t *HTTPTransport) Cancel()          { t.canceled.Store(true) }
func (t *HTTPTransport) IsCanceled() bool { return t.canceled.Load() }

// ctrlResponse mirrors the server's {ctrl} JSON reply to a file upload.
type ctrlResponse struct {
	Ctrl struct {
		Code   int            `json:"code"`
		Text   string         `json:"text"`
		Params map[string]any `json:"params"`
	} `json:"ctrl"`
}

// Upload implements Transport. The body is streamed through a pipe so the
// payload is never buffered whole; the reader side enforces cancellation and
// reports progress per chunk.
func (t *HTTPTransport) Upload(r io.Reader, name, mime string, size int64, progress func(sent, total int64)) (*Result, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		part, err := form.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		src := &meteredReader{
			r:        r,
			total:    size,
			canceled: &t.canceled,
			progress: progress,
		}
		if _, err := io.Copy(part, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequest(http.MethodPost, t.Endpoint, pr)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	for k, vs := range t.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := t.Client.Do(req)
	if err != nil {
		if t.IsCanceled() {
			return nil, ErrCanceled
		}
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	var ctrl ctrlResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&ctrl); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if ctrl.Ctrl.Code < 200 || ctrl.Ctrl.Code >= 300 {
		return nil, fmt.Errorf("upload rejected: %d %s", ctrl.Ctrl.Code, ctrl.Ctrl.Text)
	}

	res := &Result{Size: size}
	if u, ok := ctrl.Ctrl.Params["url"].(string); ok {
		res.URL = u
	}
	if res.URL == "" {
		return nil, errors.New("upload response missing url")
	}
	if sz, ok := ctrl.Ctrl.Params["size"].(float64); ok && sz > 0 {
		res.Size = int64(sz)
	}
	return res, nil
}

// meteredReader enforces the cancel flag and reports progress per chunk.
// Progress reporting is advisory: the callback may coalesce or drop updates.
type meteredReader struct {
	r        io.Reader
	sent     int64
	total    int64
	canceled *atomic.Bool
	progress func(sent, total int64)
}

func (m *meteredReader) Read(p []byte) (int, error) {
	if m.canceled.Load() {
		return 0, ErrCanceled
	}
	// Chunk granularity bounds how long a cancel can go unnoticed.
	if len(p) > 32*1024 {
		p = p[:32*1024]
	}
	n, err := m.r.Read(p)
	if n > 0 {
		m.sent += int64(n)
		if m.progress != nil {
			m.progress(m.sent, m.total)
		}
	}
	return n, err
}
