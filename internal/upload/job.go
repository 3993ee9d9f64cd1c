package upload

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/tinode/tinmedia/internal/drafty"
	"github.com/tinode/tinmedia/internal/media"
	"github.com/tinode/tinmedia/internal/session"
	"github.com/tinode/tinmedia/internal/util"
)

// Threshold fallbacks when the server has not advertised limits.
const (
	defMaxMessageSize = 1 << 17 // 128 KiB
	defMaxUploadSize  = 1 << 23 // 8 MiB
)

var (
	ErrEmptySource = errors.New("unable to attach: empty content")
	ErrTooLarge    = errors.New("attachment too large")
)

// inBandLimit is the largest payload that still travels inside a message:
// the server message cap reduced for inline-encoding expansion, minus a flat
// envelope overhead. The formula is load-bearing; both servers and other
// clients compute the same cutoff.
func inBandLimit(maxMessageSize int64) int64 {
	return maxMessageSize*3/4 - 1024
}

// run executes one job and applies its terminal transition.
func (m *Manager) run(j *job) {
	doc, err := m.execute(j)
	m.finish(j, doc, err)
}

// execute performs the pipeline steps in order. It returns the finished
// document on success; any error is terminal for this job.
func (m *Manager) execute(j *job) (*drafty.Document, error) {
	if err := m.sem.Acquire(j.ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	// Jobs require connectivity; queue until the session is online.
	if err := m.sess.WaitOnline(j.ctx); err != nil {
		return nil, fmt.Errorf("waiting for session: %w", err)
	}

	name := j.src.Name()
	mimeType := j.src.Mime()

	size, err := j.src.Size()
	if err != nil || size < 0 {
		// Metadata could not size the content; measure it directly.
		size, err = measure(j.src)
		if err != nil {
			return nil, err
		}
	}
	if size == 0 {
		return nil, ErrEmptySource
	}

	// Image payloads are rewritten before the size decision: orientation
	// baked in, oversized dimensions downscaled.
	var payload []byte
	width, height := 0, 0
	if j.kind == KindImage {
		raw, err := readAll(j.src)
		if err != nil {
			return nil, err
		}
		img, err := media.Normalize(raw, media.Options{
			MaxDim:          m.maxImageDim,
			OrientationHint: j.src.OrientationHint(),
		})
		if err != nil {
			return nil, err
		}
		payload = img.Data
		mimeType = img.Mime
		width, height = img.Width, img.Height
		size = int64(len(payload))
	}

	// Thresholds are fetched fresh per job: they are server-negotiated and
	// can change across reconnects.
	inBand := inBandLimit(m.sess.ServerLimit(session.LimitMaxMessageSize, defMaxMessageSize))
	uploadCap := m.sess.ServerLimit(session.LimitMaxFileUploadSize, defMaxUploadSize)

	if size > uploadCap {
		return nil, fmt.Errorf("%w: %s exceeds the %s limit",
			ErrTooLarge, util.HumanSize(size), util.HumanSize(uploadCap))
	}

	if size <= inBand {
		if payload == nil {
			if payload, err = readAll(j.src); err != nil {
				return nil, err
			}
		}
		return m.inBandDocument(j, payload, mimeType, name, width, height)
	}
	return m.outOfBand(j, payload, mimeType, name, size, width, height)
}

// inBandDocument wraps a small payload directly into message content. No
// network transport is involved beyond the normal message-send path.
func (m *Manager) inBandDocument(j *job, payload []byte, mimeType, name string, width, height int) (*drafty.Document, error) {
	var doc *drafty.Document
	if j.kind == KindImage {
		doc = drafty.InlineImage(j.caption, mimeType, payload, width, height, name, "", int64(len(payload)))
	} else {
		doc = drafty.InlineFile(j.caption, mimeType, payload, name)
	}
	if err := m.store.UpdateContent(j.id, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// outOfBand ships the payload through the large-file transport and builds
// the by-reference document from the server's response.
func (m *Manager) outOfBand(j *job, payload []byte, mimeType, name string, size int64, width, height int) (*drafty.Document, error) {
	// Placeholder reference so the draft renders as "uploading" right away.
	ref := fmt.Sprintf("mid:uploading-%d", j.id)
	var placeholder *drafty.Document
	if j.kind == KindImage {
		placeholder = drafty.InlineImage(j.caption, mimeType, nil, width, height, name, ref, size)
	} else {
		placeholder = drafty.Attachment(j.caption, mimeType, name, ref, size, "")
	}
	if err := m.store.UpdateContent(j.id, placeholder); err != nil {
		return nil, err
	}
	m.progress(j.id, 0, size)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	} else {
		rc, err := j.src.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		reader = rc
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	reader = io.TeeReader(reader, hasher)

	res, err := j.transport.Upload(reader, name, mimeType, size, func(sent, total int64) {
		m.progress(j.id, sent, total)
	})
	if err != nil {
		return nil, err
	}
	m.met.UploadBytes(size)
	digest := hex.EncodeToString(hasher.Sum(nil))

	var doc *drafty.Document
	switch j.kind {
	case KindImage:
		doc = drafty.InlineImage(j.caption, mimeType, nil, width, height, name, res.URL, res.Size)
	case KindVideo:
		doc = drafty.VideoRef(j.caption, mimeType, name, res.URL, res.Size, digest)
	default:
		doc = drafty.Attachment(j.caption, mimeType, name, res.URL, res.Size, digest)
	}
	if err := m.store.UpdateContent(j.id, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
