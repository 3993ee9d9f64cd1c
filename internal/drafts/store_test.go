package drafts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinode/tinmedia/internal/drafty"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDraftLifecycle(t *testing.T) {
	s := openStore(t)

	id, err := s.CreateDraft("grpTest")
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	d, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, d.Status)
	assert.Equal(t, "grpTest", d.Topic)

	doc := drafty.FromPlainText("uploading")
	require.NoError(t, s.UpdateContent(id, doc))

	require.NoError(t, s.MarkReady(id, drafty.FromPlainText("done")))
	d, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, d.Status)
}

func TestTerminalStatesAreExclusive(t *testing.T) {
	s := openStore(t)

	id, err := s.CreateDraft("grpTest")
	require.NoError(t, err)
	require.NoError(t, s.MarkReady(id, nil))

	// A finalized draft accepts no further transitions.
	assert.ErrorIs(t, s.Discard(id), ErrFinalized)
	assert.ErrorIs(t, s.MarkReady(id, nil), ErrFinalized)
	assert.ErrorIs(t, s.UpdateContent(id, drafty.FromPlainText("late")), ErrFinalized)

	id2, err := s.CreateDraft("grpTest")
	require.NoError(t, err)
	require.NoError(t, s.Discard(id2))
	assert.ErrorIs(t, s.MarkReady(id2, nil), ErrFinalized)
	assert.ErrorIs(t, s.Discard(id2), ErrFinalized)
}

func TestUnknownDraft(t *testing.T) {
	s := openStore(t)
	assert.ErrorIs(t, s.MarkReady(999, nil), ErrNotFound)
	assert.ErrorIs(t, s.Discard(999), ErrNotFound)
	_, err := s.Get(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingDrafts(t *testing.T) {
	s := openStore(t)

	a, err := s.CreateDraft("grpA")
	require.NoError(t, err)
	b, err := s.CreateDraft("grpA")
	require.NoError(t, err)
	_, err = s.CreateDraft("grpB")
	require.NoError(t, err)
	require.NoError(t, s.Discard(b))

	pending, err := s.PendingDrafts("grpA")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a, pending[0].ID)
}

func TestReadyDrafts(t *testing.T) {
	s := openStore(t)

	id, err := s.CreateDraft("grpA")
	require.NoError(t, err)
	require.NoError(t, s.MarkReady(id, drafty.FromPlainText("sent me")))
	_, err = s.CreateDraft("grpA")
	require.NoError(t, err)

	ready, err := s.ReadyDrafts()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, id, ready[0].ID)
	require.NotNil(t, ready[0].Content)
	assert.Equal(t, "sent me", ready[0].Content.Txt)
}
