package drafty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineImageAnchored(t *testing.T) {
	doc := InlineImage("holiday", "image/jpeg", []byte{0xff, 0xd8}, 640, 480, "pic.jpg", "", 2)
	assert.Equal(t, " holiday", doc.Txt)
	require.Len(t, doc.Fmt, 1)
	assert.Equal(t, 0, doc.Fmt[0].At)
	assert.Equal(t, 1, doc.Fmt[0].Len)
	require.Len(t, doc.Ent, 1)
	assert.Equal(t, TypeImage, doc.Ent[0].Tp)
	assert.Equal(t, []byte{0xff, 0xd8}, doc.Ent[0].Data["val"])
	assert.NotContains(t, doc.Ent[0].Data, "ref")
}

func TestInlineImageByReference(t *testing.T) {
	doc := InlineImage("", "image/png", nil, 100, 100, "pic.png", "/v0/file/s/abc", 12345)
	assert.Equal(t, " ", doc.Txt)
	assert.True(t, doc.IsAttachmentOnly())
	assert.Equal(t, "/v0/file/s/abc", doc.Ent[0].Data["ref"])
	assert.NotContains(t, doc.Ent[0].Data, "val")
}

func TestAttachmentUnanchored(t *testing.T) {
	doc := Attachment("report", "application/pdf", "q3.pdf", "/v0/file/s/xyz", 1<<20, "deadbeef")
	assert.Equal(t, "report", doc.Txt)
	require.Len(t, doc.Fmt, 1)
	assert.Equal(t, -1, doc.Fmt[0].At)
	assert.Equal(t, 0, doc.Fmt[0].Len)
	assert.Equal(t, TypeFile, doc.Ent[0].Tp)
	assert.Equal(t, "deadbeef", doc.Ent[0].Data["digest"])
}

func TestAttachmentOmitsEmptyDigest(t *testing.T) {
	doc := Attachment("", "text/plain", "a.txt", "ref", 10, "")
	assert.NotContains(t, doc.Ent[0].Data, "digest")
}

func TestInlineFileSize(t *testing.T) {
	payload := []byte("hello world")
	doc := InlineFile("", "text/plain", payload, "hello.txt")
	assert.Equal(t, int64(len(payload)), doc.Ent[0].Data["size"])
	assert.True(t, doc.IsAttachmentOnly())
}

func TestVideoRefAnchored(t *testing.T) {
	doc := VideoRef("clip", "video/mp4", "clip.mp4", "/v0/file/s/v1", 5<<20, "cafe")
	assert.Equal(t, TypeVideo, doc.Ent[0].Tp)
	assert.Equal(t, 0, doc.Fmt[0].At)
	assert.Equal(t, 1, doc.Fmt[0].Len)
}

func TestIsAttachmentOnly(t *testing.T) {
	assert.False(t, FromPlainText("just text").IsAttachmentOnly())
	assert.False(t, (&Document{}).IsAttachmentOnly())
	assert.True(t, InlineFile("", "text/plain", []byte("x"), "x.txt").IsAttachmentOnly())
	assert.False(t, InlineFile("see file", "text/plain", []byte("x"), "x.txt").IsAttachmentOnly())
}
