// Package drafty implements the rich-text-with-entities document model used
// as the wire and storage format for message content. The upload pipeline
// produces these documents; the send pipeline ships them as-is.
package drafty

import "encoding/json"

// Entity type tags.
const (
	TypeImage = "IM" // inline image, bytes or reference
	TypeFile  = "EX" // file, inline bytes or out-of-band reference
	TypeVideo = "VD" // video by reference
)

// Document is one message body: plain text plus styled spans and entities.
// JSON shape: {"txt":..., "fmt":[...], "ent":[...]}.
type Document struct {
	Txt string   `json:"txt,omitempty"`
	Fmt []Style  `json:"fmt,omitempty"`
	Ent []Entity `json:"ent,omitempty"`
}

// Style is a formatting span over Txt. Key indexes into Ent.
type Style struct {
	At  int `json:"at"`
	Len int `json:"len"`
	Key int `json:"key"`
}

// Entity is a typed attachment or decoration referenced from Fmt.
type Entity struct {
	Tp   string         `json:"tp"`
	Data map[string]any `json:"data,omitempty"`
}

// FromPlainText wraps a caption into a bare document.
func FromPlainText(txt string) *Document {
	return &Document{Txt: txt}
}

// InlineImage builds a document with one image entity. data may be nil when
// ref points at out-of-band content; exactly one of the two should be set.
// The image entity is anchored at a single replacement character so clients
// without entity support still render something.
func InlineImage(caption, mime string, data []byte, width, height int, name, ref string, size int64) *Document {
	ent := Entity{
		Tp: TypeImage,
		Data: map[string]any{
			"mime":   mime,
			"width":  width,
			"height": height,
			"name":   name,
			"size":   size,
		},
	}
	if data != nil {
		ent.Data["val"] = data
	}
	if ref != "" {
		ent.Data["ref"] = ref
	}
	return anchored(caption, ent)
}

// InlineFile builds a document carrying the whole file in-band.
func InlineFile(caption, mime string, data []byte, name string) *Document {
	return attached(caption, Entity{
		Tp: TypeFile,
		Data: map[string]any{
			"mime": mime,
			"val":  data,
			"name": name,
			"size": int64(len(data)),
		},
	})
}

// Attachment builds a document referencing out-of-band content by URL.
// digest is the hex blake2b-256 of the payload, recorded so receivers can
// verify the download.
func Attachment(caption, mime, name, ref string, size int64, digest string) *Document {
	data := map[string]any{
		"mime": mime,
		"name": name,
		"ref":  ref,
		"size": size,
	}
	if digest != "" {
		data["digest"] = digest
	}
	return attached(caption, Entity{Tp: TypeFile, Data: data})
}

// VideoRef builds a document referencing an out-of-band video by URL.
func VideoRef(caption, mime, name, ref string, size int64, digest string) *Document {
	data := map[string]any{
		"mime": mime,
		"name": name,
		"ref":  ref,
		"size": size,
	}
	if digest != "" {
		data["digest"] = digest
	}
	return anchored(caption, Entity{Tp: TypeVideo, Data: data})
}

// anchored places the entity over a one-character span at the start of the text.
func anchored(caption string, ent Entity) *Document {
	doc := &Document{
		Txt: " ",
		Fmt: []Style{{At: 0, Len: 1, Key: 0}},
		Ent: []Entity{ent},
	}
	if caption != "" {
		doc.Txt = " " + caption
	}
	return doc
}

// attached appends the entity as a zero-length span: the attachment is part
// of the message but not anchored in the visible text.
func attached(caption string, ent Entity) *Document {
	return &Document{
		Txt: caption,
		Fmt: []Style{{At: -1, Len: 0, Key: 0}},
		Ent: []Entity{ent},
	}
}

// IsAttachmentOnly reports whether the document carries no visible text.
func (d *Document) IsAttachmentOnly() bool {
	return (d.Txt == "" || d.Txt == " ") && len(d.Ent) > 0
}

// String renders the document for logging: text plus entity summary.
func (d *Document) String() string {
	b, err := json.Marshal(struct {
		Txt string `json:"txt,omitempty"`
		N   int    `json:"entities"`
	}{d.Txt, len(d.Ent)})
	if err != nil {
		return "drafty{}"
	}
	return string(b)
}
