// Package stub parses the packaged stub loader blobs: small programs
// uploaded into chip RAM that extend the ROM command set. The engine
// treats the binaries as opaque; this package only unpacks the document.
package stub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Blob is an unpacked stub loader image.
type Blob struct {
	Entry     uint32
	TextStart uint32
	DataStart uint32
	Text      []byte
	Data      []byte
}

type blobDoc struct {
	Entry     uint32 `json:"entry"`
	TextStart uint32 `json:"text_start"`
	DataStart uint32 `json:"data_start"`
	Text      string `json:"text"`
	Data      string `json:"data"`
}

// Parse unpacks a stub blob document. The document is JSON with integer
// entry/text_start/data_start fields and base64 text/data sections.
func Parse(doc []byte) (*Blob, error) {
	var d blobDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("failed to parse stub document: %w", err)
	}

	text, err := base64.StdEncoding.DecodeString(d.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stub text section: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stub data section: %w", err)
	}
	if len(text) == 0 {
		return nil, fmt.Errorf("stub document has no text section")
	}

	return &Blob{
		Entry:     d.Entry,
		TextStart: d.TextStart,
		DataStart: d.DataStart,
		Text:      text,
		Data:      data,
	}, nil
}

// Loader resolves a chip's stub reference to its blob. Implementations
// load from disk, embedded assets or any other source.
type Loader interface {
	Load(name string) (*Blob, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(name string) (*Blob, error)

func (f LoaderFunc) Load(name string) (*Blob, error) {
	return f(name)
}
