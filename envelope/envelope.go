// Package envelope implements the framed container used to ship captured
// transactions and events.
//
// Wire format:
//
//	{"event_id":"...","sent_at":"..."}\n
//	{"type":"transaction","length":42}\n
//	<42 payload bytes>\n
//	{"type":"event","length":17}\n
//	<17 payload bytes>\n
//
// The envelope header is a single JSON object line. Every item is a JSON
// header line carrying at least "type" and "length", followed by exactly
// "length" raw bytes and a newline. The newline after the final item is
// optional on decode and reproduced on encode.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
)

// ItemType identifies the payload carried by an item.
type ItemType string

// Known item types.
const (
	ItemTransaction  ItemType = "transaction"
	ItemEvent        ItemType = "event"
	ItemSession      ItemType = "session"
	ItemAttachment   ItemType = "attachment"
	ItemClientReport ItemType = "client_report"
)

var (
	ErrMalformedHeader = errors.New("envelope: malformed header")
	ErrMissingType     = errors.New("envelope: item header missing type")
	ErrMissingLength   = errors.New("envelope: item header missing length")
	ErrLengthMismatch  = errors.New("envelope: item length does not match payload")
	ErrEmpty           = errors.New("envelope: empty input")
)

// Header is the envelope-level metadata.
type Header struct {
	EventID string    `json:"event_id,omitempty"`
	SentAt  time.Time `json:"sent_at"`
	DSN     string    `json:"dsn,omitempty"`
}

// Item is one framed payload.
type Item struct {
	Type        ItemType
	ContentType string
	Payload     []byte

	// raw holds the decoded header line so unknown keys survive re-encoding.
	raw    []byte
	rawLen int
	rawTyp ItemType
	rawCT  string
}

// itemHeader is the JSON shape of an item header line. Pointers detect
// missing required keys.
type itemHeader struct {
	Type        *string `json:"type"`
	Length      *int    `json:"length"`
	ContentType string  `json:"content_type,omitempty"`
}

type itemHeaderOut struct {
	Type        ItemType `json:"type"`
	Length      int      `json:"length"`
	ContentType string   `json:"content_type,omitempty"`
}

// Envelope is a header plus an ordered list of items.
type Envelope struct {
	Header Header
	Items  []*Item

	rawHeader     []byte
	decodedHeader Header
	openEnded     bool
}

// New creates an envelope from a header and items.
func New(header Header, items ...*Item) *Envelope {
	return &Envelope{Header: header, Items: items}
}

// NewItem creates an item of the given type.
func NewItem(typ ItemType, payload []byte) *Item {
	return &Item{Type: typ, Payload: payload}
}

// Add appends items to the envelope.
func (e *Envelope) Add(items ...*Item) {
	e.Items = append(e.Items, items...)
}

// Types returns the item types in order.
func (e *Envelope) Types() []ItemType {
	types := make([]ItemType, len(e.Items))
	for i, item := range e.Items {
		types[i] = item.Type
	}
	return types
}

// Size returns the total payload bytes carried by the envelope.
func (e *Envelope) Size() int {
	n := 0
	for _, item := range e.Items {
		n += len(item.Payload)
	}
	return n
}

// WithItems returns a shallow copy of e carrying only items. The header
// line is kept as decoded.
func (e *Envelope) WithItems(items []*Item) *Envelope {
	return &Envelope{
		Header:        e.Header,
		Items:         items,
		rawHeader:     e.rawHeader,
		decodedHeader: e.decodedHeader,
		openEnded:     e.openEnded,
	}
}

// Encode renders the envelope in wire format.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the wire format to w.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	header, err := e.headerLine()
	if err != nil {
		return cw.n, err
	}
	cw.write(header)
	if len(e.Items) > 0 || !e.openEnded {
		cw.write([]byte{'\n'})
	}

	for i, item := range e.Items {
		line, err := item.headerLine()
		if err != nil {
			return cw.n, err
		}
		cw.write(line)
		cw.write([]byte{'\n'})
		cw.write(item.Payload)
		if i < len(e.Items)-1 || !e.openEnded {
			cw.write([]byte{'\n'})
		}
	}
	return cw.n, cw.err
}

func (e *Envelope) headerLine() ([]byte, error) {
	if e.rawHeader != nil && e.Header == e.decodedHeader {
		return e.rawHeader, nil
	}
	line, err := sonic.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode header: %w", err)
	}
	return line, nil
}

func (i *Item) headerLine() ([]byte, error) {
	if i.raw != nil && i.rawLen == len(i.Payload) && i.rawTyp == i.Type && i.rawCT == i.ContentType {
		return i.raw, nil
	}
	if i.Type == "" {
		return nil, ErrMissingType
	}
	line, err := sonic.Marshal(itemHeaderOut{
		Type:        i.Type,
		Length:      len(i.Payload),
		ContentType: i.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("envelope: encode item header: %w", err)
	}
	return line, nil
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) write(p []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
}
