package envelope

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"
)

// Decode parses an envelope from its wire format. Decode errors never
// partially return items: either the whole envelope is valid or an error
// is returned.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	line, rest, terminated := nextLine(data)
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, ErrMalformedHeader
	}

	env := &Envelope{openEnded: !terminated}
	if err := sonic.Unmarshal(line, &env.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	env.rawHeader = clone(line)
	env.decodedHeader = env.Header

	for index := 0; len(rest) > 0; index++ {
		line, rest, terminated = nextLine(rest)
		if !terminated {
			return nil, fmt.Errorf("%w: item %d header not terminated", ErrMalformedHeader, index)
		}

		var h itemHeader
		if err := sonic.Unmarshal(line, &h); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedHeader, index, err)
		}
		if h.Type == nil || *h.Type == "" {
			return nil, fmt.Errorf("%w: item %d", ErrMissingType, index)
		}
		if h.Length == nil {
			return nil, fmt.Errorf("%w: item %d", ErrMissingLength, index)
		}
		length := *h.Length
		if length < 0 || length > len(rest) {
			return nil, fmt.Errorf("%w: item %d declares %d bytes, %d available", ErrLengthMismatch, index, length, len(rest))
		}

		payload := rest[:length]
		rest = rest[length:]
		switch {
		case len(rest) == 0:
			env.openEnded = true
		case rest[0] == '\n':
			rest = rest[1:]
		default:
			return nil, fmt.Errorf("%w: item %d payload not terminated after %d bytes", ErrLengthMismatch, index, length)
		}

		env.Items = append(env.Items, &Item{
			Type:        ItemType(*h.Type),
			ContentType: h.ContentType,
			Payload:     clone(payload),
			raw:         clone(line),
			rawLen:      length,
			rawTyp:      ItemType(*h.Type),
			rawCT:       h.ContentType,
		})
	}

	return env, nil
}

// nextLine splits data at the first newline. The newline is consumed.
func nextLine(data []byte) (line, rest []byte, terminated bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return data, nil, false
	}
	return data[:i], data[i+1:], true
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
