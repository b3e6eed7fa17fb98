// Package extract turns upstream payloads of unknown shape into an ordered
// tree and pulls text out of it.
//
// Decoding goes through json.Decoder tokens instead of map[string]any so that
// mapping keys keep the order the upstream sent them in.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

type Kind uint8

const (
	Other Kind = iota
	String
	Mapping
	Sequence
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Mapping:
		return "mapping"
	case Sequence:
		return "sequence"
	default:
		return "other"
	}
}

type Field struct {
	Key   string
	Value Node
}

// Node is one value of a decoded payload. Only the fields matching Kind are set.
type Node struct {
	Kind   Kind
	Str    string  // String
	Raw    string  // Other: number, bool or null literal
	Fields []Field // Mapping, in document order
	Items  []Node  // Sequence
}

const maxDepth = 256

var ErrTrailingData = errors.New("extract: trailing data after value")

// Parse decodes exactly one JSON value.
func Parse(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	n, err := parseValue(dec, 0)
	if err != nil {
		return Node{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Node{}, ErrTrailingData
	}
	return n, nil
}

// Decode reads the next value from a decoder positioned between values, as
// the element loop of a streamed JSON array does.
func Decode(dec *json.Decoder) (Node, error) {
	return parseValue(dec, 0)
}

func parseValue(dec *json.Decoder, depth int) (Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return Node{}, err
	}
	return parseToken(dec, tok, depth)
}

func parseToken(dec *json.Decoder, tok json.Token, depth int) (Node, error) {
	if depth > maxDepth {
		return Node{}, fmt.Errorf("extract: nesting deeper than %d", maxDepth)
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			n := Node{Kind: Mapping}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Node{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Node{}, fmt.Errorf("extract: unexpected key token %v", kt)
				}
				v, err := parseValue(dec, depth+1)
				if err != nil {
					return Node{}, err
				}
				n.Fields = append(n.Fields, Field{Key: key, Value: v})
			}
			if _, err := dec.Token(); err != nil {
				return Node{}, err
			}
			return n, nil

		case '[':
			n := Node{Kind: Sequence}
			for dec.More() {
				v, err := parseValue(dec, depth+1)
				if err != nil {
					return Node{}, err
				}
				n.Items = append(n.Items, v)
			}
			if _, err := dec.Token(); err != nil {
				return Node{}, err
			}
			return n, nil
		}
		return Node{}, fmt.Errorf("extract: unexpected delimiter %q", rune(t))

	case string:
		return Node{Kind: String, Str: t}, nil
	case json.Number:
		return Node{Kind: Other, Raw: t.String()}, nil
	case bool:
		return Node{Kind: Other, Raw: strconv.FormatBool(t)}, nil
	case nil:
		return Node{Kind: Other, Raw: "null"}, nil
	}
	return Node{}, fmt.Errorf("extract: unexpected token %T", tok)
}

// Get returns the first field named key of a mapping.
func (n Node) Get(key string) (Node, bool) {
	if n.Kind != Mapping {
		return Node{}, false
	}
	for _, f := range n.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Node{}, false
}

func (n Node) Has(key string) bool {
	_, ok := n.Get(key)
	return ok
}

func (n Node) Index(i int) (Node, bool) {
	if n.Kind != Sequence || i < 0 || i >= len(n.Items) {
		return Node{}, false
	}
	return n.Items[i], true
}

// Path walks mapping keys (string) and sequence indexes (int).
func (n Node) Path(steps ...any) (Node, bool) {
	cur := n
	for _, s := range steps {
		var ok bool
		switch v := s.(type) {
		case string:
			cur, ok = cur.Get(v)
		case int:
			cur, ok = cur.Index(v)
		}
		if !ok {
			return Node{}, false
		}
	}
	return cur, true
}

// StringAt is Path followed by a string check.
func (n Node) StringAt(steps ...any) (string, bool) {
	v, ok := n.Path(steps...)
	if !ok || v.Kind != String {
		return "", false
	}
	return v.Str, true
}

// IntAt is Path followed by an integer conversion of a number literal.
func (n Node) IntAt(steps ...any) (int, bool) {
	v, ok := n.Path(steps...)
	if !ok || v.Kind != Other {
		return 0, false
	}
	i, err := strconv.Atoi(v.Raw)
	if err != nil {
		return 0, false
	}
	return i, true
}

func (n Node) BoolAt(steps ...any) bool {
	v, ok := n.Path(steps...)
	return ok && v.Kind == Other && v.Raw == "true"
}
