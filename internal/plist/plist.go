// Package plist implements the streaming XML plist DOM and canonical
// serializer spec.md §4.D requires. No generic plist library in the pack
// (github.com/blacktop/go-plist, howett.net/plist) promises the exact
// byte-for-byte round-trip the catalog rewrite needs (two-space indent,
// CRLF, size-tagged integers) — both are happy-path struct marshalers
// whose output shape the library controls, not the caller (see
// DESIGN.md). This package is built on stdlib encoding/xml, the same way
// the teacher builds its own narrow, purpose-specific parsers rather than
// reaching for a one-size-fits-all library when the format has a fixed,
// caller-owned contract.
package plist

import (
	"encoding/base64"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// Kind identifies a Node's XML tag.
type Kind int

const (
	KindDict Kind = iota
	KindArray
	KindString
	KindInteger
	KindData
	KindBool
)

// Node is one element of the plist DOM. Dict/Array nodes carry children;
// leaf nodes carry Str/Int/Data/Bool. Int64 records whether the integer
// was read (or should be written) with size="64", so the canonical
// serializer can reproduce it faithfully (spec.md §4.D).
type Node struct {
	Kind Kind

	// KindDict
	Keys   []string
	Values map[string]*Node

	// KindArray
	Items []*Node

	Str   string
	Int   int64
	Int64 bool
	Data  []byte
	Bool  bool
}

func NewDict() *Node  { return &Node{Kind: KindDict, Values: map[string]*Node{}} }
func NewArray() *Node { return &Node{Kind: KindArray} }
func NewString(s string) *Node { return &Node{Kind: KindString, Str: s} }
func NewBool(b bool) *Node     { return &Node{Kind: KindBool, Bool: b} }

func NewInteger(v int64, wide bool) *Node {
	if !wide && (v > 1<<31-1 || v < -(1<<31)) {
		wide = true
	}
	return &Node{Kind: KindInteger, Int: v, Int64: wide}
}

func NewData(b []byte) *Node { return &Node{Kind: KindData, Data: b} }

// DictGet looks up a key in a dict node. Lookup is case-sensitive per
// spec.md §4.D.
func (n *Node) DictGet(key string) (*Node, bool) {
	if n == nil || n.Kind != KindDict {
		return nil, false
	}
	v, ok := n.Values[key]
	return v, ok
}

// DictSet inserts or overwrites key, preserving first-insertion order for
// keys that round-trip through the canonical serializer.
func (n *Node) DictSet(key string, v *Node) {
	if _, exists := n.Values[key]; !exists {
		n.Keys = append(n.Keys, key)
	}
	n.Values[key] = v
}

// ArrayAppend appends an item to an array node.
func (n *Node) ArrayAppend(v *Node) {
	n.Items = append(n.Items, v)
}

// String/IntegerValue/DataValue/BoolValue are convenience accessors with
// zero-value defaults, for callers that already validated Kind.
func (n *Node) StringValue() string { return n.Str }
func (n *Node) IntegerValue() int64 { return n.Int }
func (n *Node) DataValue() []byte   { return n.Data }
func (n *Node) BoolValue() bool     { return n.Bool }

// Parse reads a plist document per spec.md §4.D: the DOCTYPE is tolerated
// and ignored, the root must be <plist><dict>...</dict></plist>, and
// parsing is streaming/single-pass via an xml.Decoder.
func Parse(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, ockerr.New(ockerr.InputMalformed, "plist: %v", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			if se.Name.Local != "plist" {
				return nil, ockerr.New(ockerr.InputMalformed, "plist: expected <plist>, got <%s>", se.Name.Local)
			}
			break
		}
	}

	var root *Node
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, ockerr.New(ockerr.InputMalformed, "plist: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n, err := parseValue(dec, t)
			if err != nil {
				return nil, err
			}
			root = n
		case xml.EndElement:
			if t.Name.Local == "plist" {
				if root == nil {
					return nil, ockerr.New(ockerr.InputMalformed, "plist: empty document")
				}
				return root, nil
			}
		}
	}
}

func parseValue(dec *xml.Decoder, se xml.StartElement) (*Node, error) {
	switch se.Name.Local {
	case "dict":
		return parseDict(dec)
	case "array":
		return parseArray(dec)
	case "string":
		s, err := textUntilEnd(dec, se.Name.Local)
		return NewString(s), err
	case "true", "false":
		if err := skipToEnd(dec, se.Name.Local); err != nil {
			return nil, err
		}
		return NewBool(se.Name.Local == "true"), nil
	case "integer":
		s, err := textUntilEnd(dec, se.Name.Local)
		if err != nil {
			return nil, err
		}
		wide := false
		for _, a := range se.Attr {
			if a.Name.Local == "size" && a.Value == "64" {
				wide = true
			}
		}
		trimmed := strings.TrimSpace(s)
		v, perr := strconv.ParseInt(trimmed, 10, 64)
		if perr != nil {
			// Kernel virtual addresses routinely exceed the signed 64-bit
			// range (e.g. 0xffffff80xxxxxxxx); fall back to the unsigned
			// bit pattern rather than rejecting an otherwise valid 64-bit
			// plist integer.
			u, uerr := strconv.ParseUint(trimmed, 10, 64)
			if uerr != nil {
				return nil, ockerr.New(ockerr.InputMalformed, "plist: bad integer %q: %v", s, perr)
			}
			v = int64(u)
		}
		return NewInteger(v, wide), nil
	case "data":
		s, err := textUntilEnd(dec, se.Name.Local)
		if err != nil {
			return nil, err
		}
		clean := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\n', '\r':
				return -1
			}
			return r
		}, s)
		b, derr := base64.StdEncoding.DecodeString(clean)
		if derr != nil {
			return nil, ockerr.New(ockerr.InputMalformed, "plist: bad base64 data: %v", derr)
		}
		return NewData(b), nil
	default:
		return nil, ockerr.New(ockerr.InputMalformed, "plist: unrecognized top-level tag <%s>", se.Name.Local)
	}
}

func parseDict(dec *xml.Decoder) (*Node, error) {
	d := NewDict()
	var pendingKey string
	haveKey := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, ockerr.New(ockerr.InputMalformed, "plist: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "key" {
				s, err := textUntilEnd(dec, "key")
				if err != nil {
					return nil, err
				}
				pendingKey = s
				haveKey = true
				continue
			}
			if !haveKey {
				return nil, ockerr.New(ockerr.InputMalformed, "plist: dict value without preceding <key>")
			}
			v, err := parseValueOrSkip(dec, t)
			if err != nil {
				return nil, err
			}
			if v != nil {
				d.DictSet(pendingKey, v)
			}
			haveKey = false
		case xml.EndElement:
			if t.Name.Local == "dict" {
				return d, nil
			}
		}
	}
}

// parseValueOrSkip recognizes the normal value tags; an unrecognized tag
// nested inside a dict or array is skipped with no error raised to the
// caller. No warning is emitted for the skipped tag: plist.Parse has no
// logger of its own and does not report skipped tags to its caller.
func parseValueOrSkip(dec *xml.Decoder, se xml.StartElement) (*Node, error) {
	switch se.Name.Local {
	case "dict", "array", "string", "integer", "data", "true", "false":
		return parseValue(dec, se)
	default:
		return nil, skipToEnd(dec, se.Name.Local)
	}
}

func parseArray(dec *xml.Decoder) (*Node, error) {
	a := NewArray()
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, ockerr.New(ockerr.InputMalformed, "plist: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := parseValueOrSkip(dec, t)
			if err != nil {
				return nil, err
			}
			if v != nil {
				a.ArrayAppend(v)
			}
		case xml.EndElement:
			if t.Name.Local == "array" {
				return a, nil
			}
		}
	}
}

func textUntilEnd(dec *xml.Decoder, name string) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", ockerr.New(ockerr.InputMalformed, "plist: %v", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local == name {
				return sb.String(), nil
			}
		}
	}
}

func skipToEnd(dec *xml.Decoder, name string) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return ockerr.New(ockerr.InputMalformed, "plist: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == name {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == name {
				depth--
			}
		}
	}
	return nil
}
