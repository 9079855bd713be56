package plist

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	indentUnit = "  " // two-space indent, spec.md §4.D
	crlf       = "\r\n"
	dataWidth  = 76 // base64 wrap column used by kextcache's own plist writer
)

// Serialize renders n as a complete canonical plist document: two-space
// indent, CRLF line endings, and <integer size="64"> preserved for any
// node whose Int64 flag is set. The canonical form is designed to
// round-trip byte-identically for the plist subset kextcache produces
// (spec.md §4.D, §8's round-trip law).
func Serialize(root *Node) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + crlf)
	sb.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + crlf)
	sb.WriteString(`<plist version="1.0">` + crlf)
	writeNode(&sb, root, 1)
	sb.WriteString(`</plist>` + crlf)
	return sb.String()
}

func indent(sb *strings.Builder, depth int) {
	for i := 0; i < depth; i++ {
		sb.WriteString(indentUnit)
	}
}

func writeNode(sb *strings.Builder, n *Node, depth int) {
	switch n.Kind {
	case KindDict:
		indent(sb, depth)
		sb.WriteString("<dict>" + crlf)
		for _, k := range n.Keys {
			indent(sb, depth+1)
			sb.WriteString("<key>" + escapeText(k) + "</key>" + crlf)
			writeNode(sb, n.Values[k], depth+1)
		}
		indent(sb, depth)
		sb.WriteString("</dict>" + crlf)
	case KindArray:
		indent(sb, depth)
		sb.WriteString("<array>" + crlf)
		for _, item := range n.Items {
			writeNode(sb, item, depth+1)
		}
		indent(sb, depth)
		sb.WriteString("</array>" + crlf)
	case KindString:
		indent(sb, depth)
		sb.WriteString("<string>" + escapeText(n.Str) + "</string>" + crlf)
	case KindInteger:
		indent(sb, depth)
		if n.Int64 && n.Int < 0 {
			// Parse stores values above the signed range (kernel addresses)
			// as their bit pattern; write them back unsigned, as read.
			sb.WriteString(fmt.Sprintf(`<integer size="64">%d</integer>`, uint64(n.Int)) + crlf)
		} else if n.Int64 {
			sb.WriteString(fmt.Sprintf(`<integer size="64">%d</integer>`, n.Int) + crlf)
		} else {
			sb.WriteString(fmt.Sprintf("<integer>%d</integer>", n.Int) + crlf)
		}
	case KindBool:
		indent(sb, depth)
		if n.Bool {
			sb.WriteString("<true/>" + crlf)
		} else {
			sb.WriteString("<false/>" + crlf)
		}
	case KindData:
		indent(sb, depth)
		sb.WriteString("<data>" + crlf)
		writeWrappedBase64(sb, n.Data, depth+1)
		indent(sb, depth)
		sb.WriteString("</data>" + crlf)
	}
}

func writeWrappedBase64(sb *strings.Builder, data []byte, depth int) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for i := 0; i < len(encoded); i += dataWidth {
		end := i + dataWidth
		if end > len(encoded) {
			end = len(encoded)
		}
		indent(sb, depth)
		sb.WriteString(encoded[i:end])
		sb.WriteString(crlf)
	}
}

func escapeText(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}
