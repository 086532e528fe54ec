package hl7

import "bytes"

const (
	segmentTerminator   byte = '\r'
	defaultFieldSep     byte = '|'
	defaultComponentSep byte = '^'

	startOfBlock byte = 0x0b
	endOfBlock   byte = 0x1c
)

// segments splits payload on CR. A bare LF is tolerated as a terminator and
// empty segments are skipped.
func segments(payload []byte) [][]byte {
	out := make([][]byte, 0, 8)
	start := 0
	for i, b := range payload {
		if b != segmentTerminator && b != '\n' {
			continue
		}
		if i > start {
			out = append(out, payload[start:i])
		}
		start = i + 1
	}
	if start < len(payload) {
		out = append(out, payload[start:])
	}
	return out
}

// fieldSeparator returns MSH-1 when payload opens with an MSH segment.
func fieldSeparator(payload []byte) byte {
	if len(payload) > 3 && bytes.HasPrefix(payload, []byte("MSH")) {
		return payload[3]
	}
	return defaultFieldSep
}

func isSegment(seg []byte, name string, sep byte) bool {
	if len(seg) < len(name) || string(seg[:len(name)]) != name {
		return false
	}
	return len(seg) == len(name) || seg[len(name)] == sep
}

func fields(seg []byte, sep byte) []string {
	parts := bytes.Split(seg, []byte{sep})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

func field(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}
