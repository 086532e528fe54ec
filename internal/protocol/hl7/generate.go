package hl7

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the DTM precision written into generated MSH-7.
const TimestampLayout = "20060102150405"

var ErrAckGeneration = errors.New("hl7: acknowledgement generation failed")

// minAckFields is the field count through MSH-12.
const minAckFields = 12

var now = time.Now

// GenerateAck builds an acknowledgement for message: sender and receiver are
// swapped, MSH-7 is the current time, MSH-9 becomes ACK^<trigger>, MSH-10 is
// the inbound control id with an "A" suffix, and the MSH fields after MSH-10
// are copied. The MSA segment carries code, the inbound control id and, when
// non-empty, text as MSA-3.
func GenerateAck(message []byte, code Code, text string) ([]byte, error) {
	if len(message) == 0 {
		return nil, fmt.Errorf("%w: message is empty", ErrAckGeneration)
	}
	msa := code.MSA()
	if msa == "" {
		return nil, fmt.Errorf("%w: unsupported code %s", ErrAckGeneration, code)
	}
	msh := message
	if i := bytes.IndexAny(message, "\r\n"); i >= 0 {
		msh = message[:i]
	}
	if len(msh) < 4 || string(msh[:3]) != "MSH" {
		return nil, fmt.Errorf("%w: first segment is not MSH", ErrAckGeneration)
	}
	sep := string(msh[3])
	parts := fields(msh, msh[3])
	if len(parts) < minAckFields {
		return nil, fmt.Errorf("%w: MSH has %d fields, need at least %d", ErrAckGeneration, len(parts), minAckFields)
	}

	encoding := parts[1]
	comp := string(componentSeparator(encoding))
	msgType := "ACK"
	if trigger := field(splitComponents(parts[8], comp[0]), 1); trigger != "" {
		msgType += comp + trigger
	}
	controlID := parts[9]

	var b strings.Builder
	b.Grow(len(msh) + 64)
	writeFields(&b, sep,
		"MSH",
		encoding,
		parts[4], parts[5],
		parts[2], parts[3],
		now().Format(TimestampLayout),
		parts[7],
		msgType,
		controlID+"A",
	)
	for _, p := range parts[10:] {
		b.WriteString(sep)
		b.WriteString(p)
	}
	b.WriteByte(segmentTerminator)

	writeFields(&b, sep, "MSA", msa, controlID)
	if text != "" {
		b.WriteString(sep)
		b.WriteString(escape(text, sep, encoding))
	}
	b.WriteByte(segmentTerminator)
	return []byte(b.String()), nil
}

// BareAck builds an acknowledgement holding only an MSA segment, for
// payloads without a usable MSH header. MSA-2 is left empty.
func BareAck(code Code, text string) ([]byte, error) {
	msa := code.MSA()
	if msa == "" {
		return nil, fmt.Errorf("%w: unsupported code %s", ErrAckGeneration, code)
	}
	sep := string(defaultFieldSep)
	var b strings.Builder
	writeFields(&b, sep, "MSA", msa, "")
	if text != "" {
		b.WriteString(sep)
		b.WriteString(escape(text, sep, ""))
	}
	b.WriteByte(segmentTerminator)
	return []byte(b.String()), nil
}

func writeFields(b *strings.Builder, sep string, values ...string) {
	for i, v := range values {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(v)
	}
}

// escape applies HL7 escape sequences for the delimiters declared in MSH-1
// and MSH-2, and flattens line breaks.
func escape(text, sep, encoding string) string {
	if len(encoding) < 4 {
		encoding = `^~\&`
	}
	esc := string(encoding[2])
	r := strings.NewReplacer(
		esc, esc+"E"+esc,
		sep, esc+"F"+esc,
		string(encoding[0]), esc+"S"+esc,
		string(encoding[1]), esc+"R"+esc,
		string(encoding[3]), esc+"T"+esc,
		"\r", " ",
		"\n", " ",
	)
	return r.Replace(text)
}
