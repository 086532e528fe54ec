package hl7

import (
	"errors"
	"fmt"
)

var ErrInvalidPayload = errors.New("hl7: invalid payload")

// Diagnose returns a description of the first structural problem found in
// payload, or "" when it is acceptable. The checks run in order: empty
// payload, first segment, embedded frame markers, terminating byte. The
// description carries positions only, never payload bytes.
func Diagnose(payload []byte) string {
	if len(payload) == 0 {
		return "HL7 payload is empty"
	}
	if len(payload) < 3 || string(payload[:3]) != "MSH" {
		return "The first segment of the HL7 payload is not an MSH segment"
	}
	for i, b := range payload {
		switch b {
		case startOfBlock:
			return fmt.Sprintf("HL7 payload contains an embedded START_OF_BLOCK {0xb, ASCII <VT>} at index %d", i)
		case endOfBlock:
			return fmt.Sprintf("HL7 payload contains an embedded END_OF_BLOCK {0x1c, ASCII <FS>} at index %d", i)
		}
	}
	if payload[len(payload)-1] != segmentTerminator {
		return "The HL7 payload terminating byte is incorrect - expected [0xd] {ASCII [<CR>]}"
	}
	return ""
}

// Validate wraps Diagnose as an error matching ErrInvalidPayload.
func Validate(payload []byte) error {
	if msg := Diagnose(payload); msg != "" {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, msg)
	}
	return nil
}
