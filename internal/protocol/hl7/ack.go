package hl7

import (
	"bytes"
	"fmt"
	"strings"
)

// Code is the classified outcome of an acknowledgement.
type Code uint8

const (
	Invalid Code = iota
	Accept
	ApplicationError
	ApplicationReject
)

func (c Code) String() string {
	switch c {
	case Accept:
		return "accept"
	case ApplicationError:
		return "application_error"
	case ApplicationReject:
		return "application_reject"
	default:
		return "invalid"
	}
}

// MSA returns the MSA-1 value for c, or "" for Invalid.
func (c Code) MSA() string {
	switch c {
	case Accept:
		return "AA"
	case ApplicationError:
		return "AE"
	case ApplicationReject:
		return "AR"
	default:
		return ""
	}
}

// ParseCode maps an MSA-1 value onto a Code.
func ParseCode(v string) (Code, bool) {
	switch strings.TrimSpace(v) {
	case "AA":
		return Accept, true
	case "AE":
		return ApplicationError, true
	case "AR":
		return ApplicationReject, true
	default:
		return Invalid, false
	}
}

// Acknowledgement is a classified acknowledgement payload. ControlID is
// MSA-2 and is informational only.
type Acknowledgement struct {
	Code      Code
	Raw       []byte
	ControlID string
	Text      string
	Reason    string
}

// Classify inspects ack and never fails: anything that is not a usable AA,
// AE or AR acknowledgement comes back as Invalid with a Reason. Reason never
// quotes ack bytes, so it is safe to log without the PHI policy.
func Classify(ack []byte) Acknowledgement {
	out := Acknowledgement{Code: Invalid, Raw: ack}
	if len(ack) == 0 {
		out.Reason = "acknowledgement payload is empty"
		return out
	}
	if i := bytes.IndexByte(ack, startOfBlock); i >= 0 {
		out.Reason = fmt.Sprintf("acknowledgement contains an embedded START_OF_BLOCK at index %d", i)
		return out
	}
	if i := bytes.IndexByte(ack, endOfBlock); i >= 0 {
		out.Reason = fmt.Sprintf("acknowledgement contains an embedded END_OF_BLOCK at index %d", i)
		return out
	}

	sep := fieldSeparator(ack)
	for _, seg := range segments(ack) {
		if !isSegment(seg, "MSA", sep) {
			continue
		}
		parts := fields(seg, sep)
		out.ControlID = field(parts, 2)
		out.Text = field(parts, 3)
		code := field(parts, 1)
		if code == "" {
			out.Reason = "MSA-1 acknowledgement code is empty"
			return out
		}
		c, ok := ParseCode(code)
		if !ok {
			out.Reason = fmt.Sprintf("unsupported acknowledgement code (%d bytes)", len(code))
			return out
		}
		out.Code = c
		return out
	}
	out.Reason = "MSA segment not found"
	return out
}
