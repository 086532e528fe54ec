package hl7

// Header carries the MSH fields exposed as message metadata.
type Header struct {
	SendingApplication   string // MSH-3
	SendingFacility      string // MSH-4
	ReceivingApplication string // MSH-5
	ReceivingFacility    string // MSH-6
	Timestamp            string // MSH-7
	Security             string // MSH-8
	MessageType          string // MSH-9
	EventType            string // MSH-9.1
	TriggerEvent         string // MSH-9.2
	ControlID            string // MSH-10
	ProcessingID         string // MSH-11
	VersionID            string // MSH-12
	CharacterSet         string // MSH-18
}

// ParseHeader extracts the MSH fields from the first segment of payload. It
// returns false when the payload does not open with an MSH segment.
func ParseHeader(payload []byte) (Header, bool) {
	segs := segments(payload)
	if len(segs) == 0 {
		return Header{}, false
	}
	msh := segs[0]
	if len(msh) < 4 || string(msh[:3]) != "MSH" {
		return Header{}, false
	}
	sep := msh[3]
	parts := fields(msh, sep)
	// parts[n-1] holds MSH-n; MSH-1 is the separator itself.
	h := Header{
		SendingApplication:   field(parts, 2),
		SendingFacility:      field(parts, 3),
		ReceivingApplication: field(parts, 4),
		ReceivingFacility:    field(parts, 5),
		Timestamp:            field(parts, 6),
		Security:             field(parts, 7),
		MessageType:          field(parts, 8),
		ControlID:            field(parts, 9),
		ProcessingID:         field(parts, 10),
		VersionID:            field(parts, 11),
		CharacterSet:         field(parts, 17),
	}
	comp := componentSeparator(field(parts, 1))
	msgType := splitComponents(h.MessageType, comp)
	h.EventType = field(msgType, 0)
	h.TriggerEvent = field(msgType, 1)
	return h, true
}

// Fields returns the non-empty header values keyed by their MSH position.
func (h Header) Fields() map[string]string {
	all := map[string]string{
		"MSH-3":   h.SendingApplication,
		"MSH-4":   h.SendingFacility,
		"MSH-5":   h.ReceivingApplication,
		"MSH-6":   h.ReceivingFacility,
		"MSH-7":   h.Timestamp,
		"MSH-8":   h.Security,
		"MSH-9":   h.MessageType,
		"MSH-9.1": h.EventType,
		"MSH-9.2": h.TriggerEvent,
		"MSH-10":  h.ControlID,
		"MSH-11":  h.ProcessingID,
		"MSH-12":  h.VersionID,
		"MSH-18":  h.CharacterSet,
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func componentSeparator(encodingChars string) byte {
	if encodingChars == "" {
		return defaultComponentSep
	}
	return encodingChars[0]
}

func splitComponents(v string, sep byte) []string {
	if v == "" {
		return nil
	}
	return fields([]byte(v), sep)
}
