package session

import (
	"fmt"
	"strings"
)

var printable = strings.NewReplacer(
	"\r", "<CR>",
	"\n", "<LF>",
	"\x0b", "<VT>",
	"\x1c", "<FS>",
	"\t", "<TAB>",
)

// Reporter decides how payload bytes appear in errors and logs.
type Reporter struct {
	LogPhi bool
	// MaxBytes caps rendered bytes when LogPhi is set; negative means no cap.
	MaxBytes int
}

// Render returns a display form of raw. Without LogPhi only the length is
// shown.
func (r Reporter) Render(raw []byte) string {
	if len(raw) == 0 {
		return "<empty>"
	}
	if !r.LogPhi {
		return fmt.Sprintf("<redacted %d bytes>", len(raw))
	}
	shown := raw
	if r.MaxBytes >= 0 && len(shown) > r.MaxBytes {
		shown = shown[:r.MaxBytes]
	}
	out := printable.Replace(string(shown))
	if dropped := len(raw) - len(shown); dropped > 0 {
		out += fmt.Sprintf("<+%d bytes>", dropped)
	}
	return out
}
