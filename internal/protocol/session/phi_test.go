package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/mllp/internal/protocol/frame"
)

const phiPayload = "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|42|P|2.5\rPID|1||SECRET-MRN-12345||Doe^Jane\r"

func TestReporterRedactsWithoutLogPhi(t *testing.T) {
	r := Reporter{LogPhi: false, MaxBytes: -1}
	got := r.Render([]byte(phiPayload))
	if strings.Contains(got, "SECRET-MRN") || strings.Contains(got, "MSH") {
		t.Fatalf("redacted render leaks payload: %q", got)
	}
	if got != "<redacted 78 bytes>" {
		t.Fatalf("unexpected redaction: %q", got)
	}
	if r.Render(nil) != "<empty>" {
		t.Fatalf("unexpected empty render")
	}
}

func TestReporterRendersAndTruncatesWithLogPhi(t *testing.T) {
	full := Reporter{LogPhi: true, MaxBytes: -1}.Render([]byte(phiPayload))
	if !strings.Contains(full, "SECRET-MRN-12345") {
		t.Fatalf("expected payload content: %q", full)
	}
	if strings.ContainsAny(full, "\r\n") || !strings.Contains(full, "2.5<CR>PID") {
		t.Fatalf("control characters not replaced: %q", full)
	}

	capped := Reporter{LogPhi: true, MaxBytes: 12}.Render([]byte(phiPayload))
	if !strings.HasPrefix(capped, "MSH|^~\\&|A|B") {
		t.Fatalf("unexpected truncated prefix: %q", capped)
	}
	if strings.Contains(capped, "SECRET") || !strings.HasSuffix(capped, "<+66 bytes>") {
		t.Fatalf("unexpected truncation: %q", capped)
	}

	markers := Reporter{LogPhi: true, MaxBytes: -1}.Render([]byte("a\x0bb\x1cc\td\ne"))
	if markers != "a<VT>b<FS>c<TAB>d<LF>e" {
		t.Fatalf("unexpected marker render: %q", markers)
	}
}

func TestErrorRendersThroughReporter(t *testing.T) {
	cause := &frame.ReadError{Err: frame.ErrTimeout}
	ack := []byte("MSA|AE|42|bad\r")

	hidden := Reporter{LogPhi: false}.Error(ErrApplicationError, "send", []byte(phiPayload), ack, cause)
	if strings.Contains(hidden.Error(), "SECRET") || strings.Contains(hidden.Error(), "MSA|AE") {
		t.Fatalf("error leaks payload: %s", hidden)
	}
	if !errors.Is(hidden, ErrApplicationError) || !errors.Is(hidden, frame.ErrTimeout) {
		t.Fatalf("error chain broken: %v", hidden)
	}
	if errors.Is(hidden, ErrInvalidAck) {
		t.Fatalf("error matches foreign kind")
	}

	shown := Reporter{LogPhi: true, MaxBytes: -1}.Error(ErrApplicationError, "send", []byte(phiPayload), ack, nil)
	if !strings.Contains(shown.Error(), "SECRET-MRN-12345") || !strings.Contains(shown.Error(), "ack=MSA|AE|42|bad<CR>") {
		t.Fatalf("unexpected error text: %s", shown)
	}
	if KindName(shown) != "application_error" || KindName(nil) != "none" || KindName(errors.New("x")) != "other" {
		t.Fatalf("unexpected kind names")
	}
}
