package frame

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func newPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// writeChunks writes data in chunks of size bytes and reports the first error.
func writeChunks(w io.Writer, data []byte, size int) <-chan error {
	done := make(chan error, 1)
	go func() {
		for len(data) > 0 {
			n := size
			if n > len(data) {
				n = len(data)
			}
			if _, err := w.Write(data[:n]); err != nil {
				done <- err
				return
			}
			data = data[n:]
		}
		done <- nil
	}()
	return done
}

func testOptions() ReadOptions {
	opts := DefaultReadOptions()
	opts.ReceiveTimeout = time.Second
	opts.ReadTimeout = 200 * time.Millisecond
	return opts
}

func TestEncodeEnvelope(t *testing.T) {
	got := Encode([]byte("MSH|^~\\&|A"))
	want := append([]byte{StartOfBlock}, []byte("MSH|^~\\&|A")...)
	want = append(want, EndOfBlock, EndOfData)
	if !bytes.Equal(got, want) {
		t.Fatalf("unexpected envelope: %q", got)
	}
	if got := Encode(nil); !bytes.Equal(got, []byte{StartOfBlock, EndOfBlock, EndOfData}) {
		t.Fatalf("unexpected empty envelope: %q", got)
	}
}

func TestReadFrameRoundTripAcrossSplitReads(t *testing.T) {
	payloads := [][]byte{
		[]byte("MSH|^~\\&|REQUESTING|ICE|INHOUSE|RTH00|20161206193919||ORM^O01|00001|D|2.3\r"),
		[]byte("x"),
		{},
		bytes.Repeat([]byte("PID|1||ICE999999^^^ICE^ICE\r"), 400),
	}
	for _, chunk := range []int{1, 3, 7, 4096} {
		for _, payload := range payloads {
			client, server := newPipe(t)
			done := writeChunks(client, Encode(payload), chunk)

			dec := NewDecoder(server)
			f, err := dec.ReadFrame(testOptions())
			if err != nil {
				t.Fatalf("chunk=%d read frame: %v", chunk, err)
			}
			if !bytes.Equal(f.Payload, payload) {
				t.Fatalf("chunk=%d payload mismatch: got %d bytes want %d", chunk, len(f.Payload), len(payload))
			}
			if !f.EndOfData {
				t.Fatalf("chunk=%d expected end of data", chunk)
			}
			if err := <-done; err != nil {
				t.Fatalf("write: %v", err)
			}
		}
	}
}

func TestReadFrameBackToBackFrames(t *testing.T) {
	client, server := newPipe(t)
	wire := append(Encode([]byte("one")), Encode([]byte("two"))...)
	done := writeChunks(client, wire, len(wire))

	dec := NewDecoder(server)
	for _, want := range []string{"one", "two"} {
		f, err := dec.ReadFrame(testOptions())
		if err != nil {
			t.Fatalf("read %q: %v", want, err)
		}
		if string(f.Payload) != want {
			t.Fatalf("unexpected payload: %q want %q", f.Payload, want)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReadFrameDiscardsBytesBeforeStart(t *testing.T) {
	client, server := newPipe(t)
	wire := append([]byte("garbage\r\n"), Encode([]byte("payload"))...)
	done := writeChunks(client, wire, 4)

	f, err := NewDecoder(server).ReadFrame(testOptions())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(f.Payload) != "payload" {
		t.Fatalf("unexpected payload: %q", f.Payload)
	}
	if f.Discarded != len("garbage\r\n") {
		t.Fatalf("unexpected discarded count: %d", f.Discarded)
	}
	<-done
}

func TestReadFrameEmbeddedStartOfBlock(t *testing.T) {
	payload := []byte("MSH|^~\\&|A\x0bB\r")

	client, server := newPipe(t)
	done := writeChunks(client, Encode(payload), 5)
	opts := testOptions()
	opts.ValidatePayload = false
	f, err := NewDecoder(server).ReadFrame(opts)
	if err != nil {
		t.Fatalf("lenient read: %v", err)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("unexpected payload: %q", f.Payload)
	}
	<-done

	client, server = newPipe(t)
	done = writeChunks(client, Encode(payload), 5)
	opts.ValidatePayload = true
	dec := NewDecoder(server)
	_, err = dec.ReadFrame(opts)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if dec.InFrame() || dec.Buffered() != 0 {
		t.Fatalf("decoder state should be dropped after corruption")
	}
	_ = server.Close()
	<-done
}

func TestReadFrameEmbeddedEndOfBlock(t *testing.T) {
	payload := []byte("OBX|1|\x1c|x\r")

	client, server := newPipe(t)
	done := writeChunks(client, Encode(payload), 64)
	f, err := NewDecoder(server).ReadFrame(testOptions())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("unexpected payload: %q", f.Payload)
	}
	<-done

	client, server = newPipe(t)
	done = writeChunks(client, Encode(payload), 64)
	opts := testOptions()
	opts.ValidatePayload = true
	_, err = NewDecoder(server).ReadFrame(opts)
	var rerr *ReadError
	if !errors.As(err, &rerr) || !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt read error, got %v", err)
	}
	if string(rerr.Partial) != "OBX|1|" {
		t.Fatalf("unexpected partial: %q", rerr.Partial)
	}
	_ = server.Close()
	<-done
}

func TestReadFrameMissingEndOfData(t *testing.T) {
	wire := append([]byte{StartOfBlock}, []byte("MSA|AA|1\r")...)
	wire = append(wire, EndOfBlock)

	client, server := newPipe(t)
	done := writeChunks(client, wire, len(wire))
	opts := testOptions()
	opts.ReadTimeout = 50 * time.Millisecond
	opts.RequireEndOfData = true
	_, err := NewDecoder(server).ReadFrame(opts)
	if !errors.Is(err, ErrEndOfDataTimeout) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected end of data timeout, got %v", err)
	}
	<-done

	client, server = newPipe(t)
	done = writeChunks(client, wire, len(wire))
	opts.RequireEndOfData = false
	opts.EndOfDataGrace = 20 * time.Millisecond
	f, err := NewDecoder(server).ReadFrame(opts)
	if err != nil {
		t.Fatalf("lenient read: %v", err)
	}
	if f.EndOfData {
		t.Fatalf("expected frame without end of data")
	}
	if string(f.Payload) != "MSA|AA|1\r" {
		t.Fatalf("unexpected payload: %q", f.Payload)
	}
	<-done
}

func TestReadFrameTimeoutWithoutBytes(t *testing.T) {
	_, server := newPipe(t)
	opts := testOptions()
	opts.ReceiveTimeout = 40 * time.Millisecond

	dec := NewDecoder(server)
	start := time.Now()
	_, err := dec.ReadFrame(opts)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if dec.InFrame() {
		t.Fatalf("no frame should be in progress")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestReadFrameResumesAfterMidFrameTimeout(t *testing.T) {
	client, server := newPipe(t)
	wire := Encode([]byte("MSH|^~\\&|SPLIT\r"))
	first, rest := wire[:6], wire[6:]

	done := writeChunks(client, first, len(first))
	opts := testOptions()
	opts.ReadTimeout = 30 * time.Millisecond

	dec := NewDecoder(server)
	_, err := dec.ReadFrame(opts)
	var rerr *ReadError
	if !errors.As(err, &rerr) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected mid-frame timeout, got %v", err)
	}
	if !dec.InFrame() {
		t.Fatalf("expected frame in progress")
	}
	if string(rerr.Partial) != "MSH|^" {
		t.Fatalf("unexpected partial: %q", rerr.Partial)
	}
	<-done

	done = writeChunks(client, rest, 2)
	f, err := dec.ReadFrame(testOptions())
	if err != nil {
		t.Fatalf("resume read: %v", err)
	}
	if string(f.Payload) != "MSH|^~\\&|SPLIT\r" {
		t.Fatalf("unexpected payload: %q", f.Payload)
	}
	<-done
}

func TestReadFramePeerClose(t *testing.T) {
	client, server := newPipe(t)
	_ = client.Close()
	_, err := NewDecoder(server).ReadFrame(testOptions())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}

	client, server = newPipe(t)
	go func() {
		_, _ = client.Write([]byte{StartOfBlock, 'M', 'S'})
		_ = client.Close()
	}()
	_, err = NewDecoder(server).ReadFrame(testOptions())
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	client, server := newPipe(t)
	done := writeChunks(client, Encode(bytes.Repeat([]byte("A"), 64)), 64)
	opts := testOptions()
	opts.MaxFrameBytes = 16
	_, err := NewDecoder(server).ReadFrame(opts)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	_ = server.Close()
	<-done
}
