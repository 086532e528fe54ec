package consumer

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/mllp/internal/producer"
	"github.com/danmuck/mllp/internal/protocol/frame"
	"github.com/danmuck/mllp/internal/protocol/hl7"
	"github.com/danmuck/mllp/internal/protocol/session"
	"github.com/danmuck/mllp/internal/testutil/testlog"
	"github.com/danmuck/mllp/internal/testutil/tlstest"
)

const testMessage = "MSH|^~\\&|REQUESTING|ICE|INHOUSE|RTH00|20161206193919||ORM^O01|00001|D|2.3|||||||\r" +
	"PID|1||ICE999999^^^ICE^ICE||Testpatient^Testy^^^Mr||19740401|M|||123 Barrel Drive^^^^SW18 4RT|||||2||||||||||||||\r" +
	"NTE|1||Free text for entering clinical details|\r" +
	"PV1|1||^^^^^^^^Admin Location|||||||||||||||NHS|\r"

func testSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReceiveTimeout = 2 * time.Second
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg session.Config, h Handler, opts ...Option) (*Server, string) {
	t.Helper()
	srv, err := New(Config{ListenAddr: "127.0.0.1:0", Session: cfg}, h, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return srv, ln.Addr().String()
}

// errSink collects reported errors.
type errSink struct {
	ch chan error
}

func newErrSink() *errSink {
	return &errSink{ch: make(chan error, 64)}
}

func (e *errSink) handle(err error) {
	select {
	case e.ch <- err:
	default:
	}
}

func (e *errSink) wait(t *testing.T, kind error) error {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case err := <-e.ch:
			if errors.Is(err, kind) {
				return err
			}
		case <-deadline:
			t.Fatalf("no %v reported", kind)
			return nil
		}
	}
}

func newProducer(t *testing.T, addr string, mutate func(*session.Config)) *producer.Client {
	t.Helper()
	cfg := producer.Config{Address: addr, Session: testSession()}
	if mutate != nil {
		mutate(&cfg.Session)
	}
	c, err := producer.NewClient(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readAck(t *testing.T, conn net.Conn) hl7.Acknowledgement {
	t.Helper()
	opts := frame.DefaultReadOptions()
	opts.ReceiveTimeout = 2 * time.Second
	f, err := frame.NewDecoder(conn).ReadFrame(opts)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return hl7.Classify(f.Payload)
}

// readUntilClosed blocks until the server ends the connection.
func readUntilClosed(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 256)
	for {
		if _, err := conn.Read(buf); err != nil {
			return err
		}
	}
}

func TestEndToEndAutoAck(t *testing.T) {
	testlog.Start(t)
	received := make(chan *Message, 1)
	_, addr := startServer(t, testSession(), HandlerFunc(func(_ context.Context, msg *Message) (Reply, error) {
		received <- msg
		return Reply{}, nil
	}))

	c := newProducer(t, addr, nil)
	res, err := c.Send(context.Background(), []byte(testMessage))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Ack.Code != hl7.Accept || res.Ack.ControlID != "00001" {
		t.Fatalf("unexpected ack: %+v", res.Ack)
	}
	if !strings.HasPrefix(string(res.Ack.Raw), "MSH|^~\\&|INHOUSE|RTH00|REQUESTING|ICE|") ||
		!strings.Contains(string(res.Ack.Raw), "|ACK^O01|00001A|D|2.3|") {
		t.Fatalf("unexpected ack header: %q", res.Ack.Raw)
	}

	msg := <-received
	if string(msg.Payload) != testMessage || msg.ID == "" || msg.ConnID == "" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Header == nil || msg.Header.ControlID != "00001" || msg.Header.TriggerEvent != "O01" {
		t.Fatalf("unexpected header: %+v", msg.Header)
	}
	if msg.Certificate != nil {
		t.Fatalf("plain tcp message carries a certificate")
	}
	md := msg.Metadata()
	if md["MSH-10"] != "00001" || md["remote_addr"] != res.LocalAddr {
		t.Fatalf("unexpected metadata: %v", md)
	}
}

func TestHeadersDisabled(t *testing.T) {
	testlog.Start(t)
	cfg := testSession()
	cfg.HL7Headers = false
	received := make(chan *Message, 1)
	_, addr := startServer(t, cfg, HandlerFunc(func(_ context.Context, msg *Message) (Reply, error) {
		received <- msg
		return Reply{}, nil
	}))
	if _, err := newProducer(t, addr, nil).Send(context.Background(), []byte(testMessage)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg := <-received; msg.Header != nil {
		t.Fatalf("headers extracted while disabled: %+v", msg.Header)
	}
}

func TestConcurrencyBoundedByWorkers(t *testing.T) {
	testlog.Start(t)
	const workers, messages = 2, 6
	cfg := testSession()
	cfg.MaxConcurrentConsumers = workers

	var current, peak atomic.Int32
	srv, addr := startServer(t, cfg, HandlerFunc(func(context.Context, *Message) (Reply, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		current.Add(-1)
		return Reply{}, nil
	}))
	if srv.Pool().Size() != workers {
		t.Fatalf("unexpected pool size: %d", srv.Pool().Size())
	}

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, messages)
	for i := 0; i < messages; i++ {
		c := newProducer(t, addr, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Send(context.Background(), []byte(testMessage))
			if err == nil && res.Ack.Code != hl7.Accept {
				err = errors.New("not accepted")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if p := peak.Load(); p > workers || p < 1 {
		t.Fatalf("unexpected peak concurrency: %d", p)
	}
	if elapsed := time.Since(start); elapsed > cfg.ReceiveTimeout {
		t.Fatalf("messages took %s, beyond the receive timeout", elapsed)
	}
}

func TestBusyWorkersResetBeforePeerTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := testSession()
	cfg.MaxConcurrentConsumers = 1
	cfg.DispatchTimeout = 200 * time.Millisecond

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	sink := newErrSink()
	_, addr := startServer(t, cfg, HandlerFunc(func(ctx context.Context, _ *Message) (Reply, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Reply{}, nil
	}), WithErrorHandler(sink.handle))

	busy := newProducer(t, addr, nil)
	first := make(chan error, 1)
	go func() {
		res, err := busy.Send(context.Background(), []byte(testMessage))
		if err == nil && res.Ack.Code != hl7.Accept {
			err = errors.New("not accepted")
		}
		first <- err
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("first message never reached the handler")
	}

	start := time.Now()
	_, err := newProducer(t, addr, nil).Send(context.Background(), []byte(testMessage))
	elapsed := time.Since(start)
	if !errors.Is(err, session.ErrAckReceive) {
		t.Fatalf("expected the busy server to reset, got %v", err)
	}
	if elapsed >= cfg.ReceiveTimeout/2 {
		t.Fatalf("reset took %s, too close to the receive timeout", elapsed)
	}
	reported := sink.wait(t, session.ErrSocket)
	if !errors.Is(reported, ErrNoWorker) {
		t.Fatalf("unexpected report: %v", reported)
	}

	unblock()
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first send: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("first send never completed")
	}
}

func TestExplicitAckAndHandlerOutcomes(t *testing.T) {
	testlog.Start(t)
	custom := []byte("MSH|^~\\&|ME|HERE|YOU|THERE|20240101||ACK|X1|P|2.5\rMSA|AA|X1|custom\r")
	var calls atomic.Int32
	_, addr := startServer(t, testSession(), HandlerFunc(func(context.Context, *Message) (Reply, error) {
		switch calls.Add(1) {
		case 1:
			return Reply{Ack: custom}, nil
		case 2:
			return Reply{}, errors.New("patient not found")
		default:
			return Reply{Code: hl7.ApplicationReject, Text: "unsupported event"}, nil
		}
	}))
	c := newProducer(t, addr, nil)

	res, err := c.Send(context.Background(), []byte(testMessage))
	if err != nil || string(res.Ack.Raw) != string(custom) {
		t.Fatalf("explicit ack not written verbatim: %q %v", res.Ack.Raw, err)
	}

	res, err = c.Send(context.Background(), []byte(testMessage))
	if !errors.Is(err, session.ErrApplicationError) || res.Ack.Text != "patient not found" {
		t.Fatalf("expected AE with handler error text, got %+v %v", res.Ack, err)
	}

	res, err = c.Send(context.Background(), []byte(testMessage))
	if !errors.Is(err, session.ErrApplicationReject) || res.Ack.Text != "unsupported event" || res.Ack.ControlID != "00001" {
		t.Fatalf("expected AR, got %+v %v", res.Ack, err)
	}
}

func TestValidationBoundary(t *testing.T) {
	testlog.Start(t)
	cfg := testSession()
	cfg.ValidatePayload = true
	sink := newErrSink()
	var handled atomic.Int32
	_, addr := startServer(t, cfg, HandlerFunc(func(context.Context, *Message) (Reply, error) {
		handled.Add(1)
		return Reply{}, nil
	}), WithErrorHandler(sink.handle))

	conn := dialRaw(t, addr)
	if err := frame.WriteFrame(conn, []byte("PID|1||SECRET-MRN\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readAck(t, conn)
	if ack.Code != hl7.ApplicationError || !strings.Contains(ack.Text, "is not an MSH segment") {
		t.Fatalf("unexpected ack for invalid payload: %+v", ack)
	}
	sink.wait(t, session.ErrInvalidMessage)
	if handled.Load() != 0 {
		t.Fatalf("invalid payload reached the handler")
	}

	// the connection stays usable
	if err := frame.WriteFrame(conn, []byte(testMessage)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := readAck(t, conn); ack.Code != hl7.Accept {
		t.Fatalf("unexpected ack for valid payload: %+v", ack)
	}
	if handled.Load() != 1 {
		t.Fatalf("valid payload not handled")
	}
}

func TestValidationDisabledDeliversAnything(t *testing.T) {
	testlog.Start(t)
	received := make(chan []byte, 1)
	_, addr := startServer(t, testSession(), HandlerFunc(func(_ context.Context, msg *Message) (Reply, error) {
		received <- msg.Payload
		return Reply{}, nil
	}))

	conn := dialRaw(t, addr)
	if err := frame.WriteFrame(conn, []byte("PID|1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := readAck(t, conn); ack.Code != hl7.Accept {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if got := <-received; string(got) != "PID|1" {
		t.Fatalf("unexpected payload: %q", got)
	}
}

func TestCorruptFrameResetsConnection(t *testing.T) {
	testlog.Start(t)
	cfg := testSession()
	cfg.ValidatePayload = true
	sink := newErrSink()
	_, addr := startServer(t, cfg, AutoAck, WithErrorHandler(sink.handle))

	conn := dialRaw(t, addr)
	if _, err := conn.Write([]byte("\x0bMSH|^~\\&|A\x0bB\r\x1c\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := sink.wait(t, session.ErrFrame)
	if !errors.Is(err, frame.ErrCorrupt) {
		t.Fatalf("unexpected cause: %v", err)
	}
	if err := readUntilClosed(conn); !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected reset, got %v", err)
	}
}

func TestReceiveTimeouts(t *testing.T) {
	testlog.Start(t)
	cfg := testSession()
	cfg.ReceiveTimeout = 50 * time.Millisecond
	cfg.ReadTimeout = 50 * time.Millisecond
	sink := newErrSink()
	_, addr := startServer(t, cfg, AutoAck, WithErrorHandler(sink.handle))

	// idle between frames is not an error
	conn := dialRaw(t, addr)
	time.Sleep(200 * time.Millisecond)
	if err := frame.WriteFrame(conn, []byte(testMessage)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := readAck(t, conn); ack.Code != hl7.Accept {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	select {
	case err := <-sink.ch:
		t.Fatalf("idle wait reported %v", err)
	default:
	}

	// a frame that stalls is
	if _, err := conn.Write([]byte("\x0bMSH|^~")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sink.wait(t, session.ErrReceiveTimeout)
	if err := readUntilClosed(conn); !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected reset, got %v", err)
	}
}

func TestHandlerPanicResetsConnection(t *testing.T) {
	testlog.Start(t)
	sink := newErrSink()
	_, addr := startServer(t, testSession(), HandlerFunc(func(context.Context, *Message) (Reply, error) {
		panic("boom")
	}), WithErrorHandler(sink.handle))

	_, err := newProducer(t, addr, nil).Send(context.Background(), []byte(testMessage))
	if !errors.Is(err, session.ErrAckReceive) {
		t.Fatalf("expected ack receive failure, got %v", err)
	}
	reported := sink.wait(t, session.ErrSocket)
	var serr *session.Error
	if !errors.As(reported, &serr) || serr.Op != "dispatch" || !errors.Is(reported, ErrHandlerPanic) {
		t.Fatalf("unexpected report: %v", reported)
	}
}

func TestNoAckWithoutAutoAck(t *testing.T) {
	testlog.Start(t)
	cfg := testSession()
	cfg.AutoAck = false
	sink := newErrSink()
	_, addr := startServer(t, cfg, AutoAck, WithErrorHandler(sink.handle))

	_, err := newProducer(t, addr, func(c *session.Config) {
		c.ReceiveTimeout = 200 * time.Millisecond
	}).Send(context.Background(), []byte(testMessage))
	if !errors.Is(err, session.ErrAckTimeout) {
		t.Fatalf("expected ack timeout, got %v", err)
	}
	if reported := sink.wait(t, session.ErrInvalidAck); !errors.Is(reported, ErrNoAcknowledgement) {
		t.Fatalf("unexpected report: %v", reported)
	}
}

func TestIdleStrategies(t *testing.T) {
	testlog.Start(t)
	for _, tc := range []struct {
		strategy session.IdleStrategy
		want     error
	}{
		{session.IdleReset, syscall.ECONNRESET},
		{session.IdleClose, io.EOF},
	} {
		cfg := testSession()
		cfg.IdleTimeout = 80 * time.Millisecond
		cfg.IdleStrategy = tc.strategy
		srv, addr := startServer(t, cfg, AutoAck)

		conn := dialRaw(t, addr)
		if err := frame.WriteFrame(conn, []byte(testMessage)); err != nil {
			t.Fatalf("%s: write: %v", tc.strategy, err)
		}
		if ack := readAck(t, conn); ack.Code != hl7.Accept {
			t.Fatalf("%s: unexpected ack: %+v", tc.strategy, ack)
		}
		if err := readUntilClosed(conn); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.strategy, tc.want, err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for srv.Registry().Len() > 0 {
			if time.Now().After(deadline) {
				t.Fatalf("%s: reaped connection still tracked", tc.strategy)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestMaxConnectionsRejectsExtraPeers(t *testing.T) {
	testlog.Start(t)
	cfg := testSession()
	cfg.MaxConnections = 1
	srv, addr := startServer(t, cfg, AutoAck)

	first := dialRaw(t, addr)
	if err := frame.WriteFrame(first, []byte(testMessage)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := readAck(t, first); ack.Code != hl7.Accept {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	second := dialRaw(t, addr)
	if err := readUntilClosed(second); !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected the extra connection to be reset, got %v", err)
	}
	if srv.Registry().Len() != 1 {
		t.Fatalf("unexpected tracked connections: %d", srv.Registry().Len())
	}
}

func TestCloseAndResetConnections(t *testing.T) {
	testlog.Start(t)
	srv, addr := startServer(t, testSession(), AutoAck)

	conns := []net.Conn{dialRaw(t, addr), dialRaw(t, addr)}
	for _, conn := range conns {
		if err := frame.WriteFrame(conn, []byte(testMessage)); err != nil {
			t.Fatalf("write: %v", err)
		}
		readAck(t, conn)
	}
	activity := srv.Connections()
	if len(activity) != 2 {
		t.Fatalf("unexpected activity: %+v", activity)
	}
	for _, a := range activity {
		if a.State == "closed" || a.RemoteAddr == "" {
			t.Fatalf("unexpected activity entry: %+v", a)
		}
	}

	if n := srv.ResetConnections(); n != 2 {
		t.Fatalf("expected two resets, got %d", n)
	}
	for _, conn := range conns {
		if err := readUntilClosed(conn); !errors.Is(err, syscall.ECONNRESET) {
			t.Fatalf("expected reset, got %v", err)
		}
	}

	third := dialRaw(t, addr)
	if err := frame.WriteFrame(third, []byte(testMessage)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readAck(t, third)
	if n := srv.CloseConnections(); n != 1 {
		t.Fatalf("expected one close, got %d", n)
	}
	if err := readUntilClosed(third); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestPhiStaysOutOfReports(t *testing.T) {
	testlog.Start(t)
	payload := []byte("PID|1||SECRET-MRN-12345\r")
	for _, logPhi := range []bool{false, true} {
		cfg := testSession()
		cfg.ValidatePayload = true
		cfg.LogPhi = logPhi
		sink := newErrSink()
		_, addr := startServer(t, cfg, AutoAck, WithErrorHandler(sink.handle))

		conn := dialRaw(t, addr)
		if err := frame.WriteFrame(conn, payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		readAck(t, conn)
		text := sink.wait(t, session.ErrInvalidMessage).Error()
		if leaked := strings.Contains(text, "SECRET-MRN-12345"); leaked != logPhi {
			t.Fatalf("logPhi=%v: unexpected report text %q", logPhi, text)
		}
	}
}

func TestMutualTLSCertificateMetadata(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "mllp-test-ca")
	srvCert := ca.IssueLoopbackServer(t, "mllp-server")
	client := ca.IssueClient(t, "lab-analyzer-7")

	cfg := testSession()
	cfg.TLS = session.TLSConfig{
		Enabled:    true,
		CertFile:   srvCert.CertFile,
		KeyFile:    srvCert.KeyFile,
		CAFile:     ca.CAFile(),
		ClientAuth: session.ClientAuthWant,
	}
	received := make(chan *Message, 2)
	_, addr := startServer(t, cfg, HandlerFunc(func(_ context.Context, msg *Message) (Reply, error) {
		received <- msg
		return Reply{}, nil
	}))

	withCert := newProducer(t, addr, func(c *session.Config) {
		c.TLS = session.TLSConfig{Enabled: true, CAFile: ca.CAFile(), CertFile: client.CertFile, KeyFile: client.KeyFile}
	})
	if _, err := withCert.Send(context.Background(), []byte(testMessage)); err != nil {
		t.Fatalf("send with certificate: %v", err)
	}
	msg := <-received
	if msg.Certificate == nil || !strings.Contains(msg.Certificate.Subject, "CN=lab-analyzer-7") {
		t.Fatalf("unexpected certificate: %+v", msg.Certificate)
	}
	if msg.Certificate.SerialNumber != client.Cert.SerialNumber.String() {
		t.Fatalf("unexpected serial: %s", msg.Certificate.SerialNumber)
	}
	if md := msg.Metadata(); !strings.Contains(md["cert_issuer"], "CN=mllp-test-ca") {
		t.Fatalf("unexpected metadata: %v", md)
	}

	anonymous := newProducer(t, addr, func(c *session.Config) {
		c.TLS = session.TLSConfig{Enabled: true, CAFile: ca.CAFile()}
	})
	if _, err := anonymous.Send(context.Background(), []byte(testMessage)); err != nil {
		t.Fatalf("send without certificate: %v", err)
	}
	if msg := <-received; msg.Certificate != nil {
		t.Fatalf("certificate reported for anonymous peer: %+v", msg.Certificate)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(DefaultConfig(), nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler error, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.Session.TLS.ClientAuth = session.ClientAuthRequire
	if _, err := New(cfg, AutoAck); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected tls required, got %v", err)
	}
	srv, err := New(Config{Session: testSession()}, AutoAck)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := srv.Listen(); !errors.Is(err, ErrListenAddrRequired) {
		t.Fatalf("expected listen address error, got %v", err)
	}
}
