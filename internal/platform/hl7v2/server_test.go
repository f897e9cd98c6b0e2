package hl7v2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startTestServer(t *testing.T, sink Sink, cfg ServerConfig) *MLLPServer {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := NewMLLPServer(cfg, newTestProcessor(sink, nil), zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dialTestServer(t *testing.T, srv *MLLPServer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	c.Timeout = 5 * time.Second
	t.Cleanup(func() { c.Close() })
	return c
}

func sendAndCode(t *testing.T, c *Client, payload string) (AckCode, string) {
	t.Helper()
	ack, err := c.Send(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	code, id, err := AckCodeOf(ack)
	if err != nil {
		t.Fatalf("AckCodeOf failed: %v", err)
	}
	return code, id
}

// readAckFrames reads from conn until n acknowledgment frames have arrived.
func readAckFrames(t *testing.T, conn net.Conn, n int) [][]byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := NewFrameReader(0)
	buf := make([]byte, 1024)
	var out [][]byte
	for len(out) < n {
		k, err := conn.Read(buf)
		if k > 0 {
			frames, ferr := reader.Feed(buf[:k])
			if ferr != nil {
				t.Fatalf("feed: %v", ferr)
			}
			out = append(out, frames...)
		}
		if err != nil {
			t.Fatalf("read after %d frames: %v", len(out), err)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMLLPServer_StartStop(t *testing.T) {
	srv := NewMLLPServer(ServerConfig{Addr: "127.0.0.1:0"}, newTestProcessor(nil, nil), zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if srv.Addr() == "127.0.0.1:0" {
		t.Error("expected Addr() to report the assigned port")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if _, err := net.DialTimeout("tcp", srv.Addr(), 200*time.Millisecond); err == nil {
		t.Error("expected dial to fail after Stop")
	}
}

func TestMLLPServer_AcknowledgesMessage(t *testing.T) {
	sink := &recordingSink{}
	srv := startTestServer(t, sink, ServerConfig{})
	c := dialTestServer(t, srv)

	code, id := sendAndCode(t, c, scenarioADT)
	if code != AckAccept || id != "CTRL001" {
		t.Errorf("expected MSA|AA|CTRL001, got MSA|%s|%s", code, id)
	}
	if sink.count() != 1 {
		t.Errorf("expected one handoff, got %d", sink.count())
	}
	if host, _, _ := net.SplitHostPort(sink.facs[0].RemoteAddr); host != "127.0.0.1" {
		t.Errorf("expected remote address recorded, got %q", sink.facs[0].RemoteAddr)
	}
}

func TestMLLPServer_ConnectionSurvivesBadMessages(t *testing.T) {
	srv := startTestServer(t, &recordingSink{}, ServerConfig{})
	c := dialTestServer(t, srv)

	steps := []struct {
		payload string
		code    AckCode
		id      string
	}{
		{"not an hl7 message", AckReject, ""},
		{scenarioADTNoPID, AckError, "CTRL001"},
		{"MSH|^~\\&|A|B|C|D|20240101||SIU^S12|S1|P|2.5\r", AckReject, "S1"},
		{scenarioADT, AckAccept, "CTRL001"},
	}
	for i, s := range steps {
		code, id := sendAndCode(t, c, s.payload)
		if code != s.code || id != s.id {
			t.Errorf("step %d: expected MSA|%s|%s, got MSA|%s|%s", i, s.code, s.id, code, id)
		}
	}
}

func TestMLLPServer_PipelinedFramesInOrder(t *testing.T) {
	srv := startTestServer(t, &recordingSink{}, ServerConfig{})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Five messages in a single write.
	var batch []byte
	for i := 1; i <= 5; i++ {
		msg := fmt.Sprintf("MSH|^~\\&|A|B|C|D|20240101||ADT^A08|P%d|P|2.5\rPID|1||%d\r", i, i)
		batch = append(batch, FrameMessage([]byte(msg))...)
	}
	if _, err := conn.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	frames := readAckFrames(t, conn, 5)
	for i, f := range frames {
		ack := mustParse(t, string(f))
		code, id, err := AckCodeOf(ack)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if want := fmt.Sprintf("P%d", i+1); id != want || code != AckAccept {
			t.Errorf("frame %d: expected MSA|AA|%s, got MSA|%s|%s", i, want, code, id)
		}
	}
}

func TestMLLPServer_FrameSplitAcrossWrites(t *testing.T) {
	srv := startTestServer(t, nil, ServerConfig{})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	framed := FrameMessage([]byte(scenarioADT))
	mid := len(framed) / 2
	if _, err := conn.Write(framed[:mid]); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := conn.Write(framed[mid:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	frames := readAckFrames(t, conn, 1)
	_, id, _ := AckCodeOf(mustParse(t, string(frames[0])))
	if id != "CTRL001" {
		t.Errorf("expected ack for CTRL001, got %q", id)
	}
}

func TestMLLPServer_MultipleConnections(t *testing.T) {
	sink := &recordingSink{}
	srv := startTestServer(t, sink, ServerConfig{})

	const clients = 5
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := Dial(ctx, srv.Addr())
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			id := fmt.Sprintf("C%d", i)
			msg := fmt.Sprintf("MSH|^~\\&|A|B|C|D|20240101||ADT^A01|%s|P|2.5\rPID|1||%d\r", id, i)
			ack, err := c.Send(ctx, []byte(msg))
			if err != nil {
				errs <- err
				return
			}
			code, got, err := AckCodeOf(ack)
			if err == nil && (code != AckAccept || got != id) {
				err = fmt.Errorf("client %d: expected MSA|AA|%s, got MSA|%s|%s", i, id, code, got)
			}
			errs <- err
		}(i)
	}
	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
	if sink.count() != clients {
		t.Errorf("expected %d handoffs, got %d", clients, sink.count())
	}
}

func TestMLLPServer_OversizedFrameClosesConnection(t *testing.T) {
	srv := startTestServer(t, nil, ServerConfig{MaxFrameSize: 64})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	big := append([]byte{MLLPStartBlock}, make([]byte, 256)...)
	if _, err := conn.Write(big); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); !errors.Is(err, io.EOF) {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("expected server to close the connection")
		}
	}
}

func TestMLLPServer_IdleTimeout(t *testing.T) {
	srv := startTestServer(t, nil, ServerConfig{ReadTimeout: 200 * time.Millisecond})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "connection to register")
	waitFor(t, func() bool { return srv.ConnCount() == 0 }, "idle connection to close")
}

func TestMLLPServer_ShutdownWaitsForIdle(t *testing.T) {
	srv := NewMLLPServer(ServerConfig{Addr: "127.0.0.1:0", ReadTimeout: -1}, newTestProcessor(nil, nil), zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	c := dialTestServer(t, srv)
	if code, _ := sendAndCode(t, c, scenarioADT); code != AckAccept {
		t.Fatalf("expected AA before shutdown, got %s", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.ConnCount() != 0 {
		t.Errorf("expected no open connections after shutdown, got %d", srv.ConnCount())
	}
	if _, err := c.Send(context.Background(), []byte(scenarioADT)); err == nil {
		t.Error("expected send on a shut-down server to fail")
	}
}

type connMetrics struct {
	nopMetrics
	opened, closed, frames atomic.Int64
}

func (m *connMetrics) ConnectionOpened() { m.opened.Add(1) }
func (m *connMetrics) ConnectionClosed() { m.closed.Add(1) }
func (m *connMetrics) FrameReceived()    { m.frames.Add(1) }

func TestMLLPServer_Metrics(t *testing.T) {
	m := &connMetrics{}
	srv := NewMLLPServer(ServerConfig{Addr: "127.0.0.1:0"}, newTestProcessor(nil, nil), zerolog.Nop())
	srv.SetMetrics(m)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	c := dialTestServer(t, srv)
	sendAndCode(t, c, scenarioADT)
	sendAndCode(t, c, sampleORU)
	c.Close()

	waitFor(t, func() bool { return m.closed.Load() == 1 }, "connection close to be counted")
	if m.opened.Load() != 1 {
		t.Errorf("expected one opened connection, got %d", m.opened.Load())
	}
	if m.frames.Load() != 2 {
		t.Errorf("expected two frames, got %d", m.frames.Load())
	}
}

func TestClient_AckCodeOfWithoutMSA(t *testing.T) {
	_, _, err := AckCodeOf(mustParse(t, "MSH|^~\\&|A|B|C|D|20240101||ACK|1|P|2.5\r"))
	if !errors.Is(err, ErrMissingRequiredSegment) {
		t.Errorf("expected missing segment error, got %v", err)
	}
}
