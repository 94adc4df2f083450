package clangdconn

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

// pipeTransport is an in-process Transport over two unidirectional
// pipes, standing in for a subprocess's stdio in tests.
type pipeTransport struct {
	r io.Reader
	w io.Writer
	c io.Closer
}

func (t *pipeTransport) TryConnectBlocking(ctx context.Context) error { return nil }
func (t *pipeTransport) Reader() io.Reader                            { return t.r }
func (t *pipeTransport) Writer() io.Writer                            { return t.w }
func (t *pipeTransport) Connected() bool                              { return true }
func (t *pipeTransport) Close() error                                 { return t.c.Close() }

type pipeEnds struct {
	toServer   *io.PipeWriter // test writes "server" frames here; connection reads them
	fromServer *io.PipeReader

	toClient   *io.PipeWriter // connection writes frames here; test reads them
	fromClient *io.PipeReader
}

func newConnectionUnderTest(t *testing.T) (*Connection, *pipeEnds) {
	t.Helper()

	serverToClientR, serverToClientW := io.Pipe()
	clientToServerR, clientToServerW := io.Pipe()

	transport := &pipeTransport{r: serverToClientR, w: clientToServerW, c: multiCloser{serverToClientR, clientToServerW}}

	conn := NewConnection(WithConnectionConfig(ConnectionConfig{
		ProjectDirectory: t.TempDir(),
		Transport:        transport,
		Logger:           NullLogger,
	}))
	conn.Start()
	t.Cleanup(func() { _ = conn.Close() })

	return conn, &pipeEnds{toServer: serverToClientW, fromServer: clientToServerR, toClient: clientToServerW, fromClient: serverToClientR}
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	for _, c := range m {
		_ = c.Close()
	}
	return nil
}

func writeFrame(w io.Writer, body string) {
	_, _ = w.Write([]byte("Content-Length: " + itoaConnTest(len(body)) + "\r\n\r\n" + body))
}

func itoaConnTest(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func readFrame(t *testing.T, r io.Reader) string {
	t.Helper()
	fr := NewFrameReader(r)
	body, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	return string(body)
}

func TestConnectionMethodNotFoundIsByteExact(t *testing.T) {
	_, ends := newConnectionUnderTest(t)

	go writeFrame(ends.toServer, `{"id":"1","jsonrpc":"2.0","method":"unknown/method"}`)

	got := readFrame(t, ends.fromServer)
	want := `{"error":{"code":-32601,"message":"Method not found"},"id":"1","jsonrpc":"2.0"}`
	if got != want {
		t.Fatalf("response body = %s, want %s", got, want)
	}
}

func TestConnectionRequestResponseRoundTrip(t *testing.T) {
	conn, ends := newConnectionUnderTest(t)

	go func() {
		req := readFrame(t, ends.fromServer)
		if !strings.Contains(req, `"method":"ping"`) {
			t.Errorf("server saw unexpected request: %s", req)
			return
		}
		id := extractID(req)
		writeFrame(ends.toServer, `{"id":`+id+`,"jsonrpc":"2.0","result":{"pong":true}}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := conn.SendRequest(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if !strings.Contains(string(result), `"pong":true`) {
		t.Fatalf("result = %s", result)
	}
}

func extractID(frame string) string {
	idx := strings.Index(frame, `"id":`)
	rest := frame[idx+len(`"id":`):]
	end := strings.IndexAny(rest, ",}")
	return rest[:end]
}

func TestConnectionAbortsPendingRequestsOnStop(t *testing.T) {
	conn, _ := newConnectionUnderTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(ctx, "neverAnswered", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	conn.Stop()

	select {
	case err := <-errCh:
		ce, ok := err.(*ClientError)
		if !ok || ce.Kind != ErrResponseAborted {
			t.Fatalf("SendRequest() error = %v, want ErrResponseAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest() never returned after Stop()")
	}
}

func TestConnectionStopIsIdempotent(t *testing.T) {
	conn, _ := newConnectionUnderTest(t)
	conn.Stop()
	conn.Stop()
}

func TestConnectionNotificationIsQueued(t *testing.T) {
	conn, ends := newConnectionUnderTest(t)

	writeFrame(ends.toServer, `{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"file:///a"}}`)

	n, ok := conn.PopNotificationWithTimeout(2 * time.Second)
	if !ok {
		t.Fatal("expected a queued notification")
	}
	if n.Method != "textDocument/publishDiagnostics" {
		t.Fatalf("notification method = %s", n.Method)
	}
}

func TestConnectionApplyEditDefaultCollectorRejects(t *testing.T) {
	_, ends := newConnectionUnderTest(t)

	go writeFrame(ends.toServer, `{"id":"7","jsonrpc":"2.0","method":"workspace/applyEdit","params":{"edit":{}}}`)

	got := readFrame(t, ends.fromServer)
	if !strings.Contains(got, `"applied":false`) {
		t.Fatalf("default collector should reject: %s", got)
	}
}
