package clangdconn

import (
	"context"
	"io"
)

// Transport is the byte-stream capability the connection engine holds.
// It replaces the source's abstract-base-with-late-bound-methods
// pattern (try_server_connection_blocking/read_data/write_data/
// connected?) with a small injected interface; the stdio case below is
// the only concrete implementation this module ships, but hosts can
// supply their own for testing.
type Transport interface {
	// TryConnectBlocking blocks until the transport is usable or ctx
	// is done. For stdio this returns immediately.
	TryConnectBlocking(ctx context.Context) error

	// Reader returns the stream to decode frames from.
	Reader() io.Reader

	// Writer returns the stream to write frames to.
	Writer() io.Writer

	// Connected reports whether the transport still believes itself
	// usable. It does not guarantee the peer is alive.
	Connected() bool

	// Close releases the transport's underlying resources.
	Close() error
}

// stdioTransport is the trivial Transport over a subprocess's stdin
// and stdout.
type stdioTransport struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer
	closed bool
}

// NewStdioTransport wraps the subprocess's stdout (r) and stdin (w) as
// a Transport. closer, if non-nil, is closed by Close.
func NewStdioTransport(r io.Reader, w io.Writer, closer io.Closer) Transport {
	return &stdioTransport{r: r, w: w, closer: closer}
}

func (t *stdioTransport) TryConnectBlocking(ctx context.Context) error { return nil }
func (t *stdioTransport) Reader() io.Reader                            { return t.r }
func (t *stdioTransport) Writer() io.Writer                            { return t.w }
func (t *stdioTransport) Connected() bool                              { return !t.closed }

func (t *stdioTransport) Close() error {
	t.closed = true
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
