package clangdconn

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/match"
)

// EditCollector decides how workspace/applyEdit requests from the
// server are handled. The default collector rejects every edit.
type EditCollector interface {
	CollectApplyEdit(params ApplyWorkspaceEditParams) ApplyWorkspaceEditResult
}

type rejectingCollector struct{}

func (rejectingCollector) CollectApplyEdit(ApplyWorkspaceEditParams) ApplyWorkspaceEditResult {
	return ApplyWorkspaceEditResult{Applied: false, FailureReason: "no edit collector installed"}
}

// WorkspaceConfigurationHandler answers workspace/configuration
// requests. ok is false if the handler has nothing for this item,
// which the connection engine turns into a MethodNotFound response.
type WorkspaceConfigurationHandler func(params ConfigurationParams) (result any, ok bool)

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	// ProjectDirectory roots relative glob patterns and is reported as
	// rootUri/rootPath by callers building an initialize request.
	ProjectDirectory string

	// Transport is the byte stream the connection reads/writes.
	Transport Transport

	// ListenerFactory is the injected watcher capability used to
	// satisfy client/registerCapability for
	// workspace/didChangeWatchedFiles. Defaults to
	// DefaultListenerFactory().
	ListenerFactory ListenerFactory

	// WorkspaceConfigurationHandler answers workspace/configuration.
	// If nil, every such request gets MethodNotFound.
	WorkspaceConfigurationHandler WorkspaceConfigurationHandler

	// NotificationHandler, if set, is invoked inline on the reader
	// goroutine for every server notification, in addition to the
	// notification being queued. Panics are recovered and logged; the
	// reader never dies from handler bugs.
	NotificationHandler func(Notification)

	// QueueCapacity bounds the notification queue. Defaults to
	// MaxQueuedMessages.
	QueueCapacity int

	Logger *Logger
}

// Connection is the bidirectional JSON-RPC/LSP transport over a
// subprocess's stdio: reader goroutine, serialized writer, request/
// response correlation, bounded notification queue, and synchronous
// handling of server-to-client requests.
//
// A Connection is constructed in a paused state; Start releases its
// reader goroutine. This lets the owner finish wiring (registering a
// notification handler, etc.) before messages flow.
type Connection struct {
	cfg    ConnectionConfig
	logger *Logger

	registry *responseRegistry
	queue    *notificationQueue

	writerMu sync.Mutex

	collectorMu sync.Mutex
	collector   EditCollector

	connEventCh   chan struct{}
	connEventOnce sync.Once

	stopCh   chan struct{}
	stopping atomic.Bool
	stopOnce sync.Once

	started    atomic.Bool
	readerDone chan struct{}

	watchersMu sync.Mutex
	watchers   map[string]*watchEntry
}

type watchEntry struct {
	listener Listener
	patterns []string
	cancel   chan struct{}
}

// ConnectionOption configures a ConnectionConfig passed to NewConnection.
type ConnectionOption func(*ConnectionConfig)

// WithConnectionConfig sets the full connection configuration.
func WithConnectionConfig(cfg ConnectionConfig) ConnectionOption {
	return func(c *ConnectionConfig) { *c = cfg }
}

// WithConnectionProjectDirectory sets ProjectDirectory.
func WithConnectionProjectDirectory(dir string) ConnectionOption {
	return func(c *ConnectionConfig) { c.ProjectDirectory = dir }
}

// WithTransport sets the byte stream the connection reads/writes.
func WithTransport(t Transport) ConnectionOption {
	return func(c *ConnectionConfig) { c.Transport = t }
}

// WithConnectionListenerFactory sets the injected watcher capability.
func WithConnectionListenerFactory(f ListenerFactory) ConnectionOption {
	return func(c *ConnectionConfig) { c.ListenerFactory = f }
}

// WithWorkspaceConfigurationHandler sets the workspace/configuration handler.
func WithWorkspaceConfigurationHandler(h WorkspaceConfigurationHandler) ConnectionOption {
	return func(c *ConnectionConfig) { c.WorkspaceConfigurationHandler = h }
}

// WithNotificationHandler sets the inline per-notification callback.
func WithNotificationHandler(h func(Notification)) ConnectionOption {
	return func(c *ConnectionConfig) { c.NotificationHandler = h }
}

// WithQueueCapacity bounds the notification queue.
func WithQueueCapacity(n int) ConnectionOption {
	return func(c *ConnectionConfig) { c.QueueCapacity = n }
}

// WithConnectionLogger sets the connection's logger.
func WithConnectionLogger(l *Logger) ConnectionOption {
	return func(c *ConnectionConfig) { c.Logger = l }
}

// NewConnection constructs a Connection in its paused, unstarted state.
func NewConnection(opts ...ConnectionOption) *Connection {
	var cfg ConnectionConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	if cfg.ListenerFactory == nil {
		cfg.ListenerFactory = DefaultListenerFactory()
	}

	return &Connection{
		cfg:         cfg,
		logger:      logger.WithComponent("connection"),
		registry:    newResponseRegistry(),
		queue:       newNotificationQueue(cfg.QueueCapacity),
		collector:   rejectingCollector{},
		connEventCh: make(chan struct{}),
		stopCh:      make(chan struct{}),
		readerDone:  make(chan struct{}),
		watchers:    make(map[string]*watchEntry),
	}
}

// Start releases the reader goroutine. Calling Start more than once
// has no further effect.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop()
}

// AwaitServerConnection blocks until the reader has established the
// transport or ctx is done, in which case it returns an
// ErrConnectionTimeout ClientError.
func (c *Connection) AwaitServerConnection(ctx context.Context) error {
	select {
	case <-c.connEventCh:
		return nil
	case <-ctx.Done():
		return newClientError(ErrConnectionTimeout, "timed out waiting for server connection", ctx.Err())
	}
}

// SendRequest allocates a request id, writes the frame, and blocks for
// the response per ctx's deadline.
func (c *Connection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.stopping.Load() {
		return nil, errConnectionStopped
	}
	id := c.registry.allocID()
	pend := c.registry.register(id)

	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{"2.0", id, method, params}

	if err := c.writeFrame(req); err != nil {
		_ = c.registry.deliver(id, nil, nil) // unblock the waiter we just registered
		if err != errConnectionStopped && c.stopping.Load() {
			// Stop closed the transport while this frame was being
			// written: the request is aborted like any other in flight.
			return await(ctx, pend)
		}
		return nil, err
	}
	resp, err := await(ctx, pend)
	if ce, ok := err.(*ClientError); ok && ce.Kind == ErrResponseTimeout {
		_ = c.registry.deliver(id, nil, nil) // drop the timed-out slot
	}
	return resp, err
}

// SendNotification writes a notification frame (no id, no response).
func (c *Connection) SendNotification(method string, params any) error {
	note := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{"2.0", method, params}
	return c.writeFrame(note)
}

func (c *Connection) sendResponse(id json.RawMessage, result any, rpcErr *rpcError) error {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}{"2.0", id, result, rpcErr}
	return c.writeFrame(resp)
}

// writeFrame serializes v and writes it under the writer mutex. It
// never takes the response-registry mutex.
func (c *Connection) writeFrame(v any) error {
	if c.stopping.Load() {
		return errConnectionStopped
	}
	frame, err := Encode(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	if c.stopping.Load() {
		return errConnectionStopped
	}
	_, err = c.cfg.Transport.Writer().Write(frame)
	return err
}

// CollectApplyEdits installs collector as the active EditCollector for
// the duration of fn, restoring the previous one afterward. Swaps are
// safe only for the duration of a single command: the reader serializes
// server-to-client request handling, so overlapping commands calling
// CollectApplyEdits concurrently will race each other's install/restore.
func (c *Connection) CollectApplyEdits(collector EditCollector, fn func()) {
	c.collectorMu.Lock()
	prev := c.collector
	c.collector = collector
	c.collectorMu.Unlock()

	defer func() {
		c.collectorMu.Lock()
		c.collector = prev
		c.collectorMu.Unlock()
	}()
	fn()
}

// TryPopNotification returns the oldest queued notification without
// blocking.
func (c *Connection) TryPopNotification() (Notification, bool) {
	return c.queue.TryPop()
}

// PopNotificationWithTimeout blocks up to d for a notification.
func (c *Connection) PopNotificationWithTimeout(d time.Duration) (Notification, bool) {
	return c.queue.PopWithTimeout(d)
}

// Stop signals teardown and closes the transport from the writer side.
// The reader unblocks on the resulting read error and finishes the
// abort-all/stop-watchers sequence. Idempotent.
func (c *Connection) Stop() {
	if !c.stopping.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)
	if c.cfg.Transport != nil {
		_ = c.cfg.Transport.Close()
	}
}

// Close stops the connection and joins the reader goroutine with a
// short deadline. Idempotent.
func (c *Connection) Close() error {
	c.Stop()
	select {
	case <-c.readerDone:
	case <-time.After(2 * time.Second):
		c.logger.Warn("reader goroutine did not exit before close deadline")
	}
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.readerDone)

	if err := c.cfg.Transport.TryConnectBlocking(context.Background()); err != nil {
		c.logger.Error("transport connect failed: %v", err)
		c.finishTeardown()
		return
	}
	c.connEventOnce.Do(func() { close(c.connEventCh) })

	fr := NewFrameReader(c.cfg.Transport.Reader())
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			c.logger.Info("reader terminating: %v", err)
			c.finishTeardown()
			return
		}
		c.dispatch(frame)
	}
}

// finishTeardown runs the abort-all/stop-watchers sequence exactly
// once, whether triggered by Stop() or by an unsolicited read failure.
func (c *Connection) finishTeardown() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
		c.registry.abortAll()
		c.closeWatchers()
	})
}

func (c *Connection) dispatch(frame []byte) {
	idRes := gjson.GetBytes(frame, "id")
	methodRes := gjson.GetBytes(frame, "method")

	switch {
	case idRes.Exists() && methodRes.Exists():
		c.handleServerRequest(frame, idRes, methodRes.String())
	case idRes.Exists():
		c.handleResponse(frame, idRes)
	default:
		c.handleNotification(frame, methodRes.String())
	}
}

func (c *Connection) handleResponse(frame []byte, idRes gjson.Result) {
	id := idRes.Uint()

	var result json.RawMessage
	if r := gjson.GetBytes(frame, "result"); r.Exists() {
		result = json.RawMessage(r.Raw)
	}

	var rpcErr *rpcError
	if e := gjson.GetBytes(frame, "error"); e.Exists() {
		rpcErr = &rpcError{}
		_ = json.Unmarshal([]byte(e.Raw), rpcErr)
		result = nil
	} else if result == nil {
		result = json.RawMessage("null")
	}

	if err := c.registry.deliver(id, result, rpcErr); err != nil {
		c.logger.Warn("%v", err)
	}
}

func (c *Connection) handleNotification(frame []byte, method string) {
	params := json.RawMessage(gjson.GetBytes(frame, "params").Raw)
	n := Notification{Method: method, Params: params}
	c.queue.TryPush(n)
	if c.cfg.NotificationHandler != nil {
		c.safeInvokeHandler(n)
	}
}

func (c *Connection) safeInvokeHandler(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked: %v", r)
		}
	}()
	c.cfg.NotificationHandler(n)
}

func (c *Connection) handleServerRequest(frame []byte, idRes gjson.Result, method string) {
	rawID := json.RawMessage(idRes.Raw)
	paramsRaw := []byte(gjson.GetBytes(frame, "params").Raw)

	switch method {
	case "workspace/applyEdit":
		var params ApplyWorkspaceEditParams
		_ = json.Unmarshal(paramsRaw, &params)
		c.collectorMu.Lock()
		collector := c.collector
		c.collectorMu.Unlock()
		_ = c.sendResponse(rawID, collector.CollectApplyEdit(params), nil)

	case "workspace/configuration":
		var params ConfigurationParams
		_ = json.Unmarshal(paramsRaw, &params)
		if c.cfg.WorkspaceConfigurationHandler == nil {
			c.respondMethodNotFound(rawID)
			return
		}
		result, ok := c.cfg.WorkspaceConfigurationHandler(params)
		if !ok {
			c.respondMethodNotFound(rawID)
			return
		}
		_ = c.sendResponse(rawID, result, nil)

	case "client/registerCapability":
		var params RegistrationParams
		_ = json.Unmarshal(paramsRaw, &params)
		c.registerWatchers(params)
		_ = c.sendResponse(rawID, nil, nil)

	case "client/unregisterCapability":
		var params UnregistrationParams
		_ = json.Unmarshal(paramsRaw, &params)
		c.unregisterWatchers(params)
		_ = c.sendResponse(rawID, nil, nil)

	default:
		c.respondMethodNotFound(rawID)
	}
}

func (c *Connection) respondMethodNotFound(id json.RawMessage) {
	_ = c.sendResponse(id, nil, &rpcError{Code: CodeMethodNotFound, Message: "Method not found"})
}

func (c *Connection) registerWatchers(params RegistrationParams) {
	for _, reg := range params.Registrations {
		if reg.Method != "workspace/didChangeWatchedFiles" {
			continue
		}

		var opts DidChangeWatchedFilesRegistrationOptions
		if reg.RegisterOptions != nil {
			if raw, err := json.Marshal(reg.RegisterOptions); err == nil {
				_ = json.Unmarshal(raw, &opts)
			}
		}
		patterns := make([]string, 0, len(opts.Watchers))
		for _, w := range opts.Watchers {
			patterns = append(patterns, absoluteGlob(c.cfg.ProjectDirectory, w.GlobPattern))
		}

		listener, err := c.cfg.ListenerFactory(c.cfg.ProjectDirectory)
		if err != nil {
			c.logger.Error("listener factory failed for registration %s: %v", reg.ID, err)
			continue
		}

		entry := &watchEntry{listener: listener, patterns: patterns, cancel: make(chan struct{})}
		c.watchersMu.Lock()
		c.watchers[reg.ID] = entry
		c.watchersMu.Unlock()

		go c.forwardWatchedFiles(entry)
	}
}

func (c *Connection) unregisterWatchers(params UnregistrationParams) {
	for _, un := range params.Unregisterations {
		c.watchersMu.Lock()
		entry, ok := c.watchers[un.ID]
		if ok {
			delete(c.watchers, un.ID)
		}
		c.watchersMu.Unlock()
		if ok {
			close(entry.cancel)
			_ = entry.listener.Close()
		}
	}
}

func (c *Connection) closeWatchers() {
	c.watchersMu.Lock()
	watchers := c.watchers
	c.watchers = make(map[string]*watchEntry)
	c.watchersMu.Unlock()

	for _, entry := range watchers {
		close(entry.cancel)
		_ = entry.listener.Close()
	}
}

func (c *Connection) forwardWatchedFiles(entry *watchEntry) {
	for {
		select {
		case <-entry.cancel:
			return
		case ev, ok := <-entry.listener.Events():
			if !ok {
				return
			}
			if !matchesAny(entry.patterns, ev.Path) {
				continue
			}
			changeType := fileChangeType(ev.Op)
			if changeType == 0 {
				continue
			}
			params := DidChangeWatchedFilesParams{
				Changes: []FileEventLSP{{URI: FilePathToURI(ev.Path), Type: changeType}},
			}
			if err := c.SendNotification("workspace/didChangeWatchedFiles", params); err != nil {
				c.logger.Debug("dropping watched-file notification: %v", err)
				return
			}
		}
	}
}

func absoluteGlob(root, pattern string) string {
	if filepath.IsAbs(pattern) {
		return pattern
	}
	return filepath.Join(root, pattern)
}

func matchesAny(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if match.Match(path, p) {
			return true
		}
	}
	return false
}

func fileChangeType(op FileOp) int {
	switch {
	case op&FileOpCreate != 0:
		return FileChangeCreated
	case op&FileOpRemove != 0:
		return FileChangeDeleted
	case op&FileOpWrite != 0, op&FileOpRename != 0, op&FileOpChmod != 0:
		return FileChangeChanged
	default:
		return 0
	}
}
