package clangdconn

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/clangdconn/internal/registry"
)

// crashBackoffBase and crashBackoffCap bound the exponential backoff
// applied between restart attempts after an unexpected subprocess exit.
const (
	crashBackoffBase   = 500 * time.Millisecond
	crashBackoffCap    = 30 * time.Second
	maxRestartsBurst   = 5 // restarts within crashBackoffWindow before giving up
	crashBackoffWindow = 2 * time.Minute
)

// calculateBackoff returns the delay before restart attempt n (1-based),
// full exponential growth clamped at crashBackoffCap.
func calculateBackoff(attempt int) time.Duration {
	d := float64(crashBackoffBase) * math.Pow(2, float64(attempt-1))
	if d > float64(crashBackoffCap) {
		d = float64(crashBackoffCap)
	}
	return time.Duration(d)
}

var stderrSafeName = regexp.MustCompile(`[^a-z0-9]+`)

// stderrLogPattern builds the os.CreateTemp pattern for a server's
// stderr capture file: lowercased, non-alphanumeric runs collapsed to
// underscore, suffixed "_stderr.log" with CreateTemp's own random infix.
func stderrLogPattern(serverName string) string {
	safe := stderrSafeName.ReplaceAllString(strings.ToLower(serverName), "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		safe = "server"
	}
	return safe + "_*_stderr.log"
}

// InitializeCompleteHandler is invoked once the initialize handshake
// finishes successfully. Handlers registered with OnInitializeComplete
// run in reverse registration order.
type InitializeCompleteHandler func(InitializeResult)

// ConnectionType selects how the controller reaches the language
// server. Only stdio transport is implemented; tcp is refused at
// StartServer, matching spec.md's scoping of this client library to a
// subprocess-only transport.
type ConnectionType int

const (
	ConnectionTypeStdio ConnectionType = iota
	ConnectionTypeTCP
)

// TickEventKind identifies which host-originated editor event produced
// a FileTickEvent.
type TickEventKind int

const (
	TickDirty TickEventKind = iota
	TickSaved
	TickClosed
)

// FileTickEvent carries one host-originated file event through the
// registered tick-handler chain.
type FileTickEvent struct {
	Store      *FileStateStore
	Filename   string
	Contents   []byte
	LanguageID string
	Kind       TickEventKind
}

// TickHandler runs once per editor tick, after the server is
// initialized. Handlers registered with OnFileTick run most-recently-
// registered first, mirroring OnInitializeComplete.
type TickHandler func(c *Controller, event FileTickEvent) error

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// ServerName identifies this server for logging and stderr log
	// naming, and is looked up in the command registry if Command is
	// empty.
	ServerName string

	// Command and Args launch the language server directly (no shell).
	// If empty, ServerName is resolved via the TOML command registry at
	// RegistryPath.
	Command string
	Args    []string
	Env     []string

	// RegistryPath is the TOML server-registry file consulted when
	// Command is empty. Defaults to ".clangdconn/servers.toml" under
	// ProjectDirectory.
	RegistryPath string

	ProjectDirectory string
	InitializationOptions any

	// ConnectionType selects the transport. Only ConnectionTypeStdio
	// (the default) is supported; StartServer refuses
	// ConnectionTypeTCP.
	ConnectionType ConnectionType

	// KeepLogfiles, if false (default), removes the stderr capture file
	// on clean shutdown.
	KeepLogfiles bool

	// ListenerFactory and WorkspaceConfigurationHandler are forwarded
	// to the underlying Connection.
	ListenerFactory               ListenerFactory
	WorkspaceConfigurationHandler WorkspaceConfigurationHandler
	NotificationHandler           func(Notification)

	Logger *Logger
}

// ControllerOption configures a ControllerConfig passed to NewController.
type ControllerOption func(*ControllerConfig)

// WithControllerConfig sets the full controller configuration.
func WithControllerConfig(cfg ControllerConfig) ControllerOption {
	return func(c *ControllerConfig) { *c = cfg }
}

// WithServerName sets ServerName.
func WithServerName(name string) ControllerOption {
	return func(c *ControllerConfig) { c.ServerName = name }
}

// WithServerCommand sets Command and Args.
func WithServerCommand(command string, args ...string) ControllerOption {
	return func(c *ControllerConfig) { c.Command = command; c.Args = args }
}

// WithServerEnv sets Env.
func WithServerEnv(env []string) ControllerOption {
	return func(c *ControllerConfig) { c.Env = env }
}

// WithRegistryPath sets RegistryPath.
func WithRegistryPath(path string) ControllerOption {
	return func(c *ControllerConfig) { c.RegistryPath = path }
}

// WithControllerProjectDirectory sets ProjectDirectory.
func WithControllerProjectDirectory(dir string) ControllerOption {
	return func(c *ControllerConfig) { c.ProjectDirectory = dir }
}

// WithInitializationOptions sets InitializationOptions.
func WithInitializationOptions(opts any) ControllerOption {
	return func(c *ControllerConfig) { c.InitializationOptions = opts }
}

// WithConnectionType sets ConnectionType.
func WithConnectionType(t ConnectionType) ControllerOption {
	return func(c *ControllerConfig) { c.ConnectionType = t }
}

// WithKeepLogfiles sets KeepLogfiles.
func WithKeepLogfiles(keep bool) ControllerOption {
	return func(c *ControllerConfig) { c.KeepLogfiles = keep }
}

// WithControllerListenerFactory sets ListenerFactory.
func WithControllerListenerFactory(f ListenerFactory) ControllerOption {
	return func(c *ControllerConfig) { c.ListenerFactory = f }
}

// WithControllerWorkspaceConfigurationHandler sets WorkspaceConfigurationHandler.
func WithControllerWorkspaceConfigurationHandler(h WorkspaceConfigurationHandler) ControllerOption {
	return func(c *ControllerConfig) { c.WorkspaceConfigurationHandler = h }
}

// WithControllerNotificationHandler sets NotificationHandler.
func WithControllerNotificationHandler(h func(Notification)) ControllerOption {
	return func(c *ControllerConfig) { c.NotificationHandler = h }
}

// WithControllerLogger sets the controller's logger.
func WithControllerLogger(l *Logger) ControllerOption {
	return func(c *ControllerConfig) { c.Logger = l }
}

// Controller owns one language server's full lifecycle: subprocess
// spawn, the initialize handshake, orderly shutdown, and crash recovery
// with exponential backoff. It merges what upstream keeps as two
// cooperating pieces (a spawn/handshake half and a watchdog/supervisor
// half) into one component gated by a single mutex, because the two
// halves share the same server_info the source guards with one lock.
//
// serverInfoMu orders ahead of everything a Connection touches
// internally; the crash-recovery goroutine never blocks holding it
// while restarting, and it never touches the notification queue.
// spawnAndHandshake releases serverInfoMu for the duration of the
// handshake itself (after the subprocess is spawned and the connection
// object exists) so that Healthy() can observe a live-but-uninitialized
// server: that window is what lets editor ticks queue behind
// initEventCh instead of either blocking on the handshake or racing it.
type Controller struct {
	cfg    ControllerConfig
	logger *Logger

	serverInfoMu sync.Mutex
	proc         *Process
	conn         *Connection
	stderrFile   *os.File
	initResult   *InitializeResult
	initialized  bool
	shuttingDown bool
	initEventCh  chan struct{}

	completeHandlers []InitializeCompleteHandler
	tickHandlers     []TickHandler
	handlersMu       sync.Mutex

	tickMu sync.Mutex

	restartCount int
	windowStart  time.Time

	started atomic.Bool
	stopped atomic.Bool
	doneCh  chan struct{}
}

// NewController constructs a Controller. Call StartServer to spawn the
// subprocess and run the initialize handshake.
func NewController(opts ...ControllerOption) *Controller {
	var cfg ControllerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(cfg.ProjectDirectory, ".clangdconn", "servers.toml")
	}
	c := &Controller{
		cfg:    cfg,
		logger: logger.WithComponent("lifecycle").WithField("server", cfg.ServerName),
		doneCh: make(chan struct{}),
	}
	c.tickHandlers = append(c.tickHandlers, updateServerWithFileContents)
	return c
}

// OnInitializeComplete registers a handler invoked after each
// successful initialize handshake (including after a crash restart).
// Handlers run most-recently-registered first.
func (c *Controller) OnInitializeComplete(h InitializeCompleteHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.completeHandlers = append(c.completeHandlers, h)
}

func (c *Controller) runCompleteHandlers(result InitializeResult) {
	c.handlersMu.Lock()
	handlers := append([]InitializeCompleteHandler(nil), c.completeHandlers...)
	c.handlersMu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i](result)
	}
}

// OnFileTick registers an additional tick handler, run alongside the
// canonical updateServerWithFileContents handler installed at
// construction. Handlers run most-recently-registered first.
func (c *Controller) OnFileTick(h TickHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.tickHandlers = append(c.tickHandlers, h)
}

func (c *Controller) runTickHandlers(event FileTickEvent) error {
	c.handlersMu.Lock()
	handlers := append([]TickHandler(nil), c.tickHandlers...)
	c.handlersMu.Unlock()

	var firstErr error
	for i := len(handlers) - 1; i >= 0; i-- {
		if err := handlers[i](c, event); err != nil {
			c.logger.Warn("tick handler error: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Controller) resolveCommand() (string, []string, error) {
	if c.cfg.Command != "" {
		return c.cfg.Command, c.cfg.Args, nil
	}
	entries, err := registry.Load(c.cfg.RegistryPath)
	if err != nil {
		return "", nil, fmt.Errorf("resolving command for %s: %w", c.cfg.ServerName, err)
	}
	entry, ok := entries[c.cfg.ServerName]
	if !ok {
		return "", nil, fmt.Errorf("no registry entry for server %q in %s", c.cfg.ServerName, c.cfg.RegistryPath)
	}
	return entry.Command, entry.Args, nil
}

// StartServer spawns the subprocess and performs the initialize
// handshake. It must not be called more than once per Controller.
func (c *Controller) StartServer(ctx context.Context) (InitializeResult, error) {
	if c.cfg.ConnectionType == ConnectionTypeTCP {
		return InitializeResult{}, errTCPUnsupported
	}
	if !c.started.CompareAndSwap(false, true) {
		return InitializeResult{}, errAlreadyStarted
	}
	return c.spawnAndHandshake(ctx)
}

func (c *Controller) spawnAndHandshake(ctx context.Context) (InitializeResult, error) {
	if c.cfg.ConnectionType == ConnectionTypeTCP {
		return InitializeResult{}, errTCPUnsupported
	}

	command, args, err := c.resolveCommand()
	if err != nil {
		return InitializeResult{}, err
	}

	stderrFile, err := os.CreateTemp("", stderrLogPattern(c.cfg.ServerName))
	if err != nil {
		c.logger.Warn("could not open stderr capture file: %v", err)
		stderrFile = nil
	}

	proc, err := Start(WithProcessConfig(ProcessConfig{
		Path:   command,
		Args:   args,
		Env:    c.cfg.Env,
		Dir:    c.cfg.ProjectDirectory,
		Stdin:  Stdio{Mode: StdioPipe},
		Stdout: Stdio{Mode: StdioPipe},
		Stderr: stderrStdio(stderrFile),
		Logger: c.logger,
	}))
	if err != nil {
		if stderrFile != nil {
			_ = stderrFile.Close()
		}
		return InitializeResult{}, fmt.Errorf("spawning %s: %w", command, err)
	}

	conn := NewConnection(WithConnectionConfig(ConnectionConfig{
		ProjectDirectory:              c.cfg.ProjectDirectory,
		Transport:                     NewStdioTransport(proc.Stdout(), proc.Stdin(), proc.Stdin()),
		ListenerFactory:               c.cfg.ListenerFactory,
		WorkspaceConfigurationHandler: c.cfg.WorkspaceConfigurationHandler,
		NotificationHandler:           c.cfg.NotificationHandler,
		Logger:                        c.logger,
	}))
	conn.Start()

	initEventCh := make(chan struct{})
	c.serverInfoMu.Lock()
	c.proc = proc
	c.stderrFile = stderrFile
	c.initEventCh = initEventCh
	c.initialized = false
	c.serverInfoMu.Unlock()

	// The handshake itself runs without holding serverInfoMu: Healthy()
	// (process alive) can be observed true here while Initialized() is
	// still false, which is the window editor ticks queue behind.
	result, err := c.performHandshake(ctx, conn, proc)
	if err != nil {
		close(initEventCh)
		return InitializeResult{}, err
	}

	c.serverInfoMu.Lock()
	c.conn = conn
	c.initResult = &result
	c.initialized = true
	c.serverInfoMu.Unlock()
	close(initEventCh)

	go c.watchProcess(proc)
	c.runCompleteHandlers(result)
	return result, nil
}

func (c *Controller) performHandshake(ctx context.Context, conn *Connection, proc *Process) (InitializeResult, error) {
	if err := conn.AwaitServerConnection(ctx); err != nil {
		_ = proc.Close()
		return InitializeResult{}, err
	}

	initParams := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               FilePathToURI(c.cfg.ProjectDirectory),
		RootPath:              c.cfg.ProjectDirectory,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: c.cfg.InitializationOptions,
		WorkspaceFolders: []WorkspaceFolder{
			{URI: FilePathToURI(c.cfg.ProjectDirectory), Name: filepath.Base(c.cfg.ProjectDirectory)},
		},
	}

	raw, err := conn.SendRequest(ctx, "initialize", initParams)
	if err != nil {
		conn.Stop()
		_ = proc.Close()
		return InitializeResult{}, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		conn.Stop()
		_ = proc.Close()
		return InitializeResult{}, fmt.Errorf("decoding initialize result: %w", err)
	}

	if err := conn.SendNotification("initialized", struct{}{}); err != nil {
		conn.Stop()
		_ = proc.Close()
		return InitializeResult{}, err
	}

	return result, nil
}

func stderrStdio(f *os.File) Stdio {
	if f == nil {
		return Stdio{Mode: StdioNone}
	}
	return Stdio{Mode: StdioFile, File: f}
}

// watchProcess waits for the subprocess to exit. If it exits while the
// controller is not in the middle of an intentional shutdown, this
// triggers crash-recovery restart with exponential backoff. This
// goroutine never takes serverInfoMu while waiting — only the restart
// path below does, briefly, matching the poll-thread lock-ordering rule
// applied to the watchdog side of lifecycle management.
func (c *Controller) watchProcess(proc *Process) {
	<-proc.ExitCh()

	c.serverInfoMu.Lock()
	shuttingDown := c.shuttingDown
	current := c.proc
	c.serverInfoMu.Unlock()

	if shuttingDown || current != proc || c.stopped.Load() {
		return
	}

	c.logger.Warn("subprocess exited unexpectedly, attempting recovery")
	c.attemptRestart()
}

func (c *Controller) attemptRestart() {
	now := time.Now()
	c.serverInfoMu.Lock()
	if now.Sub(c.windowStart) > crashBackoffWindow {
		c.windowStart = now
		c.restartCount = 0
	}
	c.restartCount++
	attempt := c.restartCount
	c.initialized = false
	c.serverInfoMu.Unlock()

	if attempt > maxRestartsBurst {
		c.logger.Error("giving up after %d restarts within %s", attempt-1, crashBackoffWindow)
		return
	}

	delay := calculateBackoff(attempt)
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	c.logger.Info("restarting in %s (attempt %d)", delay+jitter, attempt)
	time.Sleep(delay + jitter)

	if c.stopped.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.spawnAndHandshake(ctx); err != nil {
		c.logger.Error("restart attempt %d failed: %v", attempt, err)
	}
}

// Healthy reports whether the current subprocess is alive. Unlike
// Initialized, this does not require the initialize handshake to have
// completed — spec.md's editor-tick table distinguishes "healthy" (the
// process is running) from "initialized" (the handshake is done) so
// that a tick arriving mid-handshake can be queued rather than
// rejected or blocked.
func (c *Controller) Healthy() bool {
	c.serverInfoMu.Lock()
	defer c.serverInfoMu.Unlock()
	if c.proc == nil {
		return false
	}
	exited, _ := c.proc.Poll()
	return !exited
}

// Initialized reports whether the handshake has completed and hasn't
// been invalidated by a pending restart.
func (c *Controller) Initialized() bool {
	c.serverInfoMu.Lock()
	defer c.serverInfoMu.Unlock()
	return c.initialized
}

// Connection returns the current live connection, or nil before the
// first successful StartServer/restart.
func (c *Controller) Connection() *Connection {
	c.serverInfoMu.Lock()
	defer c.serverInfoMu.Unlock()
	return c.conn
}

// currentInitEventCh returns the in-flight initialize handshake's
// completion channel, or nil if none is in flight.
func (c *Controller) currentInitEventCh() chan struct{} {
	c.serverInfoMu.Lock()
	defer c.serverInfoMu.Unlock()
	return c.initEventCh
}

// runTick implements the lazy-start / queue-behind-initialize /
// handler-dispatch flow shared by OnFileReadyToParse, NotifyFileSaved,
// and NotifyFileClosed, per spec.md's editor-tick table:
//   - unhealthy and not yet started: start-and-initialize, then dispatch.
//   - healthy but not yet initialized: enqueue behind the in-flight
//     handshake's completion event.
//   - initialized: dispatch immediately through the registered handler
//     chain.
func (c *Controller) runTick(ctx context.Context, event FileTickEvent) error {
	if !c.Healthy() && !c.started.Load() {
		if _, err := c.StartServer(ctx); err != nil {
			return err
		}
		return c.runTickHandlers(event)
	}

	if c.Healthy() && !c.Initialized() {
		c.queueBehindInitialize(event)
		return nil
	}

	return c.runTickHandlers(event)
}

func (c *Controller) queueBehindInitialize(event FileTickEvent) {
	ch := c.currentInitEventCh()
	if ch == nil {
		_ = c.runTickHandlers(event)
		return
	}
	go func() {
		<-ch
		if err := c.runTickHandlers(event); err != nil {
			c.logger.Warn("queued tick handler error: %v", err)
		}
	}()
}

// OnFileReadyToParse feeds one editor tick's observed contents for
// filename through the registered tick handlers. store is expected to
// be a FileStateStore shared across ticks for this project.
func (c *Controller) OnFileReadyToParse(ctx context.Context, store *FileStateStore, filename string, contents []byte, languageID string) error {
	return c.runTick(ctx, FileTickEvent{Store: store, Filename: filename, Contents: contents, LanguageID: languageID, Kind: TickDirty})
}

// NotifyFileSaved feeds a saved_file event through the registered tick
// handlers.
func (c *Controller) NotifyFileSaved(ctx context.Context, store *FileStateStore, filename string, contents []byte) error {
	return c.runTick(ctx, FileTickEvent{Store: store, Filename: filename, Contents: contents, Kind: TickSaved})
}

// NotifyFileClosed feeds a file_close event through the registered tick
// handlers.
func (c *Controller) NotifyFileClosed(ctx context.Context, store *FileStateStore, filename string) error {
	return c.runTick(ctx, FileTickEvent{Store: store, Filename: filename, Kind: TickClosed})
}

// updateServerWithFileContents is the canonical tick handler, installed
// on every Controller at construction. Under tickMu it runs three
// phases: update dirty files, update saved files (collecting a purge
// set of tracked files missing from disk), and purge those missing
// files.
func updateServerWithFileContents(c *Controller, event FileTickEvent) error {
	conn := c.Connection()
	if conn == nil {
		return errNotStarted
	}
	store := event.Store
	if store == nil {
		return nil
	}

	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if event.Kind == TickClosed {
		return closeTrackedFile(conn, store, event.Filename)
	}

	// Phase 1: update dirty files.
	if event.Kind == TickDirty && event.Filename != "" {
		if err := applyDirty(conn, store, event.Filename, event.Contents, event.LanguageID); err != nil {
			return err
		}
	}

	// Phase 2: update saved files, collecting files missing from disk.
	var purge []string
	for _, filename := range store.Filenames() {
		fs := store.GetOrInsert(filename)
		if !fs.IsOpen() {
			continue
		}
		if _, err := os.Stat(filename); err != nil {
			if os.IsNotExist(err) {
				purge = append(purge, filename)
			}
			continue
		}
		if event.Kind == TickSaved && filename == event.Filename {
			if err := applySaved(conn, fs, filename, event.Contents); err != nil {
				return err
			}
		}
	}

	// Phase 3: purge missing files.
	for _, filename := range purge {
		if err := closeTrackedFile(conn, store, filename); err != nil {
			c.logger.Warn("purging %s: %v", filename, err)
		}
	}

	return nil
}

func applyDirty(conn *Connection, store *FileStateStore, filename string, contents []byte, languageID string) error {
	fs := store.GetOrInsert(filename)
	uri := FilePathToURI(filename)

	switch fs.Dirty(contents) {
	case OpenFile:
		return conn.SendNotification("textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{URI: uri, LanguageID: languageID, Version: fs.Version(), Text: string(contents)},
		})
	case ChangeFile:
		return conn.SendNotification("textDocument/didChange", DidChangeTextDocumentParams{
			TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: fs.Version()},
			ContentChanges: []TextDocumentContentChangeEvent{{Text: string(contents)}},
		})
	default:
		return nil
	}
}

func applySaved(conn *Connection, fs *FileState, filename string, contents []byte) error {
	if fs.Saved(contents) != ChangeFile {
		return nil
	}
	uri := FilePathToURI(filename)
	return conn.SendNotification("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: fs.Version()},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: string(contents)}},
	})
}

// closeTrackedFile sends didClose if filename was open, then removes
// its entry from store. Used both for explicit editor-close events and
// for purging files no longer present on disk.
func closeTrackedFile(conn *Connection, store *FileStateStore, filename string) error {
	fs := store.GetOrInsert(filename)
	defer store.Delete(filename)

	if fs.Close() != CloseFile {
		return nil
	}
	return conn.SendNotification("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(filename)},
	})
}

// ShutdownServer runs the orderly shutdown handshake and closes the
// subprocess. It sends the shutdown request and swallows
// ResponseAborted, logging and swallowing every other error; the exit
// notification is then sent unconditionally, gated only on the server
// still being alive, never on the shutdown request's outcome. It is
// idempotent.
func (c *Controller) ShutdownServer(ctx context.Context) error {
	c.serverInfoMu.Lock()
	if c.shuttingDown {
		c.serverInfoMu.Unlock()
		return nil
	}
	c.shuttingDown = true
	conn := c.conn
	proc := c.proc
	stderrFile := c.stderrFile
	c.serverInfoMu.Unlock()

	if conn == nil {
		return nil
	}

	if _, err := conn.SendRequest(ctx, "shutdown", nil); err != nil {
		if ce, ok := err.(*ClientError); !ok || ce.Kind != ErrResponseAborted {
			c.logger.Warn("shutdown request failed: %v", err)
		}
	}

	if c.Healthy() {
		if err := conn.SendNotification("exit", nil); err != nil {
			c.logger.Warn("exit notification failed: %v", err)
		}
	}

	conn.Stop()
	if proc != nil {
		_ = proc.Close()
	}
	if stderrFile != nil {
		_ = stderrFile.Close()
		if !c.cfg.KeepLogfiles {
			_ = os.Remove(stderrFile.Name())
		}
	}

	c.stopped.Store(true)
	close(c.doneCh)
	return nil
}

// Restart forces an immediate restart outside the crash-recovery path,
// e.g. in response to a user command.
func (c *Controller) Restart(ctx context.Context) (InitializeResult, error) {
	c.serverInfoMu.Lock()
	proc := c.proc
	conn := c.conn
	c.shuttingDown = true
	c.serverInfoMu.Unlock()

	if conn != nil {
		conn.Stop()
	}
	if proc != nil {
		_ = proc.Close()
	}

	c.serverInfoMu.Lock()
	c.shuttingDown = false
	c.serverInfoMu.Unlock()

	return c.spawnAndHandshake(ctx)
}

// Done is closed once ShutdownServer has completed.
func (c *Controller) Done() <-chan struct{} { return c.doneCh }
