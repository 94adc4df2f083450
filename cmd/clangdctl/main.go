// Package main is a small demo CLI driving a language server through
// the connection engine: spawn, initialize, open one file, print the
// first server notification, shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	clangdconn "github.com/example/clangdconn"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()
	if opts.showVersion {
		fmt.Printf("clangdctl %s (%s)\n", version, commit)
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := clangdconn.NewLogger(clangdconn.WithLevel(opts.logLevel))

	projectDir, err := filepath.Abs(opts.projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving project directory: %v\n", err)
		return 1
	}

	controller := clangdconn.NewController(clangdconn.WithControllerConfig(clangdconn.ControllerConfig{
		ServerName:       "clangd",
		Command:          opts.command,
		Args:             opts.args,
		ProjectDirectory: projectDir,
		Logger:           logger,
		NotificationHandler: func(n clangdconn.Notification) {
			logger.Info("notification %s", n.Method)
		},
	}))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = controller.ShutdownServer(shutdownCtx)
	}()

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	result, err := controller.StartServer(initCtx)
	initCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting server: %v\n", err)
		return 1
	}
	name := "unknown"
	if result.ServerInfo != nil {
		name = result.ServerInfo.Name
	}
	logger.Info("initialized %s", name)

	if opts.file != "" {
		store := clangdconn.NewFileStateStore()
		contents, err := os.ReadFile(opts.file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", opts.file, err)
			return 1
		}
		if err := controller.OnFileReadyToParse(ctx, store, opts.file, contents, "cpp"); err != nil {
			fmt.Fprintf(os.Stderr, "opening %s: %v\n", opts.file, err)
			return 1
		}

		conn := controller.Connection()
		if n, ok := conn.PopNotificationWithTimeout(5 * time.Second); ok {
			fmt.Printf("%s: %s\n", n.Method, string(n.Params))
		} else {
			fmt.Println("no notification received within timeout")
		}

		if err := controller.NotifyFileClosed(ctx, store, opts.file); err != nil {
			fmt.Fprintf(os.Stderr, "closing %s: %v\n", opts.file, err)
		}
	} else {
		<-ctx.Done()
	}

	return 0
}

type cliOptions struct {
	command     string
	args        []string
	projectDir  string
	file        string
	logLevel    clangdconn.LogLevel
	showVersion bool
}

func parseFlags() cliOptions {
	var opts cliOptions
	var logLevelName string

	flag.StringVar(&opts.command, "command", "clangd", "Language server binary to spawn")
	flag.StringVar(&opts.projectDir, "dir", ".", "Project root directory")
	flag.StringVar(&opts.file, "file", "", "Source file to open and tick once")
	flag.StringVar(&logLevelName, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	flag.Parse()
	opts.args = flag.Args()

	switch logLevelName {
	case "debug":
		opts.logLevel = clangdconn.LogLevelDebug
	case "warn":
		opts.logLevel = clangdconn.LogLevelWarn
	case "error":
		opts.logLevel = clangdconn.LogLevelError
	default:
		opts.logLevel = clangdconn.LogLevelInfo
	}
	return opts
}
