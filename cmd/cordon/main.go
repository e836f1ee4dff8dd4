// Command cordon runs agent commands in a disposable sandbox.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cordon-project/cordon"
	"github.com/cordon-project/cordon/internal/config"
	cordonmcp "github.com/cordon-project/cordon/internal/mcp"
	"github.com/cordon-project/cordon/internal/report"
	"github.com/cordon-project/cordon/internal/sandbox"
	"github.com/cordon-project/cordon/internal/task"
	units "github.com/docker/go-units"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("cordon: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runMain(args)
	case "task":
		err = taskMain(args)
	case "status":
		err = statusMain(args)
	case "mcp":
		err = mcpMain(args)
	case "version":
		fmt.Println(cordon.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "cordon: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: cordon <command> [flags] [args]

Commands:
  run         Run a command in the sandbox: cordon run [flags] -- <cmd> [args...]
  task        Run a named task (test, build, lint) for the detected project
  status      Show sandbox mode, backend, project type, image, and limits
  mcp         Start the MCP server
  version     Print the version
  help        Show this help

Use "cordon <command> -h" for command-specific flags.`)
}

// --- run ---

func runMain(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "directory to run in (default: repository root)")
	timeoutFlag := fs.Duration("timeout", 0, "override configured timeout (e.g. 5m)")
	jsonFlag := fs.Bool("json", false, "print the run record as JSON")
	_ = fs.Parse(args)

	argv := fs.Args()
	if len(argv) == 0 {
		return fmt.Errorf("run: no command given, see 'cordon help'")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := newLogger()
	eng, loaded, err := newEngine(ctx, logger)
	if err != nil {
		return err
	}

	dir := loaded.RepoRoot
	if *dirFlag != "" {
		dir = *dirFlag
	}

	rec, err := eng.Exec(ctx, dir, argv, *timeoutFlag)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	finishRun(rec, eng.Sandbox, *timeoutFlag, *jsonFlag)
	return nil
}

// --- task ---

func taskMain(args []string) error {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "directory to run in (default: repository root)")
	timeoutFlag := fs.Duration("timeout", 0, "override configured timeout (e.g. 5m)")
	jsonFlag := fs.Bool("json", false, "print the run record as JSON")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("task: no task name given (known tasks: %s)", strings.Join(task.Names(), ", "))
	}
	name, extra := rest[0], rest[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := newLogger()
	eng, loaded, err := newEngine(ctx, logger)
	if err != nil {
		return err
	}

	dir := loaded.RepoRoot
	if *dirFlag != "" {
		dir = *dirFlag
	}

	rec, err := eng.Run(ctx, dir, name, extra, *timeoutFlag)
	if err != nil {
		return fmt.Errorf("task: %w", err)
	}

	finishRun(rec, eng.Sandbox, *timeoutFlag, *jsonFlag)
	return nil
}

// finishRun emits the captured output and exits with the command's own
// exit code. A command killed before exiting (negative code) maps to
// exit 1.
func finishRun(rec *report.Record, cfg sandbox.Config, timeoutFlag time.Duration, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rec)
	} else {
		writeStream(os.Stdout, rec.Stdout)
		writeStream(os.Stderr, rec.Stderr)
		if rec.Truncated {
			fmt.Fprintln(os.Stderr, "cordon: output truncated")
		}
	}

	if rec.TimedOut {
		timeout := timeoutFlag
		if timeout <= 0 {
			timeout = cfg.DefaultTimeout
		}
		fmt.Fprintf(os.Stderr, "cordon: timed out after %s (a shell would report exit 124)\n", timeout)
	}

	code := rec.Code
	if code < 0 {
		code = 1
	}
	os.Exit(code)
}

// writeStream copies one captured stream, ensuring a trailing newline.
func writeStream(w io.Writer, s string) {
	if s == "" {
		return
	}
	fmt.Fprint(w, s)
	if !strings.HasSuffix(s, "\n") {
		fmt.Fprintln(w)
	}
}

// --- status ---

func statusMain(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := newLogger()
	eng, loaded, err := newEngine(ctx, logger)
	if err != nil {
		return err
	}

	cfg := eng.Sandbox
	typ := sandbox.Detect(loaded.RepoRoot)

	fmt.Printf("Workspace: %s\n", loaded.RepoRoot)
	fmt.Printf("Mode:      %s\n", cfg.Mode)
	fmt.Printf("Backend:   %s\n", eng.Runner.Name())
	fmt.Printf("Project:   %s\n", typ)
	fmt.Printf("Image:     %s\n", sandbox.GetImage(typ, cfg))
	fmt.Println()
	fmt.Println("Limits:")
	fmt.Printf("  cpus:       %g\n", cfg.CPUs)
	fmt.Printf("  memory:     %s\n", units.BytesSize(float64(cfg.Memory)))
	fmt.Printf("  pids:       %d\n", cfg.PidsLimit)
	fmt.Printf("  timeout:    %s\n", cfg.DefaultTimeout)
	fmt.Printf("  max output: %s per stream\n", units.BytesSize(float64(cfg.MaxOutput)))
	return nil
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(cordonmcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serve(ctx, *httpAddr)
}

func serve(ctx context.Context, httpAddr string) error {
	logger := newLogger()
	eng, loaded, err := newEngine(ctx, logger)
	if err != nil {
		return err
	}

	server := cordonmcp.NewServer(loaded.Config, eng, eng.Store, loaded.RepoRoot)

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// --- shared ---

// newLogger builds the process logger. CORDON_DEBUG enables debug
// output.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("CORDON_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func newEngine(ctx context.Context, logger *slog.Logger) (*task.Engine, *config.LoadResult, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("determining workspace: %w", err)
	}

	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config

	sandboxCfg := cfg.RunnerConfig(logger)
	store := report.NewLRUStore(cfg.CacheSize(), report.NewDiskStore())

	return &task.Engine{
		Runner:  sandbox.NewRunner(ctx, sandboxCfg, logger),
		Store:   store,
		Config:  cfg,
		Sandbox: sandboxCfg,
		Logger:  logger,
	}, loaded, nil
}
