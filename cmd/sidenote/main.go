// Command sidenote runs the document assistant against an in-memory
// document: a stdin-driven chat REPL standing in for the editor host's
// re-entry loop, plus the optional local HTTP listener.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/calunsford/sidenote/pkg/config"
	"github.com/calunsford/sidenote/pkg/dispatch"
	"github.com/calunsford/sidenote/pkg/doc"
	"github.com/calunsford/sidenote/pkg/engine"
	"github.com/calunsford/sidenote/pkg/errors"
	"github.com/calunsford/sidenote/pkg/logging"
	"github.com/calunsford/sidenote/pkg/model"
	"github.com/calunsford/sidenote/pkg/server"
	"github.com/calunsford/sidenote/pkg/telemetry"
	"github.com/calunsford/sidenote/pkg/tool"
)

var (
	version = "1.0.0-dev"
	commit  = "unknown"
)

const systemPrompt = `You are a writing assistant embedded in a document editor.
You help the user read, restructure and edit the document they have open.
Use the provided tools to inspect and modify the document; offsets count
characters, not bytes. If a capability you need is not in your current tool
list, call list_available_intents and request_tools to unlock it.`

const sampleDocument = `Sidenote is a small writing assistant. This sample document exists so
the REPL has something to edit.

Ask it to restructure a paragraph, insert a table, or export the document
as markdown.`

func main() {
	var (
		configPath  = flag.String("config", "", "config file path (default ~/.sidenote/config.yaml)")
		docPath     = flag.String("doc", "", "markdown file to load as the working document")
		prompt      = flag.String("prompt", "", "run a single turn with this prompt and exit")
		noListener  = flag.Bool("no-listener", false, "disable the local HTTP listener")
		enableTrace = flag.Bool("trace", false, "emit spans to stdout")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sidenote %s (%s)\n", version, commit)
		return
	}

	if err := run(*configPath, *docPath, *prompt, *noListener, *enableTrace); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, docPath, prompt string, noListener, enableTrace bool) error {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "no API key configured").
			WithContext("env", config.APIKeyEnvVar)
	}

	sessionID := ulid.Make().String()
	log, err := logging.NewLogger(cfg.Logging.Dir, sessionID)
	if err != nil {
		return err
	}
	defer log.Close()
	log.SetMinLevel(logging.Level(cfg.Logging.Level))
	log.Info(logging.CategorySession, "startup", "assistant starting", map[string]any{
		"version": version,
		"config":  cfg.Summary(),
	})

	hub := telemetry.NewHub()
	defer hub.Close()

	if enableTrace {
		tp, terr := telemetry.NewTracerProvider("sidenote")
		if terr != nil {
			return terr
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	host, err := loadDocument(docPath)
	if err != nil {
		return err
	}

	broker := tool.NewBroker()
	doc.RegisterTools(broker, host)

	client := model.NewClient(model.ClientOptions{
		APIKey:             cfg.Provider.APIKey,
		BaseURL:            cfg.Provider.BaseURL,
		NetworkLogDir:      filepath.Join(cfg.Logging.Dir, "network"),
		NetworkLogsEnabled: cfg.Provider.NetworkLogs,
		Timeout:            cfg.ProviderTimeout(),
	})

	session := engine.NewSession(systemPrompt, log)
	session.ID = sessionID
	queue := dispatch.NewQueue(log, hub)

	loop := engine.NewLoop(engine.LoopOptions{
		Config:   cfg,
		Provider: client,
		Broker:   broker,
		Session:  session,
		Queue:    queue,
		Host:     host,
		Hub:      hub,
		Logger:   log,
		Sink:     &consoleSink{out: os.Stdout},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Listener.Enabled && !noListener {
		srv := server.New(server.Options{
			Bind:  cfg.Listener.Bind,
			Queue: queue,
			Host:  host,
			Log:   log,
		})
		g.Go(func() error { return srv.Start(ctx) })
		fmt.Printf("listener on http://%s\n", cfg.Listener.Bind)
	}

	if prompt != "" {
		err := runTurn(ctx, loop, prompt)
		stop()
		if gerr := g.Wait(); err == nil {
			err = gerr
		}
		return err
	}

	g.Go(func() error {
		defer stop()
		return repl(ctx, loop, host)
	})
	return g.Wait()
}

func loadDocument(path string) (*doc.MemoryDoc, error) {
	if path == "" {
		return doc.NewMemoryDoc("Untitled", sampleDocument), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "reading document file").
			WithContext("path", path)
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return doc.NewMemoryDoc(title, string(data)), nil
}

// repl reads prompts from stdin and runs one turn per line. It is the
// process's mutation goroutine: turns, tool handlers and drained queue
// items all execute here.
func repl(ctx context.Context, loop *engine.Loop, host *doc.MemoryDoc) error {
	fmt.Printf("sidenote %s — /help for commands\n", version)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Println("/doc    print the document\n/undo   revert the last assistant turn\n/quit   exit")
			continue
		case line == "/doc":
			md, err := host.Markdown(doc.ScopeFull)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(md)
			continue
		case line == "/undo":
			if host.Undo() {
				fmt.Println("reverted")
			} else {
				fmt.Println("nothing to undo")
			}
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %s\n", line)
			continue
		}

		if err := runTurn(ctx, loop, line); err != nil {
			fmt.Printf("turn failed: %v\n", err)
		}
	}
}

func runTurn(ctx context.Context, loop *engine.Loop, prompt string) error {
	// Ctrl-C during a turn cancels the turn, not the process.
	turnCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	outcome, err := loop.RunTurn(turnCtx, prompt)
	fmt.Println()
	switch {
	case err != nil && outcome != nil && outcome.RoundLimit:
		fmt.Printf("[stopped: round limit after %d rounds]\n", outcome.Rounds)
		return nil
	case err != nil:
		return err
	case outcome.Cancelled:
		fmt.Println("[cancelled]")
	case outcome.FinishReason == model.FinishLength:
		fmt.Println("[reply truncated by the model's length limit]")
	}
	return nil
}

// consoleSink renders turn progress on the terminal.
type consoleSink struct {
	out       *os.File
	reasoning bool
}

func (s *consoleSink) OnRoundStart(round int) {
	if round > 1 {
		fmt.Fprintf(s.out, "\n[round %d]\n", round)
	}
}

func (s *consoleSink) OnContent(text string) {
	if s.reasoning {
		fmt.Fprintln(s.out)
		s.reasoning = false
	}
	fmt.Fprint(s.out, text)
}

func (s *consoleSink) OnReasoning(text string) {
	if !s.reasoning {
		fmt.Fprint(s.out, "\n… ")
		s.reasoning = true
	}
	fmt.Fprint(s.out, text)
}

func (s *consoleSink) OnToolStart(invocationID, name string) {
	fmt.Fprintf(s.out, "\n[%s]", name)
}

func (s *consoleSink) OnToolEnd(result tool.Result) {
	if result.Status == tool.StatusError {
		fmt.Fprint(s.out, " failed")
	}
	fmt.Fprintln(s.out)
}
