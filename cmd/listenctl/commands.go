package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/recognition"
	"github.com/mattn/go-shellwords"
	"github.com/nats-io/nats.go"
)

const usage = `usage: listenctl [-server URL] [-prefix PREFIX] [-timeout DURATION] <command> [flags]

commands:
  permission   report whether microphone access is granted
  initialize   load a Vosk model (-model PATH)
  listen       start a capture session (-follow prints events until it ends)
  stop         end the session and keep its final result
  cancel       end the session and discard its result
  locales      list the locales of the loaded model
  watch        print every event until interrupted
  history      read session history from the event store (-db PATH)
  shell        run commands read from stdin
  version      print the version
`

// errUsage marks argument errors; the flag package has already printed them.
var errUsage = errors.New("usage error")

type cli struct {
	server  string
	prefix  string
	timeout time.Duration
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	bus     *bus.Client
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	c := &cli{in: in, out: out, errOut: errOut}
	global := flag.NewFlagSet("listenctl", flag.ContinueOnError)
	global.SetOutput(errOut)
	global.Usage = func() { fmt.Fprint(errOut, usage) }
	global.StringVar(&c.server, "server", nats.DefaultURL, "NATS server URL")
	global.StringVar(&c.prefix, "prefix", "listen", "Subject prefix of the listener")
	global.DurationVar(&c.timeout, "timeout", 5*time.Second, "Request timeout")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}
	defer c.close()

	if err := c.dispatch(ctx, global.Args()); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	name, rest := args[0], args[1:]
	switch name {
	case "version":
		fmt.Fprintln(c.out, version)
		return nil
	case "history":
		return c.history(ctx, rest)
	case "permission":
		return c.permission(rest)
	case "initialize":
		return c.initialize(rest)
	case "listen":
		return c.listen(ctx, rest)
	case "stop":
		return c.ack(protocol.OpStop, rest)
	case "cancel":
		return c.ack(protocol.OpCancel, rest)
	case "locales":
		return c.locales(rest)
	case "watch":
		return c.watch(ctx, rest)
	case "shell":
		return c.shell(ctx)
	default:
		fmt.Fprintf(c.errOut, "unknown command %q\n", name)
		fmt.Fprint(c.errOut, usage)
		return errUsage
	}
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func (c *cli) connect(ctx context.Context) error {
	if c.bus != nil {
		return nil
	}
	logger := slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, config.BusConfig{
		Servers:        []string{c.server},
		ConnectTimeout: int(c.timeout / time.Millisecond),
		SubjectPrefix:  c.prefix,
	}, logger)
	if err != nil {
		return err
	}
	c.bus = client
	return nil
}

func (c *cli) close() {
	if c.bus != nil {
		c.bus.Close()
		c.bus = nil
	}
}

func (c *cli) request(op string, body any, out any) error {
	if err := c.connect(context.Background()); err != nil {
		return err
	}
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
	}
	msg, err := c.bus.Conn().Request(c.bus.Subject(protocol.TokenControl, op), data, c.timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *cli) boolResult(op string, resp protocol.BoolResponse) error {
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", op, resp.Error)
	}
	fmt.Fprintln(c.out, resp.OK)
	if !resp.OK {
		return fmt.Errorf("%s refused", op)
	}
	return nil
}

func (c *cli) permission(args []string) error {
	if err := parse(c.flags("permission"), args); err != nil {
		return err
	}
	var resp protocol.BoolResponse
	if err := c.request(protocol.OpHasPermission, nil, &resp); err != nil {
		return err
	}
	return c.boolResult(protocol.OpHasPermission, resp)
}

func (c *cli) initialize(args []string) error {
	var req protocol.InitializeRequest
	fs := c.flags("initialize")
	fs.StringVar(&req.ModelPath, "model", "", "Path to the Vosk model directory")
	fs.StringVar(&req.VoskLibraryPath, "library", "", "Path to libvosk")
	fs.StringVar(&req.ModelLocale, "locale", "", "Locale tag of the model, guessed from the path when empty")
	fs.StringVar(&req.ModelDisplayName, "display", "", "Display name of the model")
	fs.BoolVar(&req.DebugLogging, "debug", false, "Enable verbose engine logging")
	if err := parse(fs, args); err != nil {
		return err
	}
	var resp protocol.BoolResponse
	if err := c.request(protocol.OpInitialize, req, &resp); err != nil {
		return err
	}
	return c.boolResult(protocol.OpInitialize, resp)
}

func (c *cli) listen(ctx context.Context, args []string) error {
	var (
		partial   bool
		rate      int
		listenFor time.Duration
		pauseFor  time.Duration
		follow    bool
	)
	fs := c.flags("listen")
	fs.BoolVar(&partial, "partial", true, "Report partial results")
	fs.IntVar(&rate, "rate", 0, "Sample rate in Hz, the listener keeps its current rate when unset")
	fs.DurationVar(&listenFor, "listen-for", 0, "End the session after this long")
	fs.DurationVar(&pauseFor, "pause-for", 0, "End the session after this much silence following speech")
	fs.BoolVar(&follow, "follow", false, "Print events until the session ends")
	if err := parse(fs, args); err != nil {
		return err
	}

	req := protocol.ListenRequest{}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["partial"] {
		req.PartialResults = &partial
	}
	if set["rate"] {
		req.SampleRate = &rate
	}
	if set["listen-for"] {
		ms := int(listenFor / time.Millisecond)
		req.ListenForMillis = &ms
	}
	if set["pause-for"] {
		ms := int(pauseFor / time.Millisecond)
		req.PauseForMillis = &ms
	}

	if err := c.connect(ctx); err != nil {
		return err
	}
	var events chan *nats.Msg
	if follow {
		events = make(chan *nats.Msg, 256)
		sub, err := c.bus.Conn().ChanSubscribe(c.bus.Subject(protocol.TokenEvent, ">"), events)
		if err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
		defer sub.Unsubscribe()
		if err := c.bus.Conn().Flush(); err != nil {
			return err
		}
	}

	var resp protocol.BoolResponse
	if err := c.request(protocol.OpListen, req, &resp); err != nil {
		return err
	}
	if err := c.boolResult(protocol.OpListen, resp); err != nil || !follow {
		return err
	}
	return c.follow(ctx, events)
}

// follow prints events until the session reports done or doneNoResult. A
// cancelled session only reports notListening, so that starts a short grace
// period instead.
func (c *cli) follow(ctx context.Context, events <-chan *nats.Msg) error {
	var grace <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-grace:
			return nil
		case msg := <-events:
			env, ok := c.printEvent(msg)
			if !ok || env.Method != recognition.MethodNotifyStatus {
				continue
			}
			var status recognition.Status
			if err := json.Unmarshal(env.Payload, &status); err != nil {
				continue
			}
			switch status {
			case recognition.StatusDone, recognition.StatusDoneNoResult:
				return nil
			case recognition.StatusNotListening:
				grace = time.After(time.Second)
			}
		}
	}
}

func (c *cli) printEvent(msg *nats.Msg) (protocol.Envelope, bool) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		fmt.Fprintf(c.errOut, "invalid event on %s: %v\n", msg.Subject, err)
		return env, false
	}
	fmt.Fprintf(c.out, "%s %s %s\n", env.Timestamp.Format(time.RFC3339Nano), env.Method, env.Payload)
	return env, true
}

func (c *cli) ack(op string, args []string) error {
	if err := parse(c.flags(op), args); err != nil {
		return err
	}
	var resp protocol.AckResponse
	if err := c.request(op, nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "listening=%t\n", resp.Listening)
	return nil
}

func (c *cli) locales(args []string) error {
	if err := parse(c.flags("locales"), args); err != nil {
		return err
	}
	var resp protocol.LocalesResponse
	if err := c.request(protocol.OpLocales, nil, &resp); err != nil {
		return err
	}
	for _, locale := range resp.Locales {
		fmt.Fprintln(c.out, locale)
	}
	return nil
}

func (c *cli) watch(ctx context.Context, args []string) error {
	var sessionID string
	fs := c.flags("watch")
	fs.StringVar(&sessionID, "session", "", "Only print events of this session")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	events := make(chan *nats.Msg, 256)
	sub, err := c.bus.Conn().ChanSubscribe(c.bus.Subject(protocol.TokenEvent, ">"), events)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-events:
			var env protocol.Envelope
			if sessionID != "" && (json.Unmarshal(msg.Data, &env) != nil || env.SessionID != sessionID) {
				continue
			}
			c.printEvent(msg)
		}
	}
}

func (c *cli) history(ctx context.Context, args []string) error {
	var (
		path      string
		sessionID string
		limit     int
	)
	fs := c.flags("history")
	fs.StringVar(&path, "db", config.Default().EventStore.Path, "Path to the event store database")
	fs.StringVar(&sessionID, "session", "", "Print the events of this session instead of the session list")
	fs.IntVar(&limit, "limit", 20, "Maximum number of rows")
	if err := parse(fs, args); err != nil {
		return err
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: path, RetentionMode: "persistent"}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if sessionID != "" {
		events, err := store.ListSessionEvents(ctx, sessionID, limit)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Fprintf(c.out, "%s %s %s\n", e.CreatedAt.Format(time.RFC3339Nano), e.Method, e.Payload)
		}
		return nil
	}

	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Fprintf(c.out, "%s %s %s %s\n", s.SessionID, s.CreatedAt.Format(time.RFC3339), s.Outcome, s.NodeID)
	}
	return nil
}

// shell runs one command per input line, reusing the bus connection.
func (c *cli) shell(ctx context.Context) error {
	parser := shellwords.NewParser()
	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.errOut, "listen> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.errOut)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := parser.Parse(line)
		if err != nil {
			fmt.Fprintf(c.errOut, "parse: %v\n", err)
			continue
		}
		switch args[0] {
		case "exit", "quit":
			return nil
		case "shell":
			fmt.Fprintln(c.errOut, "already in a shell")
			continue
		}
		if err := c.dispatch(ctx, args); err != nil && !errors.Is(err, errUsage) {
			fmt.Fprintln(c.errOut, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
