// Program nrepl is an interactive command-line client for a network REPL
// server. It connects, clones a session, and enters a read-eval-print loop,
// with line editing when standard input is a terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	nrepl "github.com/aaronc/tools.nrepl"
	"github.com/aaronc/tools.nrepl/transport"
)

var flags struct {
	Addr string `flag:"addr,Server address (host:port)"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Interactive client for a network REPL server.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Run:      runREPL,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runREPL(env *command.Env) error {
	addr := flags.Addr
	if addr == "" {
		addr = "localhost:7888"
	}
	conn, err := transport.Dial(addr)
	if err != nil {
		return err
	}
	client := nrepl.NewClient(conn)
	defer client.Stop()

	ctx := context.Background()
	session, err := client.Clone(ctx, "")
	if err != nil {
		return fmt.Errorf("clone session: %w", err)
	}

	client.OnAsync(func(msg nrepl.Message) {
		switch {
		case msg["out"] != nil:
			fmt.Print(msg.String("out"))
		case msg["err"] != nil:
			fmt.Fprint(os.Stderr, msg.String("err"))
		case nrepl.HasStatus(msg, "need-input"):
			// Runs on the client's receive loop; the stdin round trip must
			// not block it.
			go feedInput(ctx, client, session)
		}
	})

	if isatty.IsTerminal(os.Stdin.Fd()) {
		return editLoop(ctx, client, session)
	}
	return scanLoop(ctx, client, session)
}

// show renders one streamed eval response.
func show(msg nrepl.Message) {
	switch {
	case msg["value"] != nil:
		fmt.Println(msg.String("value"))
	case msg["out"] != nil:
		fmt.Print(msg.String("out"))
	case msg["err"] != nil:
		fmt.Fprint(os.Stderr, msg.String("err"))
	case nrepl.HasStatus(msg, "need-input"):
		// handled by the async path; nothing to do here
	}
}

// stdin is shared across need-input prompts so buffered input is not lost
// between reads.
var stdin = bufio.NewReader(os.Stdin)

// feedInput reads one line from standard input and forwards it as stdin.
func feedInput(ctx context.Context, client *nrepl.Client, session string) {
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return
	}
	if err := client.Stdin(ctx, session, line); err != nil {
		log.Printf("stdin: %v", err)
	}
}

// editLoop is the interactive loop used when stdin is a terminal. Ctrl-C at
// the prompt exits. Ctrl-C during an evaluation is not turned into an
// interrupt op; the client sends no interrupt requests.
func editLoop(ctx context.Context, client *nrepl.Client, session string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		src, err := line.Prompt("=> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		if src == "" {
			continue
		}
		line.AppendHistory(src)
		if err := eval(ctx, client, session, src); err != nil {
			return err
		}
	}
}

// scanLoop reads requests line by line when stdin is not a terminal.
func scanLoop(ctx context.Context, client *nrepl.Client, session string) error {
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		if src := in.Text(); src != "" {
			if err := eval(ctx, client, session, src); err != nil {
				return err
			}
		}
	}
	return in.Err()
}

func eval(ctx context.Context, client *nrepl.Client, session, src string) error {
	final, err := client.Eval(ctx, session, src, show)
	if err != nil {
		return err
	}
	if nrepl.HasStatus(final, "interrupted") {
		fmt.Fprintln(os.Stderr, ";; interrupted")
	}
	return nil
}
