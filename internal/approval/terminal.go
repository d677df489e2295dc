package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TerminalConfirmer prompts on the controlling terminal. Answers:
//
//	y, yes          run once
//	a, always       run and remember for the session
//	n [feedback]    decline, optionally telling the agent why
//
// When stdin is not a terminal every request is denied with ErrNoTerminal.
type TerminalConfirmer struct {
	in    *bufio.Reader
	out   io.Writer
	isTTY func() bool
	mu    sync.Mutex // one prompt at a time
}

// StdinReader is the process-wide buffered reader over os.Stdin. Anything
// else reading lines from stdin must share it, or the buffer swallows
// answers meant for the prompt.
var StdinReader = sync.OnceValue(func() *bufio.Reader {
	return bufio.NewReader(os.Stdin)
})

// NewTerminalConfirmer prompts on stderr and reads stdin.
func NewTerminalConfirmer() *TerminalConfirmer {
	return newTerminalConfirmer(StdinReader(), os.Stderr, func() bool {
		return term.IsTerminal(int(os.Stdin.Fd()))
	})
}

func newTerminalConfirmer(in io.Reader, out io.Writer, isTTY func() bool) *TerminalConfirmer {
	return &TerminalConfirmer{in: bufio.NewReader(in), out: out, isTTY: isTTY}
}

// RequestConfirmation implements Confirmer.
func (t *TerminalConfirmer) RequestConfirmation(ctx context.Context, d Details) (Response, error) {
	if !t.isTTY() {
		return Response{Confirmed: false, Feedback: ErrNoTerminal.Error()}, ErrNoTerminal
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	where := d.Mode
	if d.Network != "" && d.Mode == "sandbox" {
		where += ", network " + d.Network
	}
	fmt.Fprintf(t.out, "\nRun command (%s, risk %s)?\n  $ %s\n", where, d.Risk, d.Command)
	if d.Reason != "" {
		fmt.Fprintf(t.out, "  reason: %s\n", d.Reason)
	}
	fmt.Fprint(t.out, "[y]es / [a]lways / [n]o <feedback>: ")

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		if err != nil && line == "" {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return Response{Confirmed: false, Feedback: "confirmation timed out"}, ctx.Err()
	case err := <-errs:
		return Response{Confirmed: false, Feedback: "no answer"}, fmt.Errorf("reading answer: %w", err)
	case line := <-lines:
		return parseAnswer(line), nil
	}
}

func parseAnswer(line string) Response {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "y", "yes":
		return Response{Confirmed: true, ApprovedBy: "user"}
	case "a", "always":
		return Response{Confirmed: true, ApprovedBy: "user", Remember: true}
	case "n", "no":
		return Response{Confirmed: false, ApprovedBy: "user", Feedback: strings.TrimSpace(rest)}
	default:
		// Anything else is a decline whose text is the feedback.
		return Response{Confirmed: false, ApprovedBy: "user", Feedback: line}
	}
}
