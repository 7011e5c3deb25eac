package interaction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a prompt needs a human but stdin is
// not a terminal.
var ErrNotInteractive = errors.New("stdin is not a terminal")

// compile-time interface check.
var _ UserInteraction = (*Terminal)(nil)

// Terminal prompts on the controlling TTY. Used by the CLI.
type Terminal struct {
	in  io.Reader
	out io.Writer
	// AssumeYes answers every prompt with ResultOK without asking.
	AssumeYes bool

	isTerminal func() bool
	lines      chan string
}

// NewTerminal prompts on stdin/stdout.
func NewTerminal(assumeYes bool) *Terminal {
	fd := int(os.Stdin.Fd()) //nolint:gosec // fd fits in int
	t := newTerminal(os.Stdin, os.Stdout, func() bool { return term.IsTerminal(fd) })
	t.AssumeYes = assumeYes
	return t
}

func newTerminal(in io.Reader, out io.Writer, isTerminal func() bool) *Terminal {
	return &Terminal{in: in, out: out, isTerminal: isTerminal}
}

func (t *Terminal) Confirm(ctx context.Context, title, message string) (Result, error) {
	return t.prompt(ctx, title, message, "Continue? [y/N] ")
}

func (t *Terminal) Alert(ctx context.Context, title, message string) (Result, error) {
	return t.prompt(ctx, title, message, "Press enter to continue ")
}

func (t *Terminal) License(ctx context.Context, title, text string) (Result, error) {
	return t.prompt(ctx, title, text, "Accept the license? [y/N] ")
}

func (t *Terminal) LicenseURL(ctx context.Context, title, url string) (Result, error) {
	return t.prompt(ctx, title, "The license is available at "+url, "Accept the license? [y/N] ")
}

func (t *Terminal) prompt(ctx context.Context, title, body, question string) (Result, error) {
	if t.AssumeYes {
		return ResultOK, nil
	}
	if !t.isTerminal() {
		return ResultUndefined, ErrNotInteractive
	}
	fmt.Fprintf(t.out, "\n== %s ==\n%s\n\n%s", title, body, question)

	// The reader goroutine outlives a cancelled prompt and feeds the next one.
	if t.lines == nil {
		t.lines = make(chan string)
		go func() {
			sc := bufio.NewScanner(t.in)
			for sc.Scan() {
				t.lines <- sc.Text()
			}
			close(t.lines)
		}()
	}
	select {
	case line, ok := <-t.lines:
		if !ok {
			return ResultCancel, nil
		}
		if strings.HasPrefix(question, "Press enter") {
			return ResultOK, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return ResultOK, nil
		default:
			return ResultCancel, nil
		}
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return ResultUndefined, ctx.Err()
	}
}
