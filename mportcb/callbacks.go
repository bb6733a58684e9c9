// Package mportcb holds the pluggable collaborator interfaces the engine
// consumes but does not own: user messaging, progress display, yes/no
// confirmation, subprocess spawning, HTTP fetching and time. The engine
// never writes to stdout/stderr or reads the environment directly; it goes
// through these.
package mportcb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// MsgSink receives user-visible output lines.
type MsgSink interface {
	Emit(line string)
}

// ProgressSink receives progress meter updates during long operations.
type ProgressSink interface {
	Init(title string)
	Step(current, total int, label string)
	Finish()
}

// ConfirmSink asks the user a yes/no question.
type ConfirmSink interface {
	Ask(msg, yes, no string, defaultYes bool) bool
}

// SystemCommand spawns an external process and reports its exit status.
type SystemCommand interface {
	Run(argv []string, env []string, dir string) (int, error)
}

// HttpFetcher retrieves a URL. The caller closes the returned body.
type HttpFetcher interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Callbacks bundles one of each collaborator. Zero fields are filled with
// terminal defaults by Fill().
type Callbacks struct {
	Msg      MsgSink
	Progress ProgressSink
	Confirm  ConfirmSink
	Command  SystemCommand
	Fetcher  HttpFetcher
	Clock    Clock
}

// Defaults returns a Callbacks set suitable for terminal use.
func Defaults() *Callbacks {
	return &Callbacks{
		Msg:      &WriterMsg{W: os.Stdout},
		Progress: &TerminalProgress{W: os.Stdout},
		Confirm:  &TerminalConfirm{In: os.Stdin, Out: os.Stdout},
		Command:  &ExecCommand{},
		Fetcher:  NewFetcher(DefaultFetchTimeout),
		Clock:    SystemClock{},
	}
}

// Fill replaces nil fields with terminal defaults.
func (c *Callbacks) Fill() *Callbacks {
	d := Defaults()
	if c.Msg == nil {
		c.Msg = d.Msg
	}
	if c.Progress == nil {
		c.Progress = d.Progress
	}
	if c.Confirm == nil {
		c.Confirm = d.Confirm
	}
	if c.Command == nil {
		c.Command = d.Command
	}
	if c.Fetcher == nil {
		c.Fetcher = d.Fetcher
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

func (c *Callbacks) Emitf(format string, args ...any) {
	c.Msg.Emit(fmt.Sprintf(format, args...))
}

// WriterMsg writes each line to W.
type WriterMsg struct {
	W io.Writer
}

func (m *WriterMsg) Emit(line string) {
	fmt.Fprintln(m.W, line)
}

// DiscardMsg drops all output. Used by quiet mode and tests.
type DiscardMsg struct{}

func (DiscardMsg) Emit(string) {}

// TerminalProgress renders a simple counter meter.
type TerminalProgress struct {
	W     io.Writer
	title string
}

func (p *TerminalProgress) Init(title string) {
	p.title = title
	fmt.Fprintf(p.W, "%s\n", title)
}

func (p *TerminalProgress) Step(current, total int, label string) {
	fmt.Fprintf(p.W, "\r[%d/%d] %s", current, total, label)
}

func (p *TerminalProgress) Finish() {
	fmt.Fprintf(p.W, "\n")
}

// NopProgress ignores all progress updates.
type NopProgress struct{}

func (NopProgress) Init(string)           {}
func (NopProgress) Step(int, int, string) {}
func (NopProgress) Finish()               {}

// TerminalConfirm prompts on Out and reads a line from In. AssumeYes
// short-circuits every question to a yes answer, whatever its default.
type TerminalConfirm struct {
	In        io.Reader
	Out       io.Writer
	AssumeYes bool
}

func (c *TerminalConfirm) Ask(msg, yes, no string, defaultYes bool) bool {
	if c.AssumeYes {
		return true
	}
	def := no
	if defaultYes {
		def = yes
	}
	fmt.Fprintf(c.Out, "%s [%s/%s] (%s): ", msg, yes, no, def)

	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil {
		return defaultYes
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultYes
	}
	switch line[0] {
	case 'y', 'Y', 't', 'T', '1':
		return true
	case 'n', 'N', 'f', 'F', '0':
		return false
	}
	return false
}

// StaticConfirm always answers the same way. Used by tests and when
// assume_always_yes is set.
type StaticConfirm struct {
	Answer bool
}

func (c StaticConfirm) Ask(string, string, string, bool) bool { return c.Answer }

// ExecCommand runs processes through os/exec. A nil Env inherits the
// parent environment unchanged; a non-nil one is appended to it.
type ExecCommand struct{}

func (ExecCommand) Run(argv []string, env []string, dir string) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	return -1, err
}

// SystemClock reads the real time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
