// Package cli implements rconsole's interactive console. Plain lines are
// sent to the server as RCON commands; lines starting with a dot are
// local builtins.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/rconsole/internal/connector"
	"github.com/energizer-project/rconsole/internal/db"
	"github.com/energizer-project/rconsole/internal/events"
)

const defaultHistoryRows = 10

// Console is the command surface the CLI drives.
type Console interface {
	Execute(ctx context.Context, command string) (string, error)
	Reconnect()
	Status() connector.Status
}

// HistoryReader returns recently executed commands.
type HistoryReader interface {
	Recent(ctx context.Context, n int) ([]db.HistoryEntry, error)
}

// CLI provides the interactive line console.
type CLI struct {
	console  Console
	history  HistoryReader
	eventBus *events.EventBus

	in     io.Reader
	out    io.Writer
	prompt string
}

// NewCLI creates a CLI reading from in and writing to out. history and
// eventBus may be nil.
func NewCLI(console Console, history HistoryReader, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		console:  console,
		history:  history,
		eventBus: eventBus,
		in:       in,
		out:      out,
		prompt:   "rcon> ",
	}
}

// Start runs the console until input ends, .quit is entered or ctx is
// done.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nrconsole ready. Type .help for builtins; anything else is sent to the server.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, c.prompt)

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				fmt.Fprintln(c.out)
				return
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !c.handleLine(ctx, line) {
			return
		}
	}
}

// handleLine runs one input line. It returns false when the console
// should stop.
func (c *CLI) handleLine(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, ".") {
		c.runCommand(ctx, line)
		return true
	}

	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case ".help", ".h":
		c.printHelp()
	case ".status", ".s":
		c.printStatus()
	case ".history":
		if err := c.printHistory(ctx, args); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	case ".reconnect":
		c.console.Reconnect()
		fmt.Fprintln(c.out, "Reconnection initiated")
	case ".quit", ".exit", ".q":
		fmt.Fprintln(c.out, "Shutting down rconsole...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return false
	default:
		fmt.Fprintf(c.out, "Unknown builtin: '%s'. Type .help for available builtins.\n", cmd)
	}
	return true
}

func (c *CLI) runCommand(ctx context.Context, command string) {
	response, err := c.console.Execute(ctx, command)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if response == "" {
		return
	}
	fmt.Fprint(c.out, response)
	if !strings.HasSuffix(response, "\n") {
		fmt.Fprintln(c.out)
	}
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                     rconsole Builtins                        ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  <command>          Send a command to the RCON server        ║")
	fmt.Fprintln(c.out, "║  .status            Show session status                      ║")
	fmt.Fprintln(c.out, "║  .history [n]       Show the last n commands (default 10)    ║")
	fmt.Fprintln(c.out, "║  .reconnect         Drop the session and dial again          ║")
	fmt.Fprintln(c.out, "║  .quit              Shut down rconsole                       ║")
	fmt.Fprintln(c.out, "║  .help              Show this help message                   ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	st := c.console.Status()

	since := "-"
	if !st.ConnectedSince.IsZero() {
		since = time.Since(st.ConnectedSince).Round(time.Second).String()
	}
	lastErr := st.LastError
	if lastErr == "" {
		lastErr = "-"
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Remote", "State", "Pending", "Connected For", "Retries", "Breaker", "Last Error"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.Append([]string{
		st.Remote,
		strings.ToUpper(st.State),
		strconv.Itoa(st.Pending),
		since,
		strconv.Itoa(st.Attempt),
		st.Breaker,
		lastErr,
	})
	tw.Render()

	if st.GaveUp {
		fmt.Fprintln(c.out, "  Retries stopped. Fix the password and run .reconnect.")
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) printHistory(ctx context.Context, args []string) error {
	if c.history == nil {
		return fmt.Errorf("command history is disabled")
	}

	n := defaultHistoryRows
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		n = v
	}

	entries, err := c.history.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No commands recorded yet")
		return nil
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Time", "Command", "Outcome", "Duration", "Response"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, e := range entries {
		tw.Append([]string{
			e.CreatedAt.Local().Format("15:04:05"),
			e.Command,
			e.Outcome,
			fmt.Sprintf("%dms", e.DurationMs),
			firstLine(e.Response, 48),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

// firstLine returns the first line of s, cut to max runes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if r := []rune(s); len(r) > max {
		s = string(r[:max-1]) + "…"
	}
	return s
}
