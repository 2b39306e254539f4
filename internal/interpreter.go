package internal

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Input Events
// =============================================================================

// InputEvent is one command read from an interactive or scripted input stream.
type InputEvent interface {
	implementsInputEvent()
}

// ClickInput clicks the button. An empty line is a click.
type ClickInput struct {
	Line int `json:"line"`
}

func (ClickInput) implementsInputEvent() {}

// WaitInput pauses the stream: "wait 100ms".
type WaitInput struct {
	Line     int           `json:"line"`
	Duration time.Duration `json:"duration"`
}

func (WaitInput) implementsInputEvent() {}

// StatusInput asks for a status line.
type StatusInput struct {
	Line int `json:"line"`
}

func (StatusInput) implementsInputEvent() {}

// UnmountInput tears the button down.
type UnmountInput struct {
	Line int `json:"line"`
}

func (UnmountInput) implementsInputEvent() {}

// QuitInput ends the session.
type QuitInput struct {
	Line int `json:"line"`
}

func (QuitInput) implementsInputEvent() {}

// InvalidInput reports a line that could not be understood.
type InvalidInput struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

func (InvalidInput) implementsInputEvent() {}

// =============================================================================
// Interpreter
// =============================================================================

// InterpretInput reads one command per line and sends events to the channel.
// It blocks until the reader is exhausted or returns an error.
// The channel is NOT closed when the function returns - caller owns the channel.
//
// Commands: "" or "click" [count], "wait <duration>", "status", "unmount",
// "quit". Lines starting with '#' are comments.
func InterpretInput(r io.Reader, events chan<- InputEvent) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(strings.ToLower(line))
		if len(fields) == 0 {
			events <- ClickInput{Line: lineNo}
			continue
		}

		switch fields[0] {
		case "click", "c":
			count, ok := parseClickCount(fields[1:])
			if !ok {
				events <- InvalidInput{Line: lineNo, Text: line, Reason: "click count must be a positive integer"}
				continue
			}
			for range count {
				events <- ClickInput{Line: lineNo}
			}
		case "wait", "sleep", "w":
			if len(fields) != 2 {
				events <- InvalidInput{Line: lineNo, Text: line, Reason: "wait takes one duration"}
				continue
			}
			d, err := time.ParseDuration(fields[1])
			if err != nil || d < 0 {
				events <- InvalidInput{Line: lineNo, Text: line, Reason: "invalid duration"}
				continue
			}
			events <- WaitInput{Line: lineNo, Duration: d}
		case "status", "s":
			events <- StatusInput{Line: lineNo}
		case "unmount", "destroy":
			events <- UnmountInput{Line: lineNo}
		case "quit", "exit", "q":
			events <- QuitInput{Line: lineNo}
			return nil
		default:
			events <- InvalidInput{Line: lineNo, Text: line, Reason: "unknown command"}
		}
	}

	return scanner.Err()
}

// parseClickCount parses the optional repeat count of a click command.
func parseClickCount(args []string) (int, bool) {
	if len(args) == 0 {
		return 1, true
	}
	if len(args) > 1 {
		return 0, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// =============================================================================
// Output Formatting
// =============================================================================

// FormatHuman formats a DispatchResult as human-readable output.
func FormatHuman(result DispatchResult) string {
	var sb strings.Builder

	status := "ok"
	if result.Failed() {
		status = fmt.Sprintf("failed (exit %d)", result.ExitCode)
	}

	attempts := "attempt"
	if result.Attempts != 1 {
		attempts = "attempts"
	}

	sb.WriteString(fmt.Sprintf("dispatch #%d %s: %s after %d %s (%s)\n",
		result.Seq,
		result.Action,
		status,
		result.Attempts,
		attempts,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond),
	))

	if result.Error != "" {
		sb.WriteString(fmt.Sprintf("error: %s\n", result.Error))
	}
	if result.Output != "" {
		sb.WriteString(result.Output)
		sb.WriteString("\n")
	}

	return sb.String()
}
