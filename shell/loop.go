package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// maxLineSize is the longest input line accepted. Invoices with long route
// hints are the longest input.
const maxLineSize = 64 * 1024

// LoopConfig configures a command loop.
type LoopConfig struct {
	// Role selects the prompt.
	Role *Role

	// Parser turns lines into commands.
	Parser *Parser

	// Dispatcher executes the commands.
	Dispatcher *Dispatcher

	// In is read line by line.
	In io.Reader

	// Out receives the prompt and the command output.
	Out io.Writer

	// Echo prints each line after the prompt, for input that is not
	// typed on a terminal.
	Echo bool

	// Quit ends the loop when closed, for example on an interrupt.
	Quit <-chan struct{}
}

// EchoInput returns true when in is not a terminal, so that commands read
// from a pipe show up in the transcript.
func EchoInput(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}

	return !term.IsTerminal(int(f.Fd()))
}

// inputLine is one line of input. Lines longer than maxLineSize are dropped
// and only flagged, so the loop can report them and carry on.
type inputLine struct {
	text    string
	tooLong bool
}

// readLine reads the next line of r, draining the rest of it once it grows
// past maxLineSize. A last line without a newline is returned as a line.
func readLine(r *bufio.Reader) (inputLine, error) {
	var (
		buf     []byte
		tooLong bool
		partial bool
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if partial {
				return inputLine{text: string(buf), tooLong: tooLong},
					nil
			}

			return inputLine{}, err
		}

		if !tooLong {
			if len(buf)+len(chunk) > maxLineSize {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		if !isPrefix {
			return inputLine{text: string(buf), tooLong: tooLong}, nil
		}
		partial = true
	}
}

// readLines sends every line of r on the returned channel, which is closed at
// the end of the input. Read errors other than EOF are logged.
func readLines(r io.Reader, quit <-chan struct{}) <-chan inputLine {
	lines := make(chan inputLine)

	go func() {
		defer close(lines)

		reader := bufio.NewReaderSize(r, 4096)
		for {
			line, err := readLine(reader)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Errorf("Unable to read input: %v", err)
				}

				return
			}

			select {
			case lines <- line:
			case <-quit:
				return
			}
		}
	}()

	return lines
}

// Run prompts for commands and dispatches them one at a time until exit,
// end of input, context cancellation or the quit channel closes.
func Run(ctx context.Context, cfg *LoopConfig) error {
	quit := make(chan struct{})
	defer close(quit)

	lines := readLines(cfg.In, quit)

	for {
		fmt.Fprint(cfg.Out, cfg.Role.Prompt())

		var (
			line inputLine
			ok   bool
		)
		select {
		case line, ok = <-lines:
			if !ok {
				fmt.Fprintln(cfg.Out)
				log.Info("End of input, leaving command loop")

				return nil
			}

		case <-cfg.Quit:
			fmt.Fprintln(cfg.Out)
			log.Info("Shutdown requested, leaving command loop")

			return nil

		case <-ctx.Done():
			fmt.Fprintln(cfg.Out)
			return ctx.Err()
		}

		if line.tooLong {
			if cfg.Echo {
				fmt.Fprintln(cfg.Out)
			}
			fmt.Fprintf(cfg.Out, "Input line too long, the limit is %d "+
				"bytes\n", maxLineSize)
			log.Warnf("Dropped input line longer than %d bytes",
				maxLineSize)

			continue
		}

		if cfg.Echo {
			fmt.Fprintln(cfg.Out, line.text)
		}

		cmd := cfg.Parser.Parse(line.text)
		log.Debugf("Dispatching %T", cmd)

		if cfg.Dispatcher.Dispatch(ctx, cmd) {
			log.Info("Exit requested, leaving command loop")
			return nil
		}
	}
}
