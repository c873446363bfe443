package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

var errUnknownCommand = errors.New("unknown command")

// execIface is the command surface the REPL drives. The real App satisfies
// it; tests provide a lightweight stub.
type execIface interface {
	Touch()
	Exec(ctx context.Context, name string, args []string) error
	Help() []string
}

// runREPL reads one command per line from in and dispatches it to a.
//
// The first token is the command name and the rest are its arguments.
// "help" lists the commands available in the current state, "exit" and
// "quit" leave the loop, as does EOF. Every other line counts as user
// activity before it is executed. Command errors are printed and the loop
// goes on.
func runREPL(ctx context.Context, a execIface, statusFn func() string, in *bufio.Reader) {
	for {
		printlnFn(fmt.Sprintf("gm> %s > ", statusFn()))
		line, err := in.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			for _, l := range a.Help() {
				printlnFn(l)
			}

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			a.Touch()
			if err := a.Exec(ctx, cmd, args); err != nil {
				if errors.Is(err, errUnknownCommand) {
					printlnFn("Unknown command:", cmd)
				} else {
					printlnFn("Error:", err)
				}
			}
		}
	}
}
