package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	if len(os.Args) != 2 {
		_, _ = fmt.Fprintln(os.Stderr, "Usage: objtrace <snapshot-dir>")
		os.Exit(2)
	}
	repl := REPL{}
	if err := repl.Open(os.Args[1]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer func() { _ = repl.Close() }()

	for {
		err := repl.REPL()
		if err == io.EOF {
			break
		}
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}
