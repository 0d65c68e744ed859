package main

import (
	"io"
	"strings"

	"github.com/ergochat/readline"

	"github.com/objtrace/objtrace/snapshot"
)

// Interactive browser over a written snapshot.
type REPL struct {
	store *snapshot.Store
	rl    *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("stats"),
	readline.PcItem("obj"),
	readline.PcItem("refs"),
	readline.PcItem("referencers"),
	readline.PcItem("roots"),
	readline.PcItem("unreachable"),

	readline.PcItem("clusters"),
	readline.PcItem("cluster"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open(path string) (err error) {
	repl.store, err = snapshot.Open(path)
	if err != nil {
		return
	}
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".objtrace_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	if repl.store != nil {
		_ = repl.store.Close()
		repl.store = nil
	}
	return nil
}

func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd := line
	arg := ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		cmd = line[:ws]
		arg = strings.TrimSpace(line[ws:])
	}

	switch cmd {
	case "help":
		return repl.CommandHelp()
	case "stats":
		return repl.CommandStats()
	case "obj", "show":
		return repl.CommandObject(arg)
	case "refs":
		return repl.CommandRefs(arg)
	case "referencers", "who":
		return repl.CommandReferencers(arg)
	case "roots":
		return repl.CommandRoots()
	case "unreachable":
		return repl.CommandUnreachable()
	case "clusters":
		return repl.CommandClusters()
	case "cluster":
		return repl.CommandCluster(arg)
	case "exit", "quit":
		return io.EOF
	default:
		return ErrUnknownCommand
	}
}
