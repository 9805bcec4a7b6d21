package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Omena0/statemap"
	"github.com/ergochat/readline"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("open"),
	readline.PcItem("openz"),
	readline.PcItem("connect"),
	readline.PcItem("listen"),
	readline.PcItem("set"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("pop"),
	readline.PcItem("show"),
	readline.PcItem("len"),
	readline.PcItem("clear"),
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

const usage = `open <path>            state mirrored to a file
openz <path> [level]   same, zstd-compressed
connect <host:port>    replicate against a hub (or stay local until listen)
listen                 promote this instance to the hub
set <key> <json>       set a key (value parsed as JSON, else kept as string)
get <key>              print one value
del <key>              delete a key
pop <key>              remove and print a value
show                   print the whole state
len                    number of keys
clear                  drop everything
exit                   quit`

var errNoContainer = errors.New("no container open; use open/openz/connect first")

// parseValue takes the raw argument as JSON and falls back to a plain
// string, so `set k 1`, `set k {"a":[1,2]}` and `set k hello` all work.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func show(m *statemap.Map) {
	for k, v := range m.Items() {
		raw, err := json.Marshal(v)
		if err != nil {
			fmt.Printf("%s\t%v\n", k, v)
			continue
		}
		fmt.Printf("%s\t%s\n", k, raw)
	}
}

func run(line string, m **statemap.Map, repl **statemap.Replicated) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "help":
		fmt.Println(usage)

	case "open":
		if len(args) != 1 {
			return errors.New("usage: open <path>")
		}
		obj, err := statemap.New(statemap.NewFile(args[0]), nil)
		if err != nil {
			return err
		}
		*m, *repl = obj, nil

	case "openz":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: openz <path> [level]")
		}
		level := statemap.DefaultCompressionLevel
		if len(args) == 2 {
			var err error
			if level, err = strconv.Atoi(args[1]); err != nil {
				return err
			}
		}
		backend, err := statemap.NewCompressedFile(args[0], level)
		if err != nil {
			return err
		}
		obj, err := statemap.New(backend, nil)
		if err != nil {
			return err
		}
		*m, *repl = obj, nil

	case "connect":
		if len(args) != 1 {
			return errors.New("usage: connect <host:port>")
		}
		backend, err := statemap.NewReplicated(args[0])
		if err != nil {
			return err
		}
		obj, err := statemap.New(backend, nil)
		if err != nil {
			return err
		}
		*m, *repl = obj, backend
		fmt.Println("role:", backend.Role())

	case "listen":
		if *repl == nil {
			return errors.New("connect first, then listen")
		}
		go func(r *statemap.Replicated) {
			if err := r.Serve(context.Background()); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
			}
		}(*repl)

	case "set":
		if *m == nil {
			return errNoContainer
		}
		if len(args) < 2 {
			return errors.New("usage: set <key> <value>")
		}
		return (*m).Set(args[0], parseValue(strings.Join(args[1:], " ")))

	case "get":
		if *m == nil {
			return errNoContainer
		}
		if len(args) != 1 {
			return errors.New("usage: get <key>")
		}
		v, ok := (*m).Get(args[0])
		if !ok {
			return statemap.ErrKeyNotFound
		}
		fmt.Printf("%v\n", v)

	case "del":
		if *m == nil {
			return errNoContainer
		}
		if len(args) != 1 {
			return errors.New("usage: del <key>")
		}
		return (*m).Delete(args[0])

	case "pop":
		if *m == nil {
			return errNoContainer
		}
		if len(args) != 1 {
			return errors.New("usage: pop <key>")
		}
		v, err := (*m).Pop(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%v\n", v)

	case "show", "list":
		if *m == nil {
			return errNoContainer
		}
		show(*m)

	case "len":
		if *m == nil {
			return errNoContainer
		}
		fmt.Println((*m).Len())

	case "clear":
		if *m == nil {
			return errNoContainer
		}
		return (*m).Clear()

	default:
		return fmt.Errorf("command unknown: %s", cmd)
	}
	return nil
}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/statemap.history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	var m *statemap.Map
	var repl *statemap.Replicated

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			break
		}

		if err := run(line, &m, &repl); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
	}

	if repl != nil {
		_ = repl.Close()
	}
}
