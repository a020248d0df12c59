// Interactive console for a chronos replica.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"

	"github.com/NagaraTech/chronos"
)

type REPL struct {
	Host *chronos.Chronos
	Net  *chronos.Network

	rl *readline.Instance
}

var ErrBadArgs = errors.New("bad arguments")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("mute"),
	readline.PcItem("bye"),

	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("versions"),
	readline.PcItem("compact"),

	readline.PcItem("clock"),
	readline.PcItem("peers"),
	readline.PcItem("whoami"),

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

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".chronos_cmd_log.txt",
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
	return nil
}

// Run reads commands until exit or EOF.
func (repl *REPL) Run() {
	for {
		line, err := repl.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return
			}
			continue
		} else if err == io.EOF {
			return
		}

		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "help":
			fmt.Println("listen|connect|mute|bye addr, put k v, get k, " +
				"versions k, compact k, clock, peers, whoami, exit")
		case "listen":
			err = repl.eachAddr(args, repl.Net.Listen)
		case "connect":
			err = repl.eachAddr(args, repl.Net.Connect)
		case "mute":
			err = repl.addrCmd(args, repl.Net.Disconnect)
		case "bye":
			err = repl.addrCmd(args, repl.Net.Unlisten)
		case "put":
			err = repl.commandPut(args)
		case "get":
			err = repl.commandGet(args)
		case "versions":
			err = repl.commandVersions(args)
		case "compact":
			err = repl.commandCompact(args)
		case "clock":
			fmt.Println(repl.Host.Clock().String())
		case "peers":
			err = repl.commandPeers()
		case "whoami":
			fmt.Println(repl.Host.Source().String())
		case "exit", "quit":
			return
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error executing %s: %s\n", cmd, err.Error())
		}
	}
}

func (repl *REPL) eachAddr(args []string, fn func(context.Context, string) error) error {
	if len(args) == 0 {
		return ErrBadArgs
	}
	for _, addr := range args {
		if err := fn(context.Background(), addr); err != nil {
			return err
		}
	}
	return nil
}

func (repl *REPL) addrCmd(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return ErrBadArgs
	}
	return fn(args[0])
}

func (repl *REPL) commandPut(args []string) error {
	if len(args) < 2 {
		return ErrBadArgs
	}
	v, err := repl.Host.Put([]byte(args[0]), []byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	fmt.Println(v.ID().String())
	return nil
}

func (repl *REPL) commandGet(args []string) error {
	if len(args) != 1 {
		return ErrBadArgs
	}
	value, found, err := repl.Host.Get([]byte(args[0]))
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("(nil)")
		return nil
	}
	fmt.Println(string(value))
	return nil
}

func (repl *REPL) commandVersions(args []string) error {
	if len(args) != 1 {
		return ErrBadArgs
	}
	versions, err := repl.Host.Versions([]byte(args[0]))
	if err != nil {
		return err
	}
	for _, v := range versions {
		fmt.Printf("%s\t%q\t%s\n", v.ID().String(), v.Value, v.Context.String())
	}
	return nil
}

func (repl *REPL) commandCompact(args []string) error {
	if len(args) != 1 {
		return ErrBadArgs
	}
	dropped, err := repl.Host.Compact([]byte(args[0]))
	if err != nil {
		return err
	}
	fmt.Printf("dropped %d\n", dropped)
	return nil
}

func (repl *REPL) commandPeers() error {
	listens, connects, err := repl.Host.Store().Peers()
	if err != nil {
		return err
	}
	for _, addr := range listens {
		fmt.Printf("listen\t%s\n", addr)
	}
	for _, addr := range connects {
		fmt.Printf("connect\t%s\n", addr)
	}
	return nil
}
