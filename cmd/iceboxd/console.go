package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kr/pty"
	"github.com/peterh/liner"

	log "github.com/icebox-run/icebox/pkg/minilog"
)

// consoleLoop is the operator's local command line, wrapping liner
// exactly as the teacher's own cliLocal does: readline-style editing,
// persistent-for-the-session history, tab completion over a small,
// fixed verb set (this daemon has no minicli-style pattern language —
// just enough verbs to inspect the pool and debug a sandbox).
func consoleLoop(d *daemon) {
	input := liner.NewLiner()
	defer input.Close()

	input.SetCtrlCAborts(true)
	input.SetTabCompletionStyle(liner.TabPrints)
	input.SetCompleter(func(line string) []string {
		var out []string
		for _, v := range []string{"pool", "sandboxes", "shell", "logs", "quit"} {
			if strings.HasPrefix(v, line) {
				out = append(out, v)
			}
		}
		return out
	})

	for {
		line, err := input.Prompt("icebox$ ")
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		fields := strings.Fields(line)
		switch fields[0] {
		case "pool", "sandboxes":
			poolLen, active := d.snapshot()
			sort.Strings(active)
			fmt.Printf("pool: %d ready, %d checked out %v\n", poolLen, len(active), active)

		case "shell":
			if len(fields) != 2 {
				fmt.Println("usage: shell <id>")
				continue
			}
			if err := consoleShell(d, fields[1]); err != nil {
				log.Error("shell %s: %v", fields[1], err)
			}

		case "logs":
			if d.logRing == nil {
				fmt.Println("no log ring configured")
				continue
			}
			for _, line := range d.logRing.Dump() {
				fmt.Println(line)
			}

		case "quit", "exit":
			return

		default:
			fmt.Printf("unknown command %q (try: pool, shell <id>, logs, quit)\n", fields[0])
		}
	}
}

// consoleShell attaches an interactive debug shell to an already
// checked-out sandbox, blocking the console until the shell session
// ends. Grounded in the teacher's pty.Start(cmd)/vm.console pairing in
// container.go: a pty pair is opened host-side, the slave handed to the
// guest, and the master copied to/from the operator's own stdio with
// fire-and-forget goroutines exactly like vm.console does.
func consoleShell(d *daemon, id string) error {
	ctrl, ok := d.lookup(id)
	if !ok {
		return fmt.Errorf("no such sandbox %q", id)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer master.Close()

	pid, err := ctrl.ShellAttach(slave)
	slave.Close()
	if err != nil {
		return fmt.Errorf("shell attach: %w", err)
	}
	log.Info("shell attached to %s, pid %d", id, pid)

	go io.Copy(master, os.Stdin)
	io.Copy(os.Stdout, master)
	return nil
}
