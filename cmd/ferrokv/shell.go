package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/kallevig/ferrokv/internal/engine"
	"github.com/kallevig/ferrokv/internal/txnkv"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive shell against a ferrokv data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := engine.Open(cfg)
		if err != nil {
			return err
		}
		defer e.Close()
		return runShell(e)
	},
}

// session tracks the shell's current explicit transaction, if any. A
// shell with no open transaction runs PUT/GET/DELETE as autocommit
// operations against the engine directly.
type session struct {
	e  *engine.Engine
	tx *txnkv.Txn
}

func runShell(e *engine.Engine) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("ferrokv shell - type 'help' for commands, 'exit' to quit")
	sess := &session{e: e}

	for {
		input, err := line.Prompt(sess.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return err
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		if len(fields) == 0 {
			continue
		}

		cmd := strings.ToUpper(fields[0])
		args := fields[1:]

		if cmd == "EXIT" || cmd == "QUIT" {
			if sess.tx != nil {
				fmt.Println("aborting open transaction")
				sess.tx.Abort()
			}
			return nil
		}

		handler, ok := shellCommands[cmd]
		if !ok {
			fmt.Printf("unknown command %q, type 'help' for a list\n", fields[0])
			continue
		}
		handler(sess, args)
	}
}

func (s *session) prompt() string {
	if s.tx != nil {
		return fmt.Sprintf("ferrokv(txn %d)> ", s.tx.ID())
	}
	return "ferrokv> "
}

type shellHandler func(s *session, args []string)

var shellCommands = map[string]shellHandler{
	"PUT":    handlePut,
	"GET":    handleGet,
	"DELETE": handleDelete,
	"RANGE":  handleRange,
	"BEGIN":  handleBegin,
	"COMMIT": handleCommit,
	"ABORT":  handleAbort,
	"STATS":  handleStats,
	"HELP":   handleHelp,
}

func handlePut(s *session, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: PUT <key> <value>")
		return
	}
	key, value := args[0], strings.Join(args[1:], " ")

	if s.tx != nil {
		err := s.tx.Update(key, []byte(value))
		if err == txnkv.ErrKeyNotFound {
			err = s.tx.Insert(key, []byte(value))
		}
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("OK (staged)")
		return
	}
	if err := s.e.Put(key, []byte(value)); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("OK")
}

func handleGet(s *session, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: GET <key>")
		return
	}
	var (
		v   []byte
		err error
	)
	if s.tx != nil {
		v, err = s.tx.Read(args[0])
	} else {
		v, err = s.e.Get(args[0])
	}
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(v))
}

func handleDelete(s *session, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: DELETE <key>")
		return
	}
	var err error
	if s.tx != nil {
		err = s.tx.Delete(args[0])
	} else {
		err = s.e.Delete(args[0])
	}
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("OK")
}

func handleRange(s *session, args []string) {
	if len(args) != 2 {
		fmt.Println("usage: RANGE <lo-record-key> <hi-record-key>")
		return
	}
	lo, err1 := strconv.ParseUint(args[0], 10, 64)
	hi, err2 := strconv.ParseUint(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		fmt.Println("error: record keys must be unsigned integers")
		return
	}
	count := 0
	err := s.e.RangeRecords(lo, hi, func(key uint64, payload []byte) bool {
		fmt.Printf("%d: %s\n", key, payload)
		count++
		return true
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("(%d records)\n", count)
}

func handleBegin(s *session, args []string) {
	if s.tx != nil {
		fmt.Println("error: transaction already open, commit or abort it first")
		return
	}
	s.tx = s.e.KV().Begin()
	fmt.Printf("transaction %d started\n", s.tx.ID())
}

func handleCommit(s *session, args []string) {
	if s.tx == nil {
		fmt.Println("error: no open transaction")
		return
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("committed")
}

func handleAbort(s *session, args []string) {
	if s.tx == nil {
		fmt.Println("error: no open transaction")
		return
	}
	s.tx.Abort()
	s.tx = nil
	fmt.Println("aborted")
}

func handleStats(s *session, args []string) {
	st, err := s.e.Stats()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("engine id:        %s\n", st.EngineID)
	fmt.Printf("heap blocks:      %d\n", st.Heap.BlockCount)
	fmt.Printf("heap tail bytes:  %d\n", st.Heap.TailBytesUsed)
	fmt.Printf("bptree height:    %d\n", st.Bptree)
	fmt.Printf("kv keys:          %d\n", st.Txn.Keys)
	fmt.Printf("kv held locks:    %d\n", st.Txn.HeldLocks)
	fmt.Printf("kv active txns:   %d\n", st.Txn.ActiveTxns)
}

func handleHelp(s *session, args []string) {
	fmt.Print(`commands:
  PUT <key> <value>              insert or overwrite a string key
  GET <key>                      read a string key
  DELETE <key>                   remove a string key
  RANGE <lo> <hi>                scan indexed integer record keys in [lo, hi)
  BEGIN                          start an explicit transaction
  COMMIT                         commit the open transaction
  ABORT                          discard the open transaction
  STATS                          show engine diagnostics
  HELP                           show this message
  EXIT / QUIT                    leave the shell
`)
}
