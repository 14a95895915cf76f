// Command arraykv-bench is a thin CLI demonstrating AtomicStore end to end:
// put/get/delete/range against a directory, plus a manual compaction
// trigger. It exists to exercise the store package from outside its own
// tests, not as a production tool (Non-goals: "a CLI/server front-end").
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/flashkv/arraykv/store"
	"github.com/flashkv/arraykv/writeset"
)

func main() {
	dir := flag.String("dir", "", "store directory")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: arraykv-bench -dir <path>")
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := store.NewConfig(*dir, store.WithLogger(logger))
	s := store.Open(cfg)
	if err := s.Start(); err != nil {
		logger.Fatal("start failed", zap.Error(err))
	}
	defer s.Stop()

	fmt.Println("arraykv-bench ready. commands: put <k> <v> | get <k> | del <k> | adjust <k> <delta> | range [min] [max] | compact | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !runCommand(s, scanner.Text()) {
			break
		}
	}
}

func runCommand(s *store.AtomicStore, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "quit", "exit":
		return false

	case "put":
		if len(fields) != 3 {
			fmt.Println("usage: put <key> <value>")
			return true
		}
		ws := &writeset.WriteSet{Puts: []writeset.KV{{Key: []byte(fields[1]), Value: []byte(fields[2])}}}
		if err := s.Mutate(ws, true); err != nil {
			fmt.Println("error:", err)
		}

	case "get":
		if len(fields) != 2 {
			fmt.Println("usage: get <key>")
			return true
		}
		v, ok, err := s.Get([]byte(fields[1]))
		if err != nil {
			fmt.Println("error:", err)
		} else if !ok {
			fmt.Println("(absent)")
		} else {
			fmt.Println(string(v))
		}

	case "del":
		if len(fields) != 2 {
			fmt.Println("usage: del <key>")
			return true
		}
		max := append(append([]byte(nil), fields[1]...), 0)
		ws := &writeset.WriteSet{Removes: []writeset.Range{{Min: []byte(fields[1]), Max: max}}}
		if err := s.Mutate(ws, true); err != nil {
			fmt.Println("error:", err)
		}

	case "adjust":
		if len(fields) != 3 {
			fmt.Println("usage: adjust <key> <delta>")
			return true
		}
		delta, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		ws := &writeset.WriteSet{Adjusts: []writeset.KVDelta{{Key: []byte(fields[1]), Delta: delta}}}
		if err := s.Mutate(ws, true); err != nil {
			fmt.Println("error:", err)
		}

	case "range":
		var min, max []byte
		if len(fields) > 1 {
			min = []byte(fields[1])
		}
		if len(fields) > 2 {
			max = []byte(fields[2])
		}
		it, err := s.Range(min, max, false)
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		for it.Next() {
			e := it.Entry()
			fmt.Printf("%s=%s\n", e.Key, e.Value)
		}

	case "compact":
		h, err := s.ScheduleCompaction()
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		h.Wait()
		fmt.Println("compaction", h.State())

	default:
		fmt.Println("unknown command:", fields[0])
	}

	return true
}
