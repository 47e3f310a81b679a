package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snapdbg/agent/pkg/agent"
	"github.com/snapdbg/agent/pkg/breakpoints"
	"github.com/snapdbg/agent/pkg/config"
	"github.com/snapdbg/agent/pkg/format"
	"github.com/snapdbg/agent/pkg/localvm"
	"github.com/snapdbg/agent/pkg/sched"
)

// runAgent attaches the debugger to a local runtime, arms breakpoints
// from the definitions file and then drives one synthetic pass over
// every method of the named classes, printing captured snapshots.
func runAgent(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadFile(cfgFile); err != nil {
			return err
		}
	}

	rt := localvm.New(newLoader(), logger)
	scheduler := sched.New(logger)
	defer scheduler.Close()
	queue := format.NewQueue(100)

	dbg := agent.New(scheduler, cfg, rt, rt, nil, rt, rt, rt, rt, nil, queue, nil, logger)
	rt.SetEventHandler(dbg)
	if err := dbg.Initialize(); err != nil {
		return err
	}
	defer dbg.Close()

	watcher, err := breakpoints.NewWatcher(bpFile, dbg, logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, name := range args {
		if err := rt.LoadClass(name); err != nil {
			return loadErr(name, err)
		}
	}
	for _, name := range args {
		if err := walkClass(rt, name); err != nil {
			return err
		}
	}

	for _, s := range queue.Drain() {
		data, err := s.Encode()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}

// walkClass enters every method of the class on one synthetic thread
// and steps through its line-table offsets, so any armed location in
// the class fires.
func walkClass(rt *localvm.Runtime, className string) error {
	const thread = int64(1)

	methods, err := rt.ClassMethods(className)
	if err != nil {
		return err
	}
	for _, m := range methods {
		offsets := rt.LineOffsets(m)
		if len(offsets) == 0 {
			continue
		}
		if err := rt.EnterMethod(thread, m); err != nil {
			return err
		}
		for _, off := range offsets {
			if off == 0 {
				continue // covered by method entry
			}
			if err := rt.AdvanceTo(thread, off); err != nil {
				return err
			}
		}
		rt.LeaveMethod(thread)
	}
	return nil
}
