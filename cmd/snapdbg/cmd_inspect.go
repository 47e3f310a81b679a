package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snapdbg/agent/pkg/classfile"
)

func runInspect(cmd *cobra.Command, args []string) error {
	name := args[0]
	data, err := newLoader().ClassBytes(name)
	if err != nil {
		return loadErr(name, err)
	}
	cf, err := classfile.Parse(bytes.NewReader(data))
	if err != nil {
		return loadErr(name, err)
	}

	sig, err := cf.Signature()
	if err != nil {
		return err
	}
	fmt.Printf("class %s (%s)\n", name, sig)
	if super := cf.SuperClassName(); super != "" {
		fmt.Printf("  extends %s\n", super)
	}

	for i := range cf.Methods {
		printMethod(&cf.Methods[i])
	}
	return nil
}

func printMethod(m *classfile.MethodInfo) {
	args, err := classfile.ArgumentSlotCount(m.Descriptor, m.IsStatic())
	if err != nil {
		args = -1
	}
	fmt.Printf("\n  method %s %s  flags=0x%04X arg_slots=%d\n",
		m.Name, m.Descriptor, m.AccessFlags, args)

	if m.IsNative() {
		fmt.Println("    native: no bytecode")
		return
	}
	if m.Code == nil {
		fmt.Println("    no Code attribute")
		return
	}
	fmt.Printf("    code: %d bytes, max_stack=%d, max_locals=%d\n",
		len(m.Code.Code), m.Code.MaxStack, m.Code.MaxLocals)

	if len(m.Code.LocalVariables) == 0 {
		fmt.Println("    locals: absent (compile with -g)")
	} else {
		fmt.Println("    locals:")
		for _, v := range m.Code.LocalVariables {
			fmt.Printf("      slot %-3d %-16s %s  [%d,+%d)\n",
				v.Slot, v.Name, v.Signature, v.StartPC, v.Length)
		}
	}

	if len(m.Code.LineNumbers) == 0 {
		fmt.Println("    lines: absent")
	} else {
		fmt.Print("    lines:")
		for _, ln := range m.Code.LineNumbers {
			fmt.Printf(" %d->%d", ln.Line, ln.StartPC)
		}
		fmt.Println()
	}
}
