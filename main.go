// Command byterun loads a compiled Lama SM bytecode file and either
// disassembles it or interprets it directly.
package main

import (
	"fmt"
	"os"

	"byterun/vm"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: byterun <file> [-d|-i] [-S name] [-debug]")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run parses arguments and drives the load/disassemble/interpret
// pipeline, returning the process exit code. Argument parsing is done by
// hand rather than with the flag package: the CLI's positional <file>
// comes before its optional mode flag, which flag.Parse's
// stop-at-first-non-flag behavior cannot express.
func run(args []string) int {
	var (
		path     string
		mode     = "-d"
		source   string
		debugRun bool
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-d", "-i":
			mode = args[i]
		case "-debug":
			debugRun = true
		case "-S":
			if i+1 >= len(args) {
				usage()
				return 1
			}
			i++
			source = args[i]
		default:
			if path != "" {
				usage()
				return 1
			}
			path = args[i]
		}
	}

	if path == "" {
		usage()
		return 1
	}
	if source == "" {
		source = path
	}

	if err := runMain(path, mode, source, debugRun); err != nil {
		fmt.Fprintf(os.Stderr, "byterun: %s\n", err)
		return 1
	}
	return 0
}

func runMain(path, mode, source string, debugRun bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	img, err := vm.LoadImage(path)
	if err != nil {
		return err
	}

	if mode == "-d" {
		w := os.Stdout
		return vm.Disassemble(img, w)
	}

	const entry = 0 // interpretation always begins at the start of code, as byterun.c's interpreter() does

	rt := vm.NewRuntime(os.Stdin, os.Stdout, source)
	machine := vm.NewMachine(img, rt)

	if debugRun {
		return machine.Debug(entry, os.Stdin, os.Stderr)
	}
	return machine.Run(entry)
}
