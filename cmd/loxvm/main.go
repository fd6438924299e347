// Command loxvm is the REPL and script runner for the bytecode VM: no
// arguments drops into an interactive prompt, one path argument
// compiles and runs that file.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/loxvm/loxvm/internal/compiler"
	"github.com/loxvm/loxvm/internal/vm"
)

const version = "v0.1.0"

const (
	exitOK         = 0
	exitDataError  = 65 // compile error
	exitRuntime    = 70 // runtime error
	exitUsageError = 64 // bad invocation
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "panic:", r)
			debug.PrintStack()
			os.Exit(exitRuntime)
		}
	}()

	disassemble := flag.Bool("disassemble", false, "print bytecode disassembly before running")
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "print usage and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loxvm [options] [script]\n\nOptions:\n")
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(os.Stderr, "  --%s\n\t%s\n", f.Name, f.Usage)
		})
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}
	if *showVersion {
		fmt.Printf("loxvm %s\n", version)
		return
	}

	args := flag.Args()
	switch {
	case len(args) == 0:
		runREPL(*disassemble)
	case len(args) == 1:
		runFile(args[0], *disassemble)
	default:
		fmt.Fprintln(os.Stderr, "Usage: loxvm [options] [script]")
		os.Exit(exitUsageError)
	}
}

func runFile(path string, disassemble bool) {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %s\n", err)
		os.Exit(exitUsageError)
	}

	fn, err := compiler.Compile(string(source), path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitDataError)
	}

	if disassemble {
		fn.Chunk.(interface{ DisassembleAll(string) }).DisassembleAll(path)
	}

	machine := vm.NewWithConfig(vm.VMConfig{RootPath: filepath.Dir(path)})
	if err := machine.Interpret(fn); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
}

func runREPL(disassemble bool) {
	fmt.Printf("loxvm %s\n", version)
	fmt.Println("Type 'exit' to quit.")

	machine := vm.NewWithConfig(vm.VMConfig{RootPath: "."})
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()

		if strings.TrimSpace(line) == "exit" {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		// REPL convenience: a bare expression with no trailing ';' is
		// echoed, the same way the teacher's REPL wraps a lone
		// ExpressionStmt in a print call.
		trimmed := strings.TrimSpace(line)
		if !strings.HasSuffix(trimmed, ";") && !strings.HasSuffix(trimmed, "}") {
			line = "print " + trimmed + ";"
		}

		fn, err := compiler.Compile(line, "repl")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}

		if disassemble {
			fn.Chunk.(interface{ DisassembleAll(string) }).DisassembleAll("repl")
		}

		if err := machine.Interpret(fn); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
