package main

/*
static void polli_call_entry(void *fn) { ((void (*)(void))fn)(); }
*/
import "C"

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	"tinygo.org/x/go-llvm"

	"github.com/CIB/polli/analysis"
	"github.com/CIB/polli/config"
	"github.com/CIB/polli/pjit"
)

var IR_SUFFIX = ".ll"

// polli loads an LLVM IR module, hands it to the runtime's backend and
// executes its entry function natively. It doubles as the debugging
// harness for extracted prototypes: with -disable-execution it stops
// after optimization and prints the result.
func main() {
	cfg := config.Default()
	fs := flag.NewFlagSet("polli", flag.ExitOnError)
	cfg.RegisterFlags(fs)

	entryName := fs.String("entry", "main", "entry function to execute")
	analyzeOnly := fs.Bool("analyze", false, "list the module's functions and exit")
	disableExecution := fs.Bool("disable-execution", false, "optimize and print, do not execute")
	showVersion := fs.Bool("version", false, "print version information")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	cfg.FromEnv()

	if cfg.Verbose {
		analysis.SetDebugLogger(func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "polli: "+format+"\n", args...)
		})
	}

	if *showVersion {
		printVersion()
		return
	}

	args := fs.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: polli [flags] <module%s>\n", IR_SUFFIX)
		os.Exit(2)
	}
	input := args[0]

	ctx := llvm.NewContext()
	defer ctx.Dispose()

	buf, err := llvm.NewMemoryBufferFromFile(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "polli: cannot read %s: %v\n", input, err)
		os.Exit(1)
	}
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "polli: cannot parse %s: %v\n", input, err)
		os.Exit(1)
	}

	if *analyzeOnly {
		analyze(mod)
		return
	}

	backend := pjit.NewBackend(cfg.Pipeline)
	handle, err := backend.AddModule(mod)
	if err != nil {
		fmt.Fprintf(os.Stderr, "polli: backend rejected %s: %v\n", input, err)
		os.Exit(1)
	}

	if *disableExecution {
		fmt.Print(mod.String())
		return
	}

	addr, err := backend.FindSymbol(handle, *entryName, mod.DataLayout())
	if err != nil {
		fmt.Fprintf(os.Stderr, "polli: %v\n", err)
		os.Exit(1)
	}

	C.polli_call_entry(unsafe.Pointer(addr))
	pjit.ShutdownGlobal()
}

// analyze prints a short per-function summary of the module.
func analyze(mod llvm.Module) {
	for fn := mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		kind := "define"
		if fn.IsDeclaration() {
			kind = "declare"
		}
		blocks := 0
		for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
			blocks++
		}
		fmt.Printf("  %s %s (%d params, %d blocks)\n", kind, fn.Name(), fn.ParamsCount(), blocks)
	}
}
