// Command astcc compiles a single C99 source file to an ASTC bytecode
// file: parse, emit, serialize, in that order, with no additional
// semantics (spec §6 "Compiler CLI").
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange-rtg/astctool/internal/diag"
	"github.com/tinyrange-rtg/astctool/internal/emitter"
	"github.com/tinyrange-rtg/astctool/internal/parser"
)

// Exit codes per spec §6: 0 success, 1 usage error, 2 parse error,
// 3 emission error, 4 I/O error.
const (
	exitOK = iota
	exitUsage
	exitParse
	exitEmit
	exitIO
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("astcc", flag.ContinueOnError)
	outputPath := fs.String("o", "", "output ASTC file path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: astcc [-o output] <file.c>\n")
		return exitUsage
	}
	sourcePath := fs.Arg(0)
	if *outputPath == "" {
		*outputPath = sourcePath + ".astc"
	}

	src, err := os.ReadFile(sourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "astcc: %v\n", err)
		return exitIO
	}

	tu, err := parser.Parse(sourcePath, src)
	if err != nil {
		if pe, ok := err.(*parser.ParseError); ok {
			diag.ParseError(pe.File, diag.Position{Line: pe.Line, Column: pe.Column}, "%s", pe.Message)
		} else {
			fmt.Fprintf(os.Stderr, "astcc: %v\n", err)
		}
		return exitParse
	}

	prog, err := emitter.Emit(tu)
	if err != nil {
		fmt.Fprintf(os.Stderr, "astcc: %v\n", err)
		return exitEmit
	}

	if err := os.WriteFile(*outputPath, prog.Encode(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "astcc: %v\n", err)
		return exitIO
	}
	return exitOK
}
