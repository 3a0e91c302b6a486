// Package diag renders user-facing diagnostics: parser/emitter errors with
// line/column, VM errors with the faulting program counter, and loader
// errors with the module name and path — per spec §7 "User-visible
// behavior". Output goes to stderr via fmt.Fprintf, the teacher's own idiom
// (std/compiler/main.go reports every failure the same way).
package diag

import (
	"fmt"
	"io"
	"os"
)

// Position is a 1-based line/column pair, non-negative per spec §3.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Out is where diagnostics are written; tests may swap it for a buffer.
var Out io.Writer = os.Stderr

// ParseError reports a parser/lexer failure at a source position.
func ParseError(file string, pos Position, format string, args ...interface{}) {
	fmt.Fprintf(Out, "%s:%s: parse error: %s\n", file, pos, fmt.Sprintf(format, args...))
}

// CompileError reports an emitter failure at a source position.
func CompileError(file string, pos Position, format string, args ...interface{}) {
	fmt.Fprintf(Out, "%s:%s: compile error: %s\n", file, pos, fmt.Sprintf(format, args...))
}

// VMError reports a runtime fault with the faulting program counter and,
// where relevant, the operands that caused it.
func VMError(pc uint32, format string, args ...interface{}) {
	fmt.Fprintf(Out, "vm: fault at pc=%d: %s\n", pc, fmt.Sprintf(format, args...))
}

// LoaderError reports a module-loader failure, including the module name
// and, for checksum mismatches, the expected/actual values.
func LoaderError(module string, format string, args ...interface{}) {
	fmt.Fprintf(Out, "loader: %s: %s\n", module, fmt.Sprintf(format, args...))
}
