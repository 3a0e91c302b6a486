package emitter_test

import (
	"testing"

	"github.com/tinyrange-rtg/astctool/internal/astc"
	"github.com/tinyrange-rtg/astctool/internal/emitter"
	"github.com/tinyrange-rtg/astctool/internal/parser"
)

func mustEmit(t *testing.T, src string) *astc.Program {
	t.Helper()
	tu, err := parser.Parse("test.c", []byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prog, err := emitter.Emit(tu)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	return prog
}

func TestEmitConstantReturn(t *testing.T) {
	prog := mustEmit(t, "int main() { return 42; }")
	if prog.Instructions[prog.Header.EntryPoint].Op != astc.OpLoadImm {
		t.Fatalf("entry instruction is %s, want LOAD_IMM", prog.Instructions[prog.Header.EntryPoint].Op)
	}
	if prog.Instructions[prog.Header.EntryPoint].A != 42 {
		t.Fatalf("got immediate %d, want 42", prog.Instructions[prog.Header.EntryPoint].A)
	}
}

func TestEmitRejectsMissingMain(t *testing.T) {
	tu, err := parser.Parse("t.c", []byte("int helper() { return 1; }"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := emitter.Emit(tu); err == nil {
		t.Fatal("Emit accepted a translation unit with no main")
	}
}

func TestEmitFibonacciContainsRecursiveCall(t *testing.T) {
	src := `
int fib(int n) {
	if (n < 2) {
		return n;
	}
	return fib(n - 1) + fib(n - 2);
}
int main() {
	return fib(10);
}
`
	prog := mustEmit(t, src)
	sawCall := false
	for _, instr := range prog.Instructions {
		if instr.Op == astc.OpCall {
			sawCall = true
			if instr.A < 0 || int(instr.A) >= len(prog.Instructions) {
				t.Fatalf("CALL target %d out of range", instr.A)
			}
		}
	}
	if !sawCall {
		t.Fatal("expected at least one CALL instruction")
	}
}

func TestEmitIfElseBranchesDoNotOverlap(t *testing.T) {
	src := `
int abs(int n) {
	if (n < 0) {
		return 0 - n;
	} else {
		return n;
	}
}
int main() { return abs(3); }
`
	prog := mustEmit(t, src)
	for i, instr := range prog.Instructions {
		if instr.Op == astc.OpJump || instr.Op == astc.OpJumpIf || instr.Op == astc.OpJumpIfFalse {
			if int(instr.A) <= i && instr.Op != astc.OpJump {
				// forward branches are expected for if/else; backward
				// branches only appear for loops, which this program has
				// none of.
				t.Fatalf("instruction %d: conditional branch target %d is not forward", i, instr.A)
			}
		}
	}
}

func TestEmitWhileLoopBranchesBackward(t *testing.T) {
	src := `
int count(int n) {
	int total = 0;
	while (n > 0) {
		total = total + n;
		n = n - 1;
	}
	return total;
}
int main() { return count(5); }
`
	prog := mustEmit(t, src)
	sawBackwardJump := false
	for i, instr := range prog.Instructions {
		if instr.Op == astc.OpJump && int(instr.A) < i {
			sawBackwardJump = true
		}
	}
	if !sawBackwardJump {
		t.Fatal("expected the while loop to close with a backward JUMP")
	}
}

func TestEmitBreakAndContinueTargetsInBounds(t *testing.T) {
	src := `
int f(int n) {
	int i = 0;
	while (i < n) {
		if (i == 2) {
			i = i + 1;
			continue;
		}
		if (i == 5) {
			break;
		}
		i = i + 1;
	}
	return i;
}
int main() { return f(10); }
`
	prog := mustEmit(t, src)
	for _, instr := range prog.Instructions {
		if instr.Op == astc.OpJump || instr.Op == astc.OpJumpIf || instr.Op == astc.OpJumpIfFalse {
			if instr.A < 0 || int(instr.A) > len(prog.Instructions) {
				t.Fatalf("branch target %d out of bounds", instr.A)
			}
		}
	}
}

func TestEmitDivisionProgramRoundTrips(t *testing.T) {
	// Scenario 3 from spec §8: division reaches the VM as plain ASTC;
	// the zero-check itself is the VM's responsibility, not the emitter's.
	prog := mustEmit(t, "int main() { int a = 10; int b = 0; return a / b; }")
	buf := prog.Encode()
	decoded, err := astc.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sawDiv := false
	for _, instr := range decoded.Instructions {
		if instr.Op == astc.OpDiv {
			sawDiv = true
		}
	}
	if !sawDiv {
		t.Fatal("expected a DIV instruction in the encoded program")
	}
}

func TestEmitAssignmentIsAnExpression(t *testing.T) {
	prog := mustEmit(t, "int main() { int a; int b; a = b = 3; return a; }")
	setCount := 0
	for _, instr := range prog.Instructions {
		if instr.Op == astc.OpLocalSet {
			setCount++
		}
	}
	if setCount < 2 {
		t.Fatalf("got %d LOCAL_SET instructions, want at least 2 for a chained assignment", setCount)
	}
}

func TestEmitRelationalOperatorUsesCmpThenTest(t *testing.T) {
	prog := mustEmit(t, "int main() { return 1 < 2; }")
	foundCmp, foundTest := false, false
	for i, instr := range prog.Instructions {
		if instr.Op == astc.OpCmp {
			foundCmp = true
			if prog.Instructions[i+1].Op != astc.OpTest {
				t.Fatalf("CMP at %d not followed by TEST", i)
			}
			if prog.Instructions[i+1].A != astc.RelLt {
				t.Fatalf("got relation code %d, want RelLt", prog.Instructions[i+1].A)
			}
			foundTest = true
		}
	}
	if !foundCmp || !foundTest {
		t.Fatal("expected a CMP/TEST pair for the < operator")
	}
}
