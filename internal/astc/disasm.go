package astc

import (
	"fmt"
	"io"
)

// Disassemble writes a human-readable listing of p's instruction stream to
// w, one instruction per line prefixed with its index — the supplemental
// tooling spec §4.D leaves room for ("debugging aid").
func Disassemble(w io.Writer, p *Program) error {
	for i, instr := range p.Instructions {
		marker := "  "
		if uint32(i) == p.Header.EntryPoint {
			marker = "->"
		}
		line := formatOperands(instr)
		if _, err := fmt.Fprintf(w, "%s %4d  %-16s%s\n", marker, i, instr.Op, line); err != nil {
			return err
		}
	}
	return nil
}

func formatOperands(instr Instruction) string {
	switch instr.Op {
	case OpLoadImm, OpJump, OpJumpIf, OpJumpIfFalse, OpLocalGet, OpLocalSet,
		OpLoadReg, OpStoreReg, OpLibcCall, OpSyscall:
		return fmt.Sprintf("%d", instr.A)
	case OpCall:
		return fmt.Sprintf("%d, argc=%d", instr.A, instr.B)
	case OpMove:
		return fmt.Sprintf("r%d, r%d", instr.A, instr.B)
	default:
		return ""
	}
}
