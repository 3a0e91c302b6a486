package vm

import (
	"fmt"

	"github.com/tinyrange-rtg/astctool/internal/astc"
	"github.com/tinyrange-rtg/astctool/internal/toolerr"
)

// opFunc is the shared implementation of one opcode. Both dispatch paths
// below call the exact same opFunc per opcode, which is what makes the two
// paths provably equivalent (exercised by
// TestDispatchPathsAgreeOnCompiledPrograms in vm_test.go) rather than
// equivalent by careful duplication.
type opFunc func(*Context, astc.Instruction) error

var opTable = buildOpTable()

// stepJumpTable is the [256]func dispatch path spec §4.E's dispatch
// optimization calls for.
var stepJumpTable [256]opFunc

func init() {
	for op, fn := range opTable {
		stepJumpTable[op] = fn
	}
}

// stepSwitch is the explicit-switch dispatch path, required to behave
// identically to stepJumpTable (spec §4.E "dispatch equivalence"). It
// delegates to the same opTable instead of reimplementing any opcode, so
// equivalence holds by construction; the switch exists because spec calls
// for two independently selectable dispatch strategies to compare, not two
// independent implementations of VM semantics.
func stepSwitch(c *Context, instr astc.Instruction) error {
	switch instr.Op {
	case astc.OpNop, astc.OpHalt, astc.OpJump, astc.OpJumpIf, astc.OpJumpIfFalse,
		astc.OpCall, astc.OpReturn, astc.OpLoadImm, astc.OpLoadReg, astc.OpStoreReg,
		astc.OpMove, astc.OpLocalGet, astc.OpLocalSet, astc.OpDrop,
		astc.OpAdd, astc.OpSub, astc.OpMul, astc.OpDiv, astc.OpMod,
		astc.OpAnd, astc.OpOr, astc.OpXor, astc.OpNot, astc.OpShl, astc.OpShr,
		astc.OpCmp, astc.OpTest, astc.OpPush, astc.OpPop,
		astc.OpSyscall, astc.OpPrint, astc.OpMalloc, astc.OpFree, astc.OpLibcCall,
		astc.OpExit:
		fn := opTable[instr.Op]
		if fn == nil {
			return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: no switch handler for %s at pc=%d", instr.Op, c.PC)
		}
		return fn(c, instr)
	default:
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: unknown opcode %d at pc=%d", instr.Op, c.PC)
	}
}

func buildOpTable() map[astc.Opcode]opFunc {
	return map[astc.Opcode]opFunc{
		astc.OpNop:    opNop,
		astc.OpHalt:   opHalt,
		astc.OpJump:   opJump,
		astc.OpJumpIf: opJumpIf,
		astc.OpJumpIfFalse: opJumpIfFalse,
		astc.OpCall:   opCall,
		astc.OpReturn: opReturn,

		astc.OpLoadImm:   opLoadImm,
		astc.OpLoadReg:   opLoadReg,
		astc.OpStoreReg:  opStoreReg,
		astc.OpMove:      opMove,
		astc.OpLocalGet:  opLocalGet,
		astc.OpLocalSet:  opLocalSet,
		astc.OpDrop:      opDrop,

		astc.OpAdd: opBinaryArith(func(l, r int64) (int64, error) { return l + r, nil }),
		astc.OpSub: opBinaryArith(func(l, r int64) (int64, error) { return l - r, nil }),
		astc.OpMul: opBinaryArith(func(l, r int64) (int64, error) { return l * r, nil }),
		astc.OpDiv: opBinaryArith(func(l, r int64) (int64, error) {
			if r == 0 {
				return 0, toolerr.New(toolerr.RuntimeError, toolerr.SevError, "vm: division by zero")
			}
			return l / r, nil
		}),
		astc.OpMod: opBinaryArith(func(l, r int64) (int64, error) {
			if r == 0 {
				return 0, toolerr.New(toolerr.RuntimeError, toolerr.SevError, "vm: modulo by zero")
			}
			return l % r, nil
		}),
		astc.OpAnd: opBinaryArith(func(l, r int64) (int64, error) { return l & r, nil }),
		astc.OpOr:  opBinaryArith(func(l, r int64) (int64, error) { return l | r, nil }),
		astc.OpXor: opBinaryArith(func(l, r int64) (int64, error) { return l ^ r, nil }),
		astc.OpShl: opBinaryArith(func(l, r int64) (int64, error) { return l << uint64(r), nil }),
		astc.OpShr: opBinaryArith(func(l, r int64) (int64, error) { return l >> uint64(r), nil }),
		astc.OpNot: opNot,

		astc.OpCmp:  opCmp,
		astc.OpTest: opTest,

		astc.OpPush: opPush,
		astc.OpPop:  opPop,

		astc.OpSyscall:  opSyscall,
		astc.OpPrint:    opPrint,
		astc.OpMalloc:   opMalloc,
		astc.OpFree:     opFree,
		astc.OpLibcCall: opLibcCall,

		astc.OpExit: opExit,
	}
}

func opNop(c *Context, _ astc.Instruction) error {
	c.PC++
	return nil
}

func opHalt(c *Context, _ astc.Instruction) error {
	c.State = StateHalted
	return nil
}

func opJump(c *Context, instr astc.Instruction) error {
	c.PC = uint32(instr.A)
	return nil
}

func opJumpIf(c *Context, instr astc.Instruction) error {
	v, err := c.pop()
	if err != nil {
		return err
	}
	if v != 0 {
		c.PC = uint32(instr.A)
	} else {
		c.PC++
	}
	return nil
}

func opJumpIfFalse(c *Context, instr astc.Instruction) error {
	v, err := c.pop()
	if err != nil {
		return err
	}
	if v == 0 {
		c.PC = uint32(instr.A)
	} else {
		c.PC++
	}
	return nil
}

func opCall(c *Context, instr astc.Instruction) error {
	if len(c.callStack) >= MaxCallDepth {
		return toolerr.Newf(toolerr.StackOverflow, toolerr.SevError, "vm: call depth exceeded %d at pc=%d", MaxCallDepth, c.PC)
	}
	argc := int(instr.B)
	var f frame
	for i := argc - 1; i >= 0; i-- {
		v, err := c.pop()
		if err != nil {
			return err
		}
		if i < MaxLocalsPerFrame {
			f.locals[i] = v
		}
	}
	f.returnPC = c.PC + 1
	c.callStack = append(c.callStack, f)
	c.PC = uint32(instr.A)
	return nil
}

func opReturn(c *Context, _ astc.Instruction) error {
	if len(c.callStack) <= 1 {
		c.State = StateHalted
		return nil
	}
	returnPC := c.curFrame().returnPC
	c.callStack = c.callStack[:len(c.callStack)-1]
	c.PC = returnPC
	return nil
}

func opLoadImm(c *Context, instr astc.Instruction) error {
	if err := c.push(instr.A); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opLoadReg(c *Context, instr astc.Instruction) error {
	if instr.A < 0 || instr.A >= MaxRegisters {
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: register index %d out of range at pc=%d", instr.A, c.PC)
	}
	if err := c.push(c.Registers[instr.A]); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opStoreReg(c *Context, instr astc.Instruction) error {
	if instr.A < 0 || instr.A >= MaxRegisters {
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: register index %d out of range at pc=%d", instr.A, c.PC)
	}
	v, err := c.pop()
	if err != nil {
		return err
	}
	c.Registers[instr.A] = v
	c.PC++
	return nil
}

func opMove(c *Context, instr astc.Instruction) error {
	if instr.A < 0 || instr.A >= MaxRegisters || instr.B < 0 || instr.B >= MaxRegisters {
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: register index out of range at pc=%d", c.PC)
	}
	c.Registers[instr.A] = c.Registers[instr.B]
	c.PC++
	return nil
}

func opLocalGet(c *Context, instr astc.Instruction) error {
	if instr.A < 0 || instr.A >= MaxLocalsPerFrame {
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: local slot %d out of range at pc=%d", instr.A, c.PC)
	}
	if err := c.push(c.curFrame().locals[instr.A]); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opLocalSet(c *Context, instr astc.Instruction) error {
	if instr.A < 0 || instr.A >= MaxLocalsPerFrame {
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: local slot %d out of range at pc=%d", instr.A, c.PC)
	}
	v, err := c.pop()
	if err != nil {
		return err
	}
	c.curFrame().locals[instr.A] = v
	c.PC++
	return nil
}

func opDrop(c *Context, _ astc.Instruction) error {
	if _, err := c.pop(); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opBinaryArith(fn func(l, r int64) (int64, error)) opFunc {
	return func(c *Context, _ astc.Instruction) error {
		r, err := c.pop()
		if err != nil {
			return err
		}
		l, err := c.pop()
		if err != nil {
			return err
		}
		result, err := fn(l, r)
		if err != nil {
			return err
		}
		if err := c.push(result); err != nil {
			return err
		}
		c.PC++
		return nil
	}
}

func opNot(c *Context, _ astc.Instruction) error {
	v, err := c.pop()
	if err != nil {
		return err
	}
	if err := c.push(^v); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opCmp(c *Context, _ astc.Instruction) error {
	r, err := c.pop()
	if err != nil {
		return err
	}
	l, err := c.pop()
	if err != nil {
		return err
	}
	diff := l - r
	c.Flags = Flags{
		Zero:     diff == 0,
		Negative: diff < 0,
		Carry:    uint64(l) < uint64(r),
		Overflow: ((l < 0) != (r < 0)) && ((diff < 0) != (l < 0)),
	}
	if err := c.push(diff); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opTest(c *Context, instr astc.Instruction) error {
	v, err := c.pop()
	if err != nil {
		return err
	}
	var result int64
	switch instr.A {
	case astc.RelEq:
		result = boolToInt(v == 0)
	case astc.RelNe:
		result = boolToInt(v != 0)
	case astc.RelLt:
		result = boolToInt(v < 0)
	case astc.RelGt:
		result = boolToInt(v > 0)
	case astc.RelLe:
		result = boolToInt(v <= 0)
	case astc.RelGe:
		result = boolToInt(v >= 0)
	default:
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: unknown relation code %d at pc=%d", instr.A, c.PC)
	}
	if err := c.push(result); err != nil {
		return err
	}
	c.PC++
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func opPush(c *Context, instr astc.Instruction) error {
	if instr.A < 0 || instr.A >= MaxRegisters {
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: register index %d out of range at pc=%d", instr.A, c.PC)
	}
	if err := c.push(c.Registers[instr.A]); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opPop(c *Context, instr astc.Instruction) error {
	if instr.A < 0 || instr.A >= MaxRegisters {
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: register index %d out of range at pc=%d", instr.A, c.PC)
	}
	v, err := c.pop()
	if err != nil {
		return err
	}
	c.Registers[instr.A] = v
	c.PC++
	return nil
}

func opSyscall(c *Context, _ astc.Instruction) error {
	return toolerr.New(toolerr.ExecutionFailed, toolerr.SevError, "vm: raw SYSCALL is not supported by this interpreter; use LIBC_CALL")
}

func opPrint(c *Context, _ astc.Instruction) error {
	v, err := c.pop()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout, "%d\n", v)
	c.PC++
	return nil
}

func opMalloc(c *Context, _ astc.Instruction) error {
	size, err := c.pop()
	if err != nil {
		return err
	}
	ptr := c.allocate(int(size))
	if err := c.push(ptr); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opFree(c *Context, _ astc.Instruction) error {
	// The VM's heap is a bump allocator grounded on the teacher's
	// runtime.Alloc (std/runtime/runtime.go): it never reclaims, so FREE
	// is a recognized no-op rather than an error.
	if _, err := c.pop(); err != nil {
		return err
	}
	c.PC++
	return nil
}

func opExit(c *Context, _ astc.Instruction) error {
	code, err := c.pop()
	if err != nil {
		return err
	}
	c.ExitCode = code
	c.State = StateHalted
	return nil
}

// allocate grows the VM's internal heap by size bytes and returns a stable
// pseudo-address (an offset from heapBase, never 0 so it reads as non-null).
func (c *Context) allocate(size int) int64 {
	if size < 0 {
		size = 0
	}
	start := c.heapPtr
	c.heap = append(c.heap, make([]byte, size)...)
	c.heapPtr += size
	return int64(heapBase + start)
}

func (c *Context) heapSlice(addr int64, length int) ([]byte, error) {
	off := int(addr) - heapBase
	if off < 0 || off+length > len(c.heap) {
		return nil, toolerr.Newf(toolerr.RuntimeError, toolerr.SevError, "vm: heap access [%d:%d] out of bounds (size=%d)", off, off+length, len(c.heap))
	}
	return c.heap[off : off+length], nil
}
