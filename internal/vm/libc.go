package vm

import (
	"fmt"

	"github.com/tinyrange-rtg/astctool/internal/astc"
	"github.com/tinyrange-rtg/astctool/internal/toolerr"
)

// Fixed LIBC_CALL function ids (spec §4.C's LIBC_CALL table). open, read
// and close return sandboxed stub values rather than touching the host
// filesystem or real file descriptors, and write sends its bytes to Stdout
// whatever fd it is given — an interpreter built for untrusted bytecode has
// no business making real syscalls on the operator's behalf, so these are
// where this VM deliberately implements less than its C namesakes.
const (
	libcPutchar = iota
	libcWrite
	libcRead
	libcOpen
	libcClose
	libcMalloc
	libcFree
	libcMemcpy
	libcMemset
	libcStrlen
	libcExit
)

// popArgs pops n values off the evaluation stack and returns them in their
// original push (left-to-right call-argument) order.
func (c *Context) popArgs(n int) ([]int64, error) {
	args := make([]int64, n)
	for i := n - 1; i >= 0; i-- {
		v, err := c.pop()
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func opLibcCall(c *Context, instr astc.Instruction) error {
	args, err := c.popArgs(int(instr.B))
	if err != nil {
		return err
	}
	var result int64

	switch instr.A {
	case libcPutchar:
		if len(args) < 1 {
			return toolerr.New(toolerr.InvalidInstruction, toolerr.SevError, "vm: putchar needs 1 argument")
		}
		fmt.Fprintf(c.Stdout, "%c", byte(args[0]))
		result = args[0]
	case libcWrite:
		if len(args) < 3 {
			return toolerr.New(toolerr.InvalidInstruction, toolerr.SevError, "vm: write needs 3 arguments")
		}
		data, err := c.heapSlice(args[1], int(args[2]))
		if err != nil {
			return err
		}
		n, _ := c.Stdout.Write(data)
		result = int64(n)
	case libcRead:
		// No real file descriptors are backed by this interpreter; every
		// read reports end-of-file.
		result = 0
	case libcOpen:
		result = -1
	case libcClose:
		result = 0
	case libcMalloc:
		if len(args) < 1 {
			return toolerr.New(toolerr.InvalidInstruction, toolerr.SevError, "vm: malloc needs 1 argument")
		}
		result = c.allocate(int(args[0]))
	case libcFree:
		// The bump heap never reclaims; free still leaves a 0 result so
		// every LIBC_CALL except exit pushes exactly one value.
		result = 0
	case libcMemcpy:
		if len(args) < 3 {
			return toolerr.New(toolerr.InvalidInstruction, toolerr.SevError, "vm: memcpy needs 3 arguments")
		}
		dst, err := c.heapSlice(args[0], int(args[2]))
		if err != nil {
			return err
		}
		src, err := c.heapSlice(args[1], int(args[2]))
		if err != nil {
			return err
		}
		copy(dst, src)
		result = args[0]
	case libcMemset:
		if len(args) < 3 {
			return toolerr.New(toolerr.InvalidInstruction, toolerr.SevError, "vm: memset needs 3 arguments")
		}
		dst, err := c.heapSlice(args[0], int(args[2]))
		if err != nil {
			return err
		}
		for i := range dst {
			dst[i] = byte(args[1])
		}
		result = args[0]
	case libcStrlen:
		if len(args) < 1 {
			return toolerr.New(toolerr.InvalidInstruction, toolerr.SevError, "vm: strlen needs 1 argument")
		}
		n := 0
		for {
			b, err := c.heapSlice(args[0]+int64(n), 1)
			if err != nil {
				return err
			}
			if b[0] == 0 {
				break
			}
			n++
		}
		result = int64(n)
	case libcExit:
		if len(args) < 1 {
			return toolerr.New(toolerr.InvalidInstruction, toolerr.SevError, "vm: exit needs 1 argument")
		}
		c.ExitCode = args[0]
		c.State = StateHalted
		return nil
	default:
		return toolerr.Newf(toolerr.InvalidInstruction, toolerr.SevError, "vm: unknown LIBC_CALL id %d at pc=%d", instr.A, c.PC)
	}

	if err := c.push(result); err != nil {
		return err
	}
	c.PC++
	return nil
}
