// Package emitter lowers a parsed translation unit into an ASTC bytecode
// program (spec §4.C). The pass structure — a flat instruction slice built up
// function by function, pending call sites fixed up once every function's
// offset is known, break/continue targets threaded through matching slices —
// is grounded on the teacher's Compiler in std/compiler/ir.go, whose
// Compiler.breaks and Compiler.continues fields do exactly this for its own
// IR, and whose CodeGen.callFixups (std/compiler/backend.go) is the same
// forward-reference pattern applied to call targets instead of branch
// targets.
package emitter

import (
	"math"

	"github.com/tinyrange-rtg/astctool/internal/ast"
	"github.com/tinyrange-rtg/astctool/internal/astc"
	"github.com/tinyrange-rtg/astctool/internal/toolerr"
)

func floatBits(f float64) uint64 { return math.Float64bits(f) }

// libcIDs is the fixed LIBC_CALL function table.
var libcIDs = map[string]int64{
	"putchar": 0, "write": 1, "read": 2, "open": 3, "close": 4,
	"malloc": 5, "free": 6, "memcpy": 7, "memset": 8, "strlen": 9, "exit": 10,
}

type callFixup struct {
	instrIndex int
	funcName   string
}

// Emitter lowers one translation unit's function bodies into a single flat
// ASTC instruction stream. It does not target the VM's register file
// (LOAD_REG/STORE_REG/MOVE) at all — the register file exists for
// hand-assembled or future register-allocator-produced bytecode, not this
// emitter's output, which works exclusively through locals and the
// evaluation stack.
type Emitter struct {
	instrs     []astc.Instruction
	funcOffset map[string]int
	callSites  []callFixup
	locals     map[string]int64
	nextLocal  int64
	breaks     []int
	continues  []int

	// pendingContinues carries continue-site indices out of withLoopFrame
	// for the caller to patch against the loop's own continuation point
	// (the post-expression for `for`, the condition re-check for `while`).
	pendingContinues []int
	// pendingBreaks carries break-site indices out of withLoopFrame for the
	// caller to patch against the first instruction after the loop.
	pendingBreaks []int
}

// New constructs an empty Emitter.
func New() *Emitter {
	return &Emitter{funcOffset: make(map[string]int)}
}

// Emit lowers tu into a complete ASTC Program, with its entry point set to
// the "main" function's offset (spec §4.C: the emitter resolves all forward
// call references before the final encode).
func Emit(tu *ast.TranslationUnit) (*astc.Program, error) {
	e := New()
	for _, decl := range tu.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		if err := e.emitFunc(fn); err != nil {
			return nil, err
		}
	}
	for _, fix := range e.callSites {
		target, ok := e.funcOffset[fix.funcName]
		if !ok {
			return nil, toolerr.Newf(toolerr.CompileFailed, toolerr.SevError, "emitter: call to undefined function %q", fix.funcName)
		}
		e.instrs[fix.instrIndex].A = int64(target)
	}
	entry, ok := e.funcOffset["main"]
	if !ok {
		return nil, toolerr.New(toolerr.CompileFailed, toolerr.SevError, "emitter: translation unit has no main function")
	}
	return astc.NewProgram(e.instrs, uint32(entry)), nil
}

func (e *Emitter) emit(instr astc.Instruction) int {
	e.instrs = append(e.instrs, instr)
	return len(e.instrs) - 1
}

func (e *Emitter) patchTarget(instrIndex int) {
	e.instrs[instrIndex].A = int64(len(e.instrs))
}

func (e *Emitter) emitFunc(fn *ast.FuncDecl) error {
	e.funcOffset[fn.Name] = len(e.instrs)
	e.locals = make(map[string]int64)
	e.nextLocal = 0
	for _, p := range fn.Params {
		e.locals[p.Name] = e.nextLocal
		e.nextLocal++
	}
	if err := e.emitStmt(fn.Body); err != nil {
		return err
	}
	// Fallback epilogue: a function whose control flow falls off the end
	// without an explicit return yields 0, matching the parser's
	// acceptance of return-less void-ish bodies.
	e.emit(astc.Instruction{Op: astc.OpLoadImm, A: 0})
	e.emit(astc.Instruction{Op: astc.OpReturn})
	return nil
}

func (e *Emitter) declareLocal(name string) int64 {
	idx := e.nextLocal
	e.locals[name] = idx
	e.nextLocal++
	return idx
}

func (e *Emitter) emitStmt(n ast.Node) error {
	switch s := n.(type) {
	case *ast.CompoundStmt:
		for _, stmt := range s.Stmts {
			if err := e.emitStmt(stmt); err != nil {
				return err
			}
		}
	case *ast.VarDecl:
		idx := e.declareLocal(s.Name)
		if s.Init != nil {
			if err := e.emitExpr(s.Init); err != nil {
				return err
			}
		} else {
			e.emit(astc.Instruction{Op: astc.OpLoadImm, A: 0})
		}
		e.emit(astc.Instruction{Op: astc.OpLocalSet, A: idx})
	case *ast.IfStmt:
		return e.emitIf(s)
	case *ast.WhileStmt:
		return e.emitWhile(s)
	case *ast.ForStmt:
		return e.emitFor(s)
	case *ast.ReturnStmt:
		if s.Value != nil {
			if err := e.emitExpr(s.Value); err != nil {
				return err
			}
		} else {
			e.emit(astc.Instruction{Op: astc.OpLoadImm, A: 0})
		}
		e.emit(astc.Instruction{Op: astc.OpReturn})
	case *ast.ExprStmt:
		if err := e.emitExpr(s.Expr); err != nil {
			return err
		}
		e.emit(astc.Instruction{Op: astc.OpDrop})
	case *ast.BreakStmt:
		idx := e.emit(astc.Instruction{Op: astc.OpJump})
		e.breaks = append(e.breaks, idx)
	case *ast.ContinueStmt:
		idx := e.emit(astc.Instruction{Op: astc.OpJump})
		e.continues = append(e.continues, idx)
	default:
		return toolerr.Newf(toolerr.CompileFailed, toolerr.SevError, "emitter: unsupported statement %s", n.Kind())
	}
	return nil
}

func (e *Emitter) emitIf(s *ast.IfStmt) error {
	if err := e.emitExpr(s.Cond); err != nil {
		return err
	}
	jumpToElse := e.emit(astc.Instruction{Op: astc.OpJumpIfFalse})
	if err := e.emitStmt(s.Then); err != nil {
		return err
	}
	if s.Else == nil {
		e.patchTarget(jumpToElse)
		return nil
	}
	jumpToEnd := e.emit(astc.Instruction{Op: astc.OpJump})
	e.patchTarget(jumpToElse)
	if err := e.emitStmt(s.Else); err != nil {
		return err
	}
	e.patchTarget(jumpToEnd)
	return nil
}

// withLoopFrame saves and restores the break/continue fixup lists around a
// loop body, so a break inside a nested loop never leaks into the outer
// loop's patch set. The body's break and continue sites are handed to the
// caller through pendingBreaks and pendingContinues, since the loop's exit
// and continuation points are only known once the caller has emitted the
// post-expression and back-edge.
func (e *Emitter) withLoopFrame(fn func(start int) error) error {
	savedBreaks, savedContinues := e.breaks, e.continues
	e.breaks, e.continues = nil, nil
	start := len(e.instrs)
	err := fn(start)
	breaks, continues := e.breaks, e.continues
	e.breaks, e.continues = savedBreaks, savedContinues
	if err != nil {
		return err
	}
	e.pendingBreaks = breaks
	e.pendingContinues = continues
	return nil
}

func (e *Emitter) emitWhile(s *ast.WhileStmt) error {
	condStart := len(e.instrs)
	if err := e.emitExpr(s.Cond); err != nil {
		return err
	}
	exitJump := e.emit(astc.Instruction{Op: astc.OpJumpIfFalse})
	err := e.withLoopFrame(func(int) error {
		return e.emitStmt(s.Body)
	})
	if err != nil {
		return err
	}
	for _, idx := range e.pendingContinues {
		e.instrs[idx].A = int64(condStart)
	}
	e.emit(astc.Instruction{Op: astc.OpJump, A: int64(condStart)})
	e.patchTarget(exitJump)
	for _, idx := range e.pendingBreaks {
		e.patchTarget(idx)
	}
	return nil
}

func (e *Emitter) emitFor(s *ast.ForStmt) error {
	if s.Init != nil {
		if err := e.emitStmt(asExprOrDecl(s.Init)); err != nil {
			return err
		}
	}
	condStart := len(e.instrs)
	var exitJump int
	hasCond := s.Cond != nil
	if hasCond {
		if err := e.emitExpr(s.Cond); err != nil {
			return err
		}
		exitJump = e.emit(astc.Instruction{Op: astc.OpJumpIfFalse})
	}
	err := e.withLoopFrame(func(int) error {
		return e.emitStmt(s.Body)
	})
	if err != nil {
		return err
	}
	postStart := len(e.instrs)
	if s.Post != nil {
		if err := e.emitExpr(s.Post); err != nil {
			return err
		}
		e.emit(astc.Instruction{Op: astc.OpDrop})
	}
	for _, idx := range e.pendingContinues {
		e.instrs[idx].A = int64(postStart)
	}
	e.emit(astc.Instruction{Op: astc.OpJump, A: int64(condStart)})
	if hasCond {
		e.patchTarget(exitJump)
	}
	for _, idx := range e.pendingBreaks {
		e.patchTarget(idx)
	}
	return nil
}

// asExprOrDecl wraps a bare expression used as a for-loop initializer in an
// ExprStmt so emitStmt's switch can dispatch on it like any other statement;
// VarDecl initializers already satisfy ast.Node directly.
func asExprOrDecl(n ast.Node) ast.Node {
	if _, ok := n.(*ast.VarDecl); ok {
		return n
	}
	return &ast.ExprStmt{NodeBase: ast.NewBase(n.Pos().Line, n.Pos().Column), Expr: n}
}

func relCodeFor(op ast.BinOp) (int64, bool) {
	switch op {
	case ast.OpEq:
		return astc.RelEq, true
	case ast.OpNeq:
		return astc.RelNe, true
	case ast.OpLt:
		return astc.RelLt, true
	case ast.OpGt:
		return astc.RelGt, true
	case ast.OpLeq:
		return astc.RelLe, true
	case ast.OpGeq:
		return astc.RelGe, true
	}
	return 0, false
}

var arithOp = map[ast.BinOp]astc.Opcode{
	ast.OpAdd: astc.OpAdd, ast.OpSub: astc.OpSub, ast.OpMul: astc.OpMul,
	ast.OpDiv: astc.OpDiv, ast.OpMod: astc.OpMod,
	ast.OpAnd: astc.OpAnd, ast.OpOr: astc.OpOr, ast.OpXor: astc.OpXor,
	ast.OpShl: astc.OpShl, ast.OpShr: astc.OpShr,
}

func (e *Emitter) emitExpr(n ast.Node) error {
	switch v := n.(type) {
	case *ast.IntLit:
		e.emit(astc.Instruction{Op: astc.OpLoadImm, A: v.Value})
		return nil
	case *ast.FloatLit:
		// No floating-point opcodes exist in the catalogue (spec §4.C
		// scope); the bit pattern is preserved as an opaque immediate so
		// round-tripping a float through LOCAL_GET/LOCAL_SET still works,
		// even though arithmetic on it would not produce a meaningful
		// float result.
		e.emit(astc.Instruction{Op: astc.OpLoadImm, A: int64(floatBits(v.Value))})
		return nil
	case *ast.Ident:
		idx, ok := e.locals[v.Name]
		if !ok {
			return toolerr.Newf(toolerr.CompileFailed, toolerr.SevError, "emitter: undefined identifier %q", v.Name)
		}
		e.emit(astc.Instruction{Op: astc.OpLocalGet, A: idx})
		return nil
	case *ast.UnaryExpr:
		return e.emitUnary(v)
	case *ast.BinaryExpr:
		return e.emitBinary(v)
	case *ast.CallExpr:
		return e.emitCall(v)
	default:
		return toolerr.Newf(toolerr.CompileFailed, toolerr.SevError, "emitter: unsupported expression %s", n.Kind())
	}
}

func (e *Emitter) emitUnary(v *ast.UnaryExpr) error {
	switch v.Op {
	case ast.OpNeg:
		e.emit(astc.Instruction{Op: astc.OpLoadImm, A: 0})
		if err := e.emitExpr(v.Operand); err != nil {
			return err
		}
		e.emit(astc.Instruction{Op: astc.OpSub})
		return nil
	case ast.OpNot:
		if err := e.emitExpr(v.Operand); err != nil {
			return err
		}
		e.emit(astc.Instruction{Op: astc.OpLoadImm, A: 0})
		e.emit(astc.Instruction{Op: astc.OpCmp})
		e.emit(astc.Instruction{Op: astc.OpTest, A: astc.RelEq})
		return nil
	case ast.OpBitNot:
		if err := e.emitExpr(v.Operand); err != nil {
			return err
		}
		e.emit(astc.Instruction{Op: astc.OpNot})
		return nil
	default:
		return toolerr.New(toolerr.CompileFailed, toolerr.SevError, "emitter: pointer operators (&, *) need a memory model this bytecode does not provide")
	}
}

func (e *Emitter) emitBinary(v *ast.BinaryExpr) error {
	if v.Op == ast.OpAssign {
		ident, ok := v.Left.(*ast.Ident)
		if !ok {
			return toolerr.New(toolerr.CompileFailed, toolerr.SevError, "emitter: assignment target must be a local variable")
		}
		idx, ok := e.locals[ident.Name]
		if !ok {
			return toolerr.Newf(toolerr.CompileFailed, toolerr.SevError, "emitter: assignment to undefined identifier %q", ident.Name)
		}
		if err := e.emitExpr(v.Right); err != nil {
			return err
		}
		e.emit(astc.Instruction{Op: astc.OpLocalSet, A: idx})
		e.emit(astc.Instruction{Op: astc.OpLocalGet, A: idx})
		return nil
	}
	if v.Op == ast.OpLogAnd || v.Op == ast.OpLogOr {
		return e.emitShortCircuit(v)
	}
	if relCode, ok := relCodeFor(v.Op); ok {
		if err := e.emitExpr(v.Left); err != nil {
			return err
		}
		if err := e.emitExpr(v.Right); err != nil {
			return err
		}
		e.emit(astc.Instruction{Op: astc.OpCmp})
		e.emit(astc.Instruction{Op: astc.OpTest, A: relCode})
		return nil
	}
	opcode, ok := arithOp[v.Op]
	if !ok {
		return toolerr.Newf(toolerr.CompileFailed, toolerr.SevError, "emitter: unsupported binary operator %d", v.Op)
	}
	if err := e.emitExpr(v.Left); err != nil {
		return err
	}
	if err := e.emitExpr(v.Right); err != nil {
		return err
	}
	e.emit(astc.Instruction{Op: opcode})
	return nil
}

// emitShortCircuit lowers && and || with branches instead of eager
// evaluation, matching C's short-circuit semantics (not representable with
// a single AND/OR bytecode op, which would evaluate both sides eagerly).
func (e *Emitter) emitShortCircuit(v *ast.BinaryExpr) error {
	if err := e.emitExpr(v.Left); err != nil {
		return err
	}
	var skip int
	if v.Op == ast.OpLogAnd {
		skip = e.emit(astc.Instruction{Op: astc.OpJumpIfFalse})
	} else {
		skip = e.emit(astc.Instruction{Op: astc.OpJumpIf})
	}
	// The conditional jump has already popped the left value.
	if err := e.emitExpr(v.Right); err != nil {
		return err
	}
	// Normalize the right-hand result to 0/1 the same way a relational
	// expression would, so `a && b` behaves consistently whether b is
	// itself relational or an arbitrary nonzero value.
	e.emit(astc.Instruction{Op: astc.OpLoadImm, A: 0})
	e.emit(astc.Instruction{Op: astc.OpCmp})
	e.emit(astc.Instruction{Op: astc.OpTest, A: astc.RelNe})
	end := e.emit(astc.Instruction{Op: astc.OpJump})
	e.patchTarget(skip)
	if v.Op == ast.OpLogAnd {
		e.emit(astc.Instruction{Op: astc.OpLoadImm, A: 0})
	} else {
		e.emit(astc.Instruction{Op: astc.OpLoadImm, A: 1})
	}
	e.patchTarget(end)
	return nil
}

func (e *Emitter) emitCall(v *ast.CallExpr) error {
	callee, ok := v.Callee.(*ast.Ident)
	if !ok {
		return toolerr.New(toolerr.CompileFailed, toolerr.SevError, "emitter: indirect calls are not supported")
	}
	for _, arg := range v.Args {
		if err := e.emitExpr(arg); err != nil {
			return err
		}
	}
	if id, ok := libcIDs[callee.Name]; ok {
		e.emit(astc.Instruction{Op: astc.OpLibcCall, A: id, B: int64(len(v.Args))})
		return nil
	}
	idx := e.emit(astc.Instruction{Op: astc.OpCall, B: int64(len(v.Args))})
	e.callSites = append(e.callSites, callFixup{instrIndex: idx, funcName: callee.Name})
	return nil
}
