package parser_test

import (
	"testing"

	"github.com/tinyrange-rtg/astctool/internal/ast"
	"github.com/tinyrange-rtg/astctool/internal/parser"
)

func mustParse(t *testing.T, src string) *ast.TranslationUnit {
	t.Helper()
	tu, err := parser.Parse("test.c", []byte(src))
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return tu
}

func TestParseConstantReturn(t *testing.T) {
	tu := mustParse(t, "int main() { return 42; }")
	if len(tu.Decls) != 1 {
		t.Fatalf("got %d decls, want 1", len(tu.Decls))
	}
	fn, ok := tu.Decls[0].(*ast.FuncDecl)
	if !ok {
		t.Fatalf("decl 0 is %T, want *ast.FuncDecl", tu.Decls[0])
	}
	if fn.Name != "main" || fn.ReturnType != "int" {
		t.Fatalf("got FuncDecl{Name: %q, ReturnType: %q}", fn.Name, fn.ReturnType)
	}
	if len(fn.Body.Stmts) != 1 {
		t.Fatalf("got %d body statements, want 1", len(fn.Body.Stmts))
	}
	ret, ok := fn.Body.Stmts[0].(*ast.ReturnStmt)
	if !ok {
		t.Fatalf("body stmt 0 is %T, want *ast.ReturnStmt", fn.Body.Stmts[0])
	}
	lit, ok := ret.Value.(*ast.IntLit)
	if !ok || lit.Value != 42 {
		t.Fatalf("got return value %#v, want IntLit{42}", ret.Value)
	}
}

func TestParseFibonacciRecursion(t *testing.T) {
	src := `
int fib(int n) {
	if (n < 2) {
		return n;
	}
	return fib(n - 1) + fib(n - 2);
}
`
	tu := mustParse(t, src)
	fn := tu.Decls[0].(*ast.FuncDecl)
	if len(fn.Params) != 1 || fn.Params[0].Name != "n" {
		t.Fatalf("got params %#v", fn.Params)
	}
	if len(fn.Body.Stmts) != 2 {
		t.Fatalf("got %d statements, want 2", len(fn.Body.Stmts))
	}
	ifStmt, ok := fn.Body.Stmts[0].(*ast.IfStmt)
	if !ok {
		t.Fatalf("stmt 0 is %T, want *ast.IfStmt", fn.Body.Stmts[0])
	}
	cond, ok := ifStmt.Cond.(*ast.BinaryExpr)
	if !ok || cond.Op != ast.OpLt {
		t.Fatalf("got if-condition %#v, want n < 2", ifStmt.Cond)
	}
	final, ok := fn.Body.Stmts[1].(*ast.ReturnStmt)
	if !ok {
		t.Fatalf("stmt 1 is %T, want *ast.ReturnStmt", fn.Body.Stmts[1])
	}
	sum, ok := final.Value.(*ast.BinaryExpr)
	if !ok || sum.Op != ast.OpAdd {
		t.Fatalf("got return value %#v, want fib(n-1) + fib(n-2)", final.Value)
	}
	if _, ok := sum.Left.(*ast.CallExpr); !ok {
		t.Fatalf("left operand is %T, want *ast.CallExpr", sum.Left)
	}
}

func TestParseWhileLoopWithBreakAndContinue(t *testing.T) {
	src := `
int count(int n) {
	int total = 0;
	while (n > 0) {
		if (n == 5) {
			n = n - 1;
			continue;
		}
		if (n == 1) {
			break;
		}
		total = total + n;
		n = n - 1;
	}
	return total;
}
`
	tu := mustParse(t, src)
	fn := tu.Decls[0].(*ast.FuncDecl)
	var w *ast.WhileStmt
	for _, s := range fn.Body.Stmts {
		if ws, ok := s.(*ast.WhileStmt); ok {
			w = ws
		}
	}
	if w == nil {
		t.Fatal("did not find a WhileStmt in the function body")
	}
}

func TestParseForLoop(t *testing.T) {
	src := `
int sum(int n) {
	int total = 0;
	for (int i = 0; i < n; i = i + 1) {
		total = total + i;
	}
	return total;
}
`
	tu := mustParse(t, src)
	fn := tu.Decls[0].(*ast.FuncDecl)
	var forStmt *ast.ForStmt
	for _, s := range fn.Body.Stmts {
		if fs, ok := s.(*ast.ForStmt); ok {
			forStmt = fs
		}
	}
	if forStmt == nil {
		t.Fatal("did not find a ForStmt in the function body")
	}
	if _, ok := forStmt.Init.(*ast.VarDecl); !ok {
		t.Fatalf("for-init is %T, want *ast.VarDecl", forStmt.Init)
	}
}

func TestParseBreakOutsideLoopIsAnError(t *testing.T) {
	_, err := parser.Parse("test.c", []byte("int main() { break; }"))
	if err == nil {
		t.Fatal("Parse accepted break outside of a loop")
	}
	if _, ok := err.(*parser.ParseError); !ok {
		t.Fatalf("got error type %T, want *parser.ParseError", err)
	}
}

func TestParseModuleBridgeDecls(t *testing.T) {
	src := `
module mathlib;
import libc;
export add;
int add(int a, int b) {
	return a + b;
}
`
	tu := mustParse(t, src)
	if len(tu.Decls) != 4 {
		t.Fatalf("got %d decls, want 4", len(tu.Decls))
	}
	if _, ok := tu.Decls[0].(*ast.ModuleDecl); !ok {
		t.Fatalf("decl 0 is %T, want *ast.ModuleDecl", tu.Decls[0])
	}
	if _, ok := tu.Decls[1].(*ast.ImportDecl); !ok {
		t.Fatalf("decl 1 is %T, want *ast.ImportDecl", tu.Decls[1])
	}
	if _, ok := tu.Decls[2].(*ast.ExportDecl); !ok {
		t.Fatalf("decl 2 is %T, want *ast.ExportDecl", tu.Decls[2])
	}
}

func TestParsePrecedenceClimbing(t *testing.T) {
	// 1 + 2 * 3 must bind as 1 + (2 * 3), not (1 + 2) * 3.
	tu := mustParse(t, "int main() { return 1 + 2 * 3; }")
	fn := tu.Decls[0].(*ast.FuncDecl)
	ret := fn.Body.Stmts[0].(*ast.ReturnStmt)
	top, ok := ret.Value.(*ast.BinaryExpr)
	if !ok || top.Op != ast.OpAdd {
		t.Fatalf("got top-level op %#v, want Add", ret.Value)
	}
	if _, ok := top.Left.(*ast.IntLit); !ok {
		t.Fatalf("left of + is %T, want IntLit", top.Left)
	}
	right, ok := top.Right.(*ast.BinaryExpr)
	if !ok || right.Op != ast.OpMul {
		t.Fatalf("right of + is %#v, want Mul", top.Right)
	}
}

func TestParseAssignmentIsRightAssociative(t *testing.T) {
	tu := mustParse(t, "int main() { int a = 0; int b = 0; a = b = 3; return a; }")
	fn := tu.Decls[0].(*ast.FuncDecl)
	exprStmt, ok := fn.Body.Stmts[2].(*ast.ExprStmt)
	if !ok {
		t.Fatalf("stmt 2 is %T, want *ast.ExprStmt", fn.Body.Stmts[2])
	}
	assign, ok := exprStmt.Expr.(*ast.BinaryExpr)
	if !ok || assign.Op != ast.OpAssign {
		t.Fatalf("got %#v, want top-level assignment", exprStmt.Expr)
	}
	if _, ok := assign.Right.(*ast.BinaryExpr); !ok {
		t.Fatalf("right of a = b = 3 is %T, want a nested assignment", assign.Right)
	}
}

func TestParseUnexpectedTokenReportsPosition(t *testing.T) {
	_, err := parser.Parse("bad.c", []byte("int main() { return }"))
	pe, ok := err.(*parser.ParseError)
	if !ok {
		t.Fatalf("got error type %T, want *parser.ParseError", err)
	}
	if pe.Line != 1 {
		t.Fatalf("got line %d, want 1", pe.Line)
	}
}

func TestParseHexAndFloatLiterals(t *testing.T) {
	tu := mustParse(t, "int main() { int x = 0xFF; float y = 3.5; return x; }")
	fn := tu.Decls[0].(*ast.FuncDecl)
	hex := fn.Body.Stmts[0].(*ast.VarDecl).Init.(*ast.IntLit)
	if !hex.IsHex || hex.Value != 255 {
		t.Fatalf("got %#v, want IntLit{255, IsHex:true}", hex)
	}
	flt := fn.Body.Stmts[1].(*ast.VarDecl).Init.(*ast.FloatLit)
	if flt.Value != 3.5 {
		t.Fatalf("got %#v, want FloatLit{3.5}", flt)
	}
}
