package parser

import (
	"fmt"

	"github.com/tinyrange-rtg/astctool/internal/ast"
)

// ParseError carries the source position of the first unexpected token, per
// spec §4.B ("fails with ParseError carrying line/column").
type ParseError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// Parser is a recursive-descent parser over a token stream, with
// precedence-climbing for binary expressions. It stops at the first error;
// the C99 subset driving self-hosting needs no error recovery (spec §4.B).
type Parser struct {
	file       string
	tokens     []Token
	pos        int
	loopDepth  int
}

// Parse tokenizes src and parses it as a single translation unit.
func Parse(file string, src []byte) (*ast.TranslationUnit, error) {
	lexer := NewLexer(src)
	p := &Parser{file: file, tokens: lexer.Tokenize()}
	return p.parseTranslationUnit()
}

func (p *Parser) cur() Token {
	if p.pos >= len(p.tokens) {
		return Token{Kind: TokEOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) at(kind TokenKind) bool { return p.cur().Kind == kind }

func (p *Parser) advance() Token {
	t := p.cur()
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) expect(kind TokenKind) (Token, error) {
	t := p.cur()
	if t.Kind != kind {
		return t, p.errf(t, "expected %s, got %s", tokenName(kind), t.String())
	}
	return p.advance(), nil
}

func (p *Parser) errf(t Token, format string, args ...interface{}) error {
	return &ParseError{File: p.file, Line: t.Line, Column: t.Col, Message: fmt.Sprintf(format, args...)}
}

func (p *Parser) parseTranslationUnit() (*ast.TranslationUnit, error) {
	tu := &ast.TranslationUnit{NodeBase: ast.NewBase(1, 1)}
	for !p.at(TokEOF) {
		decl, err := p.parseTopLevel()
		if err != nil {
			return nil, err
		}
		if decl != nil {
			tu.Decls = append(tu.Decls, decl)
		}
	}
	return tu, nil
}

func (p *Parser) parseTopLevel() (ast.Node, error) {
	switch p.cur().Kind {
	case TokModule:
		tok := p.advance()
		name, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokSemicolon); err != nil {
			return nil, err
		}
		return &ast.ModuleDecl{NodeBase: ast.NewBase(tok.Line, tok.Col), Name: name.Val}, nil
	case TokImport:
		tok := p.advance()
		name, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokSemicolon); err != nil {
			return nil, err
		}
		return &ast.ImportDecl{NodeBase: ast.NewBase(tok.Line, tok.Col), Name: name.Val}, nil
	case TokExport:
		tok := p.advance()
		name, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokSemicolon); err != nil {
			return nil, err
		}
		return &ast.ExportDecl{NodeBase: ast.NewBase(tok.Line, tok.Col), Name: name.Val}, nil
	case TokTypedef, TokStruct, TokUnion, TokEnum:
		return p.skipAggregateDecl()
	default:
		return p.parseDeclaration()
	}
}

// skipAggregateDecl consumes a struct/union/enum/typedef declaration up to
// its terminating semicolon. Struct layout is not needed to lower the
// bytecode-level self-hosting subset (spec §1's working-subset non-goal),
// so these are recognized but not retained in the AST.
func (p *Parser) skipAggregateDecl() (ast.Node, error) {
	depth := 0
	for {
		t := p.cur()
		if t.Kind == TokEOF {
			return nil, p.errf(t, "unexpected end of file in declaration")
		}
		if t.Kind == TokLBrace {
			depth++
		}
		if t.Kind == TokRBrace {
			depth--
		}
		p.advance()
		if t.Kind == TokSemicolon && depth <= 0 {
			return nil, nil
		}
	}
}

// isTypeStart reports whether k is a keyword that can start a type reference.
func isTypeStart(k TokenKind) bool {
	switch k {
	case TokInt_, TokChar, TokFloat_, TokDouble, TokVoid, TokShort, TokLong,
		TokUnsigned, TokSigned, TokStruct, TokConst:
		return true
	}
	return false
}

// parseType consumes a sequence of type keywords and any trailing '*'
// pointer markers, returning a textual type reference (spec's AST stores
// type references as names, not a separate type system).
func (p *Parser) parseType() (string, error) {
	if !isTypeStart(p.cur().Kind) {
		return "", p.errf(p.cur(), "expected a type, got %s", p.cur().String())
	}
	typ := ""
	for isTypeStart(p.cur().Kind) {
		if typ != "" {
			typ += " "
		}
		typ += tokenName(p.cur().Kind)
		p.advance()
	}
	for p.at(TokStar) {
		typ += "*"
		p.advance()
	}
	return typ, nil
}

// parseDeclaration parses a top-level variable or function declaration:
// <type> <name> ( ... ) { ... } | <type> <name> [= <expr>] ;
func (p *Parser) parseDeclaration() (ast.Node, error) {
	startTok := p.cur()
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return nil, err
	}
	if p.at(TokLParen) {
		return p.parseFuncDecl(startTok, typ, nameTok.Val)
	}
	var init ast.Node
	if p.at(TokAssign) {
		p.advance()
		init, err = p.parseExpr(0)
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokSemicolon); err != nil {
		return nil, err
	}
	return &ast.VarDecl{
		NodeBase: ast.NewBase(startTok.Line, startTok.Col),
		Name:     nameTok.Val,
		Type:     typ,
		Init:     init,
	}, nil
}

func (p *Parser) parseFuncDecl(startTok Token, retType, name string) (ast.Node, error) {
	if _, err := p.expect(TokLParen); err != nil {
		return nil, err
	}
	var params []*ast.Param
	for !p.at(TokRParen) {
		if p.at(TokVoid) && len(params) == 0 {
			// allow `(void)` with no parameter name following
			save := p.pos
			p.advance()
			if p.at(TokRParen) {
				break
			}
			p.pos = save
		}
		ptok := p.cur()
		ptyp, err := p.parseType()
		if err != nil {
			return nil, err
		}
		pname, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		params = append(params, &ast.Param{
			NodeBase: ast.NewBase(ptok.Line, ptok.Col),
			Name:     pname.Val,
			Type:     ptyp,
		})
		if p.at(TokComma) {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokRParen); err != nil {
		return nil, err
	}

	fn := &ast.FuncDecl{
		NodeBase:   ast.NewBase(startTok.Line, startTok.Col),
		Name:       name,
		ReturnType: retType,
		Params:     params,
	}
	if p.at(TokSemicolon) {
		p.advance()
		return fn, nil // prototype, no body
	}
	body, err := p.parseCompoundStmt()
	if err != nil {
		return nil, err
	}
	fn.Body = body
	return fn, nil
}

func (p *Parser) parseCompoundStmt() (*ast.CompoundStmt, error) {
	lb, err := p.expect(TokLBrace)
	if err != nil {
		return nil, err
	}
	cs := &ast.CompoundStmt{NodeBase: ast.NewBase(lb.Line, lb.Col)}
	for !p.at(TokRBrace) {
		if p.at(TokEOF) {
			return nil, p.errf(p.cur(), "unexpected end of file, expected }")
		}
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		if stmt != nil {
			cs.Stmts = append(cs.Stmts, stmt)
		}
	}
	p.advance() // }
	return cs, nil
}

func (p *Parser) parseStmt() (ast.Node, error) {
	switch p.cur().Kind {
	case TokLBrace:
		return p.parseCompoundStmt()
	case TokIf:
		return p.parseIfStmt()
	case TokWhile:
		return p.parseWhileStmt()
	case TokFor:
		return p.parseForStmt()
	case TokReturn:
		return p.parseReturnStmt()
	case TokBreak:
		tok := p.advance()
		if p.loopDepth == 0 {
			return nil, p.errf(tok, "break outside of a loop")
		}
		if _, err := p.expect(TokSemicolon); err != nil {
			return nil, err
		}
		return &ast.BreakStmt{NodeBase: ast.NewBase(tok.Line, tok.Col)}, nil
	case TokContinue:
		tok := p.advance()
		if p.loopDepth == 0 {
			return nil, p.errf(tok, "continue outside of a loop")
		}
		if _, err := p.expect(TokSemicolon); err != nil {
			return nil, err
		}
		return &ast.ContinueStmt{NodeBase: ast.NewBase(tok.Line, tok.Col)}, nil
	case TokSemicolon:
		p.advance()
		return nil, nil
	default:
		if isTypeStart(p.cur().Kind) {
			return p.parseLocalDecl()
		}
		return p.parseExprStmt()
	}
}

func (p *Parser) parseLocalDecl() (ast.Node, error) {
	startTok := p.cur()
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return nil, err
	}
	var init ast.Node
	if p.at(TokAssign) {
		p.advance()
		init, err = p.parseExpr(0)
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokSemicolon); err != nil {
		return nil, err
	}
	return &ast.VarDecl{
		NodeBase: ast.NewBase(startTok.Line, startTok.Col),
		Name:     nameTok.Val,
		Type:     typ,
		Init:     init,
	}, nil
}

func (p *Parser) parseIfStmt() (ast.Node, error) {
	tok := p.advance()
	if _, err := p.expect(TokLParen); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRParen); err != nil {
		return nil, err
	}
	then, err := p.parseStmt()
	if err != nil {
		return nil, err
	}
	var elseStmt ast.Node
	if p.at(TokElse) {
		p.advance()
		elseStmt, err = p.parseStmt()
		if err != nil {
			return nil, err
		}
	}
	return &ast.IfStmt{NodeBase: ast.NewBase(tok.Line, tok.Col), Cond: cond, Then: then, Else: elseStmt}, nil
}

func (p *Parser) parseWhileStmt() (ast.Node, error) {
	tok := p.advance()
	if _, err := p.expect(TokLParen); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRParen); err != nil {
		return nil, err
	}
	p.loopDepth++
	body, err := p.parseStmt()
	p.loopDepth--
	if err != nil {
		return nil, err
	}
	return &ast.WhileStmt{NodeBase: ast.NewBase(tok.Line, tok.Col), Cond: cond, Body: body}, nil
}

func (p *Parser) parseForStmt() (ast.Node, error) {
	tok := p.advance()
	if _, err := p.expect(TokLParen); err != nil {
		return nil, err
	}
	var initNode, condNode, postNode ast.Node
	var err error
	if !p.at(TokSemicolon) {
		if isTypeStart(p.cur().Kind) {
			initNode, err = p.parseLocalDeclNoSemi()
		} else {
			initNode, err = p.parseExpr(0)
		}
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokSemicolon); err != nil {
		return nil, err
	}
	if !p.at(TokSemicolon) {
		condNode, err = p.parseExpr(0)
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokSemicolon); err != nil {
		return nil, err
	}
	if !p.at(TokRParen) {
		postNode, err = p.parseExpr(0)
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokRParen); err != nil {
		return nil, err
	}
	p.loopDepth++
	body, err := p.parseStmt()
	p.loopDepth--
	if err != nil {
		return nil, err
	}
	return &ast.ForStmt{NodeBase: ast.NewBase(tok.Line, tok.Col), Init: initNode, Cond: condNode, Post: postNode, Body: body}, nil
}

// parseLocalDeclNoSemi parses a var-decl without consuming a trailing
// semicolon, for use in a for-loop's init clause.
func (p *Parser) parseLocalDeclNoSemi() (ast.Node, error) {
	startTok := p.cur()
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	nameTok, err := p.expect(TokIdent)
	if err != nil {
		return nil, err
	}
	var init ast.Node
	if p.at(TokAssign) {
		p.advance()
		init, err = p.parseExpr(0)
		if err != nil {
			return nil, err
		}
	}
	return &ast.VarDecl{NodeBase: ast.NewBase(startTok.Line, startTok.Col), Name: nameTok.Val, Type: typ, Init: init}, nil
}

func (p *Parser) parseReturnStmt() (ast.Node, error) {
	tok := p.advance()
	var value ast.Node
	if !p.at(TokSemicolon) {
		var err error
		value, err = p.parseExpr(0)
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokSemicolon); err != nil {
		return nil, err
	}
	return &ast.ReturnStmt{NodeBase: ast.NewBase(tok.Line, tok.Col), Value: value}, nil
}

func (p *Parser) parseExprStmt() (ast.Node, error) {
	tok := p.cur()
	expr, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokSemicolon); err != nil {
		return nil, err
	}
	return &ast.ExprStmt{NodeBase: ast.NewBase(tok.Line, tok.Col), Expr: expr}, nil
}

// binPrec gives each binary operator's precedence; higher binds tighter.
// Ties are broken left-to-right, matching standard C precedence (spec
// §4.B).
func binPrec(k TokenKind) (ast.BinOp, int, bool) {
	switch k {
	case TokAssign:
		return ast.OpAssign, 1, true
	case TokOr:
		return ast.OpLogOr, 2, true
	case TokAnd:
		return ast.OpLogAnd, 3, true
	case TokPipe:
		return ast.OpOr, 4, true
	case TokCaret:
		return ast.OpXor, 5, true
	case TokAmp:
		return ast.OpAnd, 6, true
	case TokEq:
		return ast.OpEq, 7, true
	case TokNeq:
		return ast.OpNeq, 7, true
	case TokLt:
		return ast.OpLt, 8, true
	case TokGt:
		return ast.OpGt, 8, true
	case TokLeq:
		return ast.OpLeq, 8, true
	case TokGeq:
		return ast.OpGeq, 8, true
	case TokShl:
		return ast.OpShl, 9, true
	case TokShr:
		return ast.OpShr, 9, true
	case TokPlus:
		return ast.OpAdd, 10, true
	case TokMinus:
		return ast.OpSub, 10, true
	case TokStar:
		return ast.OpMul, 11, true
	case TokSlash:
		return ast.OpDiv, 11, true
	case TokPercent:
		return ast.OpMod, 11, true
	}
	return 0, 0, false
}

// parseExpr implements precedence climbing: minPrec is the lowest
// precedence this call is allowed to consume.
func (p *Parser) parseExpr(minPrec int) (ast.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, prec, ok := binPrec(p.cur().Kind)
		if !ok || prec < minPrec {
			return left, nil
		}
		tok := p.advance()
		// Right-associative for assignment, left-associative otherwise.
		nextMin := prec + 1
		if op == ast.OpAssign {
			nextMin = prec
		}
		right, err := p.parseExpr(nextMin)
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryExpr{NodeBase: ast.NewBase(tok.Line, tok.Col), Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseUnary() (ast.Node, error) {
	tok := p.cur()
	switch tok.Kind {
	case TokMinus:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{NodeBase: ast.NewBase(tok.Line, tok.Col), Op: ast.OpNeg, Operand: operand}, nil
	case TokNot:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{NodeBase: ast.NewBase(tok.Line, tok.Col), Op: ast.OpNot, Operand: operand}, nil
	case TokTilde:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{NodeBase: ast.NewBase(tok.Line, tok.Col), Op: ast.OpBitNot, Operand: operand}, nil
	case TokAmp:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{NodeBase: ast.NewBase(tok.Line, tok.Col), Op: ast.OpAddr, Operand: operand}, nil
	case TokStar:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{NodeBase: ast.NewBase(tok.Line, tok.Col), Op: ast.OpDeref, Operand: operand}, nil
	default:
		return p.parsePostfix()
	}
}

func (p *Parser) parsePostfix() (ast.Node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.at(TokLParen) {
		tok := p.advance()
		var args []ast.Node
		for !p.at(TokRParen) {
			arg, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.at(TokComma) {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		expr = &ast.CallExpr{NodeBase: ast.NewBase(tok.Line, tok.Col), Callee: expr, Args: args}
	}
	return expr, nil
}

func (p *Parser) parsePrimary() (ast.Node, error) {
	tok := p.cur()
	switch tok.Kind {
	case TokInt:
		p.advance()
		return parseIntLit(tok)
	case TokFloat:
		p.advance()
		return parseFloatLit(tok)
	case TokString:
		p.advance()
		return &ast.StringLit{NodeBase: ast.NewBase(tok.Line, tok.Col), Value: []byte(tok.Val)}, nil
	case TokIdent:
		p.advance()
		if p.at(TokDot) {
			// The lexer treats '.' as an identifier character, so a
			// Module.Symbol reference already arrives as one Ident and no
			// SymbolRef is built here. A '.' token that still follows
			// (only after whitespace) is left for the caller, and no
			// grammar rule accepts it; C99 struct field access isn't
			// modeled here.
		}
		return &ast.Ident{NodeBase: ast.NewBase(tok.Line, tok.Col), Name: tok.Val}, nil
	case TokLParen:
		p.advance()
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return expr, nil
	default:
		return nil, p.errf(tok, "unexpected token %s", tok.String())
	}
}

func parseIntLit(tok Token) (ast.Node, error) {
	val := tok.Val
	isHex := len(val) > 1 && val[0] == '0' && (val[1] == 'x' || val[1] == 'X')
	var n int64
	if isHex {
		for i := 2; i < len(val); i++ {
			n = n*16 + int64(hexDigit(val[i]))
		}
	} else {
		for i := 0; i < len(val); i++ {
			n = n*10 + int64(val[i]-'0')
		}
	}
	return &ast.IntLit{NodeBase: ast.NewBase(tok.Line, tok.Col), Value: n, IsHex: isHex}, nil
}

func hexDigit(ch byte) int {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0')
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10
	}
	return 0
}

func parseFloatLit(tok Token) (ast.Node, error) {
	var intPart, fracPart int64
	var fracDigits int
	i := 0
	for i < len(tok.Val) && tok.Val[i] != '.' && tok.Val[i] != 'e' && tok.Val[i] != 'E' {
		intPart = intPart*10 + int64(tok.Val[i]-'0')
		i++
	}
	if i < len(tok.Val) && tok.Val[i] == '.' {
		i++
		for i < len(tok.Val) && tok.Val[i] >= '0' && tok.Val[i] <= '9' {
			fracPart = fracPart*10 + int64(tok.Val[i]-'0')
			fracDigits++
			i++
		}
	}
	value := float64(intPart)
	if fracDigits > 0 {
		div := 1.0
		for j := 0; j < fracDigits; j++ {
			div *= 10
		}
		value += float64(fracPart) / div
	}
	return &ast.FloatLit{NodeBase: ast.NewBase(tok.Line, tok.Col), Value: value}, nil
}
