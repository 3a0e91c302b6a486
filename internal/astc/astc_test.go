package astc_test

import (
	"bytes"
	"testing"

	"github.com/tinyrange-rtg/astctool/internal/astc"
	"github.com/tinyrange-rtg/astctool/internal/toolerr"
)

func constantReturnProgram() *astc.Program {
	// Scenario 1 from spec §8: a function that returns the constant 42.
	return astc.NewProgram([]astc.Instruction{
		{Op: astc.OpLoadImm, A: 42},
		{Op: astc.OpReturn},
	}, 0)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := constantReturnProgram()
	buf := want.Encode()
	got, err := astc.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.Magic != astc.Magic || got.Header.Version != astc.Version {
		t.Fatalf("got header %+v", got.Header)
	}
	if len(got.Instructions) != len(want.Instructions) {
		t.Fatalf("got %d instructions, want %d", len(got.Instructions), len(want.Instructions))
	}
	for i := range want.Instructions {
		if got.Instructions[i] != want.Instructions[i] {
			t.Fatalf("instruction %d: got %+v, want %+v", i, got.Instructions[i], want.Instructions[i])
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := constantReturnProgram().Encode()
	buf[0] ^= 0xFF
	_, err := astc.Decode(buf)
	assertCode(t, err, toolerr.InvalidFormat)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	p := constantReturnProgram()
	buf := p.Encode()
	buf[4] = 99
	_, err := astc.Decode(buf)
	assertCode(t, err, toolerr.UnsupportedVersion)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	buf := constantReturnProgram().Encode()
	_, err := astc.Decode(buf[:len(buf)-5])
	assertCode(t, err, toolerr.Truncated)
}

func TestDecodeRejectsShorterThanHeader(t *testing.T) {
	_, err := astc.Decode([]byte{1, 2, 3})
	assertCode(t, err, toolerr.Truncated)
}

func TestDisassembleListsEveryInstruction(t *testing.T) {
	var buf bytes.Buffer
	p := constantReturnProgram()
	if err := astc.Disassemble(&buf, p); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("LOAD_IMM")) || !bytes.Contains([]byte(out), []byte("RETURN")) {
		t.Fatalf("disassembly missing expected mnemonics: %s", out)
	}
}

func assertCode(t *testing.T, err error, want toolerr.Code) {
	t.Helper()
	te, ok := err.(*toolerr.Error)
	if !ok {
		t.Fatalf("got error type %T, want *toolerr.Error", err)
	}
	if te.Code != want {
		t.Fatalf("got code %s, want %s", te.Code, want)
	}
}
