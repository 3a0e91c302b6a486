package loader_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"unsafe"

	"github.com/tinyrange-rtg/astctool/internal/loader"
	"github.com/tinyrange-rtg/astctool/internal/natv"
	"github.com/tinyrange-rtg/astctool/internal/toolerr"
)

// archSuffix mirrors the loader's own path resolution (amd64->x64,
// arm64->arm64, both 64-bit) so tests can place files where Load expects
// them without reaching into unexported loader internals.
func archSuffix() (string, int) {
	switch runtime.GOARCH {
	case "amd64":
		return "x64", 64
	case "arm64":
		return "arm64", 64
	default:
		return runtime.GOARCH, 64
	}
}

func writeModule(t *testing.T, dir, name string, exports []natv.Export, deps []string) {
	t.Helper()
	code := []byte{0x90, 0x90, 0xC3, 0xC3}
	m, err := natv.Build(natv.ArchX86_64, natv.ModuleTypeUser, code, nil, exports, deps, 1, 0, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	arch, bits := archSuffix()
	path := filepath.Join(dir, name+"_"+arch+"_"+itoa(bits)+".native")
	if err := os.WriteFile(path, m.Encode(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func writeModuleWithData(t *testing.T, dir, name string, data []byte, exports []natv.Export) {
	t.Helper()
	code := []byte{0x90, 0x90, 0xC3, 0xC3}
	m, err := natv.Build(natv.ArchX86_64, natv.ModuleTypeUser, code, data, exports, nil, 1, 0, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	arch, bits := archSuffix()
	path := filepath.Join(dir, name+"_"+arch+"_"+itoa(bits)+".native")
	if err := os.WriteFile(path, m.Encode(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestLoadResolvesExportedSymbol(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "mathy", []natv.Export{{Offset: 0, Size: 2, Name: "add"}}, nil)
	l := loader.New(dir)

	m, err := l.Load("mathy")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	addr1, err := l.Resolve(m, "add")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	addr2, err := l.Resolve(m, "add")
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if addr1 != addr2 {
		t.Fatalf("resolve is not idempotent: %#x != %#x", addr1, addr2)
	}
}

func TestLoadReturnsCachedModuleOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "mathy", []natv.Export{{Name: "add"}}, nil)
	l := loader.New(dir)

	m1, err := l.Load("mathy")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m2, err := l.Load("mathy")
	if err != nil {
		t.Fatalf("Load (cached): %v", err)
	}
	if m1 != m2 {
		t.Fatal("Load returned a distinct module pointer on a cache hit")
	}
}

// TestLoadUnloadLoadYieldsSameExportOffsets is scenario 4 from spec §8.
func TestLoadUnloadLoadYieldsSameExportOffsets(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "mathy", []natv.Export{{Offset: 2, Size: 2, Name: "sub"}}, nil)
	l := loader.New(dir)

	m1, err := l.Load("mathy")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	exp1, err := m1.Natv.Resolve("sub")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := l.Unload(m1); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	m2, err := l.Load("mathy")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	exp2, err := m2.Natv.Resolve("sub")
	if err != nil {
		t.Fatalf("Resolve after reload: %v", err)
	}
	if exp1.Offset != exp2.Offset {
		t.Fatalf("got offset %d after reload, want %d", exp2.Offset, exp1.Offset)
	}
}

func TestUnloadTwiceFails(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "mathy", nil, nil)
	l := loader.New(dir)
	m, err := l.Load("mathy")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := l.Unload(m); err != nil {
		t.Fatalf("first Unload: %v", err)
	}
	if err := l.Unload(m); err == nil {
		t.Fatal("second Unload succeeded, want an error")
	}
}

// TestResolveAfterUnloadFails is part of scenario 5 (symbol-cache
// idempotence) from spec §8: resolving a symbol on an unloaded module
// either reloads or reports not-found, never a stale address.
func TestResolveAfterUnloadFails(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "mathy", []natv.Export{{Name: "add"}}, nil)
	l := loader.New(dir)
	m, err := l.Load("mathy")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := l.Resolve(m, "add"); err != nil {
		t.Fatalf("Resolve before unload: %v", err)
	}
	if err := l.Unload(m); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, err := l.Resolve(m, "add"); err == nil {
		t.Fatal("Resolve on an unloaded module succeeded")
	}
}

func TestResolveGlobalScansInsertionOrder(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "first", []natv.Export{{Name: "shared"}}, nil)
	writeModule(t, dir, "second", []natv.Export{{Name: "shared"}, {Name: "unique"}}, nil)
	l := loader.New(dir)
	if _, err := l.Load("first"); err != nil {
		t.Fatalf("Load(first): %v", err)
	}
	if _, err := l.Load("second"); err != nil {
		t.Fatalf("Load(second): %v", err)
	}
	if _, err := l.ResolveGlobal("unique"); err != nil {
		t.Fatalf("ResolveGlobal(unique): %v", err)
	}
	if _, err := l.ResolveGlobal("missing"); err == nil {
		t.Fatal("ResolveGlobal(missing) succeeded, want not-found")
	}
}

func TestRegisterDependencyCapEnforced(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "needy", nil, nil)
	l := loader.New(dir)
	m, err := l.Load("needy")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := 0; i < natv.MaxDependencies; i++ {
		if err := l.RegisterDependency(m, "dep"+itoa(i)); err != nil {
			t.Fatalf("RegisterDependency(%d): %v", i, err)
		}
	}
	err = l.RegisterDependency(m, "onemore")
	te, ok := err.(*toolerr.Error)
	if !ok || te.Code != toolerr.ResourceExhausted {
		t.Fatalf("got %v, want ResourceExhausted", err)
	}
}

func TestResolveDependenciesLazilyLoadsDeclaredDeps(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "base", []natv.Export{{Name: "helper"}}, nil)
	writeModule(t, dir, "app", nil, []string{"base"})
	l := loader.New(dir)

	app, err := l.Load("app")
	if err != nil {
		t.Fatalf("Load(app): %v", err)
	}
	if err := l.ResolveDependencies(app); err != nil {
		t.Fatalf("ResolveDependencies: %v", err)
	}
	if _, err := l.ResolveGlobal("helper"); err != nil {
		t.Fatalf("ResolveGlobal(helper) after dependency resolution: %v", err)
	}
}

func TestLoadMissingModuleReportsNotFound(t *testing.T) {
	l := loader.New(t.TempDir())
	_, err := l.Load("does-not-exist")
	te, ok := err.(*toolerr.Error)
	if !ok || te.Code != toolerr.NotFound {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestResolveVariableExportReadsDataSection(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello")
	writeModuleWithData(t, dir, "consts", data, []natv.Export{
		{Offset: 0, Size: 5, Name: "greeting", Type: natv.ExportVariable},
	})
	l := loader.New(dir)

	m, err := l.Load("consts")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	addr, err := l.Resolve(m, "greeting")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	if string(got) != "hello" {
		t.Fatalf("got %q at resolved address, want %q", got, "hello")
	}
}

func TestLoadCapEnforced(t *testing.T) {
	dir := t.TempDir()
	l := loader.New(dir)
	for i := 0; i < loader.MaxModules; i++ {
		name := "mod" + itoa(i)
		writeModule(t, dir, name, nil, nil)
		if _, err := l.Load(name); err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
	}
	writeModule(t, dir, "overflow", nil, nil)
	_, err := l.Load("overflow")
	te, ok := err.(*toolerr.Error)
	if !ok || te.Code != toolerr.ResourceExhausted {
		t.Fatalf("got %v, want ResourceExhausted", err)
	}
}
