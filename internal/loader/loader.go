// Package loader implements the dynamic module loader (spec §4.G): module
// path resolution, a djb2-hashed symbol cache, and lazy dependency binding
// on top of the NATV container format (internal/natv).
//
// Dependency resolution is lazy rather than an eager transitive closure: a
// module's own declared deps (natv.Module.Deps) are registered the moment
// it loads, and resolving them just loads each by name on first use. A
// loaded dependency registers its own deps the same way, so the graph
// unrolls one level at a time across calls to ResolveDependencies rather
// than all at once — the same mark-as-you-go shape as the teacher's
// worklist-driven reachability pass in std/compiler/dce.go, spread out
// over time instead of run to a fixed point in one call.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/tinyrange-rtg/astctool/internal/natv"
	"github.com/tinyrange-rtg/astctool/internal/toolerr"
)

// MaxModules bounds the loader's module cache (spec §4.G).
const MaxModules = 128

// symbolBuckets is the symbol cache's fixed bucket count (spec §4.G).
const symbolBuckets = 512

// bootstrapName is the loader's own module name; it cannot be unloaded.
const bootstrapName = "loader"

// Module is a loaded NATV container: its decoded metadata plus the
// anonymous executable mapping backing its code section and a plain
// (non-executable) copy of its data section for variable/constant/type/
// interface exports to resolve against.
type Module struct {
	Name    string
	Path    string
	Natv    *natv.Module
	mem     []byte
	dataMem []byte
	closed  bool
}

// baseAddr returns the address of the module's mapped code, or 0 if the
// module has no code section.
func (m *Module) baseAddr() uintptr {
	if len(m.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.mem[0]))
}

// dataBaseAddr returns the address of the module's data section copy, or 0
// if the module has no data section.
func (m *Module) dataBaseAddr() uintptr {
	if len(m.dataMem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.dataMem[0]))
}

// resolveAddress computes the address an export names: function exports
// resolve against the mapped code, everything else against the data
// section copy (spec §4.F's type-dependent resolution rule).
func resolveAddress(m *Module, exp natv.Export) (uintptr, error) {
	if exp.Type == natv.ExportFunction {
		if len(m.mem) == 0 {
			return 0, toolerr.Newf(toolerr.SymbolNotFound, toolerr.SevError, "loader: module %q has no code section to resolve %q against", m.Name, exp.Name)
		}
		return m.baseAddr() + uintptr(exp.Offset), nil
	}
	if len(m.dataMem) == 0 {
		return 0, toolerr.Newf(toolerr.SymbolNotFound, toolerr.SevError, "loader: module %q has no data section to resolve %q against", m.Name, exp.Name)
	}
	return m.dataBaseAddr() + uintptr(exp.Offset), nil
}

type symbolEntry struct {
	module  string
	name    string
	address uintptr
}

// Loader owns the module cache, the symbol cache, and each module's
// registered-but-not-yet-resolved dependency list.
type Loader struct {
	mu      sync.Mutex
	dir     string
	modules map[string]*Module
	order   []string // insertion order, for resolve_global
	deps    map[string][]string
	buckets [symbolBuckets][]symbolEntry
}

// New returns a Loader that resolves module names under dir.
func New(dir string) *Loader {
	return &Loader{
		dir:     dir,
		modules: make(map[string]*Module),
		deps:    make(map[string][]string),
	}
}

// djb2 hashes a symbol name the way spec §4.G's symbol cache requires:
// initial 5381, h = h*33 + c.
func djb2(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

func bucketOf(s string) uint32 {
	return djb2(s) % symbolBuckets
}

func (l *Loader) lookupLocked(module, symbol string) (uintptr, bool) {
	bucket := l.buckets[bucketOf(symbol)]
	for _, e := range bucket {
		if e.module == module && e.name == symbol {
			return e.address, true
		}
	}
	return 0, false
}

// insertLocked front-inserts a resolved symbol into its bucket, per spec
// §4.G ("insert: front-insert into the bucket").
func (l *Loader) insertLocked(module, symbol string, address uintptr) {
	idx := bucketOf(symbol)
	l.buckets[idx] = append([]symbolEntry{{module: module, name: symbol, address: address}}, l.buckets[idx]...)
}

// detectArchSuffix maps the running GOARCH to the module path's
// architecture and bit-width suffix (spec §4.G, §6 "Loader environment").
func detectArchSuffix() (string, int) {
	switch runtime.GOARCH {
	case "amd64":
		return "x64", 64
	case "arm64":
		return "arm64", 64
	case "386":
		return "x86", 32
	case "arm":
		return "arm", 32
	default:
		bits := 64
		if runtime.GOARCH == "386" || runtime.GOARCH == "arm" {
			bits = 32
		}
		return runtime.GOARCH, bits
	}
}

func modulePath(dir, name string) string {
	arch, bits := detectArchSuffix()
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%d.native", name, arch, bits))
}

// mapCode copies code into a fresh anonymous mapping, then drops it from
// read+write to read+execute — the write-then-protect sequence spec §5
// requires before any resolved pointer into it is invoked.
func mapCode(code []byte) ([]byte, error) {
	if len(code) == 0 {
		return nil, nil
	}
	mem, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, toolerr.Newf(toolerr.LoadFailed, toolerr.SevError, "loader: mmap: %v", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, toolerr.Newf(toolerr.LoadFailed, toolerr.SevError, "loader: mprotect: %v", err)
	}
	return mem, nil
}

func unmapCode(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return toolerr.Newf(toolerr.OperationFailed, toolerr.SevError, "loader: munmap: %v", err)
	}
	return nil
}

// Load returns the cached module named name, loading it from disk first if
// necessary (spec §4.G `load`).
func (l *Loader) Load(name string) (*Module, error) {
	l.mu.Lock()
	if m, ok := l.modules[name]; ok {
		l.mu.Unlock()
		return m, nil
	}
	l.mu.Unlock()

	path := modulePath(l.dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, toolerr.Newf(toolerr.NotFound, toolerr.SevError, "loader: %s: %v", path, err)
	}
	nm, err := natv.Decode(raw)
	if err != nil {
		return nil, err
	}
	mem, err := mapCode(nm.Code)
	if err != nil {
		return nil, err
	}
	var dataMem []byte
	if len(nm.Data) > 0 {
		dataMem = append([]byte(nil), nm.Data...)
	}
	mod := &Module{Name: name, Path: path, Natv: nm, mem: mem, dataMem: dataMem}

	l.mu.Lock()
	if existing, ok := l.modules[name]; ok {
		l.mu.Unlock()
		_ = unmapCode(mem)
		return existing, nil
	}
	if len(l.modules) >= MaxModules {
		l.mu.Unlock()
		_ = unmapCode(mem)
		return nil, toolerr.Newf(toolerr.ResourceExhausted, toolerr.SevError, "loader: %d modules exceeds the %d cap", len(l.modules)+1, MaxModules)
	}
	l.modules[name] = mod
	l.order = append(l.order, name)
	for _, e := range nm.Exports {
		if addr, err := resolveAddress(mod, e); err == nil {
			l.insertLocked(name, e.Name, addr)
		}
	}
	l.mu.Unlock()

	for _, dep := range nm.Deps {
		if err := l.RegisterDependency(mod, dep); err != nil {
			return mod, err
		}
	}
	return mod, nil
}

// Unload removes m from the cache and releases its mapping exactly once
// (spec §4.G `unload`). The bootstrap module refuses to unload.
func (l *Loader) Unload(m *Module) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.closed {
		return toolerr.Newf(toolerr.OperationFailed, toolerr.SevError, "loader: module %q already unloaded", m.Name)
	}
	if m.Name == bootstrapName {
		return toolerr.Newf(toolerr.OperationFailed, toolerr.SevError, "loader: bootstrap module %q cannot be unloaded", m.Name)
	}
	if _, ok := l.modules[m.Name]; !ok {
		return toolerr.Newf(toolerr.NotFound, toolerr.SevError, "loader: module %q is not loaded", m.Name)
	}
	if err := unmapCode(m.mem); err != nil {
		return err
	}
	delete(l.modules, m.Name)
	l.order = lo.Reject(l.order, func(n string, _ int) bool { return n == m.Name })
	delete(l.deps, m.Name)
	m.closed = true

	// Invalidate-all: coarse but correct per spec §4.G.
	for i := range l.buckets {
		l.buckets[i] = nil
	}
	return nil
}

// Resolve returns the address of symbol within m, consulting the symbol
// cache first and falling back to a linear scan of m's export table on a
// miss (spec §4.G `resolve`, §7's permitted cache-miss recovery).
func (l *Loader) Resolve(m *Module, symbol string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.closed {
		return 0, toolerr.Newf(toolerr.SymbolNotFound, toolerr.SevError, "loader: module %q is unloaded", m.Name)
	}
	if addr, ok := l.lookupLocked(m.Name, symbol); ok {
		return addr, nil
	}
	exp, err := m.Natv.Resolve(symbol)
	if err != nil {
		return 0, err
	}
	addr, err := resolveAddress(m, exp)
	if err != nil {
		return 0, err
	}
	l.insertLocked(m.Name, symbol, addr)
	return addr, nil
}

// ResolveGlobal scans every cached module in insertion order and returns
// the first symbol match (spec §4.G `resolve_global`).
func (l *Loader) ResolveGlobal(symbol string) (uintptr, error) {
	l.mu.Lock()
	names := append([]string(nil), l.order...)
	l.mu.Unlock()

	for _, name := range names {
		l.mu.Lock()
		m := l.modules[name]
		l.mu.Unlock()
		if m == nil {
			continue
		}
		if addr, err := l.Resolve(m, symbol); err == nil {
			return addr, nil
		}
	}
	return 0, toolerr.Newf(toolerr.SymbolNotFound, toolerr.SevError, "loader: symbol %q not found in any loaded module", symbol)
}

// RegisterDependency records that m depends on a module named depName,
// without loading it yet (spec §4.G `register_dependency`).
func (l *Loader) RegisterDependency(m *Module, depName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing := l.deps[m.Name]
	if lo.Contains(existing, depName) {
		return nil
	}
	if len(existing) >= natv.MaxDependencies {
		return toolerr.Newf(toolerr.ResourceExhausted, toolerr.SevError, "loader: module %q: %d dependencies exceeds the %d cap", m.Name, len(existing)+1, natv.MaxDependencies)
	}
	l.deps[m.Name] = append(existing, depName)
	return nil
}

// ResolveDependencies loads every dependency registered against m that
// isn't already cached (spec §4.G `resolve_dependencies`).
func (l *Loader) ResolveDependencies(m *Module) error {
	l.mu.Lock()
	deps := append([]string(nil), l.deps[m.Name]...)
	l.mu.Unlock()

	for _, dep := range deps {
		l.mu.Lock()
		_, loaded := l.modules[dep]
		l.mu.Unlock()
		if loaded {
			continue
		}
		if _, err := l.Load(dep); err != nil {
			return toolerr.Newf(toolerr.LoadFailed, toolerr.SevError, "loader: dependency %q of %q: %v", dep, m.Name, err)
		}
	}
	return nil
}

// Process-wide default loader and symbol cache, guarded by the Loader's own
// mutex — spec.md §9's "singletons for VM and loader" note, satisfied here
// by giving every package-level function an explicit *Loader counterpart
// for testability.
var (
	defaultOnce sync.Once
	defaultInst *Loader
	defaultDir  = "."
)

// UseDefaultDir sets the search directory for the process-wide default
// loader. It must be called before the first use of the package-level
// Load/Resolve/etc. functions.
func UseDefaultDir(dir string) {
	defaultDir = dir
}

// Default returns the process-wide loader singleton.
func Default() *Loader {
	defaultOnce.Do(func() {
		defaultInst = New(defaultDir)
	})
	return defaultInst
}

func Load(name string) (*Module, error)                 { return Default().Load(name) }
func Unload(m *Module) error                            { return Default().Unload(m) }
func Resolve(m *Module, symbol string) (uintptr, error) { return Default().Resolve(m, symbol) }
func ResolveGlobal(symbol string) (uintptr, error)       { return Default().ResolveGlobal(symbol) }
func RegisterDependency(m *Module, depName string) error { return Default().RegisterDependency(m, depName) }
func ResolveDependencies(m *Module) error                { return Default().ResolveDependencies(m) }
