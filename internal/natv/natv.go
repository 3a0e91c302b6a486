// Package natv implements the NATV native module container (spec §3
// "native module", §4.F): the binary format the loader mmaps and the
// compiler's module backend writes. Byte packing again follows the
// teacher's putU32/putU64 idiom from std/compiler/backend.go rather than
// encoding/binary, for the same reason the ASTC header does (internal/astc).
// CRC64 itself is the one place this toolchain reaches for the standard
// library over a third-party checksum package: hash/crc64.MakeTable takes
// an arbitrary reflected polynomial directly, which is exactly what the
// spec's custom polynomial needs, and nothing in the example pack offers a
// CRC-64 implementation at all (the only hash libraries surfaced by the
// pack - crypto/sha256 users, FNV in the VM's own instruction cache - don't
// cover CRC64-ISO-style reflected polynomials).
package natv

import (
	"hash/crc64"

	"github.com/tinyrange-rtg/astctool/internal/toolerr"
)

// Polynomial is the module container's custom CRC-64 polynomial.
const Polynomial = 0xC96C5795D7870F42

var crcTable = crc64.MakeTable(Polynomial)

// Architecture tags a module's target instruction set.
type Architecture uint8

const (
	ArchX86_64 Architecture = iota
	ArchX86_32
	ArchARM64
)

func (a Architecture) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchX86_32:
		return "x86_32"
	case ArchARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// ModuleType tags what role a module plays in the loader's dependency graph.
type ModuleType uint8

const (
	ModuleTypeVM ModuleType = iota
	ModuleTypeLibcForward
	ModuleTypeUser
)

func (m ModuleType) String() string {
	switch m {
	case ModuleTypeVM:
		return "vm"
	case ModuleTypeLibcForward:
		return "libc-forward"
	case ModuleTypeUser:
		return "user"
	default:
		return "unknown"
	}
}

const (
	// MaxExports bounds a module's export table (spec §4.F).
	MaxExports = 1024
	// MaxNameLength bounds an export, module, or dependency name's byte length.
	MaxNameLength = 256
	// MaxDependencies bounds a module's declared dependency list, matching
	// the loader's own per-module dependency cap (spec §4.G).
	MaxDependencies = 32

	headerSize = 128
	// exportSize is the fixed-width on-disk export entry: name, type, flags,
	// offset, size (spec §6's `char name[256]; u32 type; u32 flags; u64
	// offset; u64 size`).
	exportSize = MaxNameLength + 4 + 4 + 8 + 8
	depSize    = MaxNameLength
)

// Magic identifies a NATV container: the ASCII bytes "NATV".
const Magic uint32 = 0x5654414E

// Version is the container format version this package reads and writes.
const Version uint32 = 1

// Header is the fixed 128-byte NATV file header.
type Header struct {
	Magic        uint32
	Version      uint32
	Arch         Architecture
	ModuleType   ModuleType
	Flags        uint32
	CodeOffset   uint32
	CodeSize     uint32
	DataOffset   uint32
	DataSize     uint32
	ExportOffset uint32
	ExportCount  uint32
	DepOffset    uint32
	DepCount     uint32
	Checksum     uint64
	// VersionMajor/Minor/Patch are the module's own semantic version,
	// compared by Module.Satisfies; the loader does not check versions.
	VersionMajor uint16
	VersionMinor uint16
	VersionPatch uint16
}

// ExportType tags what kind of symbol an Export names, per spec §3 and the
// on-disk export-entry format in §6.
type ExportType uint32

const (
	ExportFunction ExportType = iota
	ExportVariable
	ExportConstant
	ExportTypeDecl
	ExportInterface
)

func (t ExportType) String() string {
	switch t {
	case ExportFunction:
		return "function"
	case ExportVariable:
		return "variable"
	case ExportConstant:
		return "constant"
	case ExportTypeDecl:
		return "type"
	case ExportInterface:
		return "interface"
	default:
		return "unknown"
	}
}

// Export is one symbol a module makes available to the loader. Function
// exports resolve against the code section; variable, constant, type, and
// interface exports resolve against the data section (spec §4.F).
type Export struct {
	Offset uint64 // byte offset into the section Type resolves against
	Size   uint64
	Name   string
	Type   ExportType
	Flags  uint32
}

// Module is a fully decoded NATV container: header, code, data, exports,
// and the dependency module names it must be linked against.
type Module struct {
	Header  Header
	Code    []byte
	Data    []byte
	Exports []Export
	Deps    []string
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// Build assembles a Module's Header from its sections, export table, and
// dependency list, leaving the checksum to be computed by Encode.
func Build(arch Architecture, modType ModuleType, code, data []byte, exports []Export, deps []string, major, minor, patch uint16) (*Module, error) {
	if len(exports) > MaxExports {
		return nil, toolerr.Newf(toolerr.ResourceExhausted, toolerr.SevError, "natv: %d exports exceeds the %d cap", len(exports), MaxExports)
	}
	if len(deps) > MaxDependencies {
		return nil, toolerr.Newf(toolerr.ResourceExhausted, toolerr.SevError, "natv: %d dependencies exceeds the %d cap", len(deps), MaxDependencies)
	}
	for _, e := range exports {
		if len(e.Name) > MaxNameLength {
			return nil, toolerr.Newf(toolerr.InvalidArgument, toolerr.SevError, "natv: export name %q exceeds %d bytes", e.Name, MaxNameLength)
		}
	}
	for _, d := range deps {
		if len(d) > MaxNameLength {
			return nil, toolerr.Newf(toolerr.InvalidArgument, toolerr.SevError, "natv: dependency name %q exceeds %d bytes", d, MaxNameLength)
		}
	}
	depOffset := uint32(headerSize)
	codeOffset := depOffset + uint32(len(deps))*depSize
	dataOffset := codeOffset + uint32(len(code))
	exportOffset := dataOffset + uint32(len(data))
	return &Module{
		Header: Header{
			Magic:        Magic,
			Version:      Version,
			Arch:         arch,
			ModuleType:   modType,
			DepOffset:    depOffset,
			DepCount:     uint32(len(deps)),
			CodeOffset:   codeOffset,
			CodeSize:     uint32(len(code)),
			DataOffset:   dataOffset,
			DataSize:     uint32(len(data)),
			ExportOffset: exportOffset,
			ExportCount:  uint32(len(exports)),
			VersionMajor: major,
			VersionMinor: minor,
			VersionPatch: patch,
		},
		Code:    code,
		Data:    data,
		Exports: exports,
		Deps:    deps,
	}, nil
}

// checksumPayload returns the bytes CRC64 is computed over: code, data, and
// the export table, in that order (spec §4.F). The dependency list is not
// part of the covered payload, so the checksum does not protect it.
func (m *Module) checksumPayload() []byte {
	buf := make([]byte, 0, len(m.Code)+len(m.Data)+len(m.Exports)*exportSize)
	buf = append(buf, m.Code...)
	buf = append(buf, m.Data...)
	for _, e := range m.Exports {
		buf = append(buf, encodeExport(e)...)
	}
	return buf
}

// encodeExport packs one export entry in the on-disk layout spec §6 defines:
// name[256], type, flags, offset, size.
func encodeExport(e Export) []byte {
	entry := make([]byte, exportSize)
	copy(entry[0:MaxNameLength], e.Name)
	putU32(entry[MaxNameLength:MaxNameLength+4], uint32(e.Type))
	putU32(entry[MaxNameLength+4:MaxNameLength+8], e.Flags)
	putU64(entry[MaxNameLength+8:MaxNameLength+16], e.Offset)
	putU64(entry[MaxNameLength+16:MaxNameLength+24], e.Size)
	return entry
}

// Encode serializes m into the NATV binary container, computing its CRC64
// checksum over code‖data‖export-table.
func (m *Module) Encode() []byte {
	m.Header.Checksum = crc64.Checksum(m.checksumPayload(), crcTable)

	total := int(m.Header.ExportOffset) + len(m.Exports)*exportSize
	buf := make([]byte, total)

	putU32(buf[0:4], m.Header.Magic)
	putU32(buf[4:8], m.Header.Version)
	buf[8] = byte(m.Header.Arch)
	buf[9] = byte(m.Header.ModuleType)
	putU32(buf[12:16], m.Header.Flags)
	putU32(buf[16:20], m.Header.CodeOffset)
	putU32(buf[20:24], m.Header.CodeSize)
	putU32(buf[24:28], m.Header.DataOffset)
	putU32(buf[28:32], m.Header.DataSize)
	putU32(buf[32:36], m.Header.ExportOffset)
	putU32(buf[36:40], m.Header.ExportCount)
	putU32(buf[40:44], m.Header.DepOffset)
	putU32(buf[44:48], m.Header.DepCount)
	putU64(buf[48:56], m.Header.Checksum)
	putU16(buf[56:58], m.Header.VersionMajor)
	putU16(buf[58:60], m.Header.VersionMinor)
	putU16(buf[60:62], m.Header.VersionPatch)

	off := int(m.Header.DepOffset)
	for _, d := range m.Deps {
		copy(buf[off:off+depSize], d)
		off += depSize
	}

	copy(buf[m.Header.CodeOffset:], m.Code)
	copy(buf[m.Header.DataOffset:], m.Data)
	off = int(m.Header.ExportOffset)
	for _, e := range m.Exports {
		copy(buf[off:off+exportSize], encodeExport(e))
		off += exportSize
	}
	return buf
}

// Decode parses a NATV container, validating magic, version, and checksum.
func Decode(buf []byte) (*Module, error) {
	if len(buf) < headerSize {
		return nil, toolerr.New(toolerr.Truncated, toolerr.SevError, "natv: buffer shorter than header")
	}
	h := Header{
		Magic:        getU32(buf[0:4]),
		Version:      getU32(buf[4:8]),
		Arch:         Architecture(buf[8]),
		ModuleType:   ModuleType(buf[9]),
		Flags:        getU32(buf[12:16]),
		CodeOffset:   getU32(buf[16:20]),
		CodeSize:     getU32(buf[20:24]),
		DataOffset:   getU32(buf[24:28]),
		DataSize:     getU32(buf[28:32]),
		ExportOffset: getU32(buf[32:36]),
		ExportCount:  getU32(buf[36:40]),
		DepOffset:    getU32(buf[40:44]),
		DepCount:     getU32(buf[44:48]),
		Checksum:     getU64(buf[48:56]),
		VersionMajor: getU16(buf[56:58]),
		VersionMinor: getU16(buf[58:60]),
		VersionPatch: getU16(buf[60:62]),
	}
	if h.Magic != Magic {
		return nil, toolerr.Newf(toolerr.InvalidFormat, toolerr.SevError, "natv: bad magic %#x", h.Magic)
	}
	if h.Version != Version {
		return nil, toolerr.Newf(toolerr.UnsupportedVersion, toolerr.SevError, "natv: unsupported version %d", h.Version)
	}
	if h.ExportCount > MaxExports {
		return nil, toolerr.Newf(toolerr.ResourceExhausted, toolerr.SevError, "natv: %d exports exceeds the %d cap", h.ExportCount, MaxExports)
	}
	if h.DepCount > MaxDependencies {
		return nil, toolerr.Newf(toolerr.ResourceExhausted, toolerr.SevError, "natv: %d dependencies exceeds the %d cap", h.DepCount, MaxDependencies)
	}
	if h.Arch != ArchX86_64 && h.Arch != ArchX86_32 && h.Arch != ArchARM64 {
		return nil, toolerr.Newf(toolerr.InvalidFormat, toolerr.SevError, "natv: unrecognized architecture %d", h.Arch)
	}
	if h.ModuleType != ModuleTypeVM && h.ModuleType != ModuleTypeLibcForward && h.ModuleType != ModuleTypeUser {
		return nil, toolerr.Newf(toolerr.InvalidFormat, toolerr.SevError, "natv: unrecognized module type %d", h.ModuleType)
	}
	want := int(h.ExportOffset) + int(h.ExportCount)*exportSize
	if len(buf) < want {
		return nil, toolerr.New(toolerr.Truncated, toolerr.SevError, "natv: buffer shorter than declared sections")
	}

	m := &Module{
		Header: h,
		Code:   buf[h.CodeOffset : h.CodeOffset+h.CodeSize],
		Data:   buf[h.DataOffset : h.DataOffset+h.DataSize],
	}
	depOff := int(h.DepOffset)
	for i := uint32(0); i < h.DepCount; i++ {
		m.Deps = append(m.Deps, nulTerminated(buf[depOff:depOff+depSize]))
		depOff += depSize
	}
	off := int(h.ExportOffset)
	for i := uint32(0); i < h.ExportCount; i++ {
		name := nulTerminated(buf[off : off+MaxNameLength])
		typ := ExportType(getU32(buf[off+MaxNameLength : off+MaxNameLength+4]))
		flags := getU32(buf[off+MaxNameLength+4 : off+MaxNameLength+8])
		expOffset := getU64(buf[off+MaxNameLength+8 : off+MaxNameLength+16])
		expSize := getU64(buf[off+MaxNameLength+16 : off+MaxNameLength+24])
		exp := Export{Offset: expOffset, Size: expSize, Name: name, Type: typ, Flags: flags}
		if err := validateExportBounds(exp, &h); err != nil {
			return nil, err
		}
		m.Exports = append(m.Exports, exp)
		off += exportSize
	}

	if crc64.Checksum(m.checksumPayload(), crcTable) != h.Checksum {
		return nil, toolerr.New(toolerr.ChecksumMismatch, toolerr.SevError, "natv: checksum mismatch")
	}
	return m, nil
}

// validateExportBounds rejects an export whose offset+size falls outside
// the section its type resolves against: code for function exports, data
// for everything else (spec §4.F, §8 "export offset outside its section").
func validateExportBounds(e Export, h *Header) error {
	switch e.Type {
	case ExportFunction:
	case ExportVariable, ExportConstant, ExportTypeDecl, ExportInterface:
	default:
		return toolerr.Newf(toolerr.InvalidFormat, toolerr.SevError, "natv: export %q has unrecognized type %d", e.Name, e.Type)
	}
	var sectionSize uint64
	if e.Type == ExportFunction {
		sectionSize = uint64(h.CodeSize)
	} else {
		sectionSize = uint64(h.DataSize)
	}
	if e.Offset > sectionSize || e.Size > sectionSize-e.Offset {
		return toolerr.Newf(toolerr.InvalidFormat, toolerr.SevError, "natv: export %q offset %d size %d outside its %d-byte section", e.Name, e.Offset, e.Size, sectionSize)
	}
	return nil
}

func nulTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Resolve does a linear scan of m's export table for name, returning
// ResourceExhausted-free SymbolNotFound on a miss. The loader's own symbol
// cache (internal/loader) is what makes repeated lookups fast; Resolve
// itself is the ground truth it caches.
func (m *Module) Resolve(name string) (Export, error) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, nil
		}
	}
	return Export{}, toolerr.Newf(toolerr.SymbolNotFound, toolerr.SevError, "natv: symbol %q not found", name)
}

// Satisfies reports whether m's version satisfies a requirement of the form
// "major.minor.patch": the major version must match exactly, and (minor,
// patch) must be >= the requirement, per spec §4.G's semantic version
// compatibility rule.
func (m *Module) Satisfies(reqMajor, reqMinor, reqPatch uint16) bool {
	h := m.Header
	if h.VersionMajor != reqMajor {
		return false
	}
	if h.VersionMinor != reqMinor {
		return h.VersionMinor > reqMinor
	}
	return h.VersionPatch >= reqPatch
}
