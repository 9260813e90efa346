// Package loader implements the loader interface pass (spec.md §4.10): it
// issues the raw BPF syscalls that create every map a program references
// and load the assembled instruction stream into the kernel, reporting the
// verifier's rejection (errno plus log) as a cerr.KernelLoadFailure.
//
// Grounded on original_source/prog.py's _load_prog (the bpf_attr layout,
// GPL license, kernel-version encoding, 2^20-byte verifier log buffer,
// errno+log error path) and other_examples' loader_linux.go (BPF_MAP_CREATE
// attr struct, runtime.KeepAlive discipline around pointers stashed as
// uint64 fields, map-fd relocation patching). Uses golang.org/x/sys/unix
// for the raw syscall numbers instead of hand-rolled syscall constants,
// matching the rest of this module's dependency surface (see SPEC_FULL.md
// §5).
package loader

import (
	"fmt"
	"runtime"
	"sort"
	"unsafe"

	"github.com/mna/ebpfc/lang/cerr"
	"github.com/mna/ebpfc/lang/ebpf"
	"github.com/mna/ebpfc/lang/mapspec"
	"golang.org/x/sys/unix"
)

const (
	bpfCmdMapCreate = 0
	bpfCmdProgLoad  = 5

	logBufSize = 1 << 20
)

// mapCreateAttr matches the BPF_MAP_CREATE member of the kernel's
// union bpf_attr.
type mapCreateAttr struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	mapFlags   uint32
}

// progLoadAttr matches the BPF_PROG_LOAD member of union bpf_attr, in the
// field order the kernel expects (prog.py's BpfAttrLoadProg, extended with
// the log fields the original also sets).
type progLoadAttr struct {
	progType    uint32
	insnCnt     uint32
	insns       uint64
	license     uint64
	logLevel    uint32
	logSize     uint32
	logBuf      uint64
	kernVersion uint32
}

// LoadedMaps maps a program's declared map names to the kernel file
// descriptors BPF_MAP_CREATE returned for them.
type LoadedMaps map[string]int

// CreateMaps issues BPF_MAP_CREATE for every map in specs, keyed by name.
// On any failure it closes every fd already created before returning.
func CreateMaps(specs map[string]*mapspec.Spec) (LoadedMaps, error) {
	out := make(LoadedMaps, len(specs))
	for name, s := range specs {
		attr := mapCreateAttr{
			mapType:    s.KernelType(),
			keySize:    s.KeySize(),
			valueSize:  s.ValueSize(),
			maxEntries: s.MaxEntries,
		}
		fd, _, errno := unix.Syscall(unix.SYS_BPF, bpfCmdMapCreate,
			uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
		if errno != 0 {
			closeAll(out)
			return nil, cerr.New(cerr.KernelLoadFailure, 0, "create map %q: %s", name, errno.Error())
		}
		out[name] = int(fd)
	}
	return out, nil
}

func closeAll(m LoadedMaps) {
	for _, fd := range m {
		_ = unix.Close(fd)
	}
}

// Relocate patches every BPF_PSEUDO_MAP_FD instruction's placeholder Imm
// (the map's position in the emitter's sorted mapOrder, see lang/emit's
// Open Question decision) with the real fd maps created for it. mapNames
// may come in any order: Relocate sorts its own copy, reproducing the
// emitter's sorted mapOrder.
func Relocate(insns []ebpf.Insn, mapNames []string, maps LoadedMaps) error {
	sorted := append([]string(nil), mapNames...)
	sort.Strings(sorted)

	for i := range insns {
		in := &insns[i]
		if in.Op != ebpf.ClassLd|ebpf.SizeDW|ebpf.ModeImm || in.Src != ebpf.PseudoMapFD {
			continue
		}
		idx := int(in.Imm)
		if idx < 0 || idx >= len(sorted) {
			return fmt.Errorf("map-fd relocation index %d out of range (have %d maps)", idx, len(sorted))
		}
		fd, ok := maps[sorted[idx]]
		if !ok {
			return fmt.Errorf("no fd created for map %q", sorted[idx])
		}
		in.Imm = int32(fd)
		if in.Extra != nil {
			in.Extra.Imm = 0
		}
	}
	return nil
}

// Load issues BPF_PROG_LOAD for the assembled, relocated instruction
// stream. progType is the kernel's numeric bpf_prog_type
// (ctxtypes.ProgType.KernelProgType()).
func Load(progType uint32, insns []ebpf.Insn) (int, error) {
	buf := encode(insns)
	if len(buf) == 0 {
		return -1, cerr.New(cerr.KernelLoadFailure, 0, "program has no instructions")
	}

	license := append([]byte("GPL"), 0)
	logBuf := make([]byte, logBufSize)

	attr := progLoadAttr{
		progType:    progType,
		insnCnt:     uint32(len(buf) / 8),
		insns:       uint64(uintptr(unsafe.Pointer(&buf[0]))),
		license:     uint64(uintptr(unsafe.Pointer(&license[0]))),
		logLevel:    1,
		logSize:     uint32(len(logBuf)),
		logBuf:      uint64(uintptr(unsafe.Pointer(&logBuf[0]))),
		kernVersion: kernVersion(),
	}

	fd, _, errno := unix.Syscall(unix.SYS_BPF, bpfCmdProgLoad,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	runtime.KeepAlive(buf)
	runtime.KeepAlive(license)
	runtime.KeepAlive(logBuf)

	if errno != 0 {
		verifierLog := trimNUL(logBuf)
		return -1, cerr.New(cerr.KernelLoadFailure, 0, "verifier rejected program: %s\n%s", errno.Error(), verifierLog)
	}
	return int(fd), nil
}

func encode(insns []ebpf.Insn) []byte {
	var buf []byte
	for _, in := range insns {
		buf = append(buf, in.Encode()...)
	}
	return buf
}

// kernVersion encodes uname()'s release string into the
// (major<<16)|(minor<<8)|patch triple BPF_PROG_LOAD expects, per
// prog.py's _get_kern_version.
func kernVersion() uint32 {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0
	}
	release := cString(uts.Release[:])
	var major, minor, patch uint32
	fmt.Sscanf(release, "%d.%d.%d", &major, &minor, &patch)
	return major<<16 | minor<<8 | patch
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
