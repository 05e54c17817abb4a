// Package policy builds the syscall/filesystem allowlist applied to each
// worker. A Builder accumulates declarative rules and yields an opaque
// Policy whose seccomp program is assembled as classic BPF.
package policy

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"golang.org/x/net/bpf"
)

// noArg marks a rule that matches on the syscall number alone.
const noArg = -1

type rule struct {
	nr  uint32
	arg int
	val uint32
}

// TmpfsMount backs a path with an in-memory filesystem capped at Size
// bytes.
type TmpfsMount struct {
	Path string
	Size int64
}

// Builder accumulates allowlist rules. All methods return the receiver
// for chaining; errors are collected and surfaced by Build.
type Builder struct {
	rules []rule
	files []string
	tmpfs []TmpfsMount
	errs  []error
}

func NewBuilder() *Builder { return &Builder{} }

// AllowSyscall permits a single syscall unconditionally.
func (b *Builder) AllowSyscall(nr uint32) *Builder {
	b.rules = append(b.rules, rule{nr: nr, arg: noArg})
	return b
}

// AllowSyscalls permits each listed syscall unconditionally.
func (b *Builder) AllowSyscalls(nrs []uint32) *Builder {
	for _, nr := range nrs {
		b.AllowSyscall(nr)
	}
	return b
}

// AllowSyscallArg permits a syscall only when the given argument's low 32
// bits equal val.
func (b *Builder) AllowSyscallArg(nr uint32, arg int, val uint32) *Builder {
	if arg < 0 || arg > 5 {
		b.errs = append(b.errs, fmt.Errorf("syscall %d: argument index %d out of range", nr, arg))
		return b
	}
	b.rules = append(b.rules, rule{nr: nr, arg: arg, val: val})
	return b
}

func (b *Builder) AllowRead() *Builder  { return b.AllowSyscalls(sysRead) }
func (b *Builder) AllowWrite() *Builder { return b.AllowSyscalls(sysWrite) }
func (b *Builder) AllowExit() *Builder  { return b.AllowSyscalls(sysExit) }

func (b *Builder) AllowGetRlimit() *Builder { return b.AllowSyscalls(sysGetRlimit) }
func (b *Builder) AllowGetIDs() *Builder    { return b.AllowSyscalls(sysGetIDs) }

// AllowTCGETS permits ioctl restricted to the TCGETS request.
func (b *Builder) AllowTCGETS() *Builder {
	return b.AllowSyscallArg(sysIoctl, 1, tcgets)
}

func (b *Builder) AllowTime() *Builder          { return b.AllowSyscalls(sysTime) }
func (b *Builder) AllowOpen() *Builder          { return b.AllowSyscalls(sysOpen) }
func (b *Builder) AllowStat() *Builder          { return b.AllowSyscalls(sysStat) }
func (b *Builder) AllowHandleSignals() *Builder { return b.AllowSyscalls(sysSignals) }
func (b *Builder) AllowSystemMalloc() *Builder  { return b.AllowSyscalls(sysMalloc) }
func (b *Builder) AllowSafeFcntl() *Builder     { return b.AllowSyscalls(sysFcntl) }

// AllowLlvmSanitizers appends the syscalls the LLVM sanitizer runtimes
// need (ASAN/MSAN/TSAN instrumented workers).
func (b *Builder) AllowLlvmSanitizers() *Builder { return b.AllowSyscalls(sysLlvmSanitizer) }

// AddFile grants read-only access to a host file.
func (b *Builder) AddFile(path string) *Builder {
	b.files = append(b.files, path)
	return b
}

// AddTmpfs backs path with a tmpfs capped at size bytes.
func (b *Builder) AddTmpfs(path string, size int64) *Builder {
	if size <= 0 {
		b.errs = append(b.errs, fmt.Errorf("tmpfs %s: size must be positive", path))
		return b
	}
	b.tmpfs = append(b.tmpfs, TmpfsMount{Path: path, Size: size})
	return b
}

// Build assembles the policy. The rule order is normalized so equivalent
// builders produce identical programs.
func (b *Builder) Build() (*Policy, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("policy has %d invalid rules, first: %w", len(b.errs), b.errs[0])
	}
	rules := dedupeRules(b.rules)
	prog, err := assemble(rules)
	if err != nil {
		return nil, err
	}
	return &Policy{
		rules: rules,
		prog:  prog,
		Files: append([]string{}, b.files...),
		Tmpfs: append([]TmpfsMount{}, b.tmpfs...),
	}, nil
}

func dedupeRules(rules []rule) []rule {
	seen := make(map[rule]bool, len(rules))
	out := make([]rule, 0, len(rules))
	for _, r := range rules {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].nr != out[j].nr {
			return out[i].nr < out[j].nr
		}
		return out[i].arg < out[j].arg
	})
	return out
}

// Policy is the opaque result of Build. The controller ships it to the
// worker serialized; the worker applies it to itself before touching any
// untrusted input.
type Policy struct {
	rules []rule
	prog  []bpf.RawInstruction

	Files []string
	Tmpfs []TmpfsMount
}

// Program returns the assembled seccomp filter.
func (p *Policy) Program() []bpf.RawInstruction { return p.prog }

// Allows reports whether the policy has an unconditional rule for nr.
func (p *Policy) Allows(nr uint32) bool {
	for _, r := range p.rules {
		if r.nr == nr && r.arg == noArg {
			return true
		}
	}
	return false
}

type policyWire struct {
	Prog  []bpf.RawInstruction
	Files []string
	Tmpfs []TmpfsMount
}

// Serialize encodes the policy for shipping to the worker.
func (p *Policy) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	w := policyWire{Prog: p.prog, Files: p.Files, Tmpfs: p.Tmpfs}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("serialize policy: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a policy shipped by the controller. The rule list
// is not reconstructed; the program is what gets enforced.
func Deserialize(data []byte) (*Policy, error) {
	var w policyWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("deserialize policy: %w", err)
	}
	return &Policy{prog: w.Prog, Files: w.Files, Tmpfs: w.Tmpfs}, nil
}
