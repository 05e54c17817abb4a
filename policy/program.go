package policy

import (
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// seccomp_data layout: nr at 0, arch at 4, args at 16, 8 bytes each. The
// filter inspects the low dword of each argument (little-endian).
const (
	offNr   = 0
	offArch = 4
	offArgs = 16
)

// assemble lays the rules out as a linear filter: verify the audit arch,
// load the syscall number, then one block per rule jumping forward to the
// trailing ALLOW. Anything that falls through is killed.
func assemble(rules []rule) ([]bpf.RawInstruction, error) {
	insns := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: nativeAuditArch, SkipTrue: 1},
		bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS},
		bpf.LoadAbsolute{Off: offNr, Size: 4},
	}

	// First pass with zeroed allow offsets; remember which instructions
	// jump to ALLOW and patch them once the layout is final.
	var allowJumps []int
	for _, r := range rules {
		if r.arg == noArg {
			allowJumps = append(allowJumps, len(insns))
			insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: r.nr})
			continue
		}
		// Conditional rule: on syscall match inspect the argument, then
		// restore the syscall number for the next block.
		insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: r.nr, SkipFalse: 3})
		insns = append(insns, bpf.LoadAbsolute{Off: uint32(offArgs + 8*r.arg), Size: 4})
		allowJumps = append(allowJumps, len(insns))
		insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: r.val})
		insns = append(insns, bpf.LoadAbsolute{Off: offNr, Size: 4})
	}

	insns = append(insns, bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS})
	allowIdx := len(insns)
	insns = append(insns, bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW})

	for _, idx := range allowJumps {
		skip := allowIdx - idx - 1
		if skip > 255 {
			return nil, fmt.Errorf("policy too large: jump of %d exceeds BPF range", skip)
		}
		j := insns[idx].(bpf.JumpIf)
		j.SkipTrue = uint8(skip)
		insns[idx] = j
	}

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("assemble seccomp program: %w", err)
	}
	return raw, nil
}
