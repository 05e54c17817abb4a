package policy

// DefaultTmpfsSize caps the worker's /tmp at 1 GiB.
const DefaultTmpfsSize = 1 << 30

// Default returns the baseline allowlist that works for typical
// single-threaded libraries needing only basic syscalls. Callers extend
// it through the ModifyPolicy hook before Build.
func Default() *Builder {
	return NewBuilder().
		AllowRead().
		AllowWrite().
		AllowExit().
		AllowGetRlimit().
		AllowGetIDs().
		AllowTCGETS().
		AllowTime().
		AllowOpen().
		AllowStat().
		AllowHandleSignals().
		AllowSystemMalloc().
		AllowSafeFcntl().
		AllowSyscalls(defaultExtra).
		AddFile("/etc/localtime").
		AddTmpfs("/tmp", DefaultTmpfsSize)
}
