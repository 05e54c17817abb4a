//go:build linux && arm64

package policy

import "golang.org/x/sys/unix"

const nativeAuditArch = unix.AUDIT_ARCH_AARCH64

const (
	sysIoctl = unix.SYS_IOCTL
	tcgets   = unix.TCGETS
)

var (
	sysRead  = []uint32{unix.SYS_READ, unix.SYS_READV, unix.SYS_PREAD64}
	sysWrite = []uint32{unix.SYS_WRITE, unix.SYS_WRITEV, unix.SYS_PWRITE64}
	sysExit  = []uint32{unix.SYS_EXIT, unix.SYS_EXIT_GROUP}

	sysGetRlimit = []uint32{unix.SYS_GETRLIMIT, unix.SYS_PRLIMIT64}
	sysGetIDs    = []uint32{
		unix.SYS_GETUID, unix.SYS_GETEUID, unix.SYS_GETRESUID,
		unix.SYS_GETGID, unix.SYS_GETEGID, unix.SYS_GETRESGID,
		unix.SYS_GETGROUPS,
	}

	sysTime = []uint32{unix.SYS_GETTIMEOFDAY, unix.SYS_CLOCK_GETTIME}
	sysOpen = []uint32{unix.SYS_OPENAT}
	sysStat = []uint32{unix.SYS_FSTAT, unix.SYS_NEWFSTATAT}

	sysSignals = []uint32{
		unix.SYS_RT_SIGACTION, unix.SYS_RT_SIGPROCMASK, unix.SYS_RT_SIGRETURN,
		unix.SYS_SIGALTSTACK,
	}
	sysMalloc = []uint32{
		unix.SYS_BRK, unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_MREMAP,
		unix.SYS_MADVISE, unix.SYS_MPROTECT,
	}
	sysFcntl = []uint32{unix.SYS_FCNTL}

	sysLlvmSanitizer = []uint32{
		unix.SYS_SCHED_GETAFFINITY, unix.SYS_SCHED_YIELD, unix.SYS_SIGALTSTACK,
		unix.SYS_PTRACE, unix.SYS_CLONE, unix.SYS_SET_ROBUST_LIST,
	}

	defaultExtra = []uint32{
		unix.SYS_RECVMSG, unix.SYS_SENDMSG, unix.SYS_FUTEX, unix.SYS_CLOSE,
		unix.SYS_LSEEK, unix.SYS_GETPID, unix.SYS_GETPPID, unix.SYS_GETTID,
		unix.SYS_CLOCK_NANOSLEEP, unix.SYS_NANOSLEEP, unix.SYS_UNAME,
		unix.SYS_GETRANDOM, unix.SYS_KILL, unix.SYS_TGKILL, unix.SYS_TKILL,
		unix.SYS_READLINKAT,
	}
)
