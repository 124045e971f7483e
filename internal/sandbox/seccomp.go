package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
)

// SeccompProfile is the Docker seccomp profile format.
type SeccompProfile struct {
	DefaultAction string           `json:"defaultAction"`
	Architectures []string         `json:"architectures"`
	Syscalls      []SeccompSyscall `json:"syscalls"`
}

// SeccompSyscall is one rule in a SeccompProfile.
type SeccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// DefaultSeccompProfile returns a deny-by-default profile that allows only
// what a simple C program linked against libc, libm and libfann
// needs after execve: file I/O on already-permitted paths, memory management,
// clocks, and process exit.
func DefaultSeccompProfile() SeccompProfile {
	return SeccompProfile{
		DefaultAction: "SCMP_ACT_ERRNO",
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_X86", "SCMP_ARCH_X32", "SCMP_ARCH_AARCH64", "SCMP_ARCH_ARM"},
		Syscalls: []SeccompSyscall{
			// program start
			{Names: []string{"execve", "arch_prctl", "set_tid_address", "set_robust_list", "rseq", "prlimit64", "uname"}, Action: "SCMP_ACT_ALLOW"},
			// runtime handoff performed after the filter is installed
			{Names: []string{"capget", "capset", "prctl", "setgroups", "setuid", "setgid", "getuid", "geteuid", "getgid", "getegid", "chdir", "fchdir", "getcwd"}, Action: "SCMP_ACT_ALLOW"},
			// files and stdio
			{Names: []string{"read", "write", "readv", "writev", "pread64", "pwrite64", "open", "openat", "close", "close_range", "lseek"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"stat", "fstat", "lstat", "newfstatat", "statx", "access", "faccessat", "faccessat2", "readlink", "readlinkat", "fcntl", "ioctl", "dup", "dup2", "dup3"}, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"poll", "ppoll", "select", "pselect6"}, Action: "SCMP_ACT_ALLOW"},
			// memory
			{Names: []string{"brk", "mmap", "munmap", "mprotect", "mremap", "madvise"}, Action: "SCMP_ACT_ALLOW"},
			// signals delivered by the runtime
			{Names: []string{"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack", "tgkill", "gettid", "getpid"}, Action: "SCMP_ACT_ALLOW"},
			// time and scheduling
			{Names: []string{"clock_gettime", "clock_getres", "clock_nanosleep", "nanosleep", "gettimeofday", "time", "sched_yield", "sched_getaffinity", "futex", "getrandom", "sysinfo", "getrusage", "times"}, Action: "SCMP_ACT_ALLOW"},
			// exit
			{Names: []string{"exit", "exit_group"}, Action: "SCMP_ACT_ALLOW"},
		},
	}
}

// writeSeccompProfile writes profile as JSON to a fresh temp file and returns
// its path. The caller removes the file.
func writeSeccompProfile(profile SeccompProfile) (string, error) {
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding seccomp profile: %w", err)
	}

	f, err := os.CreateTemp("", "crucible-seccomp-*.json")
	if err != nil {
		return "", fmt.Errorf("creating seccomp profile: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	return f.Name(), nil
}
