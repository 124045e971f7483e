package validator

// Rules is the policy a Validator enforces. It is plain data so it can be
// loaded from config; New compiles it into an immutable Validator.
type Rules struct {
	MaxSourceSize     int      // bytes
	ForbiddenPatterns []string // regular expressions, matched case-insensitively
	AllowedIncludes   []string // header names accepted in #include directives
	SuspiciousStrings []string // substrings rejected inside string literals
}

// DefaultMaxSourceSize is the largest accepted submission (1 MiB).
const DefaultMaxSourceSize = 1024 * 1024

// DefaultRules returns the stock policy. Each call returns fresh slices, so
// callers may modify the result freely.
func DefaultRules() Rules {
	return Rules{
		MaxSourceSize:     DefaultMaxSourceSize,
		ForbiddenPatterns: defaultForbiddenPatterns(),
		AllowedIncludes:   defaultAllowedIncludes(),
		SuspiciousStrings: defaultSuspiciousStrings(),
	}
}

func defaultForbiddenPatterns() []string {
	return []string{
		// process spawning
		`system\s*\(`,
		`popen\s*\(`,
		`exec[lv]?p?e?\s*\(`,
		`fork\s*\(`,
		`vfork\s*\(`,
		`clone\s*\(`,

		// inline assembly
		`__asm__`,
		`asm\s*\(`,
		`__asm\s+volatile`,

		// memory mapping and dynamic loading
		`mmap\s*\(`,
		`munmap\s*\(`,
		`mprotect\s*\(`,
		`dlopen\s*\(`,
		`dlsym\s*\(`,
		`dlclose\s*\(`,

		// headers that expose OS surface
		`#\s*include\s*[<"]\s*(unistd\.h|sys/socket\.h|netinet/|arpa/|sys/ptrace\.h|dlfcn\.h)`,

		// filesystem access
		`fopen\s*\([^)]*["']/proc`,
		`fopen\s*\([^)]*["']/sys`,
		`fopen\s*\([^)]*["']/dev`,
		`open\s*\([^)]*O_RDWR`,

		// code run outside main
		`__attribute__\s*\(\s*\(\s*constructor`,
		`__attribute__\s*\(\s*\(\s*destructor`,

		// signals and process introspection
		`signal\s*\(`,
		`sigaction\s*\(`,
		`kill\s*\(`,
		`getpid\s*\(`,
		`getppid\s*\(`,
		`getuid\s*\(`,
		`getgid\s*\(`,

		// networking
		`socket\s*\(`,
		`bind\s*\(`,
		`listen\s*\(`,
		`accept\s*\(`,
		`connect\s*\(`,

		// environment
		`setenv\s*\(`,
		`putenv\s*\(`,
		`getenv\s*\([^)]*["']LD_PRELOAD`,

		// clock
		`settimeofday\s*\(`,
		`stime\s*\(`,

		// System V IPC
		`shmget\s*\(`,
		`shmat\s*\(`,
		`shmdt\s*\(`,
		`msgget\s*\(`,
		`msgsnd\s*\(`,
		`msgrcv\s*\(`,
		`semget\s*\(`,
		`semop\s*\(`,
		`semctl\s*\(`,
	}
}

func defaultAllowedIncludes() []string {
	return []string{
		"stdio.h", "stdlib.h", "string.h", "math.h", "time.h",
		"stdbool.h", "stdint.h", "limits.h", "float.h", "errno.h",
		"ctype.h", "assert.h", "stddef.h", "stdarg.h", "locale.h",
		"setjmp.h", "signal.h", "iso646.h", "wchar.h", "wctype.h",

		// FANN, used by the neural network exercises
		"fann.h", "floatfann.h", "doublefann.h", "fixedfann.h",
		"fann_data.h", "fann_train.h", "fann_cascade.h", "fann_io.h", "fann_cpp.h",
	}
}

func defaultSuspiciousStrings() []string {
	return []string{
		"/proc",
		"/sys",
		"/dev",
		"../",
		"LD_PRELOAD",
		"LD_LIBRARY_PATH",
		"/etc/passwd",
		"/etc/shadow",
		"/bin/sh",
		"/bin/bash",
	}
}
