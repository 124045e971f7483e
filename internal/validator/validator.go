// Package validator screens untrusted C source before any compiler or
// container time is spent on it.
//
// The checks are regular-expression based and therefore incomplete; they are a
// fast pre-filter layered under container isolation, not a replacement for it.
// The include allow-list is the stronger of the checks because it denies by
// default.
package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies which check rejected a submission.
type Kind string

const (
	KindSize    Kind = "size"
	KindPattern Kind = "pattern"
	KindInclude Kind = "include"
	KindString  Kind = "string"
)

// Violation describes why a submission was rejected. A nil *Violation means
// the source passed every check.
type Violation struct {
	Kind  Kind
	Match string // pattern, include target, or suspicious substring that triggered
	msg   string
}

func (v *Violation) Error() string { return v.msg }

var (
	// One preprocessor include directive per line; the capture is everything
	// after the keyword.
	includeDirectiveRe = regexp.MustCompile(`(?m)^[ \t]*#[ \t]*include\b[ \t]*(.*)$`)

	// A well-formed include target: <header> or "header".
	includeTargetRe = regexp.MustCompile(`^(?:<([^>]*)>|"([^"]*)")`)

	// Lexical tokens that can hide a quote: comments, char literals and
	// string literals (escape-aware, single line). Scanning them left to right
	// keeps '"' or an apostrophe in a comment from shifting string boundaries.
	literalTokenRe = regexp.MustCompile(`//[^\n]*|(?s:/\*.*?\*/)|'(?:[^'\\\n]|\\.)*'|"(?:[^"\\\n]|\\.)*"`)
)

type pattern struct {
	source string
	re     *regexp.Regexp
}

// Validator applies a compiled Rules set. It is immutable after New and safe
// for concurrent use.
type Validator struct {
	maxSize    int
	patterns   []pattern
	includes   map[string]struct{}
	suspicious []string
}

// New compiles rules into a Validator.
func New(rules Rules) (*Validator, error) {
	if rules.MaxSourceSize <= 0 {
		return nil, fmt.Errorf("max source size must be positive, got %d", rules.MaxSourceSize)
	}

	v := &Validator{
		maxSize:    rules.MaxSourceSize,
		patterns:   make([]pattern, 0, len(rules.ForbiddenPatterns)),
		includes:   make(map[string]struct{}, len(rules.AllowedIncludes)),
		suspicious: append([]string(nil), rules.SuspiciousStrings...),
	}

	for _, p := range rules.ForbiddenPatterns {
		re, err := regexp.Compile(`(?im)` + p)
		if err != nil {
			return nil, fmt.Errorf("compiling forbidden pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, pattern{source: p, re: re})
	}
	for _, inc := range rules.AllowedIncludes {
		v.includes[strings.TrimSpace(inc)] = struct{}{}
	}

	return v, nil
}

// MustNew is New for rule sets known to be valid, such as DefaultRules.
func MustNew(rules Rules) *Validator {
	v, err := New(rules)
	if err != nil {
		panic(err)
	}
	return v
}

// MaxSourceSize reports the size ceiling in bytes.
func (v *Validator) MaxSourceSize() int { return v.maxSize }

// Validate runs the checks in order and returns the first violation, or nil.
func (v *Validator) Validate(source string) *Violation {
	if len(source) > v.maxSize {
		return &Violation{
			Kind: KindSize,
			msg:  fmt.Sprintf("code size exceeds maximum allowed (%d bytes)", v.maxSize),
		}
	}

	for _, p := range v.patterns {
		if p.re.MatchString(source) {
			return &Violation{
				Kind:  KindPattern,
				Match: p.source,
				msg:   "forbidden pattern detected: " + p.source,
			}
		}
	}

	if viol := v.checkIncludes(source); viol != nil {
		return viol
	}

	return v.checkStrings(source)
}

func (v *Validator) checkIncludes(source string) *Violation {
	for _, m := range includeDirectiveRe.FindAllStringSubmatch(source, -1) {
		rest := strings.TrimSpace(m[1])

		tm := includeTargetRe.FindStringSubmatch(rest)
		if tm == nil {
			// Macro-expanded or malformed includes cannot be checked.
			return forbiddenInclude(rest)
		}
		target := tm[1]
		if target == "" {
			target = tm[2]
		}
		target = strings.TrimSpace(target)

		if strings.ContainsAny(target, `/\`) {
			return forbiddenInclude(target)
		}
		if _, ok := v.includes[target]; !ok {
			return forbiddenInclude(target)
		}
	}
	return nil
}

func forbiddenInclude(target string) *Violation {
	return &Violation{
		Kind:  KindInclude,
		Match: target,
		msg:   "forbidden include: " + target,
	}
}

func (v *Validator) checkStrings(source string) *Violation {
	for _, lit := range literalTokenRe.FindAllString(source, -1) {
		if lit[0] != '"' {
			continue
		}
		body := lit[1 : len(lit)-1]
		for _, s := range v.suspicious {
			if s != "" && strings.Contains(body, s) {
				return &Violation{
					Kind:  KindString,
					Match: s,
					msg:   fmt.Sprintf("suspicious string literal detected: contains %q", s),
				}
			}
		}
	}
	return nil
}
