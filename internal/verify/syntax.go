package verify

import (
	"regexp"
	"strings"
)

var (
	spaceRe       = regexp.MustCompile(`\s+`)
	trailingEqRe  = regexp.MustCompile(`\s*=\s*\??\s*$`)
	equationRe    = regexp.MustCompile(`[^=<>!]=[^=]`)
	commandSpaces = strings.NewReplacer(`\,`, " ", `\;`, " ", `\!`, "", `\quad`, " ", `\ `, " ")
	operators     = strings.NewReplacer(
		`\times`, "*",
		`\cdot`, "*",
		`\div`, "/",
		`\left`, "",
		`\right`, "",
		`\pi`, "pi",
		`$`, "",
		"×", "*",
		"·", "*",
		"÷", "/",
		"−", "-",
		"√", "sqrt",
		"²", "^2",
		"³", "^3",
	)
)

// ToSolverSyntax rewrites LaTeX-like math into the plain syntax a symbolic
// solver accepts. An equation becomes "solve lhs == rhs"; a trailing "=" on an
// expression to evaluate is dropped.
func ToSolverSyntax(latex string) string {
	s := commandSpaces.Replace(latex)
	s = replaceFracs(s)
	s = replaceCommand(s, `\sqrt`, func(arg string) string { return "sqrt(" + arg + ")" })
	s = operators.Replace(s)
	s = strings.ReplaceAll(s, "^{", "^(")
	s = strings.NewReplacer("{", "(", "}", ")").Replace(s)
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	s = trailingEqRe.ReplaceAllString(s, "")

	if equationRe.MatchString(" " + s + " ") {
		s = strings.Replace(s, "=", "==", 1)
		return "solve " + s
	}
	return s
}

// replaceFracs turns \frac{a}{b} (and \dfrac, \tfrac) into a/b, wrapping
// compound sides in parentheses.
func replaceFracs(s string) string {
	for _, cmd := range []string{`\dfrac`, `\tfrac`, `\frac`} {
		for {
			i := strings.Index(s, cmd)
			if i < 0 {
				break
			}
			num, rest, ok := braceGroup(s[i+len(cmd):])
			if !ok {
				// Drop the command so the loop terminates on malformed input.
				s = s[:i] + s[i+len(cmd):]
				continue
			}
			den, rest, ok := braceGroup(rest)
			if !ok {
				s = s[:i] + num + rest
				continue
			}
			num, den = replaceFracs(num), replaceFracs(den)
			s = s[:i] + wrap(num) + "/" + wrap(den) + rest
		}
	}
	return s
}

func replaceCommand(s, cmd string, fn func(arg string) string) string {
	for {
		i := strings.Index(s, cmd)
		if i < 0 {
			return s
		}
		arg, rest, ok := braceGroup(s[i+len(cmd):])
		if !ok {
			s = s[:i] + "sqrt" + s[i+len(cmd):]
			continue
		}
		s = s[:i] + fn(arg) + rest
	}
}

// braceGroup reads one balanced {...} group from the start of s, skipping
// leading spaces. It returns the group content and the remainder.
func braceGroup(s string) (inner, rest string, ok bool) {
	s = strings.TrimLeft(s, " ")
	if !strings.HasPrefix(s, "{") {
		return "", s, false
	}
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], true
			}
		}
	}
	return "", s, false
}

func wrap(s string) string {
	s = strings.TrimSpace(s)
	if isAtom(s) {
		return s
	}
	return "(" + s + ")"
}

// isAtom reports whether s needs no parentheses as a fraction side.
func isAtom(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '-' && i == 0:
		default:
			return false
		}
	}
	return true
}
