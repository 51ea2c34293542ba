// Package sanitize masks secret-looking content before it leaves the process.
//
// Masking is a best-effort heuristic. It catches common credential shapes
// (private key blocks, well-known token prefixes, key/secret/password/token
// assignments and long high-entropy strings) and is not exhaustive. It is not
// a security boundary.
package sanitize

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Redacted replaces every masked value.
const Redacted = "[REDACTED]"

const (
	minEntropyLen = 32
	minEntropy    = 4.3
)

var (
	privateKeyBlock = regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY(?: BLOCK)?-----.*?-----END [A-Z0-9 ]*PRIVATE KEY(?: BLOCK)?-----`)

	// key = "value", key: 'value', key := "value" where key mentions a credential.
	quotedAssignment = regexp.MustCompile(`(?i)([A-Za-z0-9_.\-]*(?:api[_-]?key|secret|passw(?:or)?d|passwd|token|access[_-]?key|private[_-]?key)[A-Za-z0-9_.\-]*["']?\s*(?::=|[:=])\s*)(["'])([^"'\s]{8,})(["'])`)

	// SECRET_KEY=value in env files and shell scripts. The value must be the
	// whole remainder of the line, up to an optional comment.
	envAssignment = regexp.MustCompile(`(?m)^(\s*(?:export\s+)?[A-Z0-9_]*(?:KEY|SECRET|PASSWORD|PASSWD|TOKEN|CREDENTIALS?)[A-Z0-9_]*\s*=\s*)([^\s"'#()\[\]{},]{8,})([ \t]*(?:#.*)?)$`)

	// Values that read as code rather than literals: dotted names, numbers.
	codeReference = regexp.MustCompile(`^(?:[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)+|[0-9_.]+)$`)

	knownTokens = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),    // AWS access key id
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),   // GitHub tokens
		regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`), // GitHub fine-grained tokens
		regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}\b`), // Slack tokens
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`),        // API secret keys
		regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),        // Google API keys
		// JWT
		regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
	}

	candidateToken = regexp.MustCompile(`[A-Za-z0-9+/=_\-]{32,}`)
)

// Mask returns text with every recognized secret replaced by Redacted, and the
// number of replacements made. Text without secrets is returned unchanged.
func Mask(text string) (string, int) {
	count := 0

	text = privateKeyBlock.ReplaceAllStringFunc(text, func(string) string {
		count++
		return Redacted
	})

	text = quotedAssignment.ReplaceAllStringFunc(text, func(m string) string {
		sub := quotedAssignment.FindStringSubmatch(m)
		if sub[3] == Redacted {
			return m
		}
		count++
		return sub[1] + sub[2] + Redacted + sub[4]
	})

	text = envAssignment.ReplaceAllStringFunc(text, func(m string) string {
		sub := envAssignment.FindStringSubmatch(m)
		if codeReference.MatchString(sub[2]) {
			return m
		}
		count++
		return sub[1] + Redacted + sub[3]
	})

	for _, re := range knownTokens {
		text = re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return Redacted
		})
	}

	text = candidateToken.ReplaceAllStringFunc(text, func(m string) string {
		if !looksRandom(m) {
			return m
		}
		count++
		return Redacted
	})

	return text, count
}

// looksRandom reports whether s mixes letters and digits and has high
// per-character Shannon entropy, as generated keys do.
func looksRandom(s string) bool {
	if len(s) < minEntropyLen {
		return false
	}
	var letters, digits bool
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits = true
		case unicode.IsLetter(r):
			letters = true
		}
	}
	if !letters || !digits {
		return false
	}
	// Paths and identifiers joined by separators are not tokens.
	if strings.Count(s, "_")+strings.Count(s, "-") > len(s)/8 {
		return false
	}
	return Entropy(s) >= minEntropy
}

// Entropy returns the Shannon entropy of s in bits per character.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}
