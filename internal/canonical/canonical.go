// Package canonical implements the Canonicalizer (C1) and Hasher (C2). All
// hashing in the engine operates on canonicalized strings, so the two live
// together: whenever a version is stored its text is canonicalized first and
// the base_sha256 is computed from that canonical form, never from raw
// editor input.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// invisibleFormatChars are bidi control and zero-width format characters
// that editors sometimes leave behind; they carry no rendered meaning and
// would otherwise make two visually identical transcripts hash differently.
var invisibleFormatChars = map[rune]bool{
	'‎': true, '‏': true, // LRM/RLM
	'‪': true, '‫': true, '‬': true, '‭': true, '‮': true, // embeddings/overrides/pop
	'⁦': true, '⁧': true, '⁨': true, '⁩': true, // isolates
}

// Canonicalize normalizes s into the engine's canonical text form:
//  1. strip CR (normalize CRLF and bare CR to LF)
//  2. replace NBSP with a regular space
//  3. strip bidi/invisible format characters
//  4. trim trailing whitespace on every line
//  5. apply Unicode NFC normalization
//
// Canonicalize is idempotent: Canonicalize(Canonicalize(s)) == Canonicalize(s).
func Canonicalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if invisibleFormatChars[r] {
			continue
		}
		if r == ' ' {
			r = ' '
		}
		b.WriteRune(r)
	}
	s = b.String()

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	s = strings.Join(lines, "\n")

	return norm.NFC.String(s)
}

// Hash returns the lowercase hex sha256 of the canonical UTF-8 bytes of s.
// Callers must pass already-canonicalized text; Hash does not canonicalize
// for them so that callers can hash exactly what they canonicalized once,
// rather than doing the (idempotent but wasteful) work twice.
func Hash(canonicalText string) string {
	sum := sha256.Sum256([]byte(canonicalText))
	return hex.EncodeToString(sum[:])
}

// CanonicalizeAndHash is the common case: canonicalize then hash in one call.
func CanonicalizeAndHash(s string) (canonicalText, hash string) {
	c := Canonicalize(s)
	return c, Hash(c)
}
