// Package fingerprint turns raw SQL text into a stable identity that
// survives changes in literal values, whitespace, and comments.
package fingerprint

import (
	"crypto/sha256"
	"errors"
	"regexp"
	"strings"

	"github.com/querywatch/querywatch/model"
)

// ErrEmptySQL is returned for empty or whitespace-only input.
var ErrEmptySQL = errors.New("fingerprint: empty sql text")

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	reUnicodeStr = regexp.MustCompile(`[nN]'(?:[^']|'')*'`)
	reGUID       = regexp.MustCompile(`'[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}'`)
	reDateTime   = regexp.MustCompile(`'\d{4}-\d{2}-\d{2}(?: \d{2}:\d{2}:\d{2}(?:\.\d+)?)?'`)
	reString     = regexp.MustCompile(`'(?:[^']|'')*'`)
	reNumber     = regexp.MustCompile(`\d+(?:\.\d+)?`)
	reLineCmt    = regexp.MustCompile(`--[^\n]*`)
	reBlockCmt   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reOperator   = regexp.MustCompile(`\s*(<=|>=|<>|!=|[=<>,()+\-*/%;])\s*`)
)

// sqlKeywords is the uppercase whitelist applied in a word-boundary
// context during normalization.
var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "null": true, "insert": true, "into": true, "values": true,
	"update": true, "set": true, "delete": true, "join": true, "inner": true,
	"left": true, "right": true, "outer": true, "cross": true, "on": true,
	"group": true, "by": true, "order": true, "having": true, "as": true,
	"distinct": true, "top": true, "union": true, "all": true, "exists": true,
	"in": true, "like": true, "between": true, "is": true, "case": true,
	"when": true, "then": true, "else": true, "end": true, "with": true,
	"exec": true, "execute": true, "declare": true, "create": true,
	"alter": true, "drop": true, "table": true, "index": true, "view": true,
	"asc": true, "desc": true, "option": true, "apply": true, "pivot": true,
}

var reWord = regexp.MustCompile(`\b[A-Za-z]+\b`)

// masks that must survive repeated normalization unchanged.
var literalMasks = map[string]bool{
	"'#'":      true,
	"'#GUID#'": true,
	"'#DATE#'": true,
}

// Normalize rewrites raw SQL into its canonical form: literals masked,
// comments stripped, whitespace collapsed, keywords uppercased.
// Normalize is idempotent.
func Normalize(sql string) string {
	// Comments go first: line comments are delimited by the newlines
	// the whitespace collapse would destroy.
	s := reLineCmt.ReplaceAllString(sql, "")
	s = reBlockCmt.ReplaceAllString(s, "")

	s = reWhitespace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	s = reUnicodeStr.ReplaceAllStringFunc(s, func(m string) string {
		if literalMasks[m[1:]] {
			return m
		}
		return string(m[0]) + "'#'"
	})
	s = reGUID.ReplaceAllString(s, "'#GUID#'")
	s = reDateTime.ReplaceAllString(s, "'#DATE#'")
	s = reString.ReplaceAllStringFunc(s, func(m string) string {
		if literalMasks[m] {
			return m
		}
		return "'#'"
	})
	s = replaceBareNumbers(s)

	// Spacing around operators is author style, not query identity.
	s = reOperator.ReplaceAllString(s, "$1")

	// The collapse can butt two minus signs together (a - -b), which a
	// repeated normalization would strip as a line comment. Comments are
	// already gone at this point, so any -- here is manufactured.
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "- -")
	}

	s = reWord.ReplaceAllStringFunc(s, func(w string) string {
		if sqlKeywords[strings.ToLower(w)] {
			return strings.ToUpper(w)
		}
		return w
	})

	s = reWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// isIdentChar reports whether c can be part of a SQL identifier.
// Numbers touching an identifier char (table1, sp2_help) are not
// literals and must be preserved.
func isIdentChar(c byte) bool {
	return c == '_' || c == '@' || c == '#' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// replaceBareNumbers masks numeric literals with # while preserving
// digits embedded in identifiers. Boundary checks are done against the
// original text, so adjacent matches cannot shadow each other.
func replaceBareNumbers(s string) string {
	locs := reNumber.FindAllStringIndex(s, -1)
	if locs == nil {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prev := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		bare := true
		if start > 0 && isIdentChar(s[start-1]) && s[start-1] != '#' {
			bare = false
		}
		if start > 0 && s[start-1] == '#' {
			// already masked text; leave the digits alone
			bare = false
		}
		if end < len(s) && isIdentChar(s[end]) {
			bare = false
		}
		b.WriteString(s[prev:start])
		if bare {
			b.WriteByte('#')
		} else {
			b.WriteString(s[start:end])
		}
		prev = end
	}
	b.WriteString(s[prev:])
	return b.String()
}

// Hash returns the 8-byte fingerprint hash of normalized SQL: SHA-256 of
// the UTF-8 text truncated to the server hash width.
func Hash(normalized string) model.QueryHash {
	sum := sha256.Sum256([]byte(normalized))
	var h model.QueryHash
	copy(h[:], sum[:8])
	return h
}

// sampleText truncates raw SQL to the stored sample limit.
func sampleText(sql string) string {
	sql = strings.TrimSpace(sql)
	if len(sql) > model.MaxSampleTextLen {
		return sql[:model.MaxSampleTextLen]
	}
	return sql
}

// Fingerprint normalizes and hashes raw SQL.
func Fingerprint(sql string) (model.FingerprintResult, error) {
	if strings.TrimSpace(sql) == "" {
		return model.FingerprintResult{}, ErrEmptySQL
	}
	norm := Normalize(sql)
	return model.FingerprintResult{
		Hash:           Hash(norm),
		SampleText:     sampleText(sql),
		NormalizedText: norm,
	}, nil
}

// FromServerHash builds a fingerprint from the hash the server already
// computed, keeping the normalized text for humans. The server hash must
// be exactly 8 bytes.
func FromServerHash(serverHash []byte, sql string) (model.FingerprintResult, error) {
	if strings.TrimSpace(sql) == "" {
		return model.FingerprintResult{}, ErrEmptySQL
	}
	h, err := model.HashFromBytes(serverHash)
	if err != nil {
		return model.FingerprintResult{}, err
	}
	return model.FingerprintResult{
		Hash:             h,
		SampleText:       sampleText(sql),
		NormalizedText:   Normalize(sql),
		IsFromServerHash: true,
	}, nil
}
