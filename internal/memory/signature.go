package memory

import (
	"path"
	"regexp"
	"strings"

	"loopsmith/internal/config"
)

// Signature prefixes.
const (
	SigEmptyFile      = "empty_file:"
	SigMissingElement = "missing_element:"
	SigBrokenTemplate = "broken_html_template:multiple_missing_elements"
	SigGeneric        = "generic_error:"
)

// genericLen is how much normalized error text a generic signature keeps.
const genericLen = 50

var (
	fileErrRe   = regexp.MustCompile(`(?i)(?:missing file|empty file|file too small):\s*([^\s;(]+)`)
	missingRe   = regexp.MustCompile(`(?i)missing:\s*([^;]+)`)
	pathTokenRe = regexp.MustCompile(`(?:[a-zA-Z]:)?(?:[\\/][\w.\-]+)+[\\/]([\w.\-]+)`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// Signer computes canonical error signatures. Selectors lists the DOM
// selectors recognized by the missing_element pattern.
type Signer struct {
	Selectors []string
}

// DefaultSigner recognizes the default chat frontend selectors.
func DefaultSigner() Signer {
	return Signer{Selectors: config.DefaultSelectors}
}

// Signature maps an error bundle to a canonical signature. It is a pure
// function of the text and is case-insensitive. Pattern rules are tried in
// order before falling back to a generic prefix signature.
func (s Signer) Signature(errText string) string {
	lower := strings.ToLower(errText)

	if m := fileErrRe.FindStringSubmatch(errText); m != nil {
		return SigEmptyFile + strings.ToLower(path.Clean(strings.ReplaceAll(m[1], "\\", "/")))
	}

	missing := missingRe.FindAllStringSubmatch(errText, -1)
	if len(missing) >= 2 {
		return SigBrokenTemplate
	}
	if len(missing) == 1 && strings.Contains(lower, "console error") {
		return SigBrokenTemplate
	}
	if len(missing) == 1 {
		sel := strings.TrimSpace(missing[0][1])
		for _, known := range s.Selectors {
			if strings.EqualFold(sel, known) {
				return SigMissingElement + known
			}
		}
	}

	return SigGeneric + normalizePrefix(errText)
}

// SignatureWithState appends a file-state hash so the same error against
// different file contents maps to different signatures.
func (s Signer) SignatureWithState(errText, fileHash string) string {
	sig := s.Signature(errText)
	if fileHash == "" {
		return sig
	}
	if len(fileHash) > 8 {
		fileHash = fileHash[:8]
	}
	return sig + "@" + fileHash
}

// normalizePrefix lowercases, collapses whitespace and reduces path-bearing
// tokens to their base name before truncating.
func normalizePrefix(errText string) string {
	s := pathTokenRe.ReplaceAllString(errText, "$1")
	s = strings.ToLower(strings.TrimSpace(spaceRe.ReplaceAllString(s, " ")))
	if r := []rune(s); len(r) > genericLen {
		s = string(r[:genericLen])
	}
	return s
}

// Signature is a convenience for DefaultSigner().Signature.
func Signature(errText string) string {
	return DefaultSigner().Signature(errText)
}
