// Package gguf implements the quantised-weight-repo detection and
// filename-selection logic from §4.4, plus an optional local-file sanity
// check backed by github.com/gpustack/gguf-parser-go (grounded on
// pkg/inference/backends/llamacpp/llamacpp.go's parseLocalModel, which
// uses the same parser.ParseGGUFFile entry point).
package gguf

import (
	"regexp"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

var quantHintRe = regexp.MustCompile(`(?i)q\d+(_[a-z0-9]+)?`)

// baseRepoSuffixRes strip the tail patterns enumerated in §4.4 step 5:
// "-?(qat-)?qN[_-]?[k0-9]*-?gguf$", "-?gguf$", "-?intN-?gguf$".
var baseRepoSuffixRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)-?(qat-)?q\d+[_-]?[k0-9]*-?gguf$`),
	regexp.MustCompile(`(?i)-?int\d+-?gguf$`),
	regexp.MustCompile(`(?i)-?gguf$`),
}

// IsGGUFRepo reports whether modelID is a GGUF repo per §4.4: it contains
// "/", does not begin with "/", does not end with ".gguf", and its name
// contains "gguf" (case-insensitive).
func IsGGUFRepo(modelID string) bool {
	if strings.HasPrefix(modelID, "/") {
		return false
	}
	if !strings.Contains(modelID, "/") {
		return false
	}
	if strings.HasSuffix(strings.ToLower(modelID), ".gguf") {
		return false
	}
	return strings.Contains(strings.ToLower(modelID), "gguf")
}

// IsDirectGGUFPath reports whether modelID is a direct GGUF path: it ends
// with ".gguf".
func IsDirectGGUFPath(modelID string) bool {
	return strings.HasSuffix(strings.ToLower(modelID), ".gguf")
}

// QuantHint extracts the last quantisation hint (qN_M or qN) from repoName,
// or "" if none is present.
func QuantHint(repoName string) string {
	matches := quantHintRe.FindAllString(repoName, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.ToLower(matches[len(matches)-1])
}

// SelectWeightFile picks the .gguf file whose name contains the repo's
// quantisation hint; if none matches (or there is no hint), the first
// file in candidates wins (§4.4 step 3).
func SelectWeightFile(repoName string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	hint := QuantHint(repoName)
	if hint != "" {
		for _, f := range candidates {
			if strings.Contains(strings.ToLower(f), hint) {
				return f
			}
		}
	}
	return candidates[0]
}

// BaseRepo infers the tokenizer/config source repo by stripping the
// quantisation-suffix patterns from the tail of repoName (§4.4 step 5).
func BaseRepo(repoName string) string {
	base := repoName
	for _, re := range baseRepoSuffixRes {
		if re.MatchString(base) {
			return re.ReplaceAllString(base, "")
		}
	}
	return base
}

// BaseRepoFromDirectPath handles the "owner/file.gguf" direct-path case:
// if path has exactly one slash and a .gguf tail, the prefix is the
// tokenizer/config source (§4.4, "A model id is a direct GGUF path").
func BaseRepoFromDirectPath(path string) (string, bool) {
	if !IsDirectGGUFPath(path) {
		return "", false
	}
	idx := strings.Index(path, "/")
	if idx < 0 || strings.Count(path, "/") != 1 {
		return "", false
	}
	return path[:idx], true
}

// SanityCheckLocalFile parses a local .gguf file and returns the parser's
// error if it is not well-formed. It never influences which file was
// selected — that is SelectWeightFile's job. The launcher does not call
// it; downloaded weights are handed to the engine unchecked.
func SanityCheckLocalFile(path string) error {
	_, err := parser.ParseGGUFFile(path)
	return err
}
