package gguf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsGGUFRepo(t *testing.T) {
	cases := []struct {
		modelID string
		want    bool
	}{
		{"owner/name-q4_0-gguf", true},
		{"owner/name-GGUF", true},
		{"owner/plain-model", false},
		{"/local/path-gguf", false}, // begins with "/"
		{"owner/file.gguf", false},  // ends with .gguf -> direct path, not a repo
		{"standalone-gguf", false},  // no slash
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsGGUFRepo(c.modelID), "IsGGUFRepo(%q)", c.modelID)
	}
}

func TestIsDirectGGUFPath(t *testing.T) {
	assert.True(t, IsDirectGGUFPath("owner/file.gguf"))
	assert.True(t, IsDirectGGUFPath("owner/file.GGUF"))
	assert.False(t, IsDirectGGUFPath("owner/name-q4_0-gguf"))
}

func TestQuantHintPicksLastMatch(t *testing.T) {
	assert.Equal(t, "q4_0", QuantHint("model-q2-q4_0-gguf"))
	assert.Equal(t, "", QuantHint("model-gguf"))
}

func TestSelectWeightFile(t *testing.T) {
	candidates := []string{
		"model.q2_k.gguf",
		"model.q4_0.gguf",
		"model.q8_0.gguf",
	}
	assert.Equal(t, "model.q4_0.gguf", SelectWeightFile("owner/model-q4_0-gguf", candidates))
}

func TestSelectWeightFileFallsBackToFirst(t *testing.T) {
	candidates := []string{"model.bin.gguf", "other.gguf"}
	assert.Equal(t, "model.bin.gguf", SelectWeightFile("owner/model-gguf-repo-with-no-hint", candidates))
}

func TestSelectWeightFileNoCandidates(t *testing.T) {
	assert.Equal(t, "", SelectWeightFile("owner/whatever-q4_0-gguf", nil))
}

func TestBaseRepoStripsQuantSuffix(t *testing.T) {
	cases := map[string]string{
		"owner/model-q4_0-gguf":     "owner/model",
		"owner/model-qat-q4_k-gguf": "owner/model",
		"owner/model-int4-gguf":     "owner/model",
		"owner/model-gguf":          "owner/model",
	}
	for in, want := range cases {
		assert.Equal(t, want, BaseRepo(in), "BaseRepo(%q)", in)
	}
}

func TestBaseRepoFromDirectPath(t *testing.T) {
	base, ok := BaseRepoFromDirectPath("owner/file.gguf")
	assert.True(t, ok)
	assert.Equal(t, "owner", base)

	_, ok = BaseRepoFromDirectPath("owner/sub/file.gguf")
	assert.False(t, ok, "more than one slash disqualifies the direct-path inference")

	_, ok = BaseRepoFromDirectPath("owner/file.safetensors")
	assert.False(t, ok)
}
