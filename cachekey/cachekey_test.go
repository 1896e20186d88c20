package cachekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveDeterministic(t *testing.T) {
	a := Derive("what is BC card", "llama3", nil)
	b := Derive("what is BC card", "llama3", nil)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestDeriveNormalizesWhitespaceAndCase(t *testing.T) {
	base := Derive("what is bc card", "", nil)
	assert.Equal(t, base, Derive("  What is BC card  ", "", nil))
	assert.Equal(t, base, Derive("what   is\tbc\ncard", "", nil))
}

func TestDeriveModelScoping(t *testing.T) {
	assert.NotEqual(t,
		Derive("what is bc card", "llama3", nil),
		Derive("what is bc card", "mistral", nil))
	// Model names normalize the same way questions do.
	assert.Equal(t,
		Derive("q", "Llama3", nil),
		Derive("q", " llama3 ", nil))
}

func TestDeriveOptionsOrderIndependent(t *testing.T) {
	a := Derive("q", "m", map[string]string{"top_k": "5", "lang": "ko"})
	b := Derive("q", "m", map[string]string{"lang": "ko", "top_k": "5"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Derive("q", "m", map[string]string{"top_k": "10", "lang": "ko"}))
}

func TestCountAndAnswerKeysShareDigest(t *testing.T) {
	digest := Derive("q", "m", nil)
	assert.Equal(t, AnswerPrefix+":"+digest, AnswerKey("q", "m", nil))
	assert.Equal(t, CountPrefix+":"+digest, CountKey("q", "m", nil))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what is bc card", Normalize("  What   is BC card\n"))
	assert.Equal(t, "", Normalize("   "))
}
