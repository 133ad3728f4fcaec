package bytegpt

import (
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainTokenizer_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randomPrintable := func(n int) string {
		var sb strings.Builder
		for i := 0; i < n; i++ {
			sb.WriteByte(byte(' ' + rng.Intn(95)))
		}
		return sb.String()
	}
	tests := []struct {
		name      string
		text      string
		vocabSize int
	}{
		{
			name:      "narrative",
			text:      strings.Repeat("the cat sat on the mat. the dog sat on the log. ", 20),
			vocabSize: 300,
		},
		{
			name:      "unicode",
			text:      strings.Repeat("héllo wörld, こんにちは! ", 30),
			vocabSize: 280,
		},
		{
			name:      "randomPrintable",
			text:      randomPrintable(2000),
			vocabSize: 320,
		},
		{
			name:      "singleByte",
			text:      strings.Repeat("a", 100),
			vocabSize: 260,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := TrainTokenizer(tt.text, tt.vocabSize)
			require.NoError(t, err)
			assert.LessOrEqual(t, tok.VocabSize(), tt.vocabSize)
			ids := tok.Encode(tt.text)
			for _, id := range ids {
				assert.GreaterOrEqual(t, id, int32(0))
				assert.Less(t, int(id), tok.VocabSize())
			}
			got, err := tok.Decode(ids)
			require.NoError(t, err)
			assert.Equal(t, tt.text, got)
		})
	}
}

func TestTrainTokenizer_Deterministic(t *testing.T) {
	text := strings.Repeat("once upon a midnight dreary, while i pondered, weak and weary. ", 15)
	a, err := TrainTokenizer(text, 300)
	require.NoError(t, err)
	b, err := TrainTokenizer(text, 300)
	require.NoError(t, err)
	assert.Equal(t, a.Merges(), b.Merges())
	assert.Equal(t, a.Encode(text), b.Encode(text))
}

func TestTrainTokenizer_TieBreak(t *testing.T) {
	// "aaabab" holds (a,a) twice and (a,b) twice; the tie goes to the
	// numerically smaller pair.
	tok, err := TrainTokenizer("aaabab", 258)
	require.NoError(t, err)
	require.GreaterOrEqual(t, tok.NumMerges(), 1)
	assert.Equal(t, MergeRule{Left: 'a', Right: 'a'}, tok.Merges()[0])
}

func TestTrainTokenizer_EarlyStop(t *testing.T) {
	// No pair of adjacent bytes repeats, so no merge is learnable and the
	// vocabulary stays at the byte range.
	tok, err := TrainTokenizer("abcdefg", 300)
	require.NoError(t, err)
	assert.Equal(t, 0, tok.NumMerges())
	assert.Equal(t, ByteVocab, tok.VocabSize())
	ids := tok.Encode("abc")
	assert.Equal(t, []int32{'a', 'b', 'c'}, ids)
}

func TestTrainTokenizer_ReachesRequestedSize(t *testing.T) {
	// A heavily repetitive corpus supports far more merges than requested,
	// so the trained vocabulary lands exactly on the target.
	text := strings.Repeat("all work and no play makes jack a dull boy. ", 50)
	tok, err := TrainTokenizer(text, 280)
	require.NoError(t, err)
	assert.Equal(t, 280, tok.VocabSize())
	assert.Equal(t, 24, tok.NumMerges())
}

func TestTrainTokenizer_EmptyText(t *testing.T) {
	tok, err := TrainTokenizer("", 300)
	require.NoError(t, err)
	assert.Equal(t, 0, tok.NumMerges())
	assert.Equal(t, ByteVocab, tok.VocabSize())
	assert.Empty(t, tok.Encode(""))
}

func TestTrainTokenizer_InvalidSize(t *testing.T) {
	for _, size := range []int{0, 255, 256} {
		_, err := TrainTokenizer("some text", size)
		assert.ErrorIs(t, err, ErrInvalidConfig, "vocab size %d", size)
	}
}

func TestTokenizer_Specials(t *testing.T) {
	text := strings.Repeat("to be or not to be. ", 20)
	tok, err := TrainTokenizer(text, 280)
	require.NoError(t, err)
	trained := tok.VocabSize()
	tok.AddSpecials("<|endoftext|>", "<|pad|>")
	assert.Equal(t, trained+2, tok.VocabSize())

	eot, ok := tok.SpecialID("<|endoftext|>")
	require.True(t, ok)
	assert.Equal(t, int32(trained), eot)

	ids := tok.Encode("to be<|endoftext|>or not")
	count := 0
	for _, id := range ids {
		if id == eot {
			count++
		}
	}
	assert.Equal(t, 1, count, "marker must encode as exactly one id")

	got, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "to be<|endoftext|>or not", got)

	// Adding the same marker again must not shift ids.
	tok.AddSpecials("<|endoftext|>")
	assert.Equal(t, trained+2, tok.VocabSize())
}

func TestTokenizer_DecodeUnknown(t *testing.T) {
	tok, err := TrainTokenizer("aaaa bbbb aaaa bbbb", 260)
	require.NoError(t, err)
	_, err = tok.Decode([]int32{0, int32(tok.VocabSize())})
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = tok.Decode([]int32{-1})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestTokenizer_SaveLoadMerges(t *testing.T) {
	text := strings.Repeat("it was the best of times, it was the worst of times. ", 10)
	tok, err := TrainTokenizer(text, 300)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "merges.txt")
	require.NoError(t, tok.SaveMerges(path))
	loaded, err := LoadMerges(path)
	require.NoError(t, err)

	assert.Equal(t, tok.Merges(), loaded.Merges())
	assert.Equal(t, tok.Encode(text), loaded.Encode(text))
}

func TestTokenizer_SaveLoadVocab(t *testing.T) {
	text := strings.Repeat("in the beginning was the word. ", 10)
	tok, err := TrainTokenizer(text, 290)
	require.NoError(t, err)
	tok.AddSpecials("<|endoftext|>")

	path := filepath.Join(t.TempDir(), "vocab.bin")
	require.NoError(t, tok.SaveVocab(path))
	loaded, err := LoadVocab(path)
	require.NoError(t, err)

	assert.Equal(t, tok.VocabSize(), loaded.VocabSize())
	assert.Equal(t, []string{"<|endoftext|>"}, loaded.Specials())
	ids := tok.Encode(text)
	want, err := tok.Decode(ids)
	require.NoError(t, err)
	got, err := loaded.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
