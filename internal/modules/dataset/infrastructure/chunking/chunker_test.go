package chunking

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func englishText(paragraphs int) string {
	sentences := []string{
		"The quick brown fox jumps over the lazy dog.",
		"Vector indexes are a cache of the metadata store.",
		"Every job moves through a small state machine!",
		"Is the lease longer than the slowest call?",
		"Chunks overlap so that context is not lost, which helps retrieval.",
	}
	var b strings.Builder
	for p := 0; p < paragraphs; p++ {
		for i := 0; i < 4; i++ {
			b.WriteString(sentences[(p+i)%len(sentences)])
			b.WriteString(" ")
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func chineseText(n int) string {
	parts := []string{"机器学习是人工智能的一个分支，", "它让计算机从数据中学习规律。", "向量检索依赖高质量的切片；", "重叠可以保留上下文！"}
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(parts[i%len(parts)])
		if i%5 == 4 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func reconstruct(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Fresh())
	}
	return b.String()
}

func TestChunksReconstructOriginal(t *testing.T) {
	texts := map[string]string{
		"english": englishText(12),
		"chinese": chineseText(60),
		"mixed":   englishText(3) + chineseText(20) + englishText(2),
	}
	params := []struct {
		maxLen int
		ratio  float64
	}{
		{maxLen: 40, ratio: 0},
		{maxLen: 64, ratio: 0.15},
		{maxLen: 100, ratio: 0.2},
		{maxLen: 200, ratio: 0.5},
	}

	for name, text := range texts {
		for _, p := range params {
			chunks := slices.Collect(Split(text, p.maxLen, p.ratio, nil))
			require.NotEmpty(t, chunks, name)
			assert.Equal(t, text, reconstruct(chunks), "%s maxLen=%d ratio=%v", name, p.maxLen, p.ratio)

			runes := []rune(text)
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				assert.LessOrEqual(t, c.Len(), p.maxLen, "%s chunk %d too long", name, i)
				fresh := c.Fresh()
				n := utf8.RuneCountInString(fresh)
				assert.Equal(t, string(runes[c.Start:c.Start+n]), fresh)
				if i == 0 {
					assert.Zero(t, c.Overlap)
				}
			}
		}
	}
}

func TestChunksOverlapCopiesPreviousTail(t *testing.T) {
	c := New(WithMaxLen(50), WithOverlapRatio(0.2))
	require.Equal(t, 50, c.MaxLen())
	require.Equal(t, 10, c.OverlapLen())

	chunks := slices.Collect(c.Chunks(englishText(6)))
	require.Greater(t, len(chunks), 2)
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Text)
		want := 10
		if len(prev) < want {
			want = len(prev)
		}
		assert.Equal(t, want, chunks[i].Overlap)
		assert.True(t, strings.HasPrefix(chunks[i].Text, string(prev[len(prev)-want:])))
	}
}

func TestChunksOverlapRounding(t *testing.T) {
	assert.Equal(t, 77, New(WithMaxLen(512), WithOverlapRatio(0.15)).OverlapLen())
	assert.Equal(t, 0, New(WithMaxLen(512)).OverlapLen())
	assert.Equal(t, 9, New(WithMaxLen(10), WithOverlapRatio(0.99)).OverlapLen())
}

func TestChunksCustomDelimitersAreHardBoundaries(t *testing.T) {
	chunks := slices.Collect(Split("a1#b2#c3", 100, 0, []string{"#"}))
	require.Len(t, chunks, 3)
	assert.Equal(t, "a1#", chunks[0].Text)
	assert.Equal(t, "b2#", chunks[1].Text)
	assert.Equal(t, "c3", chunks[2].Text)
	assert.Equal(t, 3, chunks[1].Start)
}

func TestChunksCustomSplitSignIsDropped(t *testing.T) {
	text := "alpha" + CustomSplitSign + "beta"
	chunks := slices.Collect(Split(text, 100, 0, nil))
	require.Len(t, chunks, 2)
	assert.Equal(t, "alpha", chunks[0].Text)
	assert.Equal(t, "beta", chunks[1].Text)
	assert.Equal(t, 5+utf8.RuneCountInString(CustomSplitSign), chunks[1].Start)
}

func TestChunksPreferParagraphBoundary(t *testing.T) {
	text := "first paragraph here.\n\nsecond paragraph here."
	chunks := slices.Collect(Split(text, 30, 0, nil))
	require.Len(t, chunks, 2)
	assert.Equal(t, "first paragraph here.\n\n", chunks[0].Text)
	assert.Equal(t, "second paragraph here.", chunks[1].Text)
}

func TestChunksLongLatinTokenStaysIntact(t *testing.T) {
	token := strings.Repeat("x", 50)
	chunks := slices.Collect(Split(token, 10, 0, nil))
	require.Len(t, chunks, 1)
	assert.Equal(t, token, chunks[0].Text)
}

func TestChunksHardCutCJK(t *testing.T) {
	text := strings.Repeat("字", 25)
	chunks := slices.Collect(Split(text, 10, 0, nil))
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, chunks[0].Len())
	assert.Equal(t, 10, chunks[1].Len())
	assert.Equal(t, 5, chunks[2].Len())
	assert.Equal(t, text, reconstruct(chunks))
}

func TestChunksLazyAndRestartable(t *testing.T) {
	seq := Split(englishText(10), 40, 0.1, nil)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)

	taken := 0
	for range seq {
		taken++
		if taken == 2 {
			break
		}
	}
	assert.Equal(t, 2, taken)
}

func TestChunksEmptyInput(t *testing.T) {
	assert.Empty(t, slices.Collect(Split("", 10, 0.1, nil)))
}
