package chunking

import (
	"iter"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CustomSplitSign 文本中的显式切分标记，作为硬边界且不出现在输出中
const CustomSplitSign = "-----CUSTOM_SPLIT_SIGN-----"

// Chunk 一个切片。Text 的前 Overlap 个字符复制自上一个切片的末尾，
// 其余部分（Fresh）在原文中从第 Start 个字符开始。
type Chunk struct {
	Index   int
	Text    string
	Start   int
	Overlap int
}

// Fresh 去掉重叠前缀后的新内容；按顺序拼接所有 Fresh 可还原原文
func (c Chunk) Fresh() string {
	if c.Overlap <= 0 {
		return c.Text
	}
	i := 0
	for n := 0; n < c.Overlap && i < len(c.Text); n++ {
		_, size := utf8.DecodeRuneInString(c.Text[i:])
		i += size
	}
	return c.Text[i:]
}

// Len 字符（rune）数
func (c Chunk) Len() int {
	return utf8.RuneCountInString(c.Text)
}

// Chunker 按长度上限、重叠比例与自定义分隔符切分文本。无状态，可并发使用。
type Chunker struct {
	maxLen     int
	ratio      float64
	overlap    int
	delimiters []string
}

type Option func(*Chunker)

// WithMaxLen 单个切片的字符上限
func WithMaxLen(n int) Option {
	return func(c *Chunker) {
		c.maxLen = n
	}
}

// WithOverlapRatio 相邻切片重叠 round(maxLen*ratio) 个字符
func WithOverlapRatio(ratio float64) Option {
	return func(c *Chunker) {
		c.ratio = ratio
	}
}

// WithDelimiters 优先使用的自定义分隔符，命中处为硬边界
func WithDelimiters(delims ...string) Option {
	return func(c *Chunker) {
		for _, d := range delims {
			if d != "" {
				c.delimiters = append(c.delimiters, d)
			}
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{maxLen: 512}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxLen < 1 {
		c.maxLen = 1
	}
	if c.ratio > 0 {
		c.overlap = int(math.Round(float64(c.maxLen) * c.ratio))
	}
	if c.overlap >= c.maxLen {
		c.overlap = c.maxLen - 1
	}
	c.delimiters = append(c.delimiters, CustomSplitSign)
	return c
}

// Split 便捷入口
func Split(text string, maxLen int, overlapRatio float64, customDelimiters []string) iter.Seq[Chunk] {
	return New(WithMaxLen(maxLen), WithOverlapRatio(overlapRatio), WithDelimiters(customDelimiters...)).Chunks(text)
}

func (c *Chunker) MaxLen() int {
	return c.maxLen
}

func (c *Chunker) OverlapLen() int {
	return c.overlap
}

// Chunks 返回惰性、可重复遍历的切片序列
func (c *Chunker) Chunks(text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		p := packer{c: c, budget: c.maxLen, yield: yield}
		for sec := range c.sections(text) {
			for a := range c.atoms(sec) {
				if !p.add(a) {
					return
				}
			}
			if !p.flush() {
				return
			}
		}
	}
}

type piece struct {
	text  string
	start int
	runes int
}

// sections 按自定义分隔符切成硬边界段；普通分隔符保留在前一段末尾，CustomSplitSign 被丢弃
func (c *Chunker) sections(text string) iter.Seq[piece] {
	return func(yield func(piece) bool) {
		pos, runePos := 0, 0
		for pos < len(text) {
			idx, delim := earliest(text[pos:], c.delimiters)
			end, next := len(text), len(text)
			if idx >= 0 {
				if delim == CustomSplitSign {
					end = pos + idx
				} else {
					end = pos + idx + len(delim)
				}
				next = pos + idx + len(delim)
			}
			if end > pos {
				seg := text[pos:end]
				n := utf8.RuneCountInString(seg)
				if !yield(piece{text: seg, start: runePos, runes: n}) {
					return
				}
			}
			runePos += utf8.RuneCountInString(text[pos:next])
			pos = next
		}
	}
}

func earliest(s string, delims []string) (int, string) {
	best, bestDelim := -1, ""
	for _, d := range delims {
		i := strings.Index(s, d)
		if i < 0 {
			continue
		}
		if best < 0 || i < best || (i == best && len(d) > len(bestDelim)) {
			best, bestDelim = i, d
		}
	}
	return best, bestDelim
}

// 段内的回退层级：段落 -> 行 -> 句 -> 分句 -> 空白 -> 硬切
var levels = []func(string) int{
	sepCut("\n\n"),
	sepCut("\n"),
	sepCut("。", "！", "？", ". ", "! ", "? "),
	sepCut("；", "，", "; ", ", "),
	whitespaceCut,
}

// atomBudget 原子片段的上限，保证任何一个切片（含重叠）都能容纳
func (c *Chunker) atomBudget() int {
	b := c.maxLen - c.overlap
	if b < 1 {
		b = 1
	}
	return b
}

func (c *Chunker) atoms(sec piece) iter.Seq[piece] {
	return func(yield func(piece) bool) {
		c.split(sec, 0, yield)
	}
}

func (c *Chunker) split(p piece, level int, yield func(piece) bool) bool {
	budget := c.atomBudget()
	if p.runes <= budget {
		return yield(p)
	}
	if level >= len(levels) {
		return hardCut(p, budget, yield)
	}
	cut := levels[level]
	rest, start := p.text, p.start
	for rest != "" {
		i := cut(rest)
		if i <= 0 || i >= len(rest) {
			i = len(rest)
		}
		seg := rest[:i]
		n := utf8.RuneCountInString(seg)
		if !c.split(piece{text: seg, start: start, runes: n}, level+1, yield) {
			return false
		}
		rest = rest[i:]
		start += n
	}
	return true
}

// sepCut 返回第一个分隔符之后的字节位置，分隔符归属前一片
func sepCut(seps ...string) func(string) int {
	return func(s string) int {
		idx, d := earliest(s, seps)
		if idx < 0 {
			return -1
		}
		return idx + len(d)
	}
}

// whitespaceCut 在第一个"非空白+空白"之后切开
func whitespaceCut(s string) int {
	seenWord := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			if !seenWord {
				continue
			}
			j := i
			for j < len(s) {
				r2, size := utf8.DecodeRuneInString(s[j:])
				if !unicode.IsSpace(r2) {
					break
				}
				j += size
			}
			return j
		}
		seenWord = true
	}
	return -1
}

// hardCut 无分隔符的长串：含 CJK 时按字符硬切；纯拉丁 token（URL、编码串等）保持完整
func hardCut(p piece, budget int, yield func(piece) bool) bool {
	if !hasCJK(p.text) {
		return yield(p)
	}
	rest, start := p.text, p.start
	for rest != "" {
		i, n := 0, 0
		for i < len(rest) && n < budget {
			_, size := utf8.DecodeRuneInString(rest[i:])
			i += size
			n++
		}
		if !yield(piece{text: rest[:i], start: start, runes: n}) {
			return false
		}
		rest = rest[i:]
		start += n
	}
	return true
}

func hasCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return true
		}
	}
	return false
}

// packer 贪心地把原子片段装入切片
type packer struct {
	c      *Chunker
	budget int
	yield  func(Chunk) bool

	prev     string
	index    int
	fresh    strings.Builder
	freshLen int
	start    int
}

func (p *packer) add(a piece) bool {
	if p.freshLen > 0 && p.freshLen+a.runes > p.budget {
		if !p.flush() {
			return false
		}
	}
	if p.freshLen == 0 {
		p.start = a.start
	}
	p.fresh.WriteString(a.text)
	p.freshLen += a.runes
	return true
}

func (p *packer) flush() bool {
	if p.freshLen == 0 {
		return true
	}
	overlap := ""
	if p.index > 0 && p.c.overlap > 0 {
		overlap = tailRunes(p.prev, p.c.overlap)
	}
	ovLen := utf8.RuneCountInString(overlap)
	ch := Chunk{
		Index:   p.index,
		Text:    overlap + p.fresh.String(),
		Start:   p.start,
		Overlap: ovLen,
	}
	p.prev = ch.Text
	p.index++
	p.fresh.Reset()
	p.freshLen = 0

	next := p.c.overlap
	if l := utf8.RuneCountInString(ch.Text); l < next {
		next = l
	}
	p.budget = p.c.maxLen - next
	return p.yield(ch)
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := len(s)
	for k := 0; k < n && i > 0; k++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}
