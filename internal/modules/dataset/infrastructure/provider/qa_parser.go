package provider

import (
	"regexp"
	"strings"
)

// DefaultQAPrompt 未配置 aiConfig.qaPrompt 时使用
const DefaultQAPrompt = `你是知识整理助手。阅读用户给出的文本，提炼出尽可能覆盖其要点的问答对。
严格按以下格式输出，不要输出其他内容：
Q1: 问题
A1: 答案
Q2: 问题
A2: 答案`

// DefaultCaptionPrompt 未配置 aiConfig.captionPrompt 时使用
const DefaultCaptionPrompt = "请用一段话客观描述这张图片的内容，包括其中可见的文字。"

// QAPair 模型生成的一组问答
type QAPair struct {
	Q string
	A string
}

var qaMarker = regexp.MustCompile(`(?m)^[ \t]*([QqAa])(\d+)[ \t]*[:：]`)

// ParseQAPairs 解析 "Q<n>: ... A<n>: ..." 格式的回复，答案可跨多行；
// 缺少答案或问题的条目被丢弃
func ParseQAPairs(text string) []QAPair {
	locs := qaMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	var (
		out     []QAPair
		cur     *QAPair
		curNum  string
		flushQA = func() {
			if cur != nil && cur.Q != "" && cur.A != "" {
				out = append(out, *cur)
			}
			cur = nil
		}
	)
	for i, loc := range locs {
		kind := strings.ToUpper(text[loc[2]:loc[3]])
		num := text[loc[4]:loc[5]]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(text[loc[1]:end])

		switch kind {
		case "Q":
			flushQA()
			cur = &QAPair{Q: body}
			curNum = num
		case "A":
			if cur == nil || num != curNum || cur.A != "" {
				continue
			}
			cur.A = body
		}
	}
	flushQA()
	return out
}
