package gateway

import (
	"strings"

	"screenlens/internal/session"
)

// defaultAnalysisPrompt is the instruction sent when the user supplies none.
// Sections that do not apply must be omitted entirely rather than announced
// as empty.
const defaultAnalysisPrompt = `请分析这张屏幕截图，并按以下要求输出：
1. 如果截图中包含非中文内容，先将这些内容完整翻译成中文；如果没有非中文内容，直接跳过这一条，不要输出“没有需要翻译的内容”之类的说明。
2. 用一到两句话概括截图的主要内容；如果截图中出现了问题、报错信息或需要做出的选择，请针对性地给出具体建议或答案。
3. 如果截图中出现电话号码，提取出来并判断类型（联系人 / 快递 / 客服 / 营销骚扰 / 诈骗），附一句简短的处理建议；如果没有电话号码，跳过这一条，不要做任何说明。`

// analysisPrompt returns the text part of the analyze request. A caller
// instruction is embedded into a template that keeps the translation-first
// mandate for non-Chinese content.
func analysisPrompt(instruction string) string {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return defaultAnalysisPrompt
	}
	var b strings.Builder
	b.WriteString("请按照以下要求分析这张屏幕截图：")
	b.WriteString(instruction)
	b.WriteString("\n注意：如果截图中包含非中文内容，请先将这些内容翻译成中文，再按照上述要求进行分析。")
	return b.String()
}

const (
	roleLabelUser      = "用户"
	roleLabelAssistant = "助手"
)

// followUpPrompt serializes the conversation so far into one context block
// and asks for a reply to the latest user turn.
func followUpPrompt(initialSummary string, msgs []session.Message) string {
	var b strings.Builder
	b.WriteString("此前对一张屏幕截图的分析结果如下：\n")
	b.WriteString(initialSummary)
	b.WriteString("\n\n对话记录：\n")
	for _, m := range msgs {
		label := roleLabelAssistant
		if m.Role == session.RoleUser {
			label = roleLabelUser
		}
		b.WriteString(label)
		b.WriteString("：")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	b.WriteString("\n请结合以上分析结果和对话记录，回复用户的最新一条消息。")
	return b.String()
}
