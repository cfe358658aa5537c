package gateway

import (
	"encoding/json"
	"strings"
)

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractText pulls the displayable text out of a chat message body. The
// gateway sends either a plain string or a list of typed content blocks;
// text blocks are concatenated and every other block type is ignored.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
