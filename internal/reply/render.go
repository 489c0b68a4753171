package reply

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/mindroom/pkg/models"
)

// DefaultToolResultDisplayMax mirrors config.DefaultToolResultDisplayMax;
// duplicated as a fallback constant so this package has no import-time
// dependency on internal/config for a single number.
const DefaultToolResultDisplayMax = 500

// Truncate shortens result to max characters, appending an ellipsis marker
// with the original size.
func Truncate(result string, max int) (string, bool) {
	if max <= 0 {
		max = DefaultToolResultDisplayMax
	}
	if len(result) <= max {
		return result, false
	}
	return fmt.Sprintf("%s... (truncated, %d chars total)", result[:max], len(result)), true
}

// renderTool renders one tool call record as a single <tool> block: ⏳
// while pending, the call plus result once completed or failed. The same
// block is re-rendered from the same record on every edit, rewritten in
// place rather than appended as a second block per call.
func renderTool(rec models.ToolCallRecord) string {
	switch rec.State {
	case models.ToolCallPending:
		return fmt.Sprintf("<tool>%s\n⏳</tool>", rec.ArgsPreview)
	case models.ToolCallFailed:
		return fmt.Sprintf("<tool>%s\n(failed: %s)</tool>", rec.ArgsPreview, rec.ResultPreview)
	default:
		return fmt.Sprintf("<tool>%s\n%s</tool>", rec.ArgsPreview, rec.ResultPreview)
	}
}

// Render produces the current full body for the output chat message —
// text parts interspersed with tool blocks in the exact order tools were
// invoked.
func (t *ReplyTask) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, p := range t.parts {
		if p.isTool {
			b.WriteString(renderTool(*t.toolTrace[p.toolIdx]))
			continue
		}
		b.WriteString(p.text)
	}
	return b.String()
}
