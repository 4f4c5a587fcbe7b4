package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders lifecycle events as a markdown table.
func ExportMarkdown(events []Event) string {
	var b strings.Builder

	b.WriteString("# Sandbox history\n\n")
	if len(events) == 0 {
		b.WriteString("_No events recorded._\n")
		return b.String()
	}

	b.WriteString("| Time | Sandbox | Event | Client | Detail |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, e := range events {
		detail := strings.ReplaceAll(e.Detail, "|", `\|`)
		detail = strings.ReplaceAll(detail, "\n", " ")
		b.WriteString(fmt.Sprintf("| %s | `%s` | %s | %s | %s |\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.SandboxID, e.Kind, e.ClientKey, detail))
	}

	return b.String()
}

// ExportJSON renders lifecycle events as formatted JSON.
func ExportJSON(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	export := struct {
		Events []Event `json:"events"`
	}{
		Events: events,
	}
	return json.MarshalIndent(export, "", "  ")
}
