// Package format renders engine values for terminals.
package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/tanaka/schema"
)

// YAML renders v as YAML using its JSON field names.
func YAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

// JSON renders v as indented JSON.
func JSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Status renders a status as short lines.
func Status(s schema.Status) []string {
	lines := []string{fmt.Sprintf("state: %s", s.State)}
	lines = append(lines, fmt.Sprintf("pending: %d", s.Pending))
	if !s.LastSyncAt.IsZero() {
		lines = append(lines, fmt.Sprintf("last sync: %s", s.LastSyncAt.Format(time.RFC3339)))
	} else {
		lines = append(lines, "last sync: never")
	}
	if s.Cursor != "" {
		lines = append(lines, fmt.Sprintf("cursor: %s", s.Cursor))
	}
	if s.State == schema.StateBackoff {
		lines = append(lines, fmt.Sprintf("retry: attempt %d at %s", s.Attempt, s.NextRetryAt.Format(time.RFC3339)))
	}
	if s.LastError != nil {
		msg := string(s.LastError.Category)
		if s.LastError.Message != "" {
			msg += ": " + s.LastError.Message
		}
		lines = append(lines, "last error: "+msg)
	}
	return lines
}

// Snapshot renders windows and their tabs as an indented tree.
func Snapshot(s schema.Snapshot) []string {
	if len(s.Windows) == 0 {
		return []string{"no windows"}
	}
	var lines []string
	for _, w := range s.Windows {
		header := "window " + string(w.ID)
		if w.Focused {
			header += " (focused)"
		}
		lines = append(lines, header)
		for _, tab := range s.TabsIn(w.ID) {
			marker := " "
			if tab.Active {
				marker = "*"
			}
			flags := ""
			if tab.Pinned {
				flags = " [pinned]"
			}
			title := tab.Title
			if title == "" {
				title = "(untitled)"
			}
			lines = append(lines, fmt.Sprintf("  %s %d %s%s", marker, tab.Position, title, flags))
			if tab.URL != "" {
				lines = append(lines, "      "+tab.URL)
			}
		}
	}
	return lines
}

// Lines joins rendered lines with a trailing newline.
func Lines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
