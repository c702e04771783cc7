// Package command parses console command lines into control requests.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/tanaka/internal/messaging"
	"pkt.systems/tanaka/schema"
)

// Command represents a parsed command line.
type Command struct {
	Name      string
	Args      []string
	Raw       string
	Remainder string
}

// Watch is handled by the console itself; it streams broadcasts.
const Watch = "watch"

// Parse splits a line into a command. A leading "/" is accepted and dropped.
// Blank lines yield ok=false.
func Parse(input string) (Command, bool) {
	raw := strings.TrimSpace(input)
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "/"))
	if raw == "" {
		return Command{}, false
	}
	fields := strings.Fields(raw)
	name := strings.ToLower(fields[0])
	args := []string{}
	if len(fields) > 1 {
		args = fields[1:]
	}
	return Command{
		Name:      name,
		Args:      args,
		Raw:       raw,
		Remainder: remainderAfterTokens(raw, 1),
	}, true
}

// Request maps the command to a control request.
func (c Command) Request() (messaging.Request, error) {
	switch c.Name {
	case "status", string(messaging.CmdGetStatus):
		return messaging.Request{Command: messaging.CmdGetStatus}, nil
	case "sync", string(messaging.CmdTriggerSync):
		return messaging.Request{Command: messaging.CmdTriggerSync}, nil
	case "snapshot", string(messaging.CmdGetSnapshot):
		return messaging.Request{Command: messaging.CmdGetSnapshot}, nil
	case string(messaging.CmdGetSettings):
		return messaging.Request{Command: messaging.CmdGetSettings}, nil
	case "settings":
		if len(c.Args) == 0 || c.Args[0] == "get" {
			return messaging.Request{Command: messaging.CmdGetSettings}, nil
		}
		if c.Args[0] != "set" {
			return messaging.Request{}, fmt.Errorf("usage: settings [get|set key=value...]")
		}
		patch, err := ParsePatch(c.Args[1:])
		if err != nil {
			return messaging.Request{}, err
		}
		return messaging.Request{Command: messaging.CmdUpdateSettings, Patch: &patch}, nil
	default:
		return messaging.Request{}, fmt.Errorf("%w: %q", schema.ErrUnknownCommand, c.Name)
	}
}

// ParsePatch parses key=value pairs into a settings patch. Keys are
// server_url (or url), auth_token (or token), sync_interval_ms (or interval)
// and enabled.
func ParsePatch(pairs []string) (schema.SettingsPatch, error) {
	var patch schema.SettingsPatch
	if len(pairs) == 0 {
		return patch, fmt.Errorf("settings set requires key=value pairs")
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return patch, fmt.Errorf("invalid setting %q: expected key=value", pair)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "server_url", "url":
			patch.ServerURL = schema.Ptr(value)
		case "auth_token", "token":
			patch.AuthToken = schema.Ptr(value)
		case "sync_interval_ms", "interval":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return patch, fmt.Errorf("invalid interval %q: %w", value, err)
			}
			patch.SyncIntervalMs = schema.Ptr(ms)
		case "enabled":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return patch, fmt.Errorf("invalid enabled %q: %w", value, err)
			}
			patch.Enabled = schema.Ptr(enabled)
		default:
			return patch, fmt.Errorf("unknown setting %q", key)
		}
	}
	return patch, nil
}

// Help lists the console commands.
func Help() string {
	return strings.Join([]string{
		"status                      show sync status",
		"sync                        trigger a sync cycle",
		"snapshot                    show tracked windows and tabs",
		"settings [get]              show settings",
		"settings set key=value...   update settings (url, token, interval, enabled)",
		"watch                       stream status and snapshot events",
	}, "\n")
}

func remainderAfterTokens(raw string, count int) string {
	i := 0
	remaining := count
	for remaining > 0 && i < len(raw) {
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		for i < len(raw) && !isSpace(raw[i]) {
			i++
		}
		remaining--
	}
	if i >= len(raw) {
		return ""
	}
	return strings.TrimSpace(raw[i:])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
