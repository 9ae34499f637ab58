// Package debug gates verbose logging of the negotiation by category.
//
// UIAA_DEBUG (or logging.debug) names the categories to log, for example
// "engine,transport" or "all". UIAA_LOG_LEVEL (or logging.level) sets the
// slog level; TRACE additionally prints redacted round-trip bodies.
//
//	debug.Log("engine", "flow selected", "flow", 0, "stage", stage)
package debug

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"unicode/utf8"
)

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

// Known lists the categories the packages of this module log under.
var Known = []string{"engine", "transport", "stages", "config", "homeserver"}

// enabled is replaced wholesale by Setup and only read afterwards.
var enabled = parseCategories(os.Getenv("UIAA_DEBUG"))

// Init installs the process logger on stderr. Environment variables win
// over the configured values. Unknown categories are reported as a
// warning rather than rejected.
func Init(configCategories, configLevel string) {
	cats := cmp.Or(os.Getenv("UIAA_DEBUG"), configCategories)
	level := cmp.Or(os.Getenv("UIAA_LOG_LEVEL"), configLevel, "INFO")

	if unknown := Setup(os.Stderr, cats, level); len(unknown) > 0 {
		slog.Warn("ignoring unknown debug categories", "categories", unknown, "known", Known)
	}
}

// Setup installs a text logger writing to w at level and enables cats. It
// returns the categories no package logs under.
func Setup(w io.Writer, cats, level string) []string {
	enabled = parseCategories(cats)
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})))

	var unknown []string
	for c := range enabled {
		if c != "all" && !slices.Contains(Known, c) {
			unknown = append(unknown, c)
		}
	}
	slices.Sort(unknown)
	return unknown
}

// Enabled reports whether category is being logged.
func Enabled(category string) bool {
	_, all := enabled["all"]
	_, ok := enabled[category]
	return all || ok
}

// Log emits a DEBUG record tagged with category.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a TRACE record tagged with category.
func Trace(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled guards body formatting that is only worth doing at TRACE.
func TraceIsEnabled(category string) bool {
	return Enabled(category) && slog.Default().Enabled(context.Background(), LevelTrace)
}

// ParseLevel maps a level name to a slog.Level; unknown names mean INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Truncate shortens s to at most maxLen bytes without splitting a rune.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// redactedKeys are members whose values never reach a log line, at any
// depth of the body.
var redactedKeys = map[string]bool{
	"auth":           true,
	"password":       true,
	"new_password":   true,
	"token":          true,
	"access_token":   true,
	"refresh_token":  true,
	"client_secret":  true,
	"threepid_creds": true,
}

// Redact renders a JSON body with credential members replaced by
// "<redacted>". Anything that does not decode is reduced to its length.
func Redact(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	if _, ok := v.(map[string]any); !ok {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	out, err := json.Marshal(redact(v))
	if err != nil {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	return string(out)
}

func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if redactedKeys[k] {
				t[k] = "<redacted>"
				continue
			}
			t[k] = redact(inner)
		}
	case []any:
		for i, inner := range t {
			t[i] = redact(inner)
		}
	}
	return v
}

func parseCategories(s string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, cat := range strings.Split(s, ",") {
		if cat = strings.ToLower(strings.TrimSpace(cat)); cat != "" {
			m[cat] = struct{}{}
		}
	}
	return m
}
