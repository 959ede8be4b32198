// Package prune shortens long texts to a byte and line budget, keeping the
// head and tail around a marker.
package prune

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultMarker   = "[...]"
	DefaultMaxBytes = 4 * 1024
	DefaultMaxLines = 80
)

// Config bounds a clipped text. Head and tail shares default to two thirds
// and one third of the budget.
type Config struct {
	MaxBytes  int
	MaxLines  int
	HeadBytes int
	TailBytes int
	HeadLines int
	TailLines int
	Marker    string
}

func Exceeds(s string, maxBytes, maxLines int) bool {
	return len(s) > maxBytes || CountLines(s) > maxLines
}

func CountLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// Clip returns s unchanged when it fits, otherwise its head and tail joined
// by the marker. The result never splits a UTF-8 sequence and never exceeds
// MaxBytes.
func Clip(s string, cfg Config) string {
	cfg = normalize(cfg)
	if !Exceeds(s, cfg.MaxBytes, cfg.MaxLines) {
		return s
	}
	head := boundedPrefix(s, min(cfg.HeadBytes, len(s)), cfg.HeadLines)
	tail := boundedSuffix(s, min(cfg.TailBytes, len(s)), cfg.TailLines)
	out := strings.TrimRight(head, " \n") + "\n" + cfg.Marker + "\n" + strings.TrimLeft(tail, " \n")
	if tail == "" {
		out = strings.TrimRight(head, " \n") + " " + cfg.Marker
	}
	if len(out) > cfg.MaxBytes {
		return safeUTF8Prefix(out, cfg.MaxBytes)
	}
	return out
}

func normalize(cfg Config) Config {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	room := cfg.MaxBytes - len(cfg.Marker) - 2
	if room < 0 {
		room = 0
	}
	if cfg.HeadBytes <= 0 && cfg.TailBytes <= 0 {
		cfg.HeadBytes = room * 2 / 3
		cfg.TailBytes = room - cfg.HeadBytes
	}
	if cfg.HeadLines <= 0 && cfg.TailLines <= 0 {
		cfg.HeadLines = max((cfg.MaxLines-1)*2/3, 1)
		cfg.TailLines = max(cfg.MaxLines-1-cfg.HeadLines, 0)
	}
	return cfg
}

func boundedPrefix(s string, maxBytes, maxLines int) string {
	if len(s) == 0 || maxBytes <= 0 || maxLines <= 0 {
		return ""
	}
	return limitLinesPrefix(safeUTF8Prefix(s, maxBytes), maxLines)
}

func boundedSuffix(s string, maxBytes, maxLines int) string {
	if len(s) == 0 || maxBytes <= 0 || maxLines <= 0 {
		return ""
	}
	return limitLinesSuffix(safeUTF8Suffix(s, maxBytes), maxLines)
}

func safeUTF8Prefix(s string, maxBytes int) string {
	if maxBytes >= len(s) {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func safeUTF8Suffix(s string, maxBytes int) string {
	if maxBytes >= len(s) {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

func limitLinesPrefix(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}

func limitLinesSuffix(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}
