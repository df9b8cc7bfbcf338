// Package jsonutil recovers JSON payloads from model output. LLM-backed
// agents sometimes wrap a response in markdown code fences or surround it
// with prose; the extractor pulls out the first balanced object.
package jsonutil

import (
	"strings"
)

const codeFence = "```"

// ExtractObject returns the first JSON object found in raw. Fenced blocks
// are searched first, then the bare text.
func ExtractObject(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if block, ok := extractFromFence(raw); ok {
		return block, true
	}
	return extractBalancedObject(raw)
}

func extractFromFence(raw string) (string, bool) {
	start := strings.Index(raw, codeFence)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	if end == -1 {
		return "", false
	}
	block := strings.TrimLeft(rest[:end], "\r\n")
	// Drop a language tag like "json" on the fence's first line.
	if idx := strings.Index(block, "\n"); idx != -1 {
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.Contains(first, "{") {
			block = block[idx+1:]
		}
	}
	return extractBalancedObject(strings.TrimSpace(block))
}

// extractBalancedObject scans for the first brace-balanced span, tracking
// string literals so braces inside them do not count.
func extractBalancedObject(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(raw[start : i+1]), true
			}
		}
	}
	return "", false
}
