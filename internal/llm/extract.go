package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorResponseToolName is the synthetic call returned when the model asks
// for a tool that does not exist. It is surfaced back to the model as a
// corrective signal instead of being silently dropped.
const ErrorResponseToolName = "error_response"

// ExtractorOptions configures the text-based extraction cascade.
type ExtractorOptions struct {
	// EnableHeuristics turns on the last-resort strategies (call syntax
	// scanning and JSON-near-mention scanning). They carry a higher
	// false-positive risk and are off by default.
	EnableHeuristics bool
}

// nonToolTags are tag names that are never treated as tool calls even when
// a coincidentally tool-shaped tag appears in the output.
var nonToolTags = map[string]bool{
	"thinking":   true,
	"think":      true,
	"reasoning":  true,
	"reflection": true,
	"answer":     true,
	"result":     true,
}

// ExtractToolCalls recovers structured tool calls from free-form assistant
// text. Strategies run in decreasing order of format confidence and the
// first one that yields any match wins. The function never fails: anything
// unparseable is skipped and an empty result means "no tool call present".
func ExtractToolCalls(text string, available []string, opts ExtractorOptions) []ToolCall {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	avail := make(map[string]bool, len(available))
	for _, name := range available {
		avail[name] = true
	}

	strategies := []func(string, map[string]bool) []ToolCall{
		extractXMLCalls,
		extractNestedFunctionCalls,
		extractToPrefixCalls,
		extractFencedJSONCalls,
	}
	if opts.EnableHeuristics {
		strategies = append(strategies, extractCallSyntax, extractJSONNearMention)
	}

	for _, strategy := range strategies {
		if calls := strategy(text, avail); len(calls) > 0 {
			return dedupeCalls(calls)
		}
	}
	return nil
}

// xmlChildRe matches one <tag>value</tag> pair. Model output is not
// well-formed XML (stray text, unescaped entities), so a tolerant scanner
// over registered names is used instead of encoding/xml.
var xmlChildRe = regexp.MustCompile(`(?s)<([A-Za-z0-9_]+)>(.*?)</([A-Za-z0-9_]+)>`)

func extractXMLCalls(text string, avail map[string]bool) []ToolCall {
	var calls []ToolCall

	// Deterministic scan order regardless of map iteration.
	names := make([]string, 0, len(avail))
	for name := range avail {
		if !nonToolTags[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	type located struct {
		pos  int
		call ToolCall
	}
	var found []located

	for _, name := range names {
		re, err := regexp.Compile(`(?s)<` + regexp.QuoteMeta(name) + `>(.*?)</` + regexp.QuoteMeta(name) + `>`)
		if err != nil {
			continue
		}
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			inner := text[m[2]:m[3]]
			args := parseXMLArguments(inner)
			found = append(found, located{pos: m[0], call: ToolCall{Name: name, Arguments: args}})
		}
	}

	// Preserve the order calls appear in the text.
	sort.Slice(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	for _, f := range found {
		calls = append(calls, f.call)
	}
	return calls
}

// parseXMLArguments turns the inner text of a tool tag into arguments.
// Child tags become named string arguments; repeated child tags accumulate
// into an array. Without child tags the inner text is used as JSON when it
// looks like an object or array, or as a single "input" argument otherwise.
func parseXMLArguments(inner string) json.RawMessage {
	args := make(map[string]any)
	matches := xmlChildRe.FindAllStringSubmatch(inner, -1)
	for _, m := range matches {
		open, value, closing := m[1], m[2], m[3]
		if open != closing {
			continue
		}
		value = strings.TrimSpace(value)
		if existing, ok := args[open]; ok {
			if list, ok := existing.([]any); ok {
				args[open] = append(list, value)
			} else {
				args[open] = []any{existing, value}
			}
			continue
		}
		args[open] = value
	}

	if len(args) == 0 {
		trimmed := strings.TrimSpace(inner)
		if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && gjson.Valid(trimmed) {
			if strings.HasPrefix(trimmed, "{") {
				return json.RawMessage(trimmed)
			}
			args["input"] = json.RawMessage(trimmed)
		} else {
			args["input"] = trimmed
		}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

var nestedFunctionRe = regexp.MustCompile(`to=functions\s+json`)

// extractNestedFunctionCalls handles the `to=functions json{"name":...,
// "arguments":...}` form some models emit when imitating a function API.
func extractNestedFunctionCalls(text string, _ map[string]bool) []ToolCall {
	var calls []ToolCall
	for _, m := range nestedFunctionRe.FindAllStringIndex(text, -1) {
		payload, ok := balancedJSON(text[m[1]:])
		if !ok {
			continue
		}
		var parsed struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil || parsed.Name == "" {
			continue
		}
		args := parsed.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{Name: parsed.Name, Arguments: args})
	}
	return calls
}

var toPrefixRe = regexp.MustCompile(`to=([A-Za-z0-9_\-]+)\s+json`)

// extractToPrefixCalls handles `to=<tool> json{...}`. An unrecognized tool
// name short-circuits into a synthetic error_response call that names the
// invalid tool and lists the valid alternatives.
func extractToPrefixCalls(text string, avail map[string]bool) []ToolCall {
	var calls []ToolCall
	for _, m := range toPrefixRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		if name == "functions" {
			continue
		}
		payload, ok := balancedJSON(text[m[1]:])
		if !ok {
			continue
		}

		if !avail[name] {
			valid := make([]string, 0, len(avail))
			for t := range avail {
				valid = append(valid, t)
			}
			sort.Strings(valid)
			args, _ := json.Marshal(map[string]any{
				"error":       fmt.Sprintf("unknown tool: %s", name),
				"valid_tools": valid,
			})
			return []ToolCall{{Name: ErrorResponseToolName, Arguments: args}}
		}

		if !gjson.Valid(payload) {
			continue
		}
		calls = append(calls, ToolCall{Name: name, Arguments: json.RawMessage(payload)})
	}
	return calls
}

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// extractFencedJSONCalls handles fenced blocks of the form
// {"tool_call": {"name": ..., "arguments": ...}}.
func extractFencedJSONCalls(text string, _ map[string]bool) []ToolCall {
	var calls []ToolCall
	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		block := strings.TrimSpace(m[1])
		if !gjson.Valid(block) {
			continue
		}
		tc := gjson.Get(block, "tool_call")
		if !tc.Exists() {
			continue
		}
		name := tc.Get("name").String()
		if name == "" {
			continue
		}
		args := tc.Get("arguments").Raw
		if args == "" || !gjson.Valid(args) {
			args = "{}"
		}
		calls = append(calls, ToolCall{Name: name, Arguments: json.RawMessage(args)})
	}
	return calls
}

var callSyntaxArgRe = regexp.MustCompile(`([A-Za-z0-9_]+)\s*[:=]\s*"?([^,"]*)"?`)

// extractCallSyntax scans for `toolName(args)` call syntax. Heuristic,
// opt-in only.
func extractCallSyntax(text string, avail map[string]bool) []ToolCall {
	var calls []ToolCall
	names := make([]string, 0, len(avail))
	for name := range avail {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(name) + `\(([^)]*)\)`)
		if err != nil {
			continue
		}
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			inner := strings.TrimSpace(m[1])
			var raw json.RawMessage
			switch {
			case inner == "":
				raw = json.RawMessage(`{}`)
			case strings.HasPrefix(inner, "{") && gjson.Valid(inner):
				raw = json.RawMessage(inner)
			default:
				args := make(map[string]any)
				for _, kv := range callSyntaxArgRe.FindAllStringSubmatch(inner, -1) {
					args[kv[1]] = strings.TrimSpace(kv[2])
				}
				if len(args) == 0 {
					args["input"] = strings.Trim(inner, `"'`)
				}
				raw, _ = json.Marshal(args)
			}
			calls = append(calls, ToolCall{Name: name, Arguments: raw})
		}
	}
	return calls
}

// jsonNearMentionWindow bounds how far past a tool-name mention the scanner
// looks for a JSON object.
const jsonNearMentionWindow = 300

// extractJSONNearMention looks for a JSON object near a mention of a known
// tool name. The most speculative strategy; opt-in only.
func extractJSONNearMention(text string, avail map[string]bool) []ToolCall {
	var calls []ToolCall
	names := make([]string, 0, len(avail))
	for name := range avail {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		idx := strings.Index(text, name)
		if idx < 0 {
			continue
		}
		window := text[idx:]
		if len(window) > jsonNearMentionWindow {
			window = window[:jsonNearMentionWindow]
		}
		brace := strings.Index(window, "{")
		if brace < 0 {
			continue
		}
		payload, ok := balancedJSON(window[brace:])
		if !ok || !gjson.Valid(payload) {
			continue
		}
		// A bare "{}" near a mention is noise, not a call.
		if len(gjson.Parse(payload).Map()) == 0 {
			continue
		}
		calls = append(calls, ToolCall{Name: name, Arguments: json.RawMessage(payload)})
	}
	return calls
}

// balancedJSON extracts the first complete brace-balanced JSON object from
// the start of s (skipping leading whitespace), honoring strings and
// escapes.
func balancedJSON(s string) (string, bool) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	if i >= len(s) || s[i] != '{' {
		return "", false
	}
	start := i
	depth := 0
	inString := false
	escaped := false
	for ; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// canonicalArguments renders tool arguments in a stable form for use as a
// deduplication key. encoding/json sorts map keys, which is all the
// canonicalization needed here.
func canonicalArguments(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	return string(out)
}

// dedupeKey is the uniqueness key for tool call deduplication.
func dedupeKey(call ToolCall) string {
	return call.Name + "\x00" + canonicalArguments(call.Arguments)
}

// dedupeCalls collapses calls with identical (name, canonical arguments),
// keeping first occurrence order.
func dedupeCalls(calls []ToolCall) []ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		key := dedupeKey(call)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, call)
	}
	return out
}
