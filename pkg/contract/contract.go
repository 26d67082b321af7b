// Package contract implements the output-contract checks the orchestrator
// runs over parsed LLM JSON (ContractValidator, spec.md §4.4), plus the
// hand-rolled JSON extraction the Coder role needs because some task
// modes allow prose around the JSON payload.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskMode classifies a user task, fixing which OutputContract applies.
type TaskMode string

const (
	ModeMicroFile TaskMode = "micro_file"
	ModeSmallCode TaskMode = "small_code"
	ModeProject   TaskMode = "project"
)

// OutputContract is the machine-checkable shape an LLM response for a
// given task mode must satisfy.
type OutputContract struct {
	ExactJSONOnly          bool     `json:"exact_json_only"`
	AllowedFilesCount      *int     `json:"allowed_files_count,omitempty"`
	AllowedPaths           []string `json:"allowed_paths,omitempty"`
	NoExtraFiles           bool     `json:"no_extra_files"`
	NoExtraTextOutsideJSON bool     `json:"no_extra_text_outside_json"`
	RequiredTopLevelKeys   []string `json:"required_json_top_level_keys"`
}

// DefaultContract returns the contract a mode implies absent overrides.
func DefaultContract(mode TaskMode) OutputContract {
	base := OutputContract{RequiredTopLevelKeys: []string{"files"}}
	switch mode {
	case ModeMicroFile:
		one := 1
		base.ExactJSONOnly = true
		base.NoExtraTextOutsideJSON = true
		base.NoExtraFiles = true
		base.AllowedFilesCount = &one
	case ModeSmallCode:
		base.ExactJSONOnly = false
		base.NoExtraTextOutsideJSON = false
	case ModeProject:
		base.ExactJSONOnly = false
		base.NoExtraTextOutsideJSON = false
	}
	return base
}

// Violation is one failed contract check. ValidateOutputContract collects
// every violation it finds so the repair prompt can address all of them
// at once; the exception is exact-JSON text from which no JSON value can
// be decoded, which returns that single violation straight away.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ContractViolationError aggregates every violation found during a single
// validation pass.
type ContractViolationError struct {
	Violations []Violation
}

func (e *ContractViolationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = fmt.Sprintf("%s: %s", v.Code, v.Message)
	}
	return "contract violation: " + strings.Join(msgs, "; ")
}

// FileSpec is one entry of the required "files" array.
type FileSpec struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ParsedFiles is the shape every recognized contract ultimately resolves
// to: a flat list of path/content pairs.
type ParsedFiles struct {
	Files []FileSpec `json:"files"`
}

// ValidateOutputContract checks raw (the verbatim LLM response text)
// against contract. When ExactJSONOnly, raw must parse as a single JSON
// value with nothing left over — parsing is explicit (json.Decoder token
// position), never regex, per spec.md §9's "robust JSON extraction" note.
func ValidateOutputContract(c OutputContract, raw string) (ParsedFiles, error) {
	var violations []Violation

	jsonText := raw
	if c.ExactJSONOnly {
		trimmed := strings.TrimSpace(raw)
		dec := json.NewDecoder(strings.NewReader(trimmed))
		var probe any
		if err := dec.Decode(&probe); err != nil {
			// A JSON object further into the text means a preamble sits
			// before it, rather than no JSON at all.
			if _, ok := ExtractFirstJSONObject(trimmed); ok && !strings.HasPrefix(trimmed, "{") {
				violations = append(violations, Violation{Code: "extra_text_outside_json", Message: "leading content before JSON value"})
			} else {
				violations = append(violations, Violation{Code: "invalid_json", Message: err.Error()})
			}
			return ParsedFiles{}, &ContractViolationError{Violations: violations}
		}
		// Anything left (beyond whitespace) after the first value means
		// there was a preamble/epilogue or markdown fences around it.
		rest := trimmed[dec.InputOffset():]
		if strings.TrimSpace(rest) != "" {
			violations = append(violations, Violation{Code: "extra_text_outside_json", Message: "trailing content after JSON value"})
		}
		jsonText = trimmed
	} else {
		extracted, ok := ExtractFirstJSONObject(StripMarkdownFences(raw))
		if !ok {
			violations = append(violations, Violation{Code: "no_json_object_found", Message: "no balanced JSON object found in response"})
			return ParsedFiles{}, &ContractViolationError{Violations: violations}
		}
		jsonText = extracted
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(jsonText), &obj); err != nil {
		violations = append(violations, Violation{Code: "invalid_json", Message: err.Error()})
		return ParsedFiles{}, &ContractViolationError{Violations: violations}
	}

	required := c.RequiredTopLevelKeys
	if len(required) == 0 {
		required = []string{"files"}
	}
	for _, key := range required {
		if _, ok := obj[key]; !ok {
			violations = append(violations, Violation{Code: "missing_key", Message: fmt.Sprintf("missing required key %q", key)})
		}
	}
	if c.NoExtraFiles {
		allowed := make(map[string]struct{}, len(required))
		for _, k := range required {
			allowed[k] = struct{}{}
		}
		for k := range obj {
			if _, ok := allowed[k]; !ok {
				violations = append(violations, Violation{Code: "unexpected_key", Message: fmt.Sprintf("unexpected top-level key %q", k)})
			}
		}
	}

	var parsed ParsedFiles
	if rawFiles, ok := obj["files"]; ok {
		filesJSON, _ := json.Marshal(rawFiles)
		if err := json.Unmarshal(filesJSON, &parsed.Files); err != nil {
			violations = append(violations, Violation{Code: "invalid_files_list", Message: "files must be a list of {path, content}"})
		}
	}

	if c.AllowedFilesCount != nil && len(parsed.Files) != *c.AllowedFilesCount {
		violations = append(violations, Violation{
			Code:    "file_count_mismatch",
			Message: fmt.Sprintf("expected exactly %d file(s), got %d", *c.AllowedFilesCount, len(parsed.Files)),
		})
	}
	if len(c.AllowedPaths) > 0 {
		allowed := make(map[string]struct{}, len(c.AllowedPaths))
		for _, p := range c.AllowedPaths {
			allowed[p] = struct{}{}
		}
		for _, f := range parsed.Files {
			if _, ok := allowed[f.Path]; !ok {
				violations = append(violations, Violation{
					Code:    "path_not_allowed",
					Message: fmt.Sprintf("path %q is not in allowed_paths", f.Path),
				})
			}
		}
	}

	if len(violations) > 0 {
		return parsed, &ContractViolationError{Violations: violations}
	}
	return parsed, nil
}

// BuildContractRepairPrompt turns a failed validation into a follow-up
// user message asking the model to correct itself exactly once.
func BuildContractRepairPrompt(c OutputContract, violations []Violation) string {
	var b strings.Builder
	b.WriteString("Your previous response violated the required output contract:\n")
	for _, v := range violations {
		fmt.Fprintf(&b, "- %s: %s\n", v.Code, v.Message)
	}
	b.WriteString("Respond again with ONLY a single JSON object")
	if c.ExactJSONOnly {
		b.WriteString(" and nothing else — no prose, no markdown fences")
	}
	b.WriteString(fmt.Sprintf(", containing exactly the keys %v.\n", c.RequiredTopLevelKeys))
	if c.AllowedFilesCount != nil {
		fmt.Fprintf(&b, "The \"files\" array must contain exactly %d entr", *c.AllowedFilesCount)
		if *c.AllowedFilesCount == 1 {
			b.WriteString("y.\n")
		} else {
			b.WriteString("ies.\n")
		}
	}
	if len(c.AllowedPaths) > 0 {
		fmt.Fprintf(&b, "Every file path must be one of: %v.\n", c.AllowedPaths)
	}
	return b.String()
}

// StripMarkdownFences removes a leading/trailing ``` or ```json code
// fence some providers wrap JSON responses in.
func StripMarkdownFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// ExtractFirstJSONObject scans text for the first balanced top-level
// JSON object, tracking string/escape state with a small explicit stack
// so it never depends on a language built-in "parse with trailing
// garbage" feature. Ported in behavior from
// original_source/agents.py::AICoder._extract_first_json_payload.
func ExtractFirstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
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
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
