// Package parser extracts structured ReAct steps (Thought / Action /
// Final Answer) from free-form LLM output. Models rarely emit the format
// cleanly, so parsing is layered: strict JSON first, then fenced code
// blocks, then reasoning-tag stripping, then regex spans, and finally the
// raw text as the answer. The first strategy that succeeds wins.
package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Step is one parsed ReAct step.
type Step struct {
	Thought     string         `json:"thought,omitempty"`
	Action      string         `json:"action,omitempty"`
	ActionInput map[string]any `json:"action_input,omitempty"`
	FinalAnswer string         `json:"final_answer,omitempty"`
	RawText     string         `json:"raw_text"`
	Confidence  float64        `json:"confidence"`
}

// IsAction reports whether the step requests a tool invocation.
func (s *Step) IsAction() bool {
	return s.Action != ""
}

// IsFinal reports whether the step carries a final answer.
func (s *Step) IsFinal() bool {
	return s.FinalAnswer != ""
}

// Parser parses ReAct-style output.
type Parser struct {
	strict bool
}

// New creates a parser. In strict mode the fuzzy regex strategy is skipped.
func New(strict bool) *Parser {
	return &Parser{strict: strict}
}

var (
	fenceRe       = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	thinkRe       = regexp.MustCompile(`(?s)<think>.*?</think>`)
	finalRe       = regexp.MustCompile(`(?is)Final Answer:\s*(.+)`)
	thoughtRe     = regexp.MustCompile(`(?i)Thought:\s*(.+?)(?:\n|$)`)
	actionCallRe  = regexp.MustCompile(`(?i)Action:\s*(\w+)\s*\(([^)]*)\)`)
	actionBareRe  = regexp.MustCompile(`(?i)Action:\s*(\w+)`)
	actionInputRe = regexp.MustCompile(`(?i)Action Input:\s*(\{[^\n]*\}|[^\n]+)`)
)

// Parse runs the strategy chain over the text. It never fails: when no
// structure is recognisable the cleaned raw text becomes the final answer.
func (p *Parser) Parse(text string) *Step {
	step := &Step{RawText: text}

	// Strategy 1: the whole output is a JSON object.
	if s := p.parseJSONStep(strings.TrimSpace(text)); s != nil {
		s.RawText = text
		s.Confidence = 1.0
		return s
	}

	// Strategy 2: a JSON object inside a fenced code block.
	for _, match := range fenceRe.FindAllStringSubmatch(text, -1) {
		if s := p.parseJSONStep(strings.TrimSpace(match[1])); s != nil {
			s.RawText = text
			s.Confidence = 0.9
			return s
		}
	}

	// Strategy 3: strip reasoning tags, then look for the tagged format.
	stripped := strings.TrimSpace(thinkRe.ReplaceAllString(text, ""))
	if s := p.parseTagged(stripped); s != nil {
		s.RawText = text
		s.Confidence = 0.8
		return s
	}

	// Strategy 4: loose regex spans over the unstripped text.
	if !p.strict {
		if s := p.parseFuzzy(text); s != nil {
			s.RawText = text
			s.Confidence = 0.6
			return s
		}
	}

	// Strategy 5: raw text is the answer.
	step.FinalAnswer = cleanup(stripped)
	step.Confidence = 0.3
	return step
}

// parseJSONStep accepts objects like {"thought": ..., "action": ...,
// "action_input": {...}} or {"final_answer": ...}.
func (p *Parser) parseJSONStep(text string) *Step {
	if !strings.HasPrefix(text, "{") {
		return nil
	}

	var raw struct {
		Thought     string         `json:"thought"`
		Action      string         `json:"action"`
		ActionInput map[string]any `json:"action_input"`
		FinalAnswer string         `json:"final_answer"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil
	}
	if raw.Action == "" && raw.FinalAnswer == "" {
		return nil
	}

	input := raw.ActionInput
	if raw.Action != "" && input == nil {
		input = make(map[string]any)
	}
	return &Step{
		Thought:     raw.Thought,
		Action:      raw.Action,
		ActionInput: input,
		FinalAnswer: raw.FinalAnswer,
	}
}

// parseTagged handles the canonical "Thought: / Action: tool(args) /
// Final Answer:" layout.
func (p *Parser) parseTagged(text string) *Step {
	step := &Step{}

	if m := thoughtRe.FindStringSubmatch(text); m != nil {
		step.Thought = strings.TrimSpace(m[1])
	}

	// A final answer wins over an action when both appear; the model has
	// already concluded.
	if m := finalRe.FindStringSubmatch(text); m != nil {
		step.FinalAnswer = strings.TrimSpace(m[1])
		return step
	}

	if m := actionCallRe.FindStringSubmatch(text); m != nil {
		step.Action = m[1]
		step.ActionInput = parseArgList(m[2])
		return step
	}

	if m := actionBareRe.FindStringSubmatch(text); m != nil {
		step.Action = m[1]
		step.ActionInput = make(map[string]any)
		if im := actionInputRe.FindStringSubmatch(text); im != nil {
			raw := strings.TrimSpace(im[1])
			if args := parseJSONObject(raw); args != nil {
				step.ActionInput = args
			} else {
				step.ActionInput = parseArgList(raw)
			}
		}
		return step
	}

	if step.Thought != "" {
		return step
	}
	return nil
}

// parseFuzzy looks for a bare function-call pattern anywhere in the text.
func (p *Parser) parseFuzzy(text string) *Step {
	callRe := regexp.MustCompile(`(\w+)\s*\(\s*([^)]*)\s*\)`)
	if m := callRe.FindStringSubmatch(text); m != nil && looksLikeToolName(m[1]) {
		return &Step{
			Action:      m[1],
			ActionInput: parseArgList(m[2]),
		}
	}
	return nil
}

// parseArgList parses "city=London, units=metric" or a single positional
// value into an argument map.
func parseArgList(s string) map[string]any {
	args := make(map[string]any)
	s = strings.TrimSpace(s)
	if s == "" {
		return args
	}

	if obj := parseJSONObject(s); obj != nil {
		return obj
	}

	parts := strings.Split(s, ",")
	positional := 0
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			args[strings.TrimSpace(k)] = parseScalar(strings.TrimSpace(v))
		} else if k, v, ok := strings.Cut(part, ":"); ok {
			args[strings.TrimSpace(k)] = parseScalar(strings.TrimSpace(v))
		} else {
			args["arg"+strconv.Itoa(positional)] = parseScalar(part)
			positional++
		}
	}
	return args
}

func parseJSONObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	// Tolerate trailing commas, a common model mistake.
	fixed := regexp.MustCompile(`,\s*}`).ReplaceAllString(s, "}")
	fixed = regexp.MustCompile(`,\s*]`).ReplaceAllString(fixed, "]")

	var obj map[string]any
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		return nil
	}
	return obj
}

func parseScalar(v string) any {
	v = strings.Trim(v, `"'`)
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}

func looksLikeToolName(s string) bool {
	re := regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	s = strings.ToLower(s)
	return re.MatchString(s) && len(s) > 2 && len(s) < 50
}

func cleanup(text string) string {
	text = strings.TrimSpace(text)
	text = regexp.MustCompile(`(?i)^Thought:\s*`).ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
