package parser

import (
	"testing"
)

func TestParse_StrictJSON(t *testing.T) {
	p := New(false)

	step := p.Parse(`{"thought": "need the weather", "action": "get_weather", "action_input": {"city": "London"}}`)
	if !step.IsAction() {
		t.Fatalf("expected action, got %+v", step)
	}
	if step.Action != "get_weather" {
		t.Errorf("action = %q", step.Action)
	}
	if step.ActionInput["city"] != "London" {
		t.Errorf("input = %v", step.ActionInput)
	}
	if step.Confidence != 1.0 {
		t.Errorf("confidence = %v", step.Confidence)
	}
}

func TestParse_JSONFinalAnswer(t *testing.T) {
	p := New(false)
	step := p.Parse(`{"final_answer": "42"}`)
	if !step.IsFinal() || step.FinalAnswer != "42" {
		t.Errorf("step = %+v", step)
	}
}

func TestParse_FencedJSON(t *testing.T) {
	p := New(false)
	text := "Here is my decision:\n```json\n{\"action\": \"search\", \"action_input\": {\"query\": \"go generics\"}}\n```\nDone."

	step := p.Parse(text)
	if step.Action != "search" {
		t.Fatalf("action = %q (step %+v)", step.Action, step)
	}
	if step.ActionInput["query"] != "go generics" {
		t.Errorf("input = %v", step.ActionInput)
	}
}

func TestParse_TaggedAction(t *testing.T) {
	p := New(false)
	text := "Thought: I should check the forecast.\nAction: get_weather(city=Paris, units=metric)"

	step := p.Parse(text)
	if step.Thought != "I should check the forecast." {
		t.Errorf("thought = %q", step.Thought)
	}
	if step.Action != "get_weather" {
		t.Fatalf("action = %q", step.Action)
	}
	if step.ActionInput["city"] != "Paris" || step.ActionInput["units"] != "metric" {
		t.Errorf("input = %v", step.ActionInput)
	}
}

func TestParse_ActionInputJSON(t *testing.T) {
	p := New(false)
	text := "Action: calculate\nAction Input: {\"a\": 2, \"b\": 3,}"

	step := p.Parse(text)
	if step.Action != "calculate" {
		t.Fatalf("action = %q", step.Action)
	}
	// Trailing comma tolerated.
	if step.ActionInput["a"] != 2.0 || step.ActionInput["b"] != 3.0 {
		t.Errorf("input = %v", step.ActionInput)
	}
}

func TestParse_FinalAnswer(t *testing.T) {
	p := New(false)
	step := p.Parse("Thought: I have enough information.\nFinal Answer: The capital is Oslo.")
	if !step.IsFinal() {
		t.Fatalf("expected final answer, got %+v", step)
	}
	if step.FinalAnswer != "The capital is Oslo." {
		t.Errorf("answer = %q", step.FinalAnswer)
	}
}

func TestParse_ThinkTagStripped(t *testing.T) {
	p := New(false)
	text := "<think>internal deliberation that should vanish</think>\nFinal Answer: done"

	step := p.Parse(text)
	if step.FinalAnswer != "done" {
		t.Errorf("answer = %q", step.FinalAnswer)
	}
}

func TestParse_FuzzyFunctionCall(t *testing.T) {
	p := New(false)
	step := p.Parse("I will call get_weather(city=Berlin) to find out.")
	if step.Action != "get_weather" {
		t.Fatalf("action = %q (step %+v)", step.Action, step)
	}
	if step.ActionInput["city"] != "Berlin" {
		t.Errorf("input = %v", step.ActionInput)
	}
}

func TestParse_StrictModeSkipsFuzzy(t *testing.T) {
	p := New(true)
	step := p.Parse("I will call get_weather(city=Berlin) to find out.")
	if step.IsAction() {
		t.Errorf("strict mode should not fuzzy-match, got %+v", step)
	}
	if !step.IsFinal() {
		t.Error("expected raw-text fallback")
	}
}

func TestParse_RawTextFallback(t *testing.T) {
	p := New(false)
	text := "The answer is simply that both approaches work."

	step := p.Parse(text)
	if !step.IsFinal() {
		t.Fatalf("expected fallback final answer, got %+v", step)
	}
	if step.FinalAnswer != text {
		t.Errorf("answer = %q", step.FinalAnswer)
	}
	if step.Confidence >= 0.5 {
		t.Errorf("fallback confidence too high: %v", step.Confidence)
	}
}

func TestParse_ThoughtOnly(t *testing.T) {
	p := New(false)
	step := p.Parse("Thought: still working through the constraints.")
	if step.IsAction() || step.IsFinal() {
		t.Fatalf("expected bare thought, got %+v", step)
	}
	if step.Thought == "" {
		t.Error("thought not captured")
	}
}

func TestParse_PositionalAndScalarArgs(t *testing.T) {
	p := New(false)
	step := p.Parse(`Action: lookup(42, true, "plain")`)
	if step.Action != "lookup" {
		t.Fatalf("action = %q", step.Action)
	}
	if step.ActionInput["arg0"] != 42.0 {
		t.Errorf("arg0 = %v", step.ActionInput["arg0"])
	}
	if step.ActionInput["arg1"] != true {
		t.Errorf("arg1 = %v", step.ActionInput["arg1"])
	}
	if step.ActionInput["arg2"] != "plain" {
		t.Errorf("arg2 = %v", step.ActionInput["arg2"])
	}
}
