package llm

import (
	"encoding/json"
	"testing"
)

func TestBuildAnthropicMessages(t *testing.T) {
	call := &ToolCall{ID: "toolu_1", Name: "lights.turn_on", Arguments: json.RawMessage(`{}`)}
	system, messages := buildAnthropicMessages([]Message{
		SystemText("be helpful"),
		SystemText("be brief"),
		UserText("turn on the light"),
		{Role: RoleAssistant, Parts: []Part{
			{Type: PartText, Text: "on it"},
			{Type: PartToolCall, ToolCall: call},
		}},
		ToolResultMessage("toolu_1", "lights.turn_on", "on"),
	})

	if system != "be helpful\n\nbe brief" {
		t.Errorf("system = %q", system)
	}
	// user, assistant, tool-result-as-user
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	if messages[0].Role != "user" || messages[1].Role != "assistant" || messages[2].Role != "user" {
		t.Errorf("roles = %q %q %q", messages[0].Role, messages[1].Role, messages[2].Role)
	}
	if len(messages[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want 2", len(messages[1].Content))
	}
}

func TestBuildAnthropicTools(t *testing.T) {
	tools := buildAnthropicTools([]ToolSpec{{
		Name:        "lights.turn_on",
		Description: "Turn a light on",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"room": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"room"},
		},
	}})

	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
	tool := tools[0].OfTool
	if tool == nil {
		t.Fatal("expected a plain tool param")
	}
	if tool.Name != "lights.turn_on" {
		t.Errorf("name = %q", tool.Name)
	}
	if tool.InputSchema.Properties == nil {
		t.Error("properties not carried over")
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "room" {
		t.Errorf("required = %v", tool.InputSchema.Required)
	}
}

func TestSchemaRequired(t *testing.T) {
	if got := schemaRequired(map[string]interface{}{"required": []interface{}{"a", "b", 3}}); len(got) != 2 {
		t.Errorf("required = %v, want [a b]", got)
	}
	if got := schemaRequired(map[string]interface{}{}); got != nil {
		t.Errorf("missing required = %v, want nil", got)
	}
	if got := schemaRequired(map[string]interface{}{"required": "oops"}); got != nil {
		t.Errorf("malformed required = %v, want nil", got)
	}
}

func TestBuildAnthropicToolChoice(t *testing.T) {
	none := buildAnthropicToolChoice(ToolChoice{Mode: ToolChoiceNone}, true)
	if none.OfNone == nil {
		t.Error("none mode should set OfNone")
	}

	named := buildAnthropicToolChoice(ToolChoice{Mode: ToolChoiceName, Name: "fs.read"}, true)
	if named.OfTool == nil || named.OfTool.Name != "fs.read" {
		t.Errorf("named choice = %+v", named)
	}

	auto := buildAnthropicToolChoice(ToolChoice{Mode: ToolChoiceAuto}, false)
	if auto.OfAuto == nil {
		t.Fatal("auto mode should set OfAuto")
	}
	if !auto.OfAuto.DisableParallelToolUse.Value {
		t.Error("parallel=false should disable parallel tool use")
	}
}

func TestToolCallAccumulator(t *testing.T) {
	acc := newToolCallAccumulator()

	// Streamed arguments win over the start block's input.
	acc.Start(0, ToolCall{ID: "toolu_1", Name: "fs.read", Arguments: json.RawMessage(`{"stale":true}`)})
	acc.Append(0, `{"path":`)
	acc.Append(0, `"main.go"}`)

	call, ok := acc.Finish(0)
	if !ok {
		t.Fatal("expected a finished call")
	}
	if call.ID != "toolu_1" || string(call.Arguments) != `{"path":"main.go"}` {
		t.Errorf("call = %+v", call)
	}

	// Finishing again is a no-op.
	if _, ok := acc.Finish(0); ok {
		t.Error("double finish should report no call")
	}

	// No streamed fragments falls back to the start block's input.
	acc.Start(1, ToolCall{ID: "toolu_2", Name: "fs.stat", Arguments: json.RawMessage(`{"path":"go.mod"}`)})
	call, ok = acc.Finish(1)
	if !ok || string(call.Arguments) != `{"path":"go.mod"}` {
		t.Errorf("fallback call = %+v, ok = %v", call, ok)
	}
}

func TestMaxTokens(t *testing.T) {
	if got := maxTokens(0, 4096); got != 4096 {
		t.Errorf("maxTokens(0) = %d", got)
	}
	if got := maxTokens(1000, 4096); got != 1000 {
		t.Errorf("maxTokens(1000) = %d", got)
	}
}
