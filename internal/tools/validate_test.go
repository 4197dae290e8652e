package tools

import (
	"encoding/json"
	"testing"
)

func TestValidateParams(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"num_results": {"type": "integer"},
			"exact": {"type": "boolean"},
			"mode": {"type": "string", "enum": ["journal", "assistant"]},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["query"]
	}`)

	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{"valid", `{"query": "golang"}`, false},
		{"valid with all", `{"query": "golang", "num_results": 5, "exact": true, "tags": ["a", "b"]}`, false},
		{"missing required", `{"num_results": 5}`, true},
		{"wrong type string", `{"query": 123}`, true},
		{"wrong type int", `{"query": "go", "num_results": "five"}`, true},
		{"fractional int", `{"query": "go", "num_results": 2.5}`, true},
		{"integral float ok", `{"query": "go", "num_results": 3.0}`, false},
		{"wrong type bool", `{"query": "go", "exact": "yes"}`, true},
		{"valid enum", `{"query": "go", "mode": "journal"}`, false},
		{"invalid enum", `{"query": "go", "mode": "code"}`, true},
		{"array item type", `{"query": "go", "tags": ["a", 1]}`, true},
		{"not an array", `{"query": "go", "tags": "a"}`, true},
		{"not an object", `"hello"`, true},
		{"empty object", `{}`, true},
		{"null required", `{"query": null}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParams(schema, json.RawMessage(tt.params))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParams() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParams_EmptySchema(t *testing.T) {
	err := ValidateParams(nil, json.RawMessage(`{"anything": true}`))
	if err != nil {
		t.Errorf("expected no error for nil schema, got %v", err)
	}
}
