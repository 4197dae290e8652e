package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Result is the outcome of one tool invocation. Value holds the payload on
// success; Error holds the message on failure.
type Result struct {
	Success bool   `json:"success"`
	Value   any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Success(value any) Result {
	return Result{Success: true, Value: value}
}

func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// MessageContent renders the result as the text of a tool message.
// Structured payloads become indented JSON, scalars their string form, and
// failures "Error: <message>".
func (r Result) MessageContent() string {
	if !r.Success {
		return "Error: " + r.Error
	}
	switch v := r.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(r.Value)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r.Value); err != nil {
			return fmt.Sprint(r.Value)
		}
		return string(bytes.TrimRight(buf.Bytes(), "\n"))
	default:
		return fmt.Sprint(rv.Interface())
	}
}
