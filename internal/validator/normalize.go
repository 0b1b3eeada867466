package validator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"aapkit/internal/domain"
)

// Violation is one schema failure in engine-neutral form. InstancePath and
// SchemaPath are JSON pointers; Params carries the keyword arguments
// (missingProperty, type, format, allowedValues, limit).
type Violation struct {
	Keyword      string
	InstancePath string
	SchemaPath   string
	Params       map[string]any
	Message      string
}

// keywords maps gojsonschema error types onto JSON Schema keywords.
var keywords = map[string]string{
	"required":        "required",
	"invalid_type":    "type",
	"format":          "format",
	"enum":            "enum",
	"number_gte":      "minimum",
	"number_lte":      "maximum",
	"string_gte":      "minLength",
	"array_min_items": "minItems",
}

// FromResultError converts a gojsonschema error into a Violation.
func FromResultError(e gojsonschema.ResultError) Violation {
	keyword, ok := keywords[e.Type()]
	if !ok {
		keyword = e.Type()
	}
	details := e.Details()
	v := Violation{
		Keyword:      keyword,
		InstancePath: instancePointer(e.Context()),
		SchemaPath:   "#/" + keyword,
		Params:       map[string]any{},
		Message:      e.Description(),
	}
	switch keyword {
	case "required":
		v.Params["missingProperty"] = details["property"]
	case "type":
		v.Params["type"] = details["expected"]
	case "format":
		v.Params["format"] = details["format"]
	case "enum":
		v.Params["allowedValues"] = allowedValues(details["allowed"])
	case "minimum", "minLength", "minItems":
		v.Params["limit"] = details["min"]
	case "maximum":
		v.Params["limit"] = details["max"]
	}
	return v
}

// Normalize turns a Violation into the user-facing error. Unmapped keywords
// keep the engine message.
func Normalize(v Violation) domain.FieldError {
	path := v.InstancePath
	if path == "" {
		path = v.SchemaPath
	}
	message := v.Message
	if message == "" {
		message = "Validation error"
	}

	switch v.Keyword {
	case "required":
		message = fmt.Sprintf("Missing required field: %v", v.Params["missingProperty"])
	case "type":
		message = fmt.Sprintf("Invalid type: expected %v", v.Params["type"])
	case "format":
		message = fmt.Sprintf("Invalid format: %v", v.Params["format"])
	case "enum":
		message = "Invalid value: must be one of " + joinValues(v.Params["allowedValues"])
	case "minimum", "maximum":
		message = fmt.Sprintf("Value must be %s %s", v.Keyword, formatLimit(v.Params["limit"]))
	case "minLength":
		message = lastSegment(path, "field") + ": cannot be empty"
	case "minItems":
		message = fmt.Sprintf("%s: must have at least %s item(s)", lastSegment(path, "array"), formatLimit(v.Params["limit"]))
	}
	return domain.FieldError{Message: message, Path: path}
}

// NormalizeAll converts every error of a gojsonschema result.
func NormalizeAll(errs []gojsonschema.ResultError) []domain.FieldError {
	out := make([]domain.FieldError, 0, len(errs))
	for _, e := range errs {
		out = append(out, Normalize(FromResultError(e)))
	}
	return out
}

// instancePointer renders an error context such as "(root).agent.type" as
// "/agent/type"; the root is "".
func instancePointer(ctx *gojsonschema.JsonContext) string {
	if ctx == nil {
		return ""
	}
	s := strings.TrimPrefix(ctx.String("/"), "(root)")
	if s != "" && !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// allowedValues decodes the JSON-quoted, comma-joined list gojsonschema
// reports for enum failures.
func allowedValues(raw any) []any {
	s, ok := raw.(string)
	if !ok {
		return nil
	}
	var out []any
	if err := json.Unmarshal([]byte("["+s+"]"), &out); err != nil {
		return []any{s}
	}
	return out
}

func joinValues(raw any) string {
	values, _ := raw.([]any)
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, ", ")
}

func formatLimit(limit any) string {
	switch n := limit.(type) {
	case nil:
		return ""
	case *big.Rat:
		if n.IsInt() {
			return n.Num().String()
		}
		f, _ := n.Float64()
		return fmt.Sprint(f)
	case *big.Float:
		return n.Text('g', -1)
	case *big.Int:
		return n.String()
	default:
		return fmt.Sprint(n)
	}
}

func lastSegment(path, fallback string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	if path == "" || path == "#" {
		return fallback
	}
	return path
}
