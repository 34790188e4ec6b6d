package questionnaire

import (
	"encoding/json"
)

// validateStep checks raw against the step schema and returns the cleaned
// value map. Unknown payload fields are dropped; only schema fields are ever
// committed. A nil error means every field passed.
func validateStep(desc StepDescriptor, raw []byte) (map[string]interface{}, *ValidationError) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"_body": CodeInvalidType}}
	}

	cleaned := make(map[string]interface{}, len(desc.Schema))
	errs := make(map[string]string)
	for name, spec := range desc.Schema {
		v, present := payload[name]
		if !present || v == nil {
			if spec.Required {
				errs[name] = CodeRequired
			}
			continue
		}
		if code := checkField(spec, v); code != "" {
			errs[name] = code
			continue
		}
		cleaned[name] = normalize(spec, v)
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	return cleaned, nil
}

func checkField(spec FieldSpec, v interface{}) string {
	switch spec.Type {
	case FieldInt:
		f, ok := v.(float64)
		if !ok || f != float64(int(f)) {
			return CodeInvalidType
		}
		n := int(f)
		if n < spec.Min || n > spec.Max {
			return CodeOutOfRange
		}
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return CodeInvalidType
		}
		if spec.MaxLen > 0 && len(s) > spec.MaxLen {
			return CodeTooLong
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return CodeInvalidType
		}
	case FieldChoice:
		s, ok := v.(string)
		if !ok {
			return CodeInvalidType
		}
		for _, c := range spec.Choices {
			if s == c {
				return ""
			}
		}
		return CodeInvalidChoice
	default:
		return CodeInvalidType
	}
	return ""
}

// normalize converts JSON numbers to int for int fields so committed values
// compare cleanly.
func normalize(spec FieldSpec, v interface{}) interface{} {
	if spec.Type == FieldInt {
		return int(v.(float64))
	}
	return v
}
