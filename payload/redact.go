package payload

// sensitiveKeys hold personal data that WeChat Pay receives encrypted; stored copies
// of a payload keep only the fact that they were present.
var sensitiveKeys = map[string]bool{"name": true}

const redacted = "***"

// Redacted returns a deep copy of p with sensitive values masked. p is not modified.
func (p Payload) Redacted() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		if sensitiveKeys[k] && present(v) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch x := v.(type) {
	case Payload:
		return x.Redacted()
	case []Payload:
		items := make([]Payload, len(x))
		for i := range x {
			items[i] = x[i].Redacted()
		}
		return items
	}
	return v
}
