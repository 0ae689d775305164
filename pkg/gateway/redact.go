package gateway

// Redactor scrubs sensitive values (push tokens, bearer credentials, access
// tokens) before they reach diagnostic output. Operator-designated identities
// on the allow list pass through verbatim.
type Redactor struct {
	allow map[string]struct{}
}

func NewRedactor(allowed []string) *Redactor {
	r := &Redactor{allow: make(map[string]struct{}, len(allowed))}
	for _, a := range allowed {
		r.allow[a] = struct{}{}
	}
	return r
}

// Redact returns the value unchanged if allow-listed, otherwise a short
// prefix followed by a redaction marker. Values too short to keep a safe
// prefix are fully replaced.
func (r *Redactor) Redact(v string) string {
	if r != nil {
		if _, ok := r.allow[v]; ok {
			return v
		}
	}
	if len(v) <= 8 {
		return "[redacted]"
	}
	return v[:4] + "...[redacted]"
}

// Redact is the allow-list-free helper for call sites without operator
// configuration.
func Redact(v string) string {
	return (*Redactor)(nil).Redact(v)
}
