package vectorstore

// Matches reports whether a document satisfies the filter. Implementations
// that evaluate filters client-side (the bundled in-memory store) share this
// logic; server-side backends translate the conditions instead.
func (f *Filter) Matches(doc Document) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !condHolds(doc, c) {
			return false
		}
	}
	if len(f.Should) > 0 {
		any := false
		for _, c := range f.Should {
			if condHolds(doc, c) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, c := range f.MustNot {
		if condHolds(doc, c) {
			return false
		}
	}
	return true
}

func condHolds(doc Document, c Cond) bool {
	actual, exists := doc.Metadata[c.Field]
	if !exists {
		return false
	}
	switch c.Op {
	case OpEqual:
		return valuesEqual(actual, c.Value)
	case OpGreaterThanOrEqual:
		a, aok := asFloat(actual)
		b, bok := asFloat(c.Value)
		return aok && bok && a >= b
	case OpLessThanOrEqual:
		a, aok := asFloat(actual)
		b, bok := asFloat(c.Value)
		return aok && bok && a <= b
	case OpIn:
		values, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range values {
			if valuesEqual(actual, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// valuesEqual compares metadata values, treating all numeric types as
// interchangeable so int64 stored via JSON round-trips still match.
func valuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
