package resolver

// Document is a decoded JSON object describing an order or execution item.
type Document map[string]any

// Lookup walks nested objects by key. A missing key, a null value or a
// non-object along the path reports false.
func (d Document) Lookup(path ...string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range path {
		var obj map[string]any
		switch v := cur.(type) {
		case map[string]any:
			obj = v
		case Document:
			obj = v
		default:
			return nil, false
		}
		next, ok := obj[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

// String returns the value at path when it is a JSON string.
func (d Document) String(path ...string) (string, bool) {
	v, ok := d.Lookup(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Number returns the value at path when it is a JSON number.
func (d Document) Number(path ...string) (float64, bool) {
	v, ok := d.Lookup(path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
