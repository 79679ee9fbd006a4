package filter

// Project returns a copy of payload containing only fields. Dot-separated paths
// are resolved into nested objects and keyed by the path as requested.
// An empty field list, or a payload that is not an object, returns payload unchanged.
func Project(payload any, fields []string) any {
	if len(fields) == 0 {
		return payload
	}
	row, ok := payload.(map[string]any)
	if !ok {
		return payload
	}

	projected := make(map[string]any, len(fields))
	for _, field := range fields {
		if value, exists := Lookup(row, field); exists {
			projected[field] = value
		}
	}
	return projected
}
