package kit

import (
	"strings"

	"github.com/samber/lo"
)

// ParseSort validates a "field[:asc|desc]" spec against allowed fields.
// An empty value yields an empty field and descending order.
func ParseSort(spec string, allowed []string) (field string, asc bool, err error) {
	if spec == "" {
		return "", false, nil
	}
	parts := strings.Split(spec, ":")
	field = strings.TrimSpace(parts[0])
	dir := lo.TernaryF(len(parts) > 1,
		func() string { return strings.ToLower(strings.TrimSpace(parts[1])) },
		func() string { return "asc" },
	)
	switch dir {
	case "asc":
		asc = true
	case "desc":
		asc = false
	default:
		return "", false, BadRequest("invalid sort direction", dir)
	}
	if !lo.Contains(allowed, field) {
		return "", false, BadRequest("invalid sort field", field)
	}
	return field, asc, nil
}
