package registry

import (
	"fmt"
)

// Flatten turns a nested node-info bundle into dotted string keys, e.g.
// {"os": {"name": "linux"}} becomes {"os.name": "linux"}. Nil values become
// empty strings.
func Flatten(info map[string]any) map[string]string {
	out := make(map[string]string, len(info))
	flattenInto(out, "", info)
	return out
}

func flattenInto(out map[string]string, prefix string, info map[string]any) {
	for k, v := range info {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenInto(out, key, val)
		case map[string]string:
			for nk, nv := range val {
				out[key+"."+nk] = nv
			}
		default:
			out[key] = stringify(val)
		}
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
