package runbook

import (
	"os"
	"strings"
)

// Interpolate expands ${name} references in s from vars, falling back to the
// process environment. Unknown references expand to the empty string.
func Interpolate(s string, vars map[string]string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
}

// MergeVars layers override on top of base without mutating either.
func MergeVars(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// ArgsToVars zips declared arg names with positional values into a var map.
// Extra values are joined into the last declared arg.
func ArgsToVars(decl []string, values []string) map[string]string {
	if len(decl) == 0 {
		return nil
	}
	vars := make(map[string]string, len(decl))
	for i, name := range decl {
		switch {
		case i == len(decl)-1 && len(values) > len(decl):
			vars[name] = strings.Join(values[i:], " ")
		case i < len(values):
			vars[name] = values[i]
		default:
			vars[name] = ""
		}
	}
	return vars
}
