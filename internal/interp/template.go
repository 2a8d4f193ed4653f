package interp

import (
	"fmt"
	"regexp"
	"strings"
)

// Template variables use the `<%= name %>` form, whitespace-tolerant
// inside the delimiters. Rendering is plain substitution: deterministic,
// no conditionals, no loops.
var templateVarRegex = regexp.MustCompile(`<%=\s*([A-Za-z_][A-Za-z0-9_]*)\s*%>`)

// RenderTemplate substitutes vars into src. Referencing a variable that
// was not provided is a render error; nothing is written remotely when
// rendering fails.
func RenderTemplate(src string, vars map[string]interface{}) (string, error) {
	var missing []string
	rendered := templateVarRegex.ReplaceAllStringFunc(src, func(match string) string {
		name := templateVarRegex.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template references undefined variables: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}
