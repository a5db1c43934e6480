package executor

import (
	"path"
	"strings"
)

// role is the part of the web app a file plays.
type role string

const (
	roleRequirements role = "requirements"
	roleHTML         role = "html"
	roleCSS          role = "css"
	roleJS           role = "js"
	roleBackend      role = "backend"
)

var defaultPaths = map[role]string{
	roleRequirements: "requirements.txt",
	roleHTML:         "templates/index.html",
	roleCSS:          "static/style.css",
	roleJS:           "static/script.js",
	roleBackend:      "app.py",
}

// keywordTable is checked in order; the first category with a hit wins.
var keywordTable = []struct {
	role     role
	keywords []string
}{
	{roleRequirements, []string{"requirements", "modulenotfounderror", "no module named", "pip install"}},
	{roleHTML, []string{"missing:", "selector", "html", "jinja", "templatenotfound"}},
	{roleCSS, []string{"css", "stylesheet"}},
	{roleJS, []string{"console error", "uncaught", "typeerror", "referenceerror", "syntaxerror", "javascript"}},
	{roleBackend, []string{"backend", "traceback", "flask", "/chat", "internal server error"}},
}

// siblingRoles links each role to the files that usually break with it.
var siblingRoles = map[role][]role{
	roleHTML:         {roleCSS, roleJS, roleBackend},
	roleJS:           {roleHTML, roleBackend},
	roleCSS:          {roleHTML},
	roleBackend:      {roleHTML, roleRequirements},
	roleRequirements: {roleBackend},
}

func roleOf(rel string) role {
	base := strings.ToLower(path.Base(rel))
	switch {
	case base == "requirements.txt":
		return roleRequirements
	case strings.HasSuffix(base, ".html"), strings.HasSuffix(base, ".htm"):
		return roleHTML
	case strings.HasSuffix(base, ".css"):
		return roleCSS
	case strings.HasSuffix(base, ".js"):
		return roleJS
	default:
		return roleBackend
	}
}

// resolveRole maps a role to a required file, falling back to the default layout.
func resolveRole(r role, required []string) string {
	var match string
	for _, f := range required {
		if roleOf(f) != r {
			continue
		}
		if r == roleBackend && !strings.HasSuffix(strings.ToLower(f), ".py") {
			continue
		}
		if path.Base(f) == path.Base(defaultPaths[r]) {
			return f
		}
		if match == "" {
			match = f
		}
	}
	if match != "" {
		return match
	}
	return defaultPaths[r]
}

// DetectTarget picks the single file an error bundle most likely points at.
// An explicit mention of a required file wins; then keyword categories in
// order (requirements, HTML, CSS, JS, backend); unknown errors map to the
// backend file.
func DetectTarget(bundle string, required []string) string {
	lower := strings.ToLower(bundle)

	for _, f := range required {
		if strings.Contains(lower, strings.ToLower(f)) {
			return f
		}
	}
	for _, f := range required {
		if strings.Contains(lower, strings.ToLower(path.Base(f))) {
			return f
		}
	}

	for _, cat := range keywordTable {
		for _, kw := range cat.keywords {
			if strings.Contains(lower, kw) {
				return resolveRole(cat.role, required)
			}
		}
	}
	return resolveRole(roleBackend, required)
}

// Siblings returns the files linked to target, in link-table order.
func Siblings(target string, required []string) []string {
	var out []string
	for _, r := range siblingRoles[roleOf(target)] {
		if f := resolveRole(r, required); f != target {
			out = append(out, f)
		}
	}
	return out
}
