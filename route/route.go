// Package route resolves path templates with :name placeholders and maps
// route patterns to redirect targets.
//
// A placeholder is a ':' followed by the longest run of [A-Za-z0-9_], so
// ":id" never matches a prefix of ":idExtra".
package route

import (
	"fmt"
	"net/http"
	"strings"
)

func isNameByte(b byte) bool {
	return b == '_' ||
		('a' <= b && b <= 'z') ||
		('A' <= b && b <= 'Z') ||
		('0' <= b && b <= '9')
}

// nameEnd returns the index just past the placeholder name starting at i.
func nameEnd(s string, i int) int {
	for i < len(s) && isNameByte(s[i]) {
		i++
	}
	return i
}

// Substitute replaces every :name placeholder in template with
// params[name], or with the empty string when name is absent. Values are
// inserted literally. A ':' not followed by a name character is kept.
func Substitute(template string, params map[string]string) string {
	if strings.IndexByte(template, ':') < 0 {
		return template
	}
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		if template[i] != ':' {
			b.WriteByte(template[i])
			i++
			continue
		}
		end := nameEnd(template, i+1)
		if end == i+1 {
			b.WriteByte(':')
			i++
			continue
		}
		b.WriteString(params[template[i+1:end]])
		i = end
	}
	return b.String()
}

// Names returns the placeholder names of template in order of first
// appearance.
func Names(template string) []string {
	var names []string
	seen := make(map[string]bool)
	for i := 0; i < len(template); i++ {
		if template[i] != ':' {
			continue
		}
		end := nameEnd(template, i+1)
		if end == i+1 {
			continue
		}
		if n := template[i+1 : end]; !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
		i = end - 1
	}
	return names
}

func segments(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

// capture reports the parameter name when seg is a whole-segment
// placeholder such as ":id".
func capture(seg string) (string, bool) {
	if len(seg) < 2 || seg[0] != ':' || nameEnd(seg, 1) != len(seg) {
		return "", false
	}
	return seg[1:], true
}

// Match matches path against pattern segment by segment. A pattern segment
// of the form :name captures the corresponding non-empty path segment.
// Leading and trailing slashes are ignored.
func Match(pattern, path string) (map[string]string, bool) {
	ps, xs := segments(pattern), segments(path)
	if len(ps) != len(xs) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range ps {
		if name, ok := capture(seg); ok {
			if xs[i] == "" {
				return nil, false
			}
			params[name] = xs[i]
			continue
		}
		if seg != xs[i] {
			return nil, false
		}
	}
	return params, true
}

// Redirect sends requests for routes matching From to the To template,
// filled with the parameters captured from From.
type Redirect struct {
	From string
	To   string
}

// Validate checks that every placeholder in To is captured by From.
func (r Redirect) Validate() error {
	captured := make(map[string]bool)
	for _, seg := range segments(r.From) {
		if name, ok := capture(seg); ok {
			captured[name] = true
		}
	}
	for _, n := range Names(r.To) {
		if !captured[n] {
			return fmt.Errorf("route: redirect %q -> %q: placeholder :%s is not captured", r.From, r.To, n)
		}
	}
	return nil
}

// Table is an ordered list of redirects; the first match wins.
type Table []Redirect

// NewTable validates rs and returns them as a Table.
func NewTable(rs ...Redirect) (Table, error) {
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return Table(rs), nil
}

// Resolve returns the redirect target for path.
func (t Table) Resolve(path string) (string, bool) {
	for _, r := range t {
		if params, ok := Match(r.From, path); ok {
			return Substitute(r.To, params), true
		}
	}
	return "", false
}

// Navigator performs a replacing navigation: the original route does not
// stay in the history.
type Navigator interface {
	Replace(path string)
}

// Navigate resolves path and, on a match, replaces it through nav.
func (t Table) Navigate(path string, nav Navigator) bool {
	target, ok := t.Resolve(path)
	if ok {
		nav.Replace(target)
	}
	return ok
}

// Handler answers requests for redirected routes with 307 Temporary
// Redirect, preserving the query string, and passes the rest to next.
func (t Table) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target, ok := t.Resolve(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	})
}
