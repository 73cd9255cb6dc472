package mixer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/goal-eng/api-mutator/internal/swagger"
)

// Field is one component of a Parameter. A wildcard field matches any
// concrete value; it records operations that have no parameters so the
// (path, method) pair is still indexed.
type Field struct {
	Value    string
	Wildcard bool
}

// F builds a concrete field.
func F(s string) Field { return Field{Value: s} }

// Any is the wildcard field.
var Any = Field{Wildcard: true}

// Match reports field equality: wildcard on either side matches,
// otherwise comparison is case-insensitive.
func (f Field) Match(o Field) bool {
	if f.Wildcard || o.Wildcard {
		return true
	}
	return strings.EqualFold(f.Value, o.Value)
}

func (f Field) String() string {
	if f.Wildcard {
		return "*"
	}
	return f.Value
}

var placeholderPattern = regexp.MustCompile(`\{([^{}/]+)\}`)

// Parameter identifies a named, located input to an operation. Paths
// containing {placeholder} segments carry a compiled pattern so they can
// match (and capture from) concrete observed paths.
type Parameter struct {
	Path   string
	Method Field
	In     Field
	Name   Field

	rePath   *regexp.Regexp
	pathVars []string
}

// NewParameter builds a Parameter, compiling the path pattern when the
// path is templated.
func NewParameter(path string, method, in, name Field) Parameter {
	p := Parameter{Path: path, Method: method, In: in, Name: name}
	if strings.Contains(path, "{") {
		p.rePath, p.pathVars = compilePathPattern(path)
	}
	return p
}

// compilePathPattern turns /v1/users/{id} into ^/v1/users/([^/]+?)$ and
// returns the placeholder names in order. Indexed groups are used rather
// than named ones so placeholder names are not restricted to regexp
// group syntax.
func compilePathPattern(path string) (*regexp.Regexp, []string) {
	var b strings.Builder
	var vars []string
	b.WriteString("(?i)^")
	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(path, -1) {
		b.WriteString(regexp.QuoteMeta(path[last:loc[0]]))
		b.WriteString("([^/]+?)")
		vars = append(vars, path[loc[2]:loc[3]])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(path[last:]))
	b.WriteString("$")
	return regexp.MustCompile(b.String()), vars
}

// Match implements Parameter equality: non-path fields match per Field
// rules; paths match either verbatim (case-insensitive) or when one
// side's placeholder pattern accepts the other side.
func (p Parameter) Match(o Parameter) bool {
	if !p.Method.Match(o.Method) || !p.In.Match(o.In) || !p.Name.Match(o.Name) {
		return false
	}
	if strings.EqualFold(p.Path, o.Path) {
		return true
	}
	if p.rePath != nil && p.rePath.MatchString(o.Path) {
		return true
	}
	if o.rePath != nil && o.rePath.MatchString(p.Path) {
		return true
	}
	return false
}

// ExtractPathVars binds this parameter's path placeholders against a
// concrete observed path. Returns nil when the path is not templated or
// does not match.
func (p Parameter) ExtractPathVars(concrete string) map[string]string {
	if p.rePath == nil {
		return nil
	}
	m := p.rePath.FindStringSubmatch(concrete)
	if m == nil {
		return nil
	}
	vars := make(map[string]string, len(p.pathVars))
	for i, name := range p.pathVars {
		vars[name] = m[i+1]
	}
	return vars
}

func (p Parameter) String() string {
	return fmt.Sprintf("(%s %s in=%s name=%s)", strings.ToUpper(p.Method.String()), p.Path, p.In, p.Name)
}

// ParamsOf walks a document in traversal order (paths as listed, methods
// in document order, parameters in declaration order) and derives one
// Parameter per parameter spec. An operation without parameters yields a
// single wildcard record so its (path, method) stays reachable.
func ParamsOf(doc *swagger.Document) []Parameter {
	var out []Parameter
	doc.EachOperation(func(path, method string, op *swagger.Operation) {
		if len(op.Parameters) == 0 {
			out = append(out, NewParameter(path, F(method), Any, Any))
			return
		}
		for _, sp := range op.Parameters {
			out = append(out, NewParameter(path, F(method), F(sp.In), F(sp.Name)))
		}
	})
	return out
}
