package mixer

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/hashicorp/go-hclog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/goal-eng/api-mutator/internal/swagger"
	"github.com/goal-eng/api-mutator/internal/synonyms"
)

var versionPattern = regexp.MustCompile(`^v\d+$`)

// methodPool are the methods permutePaths may relabel operations with.
var methodPool = []string{"get", "put", "post", "patch"}

// Every permutation seeds its own generator; nothing is drawn from a
// process-global stream, so concurrent builds for different seeds cannot
// interfere and output depends only on (document, seed).
func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// permutePaths replaces path segments with dictionary words, e.g.
// /v1/users/{id}/projects -> /v7/people/{id}/tasks. A canonical token is
// assigned the same replacement everywhere in the document, and no two
// tokens share a replacement. Version segments become v<seed>;
// {placeholder} segments are left alone.
func permutePaths(doc *swagger.Document, seed int64, log hclog.Logger) error {
	rnd := newRand(seed)
	assigned := map[string]string{} // canonical token -> replacement
	used := map[string]bool{}

	permuteOne := func(path string) (string, error) {
		parts := strings.Split(path, "/")
		for i, part := range parts {
			switch {
			case part == "":
			case versionPattern.MatchString(part):
				parts[i] = fmt.Sprintf("v%d", seed)
			case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			default:
				repl, ok := assigned[part]
				if !ok {
					candidates, known := synonyms.For(part)
					if !known {
						log.Warn("no synonyms defined for path token", "token", part)
					}
					rnd.Shuffle(len(candidates), func(a, b int) {
						candidates[a], candidates[b] = candidates[b], candidates[a]
					})
					for _, c := range candidates {
						if !used[c] {
							repl = c
							break
						}
					}
					if repl == "" {
						return "", fmt.Errorf("%w: %q", ErrOutOfSynonyms, part)
					}
					assigned[part] = repl
					used[repl] = true
				}
				parts[i] = repl
			}
		}
		return strings.Join(parts, "/"), nil
	}

	newPaths := orderedmap.New[string, *swagger.PathItem]()
	for p := doc.Paths.Oldest(); p != nil; p = p.Next() {
		permuted, err := permuteOne(p.Key)
		if err != nil {
			return err
		}
		newPaths.Set(permuted, p.Value)
	}
	doc.Paths = newPaths
	return nil
}

// permuteMethods relabels the operations under each path with a drawn
// permutation of the method pool, then moves movable parameters to the
// location the new method implies (query for get, body otherwise).
func permuteMethods(doc *swagger.Document, seed int64, _ hclog.Logger) error {
	rnd := newRand(seed)

	for p := doc.Paths.Oldest(); p != nil; p = p.Next() {
		pool := append([]string(nil), methodPool...)
		rnd.Shuffle(len(pool), func(a, b int) { pool[a], pool[b] = pool[b], pool[a] })

		relabeled := orderedmap.New[string, *swagger.Operation]()
		for m := p.Value.Oldest(); m != nil; m = m.Next() {
			if len(pool) == 0 {
				return fmt.Errorf("path %q has more operations than assignable methods", p.Key)
			}
			method := pool[len(pool)-1]
			pool = pool[:len(pool)-1]
			relabeled.Set(method, m.Value)
		}
		doc.Paths.Set(p.Key, relabeled)

		for m := relabeled.Oldest(); m != nil; m = m.Next() {
			for _, param := range m.Value.Parameters {
				// Path parameters are bound to the template's placeholders
				// and cannot move; headers are method-agnostic.
				if param.In == "header" || param.In == "path" {
					continue
				}
				switch m.Key {
				case "get":
					param.In = "query"
				case "post", "put", "patch":
					param.In = "body"
				}
			}
		}
	}
	return nil
}

// permuteLocations flips query<->header on a deterministic coin for the
// parameters of get operations. A parameter name always ends up in the
// same location across the whole document, and the name is rewritten to
// the convention of its final location.
func permuteLocations(doc *swagger.Document, seed int64, _ hclog.Logger) error {
	rnd := newRand(seed)
	locations := map[string]string{} // canonical name -> final location

	doc.EachOperation(func(_, method string, op *swagger.Operation) {
		if method != "get" {
			return
		}
		for _, param := range op.Parameters {
			in, decided := locations[param.Name]
			if !decided {
				in = param.In
				if rnd.Intn(2) == 0 {
					switch param.In {
					case "query":
						in = "header"
					case "header":
						in = "query"
					}
				}
				locations[param.Name] = in
			}

			param.In = in
			switch in {
			case "header":
				param.Name = headerCase(param.Name)
			case "query":
				param.Name = queryCase(param.Name)
			}
		}
	})
	return nil
}

type wrappedSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// permuteResult wraps every definition schema in an object with a single
// "result" property. The response pipeline wraps payloads the same way;
// the two must not be changed independently.
func permuteResult(doc *swagger.Document, _ int64, _ hclog.Logger) error {
	names := make([]string, 0, doc.Definitions.Len())
	for p := doc.Definitions.Oldest(); p != nil; p = p.Next() {
		names = append(names, p.Key)
	}
	for _, name := range names {
		original, _ := doc.Definitions.Get(name)
		wrapped, err := json.Marshal(wrappedSchema{
			Type:       "object",
			Properties: map[string]json.RawMessage{"result": original},
		})
		if err != nil {
			return fmt.Errorf("definition %q: %w", name, err)
		}
		doc.Definitions.Set(name, json.RawMessage(wrapped))
	}
	return nil
}

// permuteFormats draws a media type per operation and writes it into
// produces/consumes. The pipeline's codecs honor the drawn type.
func permuteFormats(doc *swagger.Document, seed int64, _ hclog.Logger) error {
	rnd := newRand(seed)
	doc.EachOperation(func(_, _ string, op *swagger.Operation) {
		f := Formats[rnd.Intn(len(Formats))]
		op.Produces = []string{f.Name}
		op.Consumes = []string{f.Name}
	})
	return nil
}

// headerCase renders a parameter name in header convention:
// organization_memberships -> Organization-Memberships.
func headerCase(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, "-")
}

// queryCase renders a parameter name in query convention: hyphens are
// stripped, then CamelCase humps become snake_case.
func queryCase(name string) string {
	name = strings.ReplaceAll(name, "-", "")
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && name[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
