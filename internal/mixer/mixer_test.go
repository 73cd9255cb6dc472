package mixer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goal-eng/api-mutator/internal/swagger"
	"github.com/goal-eng/api-mutator/internal/synonyms"
)

const fixtureFile = "../../data/hubstaff.v1.swagger.json"

func loadFixture(t *testing.T) *swagger.Document {
	t.Helper()
	doc, err := swagger.LoadFile(fixtureFile)
	require.NoError(t, err)
	return doc
}

func buildMixer(t *testing.T, seed int64, opts Options) *Mixer {
	t.Helper()
	m, err := Build(loadFixture(t), seed, NewPipeline(opts, hclog.NewNullLogger()), nil)
	require.NoError(t, err)
	return m
}

func TestBuildDeterministic(t *testing.T) {
	first := buildMixer(t, 7, Options{})
	second := buildMixer(t, 7, Options{})

	a, err := json.Marshal(first.Permuted)
	require.NoError(t, err)
	b, err := json.Marshal(second.Permuted)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b), "same seed must produce a byte-identical permuted document")

	other := buildMixer(t, 8, Options{})
	c, err := json.Marshal(other.Permuted)
	require.NoError(t, err)
	assert.NotEqual(t, string(a), string(c), "different seeds should diverge")
}

func TestBuildConcurrentSeeds(t *testing.T) {
	baseline := map[int64]string{}
	for seed := int64(1); seed <= 8; seed++ {
		data, err := json.Marshal(buildMixer(t, seed, Options{}).Permuted)
		require.NoError(t, err)
		baseline[seed] = string(data)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	got := map[int64]string{}
	errs := map[int64]error{}
	pipe := NewPipeline(Options{}, hclog.NewNullLogger())
	for seed := int64(1); seed <= 8; seed++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			doc, err := swagger.LoadFile(fixtureFile)
			if err == nil {
				var m *Mixer
				if m, err = Build(doc, seed, pipe, nil); err == nil {
					var data []byte
					if data, err = json.Marshal(m.Permuted); err == nil {
						mu.Lock()
						got[seed] = string(data)
						mu.Unlock()
						return
					}
				}
			}
			mu.Lock()
			errs[seed] = err
			mu.Unlock()
		}(seed)
	}
	wg.Wait()

	require.Empty(t, errs)
	for seed := int64(1); seed <= 8; seed++ {
		assert.Equal(t, baseline[seed], got[seed], "concurrent build for seed %d must match sequential build", seed)
	}
}

func TestPermutePathsTokenMapping(t *testing.T) {
	m := buildMixer(t, 3, Options{})

	// Collect canonical path -> permuted path in document order.
	var canonPaths, permPaths []string
	for p := m.Canonical.Paths.Oldest(); p != nil; p = p.Next() {
		canonPaths = append(canonPaths, p.Key)
	}
	for p := m.Permuted.Paths.Oldest(); p != nil; p = p.Next() {
		permPaths = append(permPaths, p.Key)
	}
	require.Equal(t, len(canonPaths), len(permPaths))

	assigned := map[string]string{}
	used := map[string]string{}
	for i := range canonPaths {
		canonParts := strings.Split(canonPaths[i], "/")
		permParts := strings.Split(permPaths[i], "/")
		require.Equal(t, len(canonParts), len(permParts),
			"segment count must survive permutation: %s -> %s", canonPaths[i], permPaths[i])

		for j := range canonParts {
			token, repl := canonParts[j], permParts[j]
			switch {
			case token == "":
				assert.Equal(t, "", repl)
			case token == "v1":
				assert.Equal(t, "v3", repl, "version segment becomes v<seed>")
			case strings.HasPrefix(token, "{"):
				assert.Equal(t, token, repl, "placeholders are never renamed")
			default:
				if prev, ok := assigned[token]; ok {
					assert.Equal(t, prev, repl, "token %q must map identically everywhere", token)
				} else {
					assigned[token] = repl
					if owner, taken := used[repl]; taken {
						t.Errorf("replacement %q assigned to both %q and %q", repl, owner, token)
					}
					used[repl] = token
				}
				candidates, _ := synonyms.For(token)
				assert.Contains(t, candidates, repl, "replacement for %q must come from its dictionary entry", token)
			}
		}
	}
}

func TestParameterBijection(t *testing.T) {
	m := buildMixer(t, 11, Options{})
	require.Equal(t, len(m.CanonParams), len(m.PermParams))
	require.NotEmpty(t, m.CanonParams)

	for i, perm := range m.PermParams {
		def, canonical, err := m.Reverse(perm)
		require.NoError(t, err, "permuted parameter %s must reverse", perm)
		assert.Equal(t, m.PermParams[i], def, "reversal of %s must hit its own defining record", perm)
		assert.Equal(t, m.CanonParams[i], canonical,
			"reversal of %s must land on the positionally paired canonical parameter", perm)
	}
}

func TestReverseUnknownParameter(t *testing.T) {
	m := buildMixer(t, 11, Options{})
	_, _, err := m.Reverse(NewParameter("/v11/nowhere", F("get"), F("query"), F("bogus")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownParameter)
}

func TestLocationPersistence(t *testing.T) {
	for seed := int64(1); seed <= 6; seed++ {
		m := buildMixer(t, seed, Options{})

		final := map[string]string{} // canonical name -> permuted location
		for i, cp := range m.CanonParams {
			if cp.Method.Value != "get" {
				continue
			}
			in := cp.In.Value
			if in != "query" && in != "header" {
				continue
			}
			permIn := m.PermParams[i].In.Value
			if prev, ok := final[cp.Name.Value]; ok {
				assert.Equal(t, prev, permIn,
					"seed %d: parameter %q must live in one location across the document", seed, cp.Name.Value)
			} else {
				final[cp.Name.Value] = permIn
			}
			assert.Contains(t, []string{"query", "header"}, permIn)
		}
	}
}

func TestLocationNameConventions(t *testing.T) {
	m := buildMixer(t, 5, Options{})
	for i, cp := range m.CanonParams {
		if cp.Method.Value != "get" {
			continue
		}
		pp := m.PermParams[i]
		switch pp.In.Value {
		case "header":
			assert.NotContains(t, pp.Name.Value, "_",
				"header-located parameter %q should use Header-Case", pp.Name.Value)
		case "query":
			assert.Equal(t, strings.ToLower(pp.Name.Value), pp.Name.Value,
				"query-located parameter %q should be lowercase", pp.Name.Value)
			assert.NotContains(t, pp.Name.Value, "-")
		}
	}
}

func TestResultWrapping(t *testing.T) {
	m := buildMixer(t, 2, Options{})

	count := 0
	for p := m.Permuted.Definitions.Oldest(); p != nil; p = p.Next() {
		count++
		var schema struct {
			Type       string                     `json:"type"`
			Properties map[string]json.RawMessage `json:"properties"`
		}
		require.NoError(t, json.Unmarshal(p.Value, &schema), "definition %q", p.Key)
		assert.Equal(t, "object", schema.Type, "definition %q must become a wrapper object", p.Key)
		require.Len(t, schema.Properties, 1, "definition %q must expose only the result property", p.Key)
		assert.Contains(t, schema.Properties, "result")
	}
	assert.Equal(t, m.Canonical.Definitions.Len(), count)
}

func TestPermuteMethodsOption(t *testing.T) {
	m := buildMixer(t, 9, Options{PermuteMethods: true})

	canonOps := map[string]int{}
	m.Canonical.EachOperation(func(path, _ string, _ *swagger.Operation) { canonOps[path]++ })
	permOps := 0
	m.Permuted.EachOperation(func(_, method string, op *swagger.Operation) {
		permOps++
		assert.Contains(t, methodPool, method)
		for _, param := range op.Parameters {
			if param.In == "path" {
				continue
			}
			switch method {
			case "get":
				// The location stage may still flip query<->header afterwards.
				assert.Contains(t, []string{"query", "header"}, param.In,
					"get operations carry their inputs in the query string or headers")
			case "post", "put", "patch":
				assert.Contains(t, []string{"body", "header"}, param.In,
					"write operations carry their non-header inputs in the body")
			}
		}
	})

	total := 0
	for _, n := range canonOps {
		total += n
	}
	assert.Equal(t, total, permOps, "relabeling must not add or drop operations")

	// The positional pairing must survive method relabeling too.
	require.Equal(t, len(m.CanonParams), len(m.PermParams))
}

func TestPermuteFormatsOption(t *testing.T) {
	m := buildMixer(t, 4, Options{PermuteFormats: true})
	m.Permuted.EachOperation(func(path, method string, op *swagger.Operation) {
		require.Len(t, op.Produces, 1, "%s %s", method, path)
		_, ok := FormatByName(op.Produces[0])
		assert.True(t, ok, "%s %s declares unsupported media type %q", method, path, op.Produces[0])
		assert.Equal(t, op.Produces, op.Consumes)
	})
}

func TestPermutedOperationTemplatedPath(t *testing.T) {
	m := buildMixer(t, 6, Options{})

	// Locate the permuted counterpart of GET /v1/users/{id}.
	var permPath, permMethod string
	for i, cp := range m.CanonParams {
		if cp.Path == "/v1/users/{id}" && cp.Name.Value == "id" {
			permPath = m.PermParams[i].Path
			permMethod = m.PermParams[i].Method.Value
			break
		}
	}
	require.NotEmpty(t, permPath)

	concrete := strings.ReplaceAll(permPath, "{id}", "42")
	op, ok := m.PermutedOperation(permMethod, concrete)
	require.True(t, ok, "concrete path %q should resolve through the template", concrete)
	assert.NotEmpty(t, op.Parameters)

	_, ok = m.PermutedOperation(permMethod, "/nope/nope")
	assert.False(t, ok)
}

func TestHeaderCase(t *testing.T) {
	assert.Equal(t, "Organization-Memberships", headerCase("organization_memberships"))
	assert.Equal(t, "Page-Limit", headerCase("page_limit"))
	assert.Equal(t, "App-Token", headerCase("App-Token"))
	assert.Equal(t, "Offset", headerCase("offset"))
}

func TestQueryCase(t *testing.T) {
	assert.Equal(t, "app_token", queryCase("App-Token"))
	assert.Equal(t, "page_limit", queryCase("page_limit"))
	assert.Equal(t, "organization_memberships", queryCase("organization_memberships"))
	assert.Equal(t, "offset", queryCase("offset"))
}

func TestBuildSeedNamespacesPaths(t *testing.T) {
	for _, seed := range []int64{1, 12, 345} {
		m := buildMixer(t, seed, Options{})
		prefix := fmt.Sprintf("/v%d/", seed)
		for p := m.Permuted.Paths.Oldest(); p != nil; p = p.Next() {
			assert.True(t, strings.HasPrefix(p.Key, prefix),
				"permuted path %q must live under the seed's version namespace", p.Key)
		}
	}
}
