// Package mixer builds the per-user permuted view of a Swagger document
// and resolves observed permuted parameters back to their canonical
// counterparts. A built mixer is immutable; all randomness is drawn from
// generators seeded with the user's seed, so output is byte-identical
// across runs and safe to build concurrently for different seeds.
package mixer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/goal-eng/api-mutator/internal/store"
	"github.com/goal-eng/api-mutator/internal/swagger"
	"github.com/goal-eng/api-mutator/internal/upstream"
)

var (
	// ErrOutOfSynonyms means the engine could not assign a unique
	// replacement for a path token.
	ErrOutOfSynonyms = errors.New("out of synonyms")

	// ErrUnknownParameter means an observed parameter matched nothing in
	// the permuted document.
	ErrUnknownParameter = errors.New("unknown parameter")
)

// Meta carries the identity the mixer was built for: the local account
// and the upstream user record fetched once at construction.
type Meta struct {
	User     *store.User
	UserData *upstream.UserRecord
}

// Options selects the optional pipeline stages.
type Options struct {
	PermuteMethods bool
	PermuteFormats bool
}

type stage struct {
	name string
	run  func(doc *swagger.Document, seed int64, log hclog.Logger) error
}

// Pipeline is the ordered list of permutations applied to a document
// copy. Order matters: paths first, then method relabeling (opt-in),
// then parameter locations, then result shaping, then media types.
type Pipeline struct {
	log    hclog.Logger
	stages []stage
}

// NewPipeline assembles the standard pipeline for the given options.
func NewPipeline(opts Options, log hclog.Logger) *Pipeline {
	stages := []stage{{"permute_paths", permutePaths}}
	if opts.PermuteMethods {
		stages = append(stages, stage{"permute_methods", permuteMethods})
	}
	stages = append(stages, stage{"permute_locations", permuteLocations})
	stages = append(stages, stage{"permute_result", permuteResult})
	if opts.PermuteFormats {
		stages = append(stages, stage{"permute_formats", permuteFormats})
	}
	return &Pipeline{log: log, stages: stages}
}

func (p *Pipeline) apply(doc *swagger.Document, seed int64) error {
	for _, s := range p.stages {
		if err := s.run(doc, seed, p.log.With("stage", s.name)); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Mixer bundles the canonical document, its permuted counterpart, and
// the positional parameter bijection between them.
type Mixer struct {
	Seed      int64
	Canonical *swagger.Document
	Permuted  *swagger.Document

	// CanonParams[i] corresponds to PermParams[i].
	CanonParams []Parameter
	PermParams  []Parameter

	Meta *Meta

	permPatterns []pathPattern
}

type pathPattern struct {
	template string
	re       *regexp.Regexp
}

// Build deep-copies the canonical document, applies the pipeline under
// seed, and derives the parallel parameter lists by walking both
// documents in identical traversal order.
func Build(canonical *swagger.Document, seed int64, pipeline *Pipeline, meta *Meta) (*Mixer, error) {
	permuted, err := canonical.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone swagger: %w", err)
	}
	if err := pipeline.apply(permuted, seed); err != nil {
		return nil, err
	}

	canonParams := ParamsOf(canonical)
	permParams := ParamsOf(permuted)
	if len(canonParams) != len(permParams) {
		return nil, fmt.Errorf("parameter lists diverged: %d canonical vs %d permuted", len(canonParams), len(permParams))
	}

	m := &Mixer{
		Seed:        seed,
		Canonical:   canonical,
		Permuted:    permuted,
		CanonParams: canonParams,
		PermParams:  permParams,
		Meta:        meta,
	}
	for p := permuted.Paths.Oldest(); p != nil; p = p.Next() {
		pp := pathPattern{template: p.Key}
		if strings.Contains(p.Key, "{") {
			pp.re, _ = compilePathPattern(p.Key)
		}
		m.permPatterns = append(m.permPatterns, pp)
	}
	return m, nil
}

// Reverse resolves an observed permuted parameter to its defining
// permuted record (needed for its path pattern) and the canonical
// counterpart. First match in document order wins.
func (m *Mixer) Reverse(observed Parameter) (def, canonical Parameter, err error) {
	for i, pp := range m.PermParams {
		if pp.Match(observed) {
			return pp, m.CanonParams[i], nil
		}
	}
	return Parameter{}, Parameter{}, fmt.Errorf("%w: %s", ErrUnknownParameter, observed)
}

// PermutedOperation finds the permuted operation serving a concrete
// observed path and method, resolving templated paths via their
// patterns. Used for media-type decisions before reversal.
func (m *Mixer) PermutedOperation(method, concretePath string) (*swagger.Operation, bool) {
	for _, pp := range m.permPatterns {
		if pp.template == concretePath || (pp.re != nil && pp.re.MatchString(concretePath)) {
			if op, ok := m.Permuted.Operation(pp.template, method); ok {
				return op, true
			}
		}
	}
	return nil, false
}
