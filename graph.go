package modkit

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/meigma/modkit/internal/fileops"
	"github.com/meigma/modkit/internal/modtype"
	"github.com/meigma/modkit/internal/sizing"
)

// node is one directive in the execution graph. Dependencies are indices
// into graph.nodes, never pointers.
type node struct {
	index      int
	id         string
	path       string // cleaned output path
	d          modtype.Directive
	deps       []int
	dependents []int
}

// graph is the validated directive graph of a manifest.
type graph struct {
	nodes []*node

	// sources indexes manifest source archives by hash.
	sources map[modtype.ContentHash]modtype.SourceArchive

	// producers maps an output hash to the first directive producing it.
	producers map[modtype.ContentHash]int
}

// buildGraph validates m, assigns directive ids, links dependencies and
// rejects cycles. Nothing is executed.
func buildGraph(m *modtype.Manifest) (*graph, error) {
	g := &graph{
		nodes:     make([]*node, len(m.Directives)),
		sources:   make(map[modtype.ContentHash]modtype.SourceArchive, len(m.Sources)),
		producers: make(map[modtype.ContentHash]int, len(m.Directives)),
	}
	for _, src := range m.Sources {
		if _, err := sizing.ToInt64(src.Size); err != nil {
			return nil, fmt.Errorf("%w: source %s: size %d: %w", modtype.ErrInvalidManifest, src.Hash, src.Size, err)
		}
		if prev, dup := g.sources[src.Hash]; dup && prev.Size != src.Size {
			return nil, fmt.Errorf("%w: source %s listed with sizes %d and %d", modtype.ErrInvalidManifest, src.Hash, prev.Size, src.Size)
		}
		g.sources[src.Hash] = src
	}

	ids := make(map[string]int, len(m.Directives))
	paths := make(map[string]int, len(m.Directives))
	for i := range m.Directives {
		n, err := newNode(i, m.Directives[i])
		if err != nil {
			return nil, err
		}
		if prev, dup := ids[n.id]; dup {
			return nil, fmt.Errorf("%w: directives %d and %d share id %s", modtype.ErrInvalidManifest, prev, i, n.id)
		}
		ids[n.id] = i
		key := fileops.FoldKey(n.path)
		if prev, dup := paths[key]; dup {
			return nil, fmt.Errorf("%w: directives %s and %s both write %s", modtype.ErrInvalidManifest, g.nodes[prev].id, n.id, n.path)
		}
		paths[key] = i
		if _, ok := g.producers[n.d.Hash]; !ok {
			g.producers[n.d.Hash] = i
		}
		g.nodes[i] = n
	}
	if m.Data == nil {
		for _, n := range g.nodes {
			if n.d.Kind == modtype.KindPatchFromArchive || n.d.Kind == modtype.KindInlineBytes {
				return nil, fmt.Errorf("%w: directive %s needs bundled data but the manifest has none", modtype.ErrInvalidManifest, n.id)
			}
		}
	}

	for _, n := range g.nodes {
		for _, in := range n.d.Inputs() {
			if _, ok := g.sources[in.Archive]; ok {
				continue
			}
			p, ok := g.producers[in.Archive]
			if !ok {
				// Unknown archives fail at resolution with ErrNotFound.
				continue
			}
			if !slices.Contains(n.deps, p) {
				n.deps = append(n.deps, p)
				g.nodes[p].dependents = append(g.nodes[p].dependents, n.index)
			}
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func newNode(i int, d modtype.Directive) (*node, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: directive %d (%s): %s", modtype.ErrInvalidManifest, i, d.To, fmt.Sprintf(format, args...))
	}

	p, err := fileops.CleanPath(d.To)
	if err != nil {
		return nil, invalid("output path: %v", err)
	}
	if _, err := sizing.ToInt64(d.Size); err != nil {
		return nil, invalid("size %d: %v", d.Size, err)
	}
	switch d.Kind {
	case modtype.KindCopyFromArchive, modtype.KindTranscode:
	case modtype.KindPatchFromArchive:
		if d.PatchID == uuid.Nil {
			return nil, invalid("missing patch id")
		}
	case modtype.KindInlineBytes:
		if d.DataID == uuid.Nil {
			return nil, invalid("missing data id")
		}
	case modtype.KindBuildContainer:
		if d.Container.Format == "" {
			return nil, invalid("missing container format")
		}
		for _, e := range d.Container.Entries {
			if _, err := fileops.CleanPath(e.Name); err != nil {
				return nil, invalid("container entry: %v", err)
			}
		}
	default:
		return nil, invalid("unknown kind %d", d.Kind)
	}

	id := d.ID
	if id == "" {
		if id, err = DirectiveID(&d); err != nil {
			return nil, invalid("%v", err)
		}
	}
	return &node{index: i, id: id, path: p, d: d}, nil
}

// checkAcyclic runs Kahn's algorithm and reports the directives left on a
// cycle or downstream of one. A directive reading its own output is a cycle
// of one.
func (g *graph) checkAcyclic() error {
	indegree := make([]int, len(g.nodes))
	queue := make([]int, 0, len(g.nodes))
	for i, n := range g.nodes {
		indegree[i] = len(n.deps)
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.nodes[i].dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited == len(g.nodes) {
		return nil
	}

	var cyclic []string
	for i, n := range g.nodes {
		if indegree[i] > 0 {
			cyclic = append(cyclic, n.id)
		}
	}
	slices.Sort(cyclic)
	return &modtype.CyclicDependencyError{IDs: cyclic}
}
