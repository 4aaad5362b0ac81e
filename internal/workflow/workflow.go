// Package workflow runs the lead funnel as a declarative chain of named
// nodes.
//
// A [Graph] is assembled from nodes and edges and compiled into a linear
// execution plan that ends at [END]. An invoked chain stops at the first
// failing node unless the node was added as [Isolated]. [DefaultChain]
// isolates its finalization stages, so a replayed conversation is finalized
// exactly as [pipeline.Pipeline.Run] finalizes a live one.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/pipeline"
)

// END is the terminal pseudo-node every chain must reach.
const END = "__end__"

// NodeChat is the name of the conversation node in [DefaultChain].
const NodeChat = "chat"

// NodeFunc is the body of one node. It reads and extends st.
type NodeFunc func(ctx context.Context, st *pipeline.State) error

// NodeOption configures one node of a [Graph].
type NodeOption func(*node)

// Isolated keeps the chain going when the node fails. Its error is still
// part of the error returned by [Compiled.Invoke].
func Isolated() NodeOption {
	return func(n *node) { n.isolated = true }
}

type node struct {
	fn       NodeFunc
	isolated bool
}

// Graph collects nodes and edges before compilation. The zero value is not
// usable; create one with [NewGraph].
type Graph struct {
	nodes map[string]node
	edges map[string]string
	entry string
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]node),
		edges: make(map[string]string),
	}
}

// AddNode registers fn under name. Names must be unique and must not be
// [END].
func (g *Graph) AddNode(name string, fn NodeFunc, opts ...NodeOption) error {
	switch {
	case name == "" || name == END:
		return fmt.Errorf("workflow: invalid node name %q", name)
	case fn == nil:
		return fmt.Errorf("workflow: node %q has no function", name)
	}
	if _, dup := g.nodes[name]; dup {
		return fmt.Errorf("workflow: duplicate node %q", name)
	}
	n := node{fn: fn}
	for _, o := range opts {
		o(&n)
	}
	g.nodes[name] = n
	return nil
}

// AddEdge connects from to to. A node may have a single outgoing edge;
// a second one would make the chain branch.
func (g *Graph) AddEdge(from, to string) error {
	if from == END {
		return errors.New("workflow: END cannot have outgoing edges")
	}
	if prev, ok := g.edges[from]; ok {
		return fmt.Errorf("workflow: node %q already continues to %q, branching is not supported", from, prev)
	}
	g.edges[from] = to
	return nil
}

// SetEntry selects the first node of the chain.
func (g *Graph) SetEntry(name string) {
	g.entry = name
}

// Compile validates the graph and returns the executable chain. The graph
// must describe exactly one path from the entry node to [END] that visits
// every registered node once.
func (g *Graph) Compile() (*Compiled, error) {
	if g.entry == "" {
		return nil, errors.New("workflow: no entry node set")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("workflow: entry node %q is not registered", g.entry)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("workflow: edge from unknown node %q", from)
		}
		if _, ok := g.nodes[to]; !ok && to != END {
			return nil, fmt.Errorf("workflow: edge from %q to unknown node %q", from, to)
		}
	}

	c := &Compiled{}
	seen := make(map[string]bool, len(g.nodes))
	for cur := g.entry; cur != END; {
		if seen[cur] {
			return nil, fmt.Errorf("workflow: cycle through node %q", cur)
		}
		seen[cur] = true
		c.names = append(c.names, cur)
		c.nodes = append(c.nodes, g.nodes[cur])

		next, ok := g.edges[cur]
		if !ok {
			return nil, fmt.Errorf("workflow: node %q has no outgoing edge to END", cur)
		}
		cur = next
	}

	if len(seen) != len(g.nodes) {
		var unreachable []string
		for name := range g.nodes {
			if !seen[name] {
				unreachable = append(unreachable, name)
			}
		}
		slices.Sort(unreachable)
		return nil, fmt.Errorf("workflow: unreachable nodes: %s", strings.Join(unreachable, ", "))
	}
	return c, nil
}

// Compiled is a validated, linear chain ready to be invoked. It is safe for
// concurrent use as long as its node functions are.
type Compiled struct {
	names []string
	nodes []node
}

// Nodes returns the node names in execution order.
func (c *Compiled) Nodes() []string {
	return slices.Clone(c.names)
}

// Invoke runs the chain over a copy of st. It stops at the first failing
// node that is not [Isolated] and returns the state as it was at that point.
// The returned error joins the errors of every failed node.
func (c *Compiled) Invoke(ctx context.Context, st pipeline.State) (pipeline.State, error) {
	ctx, span := observe.StartSpan(ctx, "workflow.invoke")
	defer span.End()

	cur := st.Clone()
	log := observe.Logger(ctx)
	var errs []error
	for i, name := range c.names {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("workflow: node %q: %w", name, err))
			break
		}

		nctx, nspan := observe.StartSpan(ctx, "workflow.node."+name,
			trace.WithAttributes(attribute.String("node", name)))
		start := time.Now()
		err := c.nodes[i].fn(nctx, &cur)
		if err != nil {
			nspan.RecordError(err)
			nspan.SetStatus(codes.Error, err.Error())
		}
		nspan.End()

		if err == nil {
			log.Debug("workflow: node completed", "node", name, "duration", time.Since(start))
			continue
		}
		errs = append(errs, fmt.Errorf("workflow: node %q: %w", name, err))
		if c.nodes[i].isolated {
			log.Warn("workflow: node failed, continuing", "node", name, "err", err)
			continue
		}
		log.Error("workflow: node failed", "node", name, "err", err)
		break
	}
	switch len(errs) {
	case 0:
		return cur, nil
	case 1:
		span.SetStatus(codes.Error, errs[0].Error())
		return cur, errs[0]
	}
	err := errors.Join(errs...)
	span.SetStatus(codes.Error, err.Error())
	return cur, err
}

// DefaultChain wires chat → summary_email → product_email →
// schedule_meeting → END. The stage nodes are the stages of p, isolated
// from each other and run with the same panic recovery, add-only
// enforcement and metrics as in [pipeline.Pipeline.Run]. Only a failing chat
// node stops the chain.
func DefaultChain(chat NodeFunc, p *pipeline.Pipeline) (*Compiled, error) {
	if p == nil {
		return nil, errors.New("workflow: a pipeline is required")
	}
	g := NewGraph()
	if err := g.AddNode(NodeChat, chat); err != nil {
		return nil, err
	}
	g.SetEntry(NodeChat)

	prev := NodeChat
	for _, stage := range p.Stages() {
		if err := g.AddNode(stage.Name(), StageNode(p, stage), Isolated()); err != nil {
			return nil, err
		}
		if err := g.AddEdge(prev, stage.Name()); err != nil {
			return nil, err
		}
		prev = stage.Name()
	}
	if err := g.AddEdge(prev, END); err != nil {
		return nil, err
	}
	return g.Compile()
}

// StageNode adapts one pipeline stage to a [NodeFunc].
func StageNode(p *pipeline.Pipeline, stage pipeline.Stage) NodeFunc {
	return func(ctx context.Context, st *pipeline.State) error {
		return p.RunStage(ctx, stage, st).Err
	}
}
