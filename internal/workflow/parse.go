package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ErrCyclicDependency is returned by Parse when a workflow's reference graph
// contains a cycle. It is a parse-time rejection: no WorkflowRun is ever
// created for a cyclic definition.
var ErrCyclicDependency = errors.New("cyclicDependency")

// ErrDuplicateNodeID is returned when two nodes in a definition share an ID.
var ErrDuplicateNodeID = errors.New("workflow: duplicate node id")

// ErrUnknownNodeReference is returned when a reference names a node that
// does not exist in the definition.
var ErrUnknownNodeReference = errors.New("workflow: reference to unknown node")

// ErrUnknownTool is returned when a node names a tool the caller's registry
// does not recognize. Parse rejects this up front so a run is never created
// for a definition that is certain to fail its first dispatch.
var ErrUnknownTool = errors.New("workflow: unknown tool")

var nodeReferencePattern = regexp.MustCompile(`\$\{nodes\.([A-Za-z0-9_\-]+)\.output(\.[^}]*)?\}`)

// Graph is the parsed, cycle-checked form of a WorkflowDefinition: an
// adjacency list (referencedNode -> referencingNode) plus a topological
// order and each node's full ancestor and descendant sets (the descendant
// set drives skipDependents).
type Graph struct {
	Definition   WorkflowDefinition
	nodesByID    map[string]*Node
	dependents   map[string][]string // nodeID -> nodes that depend on it
	dependsOn    map[string][]string // nodeID -> nodes it depends on
	topoOrder    []string
	ancestors    map[string]map[string]bool
	descendants  map[string]map[string]bool
}

// Parse validates a WorkflowDefinition, extracts the reference graph, and
// rejects cyclic or otherwise malformed definitions. On success the
// returned Graph carries everything the scheduler needs.
//
// knownTool, if given, reports whether a tool name is registered; a node
// naming an unrecognized tool is rejected with ErrUnknownTool before any
// WorkflowRun is created. Omitting it skips the check, for callers (tests,
// offline validation of a template fragment) with no registry to consult.
func Parse(def WorkflowDefinition, knownTool ...func(string) bool) (*Graph, error) {
	nodesByID := make(map[string]*Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, exists := nodesByID[n.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		nodesByID[n.ID] = n
	}

	dependsOn := make(map[string][]string, len(def.Nodes))
	dependents := make(map[string][]string, len(def.Nodes))

	for i := range def.Nodes {
		n := &def.Nodes[i]
		refs := extractNodeReferences(n.ArgumentsTemplate)
		seen := make(map[string]bool, len(refs))
		for _, ref := range refs {
			if ref == n.ID {
				return nil, fmt.Errorf("%w: node %q references itself", ErrCyclicDependency, n.ID)
			}
			if _, ok := nodesByID[ref]; !ok {
				return nil, fmt.Errorf("%w: node %q references unknown node %q", ErrUnknownNodeReference, n.ID, ref)
			}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			dependsOn[n.ID] = append(dependsOn[n.ID], ref)
			dependents[ref] = append(dependents[ref], n.ID)
		}
		if _, ok := dependsOn[n.ID]; !ok {
			dependsOn[n.ID] = nil
		}
	}

	topoOrder, err := topologicalSort(nodesByID, dependsOn)
	if err != nil {
		return nil, err
	}

	if len(knownTool) > 0 && knownTool[0] != nil {
		isKnown := knownTool[0]
		for i := range def.Nodes {
			n := &def.Nodes[i]
			if !isKnown(n.Tool) {
				return nil, fmt.Errorf("%w: node %q names tool %q", ErrUnknownTool, n.ID, n.Tool)
			}
		}
	}

	g := &Graph{
		Definition: def,
		nodesByID:  nodesByID,
		dependents: dependents,
		dependsOn:  dependsOn,
		topoOrder:  topoOrder,
	}
	g.ancestors = computeAncestors(topoOrder, dependsOn)
	g.descendants = computeDescendants(topoOrder, dependents)
	return g, nil
}

// extractNodeReferences scans a template tree for every ${nodes.<id>.output...}
// reference and returns the distinct node IDs referenced.
func extractNodeReferences(template interface{}) []string {
	var found []string
	walkTemplate(template, func(s string) {
		for _, m := range nodeReferencePattern.FindAllStringSubmatch(s, -1) {
			found = append(found, m[1])
		}
	})
	return found
}

func walkTemplate(node interface{}, visit func(string)) {
	switch v := node.(type) {
	case string:
		visit(v)
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkTemplate(v[k], visit)
		}
	case []interface{}:
		for _, item := range v {
			walkTemplate(item, visit)
		}
	}
}

// topologicalSort runs a DFS-based topological sort over dependsOn edges
// (dependsOn[n] = nodes n must wait for). A back-edge indicates a cycle.
func topologicalSort(nodesByID map[string]*Node, dependsOn map[string][]string) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodesByID))

	ids := make([]string, 0, len(nodesByID))
	for id := range nodesByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var order []string
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			cyclePath := append(append([]string{}, path...), id)
			return fmt.Errorf("%w: %v", ErrCyclicDependency, cyclePath)
		}
		color[id] = gray
		path = append(path, id)
		deps := append([]string{}, dependsOn[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func computeAncestors(topoOrder []string, dependsOn map[string][]string) map[string]map[string]bool {
	ancestors := make(map[string]map[string]bool, len(topoOrder))
	for _, id := range topoOrder {
		set := make(map[string]bool)
		for _, dep := range dependsOn[id] {
			set[dep] = true
			for a := range ancestors[dep] {
				set[a] = true
			}
		}
		ancestors[id] = set
	}
	return ancestors
}

func computeDescendants(topoOrder []string, dependents map[string][]string) map[string]map[string]bool {
	descendants := make(map[string]map[string]bool, len(topoOrder))
	for i := len(topoOrder) - 1; i >= 0; i-- {
		id := topoOrder[i]
		set := make(map[string]bool)
		for _, dep := range dependents[id] {
			set[dep] = true
			for d := range descendants[dep] {
				set[d] = true
			}
		}
		descendants[id] = set
	}
	return descendants
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodesByID[id]
	return n, ok
}

// DependsOn returns the node IDs id directly depends on.
func (g *Graph) DependsOn(id string) []string { return g.dependsOn[id] }

// Dependents returns the node IDs that directly depend on id.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// Descendants returns every node ID transitively depending on id.
func (g *Graph) Descendants(id string) map[string]bool { return g.descendants[id] }

// TopoOrder returns all node IDs in a fixed, deterministic topological order
// (ties broken by node ID) so scheduling is reproducible for a given
// (definition, input, worker count).
func (g *Graph) TopoOrder() []string { return g.topoOrder }
