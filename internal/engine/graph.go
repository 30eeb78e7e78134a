package engine

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// DAG represents a directed acyclic graph of resources for dependency ordering.
type DAG struct {
	nodes    map[string]*dagNode
	addrs    []string // insertion order, keeps the sort deterministic
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr     string
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

func newDAG() *DAG {
	return &DAG{nodes: make(map[string]*dagNode)}
}

func (d *DAG) addNode(addr string) *dagNode {
	if node, ok := d.nodes[addr]; ok {
		return node
	}
	node := &dagNode{addr: addr}
	d.nodes[addr] = node
	d.addrs = append(d.addrs, addr)
	return node
}

func (d *DAG) addEdge(from, to string) {
	node := d.nodes[from]
	for _, e := range node.edges {
		if e == to {
			return
		}
	}
	node.edges = append(node.edges, to)
	d.nodes[to].revEdges = append(d.nodes[to].revEdges, from)
}

// BuildDAG constructs a dependency graph from resources.
// It resolves both explicit DependsOn and implicit ptr:// references.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := newDAG()
	for _, res := range resources {
		if _, dup := dag.nodes[res.Address()]; dup {
			return nil, fmt.Errorf("duplicate resource address %s", res.Address())
		}
		dag.addNode(res.Address())
	}

	for _, res := range resources {
		addr := res.Address()
		for _, dep := range resourceDependencies(res) {
			if dep == addr {
				return nil, fmt.Errorf("resource %s depends on itself", addr)
			}
			if _, ok := dag.nodes[dep]; !ok {
				return nil, fmt.Errorf("resource %s depends on unknown resource %s", addr, dep)
			}
			dag.addEdge(addr, dep)
		}
	}

	if err := dag.sort(); err != nil {
		return nil, err
	}
	return dag, nil
}

// BuildDAGFromState constructs a dependency graph from state resources (for destroy).
// Dependencies on resources no longer recorded are ignored.
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := newDAG()
	for _, res := range resources {
		dag.addNode(res.Address())
	}
	for _, res := range resources {
		for _, dep := range res.Dependencies {
			if _, ok := dag.nodes[dep]; ok && dep != res.Address() {
				dag.addEdge(res.Address(), dep)
			}
		}
	}

	if err := dag.sort(); err != nil {
		return nil, err
	}
	return dag, nil
}

// CreationOrder returns resources in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns resources in reverse dependency order (safe for deletion).
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Dependencies returns the direct dependencies of a given address.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// Dependents returns the resources that directly depend on a given address.
func (d *DAG) Dependents(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.revEdges
	}
	return nil
}

// TransitiveDeps returns every resource addr depends on, directly or not, sorted.
func (d *DAG) TransitiveDeps(addr string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(a string) {
		for _, dep := range d.Dependencies(a) {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(addr)

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// sort performs Kahn's algorithm. Ready nodes are taken in insertion order
// so that the same graph always sorts the same way.
func (d *DAG) sort() error {
	inDegree := make(map[string]int, len(d.nodes))
	var queue []string
	for _, addr := range d.addrs {
		inDegree[addr] = len(d.nodes[addr].edges)
		if inDegree[addr] == 0 {
			queue = append(queue, addr)
		}
	}

	position := make(map[string]int, len(d.addrs))
	for i, addr := range d.addrs {
		position[addr] = i
	}

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		var ready []string
		for _, dependent := range d.nodes[node].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		queue = append(queue, ready...)
	}

	if len(sorted) != len(d.nodes) {
		var cyclic []string
		for _, addr := range d.addrs {
			if inDegree[addr] > 0 {
				cyclic = append(cyclic, addr)
			}
		}
		return fmt.Errorf("dependency cycle detected in resource graph: %s", strings.Join(cyclic, ", "))
	}

	d.order = sorted
	d.revOrder = make([]string, len(sorted))
	for i, addr := range sorted {
		d.revOrder[len(sorted)-1-i] = addr
	}
	return nil
}

// resourceDependencies returns the explicit and referenced dependencies of a
// resource, without duplicates, in first-seen order.
func resourceDependencies(res *ir.Resource) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			deps = append(deps, addr)
		}
	}
	for _, dep := range res.DependsOn {
		add(dep)
	}
	for _, ref := range extractPtrRefs(res.Properties) {
		add(ptrRefToAddr(ref))
	}
	return deps
}

// extractPtrRefs extracts all ptr:// references from a property value, in a
// stable order.
func extractPtrRefs(v any) []string {
	var refs []string
	walkStrings(reflect.ValueOf(v), func(s string) {
		if strings.HasPrefix(s, ptrPrefix) {
			refs = append(refs, s)
		}
	})
	return refs
}

func walkStrings(v reflect.Value, fn func(string)) {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			walkStrings(v.Elem(), fn)
		}
	case reflect.String:
		fn(v.String())
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, k := range keys {
			walkStrings(v.MapIndex(k), fn)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkStrings(v.Index(i), fn)
		}
	}
}

const ptrPrefix = "ptr://"

// ptrRefToAddr converts a ptr:// reference to a resource address.
// ptr://aws:EC2.Vpc/my-vpc/id -> aws:EC2.Vpc.my-vpc
func ptrRefToAddr(ref string) string {
	if !strings.HasPrefix(ref, ptrPrefix) {
		return ""
	}
	parts := strings.SplitN(strings.TrimPrefix(ref, ptrPrefix), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// ptrRefAttr returns the attribute part of a reference, or "".
func ptrRefAttr(ref string) string {
	parts := strings.SplitN(strings.TrimPrefix(ref, ptrPrefix), "/", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
