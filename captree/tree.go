// Package captree reconstructs the hierarchical structure of a
// capture — redirect chains, frames, resource ownership — from the
// canonical trace the normalizer produced.
//
// Build is pure and deterministic: identical entry sequences yield
// byte-identical trees. Malformed input degrades (orphans attach to
// the root, missing roots are synthesized) instead of failing; a
// partial tree still has forensic value.
package captree

import (
	"sort"

	"github.com/hazyhaar/captrace/trace"
)

// EdgeKind is the relation between a node and its parent.
type EdgeKind string

const (
	EdgeEmbeds    EdgeKind = "embeds"     // child document in a sub-frame
	EdgeFetchedBy EdgeKind = "fetched-by" // sub-resource fetched by the parent document
	EdgeOrphan    EdgeKind = "orphan"     // no resolvable initiator, attached to root
)

// Node is one tree node. Redirect chains collapse into a single node:
// Hops holds every hop in order and Entry is the final one, so linear
// chains never explode the tree depth.
type Node struct {
	// ID is the request ID of the representative (final) entry.
	ID string `json:"id"`

	Entry trace.TraceEntry `json:"entry"`

	// Hops is the full redirect chain including the final entry.
	// Length 1 means no redirect.
	Hops []trace.TraceEntry `json:"hops"`

	Party Party    `json:"party"`
	Edge  EdgeKind `json:"edge,omitempty"` // empty on the root

	// LoopSuspected propagates the normalizer's truncation flag from
	// any hop in the chain.
	LoopSuspected bool `json:"loop_suspected,omitempty"`

	Children []*Node `json:"children,omitempty"`
}

// Tree is the rooted reconstruction of one capture.
type Tree struct {
	// RequestedURL is the originally submitted target.
	RequestedURL string `json:"requested_url"`

	// FinalURL is where the root navigation landed after redirects.
	FinalURL string `json:"final_url"`

	// RootDomain is the registrable domain first/third-party
	// classification was computed against.
	RootDomain string `json:"root_domain"`

	Root *Node `json:"root"`

	// OrphanCount is the number of nodes attached to the root for
	// lack of a resolvable initiator.
	OrphanCount int `json:"orphan_count,omitempty"`

	// Degraded is set when the trace had no entry matching the
	// requested navigation and the root was synthesized.
	Degraded bool `json:"degraded,omitempty"`
}

// Build reconstructs the capture tree from ordered trace entries and
// the declared root navigation URL.
func Build(entries []trace.TraceEntry, requestedURL string) *Tree {
	byID := make(map[string]*trace.TraceEntry, len(entries))
	for i := range entries {
		byID[entries[i].RequestID] = &entries[i]
	}

	nodes, nodeOf := collapseChains(entries, byID)

	root := findRoot(nodes, requestedURL)
	t := &Tree{RequestedURL: requestedURL}

	if root == nil {
		// Nothing matched the declared navigation: synthesize a root
		// carrying the requested URL so downstream entries still have
		// an anchor. Happens when the browser died before the first
		// network event.
		root = &Node{
			ID:    "root",
			Entry: trace.TraceEntry{RequestID: "root", URL: requestedURL, State: trace.StateIncomplete},
			Hops:  []trace.TraceEntry{{RequestID: "root", URL: requestedURL, State: trace.StateIncomplete}},
		}
		t.Degraded = true
	}
	t.Root = root
	t.FinalURL = root.Entry.URL
	t.RootDomain = registrableDomainOfURL(root.Entry.URL)
	if t.RootDomain == "" {
		t.RootDomain = registrableDomainOfURL(requestedURL)
	}

	// Attachment pass in (start, seq) order: a parent is always
	// already placed when its children arrive, which rules out cycles
	// by construction. Unresolvable initiators fall back to the root.
	placed := map[string]*Node{root.ID: root}
	for _, hop := range root.Hops {
		placed[hop.RequestID] = root
	}

	for _, n := range nodes {
		if n == root {
			continue
		}
		parent, edge := resolveParent(n, placed, nodeOf, byID, root)
		n.Edge = edge
		if edge == EdgeOrphan {
			t.OrphanCount++
		}
		parent.Children = append(parent.Children, n)
		for _, hop := range n.Hops {
			placed[hop.RequestID] = n
		}
	}

	// Classification + stable child ordering.
	classifyTree(t.Root, t.RootDomain)
	sortChildren(t.Root)

	return t
}

// collapseChains groups redirect hops into single nodes and returns
// the nodes in (start, seq) order of their first hop, plus a map from
// any hop's request ID to its node.
func collapseChains(entries []trace.TraceEntry, byID map[string]*trace.TraceEntry) ([]*Node, map[string]*Node) {
	inChain := make(map[string]bool)
	var nodes []*Node
	nodeOf := make(map[string]*Node)

	for i := range entries {
		e := &entries[i]
		if e.RedirectedFrom != "" && byID[e.RedirectedFrom] != nil {
			inChain[e.RequestID] = true // not a chain head
		}
	}

	for i := range entries {
		e := &entries[i]
		if inChain[e.RequestID] {
			continue
		}
		// e is a chain head (or a plain entry). Walk forward.
		hops := []trace.TraceEntry{*e}
		loop := e.LoopSuspected
		cur := e
		for cur.RedirectedTo != "" {
			next := byID[cur.RedirectedTo]
			if next == nil {
				break
			}
			hops = append(hops, *next)
			loop = loop || next.LoopSuspected
			cur = next
		}
		n := &Node{
			ID:            cur.RequestID,
			Entry:         *cur,
			Hops:          hops,
			LoopSuspected: loop,
		}
		nodes = append(nodes, n)
		for _, hop := range hops {
			nodeOf[hop.RequestID] = n
		}
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Hops[0], nodes[j].Hops[0]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.Seq < b.Seq
	})
	return nodes, nodeOf
}

// findRoot picks the navigation chain matching the requested URL,
// falling back to the first navigation, then the first document
// entry. An errored root still roots the tree.
func findRoot(nodes []*Node, requestedURL string) *Node {
	var firstNav, firstDoc *Node
	for _, n := range nodes {
		head := n.Hops[0]
		if head.IsNavigation {
			if head.URL == requestedURL {
				return n
			}
			if firstNav == nil {
				firstNav = n
			}
		}
		if firstDoc == nil && head.ResourceType == "document" {
			firstDoc = n
		}
	}
	if firstNav != nil {
		return firstNav
	}
	return firstDoc
}

func resolveParent(n *Node, placed map[string]*Node, nodeOf map[string]*Node, byID map[string]*trace.TraceEntry, root *Node) (*Node, EdgeKind) {
	init := n.Hops[0].InitiatorID
	if init == "" {
		return root, EdgeOrphan
	}
	parent, ok := placed[init]
	if !ok || parent == n {
		return root, EdgeOrphan
	}
	if n.Entry.ResourceType == "document" || n.Hops[0].ResourceType == "document" {
		return parent, EdgeEmbeds
	}
	return parent, EdgeFetchedBy
}

func classifyTree(n *Node, rootDomain string) {
	n.Party = classify(n.Entry.URL, rootDomain)
	for _, c := range n.Children {
		classifyTree(c, rootDomain)
	}
}

func sortChildren(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i].Hops[0], n.Children[j].Hops[0]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.Seq < b.Seq
	})
	for _, c := range n.Children {
		sortChildren(c)
	}
}

// Walk visits every node depth-first, root first.
func (t *Tree) Walk(fn func(*Node)) {
	if t.Root == nil {
		return
	}
	var rec func(*Node)
	rec = func(n *Node) {
		fn(n)
		for _, c := range n.Children {
			rec(c)
		}
	}
	rec(t.Root)
}

// NodeCount returns the number of nodes in the tree.
func (t *Tree) NodeCount() int {
	count := 0
	t.Walk(func(*Node) { count++ })
	return count
}
