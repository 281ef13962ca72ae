package capture

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/hazyhaar/captrace/captree"
)

// StringDiff compares one scalar attribute across two captures.
type StringDiff struct {
	A     string `json:"a"`
	B     string `json:"b"`
	Equal bool   `json:"equal"`
}

// ListDiff compares one set attribute across two captures.
type ListDiff struct {
	Common []string `json:"common,omitempty"`
	OnlyA  []string `json:"only_a,omitempty"`
	OnlyB  []string `json:"only_b,omitempty"`
}

// Comparison is the side-by-side report of two captures. Analysts use
// it to decide whether two sightings are the same kit re-deployed.
type Comparison struct {
	CaptureA string `json:"capture_a"`
	CaptureB string `json:"capture_b"`

	RequestedURL  StringDiff `json:"requested_url"`
	FinalURL      StringDiff `json:"final_url"`
	RootBodyHash  StringDiff `json:"root_body_hash"`
	RedirectHosts ListDiff   `json:"redirect_hosts"`
	ResourceURLs  ListDiff   `json:"resource_urls"`

	NodeCountA int `json:"node_count_a"`
	NodeCountB int `json:"node_count_b"`
}

// Compare builds the comparison report for two stored captures.
func (s *Service) Compare(ctx context.Context, idA, idB string) (*Comparison, error) {
	recA, err := s.GetCapture(ctx, idA)
	if err != nil {
		return nil, err
	}
	recB, err := s.GetCapture(ctx, idB)
	if err != nil {
		return nil, err
	}
	if recA.Tree == nil || recB.Tree == nil {
		return nil, fmt.Errorf("capture: compare: missing tree")
	}

	cmp := &Comparison{
		CaptureA:      idA,
		CaptureB:      idB,
		RequestedURL:  diffString(recA.RequestedURL, recB.RequestedURL),
		FinalURL:      diffString(recA.FinalURL, recB.FinalURL),
		RootBodyHash:  diffString(rootBodyHash(recA.Tree), rootBodyHash(recB.Tree)),
		RedirectHosts: diffList(redirectHosts(recA.Tree), redirectHosts(recB.Tree)),
		ResourceURLs:  diffList(resourceURLs(recA.Tree), resourceURLs(recB.Tree)),
		NodeCountA:    recA.Tree.NodeCount(),
		NodeCountB:    recB.Tree.NodeCount(),
	}
	return cmp, nil
}

func rootBodyHash(t *captree.Tree) string {
	if t.Root == nil {
		return ""
	}
	return t.Root.Entry.BodyHash
}

// redirectHosts lists the hosts visited by the root redirect chain, in
// hop order with consecutive duplicates kept out.
func redirectHosts(t *captree.Tree) []string {
	if t.Root == nil {
		return nil
	}
	var hosts []string
	for _, hop := range t.Root.Hops {
		u, err := url.Parse(hop.URL)
		if err != nil || u.Host == "" {
			continue
		}
		h := u.Hostname()
		if len(hosts) == 0 || hosts[len(hosts)-1] != h {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func resourceURLs(t *captree.Tree) []string {
	var urls []string
	t.Walk(func(n *captree.Node) {
		if n.Entry.URL != "" {
			urls = append(urls, n.Entry.URL)
		}
	})
	sort.Strings(urls)
	return urls
}

func diffString(a, b string) StringDiff {
	return StringDiff{A: a, B: b, Equal: a != "" && a == b}
}

func diffList(a, b []string) ListDiff {
	inA := make(map[string]bool, len(a))
	for _, v := range a {
		inA[v] = true
	}
	inB := make(map[string]bool, len(b))
	for _, v := range b {
		inB[v] = true
	}

	var d ListDiff
	seen := make(map[string]bool, len(a)+len(b))
	for _, v := range a {
		if seen[v] {
			continue
		}
		seen[v] = true
		if inB[v] {
			d.Common = append(d.Common, v)
		} else {
			d.OnlyA = append(d.OnlyA, v)
		}
	}
	for _, v := range b {
		if seen[v] {
			continue
		}
		seen[v] = true
		d.OnlyB = append(d.OnlyB, v)
	}
	return d
}
