package capture

import (
	"github.com/hazyhaar/captrace/capture/internal/session"
	"github.com/hazyhaar/captrace/captree"
	"github.com/hazyhaar/captrace/corindex"
	"github.com/hazyhaar/captrace/trace"
)

// extractFacets derives the correlation hashes of a finished capture.
//
// A facet the capture never observed goes into the unknown list — a
// timed-out page with no favicon is "unknown", not "favicon hashed to
// the empty value". A facet that genuinely hashed empty content is a
// normal indexed observation.
func extractFacets(tree *captree.Tree, res *session.Result) ([]corindex.Hash, []corindex.Facet) {
	var hashes []corindex.Hash
	var unknown []corindex.Facet

	var root trace.TraceEntry
	if tree.Root != nil {
		root = tree.Root.Entry
	}

	if root.BodyHash != "" {
		hashes = append(hashes, corindex.Hash{
			Facet: corindex.FacetBody, Value: root.BodyHash, NodeRef: root.RequestID,
		})
	} else {
		unknown = append(unknown, corindex.FacetBody)
	}

	if len(res.Favicon) > 0 {
		hashes = append(hashes, corindex.Hash{
			Facet: corindex.FacetFavicon, Value: trace.HashBody(res.Favicon),
		})
	} else {
		unknown = append(unknown, corindex.FacetFavicon)
	}

	if root.CertFingerprint != "" {
		hashes = append(hashes, corindex.Hash{
			Facet: corindex.FacetCertificate, Value: root.CertFingerprint, NodeRef: root.RequestID,
		})
	} else {
		unknown = append(unknown, corindex.FacetCertificate)
	}

	if root.HHHash != "" {
		hashes = append(hashes, corindex.Hash{
			Facet: corindex.FacetHHHash, Value: root.HHHash, NodeRef: root.RequestID,
		})
	}

	// Cookie names are indexed verbatim: the facet is the name itself,
	// shared cookie naming across unrelated hosts is the signal.
	seen := map[string]bool{}
	for _, ck := range res.Cookies {
		if ck.Name == "" || seen[ck.Name] {
			continue
		}
		seen[ck.Name] = true
		hashes = append(hashes, corindex.Hash{
			Facet: corindex.FacetCookieName, Value: ck.Name,
		})
	}

	return hashes, unknown
}
