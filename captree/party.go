package captree

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Party classifies a resource relative to the capture's root
// registrable domain.
type Party string

const (
	PartyFirst   Party = "first-party"
	PartyThird   Party = "third-party"
	PartyUnknown Party = "unknown" // unparseable URL or missing root domain
)

// RegistrableDomain returns the eTLD+1 of a host, suffix-aware.
// "login.b.example.co.uk" → "example.co.uk", never a naive substring
// cut. IP literals are returned as-is.
func RegistrableDomain(host string) string {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return ""
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Single-label or suffix-only host: keep what we have rather
		// than losing the signal entirely.
		return host
	}
	return etld1
}

// registrableDomainOfURL extracts the registrable domain from a raw
// URL, empty string when the URL has no usable host.
func registrableDomainOfURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return RegistrableDomain(u.Host)
}

// classify compares a URL's registrable domain against the root's.
func classify(raw, rootDomain string) Party {
	if rootDomain == "" {
		return PartyUnknown
	}
	d := registrableDomainOfURL(raw)
	if d == "" {
		return PartyUnknown
	}
	if d == rootDomain {
		return PartyFirst
	}
	return PartyThird
}
