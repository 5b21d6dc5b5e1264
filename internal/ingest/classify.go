package ingest

import (
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/Ashfaaq98/intelcore/internal/store"
)

var (
	hashRe   = regexp.MustCompile(`^(?:[0-9a-fA-F]{32}|[0-9a-fA-F]{40}|[0-9a-fA-F]{64})$`)
	domainRe = regexp.MustCompile(`^(?:[a-zA-Z0-9_](?:[a-zA-Z0-9_-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z][a-zA-Z0-9-]{0,62}$`)
)

// Observable is a classified raw indicator.
type Observable struct {
	Name           string
	Classification store.Classification
}

// Classify guesses the classification of a raw observable and returns its
// canonical name. Unrecognised input is GENERIC.
func Classify(raw string) Observable {
	s := strings.TrimSpace(raw)

	if addr, err := netip.ParseAddr(s); err == nil {
		return Observable{Name: addr.Unmap().String(), Classification: store.ClassificationIP}
	}
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
			return Observable{Name: s, Classification: store.ClassificationURL}
		}
	}
	if hashRe.MatchString(s) {
		return Observable{Name: strings.ToLower(s), Classification: store.ClassificationHash}
	}
	if d := strings.TrimSuffix(s, "."); len(d) <= 253 && domainRe.MatchString(d) {
		return Observable{Name: strings.ToLower(d), Classification: store.ClassificationDomain}
	}
	return Observable{Name: s, Classification: store.ClassificationGeneric}
}
