// Package ident implements EarCrawler's identifier and IRI algebra (C1):
// canonical EAR section id normalization and deterministic IRI minting.
// Normalization is total, idempotent, and locale-independent.
package ident

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"earcrawler/internal/errs"
)

const (
	SchemaNamespace   = "https://ear.example.org/schema#"
	ResourceNamespace = "https://ear.example.org/resource/"
	EntityNamespace   = "https://ear.example.org/entity/"
	GraphNamespace    = "https://ear.example.org/graph/kg/"
)

var canonicalSectionID = regexp.MustCompile(`^EAR-\d{3}(?:\.\d+[a-z0-9]*)+(?:\([a-z0-9]+\))*$`)

// bareSubsection matches a CFR subsection reference that carries no EAR
// marker at all, e.g. "736.2(B)" left over after stripping a leading
// section mark or "15 CFR " prefix. Such references are implicitly
// EAR-scoped per spec.md's worked examples.
var bareSubsection = regexp.MustCompile(`^\d+(?:\.\d+)*[a-zA-Z]?(?:\([a-zA-Z0-9]+\))*$`)

// nbsp is U+00A0, a non-breaking space some source text uses in place of
// an ordinary space.
const nbsp = " "

// NormalizeSectionID applies the section-id normalization rules: trim
// whitespace (including NBSP), strip a leading "§", strip an optional
// "15 CFR " prefix, accept "EAR-" or "EAR " as the marker, or infer EAR
// scope when nothing but a bare CFR subsection remains; collapse internal
// spaces, lowercase the subsection tail, and drop a trailing dot.
// Normalization is total and idempotent:
// NormalizeSectionID(NormalizeSectionID(x)) == NormalizeSectionID(x).
func NormalizeSectionID(raw string) (string, error) {
	s := raw
	s = strings.ReplaceAll(s, nbsp, " ")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "§")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "15 CFR ")
	s = strings.TrimSpace(s)

	switch {
	case strings.HasPrefix(s, "EAR-"):
		s = s[len("EAR-"):]
	case strings.HasPrefix(s, "EAR "):
		s = s[len("EAR "):]
	case bareSubsection.MatchString(s):
		// No EAR marker at all, but what's left is already a bare
		// subsection reference ("736.2(B)"), so scope it to EAR
		// implicitly instead of failing.
	default:
		return "", errs.Newf(errs.InvalidInput, "section id %q missing EAR marker", raw)
	}

	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimSuffix(s, ".")
	s = strings.ToLower(s)

	normalized := "EAR-" + s
	if !canonicalSectionID.MatchString(normalized) {
		return "", errs.Newf(errs.InvalidInput, "section id %q does not reach canonical form", raw)
	}
	return normalized, nil
}

// IsCanonicalID reports whether s is already in canonical section-id form.
func IsCanonicalID(s string) bool {
	return canonicalSectionID.MatchString(s)
}

var anchoredDocID = regexp.MustCompile(`^(.+)#p(\d{4,})$`)

// NormalizeDocID normalizes the section-id portion of an anchored doc id
// (`<section_id>#p<NNNN>`), leaving the anchor untouched. A bare section id
// (no anchor) normalizes as NormalizeSectionID would.
func NormalizeDocID(raw string) (string, error) {
	if m := anchoredDocID.FindStringSubmatch(raw); m != nil {
		section, err := NormalizeSectionID(m[1])
		if err != nil {
			return "", err
		}
		return section + "#p" + m[2], nil
	}
	return NormalizeSectionID(raw)
}

// BuildSectionIRI mints the canonical resource IRI for a normalized
// section id: .../resource/ear/section/<RFC3986-percent-encoded id>.
func BuildSectionIRI(sectionID string) (string, error) {
	if !IsCanonicalID(sectionID) {
		return "", errs.Newf(errs.InvalidInput, "cannot mint IRI for non-canonical id %q", sectionID)
	}
	return ResourceNamespace + "ear/section/" + url.PathEscape(sectionID), nil
}

// aliasTable maps legacy IRIs to their canonical replacement. It is a
// closed, small lookup table; entries unknown to it pass through
// CanonicalizeIRI unchanged.
var aliasTable = map[string]string{
	"https://ear.example.org/resources/ear/section/": ResourceNamespace + "ear/section/",
	"http://ear.example.org/resource/ear/section/":    ResourceNamespace + "ear/section/",
}

// CanonicalizeIRI rewrites a legacy IRI prefix to its canonical form using
// a closed alias table. Unknown IRIs are returned unchanged. The operation
// is idempotent.
func CanonicalizeIRI(iri string) string {
	for legacyPrefix, canonicalPrefix := range aliasTable {
		if strings.HasPrefix(iri, legacyPrefix) {
			return canonicalPrefix + strings.TrimPrefix(iri, legacyPrefix)
		}
	}
	return iri
}

// NamedGraphIRI builds the named graph IRI for a KG snapshot digest.
func NamedGraphIRI(snapshotDigest string) string {
	return fmt.Sprintf("%s%s", GraphNamespace, snapshotDigest)
}
