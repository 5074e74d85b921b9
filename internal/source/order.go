package source

import (
	"regexp"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	minContainedName = 10
	minCommonPrefix  = 10
)

var (
	sequencePattern = regexp.MustCompile(`(?i)^(.*?)[\s\-:,(]*\b(?:part|section|chapter|step)\s*(\d+)\b`)
	versionPattern  = regexp.MustCompile(`(?i)^(.*?)[\s\-:,(]*\bv(\d+)(?:\.\d+)*\b`)
)

// Relationships derives a best-effort dependency graph from entry names:
// locator -> locators it depends on. Edges only join entries of the same
// organization and always point from the later document to the earlier one.
func Relationships(entries []Entry) map[string][]string {
	byOrg := make(map[string][]Entry)
	var orgs []string
	for _, e := range entries {
		if _, ok := byOrg[e.Organization]; !ok {
			orgs = append(orgs, e.Organization)
		}
		byOrg[e.Organization] = append(byOrg[e.Organization], e)
	}

	deps := make(map[string][]string)
	for _, org := range orgs {
		group := byOrg[org]
		for _, a := range group {
			seen := mapset.NewThreadUnsafeSet[string]()
			for _, b := range group {
				if a.Locator == b.Locator || seen.Contains(b.Locator) {
					continue
				}
				if dependsOn(a.Name, b.Name) {
					seen.Add(b.Locator)
					deps[a.Locator] = append(deps[a.Locator], b.Locator)
				}
			}
		}
	}
	return deps
}

// dependsOn reports whether a document named a builds on one named b.
func dependsOn(a, b string) bool {
	la, lb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if la == "" || lb == "" || la == lb {
		return false
	}
	if len(lb) >= minContainedName && strings.Contains(la, lb) {
		return true
	}
	if laterInSequence(la, lb, sequencePattern) || laterInSequence(la, lb, versionPattern) {
		return true
	}
	p := commonPrefixLen(la, lb)
	shorter := len(lb)
	if len(la) < shorter {
		shorter = len(la)
	}
	return p >= minCommonPrefix && float64(p) > 0.5*float64(shorter) && len(la) > len(lb)
}

func laterInSequence(a, b string, re *regexp.Regexp) bool {
	ma, mb := re.FindStringSubmatch(a), re.FindStringSubmatch(b)
	if ma == nil || mb == nil {
		return false
	}
	stemA, stemB := strings.TrimSpace(ma[1]), strings.TrimSpace(mb[1])
	if stemA == "" || stemA != stemB {
		return false
	}
	na, errA := strconv.Atoi(ma[2])
	nb, errB := strconv.Atoi(mb[2])
	return errA == nil && errB == nil && na > nb
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// MigrationOrder returns locators so that each one follows the locators it
// depends on. It is a depth-first post-order walk rooted in input order;
// dependencies outside locators are ignored and cycles are cut at the first
// revisit.
func MigrationOrder(locators []string, deps map[string][]string) []string {
	wanted := mapset.NewThreadUnsafeSet[string](locators...)
	visited := mapset.NewThreadUnsafeSet[string]()
	order := make([]string, 0, len(locators))

	var visit func(string)
	visit = func(loc string) {
		if visited.Contains(loc) {
			return
		}
		visited.Add(loc)
		for _, dep := range deps[loc] {
			if wanted.Contains(dep) {
				visit(dep)
			}
		}
		order = append(order, loc)
	}
	for _, loc := range locators {
		visit(loc)
	}
	return order
}
