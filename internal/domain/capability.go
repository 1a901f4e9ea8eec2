// Package domain contains the core entities shared by drivers, the upload ledger
// and the upload orchestrator.
package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

// Capability is a named ability a storage backend may offer.
type Capability string

const (
	// CapabilityReader allows listing, metadata lookups and downloads.
	CapabilityReader Capability = "READER"

	// CapabilityWriter allows uploads, directory creation, rename, copy and delete.
	CapabilityWriter Capability = "WRITER"

	// CapabilityAtomic means rename/copy happen server side without read+rewrite.
	CapabilityAtomic Capability = "ATOMIC"

	// CapabilityProxy means the backend can be fronted by a same-origin proxy URL.
	CapabilityProxy Capability = "PROXY"

	// CapabilityDirectLink means the backend can mint time-limited direct URLs.
	CapabilityDirectLink Capability = "DIRECT_LINK"

	// CapabilityMultipart means the backend supports chunked/resumable uploads.
	CapabilityMultipart Capability = "MULTIPART"

	// CapabilityPagedList means directory listings are paginated upstream.
	CapabilityPagedList Capability = "PAGED_LIST"
)

// AllCapabilities lists every known capability in display order.
var AllCapabilities = []Capability{
	CapabilityReader,
	CapabilityWriter,
	CapabilityAtomic,
	CapabilityProxy,
	CapabilityDirectLink,
	CapabilityMultipart,
	CapabilityPagedList,
}

// CapabilitySet is an immutable set of capabilities declared by a driver.
type CapabilitySet struct {
	set map[Capability]struct{}
}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := CapabilitySet{set: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.set[c] = struct{}{}
	}
	return s
}

// Has reports whether the capability is declared.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.set[c]
	return ok
}

// List returns the declared capabilities sorted by name.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s.set))
	for c := range s.set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the set as a comma separated list.
func (s CapabilitySet) String() string {
	names := make([]string, 0, len(s.set))
	for _, c := range s.List() {
		names = append(names, string(c))
	}
	return strings.Join(names, ",")
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}
