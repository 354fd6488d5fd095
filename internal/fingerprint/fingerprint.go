// Package fingerprint derives deterministic cache keys from analytics
// query descriptors.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/socaya/dhis2cache/pkg/types"
)

// maxKeyLen bounds derived keys so storage keys stay compact.
const maxKeyLen = 32

// DeriveKey returns the cache key for a query: a short dataset prefix plus
// the xxhash of the normalized descriptor. Two logically identical queries
// collapse to the same key regardless of field insertion order. The full
// descriptor is stored alongside the entry for a disambiguation check, so
// the truncated prefix never has to carry identity on its own.
func DeriveKey(datasetID string, query types.Query) string {
	sum := xxhash.Sum64String(Descriptor(datasetID, query))

	// 15 chars of dataset + ':' + 16 hex chars = at most 32.
	prefix := datasetID
	if len(prefix) > maxKeyLen-17 {
		prefix = prefix[:maxKeyLen-17]
	}
	return fmt.Sprintf("%s:%016x", prefix, sum)
}

// Descriptor returns the canonical normalized form of a query. Set-valued
// fields (data elements, periods, org units) are sorted and de-duplicated;
// filters are ordered by key; requested columns keep their order because
// column order is part of the result shape.
func Descriptor(datasetID string, query types.Query) string {
	var b strings.Builder
	b.WriteString("ds=")
	b.WriteString(datasetID)

	writeSet(&b, "dx", query.DataElements)
	writeSet(&b, "pe", query.Periods)
	writeSet(&b, "ou", query.OrgUnits)

	if len(query.Filters) > 0 {
		keys := make([]string, 0, len(query.Filters))
		for k := range query.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("|filters=")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(query.Filters[k])
		}
	}

	if len(query.Columns) > 0 {
		b.WriteString("|cols=")
		b.WriteString(strings.Join(query.Columns, ","))
	}

	if query.Granularity != "" {
		b.WriteString("|gran=")
		b.WriteString(query.Granularity)
	}

	return b.String()
}

func writeSet(b *strings.Builder, name string, values []string) {
	if len(values) == 0 {
		return
	}

	sorted := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		sorted = append(sorted, v)
	}
	sort.Strings(sorted)

	b.WriteByte('|')
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(strings.Join(sorted, ","))
}
