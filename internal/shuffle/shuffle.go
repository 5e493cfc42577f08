// Package shuffle assigns records to partitions, sorts partitions by key,
// and merges already-sorted runs into one grouped-by-key stream.
package shuffle

import (
	"bytes"
	"sort"

	"github.com/seqmr/seqmr/pkg/core"
)

// Split assigns each record to a partition by key hash and stably sorts
// every partition by key. Records with equal keys keep their input order.
func Split(records []core.Record, numPartitions int) map[int][]core.Record {
	partitioned := make(map[int][]core.Record)
	for _, rec := range records {
		p := core.PartitionIndex(rec.Key, numPartitions)
		partitioned[p] = append(partitioned[p], rec)
	}
	for _, recs := range partitioned {
		sort.SliceStable(recs, func(i, j int) bool {
			return bytes.Compare(recs[i].Key, recs[j].Key) < 0
		})
	}
	return partitioned
}
