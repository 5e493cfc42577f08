package core

import "hash/fnv"

func Hash(key []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(key)
	return hash.Sum32()
}

// PartitionIndex assigns a record key to one of numPartitions partitions.
// All backends use this same assignment, so partition contents do not
// depend on where a task runs.
func PartitionIndex(key []byte, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(Hash(key)) % numPartitions
}
