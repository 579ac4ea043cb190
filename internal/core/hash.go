package core

import "hash/fnv"

// hashBytes returns a stable 64-bit content hash. Empty input is 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
