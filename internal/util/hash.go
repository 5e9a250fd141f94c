// Package util provides shared logging, stats and helper functions.
package util

import (
	"hash/fnv"
)

// Tag computes a 4-byte hash of an id for compact "[%08x]" log prefixes.
// The hash is used solely for log correlation and does not need to be
// reversible or collision free.
func Tag(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}
