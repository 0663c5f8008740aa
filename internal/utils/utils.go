package utils

import (
	"hash/fnv"
	"strings"
)

// ShardIndex 計算分片索引
func ShardIndex(totalShards uint64, key string) uint64 {
	if totalShards == 0 {
		return 0
	}
	h := fnv.New64a()
	if _, err := h.Write([]byte(key)); err != nil {
		return 0
	}
	return h.Sum64() % totalShards
}

// MatchPattern reports whether key contains pattern. An empty pattern
// matches every key.
func MatchPattern(key, pattern string) bool {
	return pattern == "" || strings.Contains(key, pattern)
}
