package util

import "runtime"

// maxShards caps the automatic shard count.
const maxShards = 256

// ShardCount resolves the requested number of entry-table shards.
// A non-positive request picks nextPow2(2*GOMAXPROCS) clamped to [1..256];
// explicit requests are rounded up to the next power of two.
func ShardCount(requested int) int {
	if requested <= 0 {
		p := runtime.GOMAXPROCS(0)
		if p < 1 {
			p = 1
		}
		n := int(NextPow2(uint64(p * 2)))
		if n > maxShards {
			n = maxShards
		}
		return n
	}
	return int(NextPow2(uint64(requested)))
}

// ShardIndex maps a 64-bit hash to a shard index. shards must be a power of two.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(hash & uint64(shards-1))
}

// NextPow2 returns the smallest power of two >= x (x == 0 -> 1).
// Results that would overflow are clamped to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}
