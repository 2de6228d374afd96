package attention

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

const (
	defaultCacheLineSize = 64
	sysfsCacheLinePath   = "/sys/devices/system/cpu/cpu0/cache/index0/coherency_line_size"
	float32Size          = 4
)

var (
	cacheLineOnce sync.Once
	cacheLineSize int
)

// CacheLineSize returns the platform cache-line size in bytes. It asks CPUID
// first, then sysfs, and falls back to 64.
func CacheLineSize() int {
	cacheLineOnce.Do(func() {
		cacheLineSize = detectCacheLineSize(cpuid.CPU.CacheLine, sysfsCacheLinePath)
	})
	return cacheLineSize
}

// CacheLineFloats is the number of consecutive float32 values sharing one
// cache line. It is the default tile edge for Blocked.
func CacheLineFloats() int {
	return max(CacheLineSize()/float32Size, 1)
}

func detectCacheLineSize(fromCPUID int, sysfsPath string) int {
	if fromCPUID > 0 {
		return fromCPUID
	}
	if n, err := readCacheLineFile(sysfsPath); err == nil && n > 0 {
		return n
	}
	return defaultCacheLineSize
}

func readCacheLineFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}
