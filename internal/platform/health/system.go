package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryCheck reports host memory use above maxUsedPercent. Workers on the
// in-memory queue hold every pending event on the heap.
func MemoryCheck(maxUsedPercent float64) Checker {
	return func(ctx context.Context) error {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to read memory stats: %w", err)
		}
		if vm.UsedPercent > maxUsedPercent {
			return fmt.Errorf("memory usage %.1f%% above %.1f%%", vm.UsedPercent, maxUsedPercent)
		}
		return nil
	}
}
