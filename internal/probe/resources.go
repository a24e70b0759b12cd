package probe

import "runtime"

// ResourcesBlock holds process resource usage. Each open tunnel holds two
// file descriptors, so FD headroom bounds how many tunnels can be served.
type ResourcesBlock struct {
	MemAllocMB float64 `json:"mem_alloc_mb"`
	MemSysMB   float64 `json:"mem_sys_mb"`
	Goroutines int     `json:"goroutines"`
	OpenFDs    int     `json:"open_fds"` // -1 if unavailable
	MaxFDs     int     `json:"max_fds"`  // -1 if unavailable
}

const bytesPerMB = 1024 * 1024

func collectResources() ResourcesBlock {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ResourcesBlock{
		MemAllocMB: float64(m.Alloc) / bytesPerMB,
		MemSysMB:   float64(m.Sys) / bytesPerMB,
		Goroutines: runtime.NumGoroutine(),
		OpenFDs:    openFDs(),
		MaxFDs:     maxFDs(),
	}
}
