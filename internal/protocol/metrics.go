// internal/protocol/metrics.go
package protocol

// SystemInfo is the static descriptor an agent reports about its host.
type SystemInfo struct {
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	OSVersion string `json:"os_version"`
	Uptime    uint64 `json:"uptime"` // seconds since boot at report time
}

// Metrics is one point-in-time measurement of a host.
type Metrics struct {
	CPU     CPU     `json:"cpu"`
	Memory  Memory  `json:"memory"`
	Disk    Disk    `json:"disk"`
	Network Network `json:"network"`
	Ping    Ping    `json:"ping"`
}

type CPU struct {
	Usage float64 `json:"usage"` // percent 0-100
	Cores int     `json:"cores"`
}

type Memory struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
}

type Disk struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
}

// Network rates are bytes per second since the previous sample, totals are
// the interface counters.
type Network struct {
	Upload        float64 `json:"upload"`
	Download      float64 `json:"download"`
	TotalUpload   uint64  `json:"total_upload"`
	TotalDownload uint64  `json:"total_download"`
}

// Ping latency and jitter are in milliseconds.
type Ping struct {
	Latency float64 `json:"latency"`
	Jitter  float64 `json:"jitter"`
}
