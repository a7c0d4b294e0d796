package verifier

import (
	"time"

	"github.com/gentoomaniac/fsguard/pkg/watcher"
)

// Verdict is the result of verifying one changed file against its baseline.
type Verdict struct {
	Path          string         `json:"path"`
	Timestamp     time.Time      `json:"timestamp"`
	Kind          watcher.Kind   `json:"kind"`
	Source        watcher.Source `json:"source"`
	TotalBlocks   int            `json:"total_blocks"`
	ChangedBlocks int            `json:"changed_blocks"`
	ChangePercent float64        `json:"change_percent"`
	Entropy       float64        `json:"entropy"`
	Suspicious    bool           `json:"suspicious"`
	// New is set for paths that had no baseline record.
	New bool `json:"new"`
}

// IsSuspicious applies the ransomware thresholds. Both must be reached.
func IsSuspicious(changePercent, entropy, percentThreshold, entropyThreshold float64) bool {
	return changePercent >= percentThreshold && entropy >= entropyThreshold
}

// ChangePercent is changed/total in percent, 0 for empty files.
func ChangePercent(changed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(changed) / float64(total) * 100
}
