package models

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Hardware is what recommendation filters on. VRAMGB of zero means no GPU
// memory was detected and only RAM is considered.
type Hardware struct {
	TotalRAMGB float64 `json:"total_ram_gb"`
	VRAMGB     float64 `json:"vram_gb,omitempty"`
}

const fallbackRAMGB = 8

// DetectHardware reads total memory from /proc/meminfo, falling back to 8 GB
// where that file does not exist.
func DetectHardware() Hardware {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return Hardware{TotalRAMGB: fallbackRAMGB}
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseFloat(fields[1], 64)
			if err == nil && kb > 0 {
				return Hardware{TotalRAMGB: kb / (1024 * 1024)}
			}
		}
	}
	return Hardware{TotalRAMGB: fallbackRAMGB}
}

// Fits reports whether spec runs within hw.
func Fits(spec Spec, hw Hardware) bool {
	if hw.TotalRAMGB < spec.MinRAMGB {
		return false
	}
	if hw.VRAMGB == 0 {
		return true
	}
	return hw.VRAMGB >= spec.MinVRAMGB
}

// Recommend returns the largest model of kind that fits hw. When nothing
// fits, the smallest model is returned so there is always a default.
func Recommend(c *Catalog, kind string, hw Hardware) (Spec, error) {
	specs := c.ByKind(kind)
	if len(specs) == 0 {
		return Spec{}, common.NewNotFoundError("no " + kind + " models in catalog")
	}
	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i].MinRAMGB != specs[j].MinRAMGB {
			return specs[i].MinRAMGB > specs[j].MinRAMGB
		}
		return specs[i].MinVRAMGB > specs[j].MinVRAMGB
	})
	for _, s := range specs {
		if Fits(s, hw) {
			return s, nil
		}
	}
	return specs[len(specs)-1], nil
}
