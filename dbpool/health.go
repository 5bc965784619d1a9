package dbpool

// Utilization thresholds for pool health grading.
const (
	WarnUtilization     = 0.75
	CriticalUtilization = 0.90
)

// Health levels.
const (
	LevelOK       = "ok"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// PoolHealth is one pool's snapshot for the health endpoint.
type PoolHealth struct {
	Name        string  `json:"name"`
	InUse       int     `json:"in_use"`
	Available   int     `json:"available"`
	Waiting     int     `json:"waiting"`
	Max         int     `json:"max"`
	Utilization float64 `json:"utilization"`
	Level       string  `json:"level"`
}

func gradePool(name string, inUse, available, waiting, max int) PoolHealth {
	h := PoolHealth{
		Name:      name,
		InUse:     inUse,
		Available: available,
		Waiting:   waiting,
		Max:       max,
		Level:     LevelOK,
	}
	if max > 0 {
		h.Utilization = float64(inUse) / float64(max)
	}
	switch {
	case h.Utilization > CriticalUtilization:
		h.Level = LevelCritical
	case h.Utilization > WarnUtilization:
		h.Level = LevelWarning
	}
	return h
}

// Worst returns the most severe level among the given reports.
func Worst(reports ...PoolHealth) string {
	level := LevelOK
	for _, r := range reports {
		switch r.Level {
		case LevelCritical:
			return LevelCritical
		case LevelWarning:
			level = LevelWarning
		}
	}
	return level
}
