package executor

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProgressUpdate is one progress reading extracted from remote output
type ProgressUpdate struct {
	Percent float64
	Step    int // 0 when the line carried no a/b counter
	Total   int
	Stage   string // Set for trainer stage lines
	Message string
}

// StageLine reports whether u came from a trainer stage line rather than a bar
func (u ProgressUpdate) StageLine() bool {
	return u.Stage != ""
}

var (
	// tqdm style: " 42%|████▎     | 21/50 [00:10<00:14, 2.01it/s]"
	barPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%\|[^|]*\|\s*(\S*)`)
	// trainer stage lines: "[12:04:55] 📊 TRAINING (40%) - epoch 1/2" or "[12:04:55] ▶️  TRAINING - starting"
	stagePattern = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\]\s*(?:📊|▶️?)\s*([A-Z0-9_]+)\s*(?:\((\d{1,3}(?:\.\d+)?)%\))?\s*(?:-\s*(.*))?$`)
	fracPattern  = regexp.MustCompile(`^(\d+)/(\d+)$`)
)

// ProgressLineParser extracts progress updates from streamed output lines
type ProgressLineParser struct{}

// Parse returns the update carried by line, if any
func (ProgressLineParser) Parse(line string) (ProgressUpdate, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ProgressUpdate{}, false
	}

	if m := stagePattern.FindStringSubmatch(line); m != nil {
		var pct float64
		if m[2] != "" {
			var ok bool
			if pct, ok = parsePercent(m[2]); !ok {
				return ProgressUpdate{}, false
			}
		}
		return ProgressUpdate{Percent: pct, Stage: m[1], Message: m[3]}, true
	}

	m := barPattern.FindStringSubmatch(line)
	if m == nil {
		return ProgressUpdate{}, false
	}
	pct, ok := parsePercent(m[1])
	if !ok {
		return ProgressUpdate{}, false
	}
	update := ProgressUpdate{Percent: pct, Message: line}
	if f := fracPattern.FindStringSubmatch(m[2]); f != nil {
		step, errA := strconv.Atoi(f[1])
		total, errB := strconv.Atoi(f[2])
		if errA == nil && errB == nil && total > 0 && step <= total {
			update.Step = step
			update.Total = total
		}
	}
	return update, true
}

func parsePercent(s string) (float64, bool) {
	pct, err := strconv.ParseFloat(s, 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}

// ProgressThrottle limits how often updates reach the tracker: an update is
// forwarded only once percent has advanced a full point and minInterval has
// elapsed since the last forwarded one. 100% is always forwarded once.
type ProgressThrottle struct {
	minInterval time.Duration
	now         func() time.Time

	mu          sync.Mutex
	lastPercent float64
	lastSent    time.Time
	sentAny     bool
	sentDone    bool
}

// NewProgressThrottle creates a throttle with the given minimum interval
func NewProgressThrottle(minInterval time.Duration) *ProgressThrottle {
	return &ProgressThrottle{minInterval: minInterval, now: time.Now}
}

// Allow reports whether u should be forwarded, recording it if so
func (t *ProgressThrottle) Allow(u ProgressUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if u.Percent >= 100 {
		if t.sentDone {
			return false
		}
		t.record(u.Percent, now)
		t.sentDone = true
		return true
	}

	if t.sentAny {
		if u.Percent-t.lastPercent < 1 {
			return false
		}
		if now.Sub(t.lastSent) < t.minInterval {
			return false
		}
	}
	t.record(u.Percent, now)
	return true
}

// Reset forgets the forwarded history, used when a new stage starts
func (t *ProgressThrottle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastPercent = 0
	t.lastSent = time.Time{}
	t.sentAny = false
	t.sentDone = false
}

func (t *ProgressThrottle) record(pct float64, now time.Time) {
	t.lastPercent = pct
	t.lastSent = now
	t.sentAny = true
}
