package alerts

import (
	"sync"
	"time"
)

// RequiredGap returns the minimum gap before the next alarm given how many
// alarms have already been sent for the target. Pure function so the
// escalation schedule is testable in isolation.
//
// alarm #1 fires immediately, then gaps of 6h, 12h, 24h, and 48h for every
// subsequent alarm.
func RequiredGap(alarmCount int) time.Duration {
	switch alarmCount {
	case 0:
		return 0
	case 1:
		return 6 * time.Hour
	case 2:
		return 12 * time.Hour
	case 3:
		return 24 * time.Hour
	default:
		return 48 * time.Hour
	}
}

type alarmRecord struct {
	lastAlarmAt time.Time
	alarmCount  int
}

// progressiveState holds per-target escalation counters.
type progressiveState struct {
	records map[string]*alarmRecord
	mu      sync.Mutex
}

func newProgressiveState() *progressiveState {
	return &progressiveState{
		records: make(map[string]*alarmRecord),
	}
}

func (p *progressiveState) shouldSend(target string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[target]
	if !ok {
		return true
	}
	return now.Sub(rec.lastAlarmAt) >= RequiredGap(rec.alarmCount)
}

func (p *progressiveState) markSent(target string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[target]
	if !ok {
		rec = &alarmRecord{}
		p.records[target] = rec
	}
	rec.lastAlarmAt = now
	rec.alarmCount++
}

func (p *progressiveState) clear(target string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[target]
	if !ok {
		return false
	}
	delete(p.records, target)
	return rec.alarmCount > 0
}

func (p *progressiveState) count(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[target]; ok {
		return rec.alarmCount
	}
	return 0
}
