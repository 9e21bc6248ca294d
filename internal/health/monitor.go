// Package health watches send outcomes for the signals that precede a
// WhatsApp ban: a climbing failure rate or a wall of consecutive failures.
// It never pauses anything itself; it raises a request the execution loop
// honors at its next supervision point.
package health

import (
	"fmt"
	"sync"
)

const windowSize = 50

// Thresholds are the alert and auto-pause trigger points. Rates are 0..1.
type Thresholds struct {
	WarnBanRate     *float64 `json:"warnBanRate,omitempty" validate:"omitempty,min=0,max=1"`
	PauseBanRate    *float64 `json:"pauseBanRate,omitempty" validate:"omitempty,min=0,max=1"`
	WarnConsecFail  *int     `json:"warnConsecFail,omitempty" validate:"omitempty,min=1"`
	PauseConsecFail *int     `json:"pauseConsecFail,omitempty" validate:"omitempty,min=1"`
	MinSample       *int     `json:"minSample,omitempty" validate:"omitempty,min=1"`
}

type thresholds struct {
	warnBanRate     float64
	pauseBanRate    float64
	warnConsecFail  int
	pauseConsecFail int
	minSample       int
}

func resolveThresholds(t *Thresholds) thresholds {
	r := thresholds{
		warnBanRate:     0.03,
		pauseBanRate:    0.05,
		warnConsecFail:  10,
		pauseConsecFail: 15,
		minSample:       20,
	}
	if t == nil {
		return r
	}
	if t.WarnBanRate != nil {
		r.warnBanRate = *t.WarnBanRate
	}
	if t.PauseBanRate != nil {
		r.pauseBanRate = *t.PauseBanRate
	}
	if t.WarnConsecFail != nil {
		r.warnConsecFail = *t.WarnConsecFail
	}
	if t.PauseConsecFail != nil {
		r.pauseConsecFail = *t.PauseConsecFail
	}
	if t.MinSample != nil {
		r.minSample = *t.MinSample
	}
	return r
}

// Alert is a warning surfaced to the campaign owner.
type Alert struct {
	Level               string  `json:"level"`
	Reason              string  `json:"reason"`
	BanRate             float64 `json:"banRate"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
}

// Snapshot is the monitor state for status endpoints.
type Snapshot struct {
	BanRate             float64 `json:"banRate"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	Outcomes            int     `json:"outcomes"`
	PauseRequested      bool    `json:"pauseRequested"`
	PauseReason         string  `json:"pauseReason,omitempty"`
}

// Monitor tracks the last windowSize outcomes of one campaign.
type Monitor struct {
	mu sync.Mutex

	th      thresholds
	onAlert func(Alert)

	window [windowSize]bool // true = failure
	size   int
	next   int
	fails  int

	consec int

	pauseRequested bool
	pauseReason    string
	banWarned      bool
	consecWarned   bool
}

// NewMonitor builds a monitor. onAlert may be nil.
func NewMonitor(t *Thresholds, onAlert func(Alert)) *Monitor {
	return &Monitor{th: resolveThresholds(t), onAlert: onAlert}
}

// Report records one send outcome and evaluates the thresholds.
func (m *Monitor) Report(success bool) {
	m.mu.Lock()

	failed := !success
	if m.size < windowSize {
		m.size++
	} else if m.window[m.next] {
		m.fails--
	}
	m.window[m.next] = failed
	if failed {
		m.fails++
	}
	m.next = (m.next + 1) % windowSize

	if success {
		m.consec = 0
		m.consecWarned = false
	} else {
		m.consec++
	}

	rate := m.banRateLocked()
	var alerts []Alert

	if m.consec >= m.th.pauseConsecFail && !m.pauseRequested {
		m.pauseRequested = true
		m.pauseReason = fmt.Sprintf("health: %d consecutive failures", m.consec)
	} else if m.consec >= m.th.warnConsecFail && !m.consecWarned {
		m.consecWarned = true
		alerts = append(alerts, Alert{
			Level:               "warning",
			Reason:              fmt.Sprintf("%d consecutive failures", m.consec),
			BanRate:             rate,
			ConsecutiveFailures: m.consec,
		})
	}

	if m.size >= m.th.minSample {
		if rate >= m.th.pauseBanRate && !m.pauseRequested {
			m.pauseRequested = true
			m.pauseReason = fmt.Sprintf("health: ban rate %.1f%%", rate*100)
		} else if rate >= m.th.warnBanRate && !m.banWarned {
			m.banWarned = true
			alerts = append(alerts, Alert{
				Level:               "warning",
				Reason:              fmt.Sprintf("ban rate %.1f%%", rate*100),
				BanRate:             rate,
				ConsecutiveFailures: m.consec,
			})
		}
	}

	onAlert := m.onAlert
	m.mu.Unlock()

	if onAlert != nil {
		for _, a := range alerts {
			onAlert(a)
		}
	}
}

func (m *Monitor) banRateLocked() float64 {
	if m.size == 0 {
		return 0
	}
	return float64(m.fails) / float64(m.size)
}

// BanRate is the failure fraction over the rolling window.
func (m *Monitor) BanRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banRateLocked()
}

// ConsecutiveFailures counts failures since the last success.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consec
}

// PauseRequested reports whether a threshold demanded an auto-pause, with
// the reason. The request is sticky until Reset.
func (m *Monitor) PauseRequested() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseRequested, m.pauseReason
}

// Reset clears the pause request and warning latches, keeping the outcome
// window. Resuming a campaign builds a fresh Monitor instead of calling it.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseRequested = false
	m.pauseReason = ""
	m.banWarned = false
	m.consecWarned = false
}

// Stats returns the current monitor state.
func (m *Monitor) Stats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		BanRate:             m.banRateLocked(),
		ConsecutiveFailures: m.consec,
		Outcomes:            m.size,
		PauseRequested:      m.pauseRequested,
		PauseReason:         m.pauseReason,
	}
}
