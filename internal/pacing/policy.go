// Package pacing computes the delays, rests and hour-window gates that keep a
// blast campaign looking like a human tapping out messages instead of a bot
// draining a queue. Defaults scale with the age of the WhatsApp account: fresh
// accounts get banned for volumes an established account shrugs off.
package pacing

import (
	"math/rand"
	"sync"
	"time"
)

// Tier buckets a messenger account by age.
type Tier string

const (
	TierNew         Tier = "NEW"         // 0-7 days
	TierWarming     Tier = "WARMING"     // 8-30 days
	TierEstablished Tier = "ESTABLISHED" // >30 days
)

// ParseTier maps a config string to a Tier, defaulting to NEW: the safest
// assumption about an account we know nothing about.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierWarming:
		return TierWarming
	case TierEstablished:
		return TierEstablished
	}
	return TierNew
}

// TierForAge derives the tier from account age.
func TierForAge(age time.Duration) Tier {
	days := int(age.Hours() / 24)
	switch {
	case days <= 7:
		return TierNew
	case days <= 30:
		return TierWarming
	}
	return TierEstablished
}

// DurationRange is a uniform random interval.
type DurationRange struct {
	Min, Max time.Duration
}

func (r DurationRange) pick(rng *rand.Rand) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rng.Int63n(int64(r.Max-r.Min)))
}

type tierDefaults struct {
	delay       DurationRange
	restEvery   int
	rest        DurationRange
	dailyCapMin int
	dailyCapMax int
}

var defaults = map[Tier]tierDefaults{
	TierNew: {
		delay:       DurationRange{90 * time.Second, 300 * time.Second},
		restEvery:   40,
		rest:        DurationRange{60 * time.Minute, 120 * time.Minute},
		dailyCapMin: 40,
		dailyCapMax: 60,
	},
	TierWarming: {
		delay:       DurationRange{60 * time.Second, 180 * time.Second},
		restEvery:   60,
		rest:        DurationRange{45 * time.Minute, 90 * time.Minute},
		dailyCapMin: 80,
		dailyCapMax: 120,
	},
	TierEstablished: {
		delay:       DurationRange{45 * time.Second, 150 * time.Second},
		restEvery:   80,
		rest:        DurationRange{30 * time.Minute, 60 * time.Minute},
		dailyCapMin: 150,
		dailyCapMax: 200,
	},
}

// WindowConfig describes the business-hours gate.
type WindowConfig struct {
	StartHour       *int  `json:"startHour,omitempty"`
	EndHour         *int  `json:"endHour,omitempty"`
	LunchStart      *int  `json:"lunchStart,omitempty"`
	LunchEnd        *int  `json:"lunchEnd,omitempty"`
	ExcludeWeekends *bool `json:"excludeWeekends,omitempty"`
}

// ChaosConfig holds the dice-roll probabilities for human-simulation pauses.
// Values are 0..1; nil fields keep the defaults.
type ChaosConfig struct {
	Distraction *float64 `json:"distraction,omitempty"`
	AppSwitch   *float64 `json:"appSwitch,omitempty"`
	LongBreak   *float64 `json:"longBreak,omitempty"`
	TypoPause   *float64 `json:"typoPause,omitempty"`
}

// Overrides lets campaign config replace any tier default. Seconds and
// minutes match the units operators think in.
type Overrides struct {
	DelayMinSeconds *int         `json:"delayMinSeconds,omitempty" validate:"omitempty,min=0"`
	DelayMaxSeconds *int         `json:"delayMaxSeconds,omitempty" validate:"omitempty,min=0"`
	RestEvery       *int         `json:"restEvery,omitempty" validate:"omitempty,min=1"`
	RestMinMinutes  *int         `json:"restMinMinutes,omitempty" validate:"omitempty,min=0"`
	RestMaxMinutes  *int         `json:"restMaxMinutes,omitempty" validate:"omitempty,min=0"`
	DailyCap        *int         `json:"dailyCap,omitempty" validate:"omitempty,min=1"`
	Chaos           *ChaosConfig `json:"chaos,omitempty"`
}

// Options configures Resolve.
type Options struct {
	Tier          Tier
	RespectWindow bool
	Window        *WindowConfig
	Overrides     *Overrides
	// Rand drives every dice roll and range pick. Nil seeds from the clock.
	Rand *rand.Rand
}

type window struct {
	enabled         bool
	startHour       int
	endHour         int
	lunchStart      int
	lunchEnd        int
	hasLunch        bool
	excludeWeekends bool
}

type chaos struct {
	distraction float64
	appSwitch   float64
	longBreak   float64
	typoPause   float64
}

// Policy answers every pacing question the execution loop asks. Methods are
// safe for a single loop goroutine; the internal mutex only guards the
// random source against the occasional concurrent probe from status calls.
type Policy struct {
	mu sync.Mutex

	tier      Tier
	delay     DurationRange
	restEvery int
	rest      DurationRange
	dailyCap  int
	win       window
	chaos     chaos
	rng       *rand.Rand
}

// Resolve builds a Policy from campaign options and the account-age tier.
func Resolve(opts Options) *Policy {
	tier := opts.Tier
	if _, ok := defaults[tier]; !ok {
		tier = TierNew
	}
	d := defaults[tier]

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	p := &Policy{
		tier:      tier,
		delay:     d.delay,
		restEvery: d.restEvery,
		rest:      d.rest,
		rng:       rng,
		chaos: chaos{
			distraction: 0.05,
			appSwitch:   0.05,
			longBreak:   0.10,
			typoPause:   0.15,
		},
		win: window{
			enabled:         opts.RespectWindow,
			startHour:       9,
			endHour:         17,
			lunchStart:      12,
			lunchEnd:        13,
			hasLunch:        true,
			excludeWeekends: true,
		},
	}

	// The daily cap is picked once per policy so a campaign does not get a
	// fresh roll every time the loop checks it.
	p.dailyCap = d.dailyCapMin
	if d.dailyCapMax > d.dailyCapMin {
		p.dailyCap += rng.Intn(d.dailyCapMax - d.dailyCapMin + 1)
	}

	if w := opts.Window; w != nil {
		if w.StartHour != nil {
			p.win.startHour = *w.StartHour
		}
		if w.EndHour != nil {
			p.win.endHour = *w.EndHour
		}
		if w.LunchStart != nil && w.LunchEnd != nil {
			p.win.lunchStart = *w.LunchStart
			p.win.lunchEnd = *w.LunchEnd
			p.win.hasLunch = *w.LunchEnd > *w.LunchStart
		}
		if w.ExcludeWeekends != nil {
			p.win.excludeWeekends = *w.ExcludeWeekends
		}
	}

	if o := opts.Overrides; o != nil {
		if o.DelayMinSeconds != nil {
			p.delay.Min = time.Duration(*o.DelayMinSeconds) * time.Second
		}
		if o.DelayMaxSeconds != nil {
			p.delay.Max = time.Duration(*o.DelayMaxSeconds) * time.Second
		}
		if o.RestEvery != nil {
			p.restEvery = *o.RestEvery
		}
		if o.RestMinMinutes != nil {
			p.rest.Min = time.Duration(*o.RestMinMinutes) * time.Minute
		}
		if o.RestMaxMinutes != nil {
			p.rest.Max = time.Duration(*o.RestMaxMinutes) * time.Minute
		}
		if o.DailyCap != nil {
			p.dailyCap = *o.DailyCap
		}
		if c := o.Chaos; c != nil {
			if c.Distraction != nil {
				p.chaos.distraction = *c.Distraction
			}
			if c.AppSwitch != nil {
				p.chaos.appSwitch = *c.AppSwitch
			}
			if c.LongBreak != nil {
				p.chaos.longBreak = *c.LongBreak
			}
			if c.TypoPause != nil {
				p.chaos.typoPause = *c.TypoPause
			}
		}
	}

	return p
}

func (p *Policy) Tier() Tier { return p.tier }

// InterMessageDelay picks the pause between two consecutive sends.
func (p *Policy) InterMessageDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay.pick(p.rng)
}

// RestThreshold is the number of sends before a mandatory long rest.
func (p *Policy) RestThreshold() int { return p.restEvery }

// RestDuration picks the length of the long rest.
func (p *Policy) RestDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rest.pick(p.rng)
}

// DailyCap is the maximum number of sends per local day.
func (p *Policy) DailyCap() int { return p.dailyCap }

// WindowEnabled reports whether the business-hours gate applies.
func (p *Policy) WindowEnabled() bool { return p.win.enabled }

// IsWithinWindow reports whether now falls inside the send window.
func (p *Policy) IsWithinWindow(now time.Time) bool {
	if !p.win.enabled {
		return true
	}
	if p.win.excludeWeekends {
		switch now.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}
	h := now.Hour()
	if h < p.win.startHour || h >= p.win.endHour {
		return false
	}
	if p.win.hasLunch && h >= p.win.lunchStart && h < p.win.lunchEnd {
		return false
	}
	return true
}

// NextSendAt returns the next instant inside the window, stepping hour by
// hour. Bounded at two weeks so a window that never opens cannot spin.
func (p *Policy) NextSendAt(now time.Time) time.Time {
	if p.IsWithinWindow(now) {
		return now
	}
	t := now.Truncate(time.Hour)
	for i := 0; i < 14*24; i++ {
		t = t.Add(time.Hour)
		if p.IsWithinWindow(t) {
			return t
		}
	}
	return now
}

// TypingDelay simulates composing a message of n characters.
func (p *Policy) TypingDelay(n int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var r DurationRange
	switch {
	case n < 50:
		r = DurationRange{2 * time.Second, 5 * time.Second}
	case n <= 150:
		r = DurationRange{5 * time.Second, 10 * time.Second}
	default:
		r = DurationRange{10 * time.Second, 20 * time.Second}
	}
	return r.pick(p.rng)
}

// Pause is one human-simulation sleep with its reason, for logging.
type Pause struct {
	Reason string
	D      time.Duration
}

// ChaosPauses rolls the per-send dice: typing time first, then the optional
// distraction, app-switch, long-break and typo pauses, then the final
// hesitation. Each roll is independent.
func (p *Policy) ChaosPauses(textLen int) []Pause {
	pauses := []Pause{{Reason: "typing", D: p.TypingDelay(textLen)}}

	p.mu.Lock()
	defer p.mu.Unlock()

	roll := func(prob float64) bool {
		return prob > 0 && p.rng.Float64() < prob
	}
	if roll(p.chaos.distraction) {
		pauses = append(pauses, Pause{"distraction", DurationRange{30 * time.Second, 120 * time.Second}.pick(p.rng)})
	}
	if roll(p.chaos.appSwitch) {
		pauses = append(pauses, Pause{"app_switch", DurationRange{60 * time.Second, 180 * time.Second}.pick(p.rng)})
	}
	if roll(p.chaos.longBreak) {
		pauses = append(pauses, Pause{"long_break", DurationRange{5 * time.Minute, 15 * time.Minute}.pick(p.rng)})
	}
	if roll(p.chaos.typoPause) {
		pauses = append(pauses, Pause{"typo_correction", DurationRange{1 * time.Second, 4 * time.Second}.pick(p.rng)})
	}
	pauses = append(pauses, Pause{"hesitation", DurationRange{500 * time.Millisecond, 2 * time.Second}.pick(p.rng)})
	return pauses
}
