package watch

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// Ticker advances one frame per UI tick. A frozen ticker means the UI loop
// stalled, independent of the daemon.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: spinner.Line.Frames}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

const spinnerDots = 5

// Spinner lights up when an event arrives and fades over ten seconds.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func NewSpinner() Spinner {
	return Spinner{}
}

func (s *Spinner) OnEvent() {
	s.dots = spinnerDots
	s.lastEvent = time.Now()
}

// Decay drops one dot for every two seconds without events.
func (s *Spinner) Decay() {
	if s.dots == 0 {
		return
	}
	s.dots = max(0, spinnerDots-int(time.Since(s.lastEvent)/(2*time.Second)))
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := range spinnerDots {
		if i < s.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
