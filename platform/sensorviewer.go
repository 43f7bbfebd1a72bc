package platform

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/gammazero/deque"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/exp/slices"

	"lautenbacher.net/autolight/sensor"
)

const (
	maxSensorHistory = 500
	viewerTitle      = " AUTOLIGHT Sensor Viewer "
	colWidth         = 18 // Width for each sensor's data column
	labelWidth       = colWidth + 4
)

type sensorStats struct {
	min    float64
	max    float64
	mean   float64
	median float64
	stdDev float64
}

// sensorHistory keeps the last valid distances of every sensor and
// renders them as statistics columns.
type sensorHistory struct {
	mu       sync.Mutex
	values   []*deque.Deque[float64]
	failures []int
	last     sensor.Snapshot
}

func newSensorHistory(count int) *sensorHistory {
	h := &sensorHistory{
		values:   make([]*deque.Deque[float64], count),
		failures: make([]int, count),
	}
	for i := range h.values {
		h.values[i] = new(deque.Deque[float64])
		h.values[i].Grow(maxSensorHistory)
	}
	return h
}

// push records snap and returns the rendered lines.
func (h *sensorHistory) push(snap sensor.Snapshot) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, d := range snap.Distance {
		if i >= len(h.values) {
			break
		}
		if d == sensor.InvalidDistance {
			h.failures[i]++
			continue
		}
		q := h.values[i]
		if q.Len() == maxSensorHistory {
			q.PopFront()
		}
		q.PushBack(d)
	}
	h.last = snap
	return h.prepareDisplayStrings()
}

// prepareDisplayStrings generates the output strings from the current
// sensor data. Must be called with the mutex held.
func (h *sensorHistory) prepareDisplayStrings() []string {
	var buft, bufm, bufn, bufc strings.Builder

	buft.WriteString(fmt.Sprintf("[yellow]%-*s[white]", labelWidth, " [min|mean|max] cm"))
	bufm.WriteString(fmt.Sprintf("[yellow]%-*s[white]", labelWidth, " Std Dev | Failures"))
	bufn.WriteString(fmt.Sprintf("[yellow]%-*s[white]", labelWidth, " Addr: Trip distance"))
	bufc.WriteString(fmt.Sprintf("[yellow]%-*s[white]", labelWidth, " Current"))

	for i, q := range h.values {
		data := make([]float64, q.Len())
		for j := range q.Len() {
			data[j] = q.At(j)
		}
		stats := calculateStats(data)

		buft.WriteString(fmt.Sprintf(" [%4.0f|%4.0f|%4.0f] ", stats.min, math.Round(stats.mean), stats.max))
		bufm.WriteString(fmt.Sprintf("   %5.1f | %-5d   ", stats.stdDev, h.failures[i]))

		var addr uint16
		var threshold, current float64 = 0, sensor.InvalidDistance
		var tripped bool
		if i < len(h.last.Addresses) {
			addr = h.last.Addresses[i]
			threshold = h.last.Threshold[i]
			current = h.last.Distance[i]
			tripped = h.last.Tripped[i]
		}
		bufn.WriteString(fmt.Sprintf("     [blue]0x%02x:[-] %-5.1f   ", addr, threshold))
		switch {
		case current == sensor.InvalidDistance:
			bufc.WriteString(fmt.Sprintf("       %-5s      ", "----"))
		case tripped:
			bufc.WriteString(fmt.Sprintf("       [red]%5.1f[-]      ", current))
		default:
			bufc.WriteString(fmt.Sprintf("       %5.1f      ", current))
		}
	}

	status := fmt.Sprintf(" Bus recoveries: %d", h.last.Recoveries)
	if h.last.Recovering {
		status += " [red](recovering)[-]"
	}
	return []string{buft.String(), bufm.String(), bufn.String(), bufc.String(), status}
}

// SensorViewer is a TUI component for watching the real sensors.
type SensorViewer struct {
	tuiApp   *tview.Application
	view     *tview.TextView
	count    int
	ossignal chan os.Signal
}

// NewSensorViewer creates a viewer for count sensors.
func NewSensorViewer(count int, ossignal chan os.Signal) *SensorViewer {
	return &SensorViewer{
		tuiApp:   tview.NewApplication(),
		count:    count,
		ossignal: ossignal,
	}
}

// Start runs the TUI until stop is closed. Call it as a goroutine.
func (sv *SensorViewer) Start(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	sv.tuiApp.SetRoot(sv.layout(), true).SetFocus(sv.view)
	sv.tuiApp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if signalKey(event, sv.ossignal) {
			return nil
		}
		return event
	})
	go func() {
		<-stop
		sv.tuiApp.Stop()
	}()

	if err := sv.tuiApp.Run(); err != nil {
		slog.Error("Sensor viewer failed", "error", err)
		sv.ossignal <- os.Interrupt
		return
	}
	slog.Debug("Sensor viewer closed")
}

// Update schedules a redraw with the given lines. Safe for concurrent
// use.
func (sv *SensorViewer) Update(lines []string) {
	text := strings.Join(lines, "\n")
	sv.tuiApp.QueueUpdateDraw(func() {
		sv.view.SetText(text)
	})
}

func (sv *SensorViewer) layout() *tview.Flex {
	bg := tcell.ColorDarkSlateGray
	sv.view = pane(viewerTitle, tview.AlignLeft, bg)
	intro := pane(" AUTOLIGHT ", tview.AlignCenter, bg)
	intro.SetText("Live readings of the connected sensors.\n" +
		"[#ff0000]q[-] quits, [#ff0000]r[-] reloads the config file")

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(intro, 4, 1, false).
		// five text lines and the border
		AddItem(sv.view, 7, 1, true)
	flex.SetRect(1, 1, labelWidth+colWidth*sv.count, 12)
	return flex
}

func calculateStats(data []float64) sensorStats {
	n := len(data)
	if n == 0 {
		return sensorStats{}
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)

	st := sensorStats{min: sorted[0], max: sorted[n-1], median: sorted[n/2]}
	if n%2 == 0 {
		st.median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	for _, v := range sorted {
		st.mean += v
	}
	st.mean /= float64(n)

	var variance float64
	for _, v := range sorted {
		variance += (v - st.mean) * (v - st.mean)
	}
	st.stdDev = math.Sqrt(variance / float64(n))
	return st
}
