package platform

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"lautenbacher.net/autolight/config"
	"lautenbacher.net/autolight/leds"
	"lautenbacher.net/autolight/logging"
	"lautenbacher.net/autolight/sensor"
)

const (
	// Distance a simulated sensor sees when nobody is in front of it
	simFarDistance = 200.0
	redrawInterval = 50 * time.Millisecond
)

// Characters for the eighths of a bar, bottom up
var barChars = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// TUIPlatform simulates the PWM chip and the sensors in the terminal.
type TUIPlatform struct {
	*AbstractPlatform
	pwm          *SimPWM
	bus          *SimBus
	tviewapp     *tview.Application
	intro        *tview.TextView
	ledDisplay   *tview.TextView
	sensorView   *tview.TextView
	logView      *tview.TextView
	ossignalChan chan os.Signal
	logFlushOnce sync.Once
	redrawStop   chan struct{}
	redrawWg     sync.WaitGroup

	linesMu     sync.Mutex
	sensorLines []string
}

func NewTUIPlatform(conf *config.Config, ossignalchan chan os.Signal) *TUIPlatform {
	inst := &TUIPlatform{
		pwm: NewSimPWM(config.MaxChannels),
		bus: NewSimBus(len(conf.Hardware.Sensors.SensorCfg),
			conf.Hardware.Sensors.FactoryAddress, simFarDistance),
		ossignalChan: ossignalchan,
		redrawStop:   make(chan struct{}),
	}
	inst.AbstractPlatform = newAbstractPlatform(conf, inst.setSensorLines)
	return inst
}

func (s *TUIPlatform) Start() error {
	s.initSimulationTUI()

	s.redrawWg.Add(1)
	go s.redrawLoop()
	return nil
}

func (s *TUIPlatform) Stop() {
	s.setInShutdown()

	close(s.redrawStop)
	s.redrawWg.Wait()

	// the log pane is about to go away
	logging.BufferOutput()
	if s.tviewapp != nil {
		s.tviewapp.Stop()
	}
}

func (s *TUIPlatform) NewLedDriver() (leds.Driver, error) {
	return s.pwm.NewDriver()
}

func (s *TUIPlatform) SensorBus() sensor.Bus {
	return s.bus
}

func (s *TUIPlatform) EnableLine(index int) (sensor.EnableLine, error) {
	if _, err := s.xshutPin(index); err != nil {
		return nil, err
	}
	return s.bus.Line(index)
}

func (s *TUIPlatform) setSensorLines(lines []string) {
	s.linesMu.Lock()
	s.sensorLines = lines
	s.linesMu.Unlock()
}

func (s *TUIPlatform) redrawLoop() {
	defer s.redrawWg.Done()
	ticker := time.NewTicker(redrawInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.redrawStop:
			slog.Info("Ending TUI redraw go-routine...")
			return
		case <-ticker.C:
			s.tviewapp.QueueUpdateDraw(s.draw)
		}
	}
}

func (s *TUIPlatform) introText() string {
	line1 := fmt.Sprintf("Hit [blue]1[-]...[blue]%d[-] to step in front of a sensor, [#ff0000]b[-] to brown out the primary sensor",
		min(s.SensorCount(), 9))
	line2 := "Hit [#ff0000]f[-] to fail the next PWM write"
	line3 := "Hit [#ff0000]q[-] to exit, [#ff0000]r[-] to reload, [#ff0000]Up/Down[-] to scroll logs"
	return fmt.Sprintf("%s\n%s\n%s", line1, line2, line3)
}

func (s *TUIPlatform) initSimulationTUI() {
	s.tviewapp = tview.NewApplication()

	s.intro = pane(" AUTOLIGHT Simulation ", tview.AlignCenter, tcell.NewRGBColor(20, 20, 20))
	s.intro.SetText(s.introText())
	s.ledDisplay = pane(" PWM Channels ", tview.AlignLeft, tcell.NewRGBColor(30, 30, 30))
	s.sensorView = pane(" Sensors ", tview.AlignLeft, tcell.NewRGBColor(30, 30, 30))

	s.logView = pane(" Logs ", tview.AlignLeft, tcell.NewRGBColor(40, 40, 40))
	s.logView.SetScrollable(true).
		SetChangedFunc(func() {
			s.logView.ScrollToEnd()
			s.tviewapp.Draw()
		})

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(s.intro, 5, 0, false).
		// two bar rows, the channel numbers and the sensor line
		AddItem(s.ledDisplay, 6, 0, false).
		// five statistics lines and the chip line
		AddItem(s.sensorView, 8, 0, false).
		AddItem(s.logView, 0, 1, true)

	// Flush logs after first draw
	s.tviewapp.SetAfterDrawFunc(func(screen tcell.Screen) {
		s.logFlushOnce.Do(func() {
			logWriter := tview.ANSIWriter(s.logView)
			logging.SetOutput(logWriter)
			s.markReady()
		})
	})

	s.tviewapp.SetInputCapture(s.handleKey)

	go func() {
		if err := s.tviewapp.SetRoot(layout, true).Run(); err != nil {
			slog.Error("Error running TUI", "error", err)
			s.ossignalChan <- os.Interrupt
		}
	}()
}

func (s *TUIPlatform) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if signalKey(event, s.ossignalChan) {
		return nil
	}
	switch event.Key() {
	case tcell.KeyRune:
		r := event.Rune()
		if r >= '1' && r <= '9' {
			s.toggleSensor(int(r - '1'))
			return nil
		}
		switch r {
		case 'b', 'B':
			if s.SensorCount() > 0 {
				slog.Warn("Simulating brownout of primary sensor")
				s.bus.Brownout(0)
			}
			return nil
		case 'f', 'F':
			slog.Warn("Simulating PWM write failure")
			s.pwm.FailNextWrite()
			return nil
		}
	case tcell.KeyUp:
		row, col := s.logView.GetScrollOffset()
		s.logView.ScrollTo(row-1, col)
		return nil
	case tcell.KeyDown:
		row, col := s.logView.GetScrollOffset()
		s.logView.ScrollTo(row+1, col)
		return nil
	}
	return event
}

func (s *TUIPlatform) toggleSensor(index int) {
	if index >= s.SensorCount() {
		return
	}
	near := s.config.Hardware.Sensors.SensorCfg[index].TripDistance / 2
	present := s.bus.Toggle(index, near)
	slog.Debug("Toggled presence", "sensor", index+1, "present", present)
}

// draw redraws the channel and sensor panes. Must be called on the
// TUI thread.
func (s *TUIPlatform) draw() {
	s.ledDisplay.SetText(s.channelText(s.pwm.Duties(), s.bus.Chips()))

	s.linesMu.Lock()
	lines := s.sensorLines
	s.linesMu.Unlock()
	s.sensorView.SetText(strings.Join(append(append([]string(nil), lines...), chipLine(s.bus.Chips())), "\n"))
}

// channelText renders every channel as a two row bar with its number
// below and the sensor positions in the last row.
func (s *TUIPlatform) channelText(duties []uint16, chips []ChipState) string {
	total := s.config.Leds.Count + s.config.Leds.ExtraCount
	total = min(total, len(duties))

	var top, bottom, numbers, sensors strings.Builder
	for i := range total {
		t, b := bar(duties[i])
		color := dutyColor(duties[i])
		top.WriteString(" " + color + t + t + "[-]")
		bottom.WriteString(" " + color + b + b + "[-]")
		if i >= s.config.Leds.Count {
			numbers.WriteString(fmt.Sprintf("[gray]%3d[-]", i))
		} else {
			numbers.WriteString(fmt.Sprintf("%3d", i))
		}
		switch {
		case i >= len(chips):
			sensors.WriteString("   ")
		case chips[i].Distance < simFarDistance:
			sensors.WriteString(fmt.Sprintf(" [red]S%d[-]", i+1))
		default:
			sensors.WriteString(fmt.Sprintf(" [blue]S%d[-]", i+1))
		}
	}
	return strings.Join([]string{top.String(), bottom.String(), numbers.String(), sensors.String()}, "\n")
}

// bar returns the top and bottom character for a duty cycle.
func bar(duty uint16) (string, string) {
	if duty == 0 {
		return " ", "·"
	}
	eighths := max(1, int(duty)*16/0xFFFF)
	if eighths <= 8 {
		return barChars[0], barChars[eighths]
	}
	return barChars[eighths-8], barChars[8]
}

func dutyColor(duty uint16) string {
	v := 0x40 + int(duty)*(0xFF-0x40)/0xFFFF
	return fmt.Sprintf("[#%02x%02x%02x]", v, v, v/3)
}

func chipLine(chips []ChipState) string {
	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("[yellow]%-*s[white]", labelWidth, " Chips"))
	for _, c := range chips {
		state := "off"
		switch {
		case c.Powered && c.Ranging:
			state = "ranging"
		case c.Powered:
			state = "idle"
		}
		buf.WriteString(fmt.Sprintf(" 0x%02x %-7s %3.0f ", c.Address, state, c.Distance))
	}
	return buf.String()
}
