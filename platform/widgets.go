package platform

import (
	"os"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

var titleColor = tcell.ColorLightBlue

// pane is a bordered text view with color tags enabled.
func pane(title string, align int, bg tcell.Color) *tview.TextView {
	v := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(align)
	v.SetBorder(true).SetTitle(title).SetTitleColor(titleColor)
	v.SetBackgroundColor(bg)
	return v
}

// signalKey maps the keys shared by all screens to process signals:
// q and Ctrl-C quit, r reloads the config file. Returns false for
// other keys.
func signalKey(event *tcell.EventKey, ossignal chan<- os.Signal) bool {
	var sig os.Signal
	switch {
	case event.Key() == tcell.KeyCtrlC:
		sig = os.Interrupt
	case event.Key() != tcell.KeyRune:
		return false
	case event.Rune() == 'q' || event.Rune() == 'Q':
		sig = os.Interrupt
	case event.Rune() == 'r' || event.Rune() == 'R':
		sig = syscall.SIGHUP
	default:
		return false
	}
	ossignal <- sig
	return true
}
