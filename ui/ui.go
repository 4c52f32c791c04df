package ui

import (
	"bufio"
	"context"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/layout"
	"fyne.io/fyne/v2/widget"
	"go.uber.org/zap"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/controller"
)

const maxLogLines = 200

// Pump is the part of *controller.Controller driven by the buttons
type Pump interface {
	RunProfile(flowcal.Profile, flowcal.Unit) (*controller.RunResult, error)
	Home() (int, error)
}

var _ Pump = &controller.Controller{}

// PumpUI is the control panel. It implements io.Writer so console output can be shown in its log view.
type PumpUI struct {
	app    fyne.App
	logger *zap.SugaredLogger

	logMtx   sync.Mutex
	logLines []string
	logText  *widget.Label
}

func NewPumpUI(logger *zap.SugaredLogger) *PumpUI {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PumpUI{
		app:     app.NewWithID("io.github.flowcal"),
		logger:  logger.Named("ui"),
		logText: widget.NewLabel(""),
	}
}

// Write appends console output to the log view
func (ui *PumpUI) Write(p []byte) (int, error) {
	ui.logMtx.Lock()
	for line := range strings.SplitSeq(strings.TrimRight(string(p), "\n"), "\n") {
		ui.logLines = append(ui.logLines, line)
	}
	if len(ui.logLines) > maxLogLines {
		ui.logLines = ui.logLines[len(ui.logLines)-maxLogLines:]
	}
	text := strings.Join(ui.logLines, "\n")
	ui.logMtx.Unlock()

	fyne.Do(func() {
		ui.logText.SetText(text)
	})
	return len(p), nil
}

// Run shows the configuration window and then the control panel. open is called with the submitted
// configuration and returns the pump; the console of the pump reads commands from console. Run
// blocks until the application quits or ctx is done.
func (ui *PumpUI) Run(ctx context.Context, cfg controller.Config, open func(controller.Config) (Pump, error), console io.Writer) {
	configWindow := NewConfigWindow(ui.app)
	configWindow.OnSubmit = func() {
		pump, err := open(cfg)
		if err != nil {
			window := ui.app.NewWindow("Flowcal")
			window.Show()
			showError(ui.app, window, fmt.Errorf("error opening pump: %w", err))
			return
		}
		ui.showPanel(ctx, pump, console)
	}
	configWindow.Show(&cfg)

	go func() {
		<-ctx.Done()
		fyne.Do(func() {
			ui.app.Quit()
		})
	}()

	ui.app.Run()
}

func (ui *PumpUI) showPanel(ctx context.Context, pump Pump, console io.Writer) {
	window := ui.app.NewWindow("Flowcal")

	currentState := stateIdle
	stateLabel := widget.NewLabel(currentState.String())

	runTimer := newTimer(true)
	lastEventTimer := newTimer(false)
	runTimer.Go(ctx)
	lastEventTimer.Go(ctx)

	manual := &controllerWrapper{writer: console, lastEventTimer: lastEventTimer}

	unitSelect := widget.NewSelect(unitNames(), nil)
	unitSelect.SetSelected(string(flowcal.UnitPosition))

	profileEntry := widget.NewMultiLineEntry()
	profileEntry.SetPlaceHolder("time value\n0 0\n1 10\n2 0")
	profileEntry.SetMinRowsVisible(5)

	summary := newSummaryView()

	var runButton, homeButton *widget.Button
	setState := func(s state) {
		currentState = s
		stateLabel.SetText(s.String())
		if s.busy() {
			runButton.Disable()
			homeButton.Disable()
			return
		}
		runButton.Enable()
		homeButton.Enable()
	}

	homeButton = widget.NewButton("Home", func() {
		setState(stateHoming)
		lastEventTimer.Set(time.Now())
		go func() {
			iterations, err := pump.Home()
			fyne.Do(func() {
				if err != nil {
					ui.logger.Errorw("homing failed", "error", err)
					fmt.Fprintf(ui, "homing failed: %s\n", err)
					setState(stateFailed)
					return
				}
				fmt.Fprintf(ui, "homed in %d iterations\n", iterations)
				setState(stateIdle)
			})
		}()
	})

	runButton = widget.NewButton("Run", func() {
		profile, err := parseProfile(profileEntry.Text)
		if err != nil {
			fmt.Fprintf(ui, "invalid profile: %s\n", err)
			return
		}
		unit, err := flowcal.ParseUnit(unitSelect.Selected)
		if err != nil {
			fmt.Fprintf(ui, "%s\n", err)
			return
		}

		setState(stateRunning)
		runTimer.text.Color = color.RGBA{R: 139, G: 0, B: 0, A: 255}
		runTimer.Set(time.Now())
		go func() {
			result, err := pump.RunProfile(profile, unit)
			fyne.Do(func() {
				runTimer.Stop()
				runTimer.text.Color = nil
				if err != nil {
					ui.logger.Errorw("run failed", "error", err)
					fmt.Fprintf(ui, "run failed: %s\n", err)
					setState(stateFailed)
					return
				}
				summary.set(result.Summary)
				fmt.Fprintf(ui, "run %s complete\n", result.ID)
				setState(stateDone)
			})
		}()
	})

	manualContainer := container.NewHBox(
		widget.NewButton("Jog -", func() { manual.Jog(-1) }),
		widget.NewButton("Jog +", func() { manual.Jog(+1) }),
		widget.NewButton("Sensors", manual.Sensors),
		widget.NewButton("Arm", manual.Arm),
		widget.NewButton("Beep", manual.Beep),
		layout.NewSpacer(),
		widget.NewButton("Stop", manual.Stop),
	)

	logScroll := container.NewVScroll(ui.logText)
	logScroll.SetMinSize(fyne.NewSize(300, 120))
	logAccordion := widget.NewAccordion(
		widget.NewAccordionItem("Logs", logScroll),
	)

	content := container.NewVBox(
		container.NewHBox(
			container.NewPadded(runTimer.text),
			container.NewPadded(lastEventTimer.text),
			layout.NewSpacer(),
			stateLabel,
		),
		container.NewGridWithColumns(2, widget.NewLabel("Unit:"), unitSelect),
		profileEntry,
		container.NewHBox(homeButton, runButton),
		manualContainer,
		summary.container,
		logAccordion,
	)

	window.SetContent(content)
	window.Resize(fyne.NewSize(500, 400))
	window.SetCloseIntercept(func() {
		manual.Stop()
		ui.app.Quit()
	})
	window.Show()
}

type summaryView struct {
	maxTime   *widget.Label
	flow      *widget.Label
	volume    *widget.Label
	container *fyne.Container
}

func newSummaryView() *summaryView {
	v := &summaryView{
		maxTime: widget.NewLabel("-"),
		flow:    widget.NewLabel("-"),
		volume:  widget.NewLabel("-"),
	}
	v.container = container.NewGridWithColumns(2,
		widget.NewLabel("Duration [s]:"), v.maxTime,
		widget.NewLabel("Flow [ml/s]:"), v.flow,
		widget.NewLabel("Volume [ml]:"), v.volume,
	)
	return v
}

func (v *summaryView) set(s controller.Summary) {
	v.maxTime.SetText(fmt.Sprintf("%.3f", s.MaxTime))
	v.flow.SetText(fmt.Sprintf("%.3f to %.3f", s.MinFlow, s.MaxFlow))
	v.volume.SetText(fmt.Sprintf("%.3f to %.3f", s.MinVolume, s.MaxVolume))
}

func unitNames() []string {
	names := make([]string, len(flowcal.Units))
	for i, u := range flowcal.Units {
		names[i] = string(u)
	}
	return names
}

// parseProfile reads one "time value" pair per line. Commas also separate fields and lines starting
// with # are ignored.
func parseProfile(text string) (flowcal.Profile, error) {
	var points []flowcal.Point

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) != 2 {
			return flowcal.Profile{}, fmt.Errorf("line %d: expected time and value", lineNum)
		}

		t, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return flowcal.Profile{}, fmt.Errorf("line %d: invalid time: %w", lineNum, err)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return flowcal.Profile{}, fmt.Errorf("line %d: invalid value: %w", lineNum, err)
		}
		points = append(points, flowcal.Point{Time: t, Value: v})
	}

	profile := flowcal.NewProfile(points...)
	return profile, profile.Validate()
}
