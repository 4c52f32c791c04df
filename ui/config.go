package ui

import (
	"errors"
	"fmt"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/data/binding"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"github.com/Lars-Olof-Turesson/flowcal/controller"
	"github.com/Lars-Olof-Turesson/flowcal/modbus"
)

// textField is a string setting persisted in the app preferences
type textField struct {
	key         string
	label       string
	placeholder string
	value       func(*controller.Config) *string
}

var (
	driveFields = []textField{
		{"baudRate", "Baud Rate:", "", func(c *controller.Config) *string { return &c.BaudRate }},
		{"calibrationFile", "Calibration File:", "default calibration", func(c *controller.Config) *string { return &c.CalibrationFile }},
	}
	recordingFields = []textField{
		{"twchartAddr", "TWChart Address:", "optional", func(c *controller.Config) *string { return &c.TWChartAddr }},
		{"sessionName", "Session Name:", "", func(c *controller.Config) *string { return &c.SessionName }},
		{"mqttBroker", "MQTT Broker:", "optional", func(c *controller.Config) *string { return &c.MQTTBroker }},
	}
)

const (
	serialPortKey  = "serialPort"
	wordOrderKey   = "wordOrder"
	homingLimitKey = "maxHomingIterations"
)

// ConfigWindow asks for the drive connection before the panel opens
type ConfigWindow struct {
	app      fyne.App
	OnSubmit func()
}

func NewConfigWindow(app fyne.App) *ConfigWindow {
	return &ConfigWindow{app: app}
}

func allFields() []textField {
	return append(append([]textField{}, driveFields...), recordingFields...)
}

func (cw *ConfigWindow) loadPreferences(cfg *controller.Config) {
	prefs := cw.app.Preferences()
	for _, f := range allFields() {
		v := f.value(cfg)
		*v = prefs.StringWithFallback(f.key, *v)
	}
	cfg.SerialPort = prefs.StringWithFallback(serialPortKey, cfg.SerialPort)
	cfg.WordOrder = prefs.StringWithFallback(wordOrderKey, cfg.WordOrder)
	cfg.MaxHomingIterations = prefs.IntWithFallback(homingLimitKey, cfg.MaxHomingIterations)
}

func (cw *ConfigWindow) savePreferences(cfg *controller.Config) {
	prefs := cw.app.Preferences()
	for _, f := range allFields() {
		prefs.SetString(f.key, *f.value(cfg))
	}
	prefs.SetString(serialPortKey, cfg.SerialPort)
	prefs.SetString(wordOrderKey, cfg.WordOrder)
	prefs.SetInt(homingLimitKey, cfg.MaxHomingIterations)
}

func formRow(label string, w fyne.CanvasObject) fyne.CanvasObject {
	return container.NewGridWithColumns(2, widget.NewLabel(label), w)
}

func textRows(cfg *controller.Config, fields []textField, onChanged func(string)) []fyne.CanvasObject {
	rows := make([]fyne.CanvasObject, 0, len(fields))
	for _, f := range fields {
		entry := widget.NewEntry()
		entry.SetPlaceHolder(f.placeholder)
		entry.Bind(binding.BindString(f.value(cfg)))
		entry.OnChanged = onChanged
		rows = append(rows, formRow(f.label, entry))
	}
	return rows
}

// Show opens the window with cfg overlaid by the saved preferences. The form edits cfg in place and
// OnSubmit is called once it passes validation.
func (cw *ConfigWindow) Show(cfg *controller.Config) {
	window := cw.app.NewWindow("Flowcal - Configuration")
	window.Resize(fyne.NewSize(450, 350))
	window.SetCloseIntercept(func() {
		window.Close()
		cw.app.Quit()
	})
	window.Show()

	cw.loadPreferences(cfg)

	ports, err := modbus.SerialPorts()
	if err != nil && !errors.Is(err, modbus.ErrNoUSBSerial) {
		showError(cw.app, window, fmt.Errorf("error getting serial ports: %w", err))
		return
	}
	ports = append(ports, modbus.SerialPortNone)
	if cfg.SerialPort == "" {
		cfg.SerialPort = ports[0]
	}

	submit := widget.NewButton("Submit", func() {
		cw.savePreferences(cfg)
		cw.OnSubmit()
		window.Close()
	})

	validate := func(string) {
		if _, err := cfg.ModbusConfig(); err != nil || cfg.SerialPort == "" {
			submit.Disable()
			return
		}
		submit.Enable()
	}

	portSelect := widget.NewSelect(ports, nil)
	portSelect.Bind(binding.BindString(&cfg.SerialPort))
	portSelect.OnChanged = validate

	wordOrder := widget.NewSelect([]string{modbus.LowWordFirst.String(), modbus.HighWordFirst.String()}, nil)
	wordOrder.Bind(binding.BindString(&cfg.WordOrder))
	wordOrder.OnChanged = validate

	homingLimit := widget.NewEntry()
	homingLimit.SetPlaceHolder("0 = no limit")
	homingLimit.Bind(binding.IntToString(binding.BindInt(&cfg.MaxHomingIterations)))

	drive := append([]fyne.CanvasObject{
		formRow("Serial Port:", portSelect),
		formRow("Word Order:", wordOrder),
		formRow("Homing Limit:", homingLimit),
	}, textRows(cfg, driveFields, validate)...)

	validate("")

	window.SetContent(container.NewVBox(
		widget.NewCard("Drive", "", container.NewVBox(drive...)),
		widget.NewCard("Recording", "", container.NewVBox(textRows(cfg, recordingFields, nil)...)),
		container.NewHBox(
			widget.NewButton("Cancel", func() {
				window.Close()
				cw.app.Quit()
			}),
			submit,
		),
	))
}

func showError(app fyne.App, window fyne.Window, err error) {
	d := dialog.NewError(err, window)
	d.SetOnClosed(func() {
		app.Quit()
	})
	d.Show()
}
