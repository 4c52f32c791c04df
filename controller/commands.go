package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Lars-Olof-Turesson/flowcal"
)

// JogTicks is how far one jog command moves the commanded position
const JogTicks int32 = 50

// Command is a console command selected by its first byte. The rest of the line is passed as input.
type Command struct {
	Flag byte
	Help string
	Run  func(*Controller, []byte, io.Writer) error
}

var (
	JogCommand = &Command{
		Flag: 'J',
		Help: "J+ / J- jog the target by 50 ticks",
		Run: func(c *Controller, input []byte, w io.Writer) error {
			if len(input) == 0 {
				return errors.New("missing direction")
			}

			switch in := input[0]; in {
			case '+':
				c.manualTarget += JogTicks
			case '-':
				c.manualTarget -= JogTicks
			default:
				return errors.New("invalid input: " + string(input))
			}

			err := c.write(flowcal.StepManual, c.registers.TargetInput, c.manualTarget)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s target %d ticks (%.3f mm)\n", c.ts(), c.manualTarget, c.conv.TickToPosition(c.manualTarget))
			return nil
		},
	}
	SensorsCommand = &Command{
		Flag: 'S',
		Help: "S read the sensors",
		Run: func(c *Controller, _ []byte, w io.Writer) error {
			readings, err := c.ReadSensors()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s %s\n", c.ts(), readings)
			return nil
		},
	}
	ArmCommand = &Command{
		Flag: 'A',
		Help: "A arm the torque interlock",
		Run: func(c *Controller, _ []byte, w io.Writer) error {
			err := c.ArmTorqueInterlock()
			if err != nil {
				return err
			}
			err = c.ClampTorque()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s interlock armed\n", c.ts())
			return nil
		},
	}
	HomeCommand = &Command{
		Flag: 'H',
		Help: "H home the piston",
		Run: func(c *Controller, _ []byte, w io.Writer) error {
			iterations, err := c.Home()
			if err != nil {
				return err
			}
			c.manualTarget = 0
			fmt.Fprintf(w, "%s homed in %d iterations\n", c.ts(), iterations)
			return nil
		},
	}
	StopCommand = &Command{
		Flag: 'X',
		Help: "X stop the motor",
		Run: func(c *Controller, _ []byte, w io.Writer) error {
			err := c.Stop()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s stopped\n", c.ts())
			return nil
		},
	}
	BeepCommand = &Command{
		Flag: 'B',
		Help: "B beep",
		Run: func(c *Controller, _ []byte, w io.Writer) error {
			err := c.setMode(flowcal.StepManual, flowcal.ModeBeep)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s beep\n", c.ts())
			return nil
		},
	}
	SetModeCommand = &Command{
		Flag: 'M',
		Help: "MP / MS / MO set mode PositionRamp, SpeedRamp or Off",
		Run: func(c *Controller, input []byte, w io.Writer) error {
			if len(input) == 0 {
				return errors.New("missing mode")
			}

			var mode flowcal.Mode
			switch in := input[0]; in {
			case 'P':
				mode = flowcal.ModePositionRamp
			case 'S':
				mode = flowcal.ModeSpeedRamp
			case 'O':
				mode = flowcal.ModeOff
			default:
				return errors.New("invalid input: " + string(input))
			}

			err := c.setMode(flowcal.StepManual, mode)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s mode %s\n", c.ts(), mode)
			return nil
		},
	}
)

var commands = []*Command{
	JogCommand,
	SensorsCommand,
	ArmCommand,
	HomeCommand,
	StopCommand,
	BeepCommand,
	SetModeCommand,
}

// Sensors is one reading of the drive's sensors in physical units
type Sensors struct {
	Position       float64 `json:"position"`
	LinearPosition float64 `json:"linear_position"`
	Pressure       float64 `json:"pressure"`
	Torque         float64 `json:"torque"`
}

func (s Sensors) String() string {
	return fmt.Sprintf("position=%.3fmm linear=%.3fmm pressure=%.1f torque=%.3fNm", s.Position, s.LinearPosition, s.Pressure, s.Torque)
}

// ReadSensors reads the motor position, linear sensor, pressure and torque
func (c *Controller) ReadSensors() (Sensors, error) {
	var s Sensors

	ticks, err := c.read(flowcal.StepManual, c.registers.Position)
	if err != nil {
		return s, err
	}
	s.Position = c.conv.TickToPosition(ticks)

	s.LinearPosition, err = c.readLinearPosition(flowcal.StepManual)
	if err != nil {
		return s, err
	}

	pressure, err := c.read(flowcal.StepManual, c.registers.Pressure)
	if err != nil {
		return s, err
	}
	s.Pressure = c.conv.Pressure(uint16(pressure))

	torque, err := c.read(flowcal.StepManual, c.registers.Torque)
	if err != nil {
		return s, err
	}
	s.Torque = c.conv.TorqueToNm(torque)

	return s, nil
}

// Run reads console commands from r, one per line, and writes their output to w. It returns when r is
// exhausted or ctx is cancelled. Command errors are written to w and do not stop the console.
func (c *Controller) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	cmdMap := map[byte]*Command{}
	for _, cmd := range commands {
		cmdMap[cmd.Flag] = cmd
	}

	c.startTime = c.clock.Now()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}

			input := []byte(strings.TrimSpace(line))
			if len(input) == 0 {
				continue
			}

			if input[0] == '?' {
				for _, cmd := range commands {
					fmt.Fprintln(w, cmd.Help)
				}
				continue
			}

			cmd, ok := cmdMap[input[0]]
			if !ok {
				fmt.Fprintf(w, "%s unknown command %q\n", c.ts(), input[0])
				continue
			}

			err := cmd.Run(c, input[1:], w)
			if err != nil {
				c.logger.Warnw("console command failed", "command", string(cmd.Flag), "error", err)
				fmt.Fprintf(w, "%s error: %s\n", c.ts(), err)
			}
		}
	}
}
