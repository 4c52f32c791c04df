package controller

import (
	"github.com/Lars-Olof-Turesson/flowcal"
)

// torqueEvent is the event rule slot used for the torque interlock
const torqueEvent = 0

type registerWrite struct {
	reg   flowcal.Register
	value int32
}

// ArmTorqueInterlock programs an event rule on the drive that turns the motor off when the status
// register reports the torque limit. The rule lives on the drive and some operations clear it, so it
// is armed again before every run.
func (c *Controller) ArmTorqueInterlock() error {
	ev := c.registers.Event(torqueEvent)

	for _, w := range []registerWrite{
		{ev.TriggerData, flowcal.TorqueStatusMask},
		{ev.TriggerReg, int32(c.registers.Status.Address)},
		{ev.Control, flowcal.EventTriggerAnd},
		{ev.DestReg, int32(c.registers.Mode.Address)},
		{ev.SourceData, int32(flowcal.ModeOff)},
		{ev.SourceReg, flowcal.NoRegister},
	} {
		err := c.write(flowcal.StepInterlock, w.reg, w.value)
		if err != nil {
			return err
		}
	}

	c.logger.Debugw("torque interlock armed", "event", torqueEvent)
	return nil
}

// ClampTorque writes the calibrated torque limit
func (c *Controller) ClampTorque() error {
	return c.write(flowcal.StepInterlock, c.registers.MotorTorqueMax, int32(c.conv.Calibration().MaxTorque))
}
