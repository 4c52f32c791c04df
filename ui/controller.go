package ui

import (
	"fmt"
	"io"
	"time"
)

// controllerWrapper sends manual commands to the controller console
type controllerWrapper struct {
	writer         io.Writer
	lastEventTimer *timer
}

func (c *controllerWrapper) send(command string) {
	if c.lastEventTimer != nil {
		c.lastEventTimer.Set(time.Now())
	}
	fmt.Fprintf(c.writer, "%s\n", command)
}

func (c *controllerWrapper) Jog(direction int) {
	if direction < 0 {
		c.send("J-")
		return
	}
	c.send("J+")
}

func (c *controllerWrapper) Sensors() {
	c.send("S")
}

func (c *controllerWrapper) Arm() {
	c.send("A")
}

func (c *controllerWrapper) Beep() {
	c.send("B")
}

func (c *controllerWrapper) Stop() {
	c.send("X")
}
