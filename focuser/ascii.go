// Package focuser contains a driver for simple single-axis focuser
// controllers with an ASCII command set.
package focuser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nasa-jpl/astrotask/comm"
	"github.com/nasa-jpl/astrotask/mathx"
)

// ErrController is returned when the controller answers a command with ERR.
var ErrController = errors.New("controller error")

// Command describes a command of the ASCII protocol
type Command struct {
	Cmd         string
	Description string
	IsReadOnly  bool
}

// Commands is the command set spoken by ASCII focusers.
var Commands = []Command{
	{Cmd: "POS?", Description: "get position in steps", IsReadOnly: true},
	{Cmd: "MOVING?", Description: "1 while the motor is moving, else 0", IsReadOnly: true},
	{Cmd: "MOV", Description: "move to an absolute step position"},
	{Cmd: "HALT", Description: "stop motion"},
}

// ASCII is a focuser on a comm.RemoteDevice.  Positions are integer steps;
// the axis argument of the motion interfaces is ignored.
type ASCII struct {
	dev comm.SendRecver
}

// NewASCII wraps a connection to a controller.
func NewASCII(dev comm.SendRecver) *ASCII {
	return &ASCII{dev: dev}
}

func (a *ASCII) query(cmd string) (string, error) {
	resp, err := a.dev.SendRecv(context.Background(), []byte(cmd))
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(resp))
	if strings.HasPrefix(s, "ERR") {
		return "", fmt.Errorf("%w: %s: %s", ErrController, cmd, strings.TrimSpace(strings.TrimPrefix(s, "ERR")))
	}
	return s, nil
}

// GetPos implements motion.Mover.
func (a *ASCII) GetPos(string) (float64, error) {
	s, err := a.query("POS?")
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// MoveAbs implements motion.Mover.  The position is rounded to a step.
func (a *ASCII) MoveAbs(_ string, pos float64) error {
	steps := int64(mathx.Round(pos, 1))
	s, err := a.query("MOV " + strconv.FormatInt(steps, 10))
	if err != nil {
		return err
	}
	if s != "OK" {
		return fmt.Errorf("unexpected reply to MOV: %q", s)
	}
	return nil
}

// GetInPosition implements motion.InPositionQueryer.
func (a *ASCII) GetInPosition(string) (bool, error) {
	s, err := a.query("MOVING?")
	if err != nil {
		return false, err
	}
	switch s {
	case "0":
		return true, nil
	case "1":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected reply to MOVING?: %q", s)
	}
}

// Halt stops any motion.
func (a *ASCII) Halt() error {
	_, err := a.query("HALT")
	return err
}

// Stop implements motion.Stopper.
func (a *ASCII) Stop(string) error {
	return a.Halt()
}
