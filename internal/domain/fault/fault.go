// ABOUTME: Small integer result taxonomy shared by buffers, filters, sources and sessions
// ABOUTME: Codes implement error so they travel through go-oryx-lib wrapping intact
package fault

import (
	"context"
	"fmt"

	"github.com/ossrs/go-oryx-lib/errors"
)

// Code is a result code. The zero value is OK.
type Code int

const (
	Disconnected       Code = -1
	OK                 Code = 0
	DriverFault        Code = 1
	Emergency          Code = 2
	Alarm              Code = 3
	ServoOff           Code = 4
	ConfigurationError Code = 5
	Overflow           Code = 6
	Underflow          Code = 7
	// Busy rejects an operation that is illegal in the current state,
	// such as a mode change while playing.
	Busy Code = 8
)

var names = map[Code]string{
	Disconnected:       "disconnected",
	OK:                 "ok",
	DriverFault:        "driver fault",
	Emergency:          "emergency",
	Alarm:              "alarm",
	ServoOff:           "servo off",
	ConfigurationError: "configuration error",
	Overflow:           "overflow",
	Underflow:          "underflow",
	Busy:               "busy",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

func (c Code) Error() string {
	return c.String()
}

// Safety reports whether the code is a device safety state that gates motion.
func (c Code) Safety() bool {
	return c == Emergency || c == Alarm || c == ServoOff
}

// Of returns the code at the root of err. An abandoned wait maps to Busy
// and other foreign errors map to ConfigurationError.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	switch cause := errors.Cause(err); cause {
	case context.Canceled, context.DeadlineExceeded:
		return Busy
	default:
		if c, ok := cause.(Code); ok {
			return c
		}
	}
	return ConfigurationError
}

// Is reports whether err carries code c.
func Is(err error, c Code) bool {
	return Of(err) == c
}
