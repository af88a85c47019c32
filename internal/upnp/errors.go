package upnp

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingArgument is returned when an action is invoked without one of
	// its declared input arguments.
	ErrMissingArgument = errors.New("missing action argument")
	// ErrUnknownAction is returned for actions absent from the service's SCPD.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNotInitialized is returned when a service is used before its SCPD was loaded.
	ErrNotInitialized = errors.New("service not initialized")
	// ErrMissingField is returned for device descriptions without a mandatory element.
	ErrMissingField = errors.New("missing mandatory field")
)

// Well known UPnP control error codes.
const (
	ErrorCodeInvalidAction     = 401
	ErrorCodeInvalidArgs       = 402
	ErrorCodeActionFailed      = 501
	ErrorCodeTransitionFailed  = 701
	ErrorCodeSeekModeInvalid   = 710
	ErrorCodeIllegalSeekTarget = 711
	ErrorCodeInvalidInstanceID = 718
)

// CommandError is a UPnP error reported by a device in a SOAP fault.
type CommandError struct {
	Action      string
	Code        int
	Description string
}

func (e *CommandError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("upnp error %d: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("upnp %s error %d: %s", e.Action, e.Code, e.Description)
}

// IsCommandError reports whether err carries a CommandError with the given code.
func IsCommandError(err error, code int) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == code
}
