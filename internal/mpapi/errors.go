package mpapi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResultError is an application-level failure reported through the
// response envelope. It carries the raw payload so callers can inspect
// whatever else the platform attached.
type ResultError struct {
	Code          int
	Message       string
	ServerMessage string
	Payload       json.RawMessage
}

func (e *ResultError) Error() string {
	if e.ServerMessage != "" {
		return fmt.Sprintf("console result code %d: %s (%s)", e.Code, e.Message, e.ServerMessage)
	}
	return fmt.Sprintf("console result code %d: %s", e.Code, e.Message)
}

// IsCode reports whether err is a *ResultError carrying the given code.
func IsCode(err error, code int) bool {
	var resultError *ResultError
	if !errors.As(err, &resultError) {
		return false
	}
	return resultError.Code == code
}
