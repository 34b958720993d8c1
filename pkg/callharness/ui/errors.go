package ui

import (
	"fmt"
	"time"
)

// JoinTimeoutError is returned when a participant's join did not complete in
// time: either the ack response never arrived or the local video never
// started playing.
type JoinTimeoutError struct {
	ParticipantID string
	Timeout       time.Duration
	Err           error
}

func (e *JoinTimeoutError) Error() string {
	id := e.ParticipantID
	if id == "" {
		id = "(auto)"
	}
	return fmt.Sprintf("participant %s did not join within %v: %v", id, e.Timeout, e.Err)
}

func (e *JoinTimeoutError) Unwrap() error { return e.Err }

// LeaveTimeoutError is returned when the local video was still shown after
// leave was clicked.
type LeaveTimeoutError struct {
	ParticipantID string
	Timeout       time.Duration
	Err           error
}

func (e *LeaveTimeoutError) Error() string {
	return fmt.Sprintf("participant %s still showing local video %v after leave: %v", e.ParticipantID, e.Timeout, e.Err)
}

func (e *LeaveTimeoutError) Unwrap() error { return e.Err }
