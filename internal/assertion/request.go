package assertion

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/idevicepower/pkg/power"
)

const (
	// Label identifies this tool to lockdownd.
	Label = "idevicepower"
	// Name is the assertion name shown in device power logs.
	Name = "idevicepower"
	// Detail is the free-text detail attached to every assertion.
	Detail = "power update"
)

// holdHeadroom is subtracted from long timeouts so the hold ends before
// the device lets the assertion lapse.
const holdHeadroom = 10 * time.Second

// ErrUnknownCommand is returned by TypeForCommand for anything other than
// sync, idle or sleep.
var ErrUnknownCommand = errors.New("assertion: unsupported command")

// Commands lists the accepted command words in display order.
var Commands = []string{"sync", "idle", "sleep"}

// TypeForCommand maps a command word to its assertion type.
func TypeForCommand(cmd string) (power.AssertionType, error) {
	switch cmd {
	case "sync":
		return power.AssertionWirelessSync, nil
	case "idle":
		return power.AssertionPreventUserIdleSleep, nil
	case "sleep":
		return power.AssertionPreventSystemSleep, nil
	}
	return "", fmt.Errorf("%w '%s'", ErrUnknownCommand, cmd)
}

// NewRequest builds the create-assertion document for t lasting timeout.
func NewRequest(t power.AssertionType, timeout time.Duration) power.AssertionRequest {
	return power.NewAssertionRequest(t, Name, timeout, Detail)
}

// HoldDuration returns how long to keep the process alive after sending
// an assertion with the given timeout: ten seconds less than the timeout
// when it is longer than ten seconds, otherwise the full timeout.
//
// This is a heuristic. The device does not report when the assertion
// expires.
func HoldDuration(timeout time.Duration) time.Duration {
	if timeout > holdHeadroom {
		return timeout - holdHeadroom
	}
	return timeout
}

// Sleeper blocks for a duration (injectable for testing).
type Sleeper interface {
	Sleep(d time.Duration)
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(d time.Duration)

// Sleep calls f(d).
func (f SleeperFunc) Sleep(d time.Duration) { f(d) }

// realSleeper implements Sleeper with time.Sleep
type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }
