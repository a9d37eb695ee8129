package power

import "time"

// AssertionType names the kind of power assertion to create.
type AssertionType string

const (
	// AssertionWirelessSync keeps the device awake for wireless sync.
	AssertionWirelessSync AssertionType = "AMDPowerAssertionTypeWirelessSync"
	// AssertionPreventUserIdleSleep prevents sleep caused by user inactivity.
	AssertionPreventUserIdleSleep AssertionType = "PreventUserIdleSystemSleep"
	// AssertionPreventSystemSleep prevents system sleep entirely.
	AssertionPreventSystemSleep AssertionType = "PreventSystemSleep"
)

// Valid reports whether t is one of the known assertion types.
func (t AssertionType) Valid() bool {
	switch t {
	case AssertionWirelessSync, AssertionPreventUserIdleSleep, AssertionPreventSystemSleep:
		return true
	}
	return false
}

// CommandCreateAssertion is the only command the agent accepts.
const CommandCreateAssertion = "CommandCreateAssertion"

// AssertionRequest is the document sent to create an assertion.
type AssertionRequest struct {
	Command string        `plist:"CommandKey"`
	Type    AssertionType `plist:"AssertionTypeKey"`
	Name    string        `plist:"AssertionNameKey"`
	Timeout uint64        `plist:"AssertionTimeoutKey"` // seconds
	Detail  string        `plist:"AssertionDetailKey"`
}

// NewAssertionRequest builds a create-assertion request. timeout is
// truncated to whole seconds.
func NewAssertionRequest(t AssertionType, name string, timeout time.Duration, detail string) AssertionRequest {
	secs := uint64(0)
	if timeout > 0 {
		secs = uint64(timeout / time.Second)
	}
	return AssertionRequest{
		Command: CommandCreateAssertion,
		Type:    t,
		Name:    name,
		Timeout: secs,
		Detail:  detail,
	}
}
