// Package power is a client for the device assertion agent service
// (com.apple.mobile.assertion_agent), which holds power assertions such as
// "prevent system sleep" on behalf of a host.
//
// # Connecting
//
// A Client wraps a Session that is already connected to the service:
//
//	c, err := power.New(session, power.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Free()
//
// Start asks a SessionOpener (device discovery plus lockdown handshake) to
// open that session first:
//
//	c, err := power.Start(ctx, dev, "mytool")
//
// # Creating an assertion
//
//	req := power.NewAssertionRequest(power.AssertionPreventSystemSleep,
//	    "mytool", 60*time.Second, "backup running")
//	if err := c.Send(req); err != nil {
//	    log.Fatal(err)
//	}
//	ack, err := c.Receive()
//
// The assertion is held on the device until its timeout lapses or the
// session is closed.
//
// # Errors
//
// Every failing operation returns a *Error carrying one ErrorCode. Use
// CodeOf, IsTimeout, or errors.Is with the ErrX values:
//
//	if errors.Is(err, power.ErrTimeout) {
//	    // nothing arrived in time; retrying is reasonable
//	}
package power
