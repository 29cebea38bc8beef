package rpc

// Loopback pairs a RecipientTransport and a DonorTransport that were
// constructed in the same process (e.g. a donor.Driver and a
// recipient.Worker sharing a test's goroutine), so test setup has one place
// to wire both directions instead of passing two separate interface values
// around. There is no marshaling here: calls just cross the Go interface
// boundary directly, which is the in-process transport's entire point.
type Loopback struct {
	Recipient RecipientTransport
	Donor     DonorTransport
}

// NewLoopback wires a recipient and donor implementation together for
// in-process use.
func NewLoopback(recipient RecipientTransport, donor DonorTransport) *Loopback {
	return &Loopback{Recipient: recipient, Donor: donor}
}
