package protocol

// Message type constants for protocol envelopes.
const (
	TypeBegin    = "begin"
	TypeSend     = "send"
	TypeReceive  = "receive"
	TypeStatus   = "status"
	TypeFinish   = "finish"
	TypeAbort    = "abort"
	TypeResponse = "response"
	TypeError    = "error"
)

// Error kinds carried by ErrorPayload.
const (
	KindFatal       = "fatal"
	KindBusy        = "busy"
	KindUnavailable = "unavailable"
)
