package domain

// Message is an eventual-send: invoke some method on Target with MethArgs,
// optionally naming a Result promise that pipelined sends may target before
// it resolves.
type Message struct {
	Target   KRef
	MethArgs CapData
	Result   KRef // zero value means no result promise was requested
}

func (m Message) HasResult() bool { return m.Result != "" }
