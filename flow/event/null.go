package event

// Null discards every event. Useful when a runner requires a bus but the
// caller wants no observability output.
type Null struct{}

// NewNull creates a Null handler.
func NewNull() *Null { return &Null{} }

// Handle does nothing.
func (Null) Handle(Event) {}
