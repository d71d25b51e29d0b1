package comlink

// Target is the transport capability of an environment: anything able
// to post messages to a peer and to notify us of the messages it
// receives.
//
// The contract of a Target is:
//
// *Implementations* MUST NOT deliver a posted message synchronously, from
// within `PostMessage`, to an `Inbox`: delivery happens later, on the
// Target's own goroutine.
//
// *Implementations* MUST deliver messages to attached inboxes in the
// order they were received.
//
// *Implementations* SHOULD retain messages received while no `Inbox` is
// attached and deliver them once one is.
type Target interface {
	PostMessage(msg *Message) error
	Attach(inbox *Inbox)
	Detach(inbox *Inbox)
}

// Named is implemented by targets which have a human-friendly name.
type Named interface {
	Name() string
}

// Parented is implemented by targets embedded in an enclosing context.
// The `ready` announcement of a `Communication` is posted to the parent.
type Parented interface {
	Parent() Target
}

// Inbox is subscribed to a `Target` to receive its messages.
// Its identity is its address, so it can be detached later.
type Inbox struct {
	deliver func(*Message)
}

func NewInbox(deliver func(*Message)) *Inbox {
	return &Inbox{deliver: deliver}
}

func (in *Inbox) Deliver(msg *Message) {
	in.deliver(msg)
}

// postEndpoint is where an instance announces itself.
func postEndpoint(host Target) Target {
	if parented, ok := host.(Parented); ok {
		if parent := parented.Parent(); parent != nil {
			return parent
		}
	}
	return host
}

func targetName(target Target) string {
	if named, ok := target.(Named); ok {
		return named.Name()
	}
	return "unnamed"
}
