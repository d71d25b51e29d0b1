// Package comlink lets isolated *environments* expose and consume APIs
// over any transport able to carry messages.
//
// An environment is a logically isolated execution context identified by
// a stable id: a process, a goroutine tree, a peer at the other end of a
// socket. Each one runs a `Communication`, which owns the registry of the
// environments it can reach and the `Target` reaching each of them.
//
// ## How it works
//
// A caller obtains a `Proxy` for an API served by another environment and
// invokes its methods as if they were local. Every invocation becomes a
// `call` message carrying a *callback id*. The `Communication` posts it
// to the `Target` registered for the destination or, when the destination
// is only reachable through another environment, that environment relays
// it after stamping its id on the *forwarding chain*.
//
// The serving environment executes its local implementation and answers
// with a `callback` message, carrying either the returned value or a
// serialized error. The caller is then released with the outcome.
//
// Messages to an environment somebody is waiting for, with `EnvReady`,
// are held back until it announces `ready`, and are then flushed in the
// order they were issued.
//
// Events flow the other way: a listener method subscribes a local
// `*Handler` to a remote event and every emission on the serving side is
// turned into an `event` message.
//
// ## Failures
//
// APIs MUST NOT model an infallible network. Every call expecting a reply
// is bound to a timeout, a call to an environment which goes away is
// rejected with an `EnvironmentDisconnectedError` and a message bouncing
// between environments is answered with a `CircularForwardingError`
// instead of looping forever. Messages to unknown environments are
// dropped: the timeout of the sender is what reports them.
//
// ## Transports
//
// Anything implementing `Target` can carry messages. `LocalTarget` links
// environments of the same process, package `pkg/flow` carries them over
// streams such as QUIC and package `pkg/discovery` finds peers with a
// gossip protocol.
package comlink
