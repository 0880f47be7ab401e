// Package msgport provides a uniform bidirectional messaging Endpoint and the
// machinery for forwarding live references across one.
//
// An Endpoint posts messages, optionally carrying Ports (one half of a Channel)
// as transferables, and dispatches received messages to registered Handlers. On
// top of that contract the package supplies:
//
//   - NewChannel, an in-process entangled Port pair with native transfer
//   - the marker protocol (MarkerToken, SubstitutePorts, MarkPorts) used to name a
//     transferred Port inside an otherwise plain payload
//   - Broker, the per-connection sub-channel broker that opens a private channel for
//     a value that must be proxied and reattaches to it on the receiving side
//   - Bridge, which relays messages and close between two Ports of different kinds
//
// Transport adapters live in package msgnet; a small RPC consumer lives in package remote.
package msgport
