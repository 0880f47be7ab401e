// Package remote is a small RPC layer over msgport Endpoints. Expose serves an
// object on an Endpoint; Wrap returns a Remote through which the other side
// reads, assigns and calls the object's exported members.
//
// Values are copied as JSON data unless wrapped with Proxy, in which case the
// connection's Broker opens a private sub-channel and the value is exposed on
// it. Functions received as proxies can be passed wherever the exposed object
// expects a func. Ports passed as arguments are transferred.
package remote
