// Package discovery abstracts how bootstrap.Build learns a paxosd cluster's
// peer endpoints before handing them to server.Add — static (a flag), dns,
// or file. Discovery only supplies the *set* of endpoints at startup; once
// added, all handshake and liveness tracking is pkg/handshake's domain.
package discovery

// Discovery resolves the set of peer endpoints a node should dial.
type Discovery interface {
    Seeds() []string
}

