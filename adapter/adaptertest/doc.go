// Package adaptertest provides an in-memory adapter.Backend for tests of the
// layers above the adapter package.
//
// The Backend keeps a peer table like a real variant would and records
// every call it receives in a call log, so tests can assert exactly which
// native operations a higher layer issued:
//
//	b := adaptertest.New(adapter.Userspace)
//	mux, _ := mesh.New(mesh.Config{Factory: b.Factory})
//	...
//	for _, c := range b.Calls() {
//	    t.Log(c.Op, c.Peer)
//	}
//
// Failures are injected per operation with Fail, either permanently or for
// a fixed number of calls, which is how retry behaviour is exercised.
//
// All methods are safe for concurrent use.
package adaptertest
