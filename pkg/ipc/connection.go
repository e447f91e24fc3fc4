// Package ipc defines Connection, the daemon's external request-port
// collaborator (spec §2/§6): "one active request on behalf of a
// Process." The wire-level transport and marshalling that would
// populate a Connection from an inbound message is explicitly out of
// scope (spec.md §1 Non-goals); this package only defines the
// boundary a transport would sit behind, plus a direct
// (non-networked) implementation callers can drive in-process.
package ipc

import (
	"github.com/cuemby/securityd/pkg/process"
)

// Connection represents one in-flight client request, already bound
// to the Process that issued it and the caller identity the wire
// layer would have authenticated (spec §3 Connection row).
type Connection interface {
	// Process returns the client process this request was issued on
	// behalf of.
	Process() *process.Process
	// CallerTask returns the originating task identity carried by the
	// (opaque) wire message, used by Session.SetupAttributes and
	// friends to check originator identity.
	CallerTask() uint64
	// CallerUID returns the caller's effective UID for this request.
	CallerUID() uint32
}

// Direct is the one production implementation of Connection: it binds
// a request directly to an already-constructed Process, with no wire
// codec in between. A transport implementation would construct one of
// these per inbound message after decoding it.
type Direct struct {
	proc       *process.Process
	callerTask uint64
	callerUID  uint32
}

// NewDirect binds a new Connection to proc on behalf of callerTask/
// callerUID.
func NewDirect(proc *process.Process, callerTask uint64, callerUID uint32) *Direct {
	return &Direct{proc: proc, callerTask: callerTask, callerUID: callerUID}
}

func (d *Direct) Process() *process.Process { return d.proc }
func (d *Direct) CallerTask() uint64        { return d.callerTask }
func (d *Direct) CallerUID() uint32         { return d.callerUID }
