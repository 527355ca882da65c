// Package backend defines the engine contract of the data-movement
// substrate. A backend engine moves bytes between memory segments through a
// fixed lifecycle: register memory, prepare a transfer, post it, poll its
// aggregate status, release it. Two engines implement the contract:
//
//   - ucx: one-sided network transfers between agents, with ordered
//     out-of-band notifications
//   - obj: asynchronous PUT/GET against key-addressed object storage
//
// Engines register a factory here; the agent layer (or the test driver)
// instantiates them by name.
package backend

import (
	"time"

	"github.com/piwi3910/nixl/pkg/nixl"
)

// MD is opaque per-registration state held by an engine: memory handles and
// exported keys for local registrations, imported keys and connection
// references for remote ones. Callers treat it as a token.
type MD interface {
	// IsPrivate reports whether this is local (private) registration state
	// as opposed to imported remote metadata.
	IsPrivate() bool
}

// ReqH is an engine-specific transfer request handle. It aggregates the
// status of every sub-operation posted for one user-level transfer.
type ReqH interface {
	// WorkerID identifies the progress context the handle is pinned to.
	// Engines without workers return 0.
	WorkerID() int
}

// OptArgs carries optional per-post arguments.
type OptArgs struct {
	// HasNotif requests an ordered notification delivered to the remote
	// agent after the transfer's operations have been flushed.
	HasNotif bool
	// NotifMsg is the notification payload.
	NotifMsg []byte
}

// InitParams is the engine construction input.
type InitParams struct {
	// LocalAgent is this agent's name.
	LocalAgent string
	// NumWorkers is the number of transport workers; must be positive for
	// engines that use workers.
	NumWorkers int
	// EnableProgTh starts the background progress thread.
	EnableProgTh bool
	// PthrDelay is the idle poll timeout of the progress thread.
	PthrDelay time.Duration
	// Custom holds engine-specific string parameters.
	Custom nixl.Params
}

// Engine is the backend-engine contract. All status-returning operations
// are non-blocking; CheckXfer is the single monotonic status accessor for a
// posted transfer.
type Engine interface {
	// Capability flags. Constant over the engine's lifetime.
	SupportsRemote() bool
	SupportsLocal() bool
	SupportsNotif() bool
	SupportsProgTh() bool

	// SupportedMems lists the memory segment kinds the engine serves.
	SupportedMems() []nixl.MemKind

	// RegisterMem registers a memory region (or object key) with the
	// engine and returns its private metadata.
	RegisterMem(desc nixl.RegDesc, kind nixl.MemKind) (MD, nixl.Status)
	// DeregisterMem releases a registration returned by RegisterMem.
	DeregisterMem(md MD) nixl.Status

	// GetPublicData exports the shareable part of a local registration
	// (for the network engine, the packed remote key).
	GetPublicData(md MD) ([]byte, nixl.Status)
	// LoadRemoteMD imports a peer's exported registration metadata.
	LoadRemoteMD(desc nixl.RegDesc, kind nixl.MemKind, remoteAgent string) (MD, nixl.Status)
	// LoadLocalMD imports this agent's own registration for loopback
	// transfers.
	LoadLocalMD(md MD) (MD, nixl.Status)
	// UnloadMD releases imported metadata.
	UnloadMD(md MD) nixl.Status

	// GetConnInfo returns the opaque connection bootstrap blob peers feed
	// to LoadRemoteConnInfo.
	GetConnInfo() ([]byte, nixl.Status)
	// LoadRemoteConnInfo establishes transport state toward a remote
	// agent from its bootstrap blob.
	LoadRemoteConnInfo(remoteAgent string, blob []byte) nixl.Status
	// Connect verifies liveness of a loaded connection.
	Connect(remoteAgent string) nixl.Status
	// Disconnect tears a connection down.
	Disconnect(remoteAgent string) nixl.Status

	// PrepXfer validates a transfer and allocates its handle.
	PrepXfer(op nixl.XferOp, local, remote *DescList, remoteAgent string) (ReqH, nixl.Status)
	// PostXfer begins the transfer's sub-operations. Returns InProgress
	// while any remain outstanding, Success if all completed
	// synchronously.
	PostXfer(op nixl.XferOp, local, remote *DescList, remoteAgent string, handle ReqH, opt *OptArgs) nixl.Status
	// CheckXfer polls the handle. Monotonic: a terminal status latches.
	CheckXfer(handle ReqH) nixl.Status
	// ReleaseReqH cancels outstanding sub-operations and reclaims the
	// handle. Valid at any time after PrepXfer.
	ReleaseReqH(handle ReqH) nixl.Status

	// GetNotifs drains received notifications into out. Only meaningful
	// when SupportsNotif.
	GetNotifs(out *[]nixl.Notification) nixl.Status
	// GenNotif sends a standalone notification, not attached to any
	// transfer.
	GenNotif(remoteAgent string, payload []byte) nixl.Status

	// Progress drives the engine's workers when no progress thread runs.
	// Returns the number of events processed.
	Progress() int

	// Close releases the engine. Transfers and registrations must be
	// released first.
	Close() error
}
