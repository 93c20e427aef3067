// Package fabric implements comm.Transport for nodes living in the same process.
//
// Every node shares the process address space, so a put or get is a plain memory move, and a remote
// execution is a synchronous call to the handler registered by the target node. It is used to run
// multi-node programs, and their tests, on a single machine.
package fabric

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/gpurt/comm"
	"github.com/gomlx/gpurt/mem"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Fabric connects a fixed number of in-process nodes.
type Fabric struct {
	endpoints []*Endpoint

	puts, gets, executes atomic.Int64
	bytesPut, bytesGot   atomic.Int64
}

// Stats of the operations carried by a Fabric.
type Stats struct {
	Puts, Gets, Executes int64
	BytesPut, BytesGot   int64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("puts=%d (%d bytes), gets=%d (%d bytes), remote executions=%d",
		s.Puts, s.BytesPut, s.Gets, s.BytesGot, s.Executes)
}

// New creates a Fabric with numNodes nodes.
func New(numNodes int) (*Fabric, error) {
	if numNodes <= 0 {
		return nil, errors.Errorf("fabric.New: invalid number of nodes %d", numNodes)
	}
	f := &Fabric{endpoints: make([]*Endpoint, numNodes)}
	for id := range f.endpoints {
		f.endpoints[id] = &Endpoint{fabric: f, id: id}
	}
	return f, nil
}

// NumNodes connected by the Fabric.
func (f *Fabric) NumNodes() int { return len(f.endpoints) }

// Node returns the transport endpoint of the node.
func (f *Fabric) Node(id int) *Endpoint {
	return f.endpoints[id]
}

// Stats returns the counts of operations so far.
func (f *Fabric) Stats() Stats {
	return Stats{
		Puts:     f.puts.Load(),
		Gets:     f.gets.Load(),
		Executes: f.executes.Load(),
		BytesPut: f.bytesPut.Load(),
		BytesGot: f.bytesGot.Load(),
	}
}

// Endpoint is the comm.Transport of one node of a Fabric.
type Endpoint struct {
	fabric *Fabric
	id     int

	mu      sync.RWMutex
	handler comm.RemoteHandler
}

var _ comm.Transport = (*Endpoint)(nil)

// NodeID implements comm.Transport.
func (e *Endpoint) NodeID() int { return e.id }

// NumNodes implements comm.Transport.
func (e *Endpoint) NumNodes() int { return e.fabric.NumNodes() }

func (e *Endpoint) checkNode(node int) error {
	if node < 0 || node >= e.fabric.NumNodes() {
		return errors.Errorf("node %d out of range, fabric has %d nodes", node, e.fabric.NumNodes())
	}
	return nil
}

// Put implements comm.Transport.
func (e *Endpoint) Put(ctx context.Context, dstNode int, dst, src unsafe.Pointer, size int) error {
	if err := e.checkNode(dstNode); err != nil {
		return errors.WithMessage(err, "fabric.Put")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "fabric.Put")
	}
	klog.V(3).Infof("fabric: put %d bytes from node %d (%p) to node %d (%p)", size, e.id, src, dstNode, dst)
	mem.Move(dst, src, size)
	e.fabric.puts.Add(1)
	e.fabric.bytesPut.Add(int64(size))
	return nil
}

// Get implements comm.Transport.
func (e *Endpoint) Get(ctx context.Context, dst unsafe.Pointer, srcNode int, src unsafe.Pointer, size int) error {
	if err := e.checkNode(srcNode); err != nil {
		return errors.WithMessage(err, "fabric.Get")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "fabric.Get")
	}
	klog.V(3).Infof("fabric: get %d bytes from node %d (%p) to node %d (%p)", size, srcNode, src, e.id, dst)
	mem.Move(dst, src, size)
	e.fabric.gets.Add(1)
	e.fabric.bytesGot.Add(int64(size))
	return nil
}

// ExecuteOn implements comm.Transport. The operation runs in the calling goroutine.
func (e *Endpoint) ExecuteOn(ctx context.Context, node int, op comm.RemoteOp) error {
	if err := e.checkNode(node); err != nil {
		return errors.WithMessage(err, "fabric.ExecuteOn")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "fabric.ExecuteOn")
	}
	target := e.fabric.endpoints[node]
	target.mu.RLock()
	handler := target.handler
	target.mu.RUnlock()
	if handler == nil {
		return errors.Errorf("fabric.ExecuteOn: node %d has no handler registered", node)
	}
	e.fabric.executes.Add(1)
	return handler(ctx, op)
}

// SetHandler implements comm.Transport.
func (e *Endpoint) SetHandler(handler comm.RemoteHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}
