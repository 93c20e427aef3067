package comm

import (
	"context"
	"unsafe"

	"github.com/gomlx/gpurt/gpu"
	"github.com/gomlx/gpurt/mem"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Bridge implements device-aware put and get on top of a Transport that only understands host memory.
//
// There is one Bridge per node: it registers itself as the node's RemoteHandler, so the reversed
// operations sent by other nodes are executed with this node's runtime.
type Bridge struct {
	rt        *gpu.Runtime
	transport Transport
	host      mem.HostAllocator
}

// NewBridge creates the Bridge of the local node of transport. Staging buffers are taken from the host
// allocator of rt.
func NewBridge(rt *gpu.Runtime, transport Transport) *Bridge {
	b := &Bridge{
		rt:        rt,
		transport: transport,
		host:      rt.HostAllocator(),
	}
	transport.SetHandler(b.handle)
	return b
}

// NodeID of the local node.
func (b *Bridge) NodeID() int { return b.transport.NodeID() }

// Runtime used by the Bridge on the local node.
func (b *Bridge) Runtime() *gpu.Runtime { return b.rt }

// Put copies size bytes from src, local memory created on srcSubloc, to dst, memory created on dstSubloc
// of dstNode.
//
// A device source is first staged into a host buffer. A device destination can't be written by the
// transport, so instead the destination node is asked to get the (host) source.
func (b *Bridge) Put(ctx context.Context, dstNode, dstSubloc int, dst unsafe.Pointer, srcSubloc int, src unsafe.Pointer, size int) error {
	klog.V(2).Infof("comm.Put(node %d -> %d, dst=%d:%p, src=%d:%p, size=%d)",
		b.NodeID(), dstNode, dstSubloc, dst, srcSubloc, src, size)
	srcData, srcDataSubloc := src, srcSubloc
	if gpu.IsDevice(srcSubloc) {
		srcData = b.host.Malloc(size, mem.DescCommBuffer)
		defer b.host.Free(srcData)
		srcDataSubloc = gpu.HostSubloc
		b.rt.Copy(srcDataSubloc, srcData, srcSubloc, src, size)
	}

	if gpu.IsDevice(dstSubloc) {
		op := RemoteOp{
			Kind:            OpGet,
			Requester:       b.NodeID(),
			RequesterSubloc: srcDataSubloc,
			RequesterAddr:   srcData,
			Subloc:          dstSubloc,
			Addr:            dst,
			Size:            size,
		}
		return errors.WithMessagef(b.transport.ExecuteOn(ctx, dstNode, op), "comm.Put to node %d", dstNode)
	}
	return errors.WithMessagef(b.transport.Put(ctx, dstNode, dst, srcData, size), "comm.Put to node %d", dstNode)
}

// Get copies size bytes from src, memory created on srcSubloc of srcNode, to dst, local memory created on
// dstSubloc.
//
// A device destination receives the data in a host buffer first. A device source can't be read by the
// transport, so instead the source node is asked to put the data into the (host) destination.
func (b *Bridge) Get(ctx context.Context, dstSubloc int, dst unsafe.Pointer, srcNode, srcSubloc int, src unsafe.Pointer, size int) error {
	klog.V(2).Infof("comm.Get(node %d <- %d, dst=%d:%p, src=%d:%p, size=%d)",
		b.NodeID(), srcNode, dstSubloc, dst, srcSubloc, src, size)
	dstBuf, dstBufSubloc := dst, dstSubloc
	if gpu.IsDevice(dstSubloc) {
		dstBuf = b.host.Malloc(size, mem.DescCommBuffer)
		defer b.host.Free(dstBuf)
		dstBufSubloc = gpu.HostSubloc
	}

	var err error
	if gpu.IsDevice(srcSubloc) {
		err = b.transport.ExecuteOn(ctx, srcNode, RemoteOp{
			Kind:            OpPut,
			Requester:       b.NodeID(),
			RequesterSubloc: dstBufSubloc,
			RequesterAddr:   dstBuf,
			Subloc:          srcSubloc,
			Addr:            src,
			Size:            size,
		})
	} else {
		err = b.transport.Get(ctx, dstBuf, srcNode, src, size)
	}
	if err != nil {
		return errors.WithMessagef(err, "comm.Get from node %d", srcNode)
	}

	if gpu.IsDevice(dstSubloc) {
		b.rt.Copy(dstSubloc, dst, dstBufSubloc, dstBuf, size)
	}
	return nil
}

// handle executes a reversed operation requested by another node.
func (b *Bridge) handle(ctx context.Context, op RemoteOp) error {
	klog.V(2).Infof("comm: node %d executing %s", b.NodeID(), op)
	switch op.Kind {
	case OpGet:
		return b.Get(ctx, op.Subloc, op.Addr, op.Requester, op.RequesterSubloc, op.RequesterAddr, op.Size)
	case OpPut:
		return b.Put(ctx, op.Requester, op.RequesterSubloc, op.RequesterAddr, op.Subloc, op.Addr, op.Size)
	}
	return errors.Errorf("comm: unknown remote operation %s", op)
}
