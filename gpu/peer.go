package gpu

import "k8s.io/klog/v2"

// CanAccessPeer returns whether device dev can directly access the memory of device peer.
// It reports the hardware capability, not whether access was enabled with SetPeerAccess.
func (rt *Runtime) CanAccessPeer(dev, peer int) bool {
	a, b := rt.device(dev), rt.device(peer)
	capable, r := rt.drv.DeviceCanAccessPeer(a.handle, b.handle)
	check(r, "DeviceCanAccessPeer(%d, %d)", a.handle, b.handle)
	return capable
}

// SetPeerAccess enables or disables direct access from device dev to the memory of device peer. The grant
// is one-directional: access from peer to dev is not changed.
func (rt *Runtime) SetPeerAccess(dev, peer int, enable bool) {
	klog.V(2).Infof("gpu.SetPeerAccess(%d, %d, enable=%v)", dev, peer, enable)
	peerCtx := rt.device(peer).context
	defer lockThread()()
	rt.UseDevice(dev)
	if enable {
		check(rt.drv.CtxEnablePeerAccess(peerCtx, 0), "CtxEnablePeerAccess(%#x, 0)", peerCtx)
	} else {
		check(rt.drv.CtxDisablePeerAccess(peerCtx), "CtxDisablePeerAccess(%#x)", peerCtx)
	}
}
