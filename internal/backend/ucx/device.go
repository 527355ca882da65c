package ucx

import "fmt"

// deviceQueryFunc inspects an address and reports whether it is device
// memory, and if so which device and context own it. The default build has
// no device runtime and reports every address as host memory; tests and
// device-enabled builds inject their own.
type deviceQueryFunc func(addr uintptr) (isDev bool, dev int64, ctx uintptr, err error)

func hostOnlyQuery(addr uintptr) (bool, int64, uintptr, error) {
	return false, 0, 0, nil
}

// deviceCtx remembers the device context adopted by the first device-memory
// registration. Later registrations must agree on device and context; the
// first adoption requires a progress-thread restart so the thread inherits
// the context.
type deviceCtx struct {
	ctx   uintptr
	devID int64
	query deviceQueryFunc
}

func newDeviceCtx() *deviceCtx {
	return &deviceCtx{devID: -1, query: hostOnlyQuery}
}

// update validates addr against the tracked context. Returns whether the
// tracker adopted a new context (the caller must then restart the progress
// thread).
func (d *deviceCtx) update(addr uintptr, expectedDev int64) (updated bool, err error) {
	if expectedDev < 0 {
		return false, fmt.Errorf("invalid device id %d", expectedDev)
	}

	if d.devID != -1 && expectedDev != d.devID {
		return false, fmt.Errorf("device id %d does not match tracked device %d", expectedDev, d.devID)
	}

	isDev, dev, ctx, err := d.query(addr)
	if err != nil {
		return false, err
	}

	if !isDev {
		return false, nil
	}

	if dev != expectedDev {
		return false, fmt.Errorf("address belongs to device %d, descriptor names %d", dev, expectedDev)
	}

	if d.ctx != 0 {
		if d.ctx != ctx {
			return false, fmt.Errorf("device context changed between registrations")
		}

		return false, nil
	}

	d.ctx = ctx
	d.devID = expectedDev

	return true, nil
}

// apply makes the tracked context current on the calling thread. Without a
// device runtime there is nothing to apply.
func (d *deviceCtx) apply() {}

// vramUpdateCtx runs the device-address workaround for a VRAM registration.
func (e *Engine) vramUpdateCtx(addr uintptr, devID uint64) (restartReqd bool, err error) {
	if !e.cudaAddrWA {
		return false, nil
	}

	return e.devCtx.update(addr, int64(devID))
}

// vramApplyCtx is called from the progress thread on start.
func (e *Engine) vramApplyCtx() {
	if !e.cudaAddrWA {
		return
	}

	e.devCtx.apply()
}
