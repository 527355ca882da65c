package ucx

import (
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nixl/internal/metrics"
	"github.com/piwi3910/nixl/internal/serdes"
	"github.com/piwi3910/nixl/internal/ucx"
	"github.com/piwi3910/nixl/pkg/nixl"
)

// notifSendPriv serializes {name, msg} and sends it as a NOTIF_STR active
// message on the given worker's endpoint to the remote agent.
func (e *Engine) notifSendPriv(remoteAgent string, msg []byte, workerID int) (*ucx.Req, error) {
	conn, ok := e.lookupConn(remoteAgent)
	if !ok {
		return nil, errUnknownAgent
	}

	var enc serdes.Encoder
	enc.AddString("name", e.localAgent)
	enc.AddBytes("msg", msg)

	req, err := conn.getEp(workerID).SendAm(opNotifStr, []byte{opNotifStr}, enc.Bytes())
	if err != nil {
		return nil, err
	}

	metrics.NotificationsTotal.WithLabelValues(BackendName, "sent").Inc()

	return req, nil
}

// notifAmCb receives a notification. From the progress thread it stages
// into the thread-private list to allow batching; otherwise it goes
// straight to the main list under the lock.
func (e *Engine) notifAmCb(hdr, payload []byte, attr ucx.AmRecvAttr) error {
	if len(hdr) < 1 || hdr[0] != opNotifStr {
		return errBadOpcode(hdr)
	}

	if attr.Rndv {
		return errRndvDelivery
	}

	dec, err := serdes.Decode(payload)
	if err != nil {
		log.Error().Err(err).Msg("malformed notification payload")
		return err
	}

	notif := nixl.Notification{
		Agent:   dec.String("name"),
		Payload: dec.Bytes("msg"),
	}

	if attr.FromProgressThread {
		e.notifPthrPriv = append(e.notifPthrPriv, notif)
	} else {
		e.notifMu.Lock()
		e.notifMain = append(e.notifMain, notif)
		e.notifMu.Unlock()
	}

	metrics.NotificationsTotal.WithLabelValues(BackendName, "received").Inc()

	return nil
}

// notifProgress publishes the progress thread's staged notifications.
// Called only from the progress thread.
func (e *Engine) notifProgress() {
	if len(e.notifPthrPriv) == 0 {
		return
	}

	e.notifMu.Lock()
	e.notifPthr = append(e.notifPthr, e.notifPthrPriv...)
	e.notifMu.Unlock()

	e.notifPthrPriv = e.notifPthrPriv[:0]
}

// GetNotifs drains all received notifications into out, which must be
// empty. Without a progress thread it drives the workers first.
func (e *Engine) GetNotifs(out *[]nixl.Notification) nixl.Status {
	if out == nil || len(*out) != 0 {
		return nixl.ErrInvalidParam
	}

	if !e.pthrOn {
		for e.Progress() > 0 {
		}
	}

	e.notifMu.Lock()
	defer e.notifMu.Unlock()

	*out = append(*out, e.notifMain...)
	*out = append(*out, e.notifPthr...)
	e.notifMain = e.notifMain[:0]
	e.notifPthr = e.notifPthr[:0]

	return nixl.Success
}

// GenNotif sends a standalone notification, untracked past submission.
// All standalone notifications leave through worker 0: per-sender delivery
// order holds only within one endpoint stream.
func (e *Engine) GenNotif(remoteAgent string, payload []byte) nixl.Status {
	const workerID = 0

	req, err := e.notifSendPriv(remoteAgent, payload, workerID)
	if err != nil {
		if err == errUnknownAgent {
			return nixl.ErrNotFound
		}

		return nixl.ErrBackend
	}

	e.getWorker(workerID).ReqRelease(req)

	return nixl.Success
}
