package bot

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"proxybot/internal/proxy"
)

// stage is a step of the add-proxy dialog.
type stage int

const (
	stageAwaitLink stage = iota + 1
	stageAwaitLocation
	stageAwaitNotify
)

func (s stage) String() string {
	switch s {
	case stageAwaitLink:
		return "await_link"
	case stageAwaitLocation:
		return "await_location"
	case stageAwaitNotify:
		return "await_notify"
	}
	return "none"
}

type dialog struct {
	stage   stage
	params  proxy.Params
	created proxy.Proxy
	updated time.Time
}

// dialogs holds one pending add-proxy dialog per admin.
type dialogs struct {
	ttl atomic.Int64
	m   *xsync.Map[int64, dialog]
	now func() time.Time
}

func newDialogs(ttl time.Duration, now func() time.Time) *dialogs {
	d := &dialogs{m: xsync.NewMap[int64, dialog](), now: now}
	d.ttl.Store(int64(ttl))
	return d
}

func (d *dialogs) setTTL(ttl time.Duration) { d.ttl.Store(int64(ttl)) }

func (d *dialogs) expired(dl dialog) bool {
	return d.now().Sub(dl.updated) > time.Duration(d.ttl.Load())
}

// get returns the live dialog of admin id, dropping it when expired.
func (d *dialogs) get(id int64) (dialog, bool) {
	var out dialog
	_, ok := d.m.Compute(id, func(dl dialog, loaded bool) (dialog, xsync.ComputeOp) {
		if !loaded {
			return dl, xsync.CancelOp
		}
		if d.expired(dl) {
			return dl, xsync.DeleteOp
		}
		out = dl
		return dl, xsync.CancelOp
	})
	return out, ok
}

func (d *dialogs) put(id int64, dl dialog) {
	dl.updated = d.now()
	d.m.Store(id, dl)
}

// advance moves admin id's dialog from stage `from` via fn. It reports false
// when the dialog is missing, expired or at another stage.
func (d *dialogs) advance(id int64, from stage, fn func(*dialog)) (dialog, bool) {
	var (
		out dialog
		ok  bool
	)
	d.m.Compute(id, func(dl dialog, loaded bool) (dialog, xsync.ComputeOp) {
		if !loaded {
			return dl, xsync.CancelOp
		}
		if d.expired(dl) {
			return dl, xsync.DeleteOp
		}
		if dl.stage != from {
			return dl, xsync.CancelOp
		}
		fn(&dl)
		dl.updated = d.now()
		out, ok = dl, true
		return dl, xsync.UpdateOp
	})
	return out, ok
}

// take removes and returns admin id's dialog if it is at stage s.
func (d *dialogs) take(id int64, s stage) (dialog, bool) {
	var (
		out dialog
		ok  bool
	)
	d.m.Compute(id, func(dl dialog, loaded bool) (dialog, xsync.ComputeOp) {
		if !loaded || dl.stage != s {
			return dl, xsync.CancelOp
		}
		if d.expired(dl) {
			return dl, xsync.DeleteOp
		}
		out, ok = dl, true
		return dl, xsync.DeleteOp
	})
	return out, ok
}

func (d *dialogs) cancel(id int64) bool {
	_, ok := d.m.LoadAndDelete(id)
	return ok
}

func (d *dialogs) prune() int {
	n := 0
	d.m.Range(func(id int64, dl dialog) bool {
		if d.expired(dl) {
			d.m.Delete(id)
			n++
		}
		return true
	})
	return n
}
