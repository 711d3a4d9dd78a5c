// Shutdown, spec.md §4.6 r.10.
package orchestrator

import (
	"archivesync/internal/errs"
	"archivesync/internal/logging"

	"go.uber.org/zap"
)

// Shutdown sets the global abort signal, destroys every gateway
// connection, aborts every registered operation on every account, waits
// for their goroutines to unwind, then closes the database. Safe to call
// more than once or concurrently with Run's own ctx-cancelled path.
func (o *Orchestrator) Shutdown() {
	o.abortOnce.Do(func() {
		close(o.abortCh)
		o.mu.Lock()
		for _, rt := range o.accounts {
			rt.gw.Destroy()
			rt.account.AbortAll()
		}
		o.mu.Unlock()
		o.shutdownWG.Wait()
		if o.db != nil {
			o.db.Close()
		}
	})
}

func isAbort(err error) bool {
	return errs.IsKind(err, errs.KindAbort)
}

// removeAccount disconnects and drops one account (spec.md §7's
// auth-expired path). It runs only on the decision loop, so it touches
// o.accounts directly except for the delete itself, which takes o.mu to
// stay consistent with InFlightOpCount/Shutdown reading the map from
// outside the loop.
func (o *Orchestrator) removeAccount(name string) {
	rt, ok := o.accounts[name]
	if !ok {
		return
	}
	logging.Warn("orchestrator: removing account", zap.String("account", name))
	rt.gw.Destroy()
	rt.account.AbortAll()
	o.mu.Lock()
	delete(o.accounts, name)
	o.mu.Unlock()
}
