/*
Package deploy runs blue/green deployments.

A Deployer owns one service with two fixed slots. Each run starts the new
image in the idle slot, checks it directly, moves the router to it, checks it
again through the router and finally stops the previously active slot.

# Stages

	Init ──► StartingTarget ──► DirectHealthCheck ──► SwitchingRouter
	                                                        │
	         CleaningUp ◄── RoutedHealthCheck ◄── ValidatingRouterConfig
	              │
	              ▼
	          Succeeded

	any stage after Init ──► RollingBack ──► Failed

Init takes the run lock (see package storage) and asks the prober which slot
is live. A failure there refuses the run without touching anything.

Every side effect is committed to a ledger together with its undo: stopping
the target (committed before the start, so a half-started instance is also
removed) and reverting the router edit. When a stage fails, the ledger is
unwound in reverse order. The unwind is best effort: a failing step is
recorded and the remaining steps still run.

A failure during CleaningUp does not roll back. Traffic is already on the
new slot; the instance that could not be stopped is reported as
Outcome.Residual.

# Interrupts

Cancelling the context passed to Deploy fails the current stage. The unwind
then runs on a context detached from it, bounded by RollbackTimeout. Closing
Options.Abort cancels the unwind as well; steps not attempted are reported as
unwind failures. The run lock is released in every case.

# Results

	Result                   error                    exit code
	ResultSucceeded          nil                      0
	ResultRefused            storage.ErrLocked, ...   1
	ResultRolledBack         ErrRolledBack            1
	ResultRollbackIncomplete ErrRollbackIncomplete    2

The outcome of every run that acquired the lock is stored in the state file
and shown by "bgdeploy status".
*/
package deploy
