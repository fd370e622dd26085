// Package scheduler arms in-memory timers from durable job rows.
//
// Every job lives in the ledger first; the scheduler only keeps the live
// timer (one-shot) or cron entry (recurring) for each id. Fired actions are
// handed to the task engine so a slow action never delays other triggers.
// After a restart Rehydrate rebuilds the timers from the ledger.
package scheduler
