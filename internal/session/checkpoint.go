// Checkpointer adapts the teacher's cron-based job scheduler
// (internal/storage/scheduler.go's robfig/cron-backed Scheduler) into the
// fixed-interval checkpoint driver of §4.4/§4.11: rather than running
// catalog-registered SQL jobs, the single scheduled job calls
// pager.Checkpoint with the transaction manager's live-transaction
// snapshot and broadcasts a synthetic "Checkpoint Success" response to
// every connected session.
package session

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"rsql.dev/rsql/internal/storage/pager"
	"rsql.dev/rsql/internal/txn"
)

var checkpointLog = log.New(log.Writer(), "[checkpoint] ", log.LstdFlags)

// Checkpointer runs a fixed-interval background checkpoint and fans its
// completion out to every live session, per §4.11's "every 60 seconds the
// server broadcasts a synthetic Checkpoint Success response to all open
// sessions".
type Checkpointer struct {
	pgr      *pager.Pager
	txns     *txn.Manager
	hub      *Hub
	interval time.Duration
	cron     *cron.Cron
}

// NewCheckpointer builds a Checkpointer that fires every interval, using a
// seconds-resolution cron schedule the way the teacher's scheduler parses
// CRON expressions with cron.WithSeconds().
func NewCheckpointer(pgr *pager.Pager, txns *txn.Manager, hub *Hub, interval time.Duration) *Checkpointer {
	loc, _ := time.LoadLocation("UTC")
	return &Checkpointer{
		pgr:      pgr,
		txns:     txns,
		hub:      hub,
		interval: interval,
		cron:     cron.New(cron.WithLocation(loc), cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger))),
	}
}

// intervalSpec renders interval as a cron "@every" spec, since the
// checkpoint period is an env-configured duration (§6.3's
// RSQL_CHECKPOINT_INTERVAL_S) rather than a fixed cron expression.
func intervalSpec(interval time.Duration) string {
	return "@every " + interval.String()
}

// Start schedules the checkpoint job and starts the cron runner.
func (c *Checkpointer) Start() error {
	_, err := c.cron.AddFunc(intervalSpec(c.interval), c.runCheckpoint)
	if err != nil {
		return err
	}
	c.cron.Start()
	checkpointLog.Printf("checkpoint ticker started, interval=%s", c.interval)
	return nil
}

// Stop halts the cron runner and waits for any in-flight checkpoint to
// finish.
func (c *Checkpointer) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	checkpointLog.Printf("checkpoint ticker stopped")
}

func (c *Checkpointer) runCheckpoint() {
	active := c.txns.ActivePagerTxns()
	start := time.Now()
	if err := c.pgr.Checkpoint(active); err != nil {
		checkpointLog.Printf("checkpoint failed: %v", err)
		return
	}
	checkpointLog.Printf("checkpoint completed in %s (%d active txns)", time.Since(start), len(active))

	c.hub.Broadcast(Response{
		RayonResponse: RayonResponse{Error: "", ResponseContent: []any{"Checkpoint Success"}},
		Timestamp:     time.Now().Unix(),
		Success:       true,
	})
}
