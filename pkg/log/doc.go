/*
Package log provides structured logging for the transactional runtime
using zerolog.

The log package wraps zerolog to give every component - the epoch
coordinator, the descriptor engine, the reclamation tracker, the durable
heap, the skip list, the epoch advancer - a consistent JSON or console
logger carrying the fields that matter for debugging a concurrent,
epoch-based system: component name, thread id, epoch number, descriptor
sequence number.

# Usage

Initializing the logger, normally done once in cmd/epochtx's root
command before any subcommand runs:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	epochLog := log.WithComponent("epoch")
	epochLog.Info().Msg("advancer started")

	reclaimLog := log.WithComponent("reclaim")
	reclaimLog.Debug().Int("freed", n).Msg("reclaimed retired nodes")

Correlation loggers for the hot path, where a bare component name isn't
enough to tell two concurrent transactions apart:

	txLog := log.WithTid(tid).With().Uint64("sn", sn).Logger()
	txLog.Debug().Msg("transaction aborted: read set invalidated")

	log.WithEpoch(epoch).Warn().Msg("epoch advance found a straggler")

# Design

A single package-level zerolog.Logger is initialized once and handed out
through WithComponent and its siblings as child loggers carrying extra
context fields, so concurrent log lines stay attributable to the
component, thread and epoch that produced them without a global lock.

Debug level logs reclamation counts from the advancer; Info level logs
lifecycle events (advancer start/stop, heap recovery summaries, serve
start and shutdown); Warn logs a straggler force-aborted on epoch
advance; Error logs a failed persistence flush or metrics server. The
descriptor engine's CAS retries and helper completions are counted in
package metrics and are not logged.
*/
package log
