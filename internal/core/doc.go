// Package core is the service layer over the ingestion pipeline.
//
// It holds the source registry, runs pipelines asynchronously under a
// concurrency limit, tracks their progress, records run history and maps
// engine errors to support codes. It has no transport dependencies and is
// used by both the HTTP server and the CLI.
//
// # Source Registry
//
// Each source system is registered at init time with [Register]. A
// [SourceDefinition] pairs the source's schema catalogue with the ordered
// stage plan that maps its files:
//
//	core.Register(core.SourceDefinition{
//	    Info:      core.SourceInfo{Key: "acme", Label: "Acme GP", Prefix: "ACME"},
//	    Catalogue: catalogue,
//	    Plan:      pipeline.MustPlan(codesStage, patientStage),
//	})
//
// # Runs
//
// [Service.StartRun] admits a batch through the [RunLimiter] and returns a
// run id at once. Progress is broadcast to [Service.SubscribeProgress]
// listeners; [Service.GetRunResult] blocks until the run finishes. Every
// finished run is written to the store's run history, which
// [Service.StartRetentionScheduler] trims.
//
// # Error Handling
//
// [MapError] turns engine errors into a [UserMessage] with a support code
// such as SCH001 (schema mismatch) or REC001 (record failures).
package core
