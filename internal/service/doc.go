// Package service wires the job engine into a running process.
//
// Overview
// The Supervisor owns the registry, the orchestrator, the progress sinks, the
// outcome store, the result uploaders and the primary browser. Clients submit
// job runs and control running ones by id; Do serves the long running side:
// control commands arriving over NATS and scheduled check-status runs.
//
// Data flow:
//
//	cron tick ----> Trigger --> Do loop --> Submit
//	CLI ------------------------------------> Submit --> Orchestrator.Run --> uploaders
//	NATS control -> HandleControl --> Control --> registry pause/resume/stop
//
// Invariants:
//   - Every Submit produces exactly one terminal progress event and one
//     uploaded result, also when the job cannot start.
//   - A tick arriving while the previous scheduled run is still pending is
//     skipped.
//   - A spawned session is stopped when its run ends.
package service
