// Package exp provides the data model shared by the cold-start experiment engine.
//
// # Reading Guide
//
// Start with these files to understand what flows through the engine:
//   - event.go: named, timestamped milestones captured during a trial
//   - trial.go: one cold-start attempt and its outcome
//   - record.go: the persisted, normalized form of a trial
//   - run.go: the ExperimentRun state machine (pending → running → completed/partial-failure)
//
// # Architecture
//
// Components live in sub-packages and depend only on this package, never on each other
// except where noted:
//   - exp/baseline/: the closed set of runtime baselines and their platform configuration
//   - exp/platform/: the only component that mutates cluster state (apply, convergence wait)
//   - exp/trial/: repeated cold-start trials against the deployed service
//   - exp/sample/: event extraction and normalization into ResultRecords
//   - exp/store/: append-only persistence of ResultRecords
//   - exp/experiment/: run orchestration, resumption and the end-of-run summary
package exp
