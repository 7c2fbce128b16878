/*
Package types defines the core data structures used throughout QCForge.

This package contains all fundamental types that represent the domain
model: molecules, keyword sets, specifications, records of every kind,
tasks, compute managers, and the wire shapes exchanged with managers.
These types are used by all other packages for state management, API
communication, and orchestration logic.

# Core Types

Record lifecycle:
  - BaseRecord: Polymorphic header shared by all record kinds
  - RecordStatus: waiting, running, complete, error, cancelled, invalid, deleted
  - ComputeHistory: Append-only attempt log with outputs
  - Comment: User annotations on a record

Chemistry inputs:
  - Molecule: Immutable chemical system, deduplicated by canonical hash
  - KeywordSet: Arbitrary program keywords, deduplicated by hash index
  - QCSpecification: (program, driver, method, basis, keywords, protocols)
  - OptimizationSpecification: QCSpecification plus the optimizer program

Task queue:
  - Task: Row tying a waiting/running record to its execution spec
  - Priority: low, normal, high; higher priorities claim first
  - ComputeManager: Registered remote worker pool with tags and programs
  - ManagerLog: Heartbeat counter snapshots

Results:
  - AtomicResult, OptimizationResult: Successful worker outcomes
  - FailedOperation: Worker-side failure envelope
  - ResultEnvelope: Schema-dispatched wrapper used by the return engine

Wire protocol:
  - ActivateBody, HeartbeatBody, ClaimBody, ReturnBody
  - RecordTask: Claim payload with opaque function/args/kwargs
  - TaskReturnMetadata: Accepted and rejected ids per return call

All types are designed to be serializable (JSON), immutable where
possible, and normalized before persistence (lower-cased names, empty
basis mapped to nil, lower-cased program keys).
*/
package types
