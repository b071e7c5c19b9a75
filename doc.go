// Package strata contains the core types of Strata, an engine for executing
// physical query plans across a cluster of workers. This root package defines
// plans, schemas, record batches and the job/stage/task vocabulary shared by
// the scheduler and executor packages, and is a good overview of Strata's key
// concepts.
package strata
