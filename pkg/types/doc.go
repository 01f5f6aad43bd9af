/*
Package types defines the shared domain model of the Fractal compute
coordination kernel.

The central entity is the Record: a polymorphic calculation identified
by an opaque monotone integer id and discriminated by RecordType. Leaf
records (singlepoint, optimization) carry an attached Task while in
waiting, running, or error; service records (torsiondrive,
gridoptimization, manybody, reaction, neb) carry an attached Service row
holding iteration state and dependencies.

Content-addressed entities (Molecule, KeywordSet, and the specification
family) are create-once, read-forever: each distinct canonical hash
exists at most once in the store.

The package also defines the behavioral error kinds surfaced across the
core (InvalidPayloadError, LimitExceededError, MissingDataError,
StateConflictError, ManagerError) and the batch metadata types used in
place of whole-batch failures.
*/
package types
