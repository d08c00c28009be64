package errs

// Code classifies a failure by how the engine must react to it.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeTransient       Code = "TRANSIENT"
	CodeStorage         Code = "STORAGE"
	CodeMigration       Code = "MIGRATION"
	CodeConflict        Code = "CONFLICT"
	CodeEnrichment      Code = "ENRICHMENT"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeNotInitialized  Code = "NOT_INITIALIZED"
	CodeInternal        Code = "INTERNAL"
)
