package jobqueue

// RetentionMode controls what happens to a record once an attempt
// finalizes.
type RetentionMode int

const (
	// RemoveDone deletes the record on success; a terminal failure is
	// still persisted as Failed via SetTaskState. This is the default.
	RemoveDone RetentionMode = iota
	// KeepAll leaves every record in place, recording its terminal state.
	KeepAll
	// RemoveAll deletes the record regardless of outcome.
	RemoveAll
)
