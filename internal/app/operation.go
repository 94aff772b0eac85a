package app

// Operation tracks a CLI operation that may mutate the store.
// Operations are created in memory with ID=0. Only mutating commands
// persist them (giving them an auto-increment ID from the user directory).
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Principal  string
	Status     string // "success" or "error"
}

// NewOperation creates a new in-memory operation.
func NewOperation(operation, parameters string) *Operation {
	return &Operation{
		Operation:  operation,
		Parameters: parameters,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed. A failed operation stays failed.
func (op *Operation) Fail() {
	op.Status = "error"
}
