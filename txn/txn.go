// Package txn provides the hooks the storage core calls out to for transactional context and
// write-ahead logging. Concurrency control, locking, and crash recovery are out of scope here:
// every method is a no-op, but the types are threaded through TableHeap and BPlusTreeIndex the
// same way the original engine threads a transaction pointer and a log manager through its table
// page and B+-tree operations, so a real implementation can be dropped in behind the same calls.
package txn

// Context stands in for a running transaction's identity and undo/redo log. The storage core
// never blocks on it and never inspects its contents; a nil Context means "no transaction."
type Context struct {
	ID int64
}

// LogManager stands in for the write-ahead log. AppendRecord always succeeds without writing
// anything; a real implementation would serialize the record and return its assigned LSN.
type LogManager struct{}

// NewLogManager returns a LogManager that discards every record it is given.
func NewLogManager() *LogManager {
	return &LogManager{}
}

// AppendRecord is a no-op. It returns a zero LSN so callers that thread a log sequence number
// through their page headers have something to store. pageID identifies the page the record
// describes; it is not interpreted. A nil receiver is valid and behaves the same as a real one.
func (*LogManager) AppendRecord(_ *Context, _ int32, _ []byte) (lsn int64, err error) {
	return 0, nil
}

// Flush is a no-op.
func (*LogManager) Flush() error {
	return nil
}
