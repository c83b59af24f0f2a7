package index

// ImageIndex defines the interface for gallery indexing operations.
// Consumers should depend on this interface rather than the concrete *DB type
// to facilitate testing with mocks.
type ImageIndex interface {
	UpsertImage(row ImageRow) error
	DeleteImage(name string) error
	GetChecksum(name string) (string, error)
	GetImage(name string) (*ImageRow, error)
	ListImages(limit, offset int) ([]ImageRow, int, error)
	Search(query string, limit int) ([]SearchResult, error)
	AllChecksums() (map[string]string, error)
	Close() error
}

// Verify *DB satisfies ImageIndex at compile time.
var _ ImageIndex = (*DB)(nil)
