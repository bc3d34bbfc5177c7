package ports

// FileHasher computes content digests for files.
//
//go:generate go run go.uber.org/mock/mockgen -source=hasher.go -destination=mocks/mock_hasher.go -package=mocks
type FileHasher interface {
	// HashFile computes the content digest of the file at path, resolved
	// against root.
	HashFile(root, path string) (uint64, error)
}
