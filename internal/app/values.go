package app

import "go.trai.ch/loom/internal/core/domain"

// FileValue is the result of evaluating a file node: the content digest of
// one workspace input file.
type FileValue struct {
	Path   string
	Digest uint64
}

// Equal implements domain.NodeValue.
func (v FileValue) Equal(other domain.NodeValue) bool {
	o, ok := other.(FileValue)
	return ok && o == v
}

// TargetValue is the result of building one target. Two target values are
// equal when the fingerprints of everything their commands consumed are
// equal, which is what lets change pruning stop at a target whose inputs
// were touched but not meaningfully altered.
type TargetValue struct {
	Name        string
	Fingerprint string
}

// Equal implements domain.NodeValue.
func (v TargetValue) Equal(other domain.NodeValue) bool {
	o, ok := other.(TargetValue)
	return ok && o == v
}
