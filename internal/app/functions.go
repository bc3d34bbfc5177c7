package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/zerr"
)

// Builtin node kinds. A file node digests one workspace input file; a target
// node runs one declared command once its file and target dependencies are
// up to date.
const (
	KindFile   domain.FunctionKind = "file"
	KindTarget domain.FunctionKind = "target"
)

// FileKey returns the node key for a workspace input file.
func FileKey(path string) domain.NodeKey {
	return domain.NewNodeKey(KindFile, path)
}

// TargetKey returns the node key for a workspace target.
func TargetKey(name string) domain.NodeKey {
	return domain.NewNodeKey(KindTarget, name)
}

// fileFunc digests one input file relative to the workspace root.
func (s *Session) fileFunc() ports.Function {
	return func(_ context.Context, key domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		path := key.Arg.String()
		digest, err := s.hasher.HashFile(s.ws.Root, path)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to digest input"), "path", path)
		}
		return FileValue{Path: path, Digest: digest}, nil
	}
}

// targetFunc builds one target. It declares the target's file inputs and
// target dependencies, and once all are available decides via the action
// cache whether the command actually needs to run.
func (s *Session) targetFunc() ports.Function {
	return func(ctx context.Context, key domain.NodeKey, env ports.Environment) (domain.NodeValue, error) {
		name := key.Arg.String()
		target, ok := s.ws.Target(name)
		if !ok {
			return nil, zerr.With(domain.ErrTargetNotFound, "target", name)
		}

		deps := make([]domain.NodeKey, 0, len(target.Deps)+len(target.Inputs))
		for _, dep := range target.Deps {
			deps = append(deps, TargetKey(dep.String()))
		}
		for _, in := range target.Inputs {
			deps = append(deps, FileKey(in.String()))
		}

		vals, err := env.GetValues(deps)
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}

		fp := fingerprint(&target, deps, vals)

		if !s.noCache {
			entry, err := s.actions.Get(name)
			if err != nil {
				return nil, err
			}
			if entry != nil && entry.Fingerprint == fp {
				if vtx, ok := ports.VertexFromContext(ctx); ok {
					vtx.Cached()
				}
				return TargetValue{Name: name, Fingerprint: fp}, nil
			}
		}

		env.Logger().Info("building " + name)
		if err := s.runner.Run(ctx, target.Command, s.ws.Root, target.Environment); err != nil {
			return nil, zerr.With(zerr.Wrap(err, "target command failed"), "target", name)
		}

		if err := s.actions.Put(domain.ActionEntry{
			Target:      name,
			Fingerprint: fp,
			Timestamp:   time.Now().UTC(),
		}); err != nil {
			return nil, err
		}

		return TargetValue{Name: name, Fingerprint: fp}, nil
	}
}

// fingerprint condenses everything a target's command consumes: its
// definition, its environment, the digests of its input files and the
// fingerprints of the targets it depends on. Dependency values are hashed in
// declaration order.
func fingerprint(target *domain.Target, deps []domain.NodeKey, vals map[domain.NodeKey]domain.NodeValue) string {
	h := xxhash.New()

	_, _ = h.WriteString(target.Name.String())
	_, _ = h.Write([]byte{0})
	for _, arg := range target.Command {
		_, _ = h.WriteString(arg)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write([]byte{0})

	envKeys := make([]string, 0, len(target.Environment))
	for k := range target.Environment {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{'='})
		_, _ = h.WriteString(target.Environment[k])
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write([]byte{0})

	for _, dep := range deps {
		_, _ = h.WriteString(dep.String())
		_, _ = h.Write([]byte{0})
		switch v := vals[dep].(type) {
		case FileValue:
			_, _ = fmt.Fprintf(h, "%016x", v.Digest)
		case TargetValue:
			_, _ = h.WriteString(v.Fingerprint)
		}
		_, _ = h.Write([]byte{0})
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
