package config

// Loomfile represents the structure of the loom.yaml workspace file.
type Loomfile struct {
	Version string               `yaml:"version"`
	Targets map[string]TargetDTO `yaml:"targets"`
}

// TargetDTO represents a target definition in the workspace file.
type TargetDTO struct {
	Cmd         []string          `yaml:"cmd"`
	Inputs      []string          `yaml:"inputs"`
	DependsOn   []string          `yaml:"dependsOn"`
	Environment map[string]string `yaml:"environment"`
}
