// Package cargo reads the dependency graph reported by `cargo metadata`.
package cargo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/geeknoid/cargo-rank/models"
)

type DependencyKind string

const (
	KindNormal DependencyKind = "normal"
	KindDev    DependencyKind = "dev"
	KindBuild  DependencyKind = "build"
)

var AllKinds = []DependencyKind{KindNormal, KindDev, KindBuild}

// ParseKinds accepts a comma separated list. "standard" is an alias for normal.
func ParseKinds(s string) ([]DependencyKind, error) {
	var kinds []DependencyKind
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "":
			continue
		case "normal", "standard":
			kinds = append(kinds, KindNormal)
		case "dev":
			kinds = append(kinds, KindDev)
		case "build":
			kinds = append(kinds, KindBuild)
		default:
			return nil, fmt.Errorf("unknown dependency kind %q", part)
		}
	}
	if len(kinds) == 0 {
		return AllKinds, nil
	}
	return kinds, nil
}

type Package struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source"`
}

type DepKindInfo struct {
	Kind *string `json:"kind"`
}

type NodeDep struct {
	Pkg      string        `json:"pkg"`
	DepKinds []DepKindInfo `json:"dep_kinds"`
}

type Node struct {
	ID   string    `json:"id"`
	Deps []NodeDep `json:"deps"`
}

type Resolve struct {
	Nodes []Node  `json:"nodes"`
	Root  *string `json:"root"`
}

// Metadata is the subset of `cargo metadata --format-version 1` output this
// tool reads.
type Metadata struct {
	Packages         []Package `json:"packages"`
	WorkspaceMembers []string  `json:"workspace_members"`
	Resolve          *Resolve  `json:"resolve"`

	packages map[string]*Package
	nodes    map[string]*Node
}

func Parse(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse cargo metadata: %w", err)
	}
	if m.Resolve == nil {
		return nil, errors.New("cargo metadata has no resolved dependency graph")
	}

	m.packages = make(map[string]*Package, len(m.Packages))
	for i := range m.Packages {
		m.packages[m.Packages[i].ID] = &m.Packages[i]
	}
	m.nodes = make(map[string]*Node, len(m.Resolve.Nodes))
	for i := range m.Resolve.Nodes {
		m.nodes[m.Resolve.Nodes[i].ID] = &m.Resolve.Nodes[i]
	}
	return &m, nil
}

func ReadFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cargo metadata: %w", err)
	}
	return Parse(data)
}

// Runner executes cargo. It exists so tests can stand in for the binary.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type ExecRunner struct {
	Binary string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "cargo"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debug().Strs("args", args).Msg("running cargo")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cargo %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type LoadOptions struct {
	ManifestPath      string
	Features          []string
	AllFeatures       bool
	NoDefaultFeatures bool
}

// Load invokes `cargo metadata` for a manifest.
func Load(ctx context.Context, runner Runner, opts LoadOptions) (*Metadata, error) {
	args := []string{"metadata", "--format-version", "1"}
	if opts.ManifestPath != "" {
		args = append(args, "--manifest-path", opts.ManifestPath)
	}
	if opts.AllFeatures {
		args = append(args, "--all-features")
	} else {
		if opts.NoDefaultFeatures {
			args = append(args, "--no-default-features")
		}
		if len(opts.Features) > 0 {
			args = append(args, "--features", strings.Join(opts.Features, ","))
		}
	}

	out, err := runner.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return Parse(out)
}

// Dependency is one crate reachable from the workspace.
type Dependency struct {
	Package models.PackageIdentity
	Kinds   []DependencyKind
	// Transitive counts the distinct packages the dependency itself pulls in
	// through normal edges.
	Transitive int64
}

// Dependencies walks the graph from every workspace member. The first hop
// follows edges of the requested kinds; further hops follow normal edges,
// since that is what the dependency itself needs to build. Workspace members
// are never reported.
func (m *Metadata) Dependencies(kinds []DependencyKind) ([]Dependency, error) {
	members := make(map[string]bool, len(m.WorkspaceMembers))
	for _, id := range m.WorkspaceMembers {
		members[id] = true
	}

	found := make(map[string]map[DependencyKind]bool)
	for _, member := range m.WorkspaceMembers {
		for _, kind := range kinds {
			for id := range m.closure(member, kind) {
				if members[id] {
					continue
				}
				if found[id] == nil {
					found[id] = make(map[DependencyKind]bool)
				}
				found[id][kind] = true
			}
		}
	}

	deps := make([]Dependency, 0, len(found))
	for id, kindSet := range found {
		pkg, ok := m.packages[id]
		if !ok {
			continue
		}
		identity, err := models.NewPackageIdentity(pkg.Name, pkg.Version)
		if err != nil {
			return nil, err
		}

		dep := Dependency{
			Package:    identity,
			Transitive: int64(len(m.closure(id, KindNormal))),
		}
		for _, kind := range AllKinds {
			if kindSet[kind] {
				dep.Kinds = append(dep.Kinds, kind)
			}
		}
		deps = append(deps, dep)
	}

	sort.Slice(deps, func(i, j int) bool {
		return deps[i].Package.String() < deps[j].Package.String()
	})
	return deps, nil
}

// closure returns every package reachable from start, excluding start.
func (m *Metadata) closure(start string, initial DependencyKind) map[string]bool {
	visited := make(map[string]bool)
	var queue []string

	if node, ok := m.nodes[start]; ok {
		for _, dep := range node.Deps {
			if hasKind(dep, initial) {
				queue = append(queue, dep.Pkg)
			}
		}
	}

	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if id == start || visited[id] {
			continue
		}
		visited[id] = true

		if node, ok := m.nodes[id]; ok {
			for _, dep := range node.Deps {
				if hasKind(dep, KindNormal) {
					queue = append(queue, dep.Pkg)
				}
			}
		}
	}
	return visited
}

func hasKind(dep NodeDep, kind DependencyKind) bool {
	for _, k := range dep.DepKinds {
		switch {
		case k.Kind == nil && kind == KindNormal:
			return true
		case k.Kind != nil && DependencyKind(*k.Kind) == kind:
			return true
		}
	}
	return false
}
