package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/compiler"
	"go.uber.org/zap"

	"github.com/sharding-experiment/sandbox/internal/logging"
)

// ErrSolcNotFound is returned when sources must be compiled but no solc
// binary is available.
var ErrSolcNotFound = errors.New("solc not found")

// ErrNotFound is returned by Project.Contract for unknown names.
var ErrNotFound = errors.New("contract not found in project")

// Project is the set of contracts built from one directory.
type Project struct {
	Dir       string
	Artifacts []*Artifact
}

// Contract returns the artifact called name.
func (p *Project) Contract(name string) (*Artifact, error) {
	for _, a := range p.Artifacts {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Names lists the contracts of the project.
func (p *Project) Names() []string {
	out := make([]string, len(p.Artifacts))
	for i, a := range p.Artifacts {
		out[i] = a.Name
	}
	return out
}

type compileOptions struct {
	solc string
	log  *zap.Logger
}

type Option func(*compileOptions)

// WithSolc sets the compiler binary, "solc" from PATH by default.
func WithSolc(path string) Option {
	return func(o *compileOptions) { o.solc = path }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *compileOptions) { o.log = l }
}

// CompileProject builds every contract under dir. Prebuilt artifacts under
// out/ (forge) or artifacts/ (hardhat) are used as they are; otherwise the
// .sol files under dir/src, or dir itself, are compiled with solc.
func CompileProject(ctx context.Context, dir string, opts ...Option) (*Project, error) {
	o := compileOptions{solc: "solc"}
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.OrNop(o.log).Named("artifact")

	for _, sub := range []string{"out", "artifacts"} {
		buildDir := filepath.Join(dir, sub)
		if st, err := os.Stat(buildDir); err == nil && st.IsDir() {
			p, err := loadBuildDir(dir, buildDir)
			if err != nil {
				return nil, err
			}
			if len(p.Artifacts) > 0 {
				log.Debug("Loaded prebuilt artifacts", zap.String("dir", buildDir), zap.Strings("contracts", p.Names()))
				return p, nil
			}
		}
	}

	srcDir := filepath.Join(dir, "src")
	if st, err := os.Stat(srcDir); err != nil || !st.IsDir() {
		srcDir = dir
	}
	sources, err := findSources(srcDir)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no artifacts or solidity sources in %s", dir)
	}
	p, err := compileSources(ctx, o.solc, dir, sources)
	if err != nil {
		return nil, err
	}
	log.Debug("Compiled sources", zap.Int("files", len(sources)), zap.Strings("contracts", p.Names()))
	return p, nil
}

func loadBuildDir(projectDir, buildDir string) (*Project, error) {
	p := &Project{Dir: projectDir}
	err := filepath.WalkDir(buildDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".json" || strings.HasSuffix(path, ".dbg.json") {
			return nil
		}
		a, err := Load(path)
		if err != nil {
			// Build dirs hold other JSON too (metadata, caches).
			return nil
		}
		if len(a.Bytecode) == 0 {
			return nil
		}
		p.Artifacts = append(p.Artifacts, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", buildDir, err)
	}
	sortArtifacts(p.Artifacts)
	return p, nil
}

func findSources(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != dir && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules" || d.Name() == "lib") {
			return filepath.SkipDir
		}
		if !d.IsDir() && filepath.Ext(path) == ".sol" {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func compileSources(ctx context.Context, solc, dir string, sources []string) (*Project, error) {
	bin, err := exec.LookPath(solc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSolcNotFound, err)
	}
	args := append([]string{"--combined-json", "abi,bin,bin-runtime", "--optimize"}, sources...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("solc: %w\n%s", err, stderr.String())
	}

	contracts, err := compiler.ParseCombinedJSON(stdout.Bytes(), "", "", "", strings.Join(args[:3], " "))
	if err != nil {
		return nil, fmt.Errorf("parse solc output: %w", err)
	}
	p := &Project{Dir: dir}
	for key, c := range contracts {
		code, err := decodeHex(c.Code)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if len(code) == 0 {
			// interfaces and abstract contracts
			continue
		}
		runtime, err := decodeHex(c.RuntimeCode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		source, name := key, key
		if i := strings.LastIndex(key, ":"); i >= 0 {
			source, name = key[:i], key[i+1:]
		}
		a := &Artifact{Name: name, Bytecode: code, DeployedBytecode: runtime, Source: source}
		abiJSON, err := json.Marshal(c.Info.AbiDefinition)
		if err != nil {
			return nil, err
		}
		if err := a.setABI(abiJSON); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		p.Artifacts = append(p.Artifacts, a)
	}
	sortArtifacts(p.Artifacts)
	return p, nil
}

func sortArtifacts(as []*Artifact) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Name != as[j].Name {
			return as[i].Name < as[j].Name
		}
		return as[i].Source < as[j].Source
	})
}
