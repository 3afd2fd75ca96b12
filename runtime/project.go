package runtime

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/llmclient"
)

// DefaultSourceDir is the project directory used when none is given.
const DefaultSourceDir = "baml_src"

// Project is a loaded and validated set of project files.
type Project struct {
	Registry *ir.Registry
	// Env holds variables from .env files in the source directory.
	Env   map[string]string
	Files []string
}

type projectFile struct {
	RuntimeVersion string                             `yaml:"runtime_version"`
	Classes        map[string]*bamlutils.DynamicClass `yaml:"classes"`
	Enums          map[string]*bamlutils.DynamicEnum  `yaml:"enums"`
	Clients        map[string]*clientFile             `yaml:"clients"`
	RetryPolicies  map[string]*retryPolicyFile        `yaml:"retry_policies"`
	Functions      map[string]*functionFile           `yaml:"functions"`
}

type clientFile struct {
	Provider    string         `yaml:"provider"`
	RetryPolicy string         `yaml:"retry_policy"`
	Options     map[string]any `yaml:"options"`
}

type retryPolicyFile struct {
	MaxRetries int `yaml:"max_retries"`
	Strategy   struct {
		Type       string   `yaml:"type"`
		DelayMs    *int     `yaml:"delay_ms"`
		MaxDelayMs *int     `yaml:"max_delay_ms"`
		Multiplier *float64 `yaml:"multiplier"`
	} `yaml:"strategy"`
}

type functionFile struct {
	Description string      `yaml:"description"`
	Params      []paramFile `yaml:"params"`
	Output      string      `yaml:"output"`
	Client      string      `yaml:"client"`
	Prompt      string      `yaml:"prompt"`
}

type paramFile struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// LoadDir loads the project under dir. Variables from dir/.env are returned
// in Project.Env.
func LoadDir(dir string) (*Project, error) {
	project, err := LoadFS(os.DirFS(dir))
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		env, err := godotenv.Read(envPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", envPath, err)
		}
		project.Env = env
	}

	return project, nil
}

// LoadFS loads every project file in fsys into a single registry.
func LoadFS(fsys fs.FS) (*Project, error) {
	files, err := doublestar.Glob(fsys, bamlutils.SourceGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to list project files: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no project files found")
	}
	slices.Sort(files)

	versions, err := bamlutils.ParseVersions(fsys)
	if err != nil {
		return nil, err
	}
	if err := bamlutils.CheckRuntimeVersions(versions); err != nil {
		return nil, err
	}

	merged := &projectFile{
		Classes:       make(map[string]*bamlutils.DynamicClass),
		Enums:         make(map[string]*bamlutils.DynamicEnum),
		Clients:       make(map[string]*clientFile),
		RetryPolicies: make(map[string]*retryPolicyFile),
		Functions:     make(map[string]*functionFile),
	}
	for _, path := range files {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, err
		}
		var file projectFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := merged.merge(&file); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	reg, err := merged.registry()
	if err != nil {
		return nil, err
	}
	return &Project{Registry: reg, Files: files}, nil
}

func (p *projectFile) merge(other *projectFile) error {
	return errors.Join(
		mergeInto("class", p.Classes, other.Classes),
		mergeInto("enum", p.Enums, other.Enums),
		mergeInto("client", p.Clients, other.Clients),
		mergeInto("retry policy", p.RetryPolicies, other.RetryPolicies),
		mergeInto("function", p.Functions, other.Functions),
	)
}

func mergeInto[V any](kind string, dst, src map[string]V) error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(src)) {
		if _, exists := dst[name]; exists {
			errs = append(errs, fmt.Errorf("%s %q is declared more than once", kind, name))
			continue
		}
		dst[name] = src[name]
	}
	return errors.Join(errs...)
}

func (p *projectFile) registry() (*ir.Registry, error) {
	reg := ir.NewRegistry()

	types := &bamlutils.DynamicTypes{Classes: p.Classes, Enums: p.Enums}
	if err := ir.NewTranslator(reg).Apply(types); err != nil {
		return nil, err
	}

	for _, name := range slices.Sorted(maps.Keys(p.RetryPolicies)) {
		rp := p.RetryPolicies[name]
		def := &ir.RetryPolicyDef{
			Name:       name,
			MaxRetries: rp.MaxRetries,
			Strategy: ir.RetryStrategyDef{
				Type:       rp.Strategy.Type,
				DelayMs:    rp.Strategy.DelayMs,
				MaxDelayMs: rp.Strategy.MaxDelayMs,
				Multiplier: rp.Strategy.Multiplier,
			},
		}
		if _, err := llmclient.NewRetryPolicy(def); err != nil {
			return nil, err
		}
		if err := reg.AddRetryPolicy(def); err != nil {
			return nil, err
		}
	}

	for _, name := range slices.Sorted(maps.Keys(p.Clients)) {
		c := p.Clients[name]
		if c.Provider == "" {
			return nil, fmt.Errorf("client %q: provider is required", name)
		}
		if err := reg.AddClient(&ir.ClientDef{
			Name:        name,
			Provider:    c.Provider,
			RetryPolicy: c.RetryPolicy,
			Options:     c.Options,
		}); err != nil {
			return nil, err
		}
	}

	for _, name := range slices.Sorted(maps.Keys(p.Functions)) {
		def, err := p.Functions[name].definition(reg, name)
		if err != nil {
			return nil, fmt.Errorf("function %q: %w", name, err)
		}
		if err := reg.AddFunction(def); err != nil {
			return nil, err
		}
	}

	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (f *functionFile) definition(reg *ir.Registry, name string) (*ir.FunctionDef, error) {
	if strings.TrimSpace(f.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if f.Output == "" {
		return nil, errors.New("output is required")
	}

	def := &ir.FunctionDef{
		Name:        name,
		Description: f.Description,
		Client:      f.Client,
		Prompt:      f.Prompt,
	}

	seen := make(map[string]bool, len(f.Params))
	for _, param := range f.Params {
		if param.Name == "" {
			return nil, errors.New("parameter without a name")
		}
		if seen[param.Name] {
			return nil, fmt.Errorf("parameter %q is declared more than once", param.Name)
		}
		seen[param.Name] = true

		if kind, err := bamlutils.ParseMediaKind(param.Type); err == nil {
			def.Params = append(def.Params, ir.Param{Name: param.Name, Media: &kind})
			continue
		}
		typ, err := reg.ParseType(param.Type)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", param.Name, err)
		}
		def.Params = append(def.Params, ir.Param{Name: param.Name, Type: typ})
	}

	output, err := reg.ParseType(f.Output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	def.Output = output

	if f.Client == "" {
		return nil, errors.New("client is required")
	}
	if _, err := reg.FindClient(f.Client); err != nil {
		shorthand, ok := llmclient.ParseShorthand(f.Client)
		if !ok {
			return nil, fmt.Errorf("unknown client %q", f.Client)
		}
		reg.SetClient(shorthand)
	}

	return def, nil
}
