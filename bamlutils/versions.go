package bamlutils

import (
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// RuntimeVersion is the newest project format this runtime understands.
const RuntimeVersion = "v0.4.0"

// MinRuntimeVersion is the oldest project format this runtime still accepts.
const MinRuntimeVersion = "v0.1.0"

// SourceGlob matches project source files below a source directory.
const SourceGlob = "**/*.{yaml,yml}"

type versionHeader struct {
	RuntimeVersion string `yaml:"runtime_version"`
}

// ExtractVersions returns the runtime_version declared by a single project file.
// Files without a declaration yield no versions.
func ExtractVersions(filePath string, file io.Reader) ([]string, error) {
	var header versionHeader
	if err := yaml.NewDecoder(file).Decode(&header); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	if header.RuntimeVersion == "" {
		return nil, nil
	}
	return []string{header.RuntimeVersion}, nil
}

// ParseVersions collects the runtime versions declared across all project
// files in target.
func ParseVersions(target fs.FS) (versions []string, err error) {
	matches, err := doublestar.Glob(target, SourceGlob)
	if err != nil {
		return nil, err
	}

	for _, path := range matches {
		file, err := target.Open(path)
		if err != nil {
			return nil, err
		}

		currentVersions, err := ExtractVersions(path, file)
		_ = file.Close()
		if err != nil {
			return nil, err
		}

		versions = append(versions, currentVersions...)
	}

	return versions, nil
}

// NormalizeVersion prefixes a bare version with "v" for use with semver.
func NormalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version
}

// CheckRuntimeVersions verifies that every declared version can be served by
// this runtime: it must be valid semver, no older than MinRuntimeVersion and
// no newer than RuntimeVersion.
func CheckRuntimeVersions(versions []string) error {
	for _, declared := range versions {
		version := NormalizeVersion(declared)
		if !semver.IsValid(version) {
			return fmt.Errorf("runtime_version %q is not a valid semantic version", declared)
		}
		if semver.Compare(version, RuntimeVersion) > 0 {
			return fmt.Errorf(
				"project requires runtime version %q, but this runtime only supports up to %q",
				declared, strings.TrimPrefix(RuntimeVersion, "v"),
			)
		}
		if semver.Compare(version, MinRuntimeVersion) < 0 {
			return fmt.Errorf(
				"runtime version %q is unsupported, the minimum supported version is %q",
				declared, strings.TrimPrefix(MinRuntimeVersion, "v"),
			)
		}
	}
	return nil
}
