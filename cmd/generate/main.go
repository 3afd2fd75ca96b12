package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/invakid404/baml-runtime/codegen"
	"github.com/invakid404/baml-runtime/openapi"
	"github.com/invakid404/baml-runtime/runtime"
)

var sourceDir string

var rootCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate artifacts from a project",
}

var goFlags struct {
	output      string
	packageName string
	packagePath string
}

var goCmd = &cobra.Command{
	Use:   "go",
	Short: "Generate typed Go bindings",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := runtime.LoadDir(sourceDir)
		if err != nil {
			return err
		}

		packageName := goFlags.packageName
		if packageName == "" {
			packageName = filepath.Base(filepath.Dir(goFlags.output))
		}

		file, err := codegen.Generate(project.Registry, codegen.Config{
			PackagePath: goFlags.packagePath,
			PackageName: packageName,
		})
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(goFlags.output), 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := file.Save(goFlags.output); err != nil {
			return fmt.Errorf("failed to write %s: %w", goFlags.output, err)
		}
		fmt.Fprintf(os.Stderr, "Bindings written to %s\n", goFlags.output)
		return nil
	},
}

var openapiOutput string

var openapiCmd = &cobra.Command{
	Use:   "openapi",
	Short: "Generate the OpenAPI document of the REST server",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := runtime.LoadDir(sourceDir)
		if err != nil {
			return err
		}

		doc, err := openapi.Generate(project.Registry, openapi.Config{})
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}

		if ext := strings.ToLower(filepath.Ext(openapiOutput)); ext == ".yaml" || ext == ".yml" {
			var tree any
			if err := yaml.Unmarshal(data, &tree); err != nil {
				return fmt.Errorf("failed to convert schema to YAML: %w", err)
			}
			if data, err = yaml.Marshal(tree); err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}
		}

		if openapiOutput == "" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(openapiOutput, data, 0644); err != nil {
			return fmt.Errorf("failed to write schema file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Schema written to %s\n", openapiOutput)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&sourceDir, "source", runtime.DefaultSourceDir, "Directory holding the project files")

	goCmd.Flags().StringVarP(&goFlags.output, "output", "o", "baml_client/baml_client.go", "Output file")
	goCmd.Flags().StringVar(&goFlags.packageName, "package", "", "Package name (defaults to the output directory name)")
	goCmd.Flags().StringVar(&goFlags.packagePath, "import-path", "", "Import path of the generated package")

	openapiCmd.Flags().StringVarP(&openapiOutput, "output", "o", "", "Output file (.json or .yaml); stdout when empty")

	rootCmd.AddCommand(goCmd, openapiCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
