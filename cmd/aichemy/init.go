package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/aichemy-agent/examples"
)

// runInit writes an example config and tool catalogue into dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing AiChemy workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// The config may carry an endpoint token.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	toolsPath := filepath.Join(dir, "tools.txt")
	if err := writeIfMissing(toolsPath, examples.ToolsTSV, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", toolsPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set DATABRICKS_HOST and DATABRICKS_TOKEN, then edit config.yaml.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
