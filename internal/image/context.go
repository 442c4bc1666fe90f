// SPDX-License-Identifier: MPL-2.0

package image

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	contextFilesDir = "context_files"
	runnerDir       = "channel_runner"
	payloadFile     = "payload.json"
)

// materializeContext writes a plan into a temporary build-context directory:
// the rendered Dockerfile, the declared copy sources under context_files/,
// the channel runner sources, and for deploy plans the baked payload. The
// returned cleanup removes the directory.
func materializeContext(plan *Plan, hostRunnerDir string) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "kiln-build-*")
	if err != nil {
		return "", nil, fmt.Errorf("create build context: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	if err = os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(plan.Dockerfile), 0o644); err != nil {
		return "", nil, fmt.Errorf("write Dockerfile: %w", err)
	}

	filesDir := filepath.Join(dir, contextFilesDir)
	if err = os.MkdirAll(filesDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create %s: %w", contextFilesDir, err)
	}
	for dst, src := range plan.CopySources {
		target := filepath.Join(filesDir, filepath.FromSlash(dst))
		if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", nil, fmt.Errorf("stage %s: %w", dst, err)
		}
		info, statErr := os.Stat(src)
		if statErr != nil {
			return "", nil, fmt.Errorf("stage %s: %w", dst, statErr)
		}
		if info.IsDir() {
			err = copyDir(src, target)
		} else {
			err = copyFile(src, target)
		}
		if err != nil {
			return "", nil, fmt.Errorf("stage %s: %w", dst, err)
		}
	}

	if hostRunnerDir != "" {
		if err = copyDir(hostRunnerDir, filepath.Join(dir, runnerDir)); err != nil {
			return "", nil, fmt.Errorf("stage channel runner: %w", err)
		}
	} else if err = os.MkdirAll(filepath.Join(dir, runnerDir), 0o755); err != nil {
		return "", nil, fmt.Errorf("stage channel runner: %w", err)
	}

	if plan.Kind == PlanDeploy {
		if err = os.WriteFile(filepath.Join(dir, payloadFile), plan.Payload, 0o644); err != nil {
			return "", nil, fmt.Errorf("write payload: %w", err)
		}
	}

	return dir, cleanup, nil
}

// copyFile copies a file from src to dst, preserving its mode.
func copyFile(src, dst string) (err error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		if closeErr := dstFile.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close destination file: %w", closeErr)
		}
	}()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}

	return nil
}

// copyDir recursively copies a directory from src to dst.
func copyDir(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source directory: %w", err)
	}

	if err = os.MkdirAll(dst, srcInfo.Mode()); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read source directory: %w", err)
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
		} else {
			if err := copyFile(srcPath, dstPath); err != nil {
				return err
			}
		}
	}

	return nil
}
