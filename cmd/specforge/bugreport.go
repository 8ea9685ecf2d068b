package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/specforge/specforge/internal/agents"
	"github.com/specforge/specforge/internal/harness"
)

const (
	bugreportLogLimit = 3
	redactedValue     = "***REDACTED***"
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
	bugreportLookPathFn = exec.LookPath
)

func newBugreportCommand(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs, config and agent CLI details into a diagnostic bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	SessionID string
	Warnings  []string
}

func (s *bugreportSummary) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func runBugReport(ctx context.Context, out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	stagingDir, err := os.MkdirTemp("", "specforge-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}
	steps := []func() error{
		func() error { return stageLogs(homeDir, stagingDir, &summary) },
		func() error { return stageConfig(homeDir, cwd, stagingDir, &summary) },
		func() error { return stageEnvironment(ctx, cwd, stagingDir) },
		func() error { return stageGitState(ctx, cwd, stagingDir) },
		func() error { return stageReadme(stagingDir, summary) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	bundlePath := filepath.Join(cwd, fmt.Sprintf(".specforge-bugreport-%s.tar.gz", bugreportNowFn().Format("20060102-150405")))
	if err := archiveDir(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

// stageLogs copies the newest runtime logs and records the last run and
// session ids they mention.
func stageLogs(homeDir, stagingDir string, summary *bugreportSummary) error {
	files, err := newestFiles(filepath.Join(homeDir, ".specforge", "logs"), bugreportLogLimit)
	if err != nil {
		summary.warn("unable to read logs directory: %v", err)
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("create logs staging directory: %w", err)
	}
	for _, file := range files {
		// #nosec G304 -- paths come from enumerating ~/.specforge/logs.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			summary.warn("unable to read log %s: %v", file.path, readErr)
			continue
		}
		if writeErr := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); writeErr != nil {
			summary.warn("unable to stage log %s: %v", file.path, writeErr)
			continue
		}
		summary.LogFiles = append(summary.LogFiles, file.path)
		if summary.RunID == "" && summary.SessionID == "" {
			summary.RunID, summary.SessionID = lastCorrelation(data)
		}
	}
	if summary.RunID == "" && summary.SessionID == "" {
		summary.warn("no run_id/session_id found in copied logs")
	}

	content := fmt.Sprintf("run_id: %s\nsession_id: %s\n", summary.RunID, summary.SessionID)
	if err := os.WriteFile(filepath.Join(stagingDir, "last-run.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write last-run.txt: %w", err)
	}
	return nil
}

// lastCorrelation scans JSON log records from the end for run and session ids.
func lastCorrelation(data []byte) (string, string) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		record := map[string]any{}
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
			continue
		}
		runID, _ := record["run_id"].(string)
		sessionID, _ := record["session_id"].(string)
		if runID != "" || sessionID != "" {
			return strings.TrimSpace(runID), strings.TrimSpace(sessionID)
		}
	}
	return "", ""
}

// stageConfig writes the user and project config files with secrets masked.
func stageConfig(homeDir, cwd, stagingDir string, summary *bugreportSummary) error {
	sources := []struct {
		label string
		path  string
	}{
		{label: "user", path: filepath.Join(homeDir, ".specforge", "config.toml")},
		{label: "project", path: filepath.Join(cwd, ".specforge", "config.toml")},
	}

	var b strings.Builder
	for _, source := range sources {
		fmt.Fprintf(&b, "# %s: %s\n", source.label, source.path)
		// #nosec G304 -- config paths are fixed locations under home and cwd.
		data, err := os.ReadFile(source.path)
		if err != nil {
			summary.warn("unable to read %s config: %v", source.label, err)
			b.WriteString("# unavailable\n\n")
			continue
		}
		b.WriteString(redactSensitiveConfig(string(data)))
		b.WriteString("\n\n")
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "config.toml"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write redacted config: %w", err)
	}
	return nil
}

// redactSensitiveConfig masks the value of every key that looks like a secret.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
			lines[i] = key + "= \"" + redactedValue + "\""
		}
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	for _, marker := range []string{"token", "password", "passwd", "secret", "api_key", "apikey", "api-key", "auth", "bearer", "certificate"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

// stageEnvironment records the version, agent CLI availability and which
// agents have project definitions.
func stageEnvironment(ctx context.Context, cwd, stagingDir string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "specforge version: %s\n\n", strings.TrimSpace(Version))

	b.WriteString("[AGENT CLIS]\n")
	for _, name := range []string{harness.ProfileClaude, harness.ProfileCodex} {
		profile, _ := harness.LookupProfile(name)
		path, err := bugreportLookPathFn(profile.Binary)
		if err != nil {
			fmt.Fprintf(&b, "%s: not found\n", profile.Binary)
			continue
		}
		fmt.Fprintf(&b, "%s: %s (%s)\n", profile.Binary, path, runCommandForBugreport(ctx, path, "--version"))
	}

	b.WriteString("\n[AGENT DEFINITIONS]\n")
	for _, agent := range agents.All() {
		source := "built-in"
		if _, err := os.Stat(agents.DefinitionPath(cwd, agent.ID)); err == nil {
			source = "project"
		}
		fmt.Fprintf(&b, "%s: %s\n", agent.ID, source)
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "environment.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write environment.txt: %w", err)
	}
	return nil
}

func stageGitState(ctx context.Context, cwd, stagingDir string) error {
	sections := []struct {
		title string
		args  []string
	}{
		{title: "HEAD", args: []string{"rev-parse", "HEAD"}},
		{title: "BRANCH", args: []string{"rev-parse", "--abbrev-ref", "HEAD"}},
		{title: "STATUS", args: []string{"status", "--short"}},
		{title: "DIFF", args: []string{"diff"}},
	}

	var b strings.Builder
	for _, section := range sections {
		args := append([]string{"-C", cwd}, section.args...)
		fmt.Fprintf(&b, "[%s]\n%s\n\n", section.title, runCommandForBugreport(ctx, "git", args...))
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "git-state.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write git-state.txt: %w", err)
	}
	return nil
}

func runCommandForBugreport(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func stageReadme(stagingDir string, summary bugreportSummary) error {
	var b strings.Builder
	b.WriteString("specforge bug report\n")
	b.WriteString("====================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&b, "Version: %s\n", summary.Version)
	fmt.Fprintf(&b, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&b, "session_id: %s\n\n", summary.SessionID)
	b.WriteString("Included artifacts:\n")
	fmt.Fprintf(&b, "- logs/ (up to the last %d log files)\n", bugreportLogLimit)
	b.WriteString("- config.toml (user and project, redacted)\n")
	b.WriteString("- environment.txt (agent CLIs and definitions)\n")
	b.WriteString("- last-run.txt\n")
	b.WriteString("- git-state.txt\n")
	if len(summary.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			b.WriteString("- " + warning + "\n")
		}
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

// archiveDir writes every regular file under dir into a gzipped tarball.
func archiveDir(dir, destination string) (err error) {
	// #nosec G304 -- destination is a generated name in the working directory.
	file, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	defer func() {
		for _, closer := range []io.Closer{tw, gz, file} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}
		// #nosec G304 -- walk paths originate from the staging directory.
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s for archive: %w", path, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
