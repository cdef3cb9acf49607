// Package main provides a scripted stand-in for the code generator.
//
// Stubgen speaks the generator contract: an instruction JSON document on
// stdin, a {files, summary} result on stdout, non-zero exit on failure.
// It writes a marker file per task into the workspace, which is enough to
// drive a taskd deployment end to end without a real collaborator, and
// its failure flags exercise the error-resolution and human-review paths
// deterministically.
//
// Usage:
//
//	# Always succeed
//	taskd configured with codegen.command: ["stubgen"]
//
//	# Fail the first two attempts of every task, then succeed
//	codegen.command: ["stubgen", "-fail-attempts", "2"]
//
//	# Per-task behavior from a rules file
//	codegen.command: ["stubgen", "-rules", "/etc/taskd/stubgen.json"]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/taskd/internal/codegen"
)

// Rule scripts the behavior for tasks whose ID matches. A trailing "*" in
// Task matches by prefix.
type Rule struct {
	Task         string `json:"task"`
	FailAttempts int    `json:"fail_attempts,omitempty"`
	ExitCode     int    `json:"exit_code,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	SleepMS      int    `json:"sleep_ms,omitempty"`
}

// RulesFile is the JSON structure for rules files.
type RulesFile struct {
	Rules []Rule `json:"rules"`
}

func main() {
	failAttempts := flag.Int("fail-attempts", 0, "Fail attempts up to and including this number")
	exitCode := flag.Int("exit-code", 1, "Exit code for scripted failures")
	sleep := flag.Duration("sleep", 0, "Delay before responding")
	rulesPath := flag.String("rules", "", "Path to per-task rules JSON file")
	outDir := flag.String("dir", "generated", "Workspace subdirectory for marker files")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	// Stdout belongs to the result document; everything else goes to
	// stderr.
	logLevel := zapcore.WarnLevel
	if *verbose {
		logLevel = zapcore.DebugLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(logLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	in, err := readInstruction(os.Stdin)
	if err != nil {
		logger.Fatal("Failed to read instruction", zap.Error(err))
	}

	logger.Debug("Instruction received",
		zap.String("task_id", in.TaskID),
		zap.Int("attempt", in.Attempt),
		zap.String("branch", in.Branch))

	rule := Rule{FailAttempts: *failAttempts, ExitCode: *exitCode}
	if *rulesPath != "" {
		rules, err := loadRules(*rulesPath)
		if err != nil {
			logger.Fatal("Failed to load rules", zap.Error(err))
		}
		if matched, ok := matchRule(rules, in.TaskID); ok {
			rule = matched
			logger.Debug("Rule matched", zap.String("rule_task", matched.Task))
		}
	}

	if rule.SleepMS > 0 {
		time.Sleep(time.Duration(rule.SleepMS) * time.Millisecond)
	} else if *sleep > 0 {
		time.Sleep(*sleep)
	}

	if rule.FailAttempts > 0 && in.Attempt <= rule.FailAttempts {
		stderr := rule.Stderr
		if stderr == "" {
			stderr = fmt.Sprintf("stubgen: scripted failure for %s (attempt %d of %d)",
				in.TaskID, in.Attempt, rule.FailAttempts)
		}
		fmt.Fprintln(os.Stderr, stderr)
		code := rule.ExitCode
		if code == 0 {
			code = *exitCode
		}
		os.Exit(code)
	}

	result, err := writeMarker(in, *outDir)
	if err != nil {
		logger.Fatal("Failed to write marker file", zap.Error(err))
	}

	out, err := json.Marshal(result)
	if err != nil {
		logger.Fatal("Failed to marshal result", zap.Error(err))
	}
	fmt.Println(string(out))
}

// readInstruction decodes the instruction document from stdin.
func readInstruction(r io.Reader) (*codegen.Instruction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}

	var in codegen.Instruction
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("unmarshal instruction: %w", err)
	}
	if in.TaskID == "" {
		return nil, fmt.Errorf("instruction missing task_id")
	}
	return &in, nil
}

// loadRules reads and parses a rules file.
func loadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var file RulesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return file.Rules, nil
}

// matchRule finds the first rule matching the task ID. Exact matches and
// "prefix*" globs are supported.
func matchRule(rules []Rule, taskID string) (Rule, bool) {
	for _, r := range rules {
		if prefix, ok := strings.CutSuffix(r.Task, "*"); ok {
			if strings.HasPrefix(taskID, prefix) {
				return r, true
			}
			continue
		}
		if r.Task == taskID {
			return r, true
		}
	}
	return Rule{}, false
}

// writeMarker records the task in the workspace and reports the change.
// The process runs with the workspace as its working directory, so paths
// stay relative.
func writeMarker(in *codegen.Instruction, dir string) (*codegen.Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Title)
	if in.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", in.Description)
	}
	if len(in.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range in.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Completed by stubgen on attempt %d.\n", in.Attempt)

	path := filepath.Join(dir, safeName(in.TaskID)+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return &codegen.Result{
		Files:   []string{path},
		Summary: fmt.Sprintf("stub change for %s: wrote %s", in.TaskID, path),
	}, nil
}

// safeName flattens a task ID into a file name.
func safeName(taskID string) string {
	return strings.ReplaceAll(taskID, ".", "-")
}
