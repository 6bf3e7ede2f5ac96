package sensor

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nholik/host-sentinel/internal/probe"
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// runCommand runs a helper binary without a shell and returns its stdout.
// Output that reports a permission refusal is surfaced as ErrPermission so the
// stage is disabled instead of retried.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s: %w", name, ctxErr)
	}
	if deniedOutput(stderr.Bytes()) || deniedOutput(stdout.Bytes()) {
		return nil, fmt.Errorf("%s: %w", name, probe.ErrPermission)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func deniedOutput(out []byte) bool {
	lower := bytes.ToLower(out)
	return bytes.Contains(lower, []byte("access denied")) || bytes.Contains(lower, []byte("access is denied"))
}

// powershell runs a non-interactive script and returns stdout.
func powershell(ctx context.Context, run commandRunner, script string) ([]byte, error) {
	return run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
}

// parseCSVRecords parses ConvertTo-Csv output into header-keyed rows.
func parseCSVRecords(out []byte) ([]map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(out))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, probe.Implausible("csv output: %v", err)
	}

	var header []string
	rows := make([]map[string]string, 0, len(records))
	for _, record := range records {
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if strings.HasPrefix(record[0], "#TYPE") {
			continue
		}
		if header == nil {
			header = record
			continue
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = strings.TrimSpace(record[i])
			}
		}
		rows = append(rows, row)
	}
	if header == nil {
		return nil, probe.Implausible("csv output has no header")
	}
	return rows, nil
}
