package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CommandDetector runs an external classifier process per image. The image
// path is appended as the last argument; the process must print a JSON array
// of labels on stdout and exit 0.
//
// This is the seam for model runtimes that don't live in this process, like
// a YOLO script: DETECTOR_CMD="python3 scripts/detect_objects.py".
type CommandDetector struct {
	name string
	args []string
}

// NewCommandDetector parses a whitespace-separated command line.
func NewCommandDetector(command string) (*CommandDetector, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty detector command")
	}
	return &CommandDetector{name: parts[0], args: parts[1:]}, nil
}

// Detect classifies one image file.
func (d *CommandDetector) Detect(ctx context.Context, imagePath string) ([]Label, error) {
	cmd := exec.CommandContext(ctx, d.name, append(append([]string{}, d.args...), imagePath)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("detector %s: %w (stderr: %s)", d.name, err, strings.TrimSpace(stderr.String()))
	}

	var labels []Label
	if err := json.Unmarshal(stdout.Bytes(), &labels); err != nil {
		return nil, fmt.Errorf("detector %s: parse output: %w", d.name, err)
	}
	return labels, nil
}
