package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Worker operations.
const (
	OperationTransform = "transform"
	OperationMetadata  = "metadata"
)

// OutputFormatJSONL asks the worker for one JSON event per stdout line.
const OutputFormatJSONL = "jsonl"

// WorkerInvocation describes one run of the external worker.
type WorkerInvocation struct {
	JobID     JobID
	Operation string
	Source    string
	Params    RequestParameters
	OutputDir string
}

// Args returns the operation arguments, without the worker command itself.
// outputDir is passed separately so runtimes can remap it.
func (inv WorkerInvocation) Args(outputDir string) ([]string, error) {
	params, err := json.Marshal(inv.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	args := []string{inv.Operation, "--source", inv.Source, "--params", string(params)}
	if outputDir != "" {
		args = append(args, "--output-dir", outputDir)
	}
	return append(args, "--format", OutputFormatJSONL), nil
}

// ProcessExit is what a worker process left behind when it stopped.
type ProcessExit struct {
	Code        int
	Diagnostics string // tail of the diagnostic stream, log only
	Err         error  // wait failure unrelated to the exit code
}

type WorkerEventType string

const (
	WorkerEventProgress WorkerEventType = "progress"
	WorkerEventClip     WorkerEventType = "clip"
	WorkerEventResult   WorkerEventType = "result"
)

// WorkerEvent is one line of worker stdout.
type WorkerEvent struct {
	Type     WorkerEventType `json:"type"`
	Progress *int            `json:"progress,omitempty"`
	Clip     *Artifact       `json:"clip,omitempty"`
	Result   *WorkerResult   `json:"result,omitempty"`
}

// WorkerResult is the final typed payload of a successful run.
type WorkerResult struct {
	Clips    []Artifact        `json:"clips"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r WorkerResult) Validate() error {
	for i, c := range r.Clips {
		if err := validateClip(c); err != nil {
			return fmt.Errorf("clip %d: %w", i, err)
		}
	}
	return nil
}

func validateClip(c Artifact) error {
	name := strings.TrimSpace(c.Filename)
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("filename %q must be a bare file name", name)
	}
	if c.End < c.Start {
		return fmt.Errorf("end %.2f before start %.2f", c.End, c.Start)
	}
	return nil
}

// ParseWorkerLine decodes and validates one stdout line.
func ParseWorkerLine(line []byte) (WorkerEvent, error) {
	var ev WorkerEvent
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return WorkerEvent{}, fmt.Errorf("decode worker event: %w", err)
	}

	switch ev.Type {
	case WorkerEventProgress:
		if ev.Progress == nil || *ev.Progress < 0 || *ev.Progress > 100 {
			return WorkerEvent{}, fmt.Errorf("progress event needs a value in [0,100]")
		}
	case WorkerEventClip:
		if ev.Clip == nil {
			return WorkerEvent{}, fmt.Errorf("clip event without clip")
		}
		if err := validateClip(*ev.Clip); err != nil {
			return WorkerEvent{}, err
		}
		if ev.Clip.DeliveryStatus == "" {
			ev.Clip.DeliveryStatus = "ready"
		}
	case WorkerEventResult:
		if ev.Result == nil {
			return WorkerEvent{}, fmt.Errorf("result event without result")
		}
		if err := ev.Result.Validate(); err != nil {
			return WorkerEvent{}, err
		}
		for i := range ev.Result.Clips {
			if ev.Result.Clips[i].DeliveryStatus == "" {
				ev.Result.Clips[i].DeliveryStatus = "ready"
			}
		}
	default:
		return WorkerEvent{}, fmt.Errorf("unknown worker event type %q", ev.Type)
	}
	return ev, nil
}
