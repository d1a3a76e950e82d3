package model

import (
	"encoding/json"
	"time"
)

// WorkItem is a self-describing unit of work: a script body for an
// interpreter plus its positional arguments. It carries values only.
type WorkItem struct {
	Body        string   `json:"body"`
	Args        []string `json:"args,omitempty"`
	Interpreter string   `json:"interpreter,omitempty"`
}

// CapturedBinding reconstructs one $using: reference inside the job.
type CapturedBinding struct {
	Name   string          `json:"name"`
	Value  json.RawMessage `json:"value"`
	Source string          `json:"source"`
}

// Request is the invocation contract of a single host pipeline.
type Request struct {
	Work     WorkItem
	Using    map[string]any
	Identity Identity
}

// EntryPoint is the command relaunching a registered job out of process.
type EntryPoint struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// JobDefinition is what the registrar stores for a detached job.
type JobDefinition struct {
	Name     string            `json:"name"`
	Work     WorkItem          `json:"work"`
	Bindings []CapturedBinding `json:"bindings,omitempty"`
	// Principal is set when an explicit credential is bound on the job itself.
	Principal string        `json:"principal,omitempty"`
	Elevated  bool          `json:"elevated,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

type JobHandle struct {
	Name       string
	EntryPoint EntryPoint
}

type TaskHandle struct {
	Name     string
	UserID   string
	Logon    string
	RunLevel string
}

// JobState is the lifecycle of a registered job as seen by the registry.
type JobState string

const (
	JobRegistered JobState = "registered"
	JobRunning    JobState = "running"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type JobStatus struct {
	Name      string
	State     JobState
	PID       int
	Principal string
}

// Result is the drained output of a successfully completed job.
type Result struct {
	Records   []string `json:"records"`
	Principal string   `json:"principal,omitempty"`
}
