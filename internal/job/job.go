// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package job

// This file contains the job record.  The registry is the sole owner of
// live records, everything handed to other components is a value copy
// keyed by the MoleQueue id.

import (
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Job is a single unit of work tracked by the daemon.  The MoleQueueID is
// assigned at registration and never reused, the QueueID is the backend
// assigned identifier (a PID for local jobs, a scheduler job id for
// remote ones) and is only meaningful after submission.
type Job struct {
	MoleQueueID uint64 `json:"moleQueueId"`
	QueueID     string `json:"queueId,omitempty"`

	Queue       string `json:"queue"`
	Program     string `json:"program"`
	Description string `json:"description,omitempty"`

	State State `json:"jobState"`

	InputFile            FileSpec   `json:"inputFile"`
	AdditionalInputFiles []FileSpec `json:"additionalInputFiles,omitempty"`

	LocalWorkingDirectory string `json:"localWorkingDirectory,omitempty"`
	OutputDirectory       string `json:"outputDirectory,omitempty"`

	NumberOfCores int `json:"numberOfCores"`
	MaxWallTime   int `json:"maxWallTime"` // minutes, -1 selects the queue default

	CleanLocalWorkingDirectory bool `json:"cleanLocalWorkingDirectory"`
	CleanRemoteFiles           bool `json:"cleanRemoteFiles"`
	RetrieveOutput             bool `json:"retrieveOutput"`
}

// Defaults returns a job populated the way a bare submission arrives, a
// single core, no wall time override and output retrieval on.
func Defaults() (j Job) {
	return Job{
		State:          None,
		NumberOfCores:  1,
		MaxWallTime:    -1,
		RetrieveOutput: true,
	}
}

// FromJSON builds a job from a client supplied description.  Unknown
// members are ignored, the submission validator deals with semantic
// problems afterwards.
func FromJSON(data []byte) (j Job, err kv.Error) {
	j = Defaults()
	if errGo := json.Unmarshal(data, &j); errGo != nil {
		return j, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return j, nil
}

// Marshal renders the job snapshot used both on disk and on the wire for
// lookupJob results.
func (j *Job) Marshal() (data []byte, err kv.Error) {
	data, errGo := json.MarshalIndent(j, "", "  ")
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return data, nil
}

// InputFiles collects the primary and additional input specifications.
func (j *Job) InputFiles() (specs []FileSpec) {
	specs = make([]FileSpec, 0, len(j.AdditionalInputFiles)+1)
	if j.InputFile.IsValid() {
		specs = append(specs, j.InputFile)
	}
	return append(specs, j.AdditionalInputFiles...)
}
