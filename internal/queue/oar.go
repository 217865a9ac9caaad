// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"regexp"
	"strings"

	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/job"
)

// OAR.  oarsub emits an OAR_JOB_ID= assignment and oarstat lists a
// single letter state in the second column.
var oarBackend = Backend{
	QueueType:     TypeOAR,
	SubmitCommand: "oarsub -S",
	StatusCommand: "oarstat -j",
	KillCommand:   "oardel",
	QueueIDRe:     regexp.MustCompile(`OAR_JOB_ID=(\d+)`),
	StatusLineRe:  regexp.MustCompile(`^(\d+)\s+([A-Za-z])\s`),
	MapStatus:     oarMapStatus,
}

func oarMapStatus(raw string) (state job.State, recognized bool) {
	switch strings.ToLower(raw) {
	case "r", "f", "t":
		return job.RunningRemote, true
	case "w", "l", "h", "s":
		return job.QueuedRemote, true
	}
	return job.Error, false
}

// NewOAR builds an OAR queue.
func NewOAR(cfg Config, deps Deps) (q *Remote, err kv.Error) {
	return NewRemote(cfg, deps, oarBackend, sshTransport(cfg))
}
