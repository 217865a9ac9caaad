// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"regexp"
	"strings"

	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/job"
)

// Sun Grid Engine.  qsub announces the id in a sentence, qstat lists a
// multi letter state token such as qw, hqw or r.
var sgeBackend = Backend{
	QueueType:     TypeSGE,
	SubmitCommand: "qsub",
	StatusCommand: "qstat",
	KillCommand:   "qdel",
	QueueIDRe:     regexp.MustCompile(`Your job (\d+)`),
	StatusLineRe:  regexp.MustCompile(`^(\d+)\s+\S+\s+\S+\s+\S+\s+([A-Za-z]+)\s`),
	MapStatus:     sgeMapStatus,
}

func sgeMapStatus(raw string) (state job.State, recognized bool) {
	token := strings.ToLower(raw)
	if len(token) == 0 {
		return job.Error, false
	}
	// An upper case E prefix marks a job the scheduler rejected, the
	// lower case suffixes only describe why it waits.
	if strings.HasPrefix(raw, "E") {
		return job.Error, true
	}
	switch token[0] {
	case 'r', 't':
		return job.RunningRemote, true
	case 'q', 'w', 'h', 's':
		return job.QueuedRemote, true
	}
	return job.Error, false
}

// NewSGE builds a Sun Grid Engine queue.
func NewSGE(cfg Config, deps Deps) (q *Remote, err kv.Error) {
	return NewRemote(cfg, deps, sgeBackend, sshTransport(cfg))
}
