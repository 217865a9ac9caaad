// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"regexp"

	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/job"
)

// SLURM.  sbatch reports "Submitted batch job N" and squeue lists a two
// letter state code in the fifth column.
var slurmBackend = Backend{
	QueueType:     TypeSLURM,
	SubmitCommand: "sbatch",
	StatusCommand: "squeue -j",
	KillCommand:   "scancel",
	QueueIDRe:     regexp.MustCompile(`Submitted batch job (\d+)`),
	StatusLineRe:  regexp.MustCompile(`^(\d+)\s+\S+\s+\S+\s+\S+\s+([A-Z]+)\s`),
	MapStatus:     slurmMapStatus,
}

func slurmMapStatus(raw string) (state job.State, recognized bool) {
	switch raw {
	case "R", "CG":
		return job.RunningRemote, true
	case "PD", "CF":
		return job.QueuedRemote, true
	}
	return job.Error, false
}

// NewSLURM builds a SLURM queue.
func NewSLURM(cfg Config, deps Deps) (q *Remote, err kv.Error) {
	return NewRemote(cfg, deps, slurmBackend, sshTransport(cfg))
}
