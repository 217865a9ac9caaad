// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"regexp"
	"strings"

	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/job"
	"github.com/leaf-ai/molequeue/internal/remote"
)

// PBS/Torque.  qsub prints the bare job id, optionally suffixed with the
// server host, and qstat lists one job per line with a single letter
// state column.
var pbsBackend = Backend{
	QueueType:     TypePBS,
	SubmitCommand: "qsub",
	StatusCommand: "qstat",
	KillCommand:   "qdel",
	QueueIDRe:     regexp.MustCompile(`^(\d+)`),
	StatusLineRe:  regexp.MustCompile(`^(\d+)\S*\s+\S+\s+\S+\s+\S+\s+([A-Za-z])\s`),
	MapStatus:     pbsMapStatus,
}

func pbsMapStatus(raw string) (state job.State, recognized bool) {
	switch strings.ToLower(raw) {
	case "r", "e", "c":
		return job.RunningRemote, true
	case "q", "h", "t", "w", "s":
		return job.QueuedRemote, true
	}
	return job.Error, false
}

// sshTransport builds the shell transport for a queue configuration.
func sshTransport(cfg Config) (xport remote.Transport) {
	return remote.NewSSH(remote.SSHConfig{
		Host:         cfg.HostName,
		Port:         cfg.SSHPort,
		User:         cfg.UserName,
		IdentityFile: cfg.IdentityFile,
	})
}

// NewPBS builds a PBS/Torque queue.
func NewPBS(cfg Config, deps Deps) (q *Remote, err kv.Error) {
	return NewRemote(cfg, deps, pbsBackend, sshTransport(cfg))
}
