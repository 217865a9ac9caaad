// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"os"
	"regexp"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/job"
	"github.com/leaf-ai/molequeue/internal/remote/uit"
)

// UITPasswordEnv names the variable carrying the kerberos password for
// UIT gateway sessions.  The value is moved into a sealed enclave at
// first use and the variable cleared.
const UITPasswordEnv = "MOLEQUEUE_UIT_PASSWORD"

// UIT clusters run PBS behind the gateway so the command strings match,
// only the transport differs.
var uitBackend = Backend{
	QueueType:     TypeUIT,
	SubmitCommand: "qsub",
	StatusCommand: "qstat",
	KillCommand:   "qdel",
	QueueIDRe:     regexp.MustCompile(`^(\d+)`),
	StatusLineRe:  regexp.MustCompile(`^(\d+)\S*\s+\S+\s+\S+\s+\S+\s+([A-Za-z])\s`),
	MapStatus:     uitMapStatus,
}

// uitMapStatus keys off the first character of the status text.
func uitMapStatus(raw string) (state job.State, recognized bool) {
	token := strings.ToLower(raw)
	if len(token) == 0 {
		return job.Error, false
	}
	switch token[0] {
	case 'r', 'e', 'c':
		return job.RunningRemote, true
	case 'q', 'h', 't', 'w', 's':
		return job.QueuedRemote, true
	}
	return job.Error, false
}

// NewUIT builds a queue reached through a UIT SOAP gateway.
func NewUIT(cfg Config, deps Deps) (q *Remote, err kv.Error) {
	secret := os.Getenv(UITPasswordEnv)
	if len(secret) == 0 {
		return nil, kv.NewError("UIT password environment variable is not set").With("variable", UITPasswordEnv).With("stack", stack.Trace().TrimRuntime())
	}
	os.Unsetenv(UITPasswordEnv)

	session := uit.SessionFor(cfg.UITGatewayURL,
		uit.Credentials{User: cfg.KerberosUser, Realm: cfg.KerberosRealm},
		&uit.PasswordResponder{Secret: memguard.NewEnclave([]byte(secret))})

	return NewRemote(cfg, deps, uitBackend, uit.NewTransport(session, cfg.HostName))
}
