// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This file contains the queue configuration model shared by the local
// executor and the remote pipeline, together with the Queue contract the
// server dispatcher programs against.

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/eventlog"
	"github.com/leaf-ai/molequeue/internal/job"
)

// Type tags a queue configuration with its execution backend.
type Type string

const (
	TypeLocal Type = "Local"
	TypePBS   Type = "PBS/Torque"
	TypeSGE   Type = "SGE"
	TypeSLURM Type = "SLURM"
	TypeOAR   Type = "OAR"
	TypeUIT   Type = "UIT"
)

// nameRe admits alphanumeric names with internal single spaces, shared by
// queue and program names.
var nameRe = regexp.MustCompile(`^[0-9A-Za-z]+(?: [0-9A-Za-z]+)*$`)

// ValidName reports whether a queue or program name is acceptable.
func ValidName(name string) (valid bool) {
	return nameRe.MatchString(name)
}

const (
	// DefaultLaunchScriptName is used when a queue does not configure its
	// own launcher filename.
	DefaultLaunchScriptName = "launcher.sh"

	// DefaultPollInterval is the remote queue status cadence.
	DefaultPollInterval = 60 * time.Second

	// DefaultRetryLimit is the number of consecutive failures a pipeline
	// stage tolerates before the job is abandoned.
	DefaultRetryLimit = 3
)

// Config is the persisted description of one queue, written as
// <name>.mqq beneath the daemon configuration directory.  The remote
// members are unused for local queues.
type Config struct {
	Name             string             `json:"name"`
	Type             Type               `json:"type"`
	LaunchTemplate   string             `json:"launchTemplate,omitempty"`
	LaunchScriptName string             `json:"launchScriptName,omitempty"`
	Programs         map[string]Program `json:"programs,omitempty"`

	HostName             string `json:"hostName,omitempty"`
	UserName             string `json:"userName,omitempty"`
	IdentityFile         string `json:"identityFile,omitempty"`
	SSHPort              int    `json:"sshPort,omitempty"`
	WorkingDirectoryBase string `json:"workingDirectoryBase,omitempty"`

	SubmissionCommand string `json:"submissionCommand,omitempty"`
	QueueInfoCommand  string `json:"requestQueueCommand,omitempty"`
	KillCommand       string `json:"killCommand,omitempty"`

	DefaultMaxWallTime int `json:"defaultMaxWallTime,omitempty"` // minutes
	PollIntervalSecs   int `json:"queueUpdateInterval,omitempty"`
	RetryLimit         int `json:"retryLimit,omitempty"`

	KerberosUser  string `json:"kerberosUserName,omitempty"`
	KerberosRealm string `json:"kerberosRealm,omitempty"`
	UITGatewayURL string `json:"uitGatewayUrl,omitempty"`
}

// PollInterval returns the configured cadence or the default.
func (cfg *Config) PollInterval() (interval time.Duration) {
	if cfg.PollIntervalSecs > 0 {
		return time.Duration(cfg.PollIntervalSecs) * time.Second
	}
	return DefaultPollInterval
}

// Retries returns the configured failure budget or the default.
func (cfg *Config) Retries() (limit int) {
	if cfg.RetryLimit > 0 {
		return cfg.RetryLimit
	}
	return DefaultRetryLimit
}

// ScriptName returns the configured launcher filename or the default.
func (cfg *Config) ScriptName() (name string) {
	if len(cfg.LaunchScriptName) != 0 {
		return cfg.LaunchScriptName
	}
	return DefaultLaunchScriptName
}

// Validate checks the configuration is internally consistent.
func (cfg *Config) Validate() (err kv.Error) {
	if !ValidName(cfg.Name) {
		return kv.NewError("queue name must be alphanumeric with internal single spaces").With("name", cfg.Name).With("stack", stack.Trace().TrimRuntime())
	}
	for name := range cfg.Programs {
		if !ValidName(name) {
			return kv.NewError("program name must be alphanumeric with internal single spaces").With("name", name).With("stack", stack.Trace().TrimRuntime())
		}
	}
	if cfg.Type != TypeLocal && cfg.Type != TypeUIT && len(cfg.HostName) == 0 {
		return kv.NewError("remote queue requires a host name").With("queue", cfg.Name).With("stack", stack.Trace().TrimRuntime())
	}
	if cfg.Type == TypeUIT {
		if len(cfg.UITGatewayURL) == 0 {
			return kv.NewError("UIT queue requires a gateway URL").With("queue", cfg.Name).With("stack", stack.Trace().TrimRuntime())
		}
		if len(cfg.KerberosUser) == 0 || len(cfg.KerberosRealm) == 0 {
			return kv.NewError("UIT queue requires a kerberos principal and realm").With("queue", cfg.Name).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

// Export renders the configuration for sharing with another MoleQueue
// instance.  Instance specific details are omitted.
func (cfg *Config) Export() (data []byte, err kv.Error) {
	exported := *cfg
	exported.IdentityFile = ""

	data, errGo := json.MarshalIndent(&exported, "", "  ")
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return data, nil
}

// Queue is the contract the server dispatcher programs against.  Submit
// and Kill are asynchronous, the job registry carries the results back as
// state changes.
type Queue interface {
	Name() (name string)
	Type() (queueType Type)
	Config() (cfg Config)

	ProgramNames() (names []string)
	LookupProgram(name string) (p Program, isPresent bool)

	// Start launches the background machinery, returning once it is
	// running.  The queue stops when the context is cancelled.
	Start(ctx context.Context) (err kv.Error)

	// Submit begins processing an Accepted job owned by the registry.
	Submit(moleQueueID uint64) (err kv.Error)

	// Kill cancels a job at whatever stage it has reached.
	Kill(moleQueueID uint64) (err kv.Error)
}

// Deps carries the shared collaborators a queue needs, passed explicitly
// rather than reached through back-pointers.
type Deps struct {
	Registry *job.Registry
	EventLog *eventlog.Log
	Logger   *log.Logger
}

// programIndex is the embeddable program table shared by the queue
// implementations.
type programIndex struct {
	programs map[string]Program
	sync.Mutex
}

func newProgramIndex(programs map[string]Program) (index programIndex) {
	cloned := make(map[string]Program, len(programs))
	for name, p := range programs {
		cloned[name] = p
	}
	return programIndex{programs: cloned}
}

func (index *programIndex) ProgramNames() (names []string) {
	index.Lock()
	defer index.Unlock()

	names = make([]string, 0, len(index.programs))
	for name := range index.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (index *programIndex) snapshotPrograms() (programs map[string]Program) {
	index.Lock()
	defer index.Unlock()

	programs = make(map[string]Program, len(index.programs))
	for name, p := range index.programs {
		programs[name] = p
	}
	return programs
}

func (index *programIndex) LookupProgram(name string) (p Program, isPresent bool) {
	index.Lock()
	defer index.Unlock()

	p, isPresent = index.programs[name]
	return p, isPresent
}

// AddProgram registers or replaces a program definition.
func (index *programIndex) AddProgram(p Program) (err kv.Error) {
	if !ValidName(p.Name) {
		return kv.NewError("program name must be alphanumeric with internal single spaces").With("name", p.Name).With("stack", stack.Trace().TrimRuntime())
	}

	index.Lock()
	index.programs[p.Name] = p
	index.Unlock()
	return nil
}
