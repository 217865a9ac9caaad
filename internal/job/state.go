// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package job

// This file contains the job lifecycle state machine.  States are
// serialized by name so that job snapshots remain readable and stable
// across releases.

import (
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// State enumerates the lifecycle positions a job can occupy.
type State int

const (
	// None is the state of a job that has never been registered.
	None State = iota
	// Accepted jobs are registered with the daemon but not yet queued.
	Accepted
	// QueuedLocal jobs are waiting for local cores to free up.
	QueuedLocal
	// Submitted jobs have been handed to a remote queuing system but not
	// yet confirmed by it.
	Submitted
	// QueuedRemote jobs are pending on the remote scheduler.
	QueuedRemote
	// RunningLocal jobs are executing as child processes of the daemon.
	RunningLocal
	// RunningRemote jobs are executing on the remote cluster.
	RunningRemote
	// Finished jobs completed, terminal.
	Finished
	// Canceled jobs were killed on request, terminal.
	Canceled
	// Error jobs failed, may be requeued by an explicit retry.
	Error
)

var stateNames = map[State]string{
	None:          "None",
	Accepted:      "Accepted",
	QueuedLocal:   "QueuedLocal",
	Submitted:     "Submitted",
	QueuedRemote:  "QueuedRemote",
	RunningLocal:  "RunningLocal",
	RunningRemote: "RunningRemote",
	Finished:      "Finished",
	Canceled:      "Canceled",
	Error:         "Error",
}

var statesByName = func() (index map[string]State) {
	index = make(map[string]State, len(stateNames))
	for state, name := range stateNames {
		index[name] = state
	}
	return index
}()

func (s State) String() (name string) {
	if name, isPresent := stateNames[s]; isPresent {
		return name
	}
	return "Unknown"
}

// IsTerminal reports whether a job in this state will never change state
// again.
func (s State) IsTerminal() (terminal bool) {
	return s == Finished || s == Canceled
}

// ParseState resolves a state name from a job snapshot or a wire message.
func ParseState(name string) (s State, err kv.Error) {
	if state, isPresent := statesByName[name]; isPresent {
		return state, nil
	}
	return None, kv.NewError("unknown job state").With("state", name).With("stack", stack.Trace().TrimRuntime())
}

// MarshalJSON emits the state name.
func (s State) MarshalJSON() (data []byte, errGo error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either a state name or the legacy integer form.
func (s *State) UnmarshalJSON(data []byte) (errGo error) {
	name := ""
	if errGo = json.Unmarshal(data, &name); errGo == nil {
		state, err := ParseState(name)
		if err != nil {
			return err
		}
		*s = state
		return nil
	}

	legacy := 0
	if errGo = json.Unmarshal(data, &legacy); errGo != nil {
		return errGo
	}
	*s = State(legacy)
	return nil
}
