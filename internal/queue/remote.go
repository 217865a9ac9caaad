// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This file contains the pipeline engine shared by every remote queue
// type.  Adapters contribute a Backend record, three command strings and
// the parsers for the batch tool output, the engine owns the staging,
// submission, polling and finalization machinery.

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/karlmutch/go-cache"
	"github.com/lthibault/jitterbug"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/eventlog"
	"github.com/leaf-ai/molequeue/internal/job"
	"github.com/leaf-ai/molequeue/internal/remote"
)

// retryDelayBase is the re-enqueue delay after a failed pipeline
// stage, scaled by the attempt number.
var retryDelayBase = 5 * time.Second

const (
	// failureMemory ages out stale failure counters for jobs that made
	// progress again.
	failureMemory = 10 * time.Minute

	// DefaultRemoteDirBase is used when a queue does not configure the
	// remote working directory base, resolved against the remote home.
	DefaultRemoteDirBase = "molequeue"
)

// Backend is the data record an adapter supplies to specialize the
// pipeline engine for one batch system.
type Backend struct {
	QueueType Type

	SubmitCommand string
	StatusCommand string
	KillCommand   string

	// QueueIDRe extracts the backend assigned job id from the submit
	// tool stdout, first capture group.
	QueueIDRe *regexp.Regexp

	// StatusLineRe parses one status listing line into the queue id and
	// the raw status token, first and second capture groups.
	StatusLineRe *regexp.Regexp

	// MapStatus translates a raw status token.  A token outside the
	// backend alphabet reports recognized false.
	MapStatus func(raw string) (state job.State, recognized bool)
}

// Remote is the Queue implementation for batch clusters reached through
// a remote transport.
type Remote struct {
	programIndex

	cfg     Config
	deps    Deps
	backend Backend
	xport   remote.Transport

	ctx context.Context

	// tracked maps backend queue ids to registry ids for jobs the batch
	// system currently knows about.
	tracked  map[string]uint64
	canceled map[uint64]struct{}

	failures *gocache.Cache

	sync.Mutex
}

// NewRemote builds a remote queue around an adapter backend and a
// transport.
func NewRemote(cfg Config, deps Deps, backend Backend, xport remote.Transport) (q *Remote, err kv.Error) {
	if len(cfg.LaunchTemplate) == 0 {
		return nil, kv.NewError("remote queue requires a launch template").With("queue", cfg.Name).With("stack", stack.Trace().TrimRuntime())
	}

	return &Remote{
		programIndex: newProgramIndex(cfg.Programs),
		cfg:          cfg,
		deps:         deps,
		backend:      backend,
		xport:        xport,
		ctx:          context.Background(),
		tracked:      map[string]uint64{},
		canceled:     map[uint64]struct{}{},
		failures:     gocache.New(failureMemory, time.Minute),
	}, nil
}

func (q *Remote) Name() (name string)    { return q.cfg.Name }
func (q *Remote) Type() (queueType Type) { return q.backend.QueueType }

func (q *Remote) Config() (cfg Config) {
	cfg = q.cfg
	cfg.Programs = q.snapshotPrograms()
	return cfg
}

func (q *Remote) submitCommand() (command string) {
	if len(q.cfg.SubmissionCommand) != 0 {
		return q.cfg.SubmissionCommand
	}
	return q.backend.SubmitCommand
}

func (q *Remote) statusCommand() (command string) {
	if len(q.cfg.QueueInfoCommand) != 0 {
		return q.cfg.QueueInfoCommand
	}
	return q.backend.StatusCommand
}

func (q *Remote) killCommand() (command string) {
	if len(q.cfg.KillCommand) != 0 {
		return q.cfg.KillCommand
	}
	return q.backend.KillCommand
}

// remoteDir is the per job working directory on the cluster.
func (q *Remote) remoteDir(moleQueueID uint64) (dir string) {
	base := q.cfg.WorkingDirectoryBase
	if len(base) == 0 {
		base = DefaultRemoteDirBase
	}
	return path.Join(base, strconv.FormatUint(moleQueueID, 10))
}

// Start adopts jobs still alive on the batch system from an earlier
// daemon instance, then launches the polling loop.  The cadence is
// jittered so several queues against the same head node do not align
// their bursts.
func (q *Remote) Start(ctx context.Context) (err kv.Error) {
	q.Lock()
	q.ctx = ctx
	q.Unlock()

	q.adoptSubmitted()

	go q.run(ctx)
	return nil
}

// adoptSubmitted repopulates the tracking table from the registry after
// a restart.  Without this every remote job alive at crash time would
// never be polled again and its results never retrieved.
func (q *Remote) adoptSubmitted() {
	adopted := 0

	q.Lock()
	for _, state := range []job.State{job.Submitted, job.QueuedRemote, job.RunningRemote} {
		for _, j := range q.deps.Registry.JobsInState(state) {
			if j.Queue != q.cfg.Name || len(j.QueueID) == 0 {
				continue
			}
			if _, isTracked := q.tracked[j.QueueID]; isTracked {
				continue
			}
			q.tracked[j.QueueID] = j.MoleQueueID
			adopted++
		}
	}
	q.Unlock()

	if adopted != 0 {
		q.deps.Logger.Info("adopted jobs from an earlier instance", "queue", q.cfg.Name, "count", adopted)
	}
}

func (q *Remote) run(ctx context.Context) {
	interval := q.cfg.PollInterval()
	tick := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10})
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			q.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Submit starts the per job pipeline.
func (q *Remote) Submit(moleQueueID uint64) (err kv.Error) {
	q.Lock()
	ctx := q.ctx
	q.Unlock()

	go q.runPipeline(ctx, moleQueueID)
	return nil
}

// runPipeline drives one job through the submission stages.  A stage
// failure is charged against the job failure budget and the same stage
// is retried after a delay, abandonment only happens when the budget is
// spent.
func (q *Remote) runPipeline(ctx context.Context, moleQueueID uint64) {
	stages := []struct {
		name string
		fn   func(ctx context.Context, moleQueueID uint64) (err kv.Error)
	}{
		{"writeInputFiles", q.writeInputFiles},
		{"copyInputFilesToHost", q.copyInputFilesToHost},
		{"submitJobToRemoteQueue", q.submitJobToRemoteQueue},
	}

	for _, stage := range stages {
		for {
			if q.isCanceled(moleQueueID) {
				return
			}

			err := stage.fn(ctx, moleQueueID)
			if err == nil {
				break
			}

			attempts := q.recordFailure(moleQueueID)
			if attempts > q.cfg.Retries() {
				q.deps.EventLog.AppendJob(eventlog.Error,
					fmt.Sprintf("giving up on stage %s after %d failures: %s", stage.name, attempts, err.Error()), moleQueueID)
				q.deps.Registry.SetState(moleQueueID, job.Error)
				return
			}

			q.deps.EventLog.AppendJob(eventlog.Warning,
				fmt.Sprintf("stage %s failed, will retry: %s", stage.name, err.Error()), moleQueueID)

			select {
			case <-time.After(retryDelayBase * time.Duration(attempts)):
			case <-ctx.Done():
				return
			}
		}
	}

	// A completed submission forgives earlier stumbles
	q.failures.Delete(failureKey(moleQueueID))
}

func failureKey(moleQueueID uint64) (key string) {
	return strconv.FormatUint(moleQueueID, 10)
}

func (q *Remote) recordFailure(moleQueueID uint64) (count int) {
	key := failureKey(moleQueueID)
	if _, isPresent := q.failures.Get(key); !isPresent {
		q.failures.Set(key, 0, gocache.DefaultExpiration)
	}
	count, _ = q.failures.IncrementInt(key, 1)
	return count
}

func (q *Remote) isCanceled(moleQueueID uint64) (canceled bool) {
	q.Lock()
	defer q.Unlock()

	_, canceled = q.canceled[moleQueueID]
	return canceled
}

// writeInputFiles materializes the job inputs and the rendered launch
// script into the local working directory.
func (q *Remote) writeInputFiles(ctx context.Context, moleQueueID uint64) (err kv.Error) {
	j, isPresent := q.deps.Registry.Lookup(moleQueueID)
	if !isPresent {
		return kv.NewError("job is no longer in the registry").With("moleQueueId", moleQueueID).With("stack", stack.Trace().TrimRuntime())
	}

	p, isPresent := q.LookupProgram(j.Program)
	if !isPresent {
		return kv.NewError("program is not configured on this queue").With("program", j.Program).With("stack", stack.Trace().TrimRuntime())
	}

	workDir := j.LocalWorkingDirectory
	if errGo := os.MkdirAll(workDir, 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", workDir)
	}

	for _, spec := range j.InputFiles() {
		if err = spec.Materialize(workDir); err != nil {
			return err
		}
	}

	script := RenderLaunchScript(q.cfg, p, j, q.remoteDir(moleQueueID), q.deps.EventLog)
	scriptPath := filepath.Join(workDir, q.cfg.ScriptName())
	if errGo := ioutil.WriteFile(scriptPath, []byte(script), 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", scriptPath)
	}
	return nil
}

// copyInputFilesToHost uploads the staged directory.  A missing base
// directory on the cluster is created once and the copy retried.
func (q *Remote) copyInputFilesToHost(ctx context.Context, moleQueueID uint64) (err kv.Error) {
	j, isPresent := q.deps.Registry.Lookup(moleQueueID)
	if !isPresent {
		return kv.NewError("job is no longer in the registry").With("moleQueueId", moleQueueID).With("stack", stack.Trace().TrimRuntime())
	}

	remoteDir := q.remoteDir(moleQueueID)
	err = q.xport.CopyDirTo(ctx, j.LocalWorkingDirectory, remoteDir)
	if err == nil {
		return nil
	}

	if !strings.Contains(strings.ToLower(err.Error()), "no such file or directory") {
		return err
	}

	base := path.Dir(remoteDir)
	execCtx, cancel := context.WithTimeout(ctx, remote.ControlTimeout)
	_, _, mkdirErr := q.xport.Execute(execCtx, "mkdir -p "+base)
	cancel()
	if mkdirErr != nil {
		return mkdirErr
	}
	return q.xport.CopyDirTo(ctx, j.LocalWorkingDirectory, remoteDir)
}

// submitJobToRemoteQueue hands the launcher to the batch system and
// parses the assigned queue id out of the tool output.
func (q *Remote) submitJobToRemoteQueue(ctx context.Context, moleQueueID uint64) (err kv.Error) {
	remoteDir := q.remoteDir(moleQueueID)
	command := fmt.Sprintf("cd %s && %s %s", remoteDir, q.submitCommand(), q.cfg.ScriptName())

	execCtx, cancel := context.WithTimeout(ctx, remote.ControlTimeout)
	output, exitCode, err := q.xport.Execute(execCtx, command)
	cancel()
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return kv.NewError("submission tool failed").With("exit", exitCode).With("output", output).With("stack", stack.Trace().TrimRuntime())
	}

	match := q.backend.QueueIDRe.FindStringSubmatch(output)
	if match == nil || len(match) < 2 {
		return kv.NewError("queue id not found in submission tool output").With("output", output).With("stack", stack.Trace().TrimRuntime())
	}
	queueID := match[1]

	q.deps.Registry.SetQueueID(moleQueueID, queueID)
	q.deps.Registry.SetState(moleQueueID, job.Submitted)

	q.Lock()
	q.tracked[queueID] = moleQueueID
	q.Unlock()
	return nil
}

// poll runs one status sweep for every job the batch system should
// still know about.  A job missing from the listing has left the queue
// and is finalized.
func (q *Remote) poll(ctx context.Context) {
	q.Lock()
	ids := make([]string, 0, len(q.tracked))
	for queueID := range q.tracked {
		ids = append(ids, queueID)
	}
	q.Unlock()

	if len(ids) == 0 {
		return
	}

	command := q.statusCommand() + " " + strings.Join(ids, " ")
	execCtx, cancel := context.WithTimeout(ctx, remote.ControlTimeout)
	output, _, err := q.xport.Execute(execCtx, command)
	cancel()
	if err != nil {
		q.deps.Logger.Warn("queue status sweep failed", "queue", q.cfg.Name, "error", err.Error())
		return
	}

	// Status tools exit non zero when some ids are already gone, the
	// listing itself is still authoritative.
	seen := map[string]string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		match := q.backend.StatusLineRe.FindStringSubmatch(line)
		if match != nil && len(match) >= 3 {
			seen[match[1]] = match[2]
			continue
		}

		// Header and banner lines never name a job.  A line that does
		// name one of ours but resists parsing keeps the job alive
		// rather than finalizing on bad data.
		for _, queueID := range ids {
			if strings.Contains(line, queueID) {
				q.deps.Logger.Warn("unparsable status line, treating job as still queued",
					"queue", q.cfg.Name, "line", line)
				if _, isPresent := seen[queueID]; !isPresent {
					seen[queueID] = ""
				}
			}
		}
	}

	for _, queueID := range ids {
		q.Lock()
		moleQueueID, isTracked := q.tracked[queueID]
		q.Unlock()
		if !isTracked {
			continue
		}

		raw, isPresent := seen[queueID]
		if !isPresent {
			go q.finalize(ctx, queueID, moleQueueID)
			continue
		}
		if len(raw) == 0 {
			continue
		}

		state, recognized := q.backend.MapStatus(raw)
		if !recognized {
			q.deps.Logger.Warn("unrecognized queue status", "queue", q.cfg.Name, "status", raw, "moleQueueId", moleQueueID)
			state = job.Error
		}
		q.deps.Registry.SetState(moleQueueID, state)
	}
}

// finalize retrieves results and cleans up after the batch system has
// forgotten the job.
func (q *Remote) finalize(ctx context.Context, queueID string, moleQueueID uint64) {
	q.Lock()
	delete(q.tracked, queueID)
	canceled := false
	if _, isCanceled := q.canceled[moleQueueID]; isCanceled {
		canceled = true
		delete(q.canceled, moleQueueID)
	}
	q.Unlock()

	j, isPresent := q.deps.Registry.Lookup(moleQueueID)
	if !isPresent || canceled || j.State.IsTerminal() {
		return
	}

	if err := q.retrieveAndClean(ctx, j); err != nil {
		q.deps.EventLog.AppendJob(eventlog.Error,
			fmt.Sprintf("job finalization failed: %s", err.Error()), moleQueueID)
		q.deps.Registry.SetState(moleQueueID, job.Error)
		return
	}

	q.deps.Registry.SetState(moleQueueID, job.Finished)
}

func (q *Remote) retrieveAndClean(ctx context.Context, j job.Job) (err kv.Error) {
	remoteDir := q.remoteDir(j.MoleQueueID)

	if j.RetrieveOutput {
		if err = q.xport.CopyDirFrom(ctx, remoteDir, j.LocalWorkingDirectory); err != nil {
			return err
		}
	}

	if len(j.OutputDirectory) != 0 && j.OutputDirectory != j.LocalWorkingDirectory {
		if err = copyDir(j.LocalWorkingDirectory, j.OutputDirectory); err != nil {
			return err
		}
	}

	if j.CleanLocalWorkingDirectory {
		if errGo := os.RemoveAll(j.LocalWorkingDirectory); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", j.LocalWorkingDirectory)
		}
	}

	if j.CleanRemoteFiles {
		if err = q.cleanRemote(ctx, remoteDir); err != nil {
			return err
		}
	}
	return nil
}

// cleanRemote removes the remote working directory, refusing outright
// if the path collapses to the filesystem root.
func (q *Remote) cleanRemote(ctx context.Context, remoteDir string) (err kv.Error) {
	if cleaned := path.Clean(remoteDir); cleaned == "/" || len(cleaned) == 0 || cleaned == "." {
		q.deps.EventLog.Append(eventlog.Error,
			fmt.Sprintf("refusing to remove remote path %q", remoteDir))
		return kv.NewError("refusing to remove an unsafe remote path").With("path", remoteDir).With("stack", stack.Trace().TrimRuntime())
	}

	execCtx, cancel := context.WithTimeout(ctx, remote.ControlTimeout)
	defer cancel()

	_, exitCode, err := q.xport.Execute(execCtx, "rm -rf "+remoteDir)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return kv.NewError("remote cleanup failed").With("exit", exitCode).With("path", remoteDir).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Kill cancels a job at whatever stage it has reached.  Jobs already on
// the batch system are removed with the kill tool, jobs still in the
// local stages are simply abandoned.
func (q *Remote) Kill(moleQueueID uint64) (err kv.Error) {
	q.Lock()
	q.canceled[moleQueueID] = struct{}{}
	queueID := ""
	for tracked, id := range q.tracked {
		if id == moleQueueID {
			queueID = tracked
			break
		}
	}
	if len(queueID) != 0 {
		delete(q.tracked, queueID)
	}
	ctx := q.ctx
	q.Unlock()

	if len(queueID) == 0 {
		return q.deps.Registry.SetState(moleQueueID, job.Canceled)
	}

	execCtx, cancel := context.WithTimeout(ctx, remote.ControlTimeout)
	defer cancel()

	if _, _, err = q.xport.Execute(execCtx, q.killCommand()+" "+queueID); err != nil {
		// The job was already untracked, leaving it in a submitted state
		// would strand it with no poll path.
		q.deps.EventLog.AppendJob(eventlog.Error,
			fmt.Sprintf("kill command failed, the remote job may still be running: %s", err.Error()), moleQueueID)
		q.Lock()
		delete(q.canceled, moleQueueID)
		q.Unlock()
		return q.deps.Registry.SetState(moleQueueID, job.Error)
	}
	return q.deps.Registry.SetState(moleQueueID, job.Canceled)
}
