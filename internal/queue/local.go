// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This file contains the local queue, which runs jobs as child processes
// of the daemon under a core count budget.  Pending jobs wait in FIFO
// order and are started by a short period scheduling tick whenever enough
// cores are free.

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/karlmutch/circbuf"
	"github.com/shirou/gopsutil/cpu"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/eventlog"
	"github.com/leaf-ai/molequeue/internal/job"
)

const (
	// scheduleInterval is the cadence of the local scheduling pass.
	scheduleInterval = 100 * time.Millisecond

	// outputCaptureBytes bounds how much child process output is retained
	// for diagnostics.
	outputCaptureBytes = 64 * 1024
)

// DefaultLocalTemplate is the launch template a bare local queue starts
// with, just the program invocation.
const DefaultLocalTemplate = "$$programExecution$$\n"

type localRun struct {
	cmd    *exec.Cmd
	cores  int
	output *circbuf.Buffer
}

// Local is the Queue implementation for the daemon host itself.
type Local struct {
	programIndex

	cfg  Config
	deps Deps

	maxCores int

	pending []uint64
	running map[uint64]*localRun
	warned  map[uint64]struct{}

	sync.Mutex
}

// NewLocal builds a local queue.  maxCores of zero selects the hardware
// concurrency.
func NewLocal(cfg Config, deps Deps, maxCores int) (q *Local, err kv.Error) {
	if len(cfg.LaunchTemplate) == 0 {
		cfg.LaunchTemplate = DefaultLocalTemplate
	}
	if maxCores <= 0 {
		counted, errGo := cpu.Counts(true)
		if errGo != nil || counted <= 0 {
			counted = 1
			deps.Logger.Warn("hardware concurrency unknown, assuming a single core", "queue", cfg.Name)
		}
		maxCores = counted
	}

	return &Local{
		programIndex: newProgramIndex(cfg.Programs),
		cfg:          cfg,
		deps:         deps,
		maxCores:     maxCores,
		running:      map[uint64]*localRun{},
		warned:       map[uint64]struct{}{},
	}, nil
}

func (q *Local) Name() (name string)    { return q.cfg.Name }
func (q *Local) Type() (queueType Type) { return TypeLocal }
func (q *Local) MaxCores() (cores int)  { return q.maxCores }

func (q *Local) Config() (cfg Config) {
	cfg = q.cfg
	cfg.Programs = q.snapshotPrograms()
	return cfg
}

// Start launches the scheduling tick.
func (q *Local) Start(ctx context.Context) (err kv.Error) {
	go q.run(ctx)
	return nil
}

func (q *Local) run(ctx context.Context) {
	tick := time.NewTicker(scheduleInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			q.schedule(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Submit places an accepted job onto the pending queue.
func (q *Local) Submit(moleQueueID uint64) (err kv.Error) {
	if err = q.deps.Registry.SetState(moleQueueID, job.QueuedLocal); err != nil {
		return err
	}

	q.Lock()
	q.pending = append(q.pending, moleQueueID)
	q.Unlock()
	return nil
}

// schedule starts pending jobs for as long as the core budget allows.
// Jobs whose request can never fit stay pending with a single warning.
func (q *Local) schedule(ctx context.Context) {
	for {
		q.Lock()
		if len(q.pending) == 0 {
			q.Unlock()
			return
		}

		coresInUse := 0
		for _, run := range q.running {
			coresInUse += run.cores
		}

		next := q.pending[0]
		j, isPresent := q.deps.Registry.Lookup(next)
		if !isPresent {
			// Archived while pending, just drop it
			q.pending = q.pending[1:]
			q.Unlock()
			continue
		}

		cores := j.NumberOfCores
		if cores < 1 {
			cores = 1
		}
		if cores > q.maxCores {
			if _, alreadyWarned := q.warned[next]; !alreadyWarned {
				q.warned[next] = struct{}{}
				q.Unlock()
				q.deps.EventLog.AppendJob(eventlog.Warning,
					fmt.Sprintf("job requests %d cores but only %d exist, it will wait indefinitely", cores, q.maxCores), next)
				q.Lock()
			}
			q.Unlock()
			return
		}
		if coresInUse+cores > q.maxCores {
			q.Unlock()
			return
		}

		q.pending = q.pending[1:]
		q.Unlock()

		if err := q.startJob(ctx, j, cores); err != nil {
			q.deps.EventLog.AppendJob(eventlog.Error,
				fmt.Sprintf("local job failed to start: %s", err.Error()), j.MoleQueueID)
			q.deps.Registry.SetState(j.MoleQueueID, job.Error)
		}
	}
}

// startJob prepares the working directory and spawns the child process.
func (q *Local) startJob(ctx context.Context, j job.Job, cores int) (err kv.Error) {
	p, isPresent := q.LookupProgram(j.Program)
	if !isPresent {
		return kv.NewError("program is not configured on this queue").With("program", j.Program).With("stack", stack.Trace().TrimRuntime())
	}

	workDir := j.LocalWorkingDirectory
	if _, errGo := os.Stat(workDir); errGo == nil {
		q.deps.Logger.Warn("working directory already exists", "dir", workDir, "moleQueueId", j.MoleQueueID)
	}
	if errGo := os.MkdirAll(workDir, 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", workDir)
	}

	for _, spec := range j.InputFiles() {
		if err = spec.Materialize(workDir); err != nil {
			return err
		}
	}

	script := RenderLaunchScript(q.cfg, p, j, "", q.deps.EventLog)
	scriptPath := filepath.Join(workDir, q.cfg.ScriptName())
	if errGo := ioutil.WriteFile(scriptPath, []byte(script), 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", scriptPath)
	}

	cmd, err := q.buildCommand(p, j, workDir, scriptPath)
	if err != nil {
		return err
	}

	output, _ := circbuf.NewBuffer(outputCaptureBytes)
	if cmd.Stdout == nil {
		cmd.Stdout = output
	}
	cmd.Stderr = output

	if errGo := cmd.Start(); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("program", p.Executable)
	}

	run := &localRun{cmd: cmd, cores: cores, output: output}
	q.Lock()
	q.running[j.MoleQueueID] = run
	q.Unlock()

	q.deps.Registry.SetQueueID(j.MoleQueueID, strconv.Itoa(cmd.Process.Pid))
	q.deps.Registry.SetState(j.MoleQueueID, job.RunningLocal)

	go q.waitOnExit(j.MoleQueueID, run)
	return nil
}

// buildCommand wires the child process according to the launch syntax.
func (q *Local) buildCommand(p Program, j job.Job, workDir string, scriptPath string) (cmd *exec.Cmd, err kv.Error) {
	inputName := j.InputFile.FileName()
	outputName := strings.ReplaceAll(p.OutputFilename, "$$inputFileBaseName$$", j.InputFile.FileBaseName())
	outputName = strings.ReplaceAll(outputName, "$$inputFileName$$", inputName)

	args := []string{}
	if len(p.Arguments) != 0 {
		args = strings.Fields(p.Arguments)
	}

	switch p.Syntax {
	case SyntaxCustom:
		cmd = exec.Command("/bin/sh", scriptPath)

	case SyntaxPlain:
		cmd = exec.Command(p.Executable, args...)

	case SyntaxInputArg:
		cmd = exec.Command(p.Executable, append(args, inputName)...)

	case SyntaxInputArgNoExt:
		cmd = exec.Command(p.Executable, append(args, j.InputFile.FileBaseName())...)

	case SyntaxRedirect:
		cmd = exec.Command(p.Executable, args...)
		inputFile, errGo := os.Open(filepath.Join(workDir, inputName))
		if errGo != nil {
			return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("file", inputName)
		}
		cmd.Stdin = inputFile
		outputFile, errGo := os.Create(filepath.Join(workDir, outputName))
		if errGo != nil {
			return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("file", outputName)
		}
		cmd.Stdout = outputFile

	case SyntaxInputArgOutputRedirect:
		cmd = exec.Command(p.Executable, append(args, inputName)...)
		outputFile, errGo := os.Create(filepath.Join(workDir, outputName))
		if errGo != nil {
			return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("file", outputName)
		}
		cmd.Stdout = outputFile

	default:
		return nil, kv.NewError("unknown launch syntax").With("syntax", p.Syntax.String()).With("stack", stack.Trace().TrimRuntime())
	}

	cmd.Dir = workDir
	return cmd, nil
}

// waitOnExit blocks on the child process and finalizes the job.
func (q *Local) waitOnExit(moleQueueID uint64, run *localRun) {
	errGo := run.cmd.Wait()

	if closer, canClose := run.cmd.Stdin.(*os.File); canClose && closer != nil {
		closer.Close()
	}
	if closer, canClose := run.cmd.Stdout.(*os.File); canClose && closer != nil {
		closer.Close()
	}

	q.Lock()
	delete(q.running, moleQueueID)
	q.Unlock()

	if captured := run.output.Bytes(); len(captured) != 0 {
		q.deps.Logger.Debug("child output", "moleQueueId", moleQueueID, "output", string(captured))
	}

	j, isPresent := q.deps.Registry.Lookup(moleQueueID)
	if !isPresent || j.State == job.Canceled {
		return
	}

	if errGo != nil {
		q.deps.EventLog.AppendJob(eventlog.Error,
			fmt.Sprintf("local job exited abnormally: %s", errGo.Error()), moleQueueID)
		q.deps.Registry.SetState(moleQueueID, job.Error)
		return
	}

	if err := q.finalize(j); err != nil {
		q.deps.EventLog.AppendJob(eventlog.Error, err.Error(), moleQueueID)
		q.deps.Registry.SetState(moleQueueID, job.Error)
		return
	}

	q.deps.Registry.SetState(moleQueueID, job.Finished)
}

// finalize delivers the output directory and cleans the workdir when the
// job asked for it.
func (q *Local) finalize(j job.Job) (err kv.Error) {
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
	return nil
}

// Kill cancels a pending or running job without waiting for the child to
// exit.
func (q *Local) Kill(moleQueueID uint64) (err kv.Error) {
	q.Lock()
	for i, pending := range q.pending {
		if pending == moleQueueID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.Unlock()
			return q.deps.Registry.SetState(moleQueueID, job.Canceled)
		}
	}
	run, isRunning := q.running[moleQueueID]
	q.Unlock()

	if isRunning {
		if err = q.deps.Registry.SetState(moleQueueID, job.Canceled); err != nil {
			return err
		}
		if errGo := run.cmd.Process.Kill(); errGo != nil {
			q.deps.Logger.Warn("failed to kill child process", "moleQueueId", moleQueueID, "error", errGo.Error())
		}
		return nil
	}

	return kv.NewError("job is not pending or running on this queue").With("moleQueueId", moleQueueID).With("stack", stack.Trace().TrimRuntime())
}
