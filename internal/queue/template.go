// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This file contains the launch script renderer.  A queue owns a template
// skeleton, the program contributes the execution line, and per job
// values are substituted for $$keyword$$ placeholders.  The $$$keyword$$$
// form marks scheduler directives that are only emitted when the job
// actually supplied a value, otherwise the whole line is dropped.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/leaf-ai/molequeue/internal/eventlog"
	"github.com/leaf-ai/molequeue/internal/job"
)

var (
	keywordRe  = regexp.MustCompile(`\$\$[^$\s]+\$\$`)
	optionalRe = regexp.MustCompile(`\$\$\$([^$\s]+)\$\$\$`)
)

// programExecutionLine composes the invocation line for the program
// according to its launch syntax.  The CUSTOM syntax substitutes the
// program template verbatim.
func programExecutionLine(p Program, j job.Job) (line string) {
	exe := p.Executable
	args := p.Arguments
	if len(args) != 0 {
		args = " " + args
	}

	switch p.Syntax {
	case SyntaxCustom:
		return p.CustomLaunchTemplate
	case SyntaxPlain:
		return exe + args
	case SyntaxInputArg:
		return exe + args + " $$inputFileName$$"
	case SyntaxInputArgNoExt:
		return exe + args + " $$inputFileBaseName$$"
	case SyntaxRedirect:
		return exe + args + " < $$inputFileName$$ > $$outputFileName$$"
	case SyntaxInputArgOutputRedirect:
		return exe + args + " $$inputFileName$$ > $$outputFileName$$"
	}
	return exe + args
}

// formatWallTime renders a minute count in the HH:MM:SS form the batch
// schedulers expect.
func formatWallTime(minutes int) (formatted string) {
	return fmt.Sprintf("%02d:%02d:00", minutes/60, minutes%60)
}

// RenderLaunchScript produces the final script for one job.  Unresolved
// keywords are stripped with a warning naming them, and a trailing
// newline is guaranteed.  A job wall time of -1 selects the queue
// default, zero leaves the directive line out entirely.
func RenderLaunchScript(cfg Config, p Program, j job.Job, remoteWorkingDir string, elog *eventlog.Log) (script string) {
	script = strings.ReplaceAll(cfg.LaunchTemplate, "$$programExecution$$", programExecutionLine(p, j))

	// Optional three-dollar keywords first, they would otherwise be
	// mangled by the two-dollar pass.
	wallTime := j.MaxWallTime
	if wallTime < 0 {
		wallTime = cfg.DefaultMaxWallTime
	}
	optional := map[string]string{}
	if wallTime > 0 {
		optional["maxWallTime"] = formatWallTime(wallTime)
	}
	script = renderOptionalLines(script, optional)

	// The output filename may itself carry keywords
	outputFileName := strings.ReplaceAll(p.OutputFilename, "$$inputFileBaseName$$", j.InputFile.FileBaseName())
	outputFileName = strings.ReplaceAll(outputFileName, "$$inputFileName$$", j.InputFile.FileName())

	replacements := map[string]string{
		"$$inputFileName$$":     j.InputFile.FileName(),
		"$$inputFileBaseName$$": j.InputFile.FileBaseName(),
		"$$outputFileName$$":    outputFileName,
		"$$moleQueueId$$":       strconv.FormatUint(j.MoleQueueID, 10),
		"$$numberOfCores$$":     strconv.Itoa(j.NumberOfCores),
		"$$remoteWorkingDir$$":  remoteWorkingDir,
	}
	for keyword, value := range replacements {
		script = strings.ReplaceAll(script, keyword, value)
	}

	// Anything still in keyword shape is unknown, strip and warn
	for _, leftover := range keywordRe.FindAllString(script, -1) {
		if elog != nil {
			elog.AppendJob(eventlog.Warning,
				fmt.Sprintf("unresolved launch script keyword %s removed", leftover), j.MoleQueueID)
		}
	}
	script = keywordRe.ReplaceAllString(script, "")

	if !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	return script
}

// renderOptionalLines walks the template line by line handling the
// $$$keyword$$$ form, substituting supplied values and deleting the
// entire line when no value was supplied.
func renderOptionalLines(template string, values map[string]string) (rendered string) {
	lines := strings.Split(template, "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		matches := optionalRe.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			kept = append(kept, line)
			continue
		}

		dropLine := false
		for _, match := range matches {
			value, isPresent := values[match[1]]
			if !isPresent {
				dropLine = true
				break
			}
			line = strings.ReplaceAll(line, match[0], value)
		}
		if !dropLine {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
