// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This file contains the program configuration, the per queue description
// of one executable that jobs can be submitted against.

import (
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// LaunchSyntax selects how the program invocation line of a launch script
// is composed.
type LaunchSyntax int

const (
	// SyntaxCustom uses the program supplied template verbatim.
	SyntaxCustom LaunchSyntax = iota
	// SyntaxPlain runs "exe args".
	SyntaxPlain
	// SyntaxInputArg appends the input filename to the arguments.
	SyntaxInputArg
	// SyntaxInputArgNoExt appends the input filename stripped of its
	// extension.
	SyntaxInputArgNoExt
	// SyntaxRedirect wires stdin from the input file and stdout to the
	// output file.
	SyntaxRedirect
	// SyntaxInputArgOutputRedirect passes the input as an argument and
	// redirects stdout to the output file.
	SyntaxInputArgOutputRedirect
)

var syntaxNames = map[LaunchSyntax]string{
	SyntaxCustom:                 "CUSTOM",
	SyntaxPlain:                  "PLAIN",
	SyntaxInputArg:               "INPUT_ARG",
	SyntaxInputArgNoExt:          "INPUT_ARG_NO_EXT",
	SyntaxRedirect:               "REDIRECT",
	SyntaxInputArgOutputRedirect: "INPUT_ARG_OUTPUT_REDIRECT",
}

var syntaxesByName = func() (index map[string]LaunchSyntax) {
	index = make(map[string]LaunchSyntax, len(syntaxNames))
	for syntax, name := range syntaxNames {
		index[name] = syntax
	}
	return index
}()

func (s LaunchSyntax) String() (name string) {
	if name, isPresent := syntaxNames[s]; isPresent {
		return name
	}
	return "CUSTOM"
}

// MarshalJSON emits the syntax name.
func (s LaunchSyntax) MarshalJSON() (data []byte, errGo error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a syntax name.
func (s *LaunchSyntax) UnmarshalJSON(data []byte) (errGo error) {
	name := ""
	if errGo = json.Unmarshal(data, &name); errGo != nil {
		return errGo
	}
	syntax, isPresent := syntaxesByName[name]
	if !isPresent {
		return kv.NewError("unknown launch syntax").With("syntax", name).With("stack", stack.Trace().TrimRuntime())
	}
	*s = syntax
	return nil
}

// Program describes one executable a queue can run.  The output filename
// may embed launch script keywords which are expanded per job.
type Program struct {
	Name                 string       `json:"name"`
	Executable           string       `json:"executable"`
	Arguments            string       `json:"arguments,omitempty"`
	OutputFilename       string       `json:"outputFilename,omitempty"`
	Syntax               LaunchSyntax `json:"launchSyntax"`
	CustomLaunchTemplate string       `json:"customLaunchTemplate,omitempty"`
}
