// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package job

// This file contains the FileSpec type, the tagged union describing how
// the daemon obtains an input file, either by a path on the daemon host
// or as a filename plus inline contents for clients with no shared
// filesystem.

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// FileSpecFormat discriminates the union.
type FileSpecFormat int

const (
	// InvalidFileSpec marks a specification that matches neither shape.
	InvalidFileSpec FileSpecFormat = iota
	// PathFileSpec references a file by path on the daemon host.
	PathFileSpec
	// ContentsFileSpec carries the file inline.
	ContentsFileSpec
)

// FileSpec describes one input file.  Exactly one of Path or the
// Filename/Contents pair is populated for a valid specification.
type FileSpec struct {
	Path     string
	Filename string
	Contents string
}

type fileSpecWire struct {
	Path     *string `json:"path,omitempty"`
	Filename *string `json:"filename,omitempty"`
	Contents *string `json:"contents,omitempty"`
}

// Format classifies the specification.
func (spec *FileSpec) Format() (format FileSpecFormat) {
	switch {
	case len(spec.Path) != 0 && len(spec.Filename) == 0:
		return PathFileSpec
	case len(spec.Path) == 0 && len(spec.Filename) != 0:
		return ContentsFileSpec
	}
	return InvalidFileSpec
}

// IsValid reports whether the specification matches one of the two legal
// shapes.
func (spec *FileSpec) IsValid() (valid bool) {
	return spec.Format() != InvalidFileSpec
}

// FileName returns the base filename the specification will materialize
// as inside a job directory.
func (spec *FileSpec) FileName() (name string) {
	switch spec.Format() {
	case PathFileSpec:
		return filepath.Base(spec.Path)
	case ContentsFileSpec:
		return spec.Filename
	}
	return ""
}

// FileBaseName returns the filename with its extension stripped, used by
// launch script keyword substitution.
func (spec *FileSpec) FileBaseName() (name string) {
	name = spec.FileName()
	if ext := filepath.Ext(name); len(ext) != 0 {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

// Materialize places the file into the supplied directory.  Inline
// contents are written out, path references are copied so the job
// directory is self contained.
func (spec *FileSpec) Materialize(dir string) (err kv.Error) {
	switch spec.Format() {
	case ContentsFileSpec:
		outputPath := filepath.Join(dir, spec.Filename)
		if errGo := ioutil.WriteFile(outputPath, []byte(spec.Contents), 0600); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", outputPath)
		}
		return nil

	case PathFileSpec:
		if _, errGo := os.Stat(spec.Path); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", spec.Path)
		}
		outputPath := filepath.Join(dir, filepath.Base(spec.Path))
		if outputPath == spec.Path {
			return nil
		}
		data, errGo := ioutil.ReadFile(spec.Path)
		if errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", spec.Path)
		}
		if errGo = ioutil.WriteFile(outputPath, data, 0600); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", outputPath)
		}
		return nil
	}

	return kv.NewError("invalid file specification").With("stack", stack.Trace().TrimRuntime())
}

// MarshalJSON emits only the members of the active variant.
func (spec FileSpec) MarshalJSON() (data []byte, errGo error) {
	wire := fileSpecWire{}
	switch spec.Format() {
	case PathFileSpec:
		wire.Path = &spec.Path
	case ContentsFileSpec:
		wire.Filename = &spec.Filename
		wire.Contents = &spec.Contents
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts either variant.  Anything else parses into the
// invalid variant for the submission validator to reject.
func (spec *FileSpec) UnmarshalJSON(data []byte) (errGo error) {
	wire := fileSpecWire{}
	if errGo = json.Unmarshal(data, &wire); errGo != nil {
		return errGo
	}
	*spec = FileSpec{}
	if wire.Path != nil {
		spec.Path = *wire.Path
	}
	if wire.Filename != nil {
		spec.Filename = *wire.Filename
	}
	if wire.Contents != nil {
		spec.Contents = *wire.Contents
	}
	return nil
}
