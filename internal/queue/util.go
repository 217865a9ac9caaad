// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/otiai10/copy"
)

// copyDir recursively copies a local directory tree, used to deliver job
// results to a caller supplied output directory.
func copyDir(src string, dst string) (err kv.Error) {
	if errGo := copy.Copy(src, dst); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("src", src).With("dst", dst)
	}
	return nil
}
