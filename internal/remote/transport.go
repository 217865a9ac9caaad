// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package remote

// This package contains the remote transport abstraction the queue
// pipeline is written against.  One implementation speaks SSH and SFTP,
// the other the UIT SOAP gateway.  Both expose the same small capability
// set so the pipeline engine is shared verbatim across every remote
// queue type.

import (
	"context"
	"time"

	"github.com/jjeffery/kv" // MIT License
)

// ControlTimeout is the default bound for short control operations such
// as command execution and stat calls.  File transfers are unbounded.
const ControlTimeout = 30 * time.Second

// Transport is the capability set every remote backend provides.  All
// operations honour the supplied context.
type Transport interface {
	// Execute runs a command on the remote host, returning the combined
	// stdout and stderr together with the exit code.  A non zero exit is
	// not an error, transport failures are.
	Execute(ctx context.Context, command string) (output string, exitCode int, err kv.Error)

	// CopyTo uploads a single local file.
	CopyTo(ctx context.Context, localPath string, remotePath string) (err kv.Error)

	// CopyFrom downloads a single remote file.
	CopyFrom(ctx context.Context, remotePath string, localPath string) (err kv.Error)

	// CopyDirTo recursively uploads a local directory tree.
	CopyDirTo(ctx context.Context, localDir string, remoteDir string) (err kv.Error)

	// CopyDirFrom recursively downloads a remote directory tree.
	CopyDirFrom(ctx context.Context, remoteDir string, localDir string) (err kv.Error)
}
