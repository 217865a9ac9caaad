// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package uit

import (
	"context"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Transport adapts a gateway session to the capability set the queue
// pipeline is written against.
type Transport struct {
	session *Session
	host    string
}

// NewTransport wraps a session for one cluster host behind the gateway.
func NewTransport(session *Session, host string) (xport *Transport) {
	return &Transport{session: session, host: host}
}

// Execute runs a command on the cluster.
func (xport *Transport) Execute(ctx context.Context, command string) (output string, exitCode int, err kv.Error) {
	return xport.session.ExecuteCommand(ctx, xport.host, command)
}

// CopyTo uploads a single local file.
func (xport *Transport) CopyTo(ctx context.Context, localPath string, remotePath string) (err kv.Error) {
	contents, errGo := ioutil.ReadFile(localPath)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", localPath)
	}
	return xport.session.UploadFile(ctx, xport.host, remotePath, contents)
}

// CopyFrom downloads a single remote file.
func (xport *Transport) CopyFrom(ctx context.Context, remotePath string, localPath string) (err kv.Error) {
	contents, err := xport.session.DownloadFile(ctx, xport.host, remotePath)
	if err != nil {
		return err
	}

	if errGo := os.MkdirAll(filepath.Dir(localPath), 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", localPath)
	}
	if errGo := ioutil.WriteFile(localPath, contents, 0600); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", localPath)
	}
	return nil
}

// ensureDir creates a remote directory one path element at a time, each
// element stat checked first.  The gateway conflates mkdir failures on
// existing directories with fatal errors so blind recursion is not an
// option.
func (xport *Transport) ensureDir(ctx context.Context, remoteDir string) (err kv.Error) {
	cleaned := path.Clean(remoteDir)
	if cleaned == "/" || cleaned == "." {
		return nil
	}

	elements := []string{}
	for current := cleaned; current != "/" && current != "."; current = path.Dir(current) {
		elements = append([]string{current}, elements...)
	}

	for _, element := range elements {
		exists, isDir, statErr := xport.session.StatFile(ctx, xport.host, element)
		if statErr != nil {
			return statErr
		}
		if exists {
			if !isDir {
				return kv.NewError("remote path exists and is not a directory").With("path", element).With("stack", stack.Trace().TrimRuntime())
			}
			continue
		}
		if err = xport.session.CreateDirectory(ctx, xport.host, element); err != nil {
			return err
		}
	}
	return nil
}

// CopyDirTo walks the local tree breadth first, creating each remote
// directory before streaming the files it holds.
func (xport *Transport) CopyDirTo(ctx context.Context, localDir string, remoteDir string) (err kv.Error) {
	if err = xport.ensureDir(ctx, remoteDir); err != nil {
		return err
	}

	type level struct {
		local  string
		remote string
	}
	frontier := []level{{local: localDir, remote: remoteDir}}

	for len(frontier) != 0 {
		current := frontier[0]
		frontier = frontier[1:]

		if errCtx := ctx.Err(); errCtx != nil {
			return kv.Wrap(errCtx).With("stack", stack.Trace().TrimRuntime())
		}

		entries, errGo := ioutil.ReadDir(current.local)
		if errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", current.local)
		}

		for _, entry := range entries {
			localPath := filepath.Join(current.local, entry.Name())
			remotePath := path.Join(current.remote, entry.Name())

			if entry.IsDir() {
				if err = xport.session.CreateDirectory(ctx, xport.host, remotePath); err != nil {
					return err
				}
				frontier = append(frontier, level{local: localPath, remote: remotePath})
				continue
			}
			if err = xport.CopyTo(ctx, localPath, remotePath); err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyDirFrom enumerates the remote tree depth first and mirrors it
// locally.
func (xport *Transport) CopyDirFrom(ctx context.Context, remoteDir string, localDir string) (err kv.Error) {
	if errGo := os.MkdirAll(localDir, 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", localDir)
	}

	entries, err := xport.session.DirectoryListing(ctx, xport.host, remoteDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if errCtx := ctx.Err(); errCtx != nil {
			return kv.Wrap(errCtx).With("stack", stack.Trace().TrimRuntime())
		}
		if entry.Name == "." || entry.Name == ".." {
			continue
		}

		remotePath := path.Join(remoteDir, entry.Name)
		localPath := filepath.Join(localDir, entry.Name)

		if entry.IsDir {
			if err = xport.CopyDirFrom(ctx, remotePath, localPath); err != nil {
				return err
			}
			continue
		}
		if err = xport.CopyFrom(ctx, remotePath, localPath); err != nil {
			return err
		}
	}
	return nil
}
