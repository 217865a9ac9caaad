// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package remote

// This file contains the SSH implementation of the remote transport.
// Command execution rides on an ssh session, file movement on sftp over
// the same client connection.  The connection is established lazily and
// re-established after any transport level failure.

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// SSHConfig carries the connection details for one remote queue host.
type SSHConfig struct {
	Host         string
	Port         int
	User         string
	IdentityFile string
}

// SSH is the ssh+sftp backed Transport.
type SSH struct {
	cfg SSHConfig

	client *ssh.Client
	files  *sftp.Client

	sync.Mutex
}

func NewSSH(cfg SSHConfig) (xport *SSH) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSH{cfg: cfg}
}

// connect returns a live client pair, dialing on first use.
func (xport *SSH) connect() (client *ssh.Client, files *sftp.Client, err kv.Error) {
	xport.Lock()
	defer xport.Unlock()

	if xport.client != nil {
		return xport.client, xport.files, nil
	}

	auth := []ssh.AuthMethod{}
	if len(xport.cfg.IdentityFile) != 0 {
		keyData, errGo := ioutil.ReadFile(xport.cfg.IdentityFile)
		if errGo != nil {
			return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("identity", xport.cfg.IdentityFile)
		}
		signer, errGo := ssh.ParsePrivateKey(keyData)
		if errGo != nil {
			return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("identity", xport.cfg.IdentityFile)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	clientCfg := &ssh.ClientConfig{
		User: xport.cfg.User,
		Auth: auth,
		// Cluster head nodes are provisioned out of band, host key
		// pinning is configuration the daemon does not own.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         ControlTimeout,
	}

	addr := fmt.Sprintf("%s:%d", xport.cfg.Host, xport.cfg.Port)
	sshClient, errGo := ssh.Dial("tcp", addr, clientCfg)
	if errGo != nil {
		return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("host", addr)
	}

	sftpClient, errGo := sftp.NewClient(sshClient)
	if errGo != nil {
		sshClient.Close()
		return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("host", addr)
	}

	xport.client = sshClient
	xport.files = sftpClient
	return sshClient, sftpClient, nil
}

// drop discards the cached connection after a failure so the next
// operation redials.
func (xport *SSH) drop() {
	xport.Lock()
	defer xport.Unlock()

	if xport.files != nil {
		xport.files.Close()
		xport.files = nil
	}
	if xport.client != nil {
		xport.client.Close()
		xport.client = nil
	}
}

// Close releases the connection if one is up.
func (xport *SSH) Close() {
	xport.drop()
}

// Execute runs a command, honouring the context by tearing the session
// down on cancellation.
func (xport *SSH) Execute(ctx context.Context, command string) (output string, exitCode int, err kv.Error) {
	client, _, err := xport.connect()
	if err != nil {
		return "", -1, err
	}

	session, errGo := client.NewSession()
	if errGo != nil {
		xport.drop()
		return "", -1, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("command", command)
	}
	defer session.Close()

	type result struct {
		output []byte
		errGo  error
	}
	doneC := make(chan result, 1)
	go func() {
		combined, errGo := session.CombinedOutput(command)
		doneC <- result{output: combined, errGo: errGo}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		xport.drop()
		return "", -1, kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime()).With("command", command)
	case res := <-doneC:
		if res.errGo != nil {
			if exitErr, isExit := res.errGo.(*ssh.ExitError); isExit {
				return string(res.output), exitErr.ExitStatus(), nil
			}
			xport.drop()
			return string(res.output), -1, kv.Wrap(res.errGo).With("stack", stack.Trace().TrimRuntime()).With("command", command)
		}
		return string(res.output), 0, nil
	}
}

// CopyTo uploads a single file.
func (xport *SSH) CopyTo(ctx context.Context, localPath string, remotePath string) (err kv.Error) {
	_, files, err := xport.connect()
	if err != nil {
		return err
	}

	local, errGo := os.Open(localPath)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", localPath)
	}
	defer local.Close()

	remote, errGo := files.Create(remotePath)
	if errGo != nil {
		xport.drop()
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", remotePath)
	}
	defer remote.Close()

	if _, errGo = io.Copy(remote, local); errGo != nil {
		xport.drop()
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", remotePath)
	}

	info, errGo := os.Stat(localPath)
	if errGo == nil {
		files.Chmod(remotePath, info.Mode())
	}
	return nil
}

// CopyFrom downloads a single file.
func (xport *SSH) CopyFrom(ctx context.Context, remotePath string, localPath string) (err kv.Error) {
	_, files, err := xport.connect()
	if err != nil {
		return err
	}

	remote, errGo := files.Open(remotePath)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", remotePath)
	}
	defer remote.Close()

	if errGo = os.MkdirAll(filepath.Dir(localPath), 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", localPath)
	}
	local, errGo := os.Create(localPath)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", localPath)
	}
	defer local.Close()

	if _, errGo = io.Copy(local, remote); errGo != nil {
		xport.drop()
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", remotePath)
	}
	return nil
}

// CopyDirTo recursively uploads a directory tree.
func (xport *SSH) CopyDirTo(ctx context.Context, localDir string, remoteDir string) (err kv.Error) {
	_, files, err := xport.connect()
	if err != nil {
		return err
	}

	if errGo := files.MkdirAll(remoteDir); errGo != nil {
		xport.drop()
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", remoteDir)
	}

	errGo := filepath.Walk(localDir, func(walkPath string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if errCtx := ctx.Err(); errCtx != nil {
			return errCtx
		}

		rel, errGo := filepath.Rel(localDir, walkPath)
		if errGo != nil {
			return errGo
		}
		if rel == "." {
			return nil
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))

		if info.IsDir() {
			return files.MkdirAll(target)
		}
		if copyErr := xport.CopyTo(ctx, walkPath, target); copyErr != nil {
			return copyErr
		}
		return nil
	})
	if errGo != nil {
		if err, isKv := errGo.(kv.Error); isKv {
			return err
		}
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", localDir)
	}
	return nil
}

// CopyDirFrom recursively downloads a directory tree.
func (xport *SSH) CopyDirFrom(ctx context.Context, remoteDir string, localDir string) (err kv.Error) {
	_, files, err := xport.connect()
	if err != nil {
		return err
	}

	if errGo := os.MkdirAll(localDir, 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", localDir)
	}

	entries, errGo := files.ReadDir(remoteDir)
	if errGo != nil {
		xport.drop()
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", remoteDir)
	}

	for _, entry := range entries {
		if errCtx := ctx.Err(); errCtx != nil {
			return kv.Wrap(errCtx).With("stack", stack.Trace().TrimRuntime())
		}

		remotePath := path.Join(remoteDir, entry.Name())
		localPath := filepath.Join(localDir, entry.Name())

		if entry.IsDir() {
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
