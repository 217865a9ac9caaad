// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package uit

// This file contains the typed gateway operations the transport is
// assembled from.  Every operation hands the call layer a request
// builder keyed on the token, so a resubmission after an expiry fault
// carries the renewed token rather than the one the gateway just
// rejected.

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// noSuchFileMarker is the substring the gateway embeds when a stat call
// misses, conflated into the same fault shape as fatal errors.
const noSuchFileMarker = "No such file or directory"

type commandResponse struct {
	XMLName    xml.Name `xml:"executeCommandResponse"`
	Stdout     string   `xml:"stdout"`
	Stderr     string   `xml:"stderr"`
	ExitStatus int      `xml:"exitStatus"`
}

type statResponse struct {
	XMLName xml.Name `xml:"statFileResponse"`
	Exists  bool     `xml:"exists"`
	IsDir   bool     `xml:"directory"`
	Error   string   `xml:"error"`
}

type listingEntry struct {
	Name  string `xml:"name"`
	IsDir bool   `xml:"directory"`
	Size  int64  `xml:"size"`
}

type listingResponse struct {
	XMLName xml.Name       `xml:"getDirectoryListingResponse"`
	Entries []listingEntry `xml:"entries>entry"`
}

type urlResponse struct {
	URL string `xml:"url"`
}

// ExecuteCommand runs a shell command on the cluster behind the
// gateway, returning the combined output and the exit status.
func (session *Session) ExecuteCommand(ctx context.Context, host string, command string) (output string, exitCode int, err kv.Error) {
	build := func(token string) string {
		return fmt.Sprintf(`<executeCommand><token>%s</token><host>%s</host><command>%s</command></executeCommand>`,
			xmlEscape(token), xmlEscape(host), xmlEscape(command))
	}

	resp := commandResponse{}
	if err = session.call(ctx, "executeCommand", build, &resp); err != nil {
		return "", -1, err
	}
	return resp.Stdout + resp.Stderr, resp.ExitStatus, nil
}

// StatFile reports whether a remote path exists and whether it is a
// directory.  A missing path is not an error.
func (session *Session) StatFile(ctx context.Context, host string, remotePath string) (exists bool, isDir bool, err kv.Error) {
	build := func(token string) string {
		return fmt.Sprintf(`<statFile><token>%s</token><host>%s</host><path>%s</path></statFile>`,
			xmlEscape(token), xmlEscape(host), xmlEscape(remotePath))
	}

	resp := statResponse{}
	if err = session.call(ctx, "statFile", build, &resp); err != nil {
		if bytes.Contains([]byte(err.Error()), []byte(noSuchFileMarker)) {
			return false, false, nil
		}
		return false, false, err
	}
	if len(resp.Error) != 0 {
		if bytes.Contains([]byte(resp.Error), []byte(noSuchFileMarker)) {
			return false, false, nil
		}
		return false, false, kv.NewError("stat failed").With("path", remotePath).With("error", resp.Error).With("stack", stack.Trace().TrimRuntime())
	}
	return resp.Exists, resp.IsDir, nil
}

// CreateDirectory makes a single remote directory.
func (session *Session) CreateDirectory(ctx context.Context, host string, remotePath string) (err kv.Error) {
	build := func(token string) string {
		return fmt.Sprintf(`<createDirectory><token>%s</token><host>%s</host><path>%s</path></createDirectory>`,
			xmlEscape(token), xmlEscape(host), xmlEscape(remotePath))
	}
	return session.call(ctx, "createDirectory", build, nil)
}

// DirectoryListing enumerates one remote directory.
func (session *Session) DirectoryListing(ctx context.Context, host string, remotePath string) (entries []listingEntry, err kv.Error) {
	build := func(token string) string {
		return fmt.Sprintf(`<getDirectoryListing><token>%s</token><host>%s</host><path>%s</path></getDirectoryListing>`,
			xmlEscape(token), xmlEscape(host), xmlEscape(remotePath))
	}

	resp := listingResponse{}
	if err = session.call(ctx, "getDirectoryListing", build, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (session *Session) uploadURL(ctx context.Context) (uploadURL string, err kv.Error) {
	resp := urlResponse{}
	build := func(token string) string {
		return fmt.Sprintf(`<getStreamingFileUploadURL><token>%s</token></getStreamingFileUploadURL>`, xmlEscape(token))
	}
	if err = session.call(ctx, "getStreamingFileUploadURL", build, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (session *Session) downloadURL(ctx context.Context) (downloadURL string, err kv.Error) {
	resp := urlResponse{}
	build := func(token string) string {
		return fmt.Sprintf(`<getStreamingFileDownloadURL><token>%s</token></getStreamingFileDownloadURL>`, xmlEscape(token))
	}
	if err = session.call(ctx, "getStreamingFileDownloadURL", build, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// frameUpload produces the composite streaming body the gateway
// expects, the metadata XML and the file contents each preceded by
// their byte length and a pipe.
func frameUpload(metadata string, contents []byte) (framed []byte) {
	buf := &bytes.Buffer{}
	buf.WriteString(strconv.Itoa(len(metadata)))
	buf.WriteByte('|')
	buf.WriteString(metadata)
	buf.WriteString(strconv.Itoa(len(contents)))
	buf.WriteByte('|')
	buf.Write(contents)
	return buf.Bytes()
}

// UploadFile streams one file to a remote path.  The URL negotiation
// runs first so an expired token is renewed before it is embedded in
// the streaming metadata.
func (session *Session) UploadFile(ctx context.Context, host string, remotePath string, contents []byte) (err kv.Error) {
	target, err := session.uploadURL(ctx)
	if err != nil {
		return err
	}
	token, err := session.Token(ctx)
	if err != nil {
		return err
	}

	metadata := fmt.Sprintf(`<upload><token>%s</token><host>%s</host><path>%s</path></upload>`,
		xmlEscape(token), xmlEscape(host), xmlEscape(remotePath))

	req, errGo := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(frameUpload(metadata, contents)))
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("url", target)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, errGo := session.client.Do(req)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("url", target)
	}
	defer resp.Body.Close()
	io.Copy(ioutil.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return kv.NewError("file upload rejected").With("status", resp.StatusCode).With("path", remotePath).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// DownloadFile streams one remote file back.  As with uploads the URL
// negotiation runs first so the metadata carries a live token.
func (session *Session) DownloadFile(ctx context.Context, host string, remotePath string) (contents []byte, err kv.Error) {
	source, err := session.downloadURL(ctx)
	if err != nil {
		return nil, err
	}
	token, err := session.Token(ctx)
	if err != nil {
		return nil, err
	}

	metadata := fmt.Sprintf(`<download><token>%s</token><host>%s</host><path>%s</path></download>`,
		xmlEscape(token), xmlEscape(host), xmlEscape(remotePath))

	req, errGo := http.NewRequestWithContext(ctx, http.MethodPost, source, bytes.NewReader([]byte(metadata)))
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("url", source)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, errGo := session.client.Do(req)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("url", source)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, kv.NewError("file download rejected").With("status", resp.StatusCode).With("path", remotePath).With("stack", stack.Trace().TrimRuntime())
	}

	contents, errGo = ioutil.ReadAll(resp.Body)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", remotePath)
	}
	return contents, nil
}
