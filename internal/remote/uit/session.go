// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package uit speaks to a UIT SOAP gateway, the restricted front door
// some DoD class clusters put between users and their batch systems.
// The package provides the same transport capability set as the SSH
// implementation so the queue pipeline does not care which one it was
// handed.
package uit

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// invalidTokenFault is the exact fault string the gateway raises when a
// session token has expired.
const invalidTokenFault = "java.lang.Exception: Invalid Token"

// Prompt is one authentication challenge from the gateway.
type Prompt struct {
	ID     string `xml:"id"`
	Prompt string `xml:"prompt"`
}

// PromptResponder answers a round of authentication challenges.  The
// gateway may issue several rounds before granting a token.
type PromptResponder interface {
	Respond(banner string, prompts []Prompt) (answers map[string]string, err kv.Error)
}

// PasswordResponder answers every prompt with a single secret held in a
// sealed enclave, opened only for the duration of each round.
type PasswordResponder struct {
	Secret *memguard.Enclave
}

func (responder *PasswordResponder) Respond(banner string, prompts []Prompt) (answers map[string]string, err kv.Error) {
	opened, errGo := responder.Secret.Open()
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	defer opened.Destroy()

	answers = make(map[string]string, len(prompts))
	for _, prompt := range prompts {
		answers[prompt.ID] = opened.String()
	}
	return answers, nil
}

// Credentials identify one kerberos principal on the gateway.
type Credentials struct {
	User  string
	Realm string
}

func (creds Credentials) key() (key string) {
	return creds.User + "@" + creds.Realm
}

// Session is one authenticated conversation with a gateway.  Sessions
// are shared process wide per principal, the batch tools behind the
// gateway throttle concurrent logins aggressively.
type Session struct {
	gateway   string
	creds     Credentials
	responder PromptResponder

	client *http.Client
	token  string

	sync.Mutex
}

var (
	sessionsMu sync.Mutex
	sessions   = map[string]*Session{}
)

// SessionFor returns the process wide session for a principal, creating
// it on first use.  The token is acquired lazily on the first call.
func SessionFor(gateway string, creds Credentials, responder PromptResponder) (session *Session) {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()

	if session = sessions[creds.key()]; session != nil {
		return session
	}

	session = &Session{
		gateway:   gateway,
		creds:     creds,
		responder: responder,
		client:    &http.Client{},
	}
	sessions[creds.key()] = session
	return session
}

// CloseSessions forgets every session, used at process shutdown.
func CloseSessions() {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()

	sessions = map[string]*Session{}
}

type soapEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    soapBody `xml:"Body"`
}

type soapBody struct {
	Fault *soapFault `xml:"Fault"`
	Inner []byte     `xml:",innerxml"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type authResponse struct {
	XMLName xml.Name `xml:"authenticateResponse"`
	Success bool     `xml:"success"`
	Token   string   `xml:"token"`
	Banner  string   `xml:"banner"`
	Prompts []Prompt `xml:"prompts>prompt"`
}

// call resolves the session token, builds the SOAP request body around
// it and decodes the response body into result.  An expired token parks
// the request, reauthenticates, rebuilds the request around the renewed
// token and resubmits exactly once.
func (session *Session) call(ctx context.Context, action string, build func(token string) string, result interface{}) (err kv.Error) {
	token, err := session.Token(ctx)
	if err != nil {
		return err
	}

	body, fault, err := session.post(ctx, action, build(token))
	if err != nil {
		return err
	}

	if fault != nil && fault.String == invalidTokenFault {
		if err = session.authenticate(ctx); err != nil {
			return err
		}
		if token, err = session.Token(ctx); err != nil {
			return err
		}
		if body, fault, err = session.post(ctx, action, build(token)); err != nil {
			return err
		}
	}
	if fault != nil {
		return kv.NewError("gateway fault").With("fault", fault.String).With("action", action).With("stack", stack.Trace().TrimRuntime())
	}

	if result == nil {
		return nil
	}
	if errGo := xml.Unmarshal(body, result); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("action", action)
	}
	return nil
}

func (session *Session) post(ctx context.Context, action string, request string) (body []byte, fault *soapFault, err kv.Error) {
	envelope := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"><soapenv:Body>%s</soapenv:Body></soapenv:Envelope>`,
		request)

	req, errGo := http.NewRequestWithContext(ctx, http.MethodPost, session.gateway, bytes.NewReader([]byte(envelope)))
	if errGo != nil {
		return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("gateway", session.gateway)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, errGo := session.client.Do(req)
	if errGo != nil {
		return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("gateway", session.gateway)
	}
	defer resp.Body.Close()

	data, errGo := ioutil.ReadAll(resp.Body)
	if errGo != nil {
		return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("gateway", session.gateway)
	}

	decoded := soapEnvelope{}
	if errGo = xml.Unmarshal(data, &decoded); errGo != nil {
		return nil, nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("gateway", session.gateway)
	}
	return decoded.Body.Inner, decoded.Body.Fault, nil
}

// Token returns the current session token, authenticating first if the
// session has never logged in.
func (session *Session) Token(ctx context.Context) (token string, err kv.Error) {
	session.Lock()
	token = session.token
	session.Unlock()

	if len(token) != 0 {
		return token, nil
	}
	if err = session.authenticate(ctx); err != nil {
		return "", err
	}

	session.Lock()
	token = session.token
	session.Unlock()
	return token, nil
}

// authenticate walks the challenge loop.  Each round returns a banner
// and zero or more prompts, every prompt must be answered and the
// composite returned, until the gateway reports success with a token.
func (session *Session) authenticate(ctx context.Context) (err kv.Error) {
	session.Lock()
	defer session.Unlock()

	request := fmt.Sprintf(`<authenticateUser><username>%s</username><realm>%s</realm></authenticateUser>`,
		xmlEscape(session.creds.User), xmlEscape(session.creds.Realm))

	for round := 0; round < 10; round++ {
		body, fault, postErr := session.post(ctx, "authenticateUser", request)
		if postErr != nil {
			return postErr
		}
		if fault != nil {
			return kv.NewError("authentication rejected").With("fault", fault.String).With("stack", stack.Trace().TrimRuntime())
		}

		resp := authResponse{}
		if errGo := xml.Unmarshal(body, &resp); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}

		if resp.Success {
			if len(resp.Token) == 0 {
				return kv.NewError("gateway reported success without a token").With("stack", stack.Trace().TrimRuntime())
			}
			session.token = resp.Token
			return nil
		}

		answers, respondErr := session.responder.Respond(resp.Banner, resp.Prompts)
		if respondErr != nil {
			return respondErr
		}

		replies := &bytes.Buffer{}
		for _, prompt := range resp.Prompts {
			fmt.Fprintf(replies, `<reply><id>%s</id><answer>%s</answer></reply>`,
				xmlEscape(prompt.ID), xmlEscape(answers[prompt.ID]))
		}
		request = fmt.Sprintf(`<authenticateCont><username>%s</username><realm>%s</realm><replies>%s</replies></authenticateCont>`,
			xmlEscape(session.creds.User), xmlEscape(session.creds.Realm), replies.String())
	}

	return kv.NewError("authentication did not converge").With("user", session.creds.key()).With("stack", stack.Trace().TrimRuntime())
}

func xmlEscape(value string) (escaped string) {
	buf := &bytes.Buffer{}
	xml.EscapeText(buf, []byte(value))
	return buf.String()
}
