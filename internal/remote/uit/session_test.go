// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package uit

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/awnumar/memguard"

	"github.com/jjeffery/kv" // MIT License
)

// fakeGateway scripts the SOAP side of the conversation.  Commands must
// carry the most recently issued token, anything else draws the expired
// token fault just as the real gateway does.
type fakeGateway struct {
	// authRounds is how many challenge rounds precede the token
	authRounds int

	// expireFirst revokes the token on its first use so the very first
	// command faults and a renewal is required
	expireFirst bool

	authCalls    int
	commandCalls int
	seenAnswers  []string

	// issuedToken is the only token commands are accepted with
	issuedToken string

	// commandTokens records the token carried by each command request
	commandTokens []string

	sync.Mutex
}

func requestToken(request string) (token string) {
	start := strings.Index(request, "<token>")
	end := strings.Index(request, "</token>")
	if start < 0 || end < 0 {
		return ""
	}
	return request[start+len("<token>") : end]
}

func (gw *fakeGateway) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)
	request := string(body)

	gw.Lock()
	defer gw.Unlock()

	respond := func(inner string) {
		fmt.Fprintf(w,
			`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"><soapenv:Body>%s</soapenv:Body></soapenv:Envelope>`,
			inner)
	}

	switch {
	case strings.Contains(request, "<authenticateUser>"), strings.Contains(request, "<authenticateCont>"):
		gw.authCalls++
		if strings.Contains(request, "<answer>") {
			start := strings.Index(request, "<answer>") + len("<answer>")
			end := strings.Index(request, "</answer>")
			gw.seenAnswers = append(gw.seenAnswers, request[start:end])
		}
		if gw.authCalls <= gw.authRounds {
			respond(fmt.Sprintf(
				`<authenticateResponse><success>false</success><banner>round %d</banner><prompts><prompt><id>p%d</id><prompt>Password:</prompt></prompt></prompts></authenticateResponse>`,
				gw.authCalls, gw.authCalls))
			return
		}
		gw.issuedToken = fmt.Sprintf("token-%d", gw.authCalls)
		respond(fmt.Sprintf(`<authenticateResponse><success>true</success><token>%s</token></authenticateResponse>`, gw.issuedToken))

	case strings.Contains(request, "<executeCommand>"):
		gw.commandCalls++
		token := requestToken(request)
		gw.commandTokens = append(gw.commandTokens, token)
		if gw.expireFirst && gw.commandCalls == 1 {
			// First use burns the token, only a renewal is accepted
			gw.issuedToken = ""
		}
		if token != gw.issuedToken || len(gw.issuedToken) == 0 {
			respond(`<soapenv:Fault><faultcode>soap:Server</faultcode><faultstring>java.lang.Exception: Invalid Token</faultstring></soapenv:Fault>`)
			return
		}
		respond(`<executeCommandResponse><stdout>ok</stdout><stderr></stderr><exitStatus>0</exitStatus></executeCommandResponse>`)

	default:
		respond(`<soapenv:Fault><faultcode>soap:Client</faultcode><faultstring>unsupported request</faultstring></soapenv:Fault>`)
	}
}

type countingResponder struct {
	secret string
	rounds int
}

func (responder *countingResponder) Respond(banner string, prompts []Prompt) (answers map[string]string, err kv.Error) {
	responder.rounds++
	answers = map[string]string{}
	for _, prompt := range prompts {
		answers[prompt.ID] = responder.secret
	}
	return answers, nil
}

func newTestSession(t *testing.T, gw *fakeGateway, responder PromptResponder) (session *Session) {
	t.Helper()

	gwServer := httptest.NewServer(http.HandlerFunc(gw.handler))
	t.Cleanup(gwServer.Close)

	return &Session{
		gateway:   gwServer.URL,
		creds:     Credentials{User: "alice", Realm: "HPC.EXAMPLE"},
		responder: responder,
		client:    gwServer.Client(),
	}
}

// The gateway may chain several challenge rounds before granting a
// token, each round must be answered in full.
func TestAuthChallengeLoop(t *testing.T) {
	gw := &fakeGateway{authRounds: 2}
	responder := &countingResponder{secret: "hunter2"}
	session := newTestSession(t, gw, responder)

	token, err := session.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "token-3" {
		t.Fatalf("token %q, wanted token-3", token)
	}
	if responder.rounds != 2 {
		t.Fatalf("%d challenge rounds answered, wanted 2", responder.rounds)
	}
	if len(gw.seenAnswers) != 2 || gw.seenAnswers[0] != "hunter2" {
		t.Fatalf("answers %v", gw.seenAnswers)
	}
}

// An expired token parks the request, reauthenticates and resubmits
// exactly once, with the resubmission rebuilt around the renewed token.
func TestExpiredTokenResubmission(t *testing.T) {
	gw := &fakeGateway{expireFirst: true}
	session := newTestSession(t, gw, &countingResponder{secret: "hunter2"})

	output, exitCode, err := session.ExecuteCommand(context.Background(), "head", "qstat")
	if err != nil {
		t.Fatal(err)
	}
	if output != "ok" || exitCode != 0 {
		t.Fatalf("command answered (%q, %d)", output, exitCode)
	}
	if gw.commandCalls != 2 {
		t.Fatalf("%d command submissions, wanted the original plus one resubmit", gw.commandCalls)
	}
	// First lazy login plus the renewal
	if gw.authCalls != 2 {
		t.Fatalf("%d authentications, wanted 2", gw.authCalls)
	}
	if len(gw.commandTokens) != 2 || gw.commandTokens[0] == gw.commandTokens[1] {
		t.Fatalf("command tokens %v, the resubmit must carry the renewed token", gw.commandTokens)
	}
	if gw.commandTokens[1] != gw.issuedToken {
		t.Fatalf("resubmit carried %q, the gateway issued %q", gw.commandTokens[1], gw.issuedToken)
	}
}

func TestPasswordResponderOpensEnclavePerRound(t *testing.T) {
	responder := &PasswordResponder{Secret: memguard.NewEnclave([]byte("s3cret"))}

	prompts := []Prompt{{ID: "a", Prompt: "Password:"}, {ID: "b", Prompt: "Again:"}}
	for round := 0; round < 2; round++ {
		answers, err := responder.Respond("banner", prompts)
		if err != nil {
			t.Fatal(err)
		}
		if answers["a"] != "s3cret" || answers["b"] != "s3cret" {
			t.Fatalf("answers %v", answers)
		}
	}
}

func TestSessionSharing(t *testing.T) {
	t.Cleanup(CloseSessions)

	creds := Credentials{User: "bob", Realm: "HPC.EXAMPLE"}
	first := SessionFor("http://gateway.invalid", creds, &countingResponder{})
	second := SessionFor("http://gateway.invalid", creds, &countingResponder{})
	if first != second {
		t.Fatal("sessions for one principal were not shared")
	}

	other := SessionFor("http://gateway.invalid", Credentials{User: "bob", Realm: "OTHER.EXAMPLE"}, &countingResponder{})
	if first == other {
		t.Fatal("sessions for distinct realms were conflated")
	}
}

func TestFrameUpload(t *testing.T) {
	framed := string(frameUpload("<meta/>", []byte("hello")))
	if framed != "7|<meta/>5|hello" {
		t.Fatalf("framed %q", framed)
	}

	empty := string(frameUpload("<m/>", nil))
	if empty != "4|<m/>0|" {
		t.Fatalf("framed %q", empty)
	}
}
