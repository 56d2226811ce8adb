package rest_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/centrumvms/restclient-go/api"
	"github.com/centrumvms/restclient-go/credentials"
	"github.com/centrumvms/restclient-go/credentials/credtest"
	"github.com/centrumvms/restclient-go/rest"
	"github.com/centrumvms/restclient-go/transport"
	"github.com/centrumvms/restclient-go/transport/transporttest"
)

func newConn(t *testing.T, tp transport.Transport, opts ...rest.Option) *rest.Connection {
	t.Helper()
	c, err := rest.New("https://server.example:7001", tp, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// inline delivers callbacks synchronously on the broker's coordination
// goroutine so tests can rendezvous through channels.
func inline() rest.SendOption {
	return rest.WithExecutor(func(fn func()) { fn() })
}

func waitCalls(t *testing.T, tp *transporttest.Transport, n int) []*transporttest.Call {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if calls := tp.Calls(); len(calls) >= n {
			return calls
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d transport calls, have %d", n, len(tp.Calls()))
		}
		time.Sleep(time.Millisecond)
	}
}

func waitResponse(t *testing.T, ch <-chan rest.Response) rest.Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for terminal callback")
		return rest.Response{}
	}
}

func expiredCompletion(t *testing.T) transport.Completion {
	t.Helper()
	body, err := json.Marshal(api.Result{ErrorID: api.ErrorSessionExpired, ErrorString: "The session is expired"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return transport.Completion{
		Status:  http.StatusUnauthorized,
		Body:    body,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
	}
}

func okCompletion(body string) transport.Completion {
	return transport.Completion{
		Success: true,
		Status:  http.StatusOK,
		Body:    []byte(body),
		Headers: http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestSendDeliversSuccessUnderIssuedHandle(t *testing.T) {
	tp := &transporttest.Transport{}
	c := newConn(t, tp)

	got := make(chan rest.Response, 1)
	h, err := c.Get("/rest/v3/servers", nil, func(resp rest.Response) { got <- resp }, inline())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	calls := waitCalls(t, tp, 1)
	if m := calls[0].Request.Method; m != http.MethodGet {
		t.Errorf("method = %q, want GET", m)
	}
	if !strings.HasSuffix(calls[0].Request.URL.Path, "/rest/v3/servers") {
		t.Errorf("path = %q", calls[0].Request.URL.Path)
	}
	calls[0].Complete(okCompletion(`{"reply":[]}`))

	resp := waitResponse(t, got)
	if resp.Handle != h {
		t.Errorf("callback handle = %v, want %v", resp.Handle, h)
	}
	if !resp.Success || resp.Status != http.StatusOK {
		t.Errorf("unexpected response: success=%v status=%d", resp.Success, resp.Status)
	}
}

func TestSendUnpreparableFailsSynchronously(t *testing.T) {
	tp := &transporttest.Transport{}
	c := newConn(t, tp)

	h, err := c.Send(rest.Endpoint{}, nil, nil, func(rest.Response) {
		t.Error("callback fired for unpreparable request")
	})
	if !errors.Is(err, rest.ErrUnpreparable) {
		t.Fatalf("err = %v, want ErrUnpreparable", err)
	}
	if !h.IsZero() {
		t.Errorf("handle = %v, want zero", h)
	}
	if n := len(tp.Calls()); n != 0 {
		t.Errorf("transport calls = %d, want 0", n)
	}
}

func TestSingleFlightReauthorization(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.New(
		credtest.Outcome{Token: credentials.Token{Value: "fresh-token"}},
	)
	src.Hold()
	c := newConn(t, tp, rest.WithCredentialSource(src), rest.WithToken(credentials.Token{Value: "stale"}))

	got1 := make(chan rest.Response, 1)
	got2 := make(chan rest.Response, 1)
	h1, _ := c.Get("/rest/v3/a", nil, func(r rest.Response) { got1 <- r }, inline())
	h2, _ := c.Get("/rest/v3/b", nil, func(r rest.Response) { got2 <- r }, inline())

	calls := waitCalls(t, tp, 2)
	calls[0].Complete(expiredCompletion(t))
	calls[1].Complete(expiredCompletion(t))

	// Both expiries are in; exactly one refresh must be running.
	deadline := time.Now().Add(2 * time.Second)
	for src.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("refresh never started")
		}
		time.Sleep(time.Millisecond)
	}
	src.Release()

	resends := waitCalls(t, tp, 4)[2:]
	for _, call := range resends {
		if auth := call.Request.Headers.Get("Authorization"); auth != "Bearer fresh-token" {
			t.Errorf("resend Authorization = %q, want refreshed token", auth)
		}
		call.Complete(okCompletion(`{"reply":{}}`))
	}

	r1 := waitResponse(t, got1)
	r2 := waitResponse(t, got2)
	if r1.Handle != h1 || r2.Handle != h2 {
		t.Errorf("handles not preserved across resend: %v/%v vs %v/%v", r1.Handle, h1, r2.Handle, h2)
	}
	if !r1.Success || !r2.Success {
		t.Errorf("expected both issuers to observe success, got %v %v", r1.Success, r2.Success)
	}
	if n := src.Calls(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}

func TestDeclinedReauthorizationFallsBackToOriginalError(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.Declining()
	c := newConn(t, tp, rest.WithCredentialSource(src))

	got1 := make(chan rest.Response, 1)
	got2 := make(chan rest.Response, 1)
	c.Get("/rest/v3/a", nil, func(r rest.Response) { got1 <- r }, inline())
	c.Get("/rest/v3/b", nil, func(r rest.Response) { got2 <- r }, inline())

	calls := waitCalls(t, tp, 2)
	calls[0].Complete(expiredCompletion(t))
	calls[1].Complete(expiredCompletion(t))

	for _, ch := range []chan rest.Response{got1, got2} {
		resp := waitResponse(t, ch)
		if resp.Success {
			t.Error("expected original expiry failure")
		}
		res, err := resp.Envelope()
		if err != nil {
			t.Fatalf("Envelope: %v", err)
		}
		if !res.ErrorID.IsSessionExpiry() {
			t.Errorf("errorId = %q, want session expiry", res.ErrorID)
		}
	}
	if n := len(tp.Calls()); n != 2 {
		t.Errorf("transport calls = %d, want 2 (no resends)", n)
	}
}

func TestCancelAfterSubstitutionCancelsResend(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.Granting("fresh-token")
	c := newConn(t, tp, rest.WithCredentialSource(src))

	got := make(chan rest.Response, 1)
	h, _ := c.Get("/rest/v3/a", nil, func(r rest.Response) { got <- r }, inline())

	calls := waitCalls(t, tp, 1)
	calls[0].Complete(expiredCompletion(t))

	resend := waitCalls(t, tp, 2)[1]
	c.Cancel(h)

	resp := waitResponse(t, got)
	if resp.Handle != h {
		t.Errorf("handle = %v, want %v", resp.Handle, h)
	}
	if resp.Err == nil {
		t.Error("expected a cancellation error outcome")
	}
	if !resend.Cancelled() {
		t.Error("live resend call was not cancelled")
	}
	if calls[0].Cancelled() {
		t.Error("stale original call was cancelled instead of the resend")
	}

	// Single delivery: a late completion for the resend must be inert.
	if resend.Complete(okCompletion(`{}`)) {
		t.Error("completion delivered after cancellation")
	}
	select {
	case <-got:
		t.Error("second terminal callback fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelWhileAwaitingReauth(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.New(credtest.Outcome{Token: credentials.Token{Value: "fresh"}})
	src.Hold()
	c := newConn(t, tp, rest.WithCredentialSource(src))

	got := make(chan rest.Response, 1)
	other := make(chan rest.Response, 1)
	h, _ := c.Get("/rest/v3/a", nil, func(r rest.Response) { got <- r }, inline())
	c.Get("/rest/v3/b", nil, func(r rest.Response) { other <- r }, inline())

	calls := waitCalls(t, tp, 2)
	calls[0].Complete(expiredCompletion(t))
	calls[1].Complete(expiredCompletion(t))

	c.Cancel(h)
	resp := waitResponse(t, got)
	if !errors.Is(resp.Err, rest.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", resp.Err)
	}

	src.Release()

	// Only the surviving waiter is re-sent.
	resend := waitCalls(t, tp, 3)[2]
	if !strings.HasSuffix(resend.Request.URL.Path, "/rest/v3/b") {
		t.Errorf("resent wrong request: %s", resend.Request.URL.Path)
	}
	resend.Complete(okCompletion(`{}`))
	if r := waitResponse(t, other); !r.Success {
		t.Error("surviving waiter should succeed")
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(tp.Calls()); n != 3 {
		t.Errorf("transport calls = %d, want 3 (cancelled waiter never resent)", n)
	}
}

func TestEpochResetAllowsLaterReauthorization(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.Granting("fresh")
	c := newConn(t, tp, rest.WithCredentialSource(src))

	got1 := make(chan rest.Response, 1)
	c.Get("/rest/v3/a", nil, func(r rest.Response) { got1 <- r }, inline())
	waitCalls(t, tp, 1)[0].Complete(expiredCompletion(t))
	waitCalls(t, tp, 2)[1].Complete(okCompletion(`{}`))
	waitResponse(t, got1)

	if n := src.Calls(); n != 1 {
		t.Fatalf("refresh calls after first round = %d, want 1", n)
	}

	// A later, unrelated expiry triggers a brand-new refresh.
	got2 := make(chan rest.Response, 1)
	c.Get("/rest/v3/c", nil, func(r rest.Response) { got2 <- r }, inline())
	waitCalls(t, tp, 3)[2].Complete(expiredCompletion(t))
	waitCalls(t, tp, 4)[3].Complete(okCompletion(`{}`))
	waitResponse(t, got2)

	if n := src.Calls(); n != 2 {
		t.Errorf("refresh calls = %d, want 2 (arbitrator must not latch)", n)
	}
}

func TestExpiryAfterResolutionConsumesOutcomeWithoutNewPrompt(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.Granting("fresh")
	c := newConn(t, tp, rest.WithCredentialSource(src))

	gotA := make(chan rest.Response, 1)
	gotB := make(chan rest.Response, 1)
	c.Get("/rest/v3/a", nil, func(r rest.Response) { gotA <- r }, inline())
	c.Get("/rest/v3/b", nil, func(r rest.Response) { gotB <- r }, inline())

	// Only the first request discovers expiry; its round resolves while
	// the second is still in flight.
	calls := waitCalls(t, tp, 2)
	calls[0].Complete(expiredCompletion(t))
	resendA := waitCalls(t, tp, 3)[2]

	// The second request was dispatched under the now-resolved epoch, so
	// its late expiry rides the existing outcome instead of prompting.
	calls[1].Complete(expiredCompletion(t))
	resendB := waitCalls(t, tp, 4)[3]
	if auth := resendB.Request.Headers.Get("Authorization"); auth != "Bearer fresh" {
		t.Errorf("late expiry resend Authorization = %q, want resolved token", auth)
	}

	resendA.Complete(okCompletion(`{}`))
	resendB.Complete(okCompletion(`{}`))
	if r := waitResponse(t, gotA); !r.Success {
		t.Error("first request should succeed after resend")
	}
	if r := waitResponse(t, gotB); !r.Success {
		t.Error("second request should succeed after resend")
	}
	if n := src.Calls(); n != 1 {
		t.Errorf("refresh calls = %d, want 1 (resolved epoch must be consumed, not re-prompted)", n)
	}
}

func TestResendExpiryCappedByMaxResendAttempts(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.Granting("fresh")
	c := newConn(t, tp, rest.WithCredentialSource(src))

	got := make(chan rest.Response, 1)
	c.Get("/rest/v3/a", nil, func(r rest.Response) { got <- r }, inline())

	for i := 0; i <= rest.MaxResendAttempts; i++ {
		calls := waitCalls(t, tp, i+1)
		calls[i].Complete(expiredCompletion(t))
	}

	resp := waitResponse(t, got)
	if resp.Success {
		t.Error("expected terminal expiry failure after cap")
	}
	res, err := resp.Envelope()
	if err != nil || !res.ErrorID.IsSessionExpiry() {
		t.Errorf("expected the final expiry error to surface, got %v/%v", res, err)
	}
	if n := len(tp.Calls()); n != rest.MaxResendAttempts+1 {
		t.Errorf("transport calls = %d, want %d", n, rest.MaxResendAttempts+1)
	}
	if n := src.Calls(); n != rest.MaxResendAttempts {
		t.Errorf("refresh calls = %d, want %d", n, rest.MaxResendAttempts)
	}
}

func TestAnonymousBypassesReauthorization(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.Granting("fresh")
	c := newConn(t, tp, rest.WithCredentialSource(src), rest.WithToken(credentials.Token{Value: "tok"}))

	got := make(chan rest.Response, 1)
	c.Get("/rest/v3/login", nil, func(r rest.Response) { got <- r }, inline(), rest.Anonymous())

	calls := waitCalls(t, tp, 1)
	if auth := calls[0].Request.Headers.Get("Authorization"); auth != "" {
		t.Errorf("anonymous request carried Authorization %q", auth)
	}
	calls[0].Complete(expiredCompletion(t))

	resp := waitResponse(t, got)
	if resp.Success {
		t.Error("expiry must pass through for anonymous calls")
	}
	if n := src.Calls(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestTransportFailureIsNeverExpiry(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.Granting("fresh")
	c := newConn(t, tp, rest.WithCredentialSource(src))

	got := make(chan rest.Response, 1)
	c.Get("/rest/v3/a", nil, func(r rest.Response) { got <- r }, inline())

	calls := waitCalls(t, tp, 1)
	calls[0].Complete(transport.Completion{Err: &transport.Error{Op: "roundtrip", Err: errors.New("connection refused")}})

	resp := waitResponse(t, got)
	if resp.Err == nil {
		t.Error("transport failure must surface as-is")
	}
	if n := src.Calls(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestRefreshedTokenUsedForSubsequentDispatches(t *testing.T) {
	tp := &transporttest.Transport{}
	src := credtest.Granting("fresh-token")
	c := newConn(t, tp, rest.WithCredentialSource(src), rest.WithToken(credentials.Token{Value: "stale"}))

	got := make(chan rest.Response, 1)
	c.Get("/rest/v3/a", nil, func(r rest.Response) { got <- r }, inline())
	calls := waitCalls(t, tp, 1)
	if auth := calls[0].Request.Headers.Get("Authorization"); auth != "Bearer stale" {
		t.Errorf("initial Authorization = %q", auth)
	}
	calls[0].Complete(expiredCompletion(t))
	waitCalls(t, tp, 2)[1].Complete(okCompletion(`{}`))
	waitResponse(t, got)

	got2 := make(chan rest.Response, 1)
	c.Get("/rest/v3/b", nil, func(r rest.Response) { got2 <- r }, inline())
	calls = waitCalls(t, tp, 3)
	if auth := calls[2].Request.Headers.Get("Authorization"); auth != "Bearer fresh-token" {
		t.Errorf("post-reauth Authorization = %q, want refreshed token", auth)
	}
	calls[2].Complete(okCompletion(`{}`))
	waitResponse(t, got2)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	tp := &transporttest.Transport{ManualCancel: true}
	c := newConn(t, tp)

	got := make(chan rest.Response, 1)
	c.Get("/rest/v3/a", nil, func(r rest.Response) { got <- r }, inline())
	waitCalls(t, tp, 1)

	c.Close()
	resp := waitResponse(t, got)
	if !errors.Is(resp.Err, rest.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", resp.Err)
	}

	if _, err := c.Get("/rest/v3/b", nil, nil); !errors.Is(err, rest.ErrClosed) {
		t.Errorf("Send after Close: err = %v, want ErrClosed", err)
	}
}
