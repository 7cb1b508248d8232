package common

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/godoll/godoll/log"
)

// EventSource is the slice of the connection surface the Fetch domain needs:
// something that can execute commands and subscribe to events. Both
// *Connection (browser scope) and *Target (session scope) satisfy it.
type EventSource interface {
	cdp.Executor
	Subscribe(method string, handler EventHandler) (*Subscription, error)
	Unsubscribe(sub *Subscription)
}

// Credentials for HTTP authentication challenges.
type Credentials struct {
	Username string
	Password string
}

// HTTPHeader is a single HTTP header name/value pair.
type HTTPHeader struct {
	Name  string
	Value string
}

// FulfillOptions are response fields that can be set when fulfilling an
// intercepted request.
type FulfillOptions struct {
	Status      int64
	ContentType string
	Headers     []HTTPHeader
	Body        []byte
}

// FetchDomain drives CDP request interception. While enabled, the browser
// pauses every matching network exchange and holds it until the paused
// request is answered with exactly one of continue, fail or fulfill; an
// unanswered request stalls indefinitely, so handlers must always answer.
type FetchDomain struct {
	sess   EventSource
	logger *log.Logger

	mu            sync.Mutex
	enabled       bool
	enabling      bool
	pausedSub     *Subscription
	authSub       *Subscription
	handlers      []func(*InterceptedRequest)
	credentials   *Credentials
	attemptedAuth map[fetch.RequestID]bool
}

// NewFetchDomain creates a Fetch domain façade over sess.
func NewFetchDomain(sess EventSource, logger *log.Logger) *FetchDomain {
	return &FetchDomain{
		sess:          sess,
		logger:        logger,
		attemptedAuth: make(map[fetch.RequestID]bool),
	}
}

// OnRequestPaused registers fn to be called for every paused request. All
// registered handlers observe every paused request, but only the first
// answer wins; later answers fail with ErrRequestAlreadyHandled. Register
// handlers before calling Enable or requests may pause with nobody to
// answer them.
func (d *FetchDomain) OnRequestPaused(fn func(*InterceptedRequest)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

// Authenticate installs credentials for Fetch.authRequired challenges. Must
// be called before Enable so auth handling is negotiated with the browser.
func (d *FetchDomain) Authenticate(credentials *Credentials) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials = credentials
}

// Enable turns on interception for the given URL patterns (all requests
// when none are given). The Fetch domain has a performance cost, so it is
// never enabled implicitly.
func (d *FetchDomain) Enable(ctx context.Context, urlPatterns ...string) error {
	// Claim the enable transition before talking to the browser so a
	// concurrent Enable cannot double-subscribe or send Fetch.enable twice.
	d.mu.Lock()
	if d.enabled || d.enabling {
		d.mu.Unlock()
		return nil
	}
	d.enabling = true
	handleAuth := d.credentials != nil
	d.mu.Unlock()

	if len(urlPatterns) == 0 {
		urlPatterns = []string{"*"}
	}
	patterns := make([]*fetch.RequestPattern, 0, len(urlPatterns))
	for _, p := range urlPatterns {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   p,
			RequestStage: fetch.RequestStageRequest,
		})
	}

	fail := func(err error, subs ...*Subscription) error {
		for _, sub := range subs {
			d.sess.Unsubscribe(sub)
		}
		d.mu.Lock()
		d.enabling = false
		d.mu.Unlock()
		return fmt.Errorf("enabling fetch domain: %w", err)
	}

	pausedSub, err := d.sess.Subscribe(cdproto.EventFetchRequestPaused, d.onRequestPaused)
	if err != nil {
		return fail(err)
	}
	var authSub *Subscription
	if handleAuth {
		if authSub, err = d.sess.Subscribe(cdproto.EventFetchAuthRequired, d.onAuthRequired); err != nil {
			return fail(err, pausedSub)
		}
	}

	action := fetch.Enable().WithPatterns(patterns).WithHandleAuthRequests(handleAuth)
	if err := action.Do(cdp.WithExecutor(ctx, d.sess)); err != nil {
		if authSub != nil {
			return fail(err, pausedSub, authSub)
		}
		return fail(err, pausedSub)
	}

	d.mu.Lock()
	d.enabled = true
	d.enabling = false
	d.pausedSub = pausedSub
	d.authSub = authSub
	d.mu.Unlock()
	return nil
}

// Disable turns interception back off. Requests already paused must still
// be answered by their handlers.
func (d *FetchDomain) Disable(ctx context.Context) error {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return nil
	}
	d.enabled = false
	pausedSub, authSub := d.pausedSub, d.authSub
	d.pausedSub, d.authSub = nil, nil
	d.mu.Unlock()

	d.sess.Unsubscribe(pausedSub)
	if authSub != nil {
		d.sess.Unsubscribe(authSub)
	}
	if err := fetch.Disable().Do(cdp.WithExecutor(ctx, d.sess)); err != nil {
		return fmt.Errorf("disabling fetch domain: %w", err)
	}
	return nil
}

func (d *FetchDomain) onRequestPaused(ev *Event) {
	pe, ok := ev.Data.(*fetch.EventRequestPaused)
	if !ok {
		return
	}
	d.logger.Debugf("FetchDomain:onRequestPaused", "rid:%v url:%q", pe.RequestID, pe.Request.URL)

	req := &InterceptedRequest{domain: d, event: pe}
	d.mu.Lock()
	handlers := make([]func(*InterceptedRequest), len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	for _, fn := range handlers {
		d.callHandler(fn, req)
	}
}

// callHandler keeps one misbehaving handler from robbing the others of
// their chance to answer.
func (d *FetchDomain) callHandler(fn func(*InterceptedRequest), req *InterceptedRequest) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("FetchDomain:onRequestPaused",
				"recovered panic in handler, rid:%v: %v", req.RequestID(), r)
		}
	}()
	fn(req)
}

func (d *FetchDomain) onAuthRequired(ev *Event) {
	ae, ok := ev.Data.(*fetch.EventAuthRequired)
	if !ok {
		return
	}

	var (
		res = fetch.AuthChallengeResponseResponseDefault
		rid = ae.RequestID

		username, password string
	)
	d.mu.Lock()
	switch {
	case d.attemptedAuth[rid]:
		// The browser challenges again only when the first attempt was
		// rejected; answering with the same credentials would loop forever.
		delete(d.attemptedAuth, rid)
		res = fetch.AuthChallengeResponseResponseCancelAuth
	case d.credentials != nil:
		d.attemptedAuth[rid] = true
		res = fetch.AuthChallengeResponseResponseProvideCredentials
		// Username and password are only valid with ProvideCredentials.
		username, password = d.credentials.Username, d.credentials.Password
	}
	d.mu.Unlock()

	action := fetch.ContinueWithAuth(rid, &fetch.AuthChallengeResponse{
		Response: res,
		Username: username,
		Password: password,
	})
	if err := action.Do(cdp.WithExecutor(context.Background(), d.sess)); err != nil {
		d.logger.Debugf("FetchDomain:onAuthRequired", "continueWithAuth url:%q err:%v", ae.Request.URL, err)
	} else {
		d.logger.Debugf("FetchDomain:onAuthRequired", "continueWithAuth url:%q OK", ae.Request.URL)
	}
}

// InterceptedRequest is one paused network exchange. Its life is
// paused → continued, failed or fulfilled; all three are terminal, and only
// the first answer is sent to the browser.
type InterceptedRequest struct {
	domain *FetchDomain
	event  *fetch.EventRequestPaused

	mu       sync.Mutex
	answered bool
}

// RequestID returns the interception id of the paused request.
func (r *InterceptedRequest) RequestID() fetch.RequestID { return r.event.RequestID }

// URL returns the URL of the paused request.
func (r *InterceptedRequest) URL() string { return r.event.Request.URL }

// Method returns the HTTP method of the paused request.
func (r *InterceptedRequest) Method() string { return r.event.Request.Method }

// Event returns the raw paused event.
func (r *InterceptedRequest) Event() *fetch.EventRequestPaused { return r.event }

// Answered reports whether the request has already been answered.
func (r *InterceptedRequest) Answered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answered
}

// Continue releases the request unchanged.
func (r *InterceptedRequest) Continue(ctx context.Context) error {
	if err := r.startAnswer(); err != nil {
		return err
	}
	action := fetch.ContinueRequest(r.event.RequestID)
	if err := action.Do(cdp.WithExecutor(ctx, r.domain.sess)); err != nil {
		return fmt.Errorf("continuing request %v: %w", r.event.RequestID, err)
	}
	return nil
}

// Fail aborts the request with the given error reason, or "failed" when the
// zero value is given.
func (r *InterceptedRequest) Fail(ctx context.Context, reason network.ErrorReason) error {
	if err := r.startAnswer(); err != nil {
		return err
	}
	if reason == "" {
		reason = network.ErrorReasonFailed
	}
	action := fetch.FailRequest(r.event.RequestID, reason)
	if err := action.Do(cdp.WithExecutor(ctx, r.domain.sess)); err != nil {
		return fmt.Errorf("failing request %v: %w", r.event.RequestID, err)
	}
	return nil
}

// Fulfill answers the request with a synthetic response; the browser never
// contacts the network.
func (r *InterceptedRequest) Fulfill(ctx context.Context, opts FulfillOptions) error {
	if err := r.startAnswer(); err != nil {
		return err
	}
	status := opts.Status
	if status == 0 {
		status = 200
	}
	headers := make([]*fetch.HeaderEntry, 0, len(opts.Headers)+1)
	if opts.ContentType != "" {
		headers = append(headers, &fetch.HeaderEntry{Name: "Content-Type", Value: opts.ContentType})
	}
	for _, h := range opts.Headers {
		headers = append(headers, &fetch.HeaderEntry{Name: h.Name, Value: h.Value})
	}
	action := fetch.FulfillRequest(r.event.RequestID, status).WithResponseHeaders(headers)
	if len(opts.Body) > 0 {
		action = action.WithBody(base64.StdEncoding.EncodeToString(opts.Body))
	}
	if err := action.Do(cdp.WithExecutor(ctx, r.domain.sess)); err != nil {
		return fmt.Errorf("fulfilling request %v: %w", r.event.RequestID, err)
	}
	return nil
}

// startAnswer is the single transition out of the paused state. The request
// stays terminal even when the answering command later fails: the browser
// has been asked once and re-answering is a protocol error.
func (r *InterceptedRequest) startAnswer() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answered {
		return fmt.Errorf("request %v: %w", r.event.RequestID, ErrRequestAlreadyHandled)
	}
	r.answered = true
	return nil
}
