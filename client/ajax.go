// Ajax long-polling transport: a repoll-on-reply GET loop for server
// pushes and a POST per send. The long-poll timeout / repoll cycle
// doubles as the keep-alive.

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chansock/chansock/event"
	"github.com/chansock/chansock/packer"
)

// ajaxImpl is the long-polling connection state machine.
type ajaxImpl struct {
	s *Socket

	mu     sync.Mutex
	cancel context.CancelFunc // aborts the in-flight poll
}

func newAjaxImpl(s *Socket) *ajaxImpl { return &ajaxImpl{s: s} }

func (a *ajaxImpl) kind() Type { return TypeAjax }

func (a *ajaxImpl) connect(connID string) { go a.run(connID) }

// run is the long-poll loop for one conn-id token.
func (a *ajaxImpl) run(connID string) {
	bo := a.s.newBackoff()
	for {
		if clientUnloading.Load() || !a.s.active(connID, a) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.s.cfg.AjaxTimeout)
		a.setCancel(cancel)
		body, err := a.poll(ctx)
		cancel()
		a.setCancel(nil)

		if !a.s.active(connID, a) {
			return
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				// Nothing arrived within the HTTP window; repoll
				// immediately without touching open-state.
				continue
			}
			a.s.logger.Warn("client: long-poll failed", slog.Any("error", err))
			if a.s.open() {
				a.s.markClosed(CloseUnexpected)
			}
			a.s.sleepBackoff(bo)
			continue
		}
		if body == "" {
			continue
		}

		payload, cbUUID, uerr := packer.UnpackPayload(a.s.packer, body)
		if uerr != nil {
			a.s.logger.Warn("client: bad package from long-poll", slog.Any("error", uerr))
			a.s.deliver(event.New(event.BadPackage, body))
			continue
		}
		if ev, ok := event.FromWire(payload); ok {
			switch ev.ID {
			case event.Handshake:
				a.s.receiveHandshake(ev)
				bo.reset()
				continue
			case event.Timeout:
				// Long-poll expired with nothing to deliver.
				continue
			}
		}
		a.s.dispatchPayload(payload, cbUUID)
	}
}

// poll performs one long-poll GET.
func (a *ajaxImpl) poll(ctx context.Context) (string, error) {
	q := a.s.reqQuery()
	q.Set("udt", strconv.FormatInt(time.Now().UnixMilli(), 10)) // cache-buster
	if !a.s.open() {
		q.Set("handshake", "1")
	}
	u := *a.s.httpURL
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("client: build poll request: %w", err)
	}
	a.s.applyHeaders(req.Header)

	resp, err := a.s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("client: long-poll status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// send implements impl: a POST per event, with the reply (when
// expected) carried in the response body. The Ajax callback sentinel
// replaces a cb-uuid; the HTTP request itself correlates the reply.
func (a *ajaxImpl) send(ev event.Event, timeout time.Duration, cb func(any)) error {
	if !a.s.open() {
		if cb != nil {
			cb(event.ReplyClosed)
		}
		return ErrNotOpen
	}

	cbUUID := ""
	if cb != nil {
		cbUUID = packer.AjaxCBSentinel
	}
	packed, err := packer.PackPayload(a.s.packer, ev.Wire(), cbUUID)
	if err != nil {
		if cb != nil {
			cb(event.ReplyError)
		}
		return err
	}

	go a.post(packed, timeout, cb)
	return nil
}

// post performs the send POST and resolves cb exactly once.
func (a *ajaxImpl) post(packed string, timeout time.Duration, cb func(any)) {
	if timeout <= 0 {
		timeout = a.s.cfg.AjaxTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	form := a.s.reqQuery()
	form.Set("udt", strconv.FormatInt(time.Now().UnixMilli(), 10))
	form.Set("ppstr", packed)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.s.httpURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		if cb != nil {
			cb(event.ReplyError)
		}
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	a.s.applyHeaders(req.Header)

	resp, err := a.s.cfg.HTTPClient.Do(req)
	if err != nil {
		if cb != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				cb(event.ReplyTimeout)
			} else {
				cb(event.ReplyError)
			}
		}
		return
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if cb == nil {
		return
	}
	if resp.StatusCode != http.StatusOK || readErr != nil {
		cb(event.ReplyError)
		return
	}
	payload, _, uerr := packer.UnpackPayload(a.s.packer, string(body))
	if uerr != nil {
		cb(event.ReplyError)
		return
	}
	cb(payload)
}

func (a *ajaxImpl) setCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
}

func (a *ajaxImpl) cancelPoll() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// close implements impl.
func (a *ajaxImpl) close(reason CloseReason) {
	if a.s.open() {
		a.s.markClosed(reason)
	}
	a.cancelPoll()
}

// breakConn implements impl: abort the in-flight poll; the loop treats
// the cancellation as a transport failure.
func (a *ajaxImpl) breakConn(bool) { a.cancelPoll() }
