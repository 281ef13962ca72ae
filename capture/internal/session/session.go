package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/captrace/trace"
)

// Cookie is injected into the browser before navigation and read back
// after the page settles.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// Request describes one capture navigation.
type Request struct {
	URL       string
	Referer   string
	UserAgent string
	Cookies   []Cookie
}

// Result carries everything one navigation produced. Events are raw;
// the caller runs them through the normalizer.
type Result struct {
	FinalURL   string
	Events     []trace.RawEvent
	HTML       []byte
	Screenshot []byte
	Favicon    []byte
	Cookies    []Cookie
}

// Capture navigates one page and records its full network activity.
//
// Network-level failures of the target (DNS, refused connections, TLS
// handshake) are recorded as trace content and return a Result, not an
// error. Errors mean the capture infrastructure itself failed: no
// browser, page creation refused, browser gone mid-capture.
//
// Cancelling ctx tears the page down; teardown runs on every path.
func (m *Manager) Capture(ctx context.Context, req Request) (*Result, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("session: create page: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if req.UserAgent != "" {
		ua := proto.NetworkSetUserAgentOverride{UserAgent: req.UserAgent}
		if err := page.SetUserAgent(&ua); err != nil {
			return nil, fmt.Errorf("session: set user agent: %w", err)
		}
	}
	if len(req.Cookies) > 0 {
		if err := seedCookies(page, req); err != nil {
			return nil, fmt.Errorf("session: seed cookies: %w", err)
		}
	}

	col := newCollector()
	stop := page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) { col.onRequest(e) },
		func(e *proto.NetworkResponseReceived) { col.onResponse(e) },
		func(e *proto.NetworkLoadingFinished) { col.onFinished(e) },
		func(e *proto.NetworkLoadingFailed) { col.onFailed(e) },
		func(e *proto.RuntimeConsoleAPICalled) { col.onConsole(e) },
	)
	go stop()

	navCtx, cancelNav := context.WithTimeout(ctx, m.cfg.NavTimeout)
	defer cancelNav()
	navPage := page.Context(navCtx)

	if err := navigate(navPage, req); err != nil {
		if isTargetNetworkError(err) {
			// The target is down; that observation IS the capture.
			col.navFailed(req.URL, err.Error())
			events, _ := col.snapshot()
			return &Result{FinalURL: req.URL, Events: events}, nil
		}
		if ctx.Err() != nil {
			return partial(col, req.URL), ctx.Err()
		}
		return nil, fmt.Errorf("session: navigate: %w", err)
	}
	if err := navPage.WaitLoad(); err != nil {
		// Slow pages still produce partial traces; keep going with
		// whatever arrived before the load deadline.
		m.cfg.Logger.Warn("session: load incomplete", "url", req.URL, "error", err)
	}

	select {
	case <-time.After(m.cfg.SettleDelay):
	case <-ctx.Done():
		return partial(col, req.URL), ctx.Err()
	}

	res := &Result{FinalURL: req.URL}
	if info, err := page.Info(); err == nil && info.URL != "" {
		res.FinalURL = info.URL
	}

	m.collectArtifacts(page, col, res)

	res.Events, _ = col.snapshot()
	return res, ctx.Err()
}

// partial packages whatever events were gathered before a deadline or
// cancellation hit. The caller decides whether they are worth keeping.
func partial(col *collector, requestedURL string) *Result {
	events, _ := col.snapshot()
	return &Result{FinalURL: requestedURL, Events: events}
}

// collectArtifacts pulls bodies, rendered HTML, screenshot, favicon,
// and cookies. Every step is best-effort: a page that navigates away
// or dies mid-collection still yields the events gathered so far.
func (m *Manager) collectArtifacts(page *rod.Page, col *collector, res *Result) {
	log := m.cfg.Logger

	_, targets := col.snapshot()
	for _, t := range targets {
		body, err := proto.NetworkGetResponseBody{RequestID: t.cdpID}.Call(page)
		if err != nil {
			log.Debug("session: body unavailable", "entry", t.entryID, "error", err)
			continue
		}
		data := []byte(body.Body)
		if body.Base64Encoded {
			if decoded, err := base64.StdEncoding.DecodeString(body.Body); err == nil {
				data = decoded
			}
		}
		if len(data) > m.cfg.MaxBodyBytes {
			data = data[:m.cfg.MaxBodyBytes]
		}
		col.attachBody(t.entryID, data)
	}

	if html, err := page.Eval(`() => document.documentElement.outerHTML`); err == nil {
		res.HTML = []byte(html.Value.Str())
	} else {
		log.Warn("session: html snapshot failed", "error", err)
	}

	if shot, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	}); err == nil {
		res.Screenshot = shot
	} else {
		log.Warn("session: screenshot failed", "error", err)
	}

	res.Favicon = m.fetchFavicon(page, res.FinalURL)

	if cookies, err := page.Cookies(nil); err == nil {
		for _, ck := range cookies {
			res.Cookies = append(res.Cookies, Cookie{
				Name: ck.Name, Value: ck.Value, Domain: ck.Domain, Path: ck.Path,
			})
		}
	}
}

// fetchFavicon resolves the page's icon link (falling back to
// /favicon.ico) and pulls its bytes through the page's own context so
// cookies and cache apply.
func (m *Manager) fetchFavicon(page *rod.Page, finalURL string) []byte {
	href := "/favicon.ico"
	if res, err := page.Eval(`() => {
		const link = document.querySelector('link[rel~="icon"]');
		return link ? link.href : "";
	}`); err == nil && res.Value.Str() != "" {
		href = res.Value.Str()
	}

	base, err := url.Parse(finalURL)
	if err != nil {
		return nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	favURL := base.ResolveReference(ref).String()

	data, err := page.GetResource(favURL)
	if err != nil {
		m.cfg.Logger.Debug("session: favicon unavailable", "url", favURL, "error", err)
		return nil
	}
	return data
}

func navigate(page *rod.Page, req Request) error {
	if req.Referer != "" {
		res, err := proto.PageNavigate{URL: req.URL, Referrer: req.Referer}.Call(page)
		if err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("%s", res.ErrorText)
		}
		return nil
	}
	return page.Navigate(req.URL)
}

func seedCookies(page *rod.Page, req Request) error {
	target, err := url.Parse(req.URL)
	if err != nil {
		return err
	}
	params := make([]*proto.NetworkCookieParam, 0, len(req.Cookies))
	for _, ck := range req.Cookies {
		domain := ck.Domain
		if domain == "" {
			domain = target.Hostname()
		}
		path := ck.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &proto.NetworkCookieParam{
			Name: ck.Name, Value: ck.Value, Domain: domain, Path: path,
		})
	}
	return page.SetCookies(params)
}

// isTargetNetworkError reports whether a navigation error describes
// the target failing rather than the capture infrastructure.
func isTargetNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "net::ERR_") || strings.Contains(msg, "ERR_NAME_NOT_RESOLVED")
}
