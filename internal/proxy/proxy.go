// Package proxy relays browser requests to the chat backend, attaching the
// caller's resolved identity on the way out and streaming the response back
// without buffering; the chat endpoint's response is a long-lived event
// stream and the first byte must reach the browser as soon as it exists.
package proxy

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"chatrelay/internal/identity"
	"chatrelay/internal/models"
)

// streamPath is the one route whose completion means a conversation was
// created or extended; relaying it to the end triggers a refresh fan-out.
const streamPath = "/api/v1/chat/stream"

// RefreshNotifier is told when an owner's conversation list may have
// changed, so other open tabs can re-sync.
type RefreshNotifier interface {
	ConversationsChanged(owner string)
}

type Handler struct {
	backend  *url.URL
	resolver *identity.Resolver
	client   *http.Client
	notifier RefreshNotifier
}

// New builds the forwarding handler. notifier may be nil.
func New(backendURL string, resolver *identity.Resolver, notifier RefreshNotifier) (*Handler, error) {
	base, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}

	return &Handler{
		backend:  base,
		resolver: resolver,
		notifier: notifier,
		client: &http.Client{
			// Redirects are relayed to the browser as-is, never followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := h.resolver.Resolve(w, r)

	outReq, err := h.buildUpstreamRequest(r, id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "Could not reach the chat backend", r)
		return
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		// No retry here; retries, if any, belong to the browser.
		log.Printf("upstream request failed: %s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "Could not reach the chat backend", r)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	h.relayBody(w, resp.Body)

	if h.notifier != nil && r.Method == http.MethodPost && r.URL.Path == streamPath {
		h.notifier.ConversationsChanged(id.Owner())
	}
}

// buildUpstreamRequest maps the inbound request onto the backend base
// address by path concatenation, strips hop-only headers, and replaces the
// identity material.
func (h *Handler) buildUpstreamRequest(r *http.Request, id identity.Identity) (*http.Request, error) {
	target := *h.backend
	target.Path = strings.TrimRight(h.backend.Path, "/") + r.URL.Path
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		switch http.CanonicalHeaderKey(key) {
		case "Host", "Connection", "Authorization", "Cookie":
			// Hop-only headers stay behind; identity is re-derived below.
			continue
		}
		for _, v := range values {
			outReq.Header.Add(key, v)
		}
	}

	if id.Authenticated() {
		outReq.Header.Set("Authorization", "Bearer "+id.Token)
	}
	outReq.Header.Set("X-Guest-Id", id.GuestID)

	return outReq, nil
}

// relayBody streams the upstream body to the browser, flushing after every
// read so event-stream frames are never held back by buffering.
func (h *Handler) relayBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	})
}
