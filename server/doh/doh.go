package doh

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/semihalev/zlog/v2"

	"github.com/dohproxy/dohproxy/dnsutil"
)

const (
	// Path is the fixed DoH endpoint.
	Path = "/dns-query"

	// MinQuerySize is the smallest accepted query, a header plus a minimal question.
	MinQuerySize = 17
	// MaxQuerySize is the largest accepted query.
	MaxQuerySize = 4096

	contentType = "application/dns-message"
)

var (
	errNoQuery       = errors.New("dns parameter missing")
	errQueryTooSmall = errors.New("query too small")
	errQueryTooLarge = errors.New("query too large")
)

// Exchanger performs the round trip with the upstream resolver.
type Exchanger interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
}

// Handler serves wire format DoH requests on Path.
type Handler struct {
	upstream Exchanger
}

// New return new handler forwarding queries to upstream.
func New(upstream Exchanger) *Handler {
	return &Handler{upstream: upstream}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Path {
		abort(w, http.StatusNotFound)
		return
	}

	query, status := ParseRequest(r)
	if status != http.StatusOK {
		abort(w, status)
		return
	}

	answer, err := h.upstream.Exchange(r.Context(), query)
	if err != nil {
		zlog.Debug("Upstream exchange failed", "remote", r.RemoteAddr, "error", err.Error())
		abort(w, http.StatusBadGateway)
		return
	}

	WriteAnswer(w, answer)
}

// ParseRequest extracts and size checks the DNS query carried by r.
// The returned status is http.StatusOK when the query can be forwarded.
func ParseRequest(r *http.Request) ([]byte, int) {
	var (
		buf []byte
		err error
	)

	switch r.Method {
	case http.MethodGet:
		buf, err = queryParam(r.URL.RawQuery)
		if err != nil {
			return nil, http.StatusBadRequest
		}
	case http.MethodPost:
		buf, err = io.ReadAll(io.LimitReader(r.Body, MaxQuerySize+1))
		if err != nil {
			return nil, http.StatusBadRequest
		}
	default:
		return nil, http.StatusMethodNotAllowed
	}

	switch err := checkSize(buf); {
	case errors.Is(err, errQueryTooLarge):
		return nil, http.StatusRequestEntityTooLarge
	case err != nil:
		return nil, http.StatusBadRequest
	}

	return buf, http.StatusOK
}

// WriteAnswer writes a successful response for the raw upstream answer.
// Answers that are not DNS messages get a bad gateway status.
func WriteAnswer(w http.ResponseWriter, answer []byte) {
	ttl, err := dnsutil.MinAnswerTTL(answer)
	if err != nil {
		zlog.Debug("Upstream answer unpack failed", "error", err.Error())
		abort(w, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "max-age="+strconv.FormatUint(uint64(ttl), 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(answer)))
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(answer)
}

func queryParam(rawQuery string) ([]byte, error) {
	for _, param := range strings.Split(rawQuery, "&") {
		key, value, found := strings.Cut(param, "=")
		if key != "dns" {
			continue
		}

		if !found {
			return nil, errNoQuery
		}

		// only the first dns parameter is used
		return decodeQuery(value)
	}

	return nil, errNoQuery
}

func decodeQuery(value string) ([]byte, error) {
	value, err := url.PathUnescape(value)
	if err != nil {
		return nil, err
	}

	value = strings.ReplaceAll(value, "\r", "")
	value = strings.TrimRight(value, "=")

	if strings.ContainsAny(value, "+/") {
		return base64.RawStdEncoding.DecodeString(value)
	}

	return base64.RawURLEncoding.DecodeString(value)
}

func checkSize(buf []byte) error {
	switch {
	case len(buf) > MaxQuerySize:
		return errQueryTooLarge
	case len(buf) < MinQuerySize:
		return errQueryTooSmall
	}

	return nil
}

func abort(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
}
