package was

import (
	"net/textproto"

	"github.com/google/uuid"
)

// Method is the HTTP request method, restricted to the enum the wire
// protocol actually carries.
type Method uint32

const (
	MethodGet Method = iota
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodOptions
	MethodTrace
	MethodConnect
	MethodPatch
	methodCount
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodHead:
		return "HEAD"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	case MethodOptions:
		return "OPTIONS"
	case MethodTrace:
		return "TRACE"
	case MethodConnect:
		return "CONNECT"
	case MethodPatch:
		return "PATCH"
	default:
		return "UNKNOWN"
	}
}

func (m Method) valid() bool { return m < methodCount }

// Header is a case-insensitive multimap of request or response header
// fields, keyed by the canonical MIME header form (the same normalization
// net/http uses). The values of one name keep their arrival order; the
// order across different names is not kept, so iteration over a Header
// visits names in an unspecified order.
type Header map[string][]string

func newHeader() Header { return make(Header) }

// Add appends value to the list for name, preserving arrival order.
func (h Header) Add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	h[key] = append(h[key], value)
}

// Get returns the first value for name, or "" if absent.
func (h Header) Get(name string) string {
	v := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns every value associated with name, in arrival order. The
// returned slice is a fresh copy, safe to keep past further mutation of h.
func (h Header) Values(name string) []string {
	v := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// hopByHop lists the header names an application may never set directly
// through SetHeader; Content-Length is rejected separately because
// SetLength is its only legal path.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isForbiddenResponseHeader(name string) bool {
	key := textproto.CanonicalMIMEHeaderKey(name)
	return key == "Content-Length" || hopByHop[key]
}

// Request is the per-request data: attributes populated by control packets
// plus the two body sub-state machines. A Request lives from the REQUEST
// packet that created it until the next Session.Accept discards it; all of
// its strings and header/parameter entries are owned by this struct alone,
// reclaimed by Go's garbage collector once the Session drops its pointer
// (see DESIGN.md for why this replaces a C-style per-request arena).
type Request struct {
	id string

	method      Method
	uri         string
	scriptName  string
	pathInfo    string
	queryString string
	remoteHost  string

	headers    Header
	parameters map[string]string

	input       inputState
	everHadBody bool
	output      outputState

	responseHeaders Header
	status          int
	statusSet       bool

	wantMetrics     bool
	prematureOffset uint64

	// complete is set once the accept loop has seen enough (NO_DATA or
	// DATA) to hand the request to the application; further control
	// packets before that point keep mutating the same Request.
	complete bool

	// failed records a protocol violation that aborts the request without
	// killing the Session.
	failed bool
}

func newRequest() *Request {
	return &Request{
		id:              uuid.NewString(),
		method:          MethodGet,
		headers:         newHeader(),
		parameters:      make(map[string]string),
		responseHeaders: newHeader(),
		input:           inputState{kind: inputNoBody},
		output:          outputState{kind: outputNone},
	}
}

// ID returns the per-request correlation id used in log lines. It has no
// wire representation; it exists purely for observability.
func (r *Request) ID() string { return r.id }

func (r *Request) Method() Method { return r.method }

func (r *Request) URI() string { return r.uri }

func (r *Request) ScriptName() string { return r.scriptName }

func (r *Request) PathInfo() string { return r.pathInfo }

func (r *Request) QueryString() string { return r.queryString }

func (r *Request) RemoteHost() string { return r.remoteHost }

// GetHeader returns the first value of the named request header.
func (r *Request) GetHeader(name string) string { return r.headers.Get(name) }

// GetMultiHeader returns every value of the named request header, in
// arrival order, as an independent snapshot slice.
func (r *Request) GetMultiHeader(name string) []string { return r.headers.Values(name) }

// HeaderIterator returns an independent snapshot iterator over all
// request headers.
func (r *Request) HeaderIterator() *HeaderIterator { return newHeaderIterator(r.headers) }

// GetParameter returns the named request parameter, or "" if unset.
func (r *Request) GetParameter(name string) string { return r.parameters[name] }

// ParameterIterator returns an independent snapshot iterator over all
// request parameters.
func (r *Request) ParameterIterator() *ParameterIterator { return newParameterIterator(r.parameters) }

// WantMetrics reports whether the peer asked for METRIC packets on this
// request.
func (r *Request) WantMetrics() bool { return r.wantMetrics }

// Failed reports whether the peer aborted this request out from under the
// application (a protocol violation or a STOP arriving after the request
// was already handed off) rather than the application itself ending or
// aborting it. Session.Stats surfaces the same bit for the active request.
func (r *Request) Failed() bool { return r.failed }
