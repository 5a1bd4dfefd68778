package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/taskmill/corerunner/ipc"
)

// harRecorder accumulates HAR-shaped fetch entries for a single
// execution; the buffer is attached to the response envelope as metadata.
type harRecorder struct {
	mu      sync.Mutex
	entries []ipc.HarEntry
}

func newHarRecorder() *harRecorder { return &harRecorder{} }

func (r *harRecorder) append(e ipc.HarEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *harRecorder) drain() []ipc.HarEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.entries
	r.entries = nil
	return out
}

// harReplay intercepts fetch and returns canned responses keyed by a
// normalized request.
type harReplay struct {
	byKey map[string]fetchResult
}

func newHarReplay(entries []ipc.HarEntry) *harReplay {
	r := &harReplay{byKey: make(map[string]fetchResult, len(entries))}
	for _, e := range entries {
		key := normalizedRequestKey(e.Request.Method, e.Request.URL, e.Request.Body)
		r.byKey[key] = fetchResult{
			"ok":         e.Response.Status >= 200 && e.Response.Status < 300,
			"status":     e.Response.Status,
			"statusText": e.Response.StatusText,
			"body":       e.Response.Body,
		}
	}
	return r
}

func (r *harReplay) lookup(method, url string, body []byte) (fetchResult, bool) {
	var bodyVal any = rawBodyForHAR(body)
	key := normalizedRequestKey(method, url, bodyVal)
	v, ok := r.byKey[key]
	return v, ok
}

// normalizedRequestKey hashes method+url+canonicalized body so replay
// matching is independent of header/field ordering noise.
func normalizedRequestKey(method, url string, body any) string {
	canon, _ := json.Marshal(struct {
		Method string `json:"method"`
		URL    string `json:"url"`
		Body   any    `json:"body"`
	}{Method: method, URL: url, Body: body})
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}
