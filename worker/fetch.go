package worker

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/taskmill/corerunner/ipc"
)

// FetchConfig is the host-side configuration for the synchronous fetch
// surface exposed to task JS: timeouts, redirect
// policy, and TLS verification are configured by the host, never by task
// code.
type FetchConfig struct {
	Timeout         time.Duration
	MaxRedirects    int
	InsecureSkipTLS bool
}

func (c FetchConfig) client() *http.Client {
	redirects := c.MaxRedirects
	transport := &http.Transport{}
	if c.InsecureSkipTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // host-opt-in only
	}
	return &http.Client{
		Timeout:   c.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= redirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// invocationFetch holds the per-execution state the fetch binding closes
// over: recording buffer, replay cassette, and the host client config.
type invocationFetch struct {
	cfg      FetchConfig
	recorder *harRecorder // non-nil when recording mode is enabled
	replay   *harReplay   // non-nil when replay mode is enabled
}

// bindFetch installs a fresh `fetch` global closing over inv, replacing
// whatever binding a previous invocation left behind. Workers are
// single-threaded, so this is safe between invocations.
func bindFetch(runtime *goja.Runtime, inv *invocationFetch) error {
	fn := func(call goja.FunctionCall) goja.Value {
		result, err := inv.doFetch(runtime, call)
		if err != nil {
			panic(toNetworkError(runtime, err))
		}
		return result
	}
	return runtime.Set("fetch", fn)
}

func toNetworkError(runtime *goja.Runtime, err error) *goja.Object {
	ctor := runtime.Get("NetworkError")
	if ctor == nil {
		return runtime.NewGoError(err)
	}
	v, callErr := runtime.New(ctor, runtime.ToValue(err.Error()))
	if callErr != nil {
		return runtime.NewGoError(err)
	}
	return v
}

func (inv *invocationFetch) doFetch(runtime *goja.Runtime, call goja.FunctionCall) (goja.Value, error) {
	url := call.Argument(0).String()

	method := http.MethodGet
	var headers map[string]string
	var reqBody []byte

	if opts := call.Argument(1); !goja.IsUndefined(opts) && !goja.IsNull(opts) {
		obj := opts.ToObject(runtime)
		if m := obj.Get("method"); m != nil && !goja.IsUndefined(m) {
			method = strings.ToUpper(m.String())
		}
		if h := obj.Get("headers"); h != nil && !goja.IsUndefined(h) {
			headers = exportStringMap(runtime, h)
		}
	}
	if bodyArg := call.Argument(2); !goja.IsUndefined(bodyArg) && !goja.IsNull(bodyArg) {
		switch v := bodyArg.Export().(type) {
		case string:
			reqBody = []byte(v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("fetch: encode body: %w", err)
			}
			reqBody = b
		}
	}

	if inv.replay != nil {
		resp, ok := inv.replay.lookup(method, url, reqBody)
		if !ok {
			return nil, fmt.Errorf("fetch: no recorded response for %s %s", method, url)
		}
		return runtime.ToValue(resp), nil
	}

	started := time.Now()
	httpReq, err := http.NewRequest(method, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	client := inv.cfg.client()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer httpResp.Body.Close()

	respBodyRaw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read response: %w", err)
	}

	result := buildFetchResult(httpResp, respBodyRaw)

	if inv.recorder != nil {
		inv.recorder.append(ipc.HarEntry{
			Request: ipc.HarRequest{
				Method:  method,
				URL:     url,
				Headers: headers,
				Body:    rawBodyForHAR(reqBody),
			},
			Response: ipc.HarResponse{
				Status:     httpResp.StatusCode,
				StatusText: http.StatusText(httpResp.StatusCode),
				Headers:    flattenHeader(httpResp.Header),
				Body:       result["body"],
			},
			StartedAt: started,
			TimeMS:    float64(time.Since(started).Microseconds()) / 1000.0,
		})
	}

	return runtime.ToValue(result), nil
}

// fetchResult is the {ok, status, statusText, body} object fetch returns
// to task JS.
type fetchResult = map[string]any

func buildFetchResult(resp *http.Response, raw []byte) fetchResult {
	var body any = string(raw)
	if isJSONContentType(resp.Header.Get("Content-Type")) {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			body = parsed
		}
	}
	return fetchResult{
		"ok":         resp.StatusCode >= 200 && resp.StatusCode < 300,
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"body":       body,
	}
}

func isJSONContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func rawBodyForHAR(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}
	return string(raw)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func exportStringMap(runtime *goja.Runtime, v goja.Value) map[string]string {
	obj := v.ToObject(runtime)
	if obj == nil {
		return nil
	}
	out := map[string]string{}
	for _, k := range obj.Keys() {
		out[k] = obj.Get(k).String()
	}
	return out
}
