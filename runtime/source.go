package runtime

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
)

// WasmContentType is the media type streaming instantiation requires.
const WasmContentType = "application/wasm"

type sourceKind uint8

const (
	sourceDefault sourceKind = iota
	sourceLocation
	sourceResponse
	sourceBytes
	sourceModule
)

// Source is where Init loads a guest from. The zero Source means the
// runtime's default location.
type Source struct {
	location string
	resp     *http.Response
	data     []byte
	module   *engine.Module
	kind     sourceKind
}

// FromURL loads from an http(s) URL, a file:// URL or a file path. An
// empty location means the runtime's default location.
func FromURL(location string) Source {
	if location == "" {
		return Source{}
	}
	return Source{kind: sourceLocation, location: location}
}

// FromResponse instantiates from a response that has already been
// requested. Init closes its body.
func FromResponse(resp *http.Response) Source { return Source{kind: sourceResponse, resp: resp} }

// FromBytes instantiates from an in-memory binary. It never fetches, even
// when data is empty.
func FromBytes(data []byte) Source { return Source{kind: sourceBytes, data: data} }

// FromModule instantiates an already compiled guest.
func FromModule(m *engine.Module) Source { return Source{kind: sourceModule, module: m} }

// String describes the source for logs.
func (s Source) String() string {
	switch s.kind {
	case sourceModule:
		return "compiled module"
	case sourceBytes:
		return "bytes"
	case sourceResponse:
		if s.resp != nil && s.resp.Request != nil && s.resp.Request.URL != nil {
			return s.resp.Request.URL.String()
		}
		return "response"
	case sourceLocation:
		return s.location
	default:
		return "default location"
	}
}

// Init instantiates a guest from src. Network sources go through the
// streaming path: a response served as application/wasm is checked for
// the wasm preamble before the body is read, and a failure there is
// final. A response with any other content type is read in full and
// compiled as bytes, with a warning.
func (r *Runtime) Init(ctx context.Context, src Source) (*Instance, error) {
	mod, err := r.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	return r.Instantiate(ctx, mod)
}

// Load fetches and compiles a guest without instantiating it.
func (r *Runtime) Load(ctx context.Context, src Source) (*engine.Module, error) {
	switch src.kind {
	case sourceModule:
		if src.module == nil {
			return nil, errors.InvalidInput(errors.PhaseLoad, "nil module source")
		}
		return src.module, nil
	case sourceBytes:
		return r.engine.Compile(ctx, src.data)
	case sourceResponse:
		if src.resp == nil {
			return nil, errors.InvalidInput(errors.PhaseLoad, "nil response source")
		}
		return r.loadResponse(ctx, src.resp)
	}

	location := src.location
	if location == "" {
		location = r.defaultURL
	}
	if location == "" {
		return nil, notConfigured("default module location")
	}

	u, err := url.Parse(location)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return r.loadFile(ctx, location)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Fetch("build request for "+location, err)
	}
	req.Header.Set("Accept", WasmContentType)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Fetch("fetch "+location, err)
	}
	return r.loadResponse(ctx, resp)
}

func (r *Runtime) loadFile(ctx context.Context, location string) (*engine.Module, error) {
	path := strings.TrimPrefix(location, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Fetch("read "+path, err)
	}
	return r.engine.Compile(ctx, data)
}

// loadResponse is the streaming path for a network response.
func (r *Runtime) loadResponse(ctx context.Context, resp *http.Response) (*engine.Module, error) {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.New(errors.PhaseLoad, errors.KindFetch).
			Name(sourceName(resp)).
			Detail("unexpected status %s", resp.Status).
			Build()
	}

	mod, err := r.compileStreaming(ctx, resp)
	if err == nil {
		return mod, nil
	}
	if isWasmResponse(resp) {
		return nil, err
	}

	r.log.Warn("streaming instantiation failed because the server does not serve wasm with the "+
		"application/wasm content type; falling back to buffered instantiation",
		zap.String("source", sourceName(resp)),
		zap.String("content_type", resp.Header.Get("Content-Type")),
		zap.Error(err))

	data, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		return nil, errors.Fetch("read "+sourceName(resp), rerr)
	}
	return r.engine.Compile(ctx, data)
}

// compileStreaming consumes the body only once the content type and
// preamble have been accepted, so the buffered fallback still sees all of it.
func (r *Runtime) compileStreaming(ctx context.Context, resp *http.Response) (*engine.Module, error) {
	if !isWasmResponse(resp) {
		return nil, errors.New(errors.PhaseLoad, errors.KindFetch).
			Name(sourceName(resp)).
			Detail("content type %q is not %s", resp.Header.Get("Content-Type"), WasmContentType).
			Build()
	}

	br := bufio.NewReader(resp.Body)
	head, err := br.Peek(len(engine.Magic))
	if err != nil || !bytes.Equal(head, engine.Magic) {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Name(sourceName(resp)).
			Detail("response body is not a wasm binary").
			Cause(err).
			Build()
	}

	data, err := io.ReadAll(br)
	if err != nil {
		return nil, errors.Fetch("read "+sourceName(resp), err)
	}
	return r.engine.Compile(ctx, data)
}

func isWasmResponse(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == WasmContentType
}

func sourceName(resp *http.Response) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return "response"
}
