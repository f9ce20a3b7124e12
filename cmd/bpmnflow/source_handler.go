package main

import (
	"net/http"
	"strconv"
	"sync/atomic"
)

// Response headers naming the process source that served a request.
const (
	headerSourceGeneration = "X-Bpmnflow-Source-Generation"
	headerSource           = "X-Bpmnflow-Source"
)

// apiGeneration is one API handler bound to one process source.
type apiGeneration struct {
	handler http.Handler
	source  string
	number  uint64
}

// sourceHandler serves the API for the current process source. A SIGHUP that
// changes process_dir or engine_url installs a new generation; requests
// already running finish on the one they started with.
type sourceHandler struct {
	current atomic.Pointer[apiGeneration]
}

func newSourceHandler(h http.Handler, source string) *sourceHandler {
	s := &sourceHandler{}
	s.current.Store(&apiGeneration{handler: h, source: source, number: 1})
	return s
}

func (s *sourceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gen := s.current.Load()
	w.Header().Set(headerSourceGeneration, strconv.FormatUint(gen.number, 10))
	w.Header().Set(headerSource, gen.source)
	gen.handler.ServeHTTP(w, r)
}

// Swap installs h for source and returns the new generation number.
func (s *sourceHandler) Swap(h http.Handler, source string) uint64 {
	for {
		prev := s.current.Load()
		next := &apiGeneration{handler: h, source: source, number: prev.number + 1}
		if s.current.CompareAndSwap(prev, next) {
			return next.number
		}
	}
}

// Generation returns the number and source of the generation being served.
func (s *sourceHandler) Generation() (uint64, string) {
	gen := s.current.Load()
	return gen.number, gen.source
}

// sourceLabel describes where cfg reads process documents from.
func sourceLabel(cfg Config) string {
	if cfg.EngineURL != "" {
		return "engine:" + cfg.EngineURL
	}
	return "dir:" + cfg.ProcessDir
}
