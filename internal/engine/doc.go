// Package engine owns the generation backend and the concurrency policy in
// front of it. It is structured into small files by concern:
//
//   - backend.go: Backend contract and sampling options.
//   - engine.go: Engine type (one-time load, readiness, gated Generate).
//   - gate.go: Gate policies (exclusive FIFO, bounded concurrent) and selection.
//   - errors.go: error types and helpers (IsNotReady, IsTooBusy, ...).
//   - metrics.go: Prometheus collectors for load, gate and generate.
//   - backend_openai.go: OpenAI-compatible HTTP backend (vLLM, llama-server).
//   - process.go: optional subprocess management for the HTTP backend.
//   - chatml.go: ChatML prompt rendering for in-process backends.
//
// Build tags and runtimes:
//
//   - In-process llama: go-llama.cpp, enabled with `-tags=llama`.
//     Files: backend_llama.go, llama_cgo.go. Without the tag a no-CGO stub
//     (backend_llama_stub.go) fails Load with a dependency-unavailable error.
//
//   - OpenAI-compatible server: always built. The server multiplexes requests
//     itself, so the default gate lets calls overlap.
//
// The in-process runtime is not safe for concurrent use and always sits
// behind the exclusive gate.
package engine
