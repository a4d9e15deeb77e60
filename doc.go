// Package jericho provides an inverse-multiplexing stream transport: one
// byte stream striped over N parallel TCP connections.
//
// # Quick Start
//
// Sending side:
//
//	import "github.com/pzverkov/jericho/pkg/jericho"
//
//	cfg := jericho.DefaultClientConfig()
//	cfg.Addr = "server:9555"
//	c, _ := jericho.Dial(ctx, cfg)
//	c.Write(data)
//	c.Close()
//
// Receiving side:
//
//	srv, _ := jericho.Listen(jericho.DefaultServerConfig())
//	b, _ := srv.Accept(ctx)
//	io.Copy(dst, jericho.NewBlockReader(ctx, b))
//
// # Package Structure
//
//   - pkg/jericho: Block, member links, handshakes, registry and the client and server runtimes
//   - pkg/buffer: Chunk-aligned byte queue and scratch buffer pool
//   - pkg/protocol: Handshake record and response encoding
//   - pkg/auth: Login callbacks and password digests
//   - pkg/metrics: Logging, counters, Prometheus exposition, tracing and health checks
//   - internal/constants: Wire parameters, defaults and limits
//   - internal/errors: Sentinel and typed errors
//   - cmd/jericho: Command-line sender and receiver
//
// # Wire Format
//
// Each member connection opens with
//
//	<24-digit length>ix<index>_id<uid>_pw<sha256 hex>_bc<block size>_am<members>
//
// answered by "ACCEPT\n" or "DECLINED\n<reason>\n". Chunk data follows.
//
// # Testing
//
//	go test ./...                                # All tests
//	go test -fuzz=FuzzParseHeader ./pkg/protocol # Fuzz the header parser
//	go test -bench=. ./pkg/buffer ./pkg/jericho  # Benchmarks
package jericho
