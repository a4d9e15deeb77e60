// Package jericho stripes one byte stream over N parallel TCP connections.
//
// A Block joins N member links. A stream is cut into superchunks of N*B
// bytes, where B is the block size, and chunk i of every superchunk travels
// on member i. The receiving Block reads one chunk from every member and
// concatenates them in index order, so byte k of the stream always travels
// on member (k / B) mod N.
//
// Every member connection opens with a handshake record naming its index,
// the stream UID, the password digest, B and N (see package protocol). The
// server answers ACCEPT or DECLINED with a reason; after an accept the
// connection carries raw chunk data in both directions.
//
// # Client
//
//	cfg := jericho.DefaultClientConfig()
//	cfg.Addr = "server:9555"
//	cfg.Password = "secret"
//
//	c, err := jericho.Dial(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if _, err := io.Copy(c, src); err != nil {
//		return err
//	}
//	return c.Close()
//
// # Server
//
//	cfg := jericho.DefaultServerConfig()
//	cfg.Login = auth.StaticLogin("secret")
//
//	srv, err := jericho.Listen(cfg)
//	if err != nil {
//		return err
//	}
//	defer srv.Close()
//
//	for {
//		b, err := srv.Accept(ctx)
//		if err != nil {
//			return err
//		}
//		go io.Copy(dst, jericho.NewBlockReader(ctx, b))
//	}
//
// Each runtime drives its sockets from one goroutine with poll(2);
// Block.Write and Block.Read may be called from any goroutine. Block.Read
// never waits; it returns ErrInsufficientData until every member holds a
// chunk. BlockReader adds the waiting.
package jericho
