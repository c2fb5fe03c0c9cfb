// Package susanoo implements a durable client for the Discord real-time
// gateway (protocol version 6): it dials the WebSocket, authenticates with
// IDENTIFY or RESUME, keeps the session alive with heartbeats, decodes the
// inbound event stream into a handler registry, rate limits everything it
// sends, and recovers from disconnects by resuming or re-identifying
// through a session controller that serialises identifies across shards.
//
// The package deliberately stops at the protocol edge. Entity decoding and
// cache mutation live in the EventHandlers the caller registers; voice
// audio, REST and presence management are external collaborators reached
// through the narrow interfaces in this package.
//
// Minimal usage:
//
//	session, err := susanoo.NewSession(susanoo.Config{
//		Token:         token,
//		AutoReconnect: true,
//	},
//		susanoo.WithHandler("READY", readyHandler),
//		susanoo.WithListener(func(event any) {
//			if _, ok := event.(susanoo.ReadyEvent); ok {
//				// loaded
//			}
//		}),
//	)
//	if err != nil {
//		return err
//	}
//	defer session.Shutdown()
//
// The READY handler must call session.Ready() once it finished loading;
// that is what moves the session into CONNECTED and unblocks the voice
// queue. Chunk and general requests are not held back by Ready().
package susanoo
