// Package server exposes a gate over HTTP so several agent processes can
// share one decision core and one coordination store.
//
// The API is a small JSON surface under /v1: intercept and complete mirror
// the client's pre-call and post-call hook events, lock and unlock take
// explicit advisory locks, and status and journal read the coordination
// state. /v1/events streams gate events as server-sent events, and the root
// path serves a human-readable status page.
//
//	client, _ := callosum.New(callosum.Config{InstanceID: "gate-server"})
//	_ = client.Start(ctx)
//
//	srv := server.New(client.Gate(), &server.Config{Addr: ":8787"})
//	_ = srv.Start(ctx)
//	defer srv.Stop(ctx)
//
// Remote-mode clients point ServerURL at this server; on transport failure
// they fall back to their local store.
package server
