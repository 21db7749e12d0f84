// Package bridge multiplexes image analysis requests onto one long-lived
// worker process speaking newline-delimited JSON over stdio.
//
// At startup the worker must print a single handshake line, either
// {"status":"ready","forensics":true|false} or {"status":"error","message":...}.
// After that every request is a line {"id":...,"image_path":...} on the
// worker's stdin, and every response is a JSON object on stdout carrying
// the same id. Responses may arrive in any order; the correlation id is the
// only thing that ties a response to its request.
//
// Each request settles exactly once: with the worker's response, with a
// per-request timeout, or with a crash error when the worker exits. The
// bridge never restarts a worker that died.
//
// Lifecycle:
//
//	b := bridge.New(supervisor, bridge.WithLogger(logger))
//	if err := b.Start(ctx); err != nil {
//	    return err // spawn failure, handshake timeout or rejection
//	}
//	res, err := b.Analyze(ctx, "/uploads/photo.png")
//	...
//	b.Stop()
package bridge
