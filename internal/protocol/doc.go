// Package protocol implements the newline-delimited JSON wire format spoken
// between madserve and the analysis worker over the worker's stdio.
//
// Every message is one JSON object on one line. The worker writes a single
// handshake line once it has loaded its models:
//
//	{"status":"ready","forensics":true}
//	{"status":"error","message":"ML module failed to load: ..."}
//
// and afterwards one response line per request:
//
//	{"id":"6f1c...","prediction":"Real","confidence":0.97,...}
//	{"id":"6f1c...","error":"Image not found: /tmp/x.jpg"}
//
// madserve writes one request line per analysis:
//
//	{"id":"6f1c...","image_path":"/srv/uploads/upload-1700000000000-k2j4.jpg"}
//
// [Framer] splits the raw stdout byte stream into records regardless of how
// reads chunk it. [Decode] turns a record into an [Envelope]; malformed
// records produce an error wrapping [ErrDecode] and are meant to be logged
// and dropped by the caller. [EncodeRequest] produces exactly one line.
//
// Only the envelope fields needed for handshake and correlation are
// interpreted. Everything else in a response is carried through untouched in
// [Envelope.Fields] and [Envelope.Raw].
package protocol
