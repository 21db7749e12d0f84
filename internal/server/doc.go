// Package server exposes the analysis worker over HTTP.
//
// Routes:
//
//	GET  /api/health   readiness of the worker and outstanding request count
//	POST /api/analyze  multipart field "image"; responds with a report.Report
//	POST /api/predict  alias of /api/analyze
//
// Uploads are written to the upload directory, handed to the worker by
// path, and removed once the analysis settles. Concurrent analyses can be
// bounded with a Limiter whose limit follows configuration reloads.
package server
