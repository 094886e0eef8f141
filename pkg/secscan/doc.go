// Package secscan validates user-submitted files before they touch any
// storage backend.
//
// A Validator runs a fixed sequence of checks over a file's name,
// declared type, and content: filename hygiene, MIME allow-listing,
// executable-extension deny-listing, magic-number verification,
// malicious-pattern scanning, and a Shannon-entropy heuristic. Each
// triggered check contributes to a risk score which maps to a security
// level (safe, low, medium, high).
//
// The validator never performs I/O. Callers normalize whatever byte
// source they have (multipart part, buffered body, staged object) into
// a File value once, at the boundary, and hand it over:
//
//	result := validator.Validate(secscan.File{
//	    Name:        header.Filename,
//	    ContentType: detectedType,
//	    Size:        header.Size,
//	    Content:     buf,
//	}, secscan.DefaultOptions())
//	if !result.Valid {
//	    // reject with result.Errors
//	}
//
// The only shared state is the incident counter set, guarded by a
// mutex and exposed through Metrics and ResetMetrics.
package secscan
