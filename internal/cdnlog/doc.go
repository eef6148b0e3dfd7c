// Package cdnlog turns raw CDN access logs into per-package download
// counts.
//
// A log file arrives as a byte stream, optionally gzip or zstd
// compressed. The counter recognizes two record shapes in one pass:
// CloudFront W3C extended logs (tab separated, with a "#Fields:" header
// line) and Fastly JSON lines. A download is a successful GET for a
// package archive path of the form
//
//	/packages/{name}/{name}-{version}.tgz
//
// Lines that do not parse are skipped; the counter only fails when the
// underlying stream does. All stages are streaming, so memory use is
// bounded by line size, not file size.
package cdnlog
