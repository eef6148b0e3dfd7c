package cdnlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// CDN log lines can get long (query strings, user agents). A line
// beyond this is dropped like any other malformed line; the rest of the
// file still counts.
const maxLineSize = 1024 * 1024

const (
	archivePrefix = "/packages/"
	archiveSuffix = ".tgz"
)

// CountDownloads consumes a log byte stream and aggregates download
// counts. Malformed lines are skipped; the only error condition is a
// failure of the stream itself. An empty stream yields an empty map.
//
// For a fixed input the result is deterministic, which re-processing of
// the same file relies on.
func CountDownloads(r io.Reader) (*DownloadsMap, error) {
	counts := NewDownloadsMap()
	br := bufio.NewReaderSize(r, 64*1024)

	var fields *cloudFrontFields
	for {
		line, err := readLine(br)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read log stream: %w", err)
		}

		switch {
		case line == "":
		case strings.HasPrefix(line, "#"):
			if f, ok := parseCloudFrontHeader(line); ok {
				fields = f
			}
		case strings.HasPrefix(line, "{"):
			if name, version, date, ok := parseFastlyLine(line); ok {
				counts.Add(name, version, date, 1)
			}
		default:
			if fields == nil {
				break
			}
			if name, version, date, ok := fields.parseLine(line); ok {
				counts.Add(name, version, date, 1)
			}
		}

		if err == io.EOF {
			return counts, nil
		}
	}
}

// readLine returns the next line with its terminator trimmed. A line
// longer than maxLineSize is consumed to its end but returned as empty,
// so the caller skips it and continues with the next line. Memory stays
// bounded: past the cap the remainder is discarded chunk by chunk.
func readLine(br *bufio.Reader) (string, error) {
	chunk, err := br.ReadSlice('\n')
	if err == nil || err == io.EOF {
		return trimEOL(chunk), err
	}
	if err != bufio.ErrBufferFull {
		return "", err
	}

	line := append([]byte(nil), chunk...)
	for err == bufio.ErrBufferFull {
		chunk, err = br.ReadSlice('\n')
		if len(line) <= maxLineSize {
			line = append(line, chunk...)
		}
	}
	if err != nil && err != io.EOF {
		return "", err
	}
	if len(line) > maxLineSize {
		return "", err
	}
	return trimEOL(line), err
}

func trimEOL(line []byte) string {
	return strings.TrimRight(string(line), "\r\n")
}

// cloudFrontFields holds the column positions announced by a CloudFront
// "#Fields:" header line.
type cloudFrontFields struct {
	date   int
	method int
	uri    int
	status int
	width  int
}

func parseCloudFrontHeader(line string) (*cloudFrontFields, bool) {
	rest, ok := strings.CutPrefix(line, "#Fields:")
	if !ok {
		return nil, false
	}

	f := &cloudFrontFields{date: -1, method: -1, uri: -1, status: -1}
	names := strings.Fields(rest)
	for i, name := range names {
		switch name {
		case "date":
			f.date = i
		case "cs-method":
			f.method = i
		case "cs-uri-stem":
			f.uri = i
		case "sc-status":
			f.status = i
		}
	}
	f.width = len(names)

	if f.date < 0 || f.method < 0 || f.uri < 0 || f.status < 0 {
		return nil, false
	}
	return f, true
}

func (f *cloudFrontFields) parseLine(line string) (name, version string, date time.Time, ok bool) {
	cols := strings.Split(line, "\t")
	if len(cols) < f.width {
		return "", "", time.Time{}, false
	}
	if cols[f.method] != "GET" || cols[f.status] != "200" {
		return "", "", time.Time{}, false
	}

	date, err := time.Parse("2006-01-02", cols[f.date])
	if err != nil {
		return "", "", time.Time{}, false
	}

	name, version, ok = parseArchivePath(cols[f.uri])
	return name, version, date, ok
}

type fastlyLine struct {
	Timestamp string `json:"timestamp"`
	Method    string `json:"method"`
	URL       string `json:"url"`
	Status    int    `json:"status"`
}

func parseFastlyLine(line string) (name, version string, date time.Time, ok bool) {
	var rec fastlyLine
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return "", "", time.Time{}, false
	}
	if rec.Method != "GET" || rec.Status != 200 {
		return "", "", time.Time{}, false
	}

	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return "", "", time.Time{}, false
	}

	name, version, ok = parseArchivePath(rec.URL)
	return name, version, ts, ok
}

// parseArchivePath extracts package name and version from a download
// path of the form /packages/{name}/{name}-{version}.tgz. Query strings
// are ignored.
func parseArchivePath(p string) (name, version string, ok bool) {
	p, _, _ = strings.Cut(p, "?")

	rest, ok := strings.CutPrefix(p, archivePrefix)
	if !ok {
		return "", "", false
	}

	name, file, ok := strings.Cut(rest, "/")
	if !ok || name == "" || strings.Contains(file, "/") {
		return "", "", false
	}

	file, ok = strings.CutSuffix(file, archiveSuffix)
	if !ok {
		return "", "", false
	}

	version, ok = strings.CutPrefix(file, name+"-")
	if !ok || version == "" {
		return "", "", false
	}

	return name, version, true
}
