package fileserver

import (
	"strconv"
	"strings"

	"github.com/italolelis/mediadrop/internal/media"
)

// byteRange is an inclusive slice of a file.
type byteRange struct {
	start, end int64
}

func (br byteRange) length() int64 {
	return br.end - br.start + 1
}

// parseRange parses a single "bytes=" range against a file of the given
// size. Supported forms are start-end, start- and -suffix. An end past the
// file is clamped; a start at or past the end of the file is unsatisfiable.
func parseRange(header string, size int64) (byteRange, error) {
	invalid := func(reason string) (byteRange, error) {
		return byteRange{}, &media.RangeInvalidError{Header: header, Size: size, Reason: reason}
	}

	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return invalid("unsupported unit")
	}

	if strings.Contains(spec, ",") {
		return invalid("multiple ranges are not supported")
	}

	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return invalid("missing dash")
	}

	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return invalid("bad suffix length")
		}

		if size == 0 {
			return invalid("empty file")
		}

		n = min(n, size)

		return byteRange{start: size - n, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return invalid("bad start")
	}

	end := size - 1

	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < 0 {
			return invalid("bad end")
		}

		end = min(end, size-1)
	}

	if start >= size || start > end {
		return invalid("not satisfiable")
	}

	return byteRange{start: start, end: end}, nil
}
