// internal/download/magic.go
package download

import (
	"bytes"
	"strings"
)

// HeaderSize is how many leading bytes are read for the signature check.
const HeaderSize = 12

type signature func(h []byte) bool

func prefix(p string) signature {
	return func(h []byte) bool { return bytes.HasPrefix(h, []byte(p)) }
}

func at(offset int, p string) signature {
	return func(h []byte) bool {
		return len(h) >= offset+len(p) && bytes.Equal(h[offset:offset+len(p)], []byte(p))
	}
}

var signatures = map[string]signature{
	"wav": func(h []byte) bool { return prefix("RIFF")(h) && at(8, "WAVE")(h) },
	"mp3": func(h []byte) bool {
		// ID3 tag, or a bare MPEG audio frame sync.
		return prefix("ID3")(h) || (len(h) >= 2 && h[0] == 0xFF && h[1]&0xE0 == 0xE0)
	},
	"flac": prefix("fLaC"),
	"ogg":  prefix("OggS"),
	"m4a":  at(4, "ftyp"),
	"mp4":  at(4, "ftyp"),
	"zip":  prefix("PK\x03\x04"),
}

// Known reports whether a container format has a signature check.
func Known(format string) bool {
	_, ok := signatures[normalizeFormat(format)]
	return ok
}

// MatchesFormat checks header against the container magic for format.
func MatchesFormat(format string, header []byte) bool {
	sig, ok := signatures[normalizeFormat(format)]
	return ok && sig(header)
}

func normalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimPrefix(f, "."))
	switch f {
	case "wave":
		return "wav"
	case "oga", "opus":
		return "ogg"
	}
	return f
}
