// Package textutil cleans up message text before it is stored or embedded:
// charset repair, rune-safe truncation and one-line error summaries.
package textutil

import (
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// charsets maps normalized charset labels (see normalizeCharset) to decoders.
var charsets = map[string]encoding.Encoding{
	"windows1252": charmap.Windows1252,
	"cp1252":      charmap.Windows1252,
	"iso88591":    charmap.ISO8859_1,
	"latin1":      charmap.ISO8859_1,
	"iso885915":   charmap.ISO8859_15,
	"latin9":      charmap.ISO8859_15,
	"iso88592":    charmap.ISO8859_2,
	"latin2":      charmap.ISO8859_2,
	"windows1251": charmap.Windows1251,
	"koi8r":       charmap.KOI8R,
	"koi8u":       charmap.KOI8U,
	"shiftjis":    japanese.ShiftJIS,
	"sjis":        japanese.ShiftJIS,
	"eucjp":       japanese.EUCJP,
	"iso2022jp":   japanese.ISO2022JP,
	"euckr":       korean.EUCKR,
	"gb2312":      simplifiedchinese.GBK,
	"gbk":         simplifiedchinese.GBK,
	"gb18030":     simplifiedchinese.GB18030,
	"big5":        traditionalchinese.Big5,
}

// guessOrder is tried when detection is inconclusive. Western single-byte
// sets come first since they decode almost anything; the multi-byte sets
// only succeed on well-formed input.
var guessOrder = []encoding.Encoding{
	charmap.Windows1252,
	charmap.ISO8859_1,
	charmap.ISO8859_15,
	japanese.ShiftJIS,
	japanese.EUCJP,
	korean.EUCKR,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
}

func normalizeCharset(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(name)
}

// CharsetEncoding returns the decoder for an IANA charset label such as
// "ISO-8859-1" or "shift_jis", or nil when the label is unknown.
func CharsetEncoding(name string) encoding.Encoding {
	if name == "" {
		return nil
	}
	return charsets[normalizeCharset(name)]
}

// ToUTF8 returns s unchanged when it is valid UTF-8. Otherwise it decodes s
// with the detected charset, then with each common mail charset in turn,
// and as a last resort replaces the invalid bytes.
func ToUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	data := []byte(s)

	if enc := detect(data); enc != nil {
		if out, ok := decode(enc, data); ok {
			return out
		}
	}
	for _, enc := range guessOrder {
		if out, ok := decode(enc, data); ok {
			return out
		}
	}
	return SanitizeUTF8(s)
}

// detect asks chardet for a charset. Short samples are accepted at lower
// confidence.
func detect(data []byte) encoding.Encoding {
	minConfidence := 30
	if len(data) > 50 {
		minConfidence = 50
	}
	res, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || res.Confidence < minConfidence {
		return nil
	}
	return CharsetEncoding(res.Charset)
}

func decode(enc encoding.Encoding, data []byte) (string, bool) {
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil || !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}

// SanitizeUTF8 replaces each invalid byte with U+FFFD. Unlike
// strings.ToValidUTF8 a run of bad bytes yields one replacement per byte.
func SanitizeUTF8(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		b.WriteRune(r)
		s = s[size:]
	}
	return b.String()
}
