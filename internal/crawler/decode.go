package crawler

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type bodyDecoder struct {
	name   string
	decode func(body []byte, declared string) (string, bool)
}

// decodeOrder is the sequence DecodeBody walks. Latin-1 maps every byte, so
// the declared charset only matters when an earlier decoder is removed.
var decodeOrder = []bodyDecoder{
	{name: "utf-8", decode: decodeUTF8},
	{name: "utf-8-sig", decode: decodeUTF8SIG},
	{name: "latin-1", decode: decodeLatin1},
	{name: "declared", decode: decodeDeclared},
}

// DecodeBody turns a response body into text. It never fails: if no decoder
// accepts the bytes, invalid sequences are replaced.
func DecodeBody(body []byte, contentType string) string {
	text, _ := decodeBody(body, contentType)
	return text
}

// decodeBody also reports which decoder produced the text.
func decodeBody(body []byte, contentType string) (string, string) {
	declared := declaredCharset(contentType)
	for _, d := range decodeOrder {
		if text, ok := d.decode(body, declared); ok {
			return text, d.name
		}
	}
	return strings.ToValidUTF8(string(body), "\uFFFD"), "lossy"
}

func decodeUTF8(body []byte, _ string) (string, bool) {
	if bytes.HasPrefix(body, utf8BOM) || !utf8.Valid(body) {
		return "", false
	}
	return string(body), true
}

func decodeUTF8SIG(body []byte, _ string) (string, bool) {
	trimmed, found := bytes.CutPrefix(body, utf8BOM)
	if !found || !utf8.Valid(trimmed) {
		return "", false
	}
	return string(trimmed), true
}

func decodeLatin1(body []byte, _ string) (string, bool) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func decodeDeclared(body []byte, declared string) (string, bool) {
	if declared == "" {
		return "", false
	}
	enc, err := htmlindex.Get(declared)
	if err != nil {
		return "", false
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}
