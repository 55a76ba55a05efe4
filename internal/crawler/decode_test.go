package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        []byte
		contentType string
		want        string
		decoder     string
	}{
		{name: "utf-8", body: []byte("Bản tin"), want: "Bản tin", decoder: "utf-8"},
		{name: "utf-8 with bom", body: append([]byte{0xEF, 0xBB, 0xBF}, []byte("Bản tin")...), want: "Bản tin", decoder: "utf-8-sig"},
		{name: "latin-1 fallback", body: []byte{'n', 0xe9}, contentType: "text/html; charset=windows-1258", want: "né", decoder: "latin-1"},
		{name: "empty", body: nil, want: "", decoder: "utf-8"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			text, decoder := decodeBody(tc.body, tc.contentType)
			assert.Equal(t, tc.want, text)
			assert.Equal(t, tc.decoder, decoder)
			assert.Equal(t, tc.want, DecodeBody(tc.body, tc.contentType))
		})
	}
}

func TestDecodeDeclared(t *testing.T) {
	t.Parallel()

	text, ok := decodeDeclared([]byte{0xe9}, "iso-8859-1")
	assert.True(t, ok)
	assert.Equal(t, "é", text)

	_, ok = decodeDeclared([]byte("x"), "")
	assert.False(t, ok)
	_, ok = decodeDeclared([]byte("x"), "not-a-charset")
	assert.False(t, ok)
}

func TestDeclaredCharset(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "utf-8", declaredCharset("text/html; charset=UTF-8"))
	assert.Equal(t, "", declaredCharset("text/html"))
	assert.Equal(t, "", declaredCharset(""))
	assert.Equal(t, "", declaredCharset(";;"))
}
