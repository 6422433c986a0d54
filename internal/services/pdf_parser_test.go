package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPlainText(t *testing.T) {
	text, err := NewTextExtractor().Extract("brief.md", []byte("  # Case Study \n\n\n Build an API.\n"))
	require.NoError(t, err)
	assert.Equal(t, "# Case Study\nBuild an API.", text)
}

func TestExtractEmptyDocument(t *testing.T) {
	_, err := NewTextExtractor().Extract("empty.txt", []byte(" \n\t\n"))
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestExtractUnsupportedType(t *testing.T) {
	_, err := NewTextExtractor().Extract("cv.docx", []byte("hello"))
	assert.ErrorIs(t, err, ErrUnsupportedFileType)
}

func TestExtractInvalidPDF(t *testing.T) {
	_, err := NewTextExtractor().Extract("cv.pdf", []byte("not a pdf"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptyDocument)
}

func TestExtractDropsInvalidUTF8(t *testing.T) {
	text, err := NewTextExtractor().Extract("notes.txt", []byte{'o', 'k', 0xff, 0xfe})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}
