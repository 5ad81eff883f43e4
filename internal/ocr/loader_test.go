package ocr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const pageJSON = `{"number": %NUM%, "width": 2550, "height": 3300, "blocks": [
	{"paragraphs": [{"words": [
		{"text": "CHIEF", "box": [{"x":100,"y":200},{"x":180,"y":200},{"x":180,"y":230},{"x":100,"y":230}], "confidence": 0.99},
		{"text": "COMPLAINT", "box": [{"x":190,"y":200},{"x":340,"y":200},{"x":340,"y":230},{"x":190,"y":230}], "confidence": 0.98}
	]}]}
]}`

func pageWithNumber(n string) string {
	return strings.ReplaceAll(pageJSON, "%NUM%", n)
}

func docWithPages(nums ...string) string {
	pages := make([]string, len(nums))
	for i, n := range nums {
		pages[i] = pageWithNumber(n)
	}
	return `{"name": "chart-a", "metadata_date": "2024-01-05", "pages": [` +
		strings.Join(pages, ",") + `]}`
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "chart.json", docWithPages("1", "2"))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chart-a", doc.Name)
	assert.Equal(t, "2024-01-05", doc.MetadataDate)
	require.Len(t, doc.Pages, 2)
	assert.Equal(t, 1, doc.Pages[0].Number)
	assert.Equal(t, "CHIEF COMPLAINT", doc.Pages[0].Text())
	assert.InDelta(t, 200.0, doc.Pages[0].Words()[0].TopY(), 0.01)
}

func TestLoadNameDefaultsFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "smith-chart.json", `{"pages": [`+pageWithNumber("1")+`]}`)

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "smith-chart", doc.Name)
}

func TestLoadUnnumberedPagesGetFileOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "chart.json", docWithPages("0", "0", "0"))

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Pages, 3)
	for i, p := range doc.Pages {
		assert.Equal(t, i+1, p.Number)
	}
}

func TestLoadNumberedPagesSortedAndValidated(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "chart.json", docWithPages("2", "1"))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Pages[0].Number)
	assert.Equal(t, 2, doc.Pages[1].Number)
}

func TestLoadGapInPageNumbersRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "chart.json", docWithPages("1", "3"))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contiguous")
}

func TestLoadMixedNumberingRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "chart.json", docWithPages("1", "0"))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "some pages carry numbers")
}

func TestLoadRejectsEmptyAndMalformed(t *testing.T) {
	dir := t.TempDir()

	empty := writeDoc(t, dir, "empty.json", `{"name": "x", "pages": []}`)
	_, err := Load(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pages")

	bad := writeDoc(t, dir, "bad.json", `{not json`)
	_, err = Load(bad)
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "b.json", `{"pages": [`+pageWithNumber("1")+`]}`)
	writeDoc(t, dir, "a.json", `{"pages": [`+pageWithNumber("1")+`]}`)
	writeDoc(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	docs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Name)
	assert.Equal(t, "b", docs[1].Name)
}

func TestLoadDirEmpty(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .json documents")
}
