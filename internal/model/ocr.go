package model

import "strings"

// Vertex is one corner of a word's quadrilateral bounding box, in page
// pixel coordinates.
type Vertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Word is a single recognized word with its bounding quadrilateral and
// recognition confidence. Vertices are ordered top-left, top-right,
// bottom-right, bottom-left.
type Word struct {
	Text       string    `json:"text"`
	Box        [4]Vertex `json:"box"`
	Confidence float64   `json:"confidence"`
}

// TopY returns the word's topmost y coordinate.
func (w Word) TopY() float64 {
	y := w.Box[0].Y
	for _, v := range w.Box[1:] {
		if v.Y < y {
			y = v.Y
		}
	}
	return y
}

// BottomY returns the word's bottommost y coordinate.
func (w Word) BottomY() float64 {
	y := w.Box[0].Y
	for _, v := range w.Box[1:] {
		if v.Y > y {
			y = v.Y
		}
	}
	return y
}

// Height returns the vertical extent of the word's box.
func (w Word) Height() float64 {
	return w.BottomY() - w.TopY()
}

// Paragraph groups consecutive words.
type Paragraph struct {
	Words []Word `json:"words"`
}

// Block groups paragraphs, mirroring the OCR source's block → paragraph →
// word hierarchy.
type Block struct {
	Paragraphs []Paragraph `json:"paragraphs"`
}

// Page is one scanned page with its OCR geometry.
type Page struct {
	Number int     `json:"number"` // 1-indexed
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Blocks []Block `json:"blocks"`
}

// Words flattens the page's hierarchy into reading order.
func (p Page) Words() []Word {
	var out []Word
	for _, b := range p.Blocks {
		for _, para := range b.Paragraphs {
			out = append(out, para.Words...)
		}
	}
	return out
}

// Text joins the page's words with single spaces.
func (p Page) Text() string {
	words := p.Words()
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if w.Text != "" {
			parts = append(parts, w.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Document is an ordered set of OCR pages plus the file metadata the
// extraction may fall back to for dates.
type Document struct {
	Name         string `json:"name,omitempty"`
	Pages        []Page `json:"pages"`
	MetadataDate string `json:"metadata_date,omitempty"` // YYYY-MM-DD, from file metadata
}
