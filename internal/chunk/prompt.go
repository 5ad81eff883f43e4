package chunk

import (
	"fmt"
	"strings"

	"github.com/sells-group/chartparse/internal/model"
	"github.com/sells-group/chartparse/internal/registry"
)

// systemPrompt frames the extraction task for every chunk call.
const systemPrompt = `You are a medical records analyst partitioning a long scanned document into discrete encounters (visits, reports, summaries). You see one chunk of pages at a time and must return valid JSON only.`

// chunkPromptHeader introduces the chunk and the document's overall shape.
const chunkPromptHeader = `Document: %d total pages, processed in %d chunks of up to %d pages.
This is chunk %d of %d, covering pages %d-%d.
`

// outputInstructions describes the JSON contract. An entity that plainly
// ends within this chunk is "complete"; an entity whose evidence continues
// past the chunk's last page is "continuing" and must carry a temporary id
// and a hint of what to expect next.
const outputInstructions = `Return a JSON object:
{"entities": [
  {"status": "complete" | "continuing",
   "type": one of [%s],
   "page_range": {"start": <first page>, "end": <last page>},
   "start_date": "<date as written in the document, if any>",
   "end_date": "<date as written, if any>",
   "provider": "<treating provider, if stated>",
   "facility": "<facility name, if stated>",
   "patient_name": "<if stated>", "patient_dob": "<if stated>", "patient_address": "<if stated>",
   "chief_complaint": "<if stated>",
   "calendar_anchored": <true if this is a dated real-world clinical event>,
   "confidence": <0.0-1.0>,
   "summary": "<one or two sentences>",
   "context_snippet": "<short verbatim quote near the entity start, for human review>",
   "start_marker": "<short verbatim text at the entity's first line>",
   "start_marker_context": "<nearby words to disambiguate the marker>",
   "start_region": "top" | "upper_middle" | "lower_middle" | "bottom",
   "end_marker": "<short verbatim text at the entity's last line>",
   "temp_id": "<required when continuing>",
   "expect_next": "<required when continuing: what the next chunk should look for>",
   "continues": "<temp id of the open entity this one extends, if any>"}
]}
Pages may not belong to more than one entity. Do not invent encounters.`

// BuildPrompt assembles the chunk prompt: handoff context from the prior
// chunk, the page range's OCR text, and the output contract.
func BuildPrompt(session *model.Session, chunkNumber int, pages []model.Page, prior *model.HandoffPackage, reg *registry.Registry) string {
	cr := model.NthChunk(chunkNumber, session.TotalPages, session.ChunkSize)

	var b strings.Builder
	fmt.Fprintf(&b, chunkPromptHeader,
		session.TotalPages, session.TotalChunks, session.ChunkSize,
		chunkNumber, session.TotalChunks, cr.Start, cr.End,
	)

	if !prior.Empty() {
		b.WriteString("\n")
		b.WriteString(renderHandoff(prior))
	}

	b.WriteString("\nPage text:\n")
	for _, p := range pages {
		fmt.Fprintf(&b, "--- Page %d ---\n%s\n", p.Number, p.Text())
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, outputInstructions, strings.Join(reg.Keys(), ", "))
	return b.String()
}

// renderHandoff renders the prior chunk's handoff package as prompt context.
func renderHandoff(h *model.HandoffPackage) string {
	var b strings.Builder
	b.WriteString("Context carried from the previous chunk:\n")

	if op := h.OpenPending; op != nil {
		fmt.Fprintf(&b, "An entity is still open: temp id %s, type %s, seen on pages %s.\n",
			op.TempID, op.Type, renderRanges(op.PagesSoFar))
		if op.Summary != "" {
			fmt.Fprintf(&b, "  So far: %s\n", op.Summary)
		}
		if op.ExpectNext != "" {
			fmt.Fprintf(&b, "  Expect next: %s\n", op.ExpectNext)
		}
		fmt.Fprintf(&b, "If this chunk starts inside that entity, emit it with \"continues\": %q.\n", op.TempID)
	}

	ac := h.ActiveContext
	if ac.OpenAdmission != "" {
		fmt.Fprintf(&b, "Open admission: %s\n", ac.OpenAdmission)
	}
	if len(ac.RecentProviders) > 0 {
		fmt.Fprintf(&b, "Recently mentioned providers: %s\n", strings.Join(ac.RecentProviders, "; "))
	}
	if len(ac.RecentFacilities) > 0 {
		fmt.Fprintf(&b, "Recently mentioned facilities: %s\n", strings.Join(ac.RecentFacilities, "; "))
	}
	if ac.OrderingPattern != "" {
		fmt.Fprintf(&b, "Document ordering pattern so far: %s\n", ac.OrderingPattern)
	}
	if ac.LastConfidentDate != "" {
		fmt.Fprintf(&b, "Last confidently dated entry: %s\n", ac.LastConfidentDate)
	}

	if len(h.RecentCompleted) > 0 {
		b.WriteString("Recently completed entities:\n")
		for _, s := range h.RecentCompleted {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
	}

	return b.String()
}

func renderRanges(ranges []model.PageRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		if r.Start == r.End {
			parts[i] = fmt.Sprintf("%d", r.Start)
		} else {
			parts[i] = fmt.Sprintf("%d-%d", r.Start, r.End)
		}
	}
	return strings.Join(parts, ", ")
}
