package extraction

import "fmt"

const systemPrompt = `You are a content analyst for a social feed. Given the raw
text of a cast, respond with a single JSON object of the shape:
{"title": string, "category": string, "description": string, "view": string,
 "type": string, "tags": [string], "entities": [string]}

Rules:
- "title": a short headline for the content (stories only; may be empty).
- "category": exactly one broad category such as "tech", "politics", "art",
  "finance", "science", or "" when nothing fits.
- "description": one or two sentences summarising the content.
- "tags": lowercase topic keywords, at most 6.
- "entities": proper nouns mentioned (people, projects, places).
Respond with JSON only.`

// buildUserPrompt formats the extraction request for one content item. The
// identity and content type are included so the model can adjust register
// (stories get titles, posts do not).
func buildUserPrompt(identity, contentType, text string) string {
	return fmt.Sprintf("Identity: %s\nContent type: %s\n\nText:\n%s", identity, contentType, text)
}
