package search

import (
	"strings"

	"github.com/tdeslauriers/muse/pkg/api"
)

// negationMarkers introduce an excluded term in a natural language query.
var negationMarkers = map[string]bool{
	"no":      true,
	"not":     true,
	"without": true,
	"exclude": true,
	"except":  true,
}

// synonyms maps a query term to the related terms the enrichment model tends
// to produce, so colloquial queries reach the stored vocabulary.
var synonyms = map[string][]string{
	"happy":    {"smiling", "joyful", "cheerful"},
	"smiling":  {"happy", "joyful"},
	"outdoor":  {"outdoors", "outside", "field", "grass", "sky"},
	"outdoors": {"outdoor", "outside", "field", "grass", "sky"},
	"archery":  {"bow", "arrow", "targets", "range"},
	"kids":     {"children", "child", "boy", "girl"},
	"children": {"kids", "child"},
	"beach":    {"ocean", "sand", "shore"},
	"winter":   {"snow", "cold", "ice"},
	"dog":      {"puppy", "canine"},
	"cat":      {"kitten", "feline"},
}

// fillerWords carry no search signal and are dropped from parsed queries.
var fillerWords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true,
	"at": true, "with": true, "and": true, "or": true, "for": true,
	"show": true, "me": true, "find": true, "photos": true, "photo": true,
	"pictures": true, "picture": true, "images": true, "image": true,
	"pics": true, "any": true, "all": true, "some": true, "from": true,
	"please": true, "want": true, "see": true, "get": true, "that": true,
	"have": true, "are": true, "is": true, "to": true, "my": true,
}

// ParseQuery turns a natural language query into structured search criteria:
// filler words are dropped, negation markers and '-term' prefixes become
// negative keywords, and known synonyms widen the keyword set.
func ParseQuery(query string) api.SearchCriteria {

	var criteria api.SearchCriteria

	words := strings.Fields(strings.ToLower(query))
	negateNext := false

	for _, word := range words {

		word = strings.Trim(word, ".,!?;:'\"()")
		if word == "" {
			continue
		}

		// '-term' excludes the term directly
		if strings.HasPrefix(word, "-") && len(word) > 1 {
			criteria.NegativeKeywords = append(criteria.NegativeKeywords, word[1:])
			continue
		}

		if negationMarkers[word] {
			negateNext = true
			continue
		}

		if negateNext {
			criteria.NegativeKeywords = append(criteria.NegativeKeywords, word)
			negateNext = false
			continue
		}

		if fillerWords[word] {
			continue
		}

		criteria.Keywords = append(criteria.Keywords, word)

		// widen with known synonyms
		criteria.Keywords = append(criteria.Keywords, synonyms[word]...)
	}

	criteria.Keywords = api.DedupeKeywords(criteria.Keywords)
	criteria.NegativeKeywords = api.DedupeKeywords(criteria.NegativeKeywords)

	return criteria
}
