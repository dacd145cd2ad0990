package store

import (
	"sort"
	"strings"
	"unicode"
)

// AlbumStatus summarizes how much of an album's expected image set has
// already been processed and stored.
type AlbumStatus struct {
	AlbumKey           string              `json:"album_key"`
	Processed          int                 `json:"processed"`
	Total              int                 `json:"total"`
	ProcessedImageKeys map[string]struct{} `json:"-"`
	ProgressPercent    float64             `json:"progress_percent"`
	Complete           bool                `json:"complete"`
}

// indexFile is the on-disk shape of the inverted indices: token -> sorted
// album keys.  The in-memory sets are rebuilt from this on load.
type indexFile struct {
	Keywords     map[string][]string `json:"keywords"`
	Descriptions map[string][]string `json:"descriptions"`
}

// invertedIndex maps tokens to the set of album keys containing a matching
// record.  Albums are the authoritative data; both maps are derivable.
type invertedIndex struct {
	keywords     map[string]map[string]struct{}
	descriptions map[string]map[string]struct{}
}

func newInvertedIndex() *invertedIndex {
	return &invertedIndex{
		keywords:     make(map[string]map[string]struct{}),
		descriptions: make(map[string]map[string]struct{}),
	}
}

// addKeyword records that albumKey contains a record with the keyword token.
func (ix *invertedIndex) addKeyword(token, albumKey string) {
	if _, ok := ix.keywords[token]; !ok {
		ix.keywords[token] = make(map[string]struct{})
	}
	ix.keywords[token][albumKey] = struct{}{}
}

// addDescription records that albumKey contains a record whose description
// yields the token.
func (ix *invertedIndex) addDescription(token, albumKey string) {
	if _, ok := ix.descriptions[token]; !ok {
		ix.descriptions[token] = make(map[string]struct{})
	}
	ix.descriptions[token][albumKey] = struct{}{}
}

// removeAlbum removes the album's contribution for the provided tokens; any
// token whose set becomes empty is dropped.
func (ix *invertedIndex) removeAlbum(albumKey string, keywordTokens, descriptionTokens []string) {

	for _, token := range keywordTokens {
		if set, ok := ix.keywords[token]; ok {
			delete(set, albumKey)
			if len(set) == 0 {
				delete(ix.keywords, token)
			}
		}
	}

	for _, token := range descriptionTokens {
		if set, ok := ix.descriptions[token]; ok {
			delete(set, albumKey)
			if len(set) == 0 {
				delete(ix.descriptions, token)
			}
		}
	}
}

// candidates returns the union of album keys mapped by any of the query
// tokens in either index.
func (ix *invertedIndex) candidates(tokens []string) map[string]struct{} {

	albums := make(map[string]struct{})
	for _, token := range tokens {
		for key := range ix.keywords[token] {
			albums[key] = struct{}{}
		}
		for key := range ix.descriptions[token] {
			albums[key] = struct{}{}
		}
	}

	return albums
}

// toFile converts the in-memory sets to the serializable sorted-slice form.
func (ix *invertedIndex) toFile() indexFile {

	file := indexFile{
		Keywords:     make(map[string][]string, len(ix.keywords)),
		Descriptions: make(map[string][]string, len(ix.descriptions)),
	}

	for token, set := range ix.keywords {
		file.Keywords[token] = sortedKeys(set)
	}

	for token, set := range ix.descriptions {
		file.Descriptions[token] = sortedKeys(set)
	}

	return file
}

// fromFile rebuilds the in-memory sets from the serialized form.
func (ix *invertedIndex) fromFile(file indexFile) {

	for token, albums := range file.Keywords {
		for _, key := range albums {
			ix.addKeyword(token, key)
		}
	}

	for token, albums := range file.Descriptions {
		for _, key := range albums {
			ix.addDescription(token, key)
		}
	}
}

// sortedKeys returns the set's members as a sorted slice for stable output.
func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// stop words excluded from description tokenization
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "any": {}, "can": {}, "had": {}, "her": {},
	"was": {}, "one": {}, "our": {}, "out": {}, "his": {}, "has": {},
	"him": {}, "with": {}, "this": {}, "that": {}, "from": {}, "they": {},
	"there": {}, "their": {}, "what": {}, "were": {}, "been": {}, "have": {},
	"into": {}, "some": {}, "than": {}, "them": {}, "then": {}, "over": {},
	"near": {}, "also": {}, "just": {}, "like": {}, "very": {}, "while": {},
}

// Tokenize splits text into lowercased index tokens: punctuation-delimited,
// stop-word filtered, length greater than two.
func Tokenize(text string) []string {

	if text == "" {
		return nil
	}

	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) <= 2 {
			continue
		}
		if _, ok := stopWords[field]; ok {
			continue
		}
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		tokens = append(tokens, field)
	}

	return tokens
}
