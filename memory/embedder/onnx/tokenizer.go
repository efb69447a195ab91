package onnx

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/goccy/go-json"
)

// Special token ids of the uncased BERT vocabulary.
const (
	padID = 0
	unkID = 100
	clsID = 101
	sepID = 102
)

// Tokenizer is a greedy longest-match WordPiece tokenizer over a BERT
// vocabulary read from a Hugging Face tokenizer.json.
type Tokenizer struct {
	vocab map[string]int64
	unk   int64
	cls   int64
	sep   int64
}

// LoadTokenizer reads the vocabulary from tokenizer.json.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	var doc struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocabulary", path)
	}
	return NewTokenizer(doc.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer from a vocabulary. Missing special
// tokens fall back to the standard BERT ids.
func NewTokenizer(vocab map[string]int64) *Tokenizer {
	lookup := func(tok string, def int64) int64 {
		if id, ok := vocab[tok]; ok {
			return id
		}
		return def
	}
	return &Tokenizer{
		vocab: vocab,
		unk:   lookup("[UNK]", unkID),
		cls:   lookup("[CLS]", clsID),
		sep:   lookup("[SEP]", sepID),
	}
}

// Tokenize lower-cases s, splits on whitespace and punctuation and maps
// every word to WordPiece ids. Special tokens are not added.
func (t *Tokenizer) Tokenize(s string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(s)) {
		ids = append(ids, t.wordPiece(word)...)
	}
	return ids
}

// Encode returns input ids and attention mask of length maxLen, wrapped in
// [CLS] ... [SEP] and padded.
func (t *Tokenizer) Encode(s string, maxLen int) (ids, mask []int64) {
	tokens := t.Tokenize(s)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}
	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)
	ids[0], mask[0] = t.cls, 1
	for i, id := range tokens {
		ids[i+1], mask[i+1] = id, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = t.sep, 1
	for i := end + 1; i < maxLen; i++ {
		ids[i] = padID
	}
	return ids, mask
}

func (t *Tokenizer) wordPiece(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}
	var ids []int64
	runes := []rune(word)
	for start := 0; start < len(runes); {
		end := len(runes)
		var id int64
		found := false
		for ; end > start; end-- {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, found = t.vocab[sub]; found {
				break
			}
		}
		if !found {
			// A word with an unknown piece is a single [UNK].
			return []int64{t.unk}
		}
		ids = append(ids, id)
		start = end
	}
	return ids
}

// splitWords separates on whitespace and keeps punctuation as words of
// its own, as BERT's basic tokenizer does.
func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

// meanPool averages the hidden states of attended positions.
// hidden is [seqLen, hiddenSize] flattened.
func meanPool(hidden []float32, mask []int64, hiddenSize int) ([]float32, error) {
	if hiddenSize <= 0 || len(hidden)%hiddenSize != 0 {
		return nil, fmt.Errorf("hidden state of %d values does not split into rows of %d", len(hidden), hiddenSize)
	}
	seqLen := len(hidden) / hiddenSize
	if seqLen > len(mask) {
		seqLen = len(mask)
	}
	out := make([]float32, hiddenSize)
	var attended float32
	for i := 0; i < seqLen; i++ {
		if mask[i] == 0 {
			continue
		}
		attended++
		row := hidden[i*hiddenSize : (i+1)*hiddenSize]
		for j, v := range row {
			out[j] += v
		}
	}
	if attended == 0 {
		return nil, fmt.Errorf("no attended tokens")
	}
	for j := range out {
		out[j] /= attended
	}
	return out, nil
}
